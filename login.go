package main

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

const (
	offlineBatchSize  = 200
	offlineBatchPause = 500 * time.Millisecond

	defaultDeviceID = "default"
)

// LoginHandler validates the client's token, binds the connection,
// writes the session record and replays queued offline messages plus
// every still-unacknowledged message.
type LoginHandler struct {
	node *Node
}

func (LoginHandler) EventID() string { return EventLogin }

func (h LoginHandler) Handle(c *Client, m *Message) error {
	ctx := context.Background()
	uid := m.FromUID
	deviceID := m.DeviceID
	if deviceID == "" {
		deviceID = defaultDeviceID
	}
	log := zap.S().With("method", "login", "user", uid, "device", deviceID)

	stored, err := h.node.store.Get(ctx, tokenKey(uid))
	if err != nil {
		log.Error("token lookup:", err)
	}
	if uid == "" || m.Token == "" || stored == "" || m.Token != stored {
		log.Warn("login failed: invalid token")
		h.node.sender.SendResponse(c, EventLogin, uid, "Fail")
		c.Close()
		return nil
	}

	c.user = uid
	c.deviceID = deviceID
	c.log = zap.S().With("cid", c.cid, "user", uid, "device", deviceID)
	h.node.registry.Bind(uid, deviceID, c)

	info, err := json.Marshal(SessionInfo{
		UserID:     uid,
		ChannelID:  c.cid,
		DeviceID:   deviceID,
		LoginTime:  time.Now().UnixMilli(),
		InstanceID: h.node.cluster.ID(),
	})
	if err == nil {
		if err := h.node.store.HSet(ctx, sessionKey(uid), deviceID, string(info)); err != nil {
			log.Error("session write:", err)
		}
	}
	if err := h.node.cluster.RegisterSession(ctx, uid, deviceID); err != nil {
		log.Error("session index:", err)
	}

	log.Info("login ok")
	h.node.sender.SendResponse(c, EventLogin, uid, "Success")

	go func() {
		h.pushOffline(ctx, c, uid, log)
		h.pushUnacked(ctx, c, uid, log)
	}()
	return nil
}

// pushOffline drains the offline queue in FIFO order, in batches with
// a brief pause between them. Each batch is trimmed off the list
// before sending; if the connection dies mid-batch the popped
// remainder is dropped and left to the sender-side ack retry.
func (h LoginHandler) pushOffline(ctx context.Context, c *Client, uid string, log *zap.SugaredLogger) {
	key := offlineKey(uid)
	total := 0
	for {
		batch, err := h.node.store.LRange(ctx, key, 0, offlineBatchSize-1)
		if err != nil {
			log.Error("offline range:", err)
			return
		}
		if len(batch) == 0 {
			break
		}
		if err := h.node.store.LTrim(ctx, key, int64(len(batch)), -1); err != nil {
			log.Error("offline trim:", err)
			return
		}
		for _, raw := range batch {
			if !c.Active() {
				log.Warn("connection closed during offline push")
				return
			}
			m := &Message{}
			if err := json.Unmarshal([]byte(raw), m); err != nil {
				log.Error("offline decode:", err)
				continue
			}
			// Offline messages become newly pending acks.
			h.node.sender.SendAndCache(ctx, c, m)
			total++
		}
		if len(batch) < offlineBatchSize {
			break
		}
		time.Sleep(offlineBatchPause)
	}
	if total > 0 {
		log.Infof("pushed %d offline messages", total)
	}
}

// pushUnacked resends every cached-but-unacknowledged message
// unconditionally. Entries stay cached until the client acks them.
func (h LoginHandler) pushUnacked(ctx context.Context, c *Client, uid string, log *zap.SugaredLogger) {
	entries, err := h.node.store.HGetAll(ctx, ackKey(uid))
	if err != nil {
		log.Error("ack scan:", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	log.Infof("resending %d unacked messages", len(entries))
	for _, raw := range entries {
		if !c.Active() {
			return
		}
		m := &Message{}
		if err := json.Unmarshal([]byte(raw), m); err != nil {
			log.Error("unacked decode:", err)
			continue
		}
		h.node.sender.Send(c, m)
	}
}
