package main

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

// PrivateMessageHandler routes a message to a single user: local
// connections first, then forwarding to any other instance holding a
// session record, then the offline queue. Local delivery and session
// consultation are not mutually exclusive, so a stale remote record
// can cause an extra forward; at-least-once is the contract.
type PrivateMessageHandler struct {
	node *Node
}

func (PrivateMessageHandler) EventID() string { return EventPrivateMsg }

func (h PrivateMessageHandler) Handle(c *Client, m *Message) error {
	ctx := context.Background()
	toUID := m.ToUID
	if toUID == "" {
		return errors.New("private message without toUid")
	}
	log := zap.S().With("method", "private", "to", toUID)

	if h.node.archive != nil && m.IsCache == flagTrue {
		h.node.archive.Save(m)
	}

	sentLocally := false
	for _, conn := range h.node.registry.Connections(toUID) {
		if conn.Active() {
			h.node.sender.SendAndCache(ctx, conn, m)
			sentLocally = true
		}
	}

	sessions, err := h.node.store.HGetAll(ctx, sessionKey(toUID))
	if err != nil {
		log.Error("session lookup:", err)
		if !sentLocally {
			h.queueOffline(ctx, m, toUID, log)
		}
		return nil
	}
	if len(sessions) == 0 {
		if !sentLocally {
			h.queueOffline(ctx, m, toUID, log)
		}
		return nil
	}

	forwarded := map[string]struct{}{}
	for _, raw := range sessions {
		info := SessionInfo{}
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			log.Error("session decode:", err)
			continue
		}
		if info.InstanceID == "" || info.InstanceID == h.node.cluster.ID() {
			continue
		}
		// One forward per instance even with multiple devices there.
		if _, done := forwarded[info.InstanceID]; done {
			continue
		}
		forwarded[info.InstanceID] = struct{}{}
		log.Debug("forwarding to instance ", info.InstanceID)
		if err := h.node.cluster.ForwardToInstance(ctx, info.InstanceID, m); err != nil {
			log.Error("forward:", err)
		}
	}
	return nil
}

func (h PrivateMessageHandler) queueOffline(ctx context.Context, m *Message, toUID string, log *zap.SugaredLogger) {
	if m.IsCache != flagTrue {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		log.Error("offline encode:", err)
		return
	}
	if err := h.node.store.RPush(ctx, offlineKey(toUID), string(data)); err != nil {
		log.Error("offline queue:", err)
	}
}
