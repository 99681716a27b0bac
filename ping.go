package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// How long a cached message may sit unacknowledged before a ping
// triggers a retransmit.
const ackRetryTimeout = 5 * time.Second

// PingHandler answers the application-level heartbeat and drives the
// steady-state QoS-1 retry: any ack cache entry older than the retry
// window is resent.
type PingHandler struct {
	node *Node
}

func (PingHandler) EventID() string { return EventPing }

func (h PingHandler) Handle(c *Client, m *Message) error {
	h.node.sender.SendResponse(c, EventPing, "", "PONG")
	if m.FromUID == "" {
		return nil
	}
	go h.resendTimedOut(context.Background(), c, m.FromUID)
	return nil
}

func (h PingHandler) resendTimedOut(ctx context.Context, c *Client, uid string) {
	log := zap.S().With("method", "ping", "user", uid)
	entries, err := h.node.store.HGetAll(ctx, ackKey(uid))
	if err != nil {
		log.Error("ack scan:", err)
		return
	}
	now := time.Now().UnixMilli()
	for ts, raw := range entries {
		sent, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			continue
		}
		if now-sent <= ackRetryTimeout.Milliseconds() {
			continue
		}
		if !c.Active() {
			return
		}
		m := &Message{}
		if err := json.Unmarshal([]byte(raw), m); err != nil {
			log.Error("unacked decode:", err)
			continue
		}
		log.Debug("resending timed-out message ", ts)
		h.node.sender.Send(c, m)
	}
}
