package main

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// AckHandler removes acknowledged messages from the sender's ack
// cache. The data body is a JSON array of server timestamps. This is
// the only path entries leave the cache outside cluster cleanup.
type AckHandler struct {
	node *Node
}

func (AckHandler) EventID() string { return EventAck }

func (h AckHandler) Handle(c *Client, m *Message) error {
	if m.FromUID == "" || m.DataBody == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(m.DataBody), &ids); err != nil {
		return fmt.Errorf("ack body: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := h.node.store.HDel(context.Background(), ackKey(m.FromUID), ids...); err != nil {
		return err
	}
	if h.node.archive != nil {
		h.node.archive.MarkAcked(m.FromUID, ids)
	}
	zap.S().Debugf("user %s acked %v", m.FromUID, ids)
	return nil
}
