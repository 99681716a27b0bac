package main

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Sender writes frames to live connections. Reliable message classes
// go through SendAndCache, which records the frame in the recipient's
// ack cache before the connection write so a lost frame is
// retransmitted on the next ping or login.
type Sender struct {
	store    Store
	registry *Registry
	cipher   Cipher
}

func newSender(store Store, registry *Registry, cipher Cipher) *Sender {
	return &Sender{
		store:    store,
		registry: registry,
		cipher:   cipher,
	}
}

// Send writes without caching; used for pongs, system responses and
// resends of already-cached messages.
func (s *Sender) Send(c *Client, m *Message) {
	if c == nil || !c.Active() {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		zap.S().Error("sender:marshal:", err)
		return
	}
	text := string(data)
	if uid := s.registry.UserByChannel(c.cid); uid != "" {
		text = s.cipher.Encrypt(UIDKey(uid), text)
	}
	c.enqueue([]byte(text))
}

// SendAndCache writes the ack cache entry keyed by the message's
// server timestamp, then writes to the connection.
func (s *Sender) SendAndCache(ctx context.Context, c *Client, m *Message) {
	if c == nil || !c.Active() {
		return
	}
	if m.ToUID != "" && m.STimest != "" {
		data, err := json.Marshal(m)
		if err != nil {
			zap.S().Error("sender:marshal:", err)
			return
		}
		if err := s.store.HSet(ctx, ackKey(m.ToUID), m.STimest, string(data)); err != nil {
			zap.S().Error("sender:ack cache:", err)
		}
	}
	s.Send(c, m)
}

// SendResponse builds a system-originated message and sends it
// without caching.
func (s *Sender) SendResponse(c *Client, eventID, toUID, body string) {
	s.Send(c, &Message{
		EventID:  eventID,
		FromUID:  systemUID,
		ToUID:    toUID,
		DataBody: body,
		STimest:  timestamp(),
		IsCache:  flagFalse,
	})
}
