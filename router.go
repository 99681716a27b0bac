package main

import "go.uber.org/zap"

// Handler processes one decoded inbound event.
type Handler interface {
	EventID() string
	Handle(c *Client, m *Message) error
}

// Router maps event ids to handlers and dispatches each inbound
// message on its own goroutine. Unknown events are logged and
// dropped; a panicking handler never takes the connection down.
type Router struct {
	handlers map[string]Handler
}

func newRouter(handlers ...Handler) *Router {
	r := &Router{handlers: map[string]Handler{}}
	for _, h := range handlers {
		r.handlers[h.EventID()] = h
	}
	return r
}

func (r *Router) Dispatch(c *Client, m *Message) {
	h, ok := r.handlers[m.EventID]
	if !ok {
		zap.S().Warn("router:unknown event:", m.EventID)
		return
	}
	go func() {
		defer func() {
			if err := recover(); err != nil {
				zap.S().Errorf("router:handler %s panic:%v", m.EventID, err)
			}
		}()
		if err := h.Handle(c, m); err != nil {
			zap.S().Error("router:handle ", m.EventID, ":", err)
		}
	}()
}
