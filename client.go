package main

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Outbound queue depth per connection. A full queue drops the
	// frame; the ack retry path redelivers reliable messages.
	sendQueueSize = 256

	defaultIdleTimeout = 60 * time.Second
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client is a middleman between one websocket connection and the
// node. user and deviceID are set once at login and never change for
// the life of the connection.
type Client struct {
	node *Node

	cid string

	user     string
	deviceID string

	log *zap.SugaredLogger

	// The websocket connection.
	conn *websocket.Conn

	mu     sync.RWMutex
	closed bool
	// Buffered channel of outbound frames.
	send chan []byte
}

// Active reports whether the connection can still be written to.
// Async pushers check this before every write and abort early.
func (c *Client) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// enqueue hands a frame to the write pump. Never blocks: a slow
// consumer loses frames and the retry path makes up for it.
func (c *Client) enqueue(data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("send queue full, dropping frame")
	}
}

// shutdown marks the client closed and releases the write pump.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Close tears down the transport; readPump's defer runs the registry
// and session cleanup.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func idleTimeout() time.Duration {
	if DefConfig.Client.IdleTimeout <= 0 {
		return defaultIdleTimeout
	}
	return time.Duration(DefConfig.Client.IdleTimeout) * time.Second
}

// readPump pumps messages from the websocket connection to the event
// router.
//
// The application runs readPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a
// connection by executing all reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.node.removeClient(c)
		c.conn.Close()
	}()
	idle := idleTimeout()
	c.conn.SetReadLimit(DefConfig.Client.ReadMessageSizeLimit)
	c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(idle)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error(err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(idle))
		message = bytes.TrimSpace(bytes.ReplaceAll(message, newline, space))
		c.handleFrame(message)
	}
}

// handleFrame decrypts (when the connection is bound), decodes and
// dispatches one inbound frame. Malformed payloads are logged and
// dropped; the connection stays open.
func (c *Client) handleFrame(raw []byte) {
	text := string(raw)
	if !isJSONText(text) {
		uid := c.node.registry.UserByChannel(c.cid)
		if uid == "" {
			c.log.Error("frame:undecodable payload from unbound connection")
			return
		}
		dec, err := c.node.cipher.Decrypt(UIDKey(uid), text)
		if err != nil {
			c.log.Error("frame:decrypt:", err)
			return
		}
		text = dec
	}
	m := &Message{}
	if err := json.Unmarshal([]byte(text), m); err != nil {
		c.log.Error("frame:decode:", err)
		return
	}
	m.STimest = timestamp()
	if m.EventID != EventPing {
		c.log.Infof("recv:%v", text)
	}
	c.node.router.Dispatch(c, m)
}

// writePump pumps messages from the node to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a
// connection by executing all writes from this goroutine.
func (c *Client) writePump() {
	pingPeriod := idleTimeout() * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The node closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Errorf("WriteMessage:%v\n", err.Error())
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Errorf("WriteMessage PingMessage:%v\n", err.Error())
				return
			}
		}
	}
}
