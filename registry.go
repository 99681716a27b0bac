package main

import "sync"

// Registry maps users to their live device connections on this
// instance. All operations are safe under concurrent callers; there
// is no coarse lock, only per-key map operations.
type Registry struct {
	//	users map[string]map[string]*Client
	users *sync.Map
	//	conns map[string]string (channel id -> uid)
	conns *sync.Map
}

func newRegistry() *Registry {
	return &Registry{
		users: &sync.Map{},
		conns: &sync.Map{},
	}
}

// Bind replaces any existing mapping for (uid, deviceID). The old
// connection, if any, is not closed here; that is the caller's
// business.
func (r *Registry) Bind(uid, deviceID string, c *Client) {
	if uid == "" || deviceID == "" || c == nil {
		return
	}
	devices, _ := r.users.LoadOrStore(uid, &sync.Map{})
	devices.(*sync.Map).Store(deviceID, c)
	r.conns.Store(c.cid, uid)
}

// Unbind removes the mapping only when the stored connection is still
// c, so a disconnect racing a newer bind after reconnect leaves the
// fresh mapping alone.
func (r *Registry) Unbind(c *Client) {
	if c == nil {
		return
	}
	r.conns.Delete(c.cid)
	if c.user == "" || c.deviceID == "" {
		return
	}
	v, ok := r.users.Load(c.user)
	if !ok {
		return
	}
	devices := v.(*sync.Map)
	if cur, ok := devices.Load(c.deviceID); !ok || cur.(*Client) != c {
		return
	}
	devices.Delete(c.deviceID)
	empty := true
	devices.Range(func(_, _ interface{}) bool {
		empty = false
		return false
	})
	if empty {
		r.users.Delete(c.user)
	}
}

// Connections returns every live device connection for uid.
func (r *Registry) Connections(uid string) []*Client {
	v, ok := r.users.Load(uid)
	if !ok {
		return nil
	}
	var out []*Client
	v.(*sync.Map).Range(func(_, c interface{}) bool {
		out = append(out, c.(*Client))
		return true
	})
	return out
}

// UserByChannel resolves the user bound to a channel id, used for
// payload-cipher key lookup. Empty string means unauthenticated.
func (r *Registry) UserByChannel(channelID string) string {
	if uid, ok := r.conns.Load(channelID); ok {
		return uid.(string)
	}
	return ""
}
