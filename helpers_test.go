package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-process Store used by the tests. It implements
// the same single-key atomicity the real store provides.
type memStore struct {
	mu      sync.Mutex
	kv      map[string]string
	ttl     map[string]time.Time
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	lists   map[string][]string
	streams map[string][]StreamEntry
	seq     int64
	subs    map[string][]chan string
}

func newMemStore() *memStore {
	return &memStore{
		kv:      map[string]string{},
		ttl:     map[string]time.Time{},
		hashes:  map[string]map[string]string{},
		sets:    map[string]map[string]struct{}{},
		lists:   map[string][]string{},
		streams: map[string][]StreamEntry{},
		subs:    map[string][]chan string{},
	}
}

// expire must be called with the lock held.
func (s *memStore) expire(key string) {
	if dl, ok := s.ttl[key]; ok && time.Now().After(dl) {
		delete(s.kv, key)
		delete(s.ttl, key)
	}
}

func (s *memStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(key)
	return s.kv[key], nil
}

func (s *memStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	if ttl > 0 {
		s.ttl[key] = time.Now().Add(ttl)
	} else {
		delete(s.ttl, key)
	}
	return nil
}

func (s *memStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.kv, key)
		delete(s.ttl, key)
		delete(s.hashes, key)
		delete(s.sets, key)
		delete(s.lists, key)
		delete(s.streams, key)
	}
	return nil
}

func (s *memStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(key)
	if _, ok := s.kv[key]; ok {
		return true, nil
	}
	if m, ok := s.hashes[key]; ok && len(m) > 0 {
		return true, nil
	}
	if m, ok := s.sets[key]; ok && len(m) > 0 {
		return true, nil
	}
	if l, ok := s.lists[key]; ok && len(l) > 0 {
		return true, nil
	}
	if st, ok := s.streams[key]; ok && len(st) > 0 {
		return true, nil
	}
	return false, nil
}

func (s *memStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	seen := map[string]struct{}{}
	add := func(key string) {
		if _, dup := seen[key]; dup {
			return
		}
		if strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	for k := range s.kv {
		s.expire(k)
	}
	for k := range s.kv {
		add(k)
	}
	for k := range s.hashes {
		add(k)
	}
	for k := range s.sets {
		add(k)
	}
	for k := range s.lists {
		add(k)
	}
	for k := range s.streams {
		add(k)
	}
	return out, nil
}

func (s *memStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.hashes[key]
	if !ok {
		m = map[string]string{}
		s.hashes[key] = m
	}
	m[field] = value
	return nil
}

func (s *memStore) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashes[key][field], nil
}

func (s *memStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) HKeys(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.hashes[key] {
		out = append(out, k)
	}
	return out, nil
}

func (s *memStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.hashes[key]
	for _, f := range fields {
		delete(m, f)
	}
	if len(m) == 0 {
		delete(s.hashes, key)
	}
	return nil
}

func (s *memStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sets[key]
	if !ok {
		m = map[string]struct{}{}
		s.sets[key] = m
	}
	for _, member := range members {
		m[member] = struct{}{}
	}
	return nil
}

func (s *memStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.sets[key]
	for _, member := range members {
		delete(m, member)
	}
	if len(m) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *memStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for member := range s.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

func (s *memStore) RPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], values...)
	return nil
}

func (s *memStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (s *memStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	n := int64(len(l))
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		delete(s.lists, key)
		return nil
	}
	s.lists[key] = l[start : stop+1]
	return nil
}

func (s *memStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func streamSeq(id string) int64 {
	head, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseInt(head, 10, 64)
	return n
}

func (s *memStore) XAdd(_ context.Context, stream string, values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry := StreamEntry{
		ID:     fmt.Sprintf("%d-0", s.seq),
		Values: map[string]string{},
	}
	for k, v := range values {
		entry.Values[k] = fmt.Sprint(v)
	}
	s.streams[stream] = append(s.streams[stream], entry)
	return nil
}

func (s *memStore) XRead(_ context.Context, stream, lastID string, block time.Duration, count int64) ([]StreamEntry, error) {
	var last int64
	if lastID == "$" {
		s.mu.Lock()
		entries := s.streams[stream]
		if len(entries) > 0 {
			last = streamSeq(entries[len(entries)-1].ID)
		}
		s.mu.Unlock()
	} else {
		last = streamSeq(lastID)
	}

	deadline := time.Now().Add(block)
	for {
		s.mu.Lock()
		var out []StreamEntry
		for _, e := range s.streams[stream] {
			if streamSeq(e.ID) > last && int64(len(out)) < count {
				out = append(out, e)
			}
		}
		s.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *memStore) XDel(_ context.Context, stream string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := map[string]struct{}{}
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	var kept []StreamEntry
	for _, e := range s.streams[stream] {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.streams, stream)
	} else {
		s.streams[stream] = kept
	}
	return nil
}

func (s *memStore) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (s *memStore) Subscribe(_ context.Context, channel string) (<-chan string, func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan string, 16)
	s.subs[channel] = append(s.subs[channel], ch)
	return ch, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[channel]
		for i, sub := range subs {
			if sub == ch {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		return nil
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) streamLen(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[stream])
}

func newTestNode() (*Node, *memStore) {
	store := newMemStore()
	return wireNode(store, nil), store
}

var testCID int

func newTestClient(n *Node) *Client {
	testCID++
	return &Client{
		cid:  fmt.Sprintf("test-conn-%d", testCID),
		node: n,
		send: make(chan []byte, 512),
		log:  zap.S(),
	}
}

// loginClient binds a client the way a successful login would,
// session record and index entry included.
func loginClient(t *testing.T, n *Node, store *memStore, uid, deviceID string) *Client {
	t.Helper()
	ctx := context.Background()
	c := newTestClient(n)
	c.user = uid
	c.deviceID = deviceID
	n.registry.Bind(uid, deviceID, c)
	info, err := json.Marshal(SessionInfo{
		UserID:     uid,
		ChannelID:  c.cid,
		DeviceID:   deviceID,
		LoginTime:  time.Now().UnixMilli(),
		InstanceID: n.cluster.ID(),
	})
	require.NoError(t, err)
	require.NoError(t, store.HSet(ctx, sessionKey(uid), deviceID, string(info)))
	require.NoError(t, n.cluster.RegisterSession(ctx, uid, deviceID))
	return c
}

// readFrame pops the next outbound frame for c, decrypting with uid's
// key when the frame is obfuscated.
func readFrame(t *testing.T, c *Client, uid string) *Message {
	t.Helper()
	select {
	case data := <-c.send:
		text := string(data)
		if !isJSONText(text) {
			require.NotEmpty(t, uid, "received obfuscated frame for unbound connection")
			dec, err := aesCipher{}.Decrypt(UIDKey(uid), text)
			require.NoError(t, err)
			text = dec
		}
		m := &Message{}
		require.NoError(t, json.Unmarshal([]byte(text), m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func requireNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}
