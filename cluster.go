package main

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	heartbeatInterval = 5 * time.Second
	heartbeatTTL      = 10 * time.Second
	sweepInterval     = 10 * time.Second

	streamBlock      = 2 * time.Second
	streamBatch      = 50
	streamRetryDelay = time.Second
)

// Cluster owns this process's instance identity and everything that
// coordinates it with other instances through the shared store:
// heartbeat publication, the dead-instance sweep, the private
// delivery stream and the per-instance session index.
type Cluster struct {
	store    Store
	registry *Registry
	sender   *Sender

	id        string
	streamKey string
	indexKey  string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	unsub    func() error

	log *zap.SugaredLogger
}

func newCluster(store Store, registry *Registry, sender *Sender) *Cluster {
	id := uuid.NewString()
	return &Cluster{
		store:     store,
		registry:  registry,
		sender:    sender,
		id:        id,
		streamKey: instanceStreamKey(id),
		indexKey:  instanceIndexKey(id),
		stop:      make(chan struct{}),
		log:       zap.S().With("instance", id),
	}
}

func (cl *Cluster) ID() string { return cl.id }

// Start subscribes to the cluster broadcast topic, begins consuming
// this instance's private stream and schedules the heartbeat and the
// dead-instance sweep.
func (cl *Cluster) Start() {
	ctx := context.Background()
	events, unsub := cl.store.Subscribe(ctx, clusterTopic)
	cl.unsub = unsub

	cl.sendHeartbeat(ctx)
	cl.publishEvent(ctx, "STARTUP")

	cl.wg.Add(4)
	go cl.broadcastLoop(events)
	go cl.heartbeatLoop()
	go cl.sweepLoop()
	go cl.streamLoop()

	cl.log.Info("cluster started, stream:", cl.streamKey)
}

// Shutdown stops the loops and deletes the heartbeat key immediately
// so other instances detect the departure without waiting out the
// TTL. Session cleanup is left to normal disconnect handling or, on a
// hard crash, to the sweep.
func (cl *Cluster) Shutdown() {
	cl.stopOnce.Do(func() {
		close(cl.stop)
		ctx := context.Background()
		cl.publishEvent(ctx, "SHUTDOWN")
		if err := cl.store.Del(ctx, heartbeatKey(cl.id)); err != nil {
			cl.log.Error("shutdown:delete heartbeat:", err)
		}
		if cl.unsub != nil {
			cl.unsub()
		}
		cl.wg.Wait()
		cl.log.Info("cluster stopped")
	})
}

func (cl *Cluster) stopped() bool {
	select {
	case <-cl.stop:
		return true
	default:
		return false
	}
}

func (cl *Cluster) broadcastLoop(events <-chan string) {
	defer cl.wg.Done()
	for {
		select {
		case <-cl.stop:
			return
		case payload, ok := <-events:
			if !ok {
				return
			}
			if strings.HasPrefix(payload, cl.id+":") {
				continue
			}
			cl.log.Debug("cluster event:", payload)
		}
	}
}

func (cl *Cluster) heartbeatLoop() {
	defer cl.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.sendHeartbeat(context.Background())
		}
	}
}

func (cl *Cluster) sendHeartbeat(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := cl.store.Set(ctx, heartbeatKey(cl.id), now, heartbeatTTL); err != nil {
		cl.log.Error("heartbeat:", err)
	}
	// Advisory only; liveness detection keys off the TTL key above.
	cl.publishEvent(ctx, "HEARTBEAT")
}

func (cl *Cluster) sweepLoop() {
	defer cl.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.checkDeadInstances(context.Background())
		}
	}
}

// checkDeadInstances runs on every instance; no leader election. An
// instance whose heartbeat key is gone but whose session index still
// exists is dead, and cleanup is idempotent: once the index key is
// deleted a second pass finds nothing to do.
func (cl *Cluster) checkDeadInstances(ctx context.Context) {
	keys, err := cl.store.Keys(ctx, instanceSessionsPrefix+"*")
	if err != nil {
		cl.log.Error("sweep:keys:", err)
		return
	}
	for _, key := range keys {
		deadID := strings.TrimPrefix(key, instanceSessionsPrefix)
		alive, err := cl.store.Exists(ctx, heartbeatKey(deadID))
		if err != nil {
			cl.log.Error("sweep:heartbeat check:", deadID, ":", err)
			continue
		}
		if alive {
			continue
		}
		cl.log.Warnf("dead instance detected: %s, cleaning sessions", deadID)
		cl.cleanupDeadInstance(ctx, deadID, key)
	}
}

func (cl *Cluster) cleanupDeadInstance(ctx context.Context, deadID, indexKey string) {
	pairs, err := cl.store.SMembers(ctx, indexKey)
	if err != nil {
		cl.log.Error("sweep:members:", deadID, ":", err)
		return
	}
	for _, pair := range pairs {
		uid, deviceID, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		if err := cl.store.HDel(ctx, sessionKey(uid), deviceID); err != nil {
			cl.log.Error("sweep:session delete:", pair, ":", err)
		}
	}
	if err := cl.store.Del(ctx, indexKey, instanceStreamKey(deadID)); err != nil {
		cl.log.Error("sweep:index delete:", deadID, ":", err)
	}
	cl.log.Infof("cleanup complete for dead instance %s", deadID)
}

// streamLoop is the single consumer of this instance's private
// delivery stream. Each record is handled on its own goroutine and
// deleted after handling; there is no consumer-group ack.
func (cl *Cluster) streamLoop() {
	defer cl.wg.Done()
	ctx := context.Background()
	lastID := "$"
	for {
		if cl.stopped() {
			return
		}
		entries, err := cl.store.XRead(ctx, cl.streamKey, lastID, streamBlock, streamBatch)
		if err != nil {
			if cl.stopped() {
				return
			}
			cl.log.Error("stream read:", err)
			time.Sleep(streamRetryDelay)
			continue
		}
		for _, e := range entries {
			lastID = e.ID
			entry := e
			go cl.handleStreamEntry(ctx, entry)
		}
	}
}

func (cl *Cluster) handleStreamEntry(ctx context.Context, e StreamEntry) {
	defer func() {
		if err := recover(); err != nil {
			cl.log.Errorf("stream entry %s panic:%v", e.ID, err)
		}
	}()
	if body, ok := e.Values["body"]; ok {
		cl.deliverForwarded(body)
	}
	if err := cl.store.XDel(ctx, cl.streamKey, e.ID); err != nil {
		cl.log.Error("stream delete:", e.ID, ":", err)
	}
}

func (cl *Cluster) deliverForwarded(body string) {
	m := &Message{}
	if err := json.Unmarshal([]byte(body), m); err != nil {
		cl.log.Error("forwarded:decode:", err)
		return
	}
	conns := cl.registry.Connections(m.ToUID)
	if len(conns) == 0 {
		cl.log.Warnf("forwarded message for %s but user not connected here", m.ToUID)
		return
	}
	for _, c := range conns {
		cl.sender.Send(c, m)
	}
}

// ForwardToInstance appends the message to the target instance's
// private stream. Fire and forget: reliability for the end user comes
// from the ack cache, not from this hop.
func (cl *Cluster) ForwardToInstance(ctx context.Context, targetID string, m *Message) error {
	if targetID == "" {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return cl.store.XAdd(ctx, instanceStreamKey(targetID), map[string]interface{}{
		"body": string(data),
	})
}

// RegisterSession adds the (uid, deviceID) pair to this instance's
// session index, consumed only by the dead-instance sweep.
func (cl *Cluster) RegisterSession(ctx context.Context, uid, deviceID string) error {
	return cl.store.SAdd(ctx, cl.indexKey, uid+":"+deviceID)
}

func (cl *Cluster) UnregisterSession(ctx context.Context, uid, deviceID string) error {
	return cl.store.SRem(ctx, cl.indexKey, uid+":"+deviceID)
}

func (cl *Cluster) publishEvent(ctx context.Context, event string) {
	if err := cl.store.Publish(ctx, clusterTopic, cl.id+":"+event); err != nil {
		cl.log.Error("publish ", event, ":", err)
	}
}
