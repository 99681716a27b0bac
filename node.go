package main

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Node is the application context: one instance of every component,
// wired at startup and passed by reference.
type Node struct {
	store    Store
	registry *Registry
	cipher   Cipher
	sender   *Sender
	cluster  *Cluster
	router   *Router
	archive  *Archive

	// Kept for reuse by the group fan-out and admin notifications.
	private PrivateMessageHandler
	group   GroupMessageHandler

	upgrader websocket.Upgrader
}

func newNode() *Node {
	log := zap.S()

	store, err := newRedisStore(DefConfig.Redis)
	if err != nil {
		log.Fatal("redis:", err)
	}

	var archive *Archive
	if DefConfig.DB != "" {
		loglevel := logger.Error
		if DefConfig.DBLog {
			loglevel = logger.Info
		}
		db, err := gorm.Open(postgres.Open(DefConfig.DB), &gorm.Config{
			CreateBatchSize: 10,
			Logger: logger.New(zap.NewStdLog(zap.L()), logger.Config{
				SlowThreshold: 200 * time.Millisecond,
				LogLevel:      loglevel,
			}),
		})
		if err != nil {
			log.Fatal("db:", err)
		}
		archive, err = newArchive(db)
		if err != nil {
			log.Fatal("db migrate:", err)
		}
	}

	n := wireNode(store, archive)
	n.upgrader = websocket.Upgrader{
		ReadBufferSize:  DefConfig.Client.ReadBufferSize,
		WriteBufferSize: DefConfig.Client.WriteBufferSize,
	}
	n.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	n.cluster.Start()
	return n
}

// wireNode builds the component graph on top of any Store
// implementation.
func wireNode(store Store, archive *Archive) *Node {
	n := &Node{
		store:    store,
		registry: newRegistry(),
		cipher:   aesCipher{},
		archive:  archive,
	}
	n.sender = newSender(store, n.registry, n.cipher)
	n.cluster = newCluster(store, n.registry, n.sender)

	n.private = PrivateMessageHandler{node: n}
	n.group = GroupMessageHandler{node: n}
	n.router = newRouter(
		LoginHandler{node: n},
		n.private,
		AckHandler{node: n},
		PingHandler{node: n},
		CreateGroupHandler{node: n},
		JoinGroupHandler{node: n},
		DismissGroupHandler{node: n},
		n.group,
		LeaveGroupHandler{node: n},
	)
	return n
}

// removeClient tears down everything a live connection claims: local
// registry entry, session record and instance index membership.
func (n *Node) removeClient(c *Client) {
	c.shutdown()
	n.registry.Unbind(c)
	if c.user != "" && c.deviceID != "" {
		ctx := context.Background()
		if err := n.store.HDel(ctx, sessionKey(c.user), c.deviceID); err != nil {
			zap.S().Error("remove session:", err)
		}
		if err := n.cluster.UnregisterSession(ctx, c.user, c.deviceID); err != nil {
			zap.S().Error("remove session index:", err)
		}
	}
	zap.S().Info("disconnect:", c.user, " ", c.cid)
}

func (n *Node) Close() {
	n.cluster.Shutdown()
	n.store.Close()
}

// serveWs handles websocket requests from clients.
func (n *Node) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.S().Error("upgrade:", err)
		return
	}
	client := &Client{
		cid:  uuid.NewString(),
		node: n,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
	client.log = zap.S().With("cid", client.cid)
	if DefConfig.Client.Compression {
		client.conn.EnableWriteCompression(true)
		client.conn.SetCompressionLevel(DefConfig.Client.CompressionLevel)
	}
	client.conn.SetCloseHandler(func(code int, text string) error {
		client.log.Info("CloseHandler:", code, " ", text)
		message := websocket.FormatCloseMessage(code, "")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		return nil
	})
	// All work happens in the per-connection goroutines.
	go client.writePump()
	go client.readPump()
}
