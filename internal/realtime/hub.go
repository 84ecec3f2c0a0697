// Package realtime pushes chain activity to websocket clients and accepts
// chat messages from them.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jmerrifield20/chainchat/internal/identity"
	"github.com/jmerrifield20/chainchat/internal/intake"
	"github.com/jmerrifield20/chainchat/internal/ledger"
	"github.com/jmerrifield20/chainchat/internal/peers"
	"go.uber.org/zap"
)

// Frame types sent to clients.
const (
	FramePeerUpdate       = "peerUpdate"
	FrameNewGlobalMessage = "newGlobalMessage"
	FrameChainUpdate      = "blockchainUpdate"
	FrameError            = "error"
)

// CommandSendGlobalMessage is the only client command.
const CommandSendGlobalMessage = "sendGlobalMessage"

// Frame is the envelope for every server-to-client message.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// PeerUpdate is the data of a peerUpdate frame.
type PeerUpdate struct {
	PeerCount int      `json:"peerCount"`
	Peers     []string `json:"peers"`
	PeerID    string   `json:"peerId"`
	Connected bool     `json:"connected"`
}

// GlobalMessage is the data of a newGlobalMessage frame.
type GlobalMessage struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	BlockHash string `json:"blockHash"`
	Index     int    `json:"index"`
}

// ChainUpdate is the data of a blockchainUpdate frame.
type ChainUpdate struct {
	ChainLength int                 `json:"chainLength"`
	IsValid     bool                `json:"isValid"`
	LatestBlock ledger.SealedRecord `json:"latestBlock"`
}

// ClientCommand is what clients send.
type ClientCommand struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// PeerRegistry is implemented by *peers.Registry.
type PeerRegistry interface {
	AddPeer(id string)
	RemovePeer(id string)
	Peers() []string
	Subscribe(h peers.Handler) (unsubscribe func())
}

// ChainStatus is implemented by *ledger.Ledger.
type ChainStatus interface {
	Validate() (ledger.Report, error)
}

// Submitter is implemented by *intake.Service.
type Submitter interface {
	Submit(ctx context.Context, sender, content string) (*intake.Message, ledger.SealedRecord, error)
}

// Options tunes a Hub.
type Options struct {
	QueueLength  int
	WriteTimeout time.Duration
	// SubmitTimeout bounds one sendGlobalMessage, sealing included.
	SubmitTimeout time.Duration
	CheckOrigin   func(r *http.Request) bool
	// AllowSubmit, when set, is consulted per sendGlobalMessage with the
	// session username; false rejects the command with an error frame.
	AllowSubmit func(sender string) bool
}

// Hub owns every websocket connection. Each connection is registered as a
// peer for its lifetime.
type Hub struct {
	ctx       context.Context
	cancel    context.CancelFunc
	registry  PeerRegistry
	chain     ChainStatus
	submitter Submitter
	sessions  identity.SessionVerifier
	upgrader  websocket.Upgrader
	opts      Options
	logger    *zap.Logger

	mu          sync.Mutex
	connections map[string]*connection
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewHub creates a Hub and subscribes it to registry events.
func NewHub(ctx context.Context, registry PeerRegistry, chain ChainStatus, submitter Submitter, sessions identity.SessionVerifier, opts Options, logger *zap.Logger) *Hub {
	if opts.QueueLength <= 0 {
		opts.QueueLength = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Hub{
		ctx:       ctx,
		cancel:    cancel,
		registry:  registry,
		chain:     chain,
		submitter: submitter,
		sessions:  sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		opts:        opts,
		logger:      logger,
		connections: make(map[string]*connection),
	}
	h.unsubscribe = registry.Subscribe(h.onEvent)
	return h
}

// ServeHTTP authenticates the session, upgrades the request and registers
// the connection as a peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	tokenStr := identity.UpgradeToken(r)
	if tokenStr == "" {
		http.Error(w, "session token required", http.StatusUnauthorized)
		return
	}
	claims, err := h.sessions.Verify(tokenStr)
	if err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(h, wsConn, uuid.NewString(), claims.Username)
	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()

	h.logger.Info("websocket connected", zap.String("conn", c.id), zap.String("sender", c.sender))
	h.registry.AddPeer(c.id)

	h.wg.Add(2)
	go c.sendLoop()
	go c.receiveLoop()
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Close stops listening for events, closes every connection and waits for
// their loops to exit.
func (h *Hub) Close() {
	h.unsubscribe()
	h.cancel()

	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
}

func (h *Hub) connClosed(c *connection) {
	h.mu.Lock()
	_, ok := h.connections[c.id]
	delete(h.connections, c.id)
	h.mu.Unlock()
	if ok {
		h.registry.RemovePeer(c.id)
		h.logger.Info("websocket disconnected", zap.String("conn", c.id))
	}
}

func (h *Hub) onEvent(ev peers.Event) {
	switch ev.Type {
	case peers.EventPeerConnected, peers.EventPeerDisconnected:
		h.broadcast(Frame{Type: FramePeerUpdate, Data: PeerUpdate{
			PeerCount: ev.PeerCount,
			Peers:     h.registry.Peers(),
			PeerID:    ev.PeerID,
			Connected: ev.Type == peers.EventPeerConnected,
		}})
	case peers.EventRecordBroadcast:
		if ev.Record == nil {
			return
		}
		rec := *ev.Record
		var p intake.Payload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			h.logger.Warn("broadcast record is not a chat message", zap.Int("index", rec.Index), zap.Error(err))
		} else {
			h.broadcast(Frame{Type: FrameNewGlobalMessage, Data: GlobalMessage{
				Sender:    p.Sender,
				Content:   p.Content,
				Timestamp: p.Timestamp,
				BlockHash: rec.Hash,
				Index:     rec.Index,
			}})
		}
		update := ChainUpdate{ChainLength: rec.Index + 1, LatestBlock: rec}
		if rep, err := h.chain.Validate(); err == nil {
			update.ChainLength = rep.Length
			update.IsValid = rep.Valid
		}
		h.broadcast(Frame{Type: FrameChainUpdate, Data: update})
	}
}

func (h *Hub) broadcast(f Frame) {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.dispatch(f)
	}
}
