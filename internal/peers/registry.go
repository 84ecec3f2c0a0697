// Package peers keeps advisory bookkeeping of connected peers and fans out
// membership and record notifications to in-process subscribers.
//
// Nothing here talks to the network. Broadcast only raises a local event;
// transport collaborators subscribe and relay it over whatever session
// protocol they own.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/chainchat/internal/ledger"
	"go.uber.org/zap"
)

// EventType identifies a registry notification.
type EventType string

const (
	EventPeerConnected    EventType = "peer.connected"
	EventPeerDisconnected EventType = "peer.disconnected"
	EventRecordBroadcast  EventType = "record.broadcast"
)

// DefaultQueueSize is the per-subscriber buffer used when New is given 0.
const DefaultQueueSize = 64

// Event is delivered to subscribers. Record is set only for
// EventRecordBroadcast; PeerID only for membership events.
type Event struct {
	Type      EventType            `json:"type"`
	PeerID    string               `json:"peer_id,omitempty"`
	PeerCount int                  `json:"peer_count"`
	Record    *ledger.SealedRecord `json:"record,omitempty"`
	At        time.Time            `json:"at"`
}

// Handler consumes events on a goroutine owned by its subscription.
type Handler func(Event)

// DropRecorder is called when a subscriber's queue is full and an event is
// discarded.
type DropRecorder func(EventType)

type subscriber struct {
	id      uint64
	events  chan Event
	handler Handler
	done    chan struct{}
}

// Registry tracks peer identifiers and notifies subscribers of changes.
// Membership and subscriptions have independent locks, and neither is
// shared with the ledger.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]struct{}

	subMu     sync.RWMutex
	subs      map[uint64]*subscriber
	nextSubID uint64

	queueSize int
	onDrop    DropRecorder
	logger    *zap.Logger
}

// New creates an empty Registry. queueSize bounds each subscriber's backlog.
func New(queueSize int, logger *zap.Logger) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		peers:     make(map[string]struct{}),
		subs:      make(map[uint64]*subscriber),
		queueSize: queueSize,
		logger:    logger,
	}
}

// SetDropRecorder configures the callback invoked for dropped notifications.
func (r *Registry) SetDropRecorder(fn DropRecorder) {
	r.subMu.Lock()
	r.onDrop = fn
	r.subMu.Unlock()
}

// AddPeer records id as connected. Adding a known id leaves the set
// unchanged but still emits EventPeerConnected.
func (r *Registry) AddPeer(id string) {
	r.mu.Lock()
	r.peers[id] = struct{}{}
	count := len(r.peers)
	r.mu.Unlock()

	r.logger.Debug("peer added", zap.String("peer", id), zap.Int("peers", count))
	r.publish(Event{Type: EventPeerConnected, PeerID: id, PeerCount: count, At: time.Now().UTC()})
}

// RemovePeer forgets id. Removing an unknown id is a silent no-op.
func (r *Registry) RemovePeer(id string) {
	r.mu.Lock()
	if _, ok := r.peers[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, id)
	count := len(r.peers)
	r.mu.Unlock()

	r.logger.Debug("peer removed", zap.String("peer", id), zap.Int("peers", count))
	r.publish(Event{Type: EventPeerDisconnected, PeerID: id, PeerCount: count, At: time.Now().UTC()})
}

// Broadcast emits EventRecordBroadcast carrying rec. It holds no delivery,
// acknowledgement or retry state and never blocks on subscribers.
func (r *Registry) Broadcast(rec ledger.SealedRecord) {
	cp := rec.Clone()
	r.publish(Event{Type: EventRecordBroadcast, PeerCount: r.Count(), Record: &cp, At: time.Now().UTC()})
}

// Peers returns the current peer ids, sorted for stable output.
func (r *Registry) Peers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count returns the number of connected peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Subscribe registers h and returns a function that cancels the
// subscription. Events already queued for h are still delivered after
// cancellation; the cancel function waits for them.
//
// The cancel function must not be called synchronously from h: it would wait
// on the goroutine running h. A handler that unsubscribes itself does so with
// go unsubscribe().
func (r *Registry) Subscribe(h Handler) (unsubscribe func()) {
	sub := &subscriber{
		events:  make(chan Event, r.queueSize),
		handler: h,
		done:    make(chan struct{}),
	}

	r.subMu.Lock()
	r.nextSubID++
	sub.id = r.nextSubID
	r.subs[sub.id] = sub
	r.subMu.Unlock()

	go r.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			if _, ok := r.subs[sub.id]; ok {
				delete(r.subs, sub.id)
				close(sub.events)
			}
			r.subMu.Unlock()
			<-sub.done
		})
	}
}

// Close cancels every subscription and waits for queued events to drain.
func (r *Registry) Close() {
	r.subMu.Lock()
	subs := make([]*subscriber, 0, len(r.subs))
	for id, sub := range r.subs {
		delete(r.subs, id)
		close(sub.events)
		subs = append(subs, sub)
	}
	r.subMu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}

func (r *Registry) publish(ev Event) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, sub := range r.subs {
		select {
		case sub.events <- ev:
		default:
			r.logger.Warn("subscriber queue full, dropping event",
				zap.String("type", string(ev.Type)),
				zap.Uint64("subscriber", sub.id),
			)
			if r.onDrop != nil {
				r.onDrop(ev.Type)
			}
		}
	}
}

func (r *Registry) run(sub *subscriber) {
	defer close(sub.done)
	for ev := range sub.events {
		r.deliver(sub, ev)
	}
}

func (r *Registry) deliver(sub *subscriber, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("subscriber panicked",
				zap.Uint64("subscriber", sub.id),
				zap.String("type", string(ev.Type)),
				zap.Any("panic", p),
			)
		}
	}()
	sub.handler(ev)
}
