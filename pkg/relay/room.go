package relay

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chazu/facet/pkg/awareness"
	"github.com/chazu/facet/pkg/document"
)

var tracer = otel.Tracer("facet.relay")

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 20
	sendBuffer   = 256
)

// ---------------------------------------------------------------------------
// Peers
// ---------------------------------------------------------------------------

// peer is one connected client. Frames reach it through send, drained by
// a single writer goroutine.
type peer struct {
	client string
	conn   *websocket.Conn
	send   chan Frame
	done   chan struct{}
	once   sync.Once
}

func newPeer(client string, conn *websocket.Conn) *peer {
	return &peer{
		client: client,
		conn:   conn,
		send:   make(chan Frame, sendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue queues f without blocking. A peer that cannot keep up is
// disconnected.
func (p *peer) enqueue(f Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- f:
		return true
	default:
		p.close()
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

func (p *peer) writeLoop(log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case f := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(f); err != nil {
				log.Debug("relay: write failed", slog.String("client", p.client), slog.String("error", err.Error()))
				p.close()
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		case <-p.done:
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// room owns one shared document. Its mutex establishes the total order
// of transactions and broadcasts.
type room struct {
	name    string
	doc     *document.Store
	storage *Storage
	metrics *metrics
	log     *slog.Logger

	mu       sync.Mutex
	peers    map[string]*peer
	presence map[string]map[awareness.Field]awareness.Update
}

func newRoom(name string, storage *Storage, m *metrics, log *slog.Logger) (*room, error) {
	r := &room{
		name:     name,
		doc:      document.NewStore(document.WithOrigin("relay"), document.WithLogger(log)),
		storage:  storage,
		metrics:  m,
		log:      log.With(slog.String("room", name)),
		peers:    make(map[string]*peer),
		presence: make(map[string]map[awareness.Field]awareness.Update),
	}
	if storage == nil {
		return r, nil
	}
	snap, ok, err := storage.Load(name)
	if err != nil {
		return nil, err
	}
	if ok {
		if _, err := r.doc.Load(snap); err != nil {
			return nil, err
		}
		r.log.Info("relay: room restored", slog.Uint64("version", r.doc.Version()), slog.Int("objects", len(snap.Objects)))
	}
	return r, nil
}

// join registers p and queues its welcome. A second connection with the
// same client id replaces the first.
func (r *room) join(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.peers[p.client]; ok {
		// A restarted client starts its clocks over.
		old.close()
		delete(r.presence, p.client)
	}
	r.peers[p.client] = p

	var peers []awareness.Update
	for _, id := range slices.Sorted(maps.Keys(r.presence)) {
		if id == p.client {
			continue
		}
		fields := r.presence[id]
		for _, f := range slices.Sorted(maps.Keys(fields)) {
			peers = append(peers, fields[f])
		}
	}
	p.enqueue(Frame{Type: FrameWelcome, Client: p.client, Snapshot: r.doc.Snapshot(), Peers: peers})
	r.metrics.connections.Inc()
	r.log.Info("relay: client joined", slog.String("client", p.client), slog.Int("peers", len(r.peers)))
}

// leave unregisters p, drops its awareness and tells the others.
func (r *room) leave(p *peer) {
	p.close()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.connections.Dec()
	if r.peers[p.client] != p {
		// Replaced by a newer connection.
		return
	}
	delete(r.peers, p.client)
	delete(r.presence, p.client)
	r.broadcastLocked(Frame{Type: FrameLeave, Client: p.client}, "")
	r.log.Info("relay: client left", slog.String("client", p.client), slog.Int("peers", len(r.peers)))
}

// submit applies txn and broadcasts it to every peer, the sender
// included. A failing transaction is reported to the sender only.
func (r *room) submit(ctx context.Context, from *peer, txn document.Transaction) {
	_, span := tracer.Start(ctx, "relay.submit", trace.WithAttributes(
		attribute.String("room", r.name),
		attribute.String("txn", txn.ID),
		attribute.Int("ops", len(txn.Ops)),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	version, err := r.doc.Apply(txn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction rejected")
		r.metrics.rejected.Inc()
		r.log.Debug("relay: transaction rejected", slog.String("client", from.client), slog.String("txn", txn.ID), slog.String("error", err.Error()))
		from.enqueue(Frame{Type: FrameReject, TxnID: txn.ID, Error: err.Error()})
		return
	}
	r.metrics.applied.Inc()
	span.SetAttributes(attribute.Int64("version", int64(version)))

	if r.storage != nil {
		if err := r.storage.Save(r.name, r.doc.Snapshot()); err != nil {
			r.log.Warn("relay: persist failed", slog.Uint64("version", version), slog.String("error", err.Error()))
		}
	}
	r.broadcastLocked(Frame{Type: FrameTxn, Client: from.client, Version: version, Txn: &txn}, "")
}

// awareness records u as the sender's latest value for its field and
// forwards it to everyone else.
func (r *room) awareness(from *peer, u awareness.Update) {
	if u.Client != from.client || !u.Field.Valid() {
		r.log.Debug("relay: awareness dropped", slog.String("client", from.client), slog.String("claimed", u.Client), slog.String("field", string(u.Field)))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fields, ok := r.presence[u.Client]
	if !ok {
		fields = make(map[awareness.Field]awareness.Update)
		r.presence[u.Client] = fields
	}
	if prev, ok := fields[u.Field]; ok && prev.Clock >= u.Clock {
		return
	}
	fields[u.Field] = u
	r.metrics.awareness.Inc()
	r.broadcastLocked(Frame{Type: FrameAwareness, Client: u.Client, Awareness: &u}, u.Client)
}

func (r *room) broadcastLocked(f Frame, except string) {
	for id, p := range r.peers {
		if id == except {
			continue
		}
		if !p.enqueue(f) {
			r.log.Warn("relay: dropping slow client", slog.String("client", id))
		}
	}
}

func (r *room) snapshot() *document.Snapshot { return r.doc.Snapshot() }

func (r *room) peerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
