package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

type metrics struct {
	connections prometheus.Gauge
	applied     prometheus.Counter
	rejected    prometheus.Counter
	awareness   prometheus.Counter
}

// register adds c to reg, reusing an identical collector that is already
// registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func newMetrics(reg prometheus.Registerer) *metrics {
	txns := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facet",
		Subsystem: "relay",
		Name:      "transactions_total",
		Help:      "Transactions submitted to the relay by result.",
	}, []string{"result"}))
	return &metrics{
		connections: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "facet",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open client connections.",
		})),
		applied:  txns.WithLabelValues("applied"),
		rejected: txns.WithLabelValues("rejected"),
		awareness: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "facet",
			Subsystem: "relay",
			Name:      "awareness_updates_total",
			Help:      "Awareness updates rebroadcast.",
		})),
	}
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server hosts rooms over websockets.
type Server struct {
	log      *slog.Logger
	storage  *Storage
	registry *prometheus.Registry
	metrics  *metrics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
	wg    sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithStorage persists rooms in st.
func WithStorage(st *Storage) Option {
	return func(s *Server) { s.storage = st }
}

// WithRegistry registers the relay metrics in reg and serves reg on
// /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// NewServer returns a server with no rooms loaded. Rooms are created or
// restored from storage on first use.
func NewServer(opts ...Option) *Server {
	s := &Server{
		log:   slog.Default(),
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)
	return s
}

// Handler returns the HTTP routes:
//
//	GET /healthz
//	GET /metrics
//	GET /rooms              saved and open room names
//	GET /rooms/:room        the room's current snapshot
//	GET /rooms/:room/ws     websocket; ?client=<id> picks the client id
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	r.GET("/rooms", s.handleRooms)
	r.GET("/rooms/:room", s.handleSnapshot)
	r.GET("/rooms/:room/ws", s.handleWebSocket)
	return r
}

func (s *Server) handleRooms(c *gin.Context) {
	names, err := s.roomNames()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": names})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	rm, err := s.room(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rm.snapshot())
}

func (s *Server) handleWebSocket(c *gin.Context) {
	rm, err := s.room(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	client := c.Query("client")
	if client == "" {
		client = uuid.NewString()
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("relay: websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	p := newPeer(client, conn)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.writeLoop(s.log)
	}()
	rm.join(p)
	s.readLoop(c.Request.Context(), rm, p)
	rm.leave(p)
}

func (s *Server) readLoop(ctx context.Context, rm *room, p *peer) {
	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				s.log.Debug("relay: malformed frame", slog.String("client", p.client), slog.String("error", err.Error()))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("relay: connection lost", slog.String("client", p.client), slog.String("error", err.Error()))
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case FrameTxn:
			if f.Txn == nil {
				continue
			}
			rm.submit(ctx, p, *f.Txn)
		case FrameAwareness:
			if f.Awareness == nil {
				continue
			}
			rm.awareness(p, *f.Awareness)
		default:
			s.log.Debug("relay: unexpected frame", slog.String("client", p.client), slog.String("type", string(f.Type)))
		}
	}
}

// room returns the named room, restoring it from storage on first use.
func (s *Server) room(name string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[name]; ok {
		return rm, nil
	}
	rm, err := newRoom(name, s.storage, s.metrics, s.log)
	if err != nil {
		return nil, err
	}
	s.rooms[name] = rm
	return rm, nil
}

func (s *Server) roomNames() ([]string, error) {
	s.mu.Lock()
	names := make([]string, 0, len(s.rooms))
	for n := range s.rooms {
		names = append(names, n)
	}
	s.mu.Unlock()
	if s.storage != nil {
		saved, err := s.storage.Rooms()
		if err != nil {
			return nil, err
		}
		names = append(names, saved...)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// Close disconnects every client and waits for their writers.
func (s *Server) Close() {
	s.mu.Lock()
	for _, rm := range s.rooms {
		rm.mu.Lock()
		for _, p := range rm.peers {
			p.close()
		}
		rm.mu.Unlock()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
