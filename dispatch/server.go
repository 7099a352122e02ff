package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/veilcrawl/veilcrawl/certs"
	"github.com/veilcrawl/veilcrawl/events"
	"github.com/veilcrawl/veilcrawl/idgen"
	"github.com/veilcrawl/veilcrawl/kit"
)

// ErrBadTLSVersion rejects unknown minimum-version names.
var ErrBadTLSVersion = errors.New("dispatch: invalid TLS version")

// tlsVersions maps config names to crypto/tls constants.
var tlsVersions = map[string]uint16{
	"TLSv1":   tls.VersionTLS10,
	"TLSv1.1": tls.VersionTLS11,
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

// TLSConfig controls the secure transport.
type TLSConfig struct {
	// Enabled switches the listener to wss only.
	Enabled bool `yaml:"enabled"`
	// CertsDir holds (or receives) the generated CA and leaf PEM files.
	CertsDir string `yaml:"certs_dir"`
	// MinVersion is one of TLSv1, TLSv1.1, TLSv1.2 (default), TLSv1.3.
	MinVersion string `yaml:"min_version"`
}

// Config tunes the dispatcher server.
type Config struct {
	// Addr is the listen address; default ":8765".
	Addr string    `yaml:"addr"`
	TLS  TLSConfig `yaml:"tls"`
	// AuthTokenHash, when set, is a bcrypt hash every client token must
	// match (query parameter "token" or Authorization: Bearer).
	AuthTokenHash string `yaml:"auth_token_hash"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Logger       *slog.Logger  `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":8765"
	}
	if c.TLS.CertsDir == "" {
		c.TLS.CertsDir = "certs"
	}
	if c.TLS.MinVersion == "" {
		c.TLS.MinVersion = "TLSv1.2"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// client is one live WebSocket session.
type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	open    atomic.Bool
}

// send writes one JSON frame; concurrent handlers share the connection.
func (c *client) send(frame any, timeout time.Duration) error {
	if !c.open.Load() {
		return errors.New("dispatch: client closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(frame)
}

// Server accepts WebSocket clients and routes their frames through the
// command registry. Bus events are relayed to every open client.
type Server struct {
	cfg      Config
	registry *Registry
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	seq     atomic.Int64
	httpSrv *http.Server
	suffix  idgen.Generator
}

// NewServer wires a registry and event bus into a dispatcher server.
func NewServer(cfg Config, reg *Registry, bus *events.Bus) *Server {
	cfg.defaults()
	return &Server{
		cfg:      cfg,
		registry: reg,
		bus:      bus,
		logger:   cfg.Logger,
		clients:  make(map[*client]struct{}),
		suffix:   idgen.NanoID(8),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP surface: the WebSocket endpoint at / and /ws,
// plus a health probe.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "clients": s.ClientCount()})
	})
	r.Get("/", s.handleWS)
	r.Get("/ws", s.handleWS)
	return r
}

// Start listens and serves until ctx is cancelled or the listener fails.
// With TLS enabled the certificate pair is ensured (generated or renewed)
// before binding, and only wss connections are accepted.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	if s.cfg.TLS.Enabled {
		min, ok := tlsVersions[s.cfg.TLS.MinVersion]
		if !ok {
			return fmt.Errorf("%w: %s", ErrBadTLSVersion, s.cfg.TLS.MinVersion)
		}
		pair, err := certs.Ensure(certs.Config{Dir: s.cfg.TLS.CertsDir, Logger: s.logger})
		if err != nil {
			return fmt.Errorf("dispatch: certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			MinVersion:   min,
			Certificates: []tls.Certificate{pair.Certificate},
		}
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	scheme := "ws"
	if s.cfg.TLS.Enabled {
		scheme = "wss"
	}
	s.logger.Info("dispatcher listening", "addr", s.cfg.Addr, "scheme", scheme)

	var err error
	if s.cfg.TLS.Enabled {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dispatch: serve: %w", err)
	}
	return nil
}

// Shutdown closes the listener and every client connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.open.Store(false)
		c.conn.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ClientCount reports the number of live sessions.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast pushes a server-initiated frame to every open client.
func (s *Server) Broadcast(frame map[string]any) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(frame, s.cfg.WriteTimeout); err != nil {
			s.logger.Debug("broadcast write failed", "client", c.id, "error", err)
		}
	}
}

// RelayEvents subscribes to the bus and forwards every event as a
// server-push frame until ctx is cancelled. Returns the unsubscribe func.
func (s *Server) RelayEvents() func() {
	return s.bus.Subscribe(func(ev events.Event) {
		s.Broadcast(map[string]any{
			"type":      "event",
			"source":    ev.Source,
			"kind":      ev.Kind,
			"data":      ev.Data,
			"timestamp": ev.Time.UnixMilli(),
		})
	})
}

func (s *Server) authorize(req *http.Request) bool {
	if s.cfg.AuthTokenHash == "" {
		return true
	}
	token := req.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.cfg.AuthTokenHash), []byte(token)) == nil
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	if !s.authorize(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:   fmt.Sprintf("client-%d-%s", s.seq.Add(1), s.suffix()),
		conn: conn,
	}
	c.open.Store(true)

	s.mu.Lock()
	s.clients[c] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("client connected", "client", c.id, "remote", req.RemoteAddr, "total", total)

	c.send(map[string]any{
		"type":     "status",
		"message":  "connected",
		"clientId": c.id,
	}, s.cfg.WriteTimeout)

	ctx := kit.WithClientID(req.Context(), c.id)
	ctx = kit.WithRemoteAddr(ctx, req.RemoteAddr)
	if req.TLS != nil {
		ctx = kit.WithTransport(ctx, "wss")
	}

	go s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	defer func() {
		c.open.Store(false)
		c.conn.Close()
		s.mu.Lock()
		delete(s.clients, c)
		total := len(s.clients)
		s.mu.Unlock()
		s.logger.Info("client disconnected", "client", c.id, "total", total)
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// Frames from one client are handled independently; responses
		// may interleave but always carry the originating id.
		go s.handleFrame(ctx, c, raw)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *client, raw []byte) {
	id, verb, args, err := parseFrame(raw)
	if err != nil {
		c.send(errorFrame(id, "Malformed frame"), s.cfg.WriteTimeout)
		return
	}
	ctx = kit.WithRequestID(ctx, id)

	result, err := s.registry.Dispatch(ctx, verb, args)
	if err != nil {
		s.logger.Debug("command failed", "client", c.id, "command", verb, "error", err)
		c.send(errorFrame(id, err.Error()), s.cfg.WriteTimeout)
		return
	}
	c.send(successFrame(id, result), s.cfg.WriteTimeout)
}
