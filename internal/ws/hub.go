package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HsiangNianian/bidimapper/internal/bridge"
	"github.com/HsiangNianian/bidimapper/internal/cdp"
	"github.com/HsiangNianian/bidimapper/internal/contexts"
	"github.com/HsiangNianian/bidimapper/internal/preload"
	"github.com/HsiangNianian/bidimapper/internal/processor"
	"github.com/HsiangNianian/bidimapper/internal/store"
)

// Dialer opens a fresh browser connection for one client session.
type Dialer func(ctx context.Context) (cdp.Connection, error)

type Options struct {
	Store     store.Store
	Dial      Dialer
	AuthToken string
	Logger    logr.Logger

	ResolveTimeout time.Duration
	CommandTTL     time.Duration
}

type session struct {
	id        string
	conn      *Conn
	browser   cdp.Connection
	processor *processor.Processor
	server    *bridge.Server
}

// Hub accepts BiDi clients and gives each one its own bridge.
type Hub struct {
	store     store.Store
	dial      Dialer
	authToken string
	log       logr.Logger

	resolveTimeout time.Duration
	commandTTL     time.Duration

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewHub(opts Options) *Hub {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Hub{
		store:          st,
		dial:           opts.Dial,
		authToken:      opts.AuthToken,
		log:            log,
		resolveTimeout: opts.ResolveTimeout,
		commandTTL:     opts.CommandTTL,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// HandleSession upgrades the request and serves one client until either side
// goes away.
func (h *Hub) HandleSession(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
		h.log.Info("Client unauthorized", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "Upgrade client websocket failed", "remote", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	log := h.log.WithValues("session", id)
	conn := NewConn(wsConn, log.WithName("transport"))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s, err := h.open(ctx, id, conn, log)
	if err != nil {
		log.Error(err, "Session setup failed", "remote", r.RemoteAddr)
		_ = conn.Close()
		return
	}

	active := h.add(s)
	log.Info("Client connected", "remote", r.RemoteAddr, "activeSessions", active)

	var browserDone <-chan struct{}
	if d, ok := s.browser.(interface{ Done() <-chan struct{} }); ok {
		browserDone = d.Done()
	}
	select {
	case <-conn.Done():
	case <-browserDone:
		log.Info("Browser connection lost")
	case <-ctx.Done():
	}

	h.close(s)
	log.Info("Client disconnected", "activeSessions", h.ActiveSessions())
}

func (h *Hub) open(ctx context.Context, id string, conn *Conn, log logr.Logger) (*session, error) {
	if h.dial == nil {
		return nil, fmt.Errorf("no browser dialer configured")
	}
	browser, err := h.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	storage := contexts.NewStorage()
	proc := processor.New(ctx, processor.Options{
		Connection: browser,
		Contexts:   storage,
		Scripts:    preload.NewRegistry(log.WithName("preload")),
		Store:      h.store.Namespace(id),
		Logger:     log.WithName("processor"),
		CommandTTL: h.commandTTL,
	})
	srv, err := bridge.CreateAndStart(ctx, bridge.Options{
		Transport:      conn,
		Connection:     browser,
		Dispatcher:     proc,
		Contexts:       storage,
		Logger:         log.WithName("bridge"),
		ResolveTimeout: h.resolveTimeout,
	})
	if err != nil {
		proc.Close()
		_ = browser.Close()
		return nil, err
	}
	return &session{id: id, conn: conn, browser: browser, processor: proc, server: srv}, nil
}

func (h *Hub) add(s *session) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
	return len(h.sessions)
}

func (h *Hub) close(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()

	if err := s.server.Close(); err != nil {
		h.log.V(1).Info("Closing client transport failed", "session", s.id, "error", err.Error())
	}
	s.processor.Close()
	if err := s.browser.Close(); err != nil {
		h.log.V(1).Info("Closing browser connection failed", "session", s.id, "error", err.Error())
	}
}

func (h *Hub) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.sessions))
	for _, s := range h.sessions {
		conns = append(conns, s.conn)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (h *Hub) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
