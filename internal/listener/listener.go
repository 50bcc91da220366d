// Package listener accepts diagnostics messages over WebSocket.
//
// Every message on any connection is normalized independently: a bare JSON
// object or a text line carrying the diagnostics marker yields one entry,
// anything else is discarded.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/setevik/diagwatch/internal/entry"
	"github.com/setevik/diagwatch/internal/metrics"
	"github.com/setevik/diagwatch/internal/normalize"
	"github.com/setevik/diagwatch/internal/watcher"
)

// DefaultShutdownTimeout bounds Stop.
const DefaultShutdownTimeout = 5 * time.Second

// maxMessageSize caps a single inbound WebSocket message.
const maxMessageSize = 1024 * 1024

// Listener is a WebSocket ingest server. It can be started and stopped
// repeatedly; each run binds a fresh socket.
type Listener struct {
	sink            watcher.Sink
	addr            string
	norm            *normalize.Normalizer
	logger          *slog.Logger
	onStatus        watcher.StatusFunc
	shutdownTimeout time.Duration
	metricsHandler  http.Handler
	onAction        func(action string)
	upgrader        websocket.Upgrader

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu   sync.Mutex
	sess *session
}

// session is one bind of the listener, from Start to Stop.
type session struct {
	srv  *http.Server
	ln   net.Listener
	done chan struct{} // closed when Serve returns

	mu     sync.Mutex
	closed bool
	conns  map[*websocket.Conn]struct{}
	wg     sync.WaitGroup
}

// Option configures a Listener.
type Option func(*Listener)

// WithStatusFunc sets the liveness callback.
func WithStatusFunc(fn watcher.StatusFunc) Option {
	return func(l *Listener) { l.onStatus = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for connections to drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.shutdownTimeout = d
		}
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(l *Listener) { l.metricsHandler = h }
}

// WithActionFunc accepts POST /actions/{name} and passes name to fn. Used
// by notification buttons that call back into diagwatch.
func WithActionFunc(fn func(action string)) Option {
	return func(l *Listener) { l.onAction = fn }
}

// WithNormalizer overrides the normalizer, e.g. to inject a clock.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(l *Listener) {
		if n != nil {
			l.norm = n
		}
	}
}

// New creates a Listener for addr (host:port) that appends to sink.
func New(sink watcher.Sink, addr string, opts ...Option) *Listener {
	l := &Listener{
		sink:            sink,
		addr:            addr,
		norm:            &normalize.Normalizer{},
		logger:          slog.Default(),
		shutdownTimeout: DefaultShutdownTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// Clients are local dev tools and browsers on arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start binds the address and begins serving in the background. It is a
// no-op while running. A bind failure is logged, reported to the status
// callback and returned.
func (l *Listener) Start() error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	if l.Running() {
		return nil
	}

	l.logger.Info("websocket listener starting", "addr", l.addr)

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		l.logger.Error("websocket listener start failed", "addr", l.addr, "error", err)
		l.onStatus.Notify(false)
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}

	s := &session{
		ln:    ln,
		done:  make(chan struct{}),
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.srv = &http.Server{
		Handler:           l.routes(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.mu.Lock()
	l.sess = s
	l.mu.Unlock()

	l.logger.Info("websocket listener started", "addr", ln.Addr().String())
	l.onStatus.Notify(true)

	go l.serve(s)
	return nil
}

func (l *Listener) serve(s *session) {
	defer close(s.done)

	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return
	}

	l.logger.Error("websocket listener failed", "addr", s.ln.Addr().String(), "error", err)
	s.closeAll()

	l.mu.Lock()
	current := l.sess == s
	if current {
		l.sess = nil
	}
	l.mu.Unlock()

	if current {
		l.onStatus.Notify(false)
	}
}

// Stop stops accepting, closes every client connection and waits, up to
// the shutdown timeout, for all of them to finish. The port is released
// when Stop returns. Stop is a no-op if the listener is not running.
func (l *Listener) Stop() {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	l.mu.Lock()
	s := l.sess
	l.mu.Unlock()
	if s == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()

	// Shutdown closes the socket but does not touch hijacked connections.
	if err := s.srv.Shutdown(ctx); err != nil {
		l.logger.Warn("websocket listener shutdown", "error", err)
		_ = s.srv.Close()
	}
	s.closeAll()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-s.done
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		l.logger.Warn("websocket listener shutdown timed out", "timeout", l.shutdownTimeout)
	}

	l.mu.Lock()
	current := l.sess == s
	if current {
		l.sess = nil
	}
	l.mu.Unlock()

	l.logger.Info("websocket listener stopped", "addr", s.ln.Addr().String())
	if current {
		l.onStatus.Notify(false)
	}
}

// Running reports whether the listener is bound and serving.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess != nil
}

// Addr returns the bound address while running, otherwise the configured
// one.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess != nil {
		return l.sess.ln.Addr().String()
	}
	return l.addr
}

func (l *Listener) routes(s *session) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": s.count(),
		})
	})
	if l.metricsHandler != nil {
		mux.Handle("/metrics", l.metricsHandler)
	}
	if l.onAction != nil {
		mux.HandleFunc("POST /actions/{name}", func(w http.ResponseWriter, r *http.Request) {
			action := r.PathValue("name")
			l.logger.Info("notification action received", "action", action, "remote", r.RemoteAddr)
			l.onAction(action)
			w.WriteHeader(http.StatusNoContent)
		})
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		l.handleWebSocket(s, w, r)
	})
	return mux
}

func (l *Listener) handleWebSocket(s *session, w http.ResponseWriter, r *http.Request) {
	// Upgrade replies with an HTTP error itself on failure.
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	l.logger.Debug("websocket client connected", "remote", r.RemoteAddr)
	n := l.readLoop(conn)
	l.logger.Debug("websocket client disconnected", "remote", r.RemoteAddr, "entries", n)
}

// readLoop ingests messages until the connection fails or is closed.
func (l *Listener) readLoop(conn *websocket.Conn) int {
	conn.SetReadLimit(maxMessageSize)

	ingested := metrics.EntriesTotal.WithLabelValues(entry.SourceWebSocket)
	dropped := metrics.DroppedTotal.WithLabelValues(entry.SourceWebSocket)

	n := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				l.logger.Debug("websocket read failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return n
		}

		e, ok := l.norm.Message(msg, entry.SourceWebSocket)
		if !ok {
			dropped.Inc()
			continue
		}

		l.sink.Append(e)
		ingested.Inc()
		n++
	}
}

// track registers conn; false once the session is shutting down.
func (s *session) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *session) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	_ = conn.Close()
	s.wg.Done()
}

// closeAll sends a going-away frame to every client and closes it.
func (s *session) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	deadline := time.Now().Add(100 * time.Millisecond)
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
	}
}

func (s *session) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
