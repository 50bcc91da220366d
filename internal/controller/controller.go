// Package controller owns the ingest sources and exposes start/stop and
// liveness for each of them. It holds no log data: both sources append to
// the shared history store.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/setevik/diagwatch/internal/config"
	"github.com/setevik/diagwatch/internal/entry"
	"github.com/setevik/diagwatch/internal/history"
	"github.com/setevik/diagwatch/internal/listener"
	"github.com/setevik/diagwatch/internal/metrics"
	"github.com/setevik/diagwatch/internal/normalize"
	"github.com/setevik/diagwatch/internal/watcher"
)

// Controller coordinates the network listener and the process tailer.
type Controller struct {
	store          *history.Store
	logger         *slog.Logger
	norm           *normalize.Normalizer
	metricsHandler http.Handler
	onAction       func(action string)
	stopTimeout    time.Duration

	tailer *watcher.Tailer

	// netOp serializes StartNetwork and StopNetwork.
	netOp sync.Mutex

	mu      sync.Mutex
	network config.NetworkConfig
	lis     *listener.Listener

	cbMu       sync.Mutex
	netStatus  []watcher.StatusFunc
	procStatus []watcher.StatusFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger passed down to both sources.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetricsHandler serves h on the listener's /metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(c *Controller) { c.metricsHandler = h }
}

// WithActionFunc receives notification actions posted to the listener.
func WithActionFunc(fn func(action string)) Option {
	return func(c *Controller) { c.onAction = fn }
}

// WithStopTimeout bounds how long Shutdown waits for the process to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) { c.stopTimeout = d }
}

// WithNormalizer overrides the normalizer used by both sources.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(c *Controller) {
		if n != nil {
			c.norm = n
		}
	}
}

// New creates a Controller appending to store. network is the initial
// listener address; neither source is started.
func New(store *history.Store, network config.NetworkConfig, opts ...Option) *Controller {
	c := &Controller{
		store:   store,
		logger:  slog.Default(),
		norm:    &normalize.Normalizer{},
		network: network,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.tailer = watcher.NewTailer(store,
		watcher.WithStatusFunc(c.processChanged),
		watcher.WithLogger(c.logger),
		watcher.WithStopTimeout(c.stopTimeout),
		watcher.WithNormalizer(c.norm),
	)
	return c
}

// ConfigureNetwork sets the address used by the next StartNetwork. A
// running listener keeps its current address.
func (c *Controller) ConfigureNetwork(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.network.Host = host
	c.network.Port = port
}

// StartNetwork starts the WebSocket listener. A non-empty host with a
// positive port reconfigures the address first. It is a no-op while the
// listener is running; otherwise a fresh listener is bound.
func (c *Controller) StartNetwork(host string, port int) error {
	c.netOp.Lock()
	defer c.netOp.Unlock()

	if host != "" && port > 0 {
		c.ConfigureNetwork(host, port)
	}

	c.mu.Lock()
	cur := c.lis
	network := c.network
	c.mu.Unlock()

	if cur != nil && cur.Running() {
		return nil
	}

	lis := listener.New(c.store, network.Address(),
		listener.WithStatusFunc(c.networkChanged),
		listener.WithLogger(c.logger),
		listener.WithShutdownTimeout(network.ShutdownTimeout.Duration),
		listener.WithMetricsHandler(c.metricsHandler),
		listener.WithActionFunc(c.onAction),
		listener.WithNormalizer(c.norm),
	)

	c.mu.Lock()
	c.lis = lis
	c.mu.Unlock()

	return lis.Start()
}

// StopNetwork stops the listener and waits for its connections to close.
func (c *Controller) StopNetwork() {
	c.netOp.Lock()
	defer c.netOp.Unlock()

	c.mu.Lock()
	lis := c.lis
	c.mu.Unlock()

	if lis != nil {
		lis.Stop()
	}
}

// NetworkRunning reports whether the listener is serving.
func (c *Controller) NetworkRunning() bool {
	c.mu.Lock()
	lis := c.lis
	c.mu.Unlock()
	return lis != nil && lis.Running()
}

// NetworkAddr returns the listener's bound address while running, or the
// configured address otherwise.
func (c *Controller) NetworkAddr() string {
	c.mu.Lock()
	lis := c.lis
	network := c.network
	c.mu.Unlock()

	if lis != nil && lis.Running() {
		return lis.Addr()
	}
	return network.Address()
}

// StartProcess spawns command in dir and tails it. See watcher.Tailer.Start.
func (c *Controller) StartProcess(dir string, command ...string) error {
	return c.tailer.Start(dir, command...)
}

// StopProcess signals the process and marks it stopped without waiting.
func (c *Controller) StopProcess() {
	c.tailer.Stop()
}

// ProcessRunning reports whether the process is being tailed.
func (c *Controller) ProcessRunning() bool {
	return c.tailer.Running()
}

// OnNetworkStatus registers fn for every listener liveness transition.
func (c *Controller) OnNetworkStatus(fn func(running bool)) {
	c.cbMu.Lock()
	c.netStatus = append(c.netStatus, fn)
	c.cbMu.Unlock()
}

// OnProcessStatus registers fn for every process liveness transition.
func (c *Controller) OnProcessStatus(fn func(running bool)) {
	c.cbMu.Lock()
	c.procStatus = append(c.procStatus, fn)
	c.cbMu.Unlock()
}

// Shutdown stops both sources, waiting for the process to exit until ctx
// is done or the stop timeout elapses.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.StopNetwork()
	return c.tailer.StopAndWait(ctx)
}

func (c *Controller) networkChanged(running bool) {
	metrics.SetSourceUp(entry.SourceWebSocket, running)
	c.logger.Debug("source status", "source", entry.SourceWebSocket, "running", running)

	c.cbMu.Lock()
	fns := append([]watcher.StatusFunc(nil), c.netStatus...)
	c.cbMu.Unlock()

	for _, fn := range fns {
		fn.Notify(running)
	}
}

func (c *Controller) processChanged(running bool) {
	metrics.SetSourceUp(entry.SourceMetro, running)
	c.logger.Debug("source status", "source", entry.SourceMetro, "running", running)

	c.cbMu.Lock()
	fns := append([]watcher.StatusFunc(nil), c.procStatus...)
	c.cbMu.Unlock()

	for _, fn := range fns {
		fn.Notify(running)
	}
}

// String summarizes both sources for status output.
func (c *Controller) String() string {
	return fmt.Sprintf("websocket=%t (%s) process=%t", c.NetworkRunning(), c.NetworkAddr(), c.ProcessRunning())
}
