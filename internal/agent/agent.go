package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"pve-agent/internal/agent/version"
	"pve-agent/internal/collector"
	"pve-agent/internal/config"
	"pve-agent/internal/dispatch"
	"pve-agent/internal/entity"
	"pve-agent/internal/model"
	"pve-agent/internal/proxmox"
	"pve-agent/internal/reconcile"
	"pve-agent/internal/stream"
)

// ErrPollInProgress is returned by PollOnce while another cycle is running.
var ErrPollInProgress = collector.ErrPollInProgress

// Phase is the state of the poll cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseReconciling
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseFetching:
		return "fetching"
	case PhaseReconciling:
		return "reconciling"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Coordinator owns one cluster connection and the latest snapshot. Consumers
// read the snapshot, commands go through Invoke.
type Coordinator struct {
	cfg    config.Config
	logger *slog.Logger

	client     *proxmox.Client
	fetcher    *collector.Fetcher
	dispatcher *dispatch.Dispatcher
	binder     *entity.Binder
	publisher  *stream.Publisher
	scheduler  *collector.Scheduler
	health     *HealthStatus
	metrics    *Metrics
	now        func() time.Time

	snapshot   atomic.Pointer[model.Snapshot]
	polling    atomic.Bool
	pveVersion atomic.Value

	runMu        sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	runErr       error
	shutdownOnce sync.Once
}

type options struct {
	registry entity.Registry
	sink     stream.Sink
	client   []proxmox.Option
}

type Option func(*options)

// WithRegistry replaces the logging entity registry.
func WithRegistry(r entity.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithSink replaces the stream sink built from the configuration.
func WithSink(s stream.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

func WithClientOptions(opts ...proxmox.Option) Option {
	return func(o *options) {
		o.client = append(o.client, opts...)
	}
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rootCAs, err := cfg.ProxmoxRootCAs()
	if err != nil {
		return nil, fmt.Errorf("proxmox ca: %w", err)
	}
	sink := o.sink
	if sink == nil {
		tlsCfg, err := cfg.TLSConfig()
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		sink, err = stream.NewSinkFromConfig(cfg, tlsCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("stream sink: %w", err)
		}
	}
	registry := o.registry
	if registry == nil {
		registry = entity.NewLogRegistry(logger)
	}

	metrics := NewMetrics()
	health := NewHealthStatus()
	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		health:  health,
		metrics: metrics,
		now:     time.Now,
	}

	clientOpts := append([]proxmox.Option{
		proxmox.WithTimeout(cfg.RequestTimeout),
		proxmox.WithRootCAs(rootCAs),
		proxmox.WithObserver(metrics.observeRequest),
	}, o.client...)
	c.client = proxmox.NewClient(cfg.Cluster, logger, clientOpts...)
	c.fetcher = collector.NewFetcher(c.client, logger, cfg.FetchConcurrency)
	c.dispatcher = dispatch.New(
		c.client,
		c.Snapshot,
		logger,
		dispatch.WithRetention(cfg.CommandRetention),
		dispatch.WithObserver(metrics.recordCommand),
	)
	c.binder = entity.NewBinder(cfg.ClusterID, registry, c, c.Snapshot, logger)
	c.publisher = stream.NewPublisher(sink, cfg.ClusterID, logger)
	c.publisher.OnResult(func(err error) {
		health.SetStreamConnected(err == nil)
		metrics.setStreamUp(err == nil)
	})
	c.scheduler = collector.NewScheduler(
		logger,
		c,
		c.dispatcher,
		cfg.UpdateInterval,
		cfg.SweepInterval,
		cfg.CollectorErrorBackoff,
	)
	return c, nil
}

// Snapshot returns the latest published snapshot, nil before the first
// successful poll. The result must not be modified.
func (c *Coordinator) Snapshot() *model.Snapshot {
	return c.snapshot.Load()
}

func (c *Coordinator) Health() *HealthStatus {
	return c.health
}

func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

func (c *Coordinator) Binder() *entity.Binder {
	return c.binder
}

func (c *Coordinator) Commands() []model.PendingCommand {
	return c.dispatcher.List()
}

// PollOnce runs one fetch and reconcile cycle. A failed cycle publishes
// nothing: the previous snapshot and its sequence stay in place.
func (c *Coordinator) PollOnce(ctx context.Context) error {
	if !c.polling.CompareAndSwap(false, true) {
		return ErrPollInProgress
	}
	defer c.polling.Store(false)

	start := c.now()
	c.health.setPhase(PhaseFetching)
	records, err := c.fetcher.Fetch(ctx)
	if err != nil {
		c.health.setPhase(PhaseFailed)
		failures := c.health.markPollFailure(c.now())
		c.metrics.recordPollFailure(failures, c.now().Sub(start))
		if proxmox.IsAuthError(err) {
			c.health.SetClusterReachable(false)
		}
		c.logger.Warn("poll failed, keeping previous snapshot",
			"consecutive_failures", failures,
			"retryable", proxmox.IsRetryable(err),
			"error", err,
		)
		c.health.setPhase(PhaseIdle)
		return fmt.Errorf("poll cycle: %w", err)
	}

	c.health.setPhase(PhaseReconciling)
	snap, diff := reconcile.Reconcile(c.snapshot.Load(), records, c.now())
	c.snapshot.Store(snap)
	c.health.markPollSuccess(snap.TakenAt, snap.Sequence)
	c.metrics.recordPollSuccess(snap, c.now().Sub(start))
	c.metrics.setClusterUp(true)
	c.health.setPhase(PhaseIdle)
	c.logger.Debug("snapshot published",
		"sequence", snap.Sequence,
		"resources", snap.Len(),
		"added", len(diff.Added),
		"removed", len(diff.Removed),
		"updated", len(diff.Updated),
	)

	if err := c.binder.Sync(ctx, snap, diff); err != nil {
		c.logger.Warn("entity sync failed", "sequence", snap.Sequence, "error", err)
	} else if len(diff.Added) > 0 || len(diff.Removed) > 0 {
		c.logger.Info("entities synced", "sequence", snap.Sequence, "resources", c.binder.Registered())
	}
	// Publisher logs and tracks its own failures.
	_ = c.publisher.Publish(ctx, snap, diff)
	return nil
}

// Invoke validates and runs a lifecycle command, then reports the terminal
// entry to the stream backend.
func (c *Coordinator) Invoke(ctx context.Context, id string, action model.Action) (model.PendingCommand, error) {
	cmd, err := c.dispatcher.Invoke(ctx, id, action)
	if cmd.Terminal() {
		_ = c.publisher.PublishCommand(ctx, cmd)
	}
	return cmd, err
}

// Version describes the agent and the last Proxmox VE version it saw.
func (c *Coordinator) Version() *version.GetVersionResponse {
	pve, _ := c.pveVersion.Load().(string)
	return version.Get(c.cfg, pve, &version.GetVersionRequest{ClusterID: c.cfg.ClusterID})
}

// SetVerifySSL applies the verify_ssl option to the live connection.
func (c *Coordinator) SetVerifySSL(verify bool) {
	c.client.SetVerifySSL(verify)
}

func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("starting pve-agent",
		"cluster_id", c.cfg.ClusterID,
		"host", c.cfg.Cluster.Address(),
		"auth", version.AuthMode(c.cfg),
		"version", c.cfg.AgentVersion,
	)
	if err := c.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case <-c.done:
		// Coordinator terminated by itself (runtime error/parent ctx canceled).
		runErr = c.runErr
	case sig := <-sigCh:
		c.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", c.cfg.ShutdownTimeout)

		stopCtx, cancelStop := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		defer cancelStop()
		stopped := make(chan error, 1)
		go func() { stopped <- c.Stop(stopCtx) }()

		select {
		case runErr = <-stopped:
			// graceful stop completed in time
		case sig2 := <-sigCh:
			c.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			cancelStop()
			runErr = context.Canceled
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	c.logger.Info("pve-agent stopped")
	return nil
}

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}
