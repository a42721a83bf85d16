package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"pve-agent/internal/proxmox"
)

var errAlreadyStarted = errors.New("coordinator already started")

// Start validates the connection, then polls, sweeps, health-checks and
// serves the probe endpoint in the background until Stop or ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return errAlreadyStarted
	}
	if err := c.Setup(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		err := c.run(runCtx)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		c.shutdown(shutdownCtx)
		cancelShutdown()
		c.runErr = err
		close(c.done)
	}()
	return nil
}

// Stop cancels polling and in-flight commands and waits for the background
// work to finish, or for ctx. The last snapshot stays readable.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.runMu.Unlock()

	if cancel == nil {
		c.shutdown(ctx)
		return nil
	}
	cancel()
	select {
	case <-done:
		if c.runErr != nil && !errors.Is(c.runErr, context.Canceled) {
			return c.runErr
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.health.SetClusterReachable(true)
	c.metrics.setClusterUp(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return c.runHealthLoop(gctx)
	})
	g.Go(func() error {
		return c.runProbeListener(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Coordinator) runHealthLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.checkHealth(ctx)
		}
	}
}

func (c *Coordinator) checkHealth(ctx context.Context) {
	pve, err := c.client.Version(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		wasReachable := c.health.clusterReachable.Load()
		c.health.SetClusterReachable(false)
		c.metrics.setClusterUp(false)
		level := slog.LevelWarn
		if proxmox.IsAuthError(err) {
			level = slog.LevelError
		}
		c.logger.Log(ctx, level, "cluster health check failed", "was_reachable", wasReachable, "error", err)
		return
	}
	if !c.health.clusterReachable.Load() {
		c.logger.Info("cluster reachable again", "pve_version", pve)
	}
	c.pveVersion.Store(pve)
	c.health.SetClusterReachable(true)
	c.metrics.setClusterUp(true)
	c.logHealth("ok")
}

func (c *Coordinator) logHealth(status string) {
	c.logger.Log(context.Background(), slog.LevelDebug, "agent health", "status", status, "snapshot", c.health.Snapshot())
}

func (c *Coordinator) shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		c.dispatcher.Close()
		if err := c.publisher.Close(ctx); err != nil {
			c.logger.Warn("stream sink close failed", "error", err)
		}
		c.health.SetStreamConnected(false)
		c.metrics.setStreamUp(false)
		c.client.Close()
		c.health.SetClusterReachable(false)
		c.metrics.setClusterUp(false)
		if snap := c.Snapshot(); snap != nil {
			c.logger.Info("coordinator stopped", "last_sequence", snap.Sequence)
		}
	})
}

// SetupError is a failed setup attempt, classified the way a config flow
// reports it.
type SetupError struct {
	Reason string
	Err    error
}

const (
	SetupCannotConnect = "cannot_connect"
	SetupInvalidAuth   = "invalid_auth"
)

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Setup makes one authenticated request. Rejected credentials are reported
// as invalid_auth, anything else as cannot_connect.
func (c *Coordinator) Setup(ctx context.Context) error {
	pve, err := Validate(ctx, c.client)
	if err != nil {
		c.health.SetClusterReachable(false)
		return err
	}
	c.pveVersion.Store(pve)
	c.logger.Info("connected to proxmox", "host", c.cfg.Cluster.Address(), "pve_version", pve)
	return nil
}

// Validate checks that client can reach and log into its cluster and returns
// the Proxmox VE version.
func Validate(ctx context.Context, client *proxmox.Client) (string, error) {
	if _, err := client.Authenticate(ctx); err != nil {
		return "", classifySetupError(err)
	}
	pve, err := client.Version(ctx)
	if err != nil {
		return "", classifySetupError(err)
	}
	return pve, nil
}

func classifySetupError(err error) *SetupError {
	if proxmox.IsAuthError(err) {
		return &SetupError{Reason: SetupInvalidAuth, Err: err}
	}
	return &SetupError{Reason: SetupCannotConnect, Err: err}
}
