package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"pve-agent/internal/agent/command"
	"pve-agent/internal/model"
)

func (c *Coordinator) runProbeListener(ctx context.Context) error {
	addr := strings.TrimSpace(c.cfg.ProbeListenAddr)
	if addr == "" {
		return fmt.Errorf("empty probe listen address")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen probe endpoint %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	c.logger.Info("probe endpoint listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve probe endpoint %s: %w", addr, err)
	}
	return nil
}

// Handler serves the probe endpoint: health, metrics, version, the latest
// snapshot and the command table. POST /commands exists only when a control
// token is configured and requires it as a bearer token.
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", c.handleHealth)
	mux.Handle("GET /metrics", c.metrics.Handler())
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.Version())
	})
	mux.HandleFunc("GET /snapshot", c.handleSnapshot)
	mux.HandleFunc("GET /commands", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.Commands())
	})
	if c.cfg.ControlToken != "" {
		mux.Handle("POST /commands", requireBearer(c.cfg.ControlToken, http.HandlerFunc(c.handleInvoke)))
	}
	return mux
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	if !c.health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, c.health.Snapshot())
}

func (c *Coordinator) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := c.Snapshot()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no snapshot yet"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Sequence  uint64                 `json:"sequence"`
		TakenAt   time.Time              `json:"taken_at"`
		Resources []model.ResourceRecord `json:"resources"`
	}{snap.Sequence, snap.TakenAt, snap.Sorted()})
}

func (c *Coordinator) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req command.InvokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	resp, err := command.Invoke(r.Context(), c.logger, c, &req)
	switch {
	case resp.Rejected:
		writeJSON(w, rejectStatus(resp.Reason), resp)
	case err != nil:
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func requireBearer(token string, next http.Handler) http.Handler {
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pve-agent"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rejectStatus(reason command.RejectReason) int {
	switch reason {
	case command.RejectNotFound:
		return http.StatusNotFound
	case command.RejectConflict:
		return http.StatusConflict
	case command.RejectClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
