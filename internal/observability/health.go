package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthServer serves /healthz, /readyz and /metrics. Each loop reports its
// own health; readiness requires every registered component to be healthy.
type HealthServer struct {
	logger    *zap.Logger
	startTime time.Time

	mu         sync.RWMutex
	components map[string]error
}

// NewHealthServer builds an empty health registry.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthServer{
		logger:     logger,
		startTime:  time.Now(),
		components: make(map[string]error),
	}
}

// SetComponent records the latest outcome for a component; nil marks it
// healthy.
func (h *HealthServer) SetComponent(name string, err error) {
	h.mu.Lock()
	h.components[name] = err
	h.mu.Unlock()
}

func (h *HealthServer) snapshot() (map[string]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	healthy := true
	out := make(map[string]string, len(h.components))
	for name, err := range h.components {
		if err != nil {
			healthy = false
			out[name] = err.Error()
		} else {
			out[name] = "ok"
		}
	}
	return out, healthy
}

// Serve blocks until ctx is cancelled.
func (h *HealthServer) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "alive",
			"uptime": time.Since(h.startTime).String(),
		})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		components, healthy := h.snapshot()
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"components": components,
		})
	})

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	h.logger.Info("observability server listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
