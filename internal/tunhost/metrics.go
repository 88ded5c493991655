package tunhost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"zdtun/internal/nat"
)

// telemetry mirrors the teacher repo's hand-rolled Prometheus exporter
// (internal/metrics.go): each scrape renders nat.Engine.Stats() as plain
// Prometheus text, no client library involved. It keeps no label->value
// maps of its own.
type telemetry struct {
	mu      sync.RWMutex
	engine  *nat.Engine
	started time.Time
}

func newTelemetry(e *nat.Engine) *telemetry {
	return &telemetry{engine: e, started: time.Now()}
}

// StartMetricsServer serves /metrics until ctx is done, matching the
// teacher's StartMetricsServer shutdown style.
func (t *telemetry) StartMetricsServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("tunhost: empty metrics address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", t.handle)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("tunhost: metrics server: %w", err)
	}
	return nil
}

func (t *telemetry) handle(w http.ResponseWriter, _ *http.Request) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := t.engine.Stats()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "zdtun_uptime_seconds %f\n", time.Since(t.started).Seconds())
	fmt.Fprintf(w, "zdtun_open_sockets %d\n", stats.NumOpenSockets)
	fmt.Fprintf(w, "zdtun_active_connections %d\n", stats.NumActiveConns)

	protos := make([]string, 0, len(stats.ActiveByProto))
	for p := range stats.ActiveByProto {
		protos = append(protos, p)
	}
	sort.Strings(protos)
	for _, p := range protos {
		fmt.Fprintf(w, "zdtun_active_by_proto{proto=%q} %d\n", p, stats.ActiveByProto[p])
		fmt.Fprintf(w, "zdtun_opened_by_proto_total{proto=%q} %d\n", p, stats.OpenedByProto[p])
		fmt.Fprintf(w, "zdtun_bytes_in_by_proto_total{proto=%q} %d\n", p, stats.BytesInByProto[p])
		fmt.Fprintf(w, "zdtun_bytes_out_by_proto_total{proto=%q} %d\n", p, stats.BytesOutByProto[p])
		if oldest, ok := stats.OldestByProto[p]; ok {
			fmt.Fprintf(w, "zdtun_oldest_flow_timestamp{proto=%q} %d\n", p, oldest)
		}
	}
}
