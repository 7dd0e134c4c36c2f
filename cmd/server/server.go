package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pauljones0/pricefeed/internal/metrics"
	"github.com/pauljones0/pricefeed/internal/queue"
)

type enqueuer interface {
	Enqueue(ctx context.Context, kind queue.Kind, key string, payload any) (bool, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	queue     enqueuer
	db        pinger
	collector *metrics.Collector
	now       func() time.Time
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tick", s.TickHandler)
	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.HandleFunc("GET /metrics", s.MetricsHandler)
	return mux
}

// requestTick enqueues a scheduler tick keyed by the minute, so repeated triggers collapse.
func (s *Server) requestTick(ctx context.Context) (bool, error) {
	return s.queue.Enqueue(ctx, queue.KindScheduleTick, queue.TickKey(s.now()), queue.ScheduleTick{})
}

// TickHandler is the external cron entry point.
func (s *Server) TickHandler(w http.ResponseWriter, r *http.Request) {
	created, err := s.requestTick(r.Context())
	if err != nil {
		slog.Error("Failed to enqueue tick", "error", err)
		http.Error(w, "failed to enqueue tick", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	if created {
		fmt.Fprintln(w, "Tick enqueued.")
	} else {
		fmt.Fprintln(w, "Tick already pending.")
	}
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		slog.Warn("Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, `{"status":"unavailable"}`)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"status":"ok"}`)
}

func (s *Server) MetricsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.collector.Snapshot()); err != nil {
		slog.Error("Failed to encode metrics", "error", err)
	}
}

// runTicker requests a tick every interval and a cleanup pass every cleanupEvery until ctx
// ends.
func (s *Server) runTicker(ctx context.Context, interval, cleanupEvery time.Duration, cleanup func(context.Context) error) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	clean := time.NewTicker(cleanupEvery)
	defer clean.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := s.requestTick(ctx); err != nil {
				slog.Error("Failed to enqueue scheduled tick", "error", err)
			}
		case <-clean.C:
			if err := cleanup(ctx); err != nil {
				slog.Error("Cleanup failed", "error", err)
			}
		}
	}
}
