package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gofrs/flock"

	"github.com/danielpatrickdp/resonance/internal/config"
	"github.com/danielpatrickdp/resonance/internal/evidence"
	"github.com/danielpatrickdp/resonance/internal/metrics"
	"github.com/danielpatrickdp/resonance/internal/snapshot"
	"github.com/danielpatrickdp/resonance/internal/state"
)

// ErrStoreLocked means another process holds the store's writer lock.
var ErrStoreLocked = errors.New("store is locked by another process")

// #region store

// Store is an open record store plus the writer lock held on it.
type Store struct {
	*state.Store
	lock *flock.Flock
}

// OpenStore opens the configured store. When writer is set and a lock path
// is configured the lock is taken first, so only one engine writes at a time.
func OpenStore(cfg config.Store, writer bool) (*Store, error) {
	var lock *flock.Flock
	if writer && cfg.LockPath != "" {
		lock = flock.New(cfg.LockPath)
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("acquire lock %s: %w", cfg.LockPath, ErrStoreLocked)
		}
	}
	s, err := state.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}
	return &Store{Store: s, lock: lock}, nil
}

// Close closes the database and releases the lock.
func (s *Store) Close() error {
	err := s.Store.Close()
	if s.lock != nil {
		if uerr := s.lock.Unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("release lock: %w", uerr)
		}
	}
	return err
}

// #endregion store

// #region sinks

// SnapshotSink builds the configured snapshot exporter. Sink "none" gives nil.
func SnapshotSink(ctx context.Context, cfg config.Snapshot) (snapshot.Sink, error) {
	switch cfg.Sink {
	case "", "none":
		return nil, nil
	case "file":
		return snapshot.FileSink{Dir: cfg.Dir}, nil
	case "s3":
		sink, err := snapshot.NewS3Sink(ctx, snapshot.S3Config{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			UsePathStyle:    cfg.UsePathStyle,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	return nil, fmt.Errorf("snapshot sink: unsupported value %q", cfg.Sink)
}

// EvidenceSource connects to the evidence service when an address is set.
// The returned source is nil otherwise.
func EvidenceSource(cfg config.EvidenceSource) (*evidence.GRPCSource, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	return evidence.NewGRPCSource(cfg.Addr, time.Duration(cfg.TimeoutMillis)*time.Millisecond)
}

// #endregion sinks

// #region metrics

// ServeMetrics exposes the collector on /metrics until ctx is done. It
// returns the bound address.
func ServeMetrics(ctx context.Context, addr string, c *metrics.Collector, logger *slog.Logger) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", slog.String("address", listener.Addr().String()))
	return listener.Addr().String(), nil
}

// #endregion metrics
