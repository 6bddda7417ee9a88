// Package report batches per-chunk timing records for an external store.
// The recorder never reads them back; sinks only persist.
package report

import (
	"context"
	"log/slog"
	"time"
)

// ChunkReport is what the recorder publishes per chunk.
type ChunkReport struct {
	SessionID    string    `json:"session_id"`
	OwnerID      string    `json:"owner_id"`
	FileName     string    `json:"file_name"`
	Key          string    `json:"key"`
	StartSeconds float64   `json:"start_time_seconds"`
	EndSeconds   float64   `json:"end_time_seconds"`
	Uploaded     bool      `json:"uploaded"`
	ReportedAt   time.Time `json:"reported_at"`
}

// Sink persists a batch of reports. A report for the same session and file
// name replaces the earlier one.
type Sink interface {
	Write(ctx context.Context, reports []ChunkReport) error
	Close() error
}

// LogSink writes reports to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

// Write implements Sink.
func (s LogSink) Write(_ context.Context, reports []ChunkReport) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	for _, r := range reports {
		log.Info("chunk report",
			"session_id", r.SessionID,
			"file", r.FileName,
			"start", r.StartSeconds,
			"end", r.EndSeconds,
			"uploaded", r.Uploaded)
	}
	return nil
}

// Close implements Sink.
func (LogSink) Close() error { return nil }
