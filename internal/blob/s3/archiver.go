package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flasharb/engine/internal/domain"
)

// Archiver moves aged execution records and opportunities out of Postgres
// into month-partitioned JSONL objects. Rows are deleted only after the
// upload for that batch succeeded, so a failed run leaves hot storage intact.
type Archiver struct {
	writer domain.BlobWriter
	execs  domain.ExecutionStore
	opps   domain.OpportunityStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, execs domain.ExecutionStore, opps domain.OpportunityStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		execs:  execs,
		opps:   opps,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveBefore archives and purges everything older than cutoff.
func (a *Archiver) ArchiveBefore(ctx context.Context, cutoff time.Time) error {
	if err := a.archiveExecutions(ctx, cutoff); err != nil {
		return err
	}
	return a.archiveOpportunities(ctx, cutoff)
}

func (a *Archiver) archiveExecutions(ctx context.Context, cutoff time.Time) error {
	records, err := a.execs.ListBefore(ctx, cutoff, 0)
	if err != nil {
		return fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	payload, err := encodeJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: archive executions encode: %w", err)
	}
	key := archiveKey("executions", cutoff)
	if err := a.writer.Write(ctx, key, payload, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive executions upload: %w", err)
	}

	deleted, err := a.execs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: archive executions purge: %w", err)
	}
	a.logger.Info("executions archived",
		slog.String("key", key),
		slog.Int("uploaded", len(records)),
		slog.Int64("deleted", deleted),
	)
	return nil
}

func (a *Archiver) archiveOpportunities(ctx context.Context, cutoff time.Time) error {
	opps, err := a.opps.ListBefore(ctx, cutoff, 0)
	if err != nil {
		return fmt.Errorf("s3blob: archive opportunities query: %w", err)
	}
	if len(opps) == 0 {
		return nil
	}

	payload, err := encodeJSONL(opps)
	if err != nil {
		return fmt.Errorf("s3blob: archive opportunities encode: %w", err)
	}
	key := archiveKey("opportunities", cutoff)
	if err := a.writer.Write(ctx, key, payload, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive opportunities upload: %w", err)
	}

	deleted, err := a.opps.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: archive opportunities purge: %w", err)
	}
	a.logger.Info("opportunities archived",
		slog.String("key", key),
		slog.Int("uploaded", len(opps)),
		slog.Int64("deleted", deleted),
	)
	return nil
}

// archiveKey partitions archives by the cutoff's year-month:
// archive/executions/2026-09.jsonl
func archiveKey(kind string, cutoff time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, cutoff.Format("2006-01"))
}

func encodeJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
