package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/metrics"
)

// ArchivePrefix is the key prefix every archive file is written under.
const ArchivePrefix = "archive/group_buys/"

const defaultArchiveBatch = 500

// Archiver implements domain.Archiver. It copies terminal group buys, with
// their full participant history, to JSONL files and then flags them as
// archived. Rows are never deleted here.
type Archiver struct {
	groups  domain.ArchiveStore
	writer  domain.BlobWriter
	reader  domain.BlobReader
	audit   domain.AuditStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	batch   int
}

// NewArchiver creates an Archiver.
func NewArchiver(groups domain.ArchiveStore, writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		groups: groups,
		writer: writer,
		reader: reader,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		batch:  defaultArchiveBatch,
	}
}

// WithMetrics enables archive counters.
func (a *Archiver) WithMetrics(m *metrics.Metrics) *Archiver {
	a.metrics = m
	return a
}

// WithBatchSize sets how many groups go into one file.
func (a *Archiver) WithBatchSize(n int) *Archiver {
	if n > 0 {
		a.batch = n
	}
	return a
}

// ArchiveGroups archives every group that reached a terminal state before
// the cutoff and returns how many were archived. A file left behind by an
// interrupted run is detected by its path and not uploaded twice.
func (a *Archiver) ArchiveGroups(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	seen := make(map[string]bool)
	for {
		groups, err := a.groups.ListClosedBefore(ctx, before, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(groups) == 0 || seen[groups[0].ID] {
			break
		}
		seen[groups[0].ID] = true

		path := archivePath(groups[0])
		if err := a.upload(ctx, path, groups); err != nil {
			return total, err
		}

		ids := make([]string, len(groups))
		for i, g := range groups {
			ids[i] = g.ID
		}
		if err := a.groups.MarkArchived(ctx, ids); err != nil {
			return total, fmt.Errorf("s3blob: mark archived: %w", err)
		}

		n := int64(len(groups))
		total += n
		a.metrics.Archived(n)
		a.logger.InfoContext(ctx, "archived group buys",
			slog.String("path", path),
			slog.Int64("count", n),
		)
		if err := a.audit.Log(ctx, "archive.group_buys", map[string]any{
			"path":   path,
			"count":  n,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive audit log: %w", err)
		}

		if len(groups) < a.batch {
			break
		}
	}
	return total, nil
}

func (a *Archiver) upload(ctx context.Context, path string, groups []domain.GroupBuy) error {
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		a.logger.WarnContext(ctx, "archive file already present, marking only", slog.String("path", path))
		return nil
	}

	buf, err := marshalJSONL(groups)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal: %w", err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive upload: %w", err)
	}
	return nil
}

// archivePath names a batch after its first group, partitioned by the month
// that group closed, e.g. archive/group_buys/2026-10/0192....jsonl.
func archivePath(first domain.GroupBuy) string {
	closed := first.UpdatedAt
	switch {
	case first.ConfirmedAt != nil:
		closed = *first.ConfirmedAt
	case first.ClosedAt != nil:
		closed = *first.ClosedAt
	}
	return fmt.Sprintf("%s%s/%s.jsonl", ArchivePrefix, closed.UTC().Format("2006-01"), first.ID)
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
