package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/metrics"
	"github.com/alanyoungcy/groupbuy/internal/store/memory"
)

type memBlobs struct {
	objects map[string][]byte
	puts    int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func seedClosed(t *testing.T, store *memory.Store, closedAt time.Time, ids ...string) {
	t.Helper()
	var groups []domain.GroupBuy
	for _, id := range ids {
		at := closedAt
		groups = append(groups, domain.GroupBuy{
			ID: id, ProductID: "p1", TargetCount: 5, State: domain.GroupStateExpired,
			CreatedAt: closedAt.Add(-time.Hour), UpdatedAt: closedAt, ClosedAt: &at,
			Participants: []domain.Participant{{
				ID: id + "-p", BuyerID: "buyer", Quantity: 1,
				DepositStatus: domain.DepositPending, RegisteredAt: closedAt.Add(-time.Hour),
			}},
		})
	}
	require.NoError(t, store.Commit(context.Background(), domain.ChangeSet{Groups: groups}))
}

func newTestArchiver(store *memory.Store, blobs *memBlobs) *Archiver {
	return NewArchiver(store, blobs, blobs, store, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithMetrics(metrics.New()).
		WithBatchSize(2)
}

func TestArchiveGroups_WritesBatchesAndMarks(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	closed := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	seedClosed(t, store, closed, "g1", "g2", "g3")
	seedClosed(t, store, closed.AddDate(0, 1, 10), "g9")

	blobs := newMemBlobs()
	a := newTestArchiver(store, blobs)

	n, err := a.ArchiveGroups(ctx, closed.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	infos, err := blobs.List(ctx, ArchivePrefix)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "archive/group_buys/2026-09/g1.jsonl", infos[0].Path)
	require.Equal(t, "archive/group_buys/2026-09/g3.jsonl", infos[1].Path)

	var lines []domain.GroupBuy
	sc := bufio.NewScanner(bytes.NewReader(blobs.objects[infos[0].Path]))
	for sc.Scan() {
		var g domain.GroupBuy
		require.NoError(t, json.Unmarshal(sc.Bytes(), &g))
		lines = append(lines, g)
	}
	require.Len(t, lines, 2)
	require.Len(t, lines[0].Participants, 1)

	entries, err := store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "archive.group_buys", entries[0].Event)

	n, err = a.ArchiveGroups(ctx, closed.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Zero(t, n)

	remaining, err := store.ListClosedBefore(ctx, closed.AddDate(1, 0, 0), 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "g9", remaining[0].ID)
}

func TestArchiveGroups_SkipsUploadWhenFilePresent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	closed := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	seedClosed(t, store, closed, "g1")

	blobs := newMemBlobs()
	blobs.objects["archive/group_buys/2026-09/g1.jsonl"] = []byte("{}\n")

	n, err := newTestArchiver(store, blobs).ArchiveGroups(ctx, closed.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Zero(t, blobs.puts)

	remaining, err := store.ListClosedBefore(ctx, closed.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestArchivePathUsesConfirmationTime(t *testing.T) {
	at := time.Date(2026, 3, 31, 23, 0, 0, 0, time.FixedZone("x", -5*3600))
	g := domain.GroupBuy{ID: "g7", State: domain.GroupStateConfirmed, ConfirmedAt: &at}
	require.Equal(t, fmt.Sprintf("%s2026-04/g7.jsonl", ArchivePrefix), archivePath(g))
}

func TestNormaliseEndpoint(t *testing.T) {
	require.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	require.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	require.Equal(t, "http://r2.example.com", normaliseEndpoint("http://r2.example.com", true))
}
