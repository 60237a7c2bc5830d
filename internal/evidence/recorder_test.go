package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/sbcompliance/internal/metrics"
	"github.com/qualys/sbcompliance/internal/models"
	"github.com/qualys/sbcompliance/internal/queue"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captureSink struct {
	mu   sync.Mutex
	recs []models.EvidenceRecord
	err  error
}

func (s *captureSink) Publish(_ context.Context, rec models.EvidenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func readGlobal(t *testing.T, dir string) []models.EvidenceRecord {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, GlobalLogFile))
	require.NoError(t, err)
	var recs []models.EvidenceRecord
	require.NoError(t, json.Unmarshal(data, &recs))
	return recs
}

func TestRecorder_Record(t *testing.T) {
	dir := t.TempDir()
	clock := &fixedClock{t: time.Date(2024, 3, 1, 12, 30, 45, 123e6, time.UTC)}
	r := NewRecorder(dir, nil, nil, WithClock(clock.Now))

	id := r.Record(context.Background(), "mfa_check_initiated", models.EvidenceInfo, map[string]any{"parentCheckId": "root"}, "proj1")
	require.NotEmpty(t, id)

	file := filepath.Join(dir, "proj1", "mfa_check_initiated_2024-03-01T12-30-45-123Z.json")
	data, err := os.ReadFile(file)
	require.NoError(t, err)

	var rec models.EvidenceRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "proj1", rec.Ref())
	assert.Equal(t, "root", rec.Details["parentCheckId"])

	global := readGlobal(t, dir)
	require.Len(t, global, 1)
	assert.Equal(t, id, global[0].ID)

	all := r.ListAll()
	require.Len(t, all, 1)
	assert.Equal(t, models.EvidenceInfo, all[0].Status)
}

func TestRecorder_GlobalRecordHasNullProject(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, nil, nil)

	id := r.Record(context.Background(), "unhandled_error", models.EvidenceError, nil, "")
	require.NotEmpty(t, id)

	data, err := os.ReadFile(filepath.Join(dir, GlobalLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"projectRef": null`)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no project directory for global records")
}

func TestRecorder_SameMillisecondDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	clock := &fixedClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRecorder(dir, nil, nil, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.NotEmpty(t, r.Record(context.Background(), "rls_table_fix_attempt", models.EvidenceInfo, map[string]any{"i": i}, "proj"))
	}

	entries, err := os.ReadDir(filepath.Join(dir, "proj"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	recs, err := r.ListForProject("proj")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.Len(t, readGlobal(t, dir), 3)
}

func TestRecorder_ListForProjectNewestFirst(t *testing.T) {
	dir := t.TempDir()
	clock := &fixedClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRecorder(dir, nil, nil, WithClock(clock.Now))

	first := r.Record(context.Background(), "compliance_check_initiated", models.EvidenceInfo, nil, "proj")
	clock.Advance(time.Second)
	second := r.Record(context.Background(), "compliance_check_completed", models.EvidenceSuccess, nil, "proj")
	clock.Advance(time.Second)
	r.Record(context.Background(), "compliance_check_initiated", models.EvidenceInfo, nil, "other")

	recs, err := r.ListForProject("proj")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, second, recs[0].ID)
	assert.Equal(t, first, recs[1].ID)

	empty, err := r.ListForProject("unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NotNil(t, empty)
}

func TestRecorder_ListForProjectRejectsTraversal(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil, nil)

	_, err := r.ListForProject("../etc")
	assert.ErrorIs(t, err, ErrInvalidProjectRef)
}

func TestRecorder_PersistenceFailureIsSwallowed(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("file, not a directory"), 0o644))

	m := metrics.New(nil)
	sink := &captureSink{}
	r := NewRecorder(blocker, nil, m, WithSink(sink))

	id := r.Record(context.Background(), "mfa_fix_attempt", models.EvidenceInfo, nil, "proj")
	assert.Empty(t, id)

	// The record still reaches memory and sinks.
	assert.Len(t, r.ListAll(), 1)
	assert.Len(t, sink.recs, 1)
}

func TestRecorder_InvalidRefNotPersisted(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, nil, nil)

	id := r.Record(context.Background(), "compliance_check_initiated", models.EvidenceInfo, nil, "../../escape")
	assert.Empty(t, id)
	_, err := os.Stat(filepath.Join(dir, GlobalLogFile))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRecorder_CorruptGlobalLogIsMovedAside(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, GlobalLogFile), []byte("{broken"), 0o644))
	r := NewRecorder(dir, nil, nil)

	require.NotEmpty(t, r.Record(context.Background(), "pitr_check_initiated", models.EvidenceInfo, nil, "proj"))
	assert.Len(t, readGlobal(t, dir), 1)

	matches, err := filepath.Glob(filepath.Join(dir, GlobalLogFile+".corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestRecorder_SinkErrorIgnored(t *testing.T) {
	sink := &captureSink{err: errors.New("redis down")}
	r := NewRecorder(t.TempDir(), nil, nil, WithSink(sink))

	id := r.Record(context.Background(), "rls_check_completed", models.EvidenceSuccess, nil, "proj")
	assert.NotEmpty(t, id)
	assert.Len(t, sink.recs, 1)
}

// stalledSink blocks like an unreachable Redis until release is closed.
type stalledSink struct {
	release chan struct{}
	calls   atomic.Int64
}

func (s *stalledSink) Publish(ctx context.Context, _ models.EvidenceRecord) error {
	s.calls.Add(1)
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRecorder_SlowFeedDoesNotDelayRecord(t *testing.T) {
	sink := &stalledSink{release: make(chan struct{})}
	feed := queue.NewWorker(sink, nil, queue.WorkerConfig{BufferSize: 16, PublishTimeout: time.Minute})
	feed.Start()
	r := NewRecorder(t.TempDir(), nil, nil, WithSink(feed))

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NotEmpty(t, r.Record(context.Background(), "rls_table_fix_attempt", models.EvidenceInfo, nil, "proj"))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, r.ListAll(), 10)

	close(sink.release)
	require.NoError(t, feed.Close(context.Background()))
	assert.Equal(t, int64(10), sink.calls.Load())
}

func TestRecorder_MemoryLimit(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil, nil, WithMemoryLimit(2))

	r.Record(context.Background(), "a", models.EvidenceInfo, nil, "")
	r.Record(context.Background(), "b", models.EvidenceInfo, nil, "")
	r.Record(context.Background(), "c", models.EvidenceInfo, nil, "")

	all := r.ListAll()
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].Action)
	assert.Equal(t, "c", all[1].Action)
}

func TestRecorder_DetailsAreCopied(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil, nil)
	details := map[string]any{"table": "users"}

	r.Record(context.Background(), "rls_table_fix_attempt", models.EvidenceInfo, details, "proj")
	details["table"] = "changed"

	assert.Equal(t, "users", r.ListAll()[0].Details["table"])
}

func TestRecorder_ConcurrentRecords(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(context.Background(), "rls_table_fix_success", models.EvidenceSuccess, nil, "proj")
		}()
	}
	wg.Wait()

	assert.Len(t, readGlobal(t, dir), 20)
	recs, err := r.ListForProject("proj")
	require.NoError(t, err)
	assert.Len(t, recs, 20)
}

func TestRecorder_Ready(t *testing.T) {
	r := NewRecorder(filepath.Join(t.TempDir(), "nested", "evidence"), nil, nil)
	assert.NoError(t, r.Ready())
}
