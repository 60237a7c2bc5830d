// Package evidence records every compliance operation as an immutable
// evidence record. Records are kept in memory for the process lifetime,
// written one file per record under the project's directory, appended to a
// global log and forwarded to optional sinks.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qualys/sbcompliance/internal/metrics"
	"github.com/qualys/sbcompliance/internal/models"
)

const GlobalLogFile = "evidence_log.json"

// ErrPersistenceFailed wraps every failure to write evidence to disk. Record
// never returns it; it reaches the operational log only.
var ErrPersistenceFailed = errors.New("evidence: persistence failed")

var (
	ErrInvalidProjectRef = errors.New("evidence: invalid project ref")

	refPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	unsafeActions = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// ValidProjectRef reports whether ref can be used as a directory name.
func ValidProjectRef(ref string) bool {
	return refPattern.MatchString(ref)
}

// Sink receives every record after it has been buffered. Sink errors are
// logged and otherwise ignored.
type Sink interface {
	Publish(ctx context.Context, rec models.EvidenceRecord) error
}

type Recorder struct {
	dir      string
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	sinks    []Sink
	memLimit int

	mu      sync.RWMutex
	records []models.EvidenceRecord

	// serializes read-modify-write of the global log within this process
	globalMu sync.Mutex
}

type Option func(*Recorder)

func WithSink(s Sink) Option {
	return func(r *Recorder) {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithMemoryLimit caps the in-memory buffer at n records, dropping the
// oldest. n <= 0 keeps every record.
func WithMemoryLimit(n int) Option {
	return func(r *Recorder) {
		r.memLimit = n
	}
}

func NewRecorder(dir string, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	r := &Recorder{
		dir:     dir,
		logger:  logger.Named("evidence"),
		metrics: m,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) Dir() string { return r.dir }

// Record stores one evidence record and returns its id. It never fails: when
// the record cannot be persisted the error is logged and "" is returned so
// the caller carries on.
func (r *Recorder) Record(ctx context.Context, action string, status models.EvidenceStatus, details map[string]any, projectRef string) string {
	rec := models.EvidenceRecord{
		ID:        r.newID(),
		Timestamp: r.now().UTC(),
		Action:    action,
		Status:    status,
		Details:   cloneDetails(details),
	}
	if projectRef != "" {
		ref := projectRef
		rec.ProjectRef = &ref
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	if r.memLimit > 0 && len(r.records) > r.memLimit {
		r.records = append([]models.EvidenceRecord(nil), r.records[len(r.records)-r.memLimit:]...)
	}
	r.mu.Unlock()

	r.metrics.EvidenceRecords.WithLabelValues(string(status)).Inc()

	for _, s := range r.sinks {
		if err := s.Publish(ctx, rec); err != nil {
			r.logger.Warn("evidence sink publish failed",
				zap.String("action", action),
				zap.String("id", rec.ID),
				zap.Error(err))
		}
	}

	if err := r.persist(rec); err != nil {
		r.metrics.EvidencePersistErrors.Inc()
		r.logger.Error("failed to persist evidence",
			zap.String("action", action),
			zap.String("project_ref", projectRef),
			zap.Error(err))
		return ""
	}
	return rec.ID
}

func (r *Recorder) persist(rec models.EvidenceRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding record: %v", ErrPersistenceFailed, err)
	}

	if ref := rec.Ref(); ref != "" {
		if !ValidProjectRef(ref) {
			return fmt.Errorf("%w: %w %q", ErrPersistenceFailed, ErrInvalidProjectRef, ref)
		}
		if err := r.writeProjectFile(ref, rec, data); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
		}
	}

	if err := r.appendGlobal(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	return nil
}

// writeProjectFile creates <dir>/<ref>/<action>_<timestamp>.json. Records
// written within the same millisecond get a numeric suffix instead of
// replacing each other.
func (r *Recorder) writeProjectFile(ref string, rec models.EvidenceRecord, data []byte) error {
	projectDir := filepath.Join(r.dir, ref)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}

	base := fileName(rec.Action, rec.Timestamp)
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name += "_" + strconv.Itoa(i)
		}
		f, err := os.OpenFile(filepath.Join(projectDir, name+".json"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("creating evidence file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("writing evidence file: %w", err)
		}
		return f.Close()
	}
}

func fileName(action string, ts time.Time) string {
	stamp := ts.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return unsafeActions.ReplaceAllString(action, "_") + "_" + stamp
}

// appendGlobal read-modify-writes the global JSON array. Concurrent writers
// in other processes can still lose updates; the per-project files and the
// in-memory buffer are authoritative.
func (r *Recorder) appendGlobal(rec models.EvidenceRecord) error {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating evidence directory: %w", err)
	}
	path := filepath.Join(r.dir, GlobalLogFile)

	var entries []json.RawMessage
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading global log: %w", err)
	case len(strings.TrimSpace(string(data))) > 0:
		if err := json.Unmarshal(data, &entries); err != nil {
			aside := fmt.Sprintf("%s.corrupt-%d", path, r.now().UnixNano())
			r.logger.Warn("global evidence log is corrupt, starting a new one",
				zap.String("moved_to", aside), zap.Error(err))
			if err := os.Rename(path, aside); err != nil {
				return fmt.Errorf("moving corrupt global log: %w", err)
			}
			entries = nil
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	entries = append(entries, line)

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding global log: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, GlobalLogFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp log: %w", err)
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp log: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing global log: %w", err)
	}
	return nil
}

// ListForProject reads the project's evidence files, newest first. A project
// without evidence yields an empty slice.
func (r *Recorder) ListForProject(ref string) ([]models.EvidenceRecord, error) {
	if !ValidProjectRef(ref) {
		return nil, fmt.Errorf("%w %q", ErrInvalidProjectRef, ref)
	}

	projectDir := filepath.Join(r.dir, ref)
	entries, err := os.ReadDir(projectDir)
	if errors.Is(err, os.ErrNotExist) {
		return []models.EvidenceRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading project evidence: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	records := make([]models.EvidenceRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(projectDir, e.Name()))
		if err != nil {
			r.logger.Warn("skipping unreadable evidence file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		var rec models.EvidenceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn("skipping malformed evidence file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// ListAll returns the in-memory buffer in recording order. It is not
// reconstructed from disk after a restart.
func (r *Recorder) ListAll() []models.EvidenceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.EvidenceRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Ready checks that the evidence directory is writable.
func (r *Recorder) Ready() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating evidence directory: %w", err)
	}
	f, err := os.CreateTemp(r.dir, ".ready-*")
	if err != nil {
		return fmt.Errorf("evidence directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (r *Recorder) newID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%d-%s", r.now().UnixMilli(), random[:8])
}

func cloneDetails(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}
