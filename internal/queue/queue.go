package queue

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	plexererrors "github.com/heimgewebe/plexer/internal/errors"
	"github.com/heimgewebe/plexer/internal/event"
	"github.com/heimgewebe/plexer/internal/observability"
)

const (
	logName  = "failed_forwards.jsonl"
	lockName = "failed_forwards.lock"

	// initialDelay is the base schedule for a first-failure entry.
	initialDelay = 30 * time.Second
	// maxJitter is the upper bound of the random spread added to every
	// scheduled attempt.
	maxJitter = 10 * time.Second
)

// errLockHeld signals that another writer currently holds the advisory lock.
var errLockHeld = fmt.Errorf("queue: advisory lock held")

// Queue is the durable failure queue: an append-only JSONL log guarded by an
// advisory lockfile so that multiple processes sharing a data directory
// cannot corrupt it.
type Queue struct {
	dir      string
	logPath  string
	lockPath string

	// mu serializes writers inside this process; fl excludes other
	// processes sharing the data directory. flock(2) is per open file
	// description, so the in-process mutex is what keeps two goroutines
	// of the same process apart.
	mu sync.Mutex
	fl *flock.Flock

	clock       plexererrors.Clock
	jitter      func() time.Duration
	lockTimeout time.Duration
	state       *State
	metrics     *observability.Metrics
	collector   *plexererrors.Collector
}

// New creates a Queue rooted at dir. The directory and lockfile are created
// lazily on first use and eagerly by Recover. metrics and collector may be
// nil.
func New(dir string, clock plexererrors.Clock, metrics *observability.Metrics, collector *plexererrors.Collector) *Queue {
	if clock == nil {
		clock = plexererrors.RealClock{}
	}
	lockPath := filepath.Join(dir, lockName)
	return &Queue{
		dir:         dir,
		logPath:     filepath.Join(dir, logName),
		lockPath:    lockPath,
		fl:          flock.New(lockPath),
		clock:       clock,
		jitter:      func() time.Duration { return time.Duration(rand.Int63n(int64(maxJitter))) },
		lockTimeout: 5 * time.Second,
		state:       NewState(),
		metrics:     metrics,
		collector:   collector,
	}
}

// SetJitter overrides the jitter source. Tests use this for determinism.
func (q *Queue) SetJitter(fn func() time.Duration) {
	q.jitter = fn
}

// SetLockTimeout bounds how long lock acquisition is retried before the
// operation is abandoned.
func (q *Queue) SetLockTimeout(d time.Duration) {
	q.lockTimeout = d
}

// State returns the in-memory delivery counters.
func (q *Queue) State() *State {
	return q.state
}

// Dir returns the data directory.
func (q *Queue) Dir() string {
	return q.dir
}

// LogPath returns the path of the durable queue file.
func (q *Queue) LogPath() string {
	return q.logPath
}

// EnsureDir creates the data directory and lockfile if missing.
func (q *Queue) EnsureDir() error {
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return fmt.Errorf("queue: create data dir: %w", err)
	}
	f, err := os.OpenFile(q.lockPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("queue: create lockfile: %w", err)
	}
	return f.Close()
}

// withLock runs fn while holding the advisory lock. Acquisition is retried
// under a bounded exponential schedule; exhaustion returns an error rather
// than blocking the caller indefinitely.
func (q *Queue) withLock(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.acquire(); err != nil {
		return err
	}
	defer func() {
		if err := q.fl.Unlock(); err != nil {
			slog.Error("failed to release queue lock", "error", err)
		}
	}()
	return fn()
}

func (q *Queue) acquire() error {
	op := func() error {
		ok, err := q.fl.TryLock()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("queue: acquire lock: %w", err))
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = q.lockTimeout

	if err := backoff.Retry(op, bo); err != nil {
		if q.collector != nil {
			q.collector.Report(plexererrors.ErrLockUnavailable, "queue", err.Error(), err)
		}
		return err
	}
	return nil
}

// SaveFailedEvent appends a fresh entry for a failed critical delivery. The
// entry is scheduled initialDelay plus jitter into the future. A persistence
// failure drops the entry: blocking the ingress is worse than losing one
// retry.
func (q *Queue) SaveFailedEvent(ev event.Envelope, consumerKey, errMsg string) error {
	now := q.clock.Now()
	entry := Entry{
		ConsumerKey: consumerKey,
		Event:       ev,
		RetryCount:  0,
		LastAttempt: now,
		NextAttempt: now.Add(initialDelay + q.jitter()),
		Error:       errMsg,
	}

	if err := entry.Validate(); err != nil {
		slog.Error("dropping invalid queue entry", "consumer", consumerKey, "error", err)
		return err
	}

	if err := q.EnsureDir(); err != nil {
		q.reportAppendFailure(err)
		return err
	}

	line, err := entry.Line()
	if err != nil {
		q.reportAppendFailure(err)
		return err
	}

	err = q.withLock(func() error {
		return appendBytes(q.logPath, line)
	})
	if err != nil {
		q.reportAppendFailure(err)
		return err
	}

	q.state.RecordAppend(errMsg, entry.NextAttempt)
	if q.metrics != nil {
		q.metrics.QueueAppendsTotal.Inc()
		q.metrics.QueueDepth.Set(float64(q.state.Snapshot().Failed))
	}
	return nil
}

// AppendEntries appends already-built entries under the lock. Used by the
// retry worker to persist survivors.
func (q *Queue) AppendEntries(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	lines := make([]byte, 0, len(entries)*256)
	for _, e := range entries {
		line, err := e.Line()
		if err != nil {
			return err
		}
		lines = append(lines, line...)
	}

	return q.withLock(func() error {
		return appendBytes(q.logPath, lines)
	})
}

// Rotate claims the current queue under the lock: the log is renamed to a
// processing file and an empty log is created in its place, so new failures
// can append without waiting for the tick to finish. Returns empty=true when
// there was nothing to claim.
func (q *Queue) Rotate() (processingPath string, empty bool, err error) {
	if err := q.EnsureDir(); err != nil {
		return "", false, err
	}

	err = q.withLock(func() error {
		info, statErr := os.Stat(q.logPath)
		if os.IsNotExist(statErr) || (statErr == nil && info.Size() == 0) {
			empty = true
			q.state.Zero()
			return nil
		}
		if statErr != nil {
			return fmt.Errorf("queue: stat log: %w", statErr)
		}

		processingPath = filepath.Join(q.dir, fmt.Sprintf("processing.%s.jsonl", uuid.NewString()))
		if renameErr := os.Rename(q.logPath, processingPath); renameErr != nil {
			return fmt.Errorf("queue: claim log: %w", renameErr)
		}

		f, createErr := os.OpenFile(q.logPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if createErr != nil {
			return fmt.Errorf("queue: create fresh log: %w", createErr)
		}
		return f.Close()
	})
	if err != nil {
		return "", false, err
	}
	if empty && q.metrics != nil {
		q.metrics.QueueDepth.Set(0)
	}
	return processingPath, empty, nil
}

// RemoveProcessing unlinks a processing file after its survivors are durable.
func (q *Queue) RemoveProcessing(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("queue: remove processing file: %w", err)
	}
	return nil
}

func (q *Queue) reportAppendFailure(err error) {
	slog.Error("failed to persist queue entry, dropping", "error", err)
	q.state.RecordError(err.Error())
	if q.metrics != nil {
		q.metrics.QueueAppendFailuresTotal.Inc()
	}
	if q.collector != nil {
		q.collector.Report(plexererrors.ErrQueueAppendFailed, "queue", err.Error(), err)
	}
}

// appendBytes opens path in append mode and writes b whole.
func appendBytes(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("queue: open log for append: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("queue: append: %w", err)
	}
	return f.Close()
}
