package queue

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	plexererrors "github.com/heimgewebe/plexer/internal/errors"
)

// Recover reattaches orphaned processing files to the queue. It runs at
// startup before the retry worker is armed: any processing.<uuid>.jsonl left
// behind by a crashed tick is appended byte-for-byte to the log and removed.
// Individual failures are logged and skipped so one bad orphan cannot block
// the rest.
func (q *Queue) Recover() (reattached int, err error) {
	if err := q.EnsureDir(); err != nil {
		return 0, err
	}

	dirEntries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0, fmt.Errorf("queue: list data dir: %w", err)
	}

	var orphans []string
	for _, de := range dirEntries {
		name := de.Name()
		if !de.IsDir() && strings.HasPrefix(name, "processing.") && strings.HasSuffix(name, ".jsonl") {
			orphans = append(orphans, filepath.Join(q.dir, name))
		}
	}

	lockErr := q.withLock(func() error {
		// The log must exist even when there is nothing to reattach.
		f, createErr := os.OpenFile(q.logPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if createErr != nil {
			return fmt.Errorf("queue: ensure log exists: %w", createErr)
		}
		f.Close()

		for _, orphan := range orphans {
			if copyErr := appendFile(q.logPath, orphan); copyErr != nil {
				slog.Error("failed to reattach processing file", "file", orphan, "error", copyErr)
				q.reportRecoveryFailure(copyErr)
				continue
			}
			if rmErr := os.Remove(orphan); rmErr != nil {
				slog.Error("failed to remove reattached processing file", "file", orphan, "error", rmErr)
				q.reportRecoveryFailure(rmErr)
				continue
			}
			reattached++
			slog.Info("reattached orphaned processing file", "file", filepath.Base(orphan))
		}
		return nil
	})
	if lockErr != nil {
		return reattached, lockErr
	}

	if q.metrics != nil && reattached > 0 {
		q.metrics.RecoveredFilesTotal.Add(float64(reattached))
	}
	return reattached, nil
}

// ScanMetrics recomputes the delivery counters from the persisted queue.
// The log is copied to a short-lived snapshot under the lock and scanned
// outside it, keeping the critical section tiny.
func (q *Queue) ScanMetrics() error {
	if err := q.EnsureDir(); err != nil {
		return err
	}

	snapPath := filepath.Join(q.dir, fmt.Sprintf("snapshot.%s.jsonl", uuid.NewString()))
	var missing bool

	err := q.withLock(func() error {
		if _, statErr := os.Stat(q.logPath); os.IsNotExist(statErr) {
			missing = true
			return nil
		}
		return copyFile(q.logPath, snapPath)
	})
	if err != nil {
		return err
	}
	if missing {
		q.state.Zero()
		if q.metrics != nil {
			q.metrics.QueueDepth.Set(0)
		}
		return nil
	}
	defer func() {
		if rmErr := os.Remove(snapPath); rmErr != nil {
			slog.Error("failed to remove metrics snapshot", "file", snapPath, "error", rmErr)
		}
	}()

	failed, retryableNow, nextDueAt, err := scanEntries(snapPath, q.clock.Now())
	if err != nil {
		return err
	}

	q.state.SetScan(failed, retryableNow, nextDueAt)
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(failed))
	}
	return nil
}

// scanEntries streams a queue file and derives the counter values.
// Unparsable lines still count toward failed: they occupy the queue and are
// only discarded by a retry tick.
func scanEntries(path string, now time.Time) (failed, retryableNow int, nextDueAt *time.Time, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("queue: open snapshot: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		failed++

		entry, parseErr := ParseEntry([]byte(line))
		if parseErr != nil {
			continue
		}
		if !entry.NextAttempt.After(now) {
			retryableNow++
		}
		if nextDueAt == nil || entry.NextAttempt.Before(*nextDueAt) {
			t := entry.NextAttempt
			nextDueAt = &t
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return 0, 0, nil, fmt.Errorf("queue: scan snapshot: %w", scanErr)
	}
	return failed, retryableNow, nextDueAt, nil
}

// maxLineBytes bounds a single queue line during streaming scans.
const maxLineBytes = 4 * 1024 * 1024

func (q *Queue) reportRecoveryFailure(err error) {
	if q.collector == nil {
		return
	}
	q.collector.Report(plexererrors.ErrRecoveryFailed, "queue", err.Error(), err)
}

// appendFile appends src's bytes to dst without transcoding.
func appendFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("queue: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("queue: open %s for append: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("queue: append %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

// copyFile copies src to dst, truncating dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("queue: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("queue: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("queue: copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}
