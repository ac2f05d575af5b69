package retry

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/heimgewebe/plexer/internal/consumer"
	plexererrors "github.com/heimgewebe/plexer/internal/errors"
	"github.com/heimgewebe/plexer/internal/observability"
	"github.com/heimgewebe/plexer/internal/queue"
	"github.com/heimgewebe/plexer/internal/transport"
)

const (
	minTick = 5 * time.Second
	maxTick = 60 * time.Second

	// attemptJitterMax is the random spread added to recomputed backoff.
	attemptJitterMax = 10 * time.Second
	// tickJitterSpread is the ±1s jitter on the tick schedule.
	tickJitterSpread = time.Second

	// maxLineBytes bounds a single queue line while streaming.
	maxLineBytes = 4 * 1024 * 1024
)

// Sender issues one delivery attempt to a consumer.
type Sender interface {
	Post(ctx context.Context, d consumer.Descriptor, body []byte) (int, error)
}

// Worker drains due failure-queue entries on a timer. A single logical
// worker: ticks are serialized and never overlap.
type Worker struct {
	queue     *queue.Queue
	registry  *consumer.Registry
	sender    Sender
	clock     plexererrors.Clock
	metrics   *observability.Metrics
	collector *plexererrors.Collector

	concurrency int
	batchSize   int

	jitter     func() time.Duration // 0..attemptJitterMax
	tickJitter func() time.Duration // -tickJitterSpread..+tickJitterSpread
}

// NewWorker creates a retry worker. metrics and collector may be nil.
func NewWorker(
	q *queue.Queue,
	registry *consumer.Registry,
	sender Sender,
	clock plexererrors.Clock,
	metrics *observability.Metrics,
	collector *plexererrors.Collector,
	concurrency, batchSize int,
) *Worker {
	if clock == nil {
		clock = plexererrors.RealClock{}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &Worker{
		queue:       q,
		registry:    registry,
		sender:      sender,
		clock:       clock,
		metrics:     metrics,
		collector:   collector,
		concurrency: concurrency,
		batchSize:   batchSize,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(attemptJitterMax)))
		},
		tickJitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(2*tickJitterSpread))) - tickJitterSpread
		},
	}
}

// SetJitter overrides the backoff jitter source. Tests use this.
func (w *Worker) SetJitter(fn func() time.Duration) {
	w.jitter = fn
}

// Run executes ticks until the context is cancelled. The delay to the next
// tick tracks the queue's next-due time, clamped to [5s, 60s] with ±1s
// jitter.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("retry worker armed",
		"concurrency", w.concurrency,
		"batch_size", w.batchSize,
	)

	for {
		delay := w.NextTickDelay()
		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("retry worker stopped")
			return
		case <-timer.C:
		}

		if err := w.RunOnce(ctx); err != nil {
			slog.Error("retry tick aborted", "error", err)
		}
	}
}

// NextTickDelay computes the delay before the next tick from the queue's
// next-due time: clamp(next_due_at − now, 5s, 60s) + jitter, floored at the
// minimum tick.
func (w *Worker) NextTickDelay() time.Duration {
	d := maxTick
	if due := w.queue.State().Snapshot().NextDueAt; due != nil {
		d = due.Sub(w.clock.Now())
	}
	if d < minTick {
		d = minTick
	}
	if d > maxTick {
		d = maxTick
	}
	d += w.tickJitter()
	if d < minTick {
		d = minTick
	}
	return d
}

// RunOnce executes one retry tick: claim the queue via rename, stream the
// claimed file, attempt due entries with bounded concurrency, persist
// survivors, and only then unlink the claim. An error mid-tick leaves the
// processing file in place for next-boot recovery.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.metrics != nil {
		w.metrics.RetryTicksTotal.Inc()
	}

	procPath, empty, err := w.queue.Rotate()
	if err != nil {
		w.reportAborted(err)
		return err
	}
	if empty {
		return nil
	}

	tickAt := w.clock.Now()
	totals := &tickTotals{}

	if err := w.processFile(ctx, procPath, totals); err != nil {
		w.reportAborted(err)
		return err
	}

	if err := w.queue.RemoveProcessing(procPath); err != nil {
		w.reportAborted(err)
		return err
	}

	w.queue.State().SetAfterTick(totals.survivors, totals.retryableNow(w.clock.Now()),
		totals.nextDue, totals.lastError, tickAt)
	if w.metrics != nil {
		w.metrics.QueueDepth.Set(float64(totals.survivors))
	}

	slog.Info("retry tick completed",
		"processed", totals.processed,
		"delivered", totals.processed-totals.survivors,
		"survivors", totals.survivors,
	)
	return nil
}

// tickTotals accumulates per-tick aggregates across survivor chunks.
type tickTotals struct {
	mu        sync.Mutex
	processed int
	survivors int
	nextDue   *time.Time
	dueTimes  []time.Time
	lastError string
}

func (t *tickTotals) addProcessed(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed += n
}

func (t *tickTotals) addSurvivor(e queue.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.survivors++
	t.dueTimes = append(t.dueTimes, e.NextAttempt)
	if t.nextDue == nil || e.NextAttempt.Before(*t.nextDue) {
		nd := e.NextAttempt
		t.nextDue = &nd
	}
	if e.Error != "" {
		t.lastError = e.Error
	}
}

func (t *tickTotals) retryableNow(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, due := range t.dueTimes {
		if !due.After(now) {
			n++
		}
	}
	return n
}

// processFile streams the processing file in chunks of batchSize, appending
// each chunk's survivors to the queue before reading on. A failed append
// aborts the tick so the processing file survives for crash recovery.
func (w *Worker) processFile(ctx context.Context, path string, totals *tickTotals) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("retry: open processing file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	batch := make([]queue.Entry, 0, w.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		survivors := w.processBatch(ctx, batch)
		if err := w.queue.AppendEntries(survivors); err != nil {
			return fmt.Errorf("retry: persist survivors: %w", err)
		}
		totals.addProcessed(len(batch))
		for _, s := range survivors {
			totals.addSurvivor(s)
		}
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, parseErr := queue.ParseEntry([]byte(line))
		if parseErr != nil {
			slog.Warn("skipping unparsable queue line", "error", parseErr)
			continue
		}
		batch = append(batch, entry)
		if len(batch) >= w.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("retry: stream processing file: %w", err)
	}
	return flush()
}

// processBatch attempts a chunk of entries with bounded concurrency and
// returns the survivors.
func (w *Worker) processBatch(ctx context.Context, batch []queue.Entry) []queue.Entry {
	var (
		mu        sync.Mutex
		survivors []queue.Entry
		wg        sync.WaitGroup
	)
	sem := make(chan struct{}, w.concurrency)

	for _, entry := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(e queue.Entry) {
			defer wg.Done()
			defer func() { <-sem }()

			if survivor, keep := w.attempt(ctx, e); keep {
				mu.Lock()
				survivors = append(survivors, survivor)
				mu.Unlock()
			}
		}(entry)
	}
	wg.Wait()
	return survivors
}

// attempt processes one entry against a single wall-clock reading. Entries
// not yet due survive unchanged; delivered entries are dropped; everything
// else is re-scheduled with bumped backoff.
func (w *Worker) attempt(ctx context.Context, e queue.Entry) (queue.Entry, bool) {
	now := w.clock.Now()

	if e.NextAttempt.After(now) {
		return e, true
	}

	d, ok := w.registry.Lookup(e.ConsumerKey)
	if !ok {
		if w.collector != nil {
			w.collector.Report(plexererrors.ErrConsumerConfigMissing, "retry",
				"Consumer configuration missing: "+e.ConsumerKey, nil)
		}
		return w.reschedule(e, now, "Consumer configuration missing"), true
	}
	if d.URL == "" {
		return w.reschedule(e, now, "Consumer URL missing"), true
	}

	body, err := e.Event.Body()
	if err != nil {
		// Unserializable events cannot ever deliver; keep them visible
		// rather than silently dropping.
		return w.reschedule(e, now, err.Error()), true
	}

	status, err := w.sender.Post(ctx, d, body)
	if err == nil && transport.IsSuccess(status) {
		slog.Info("queued event delivered",
			"consumer", d.Key,
			"type", e.Event.Type,
			"retry_count", e.RetryCount,
			"status_code", status,
		)
		if w.metrics != nil {
			w.metrics.RetryAttemptsTotal.WithLabelValues("success").Inc()
		}
		return queue.Entry{}, false
	}

	msg := transport.FailureMessage(status, err)
	slog.Error("retry attempt failed",
		"label", d.Label,
		"type", e.Event.Type,
		"status", status,
		"error", msg,
		"retry_count", e.RetryCount+1,
	)
	if w.metrics != nil {
		w.metrics.RetryAttemptsTotal.WithLabelValues("failure").Inc()
	}
	if w.collector != nil {
		w.collector.ReportAttempt("retry", status, err, msg)
	}
	return w.reschedule(e, now, msg), true
}

// reschedule bumps the retry metadata: count++, lastAttempt=now, and
// nextAttempt pushed out by the exponential backoff plus jitter.
func (w *Worker) reschedule(e queue.Entry, now time.Time, msg string) queue.Entry {
	e.RetryCount++
	e.LastAttempt = now
	e.NextAttempt = now.Add(Backoff(e.RetryCount) + w.jitter())
	e.Error = msg
	return e
}

func (w *Worker) reportAborted(err error) {
	if w.collector == nil {
		return
	}
	w.collector.Report(plexererrors.ErrRetryCycleAborted, "retry", err.Error(), err)
}
