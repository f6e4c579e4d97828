// invoicesync/batch.go
package invoicesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
	"github.com/eGGnogSC/invoicesync/internal/invoice"
)

const (
	DefaultBatchDelay     = 500 * time.Millisecond
	DefaultErrorCap       = 10
	defaultBatchRetention = time.Hour
)

// ErrInvalidMonth rejects a batch month not in YYYY-MM form.
var ErrInvalidMonth = errors.New("month must be YYYY-MM")

// BatchState is the lifecycle of a batch job.
type BatchState string

const (
	BatchRunning   BatchState = "running"
	BatchCompleted BatchState = "completed"
	BatchStopped   BatchState = "stopped"
)

// BatchReport aggregates the outcome of a batch. Errors is capped; the last
// entry says how many messages were left out.
type BatchReport struct {
	ID         string     `json:"id"`
	Month      string     `json:"month,omitempty"`
	State      BatchState `json:"state"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Errors     []string   `json:"errors,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Syncer is the per-record operation a batch applies.
type Syncer interface {
	SyncRecord(ctx context.Context, rec *invoice.Record) Result
}

type job struct {
	mu      sync.Mutex
	report  BatchReport
	dropped int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (j *job) snapshot() BatchReport {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.report
	r.Errors = append([]string(nil), j.report.Errors...)
	if j.dropped > 0 {
		r.Errors = append(r.Errors, fmt.Sprintf("and %d more", j.dropped))
	}
	return r
}

func (j *job) stopped() bool {
	select {
	case <-j.stop:
		return true
	default:
		return false
	}
}

// BatchRunner syncs the unsynced invoices of a month one at a time, pacing
// remote traffic with a fixed delay between items. Only one batch runs at a
// time.
type BatchRunner struct {
	syncer   Syncer
	store    invoice.Store
	delay    time.Duration
	errorCap int
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	jobs    map[string]*job
	running string
}

// BatchOption configures a BatchRunner.
type BatchOption func(*BatchRunner)

// WithDelay sets the pause between items.
func WithDelay(d time.Duration) BatchOption {
	return func(r *BatchRunner) { r.delay = d }
}

// WithErrorCap limits how many per-item messages a report keeps.
func WithErrorCap(n int) BatchOption {
	return func(r *BatchRunner) { r.errorCap = n }
}

func WithBatchLogger(l *slog.Logger) BatchOption {
	return func(r *BatchRunner) { r.logger = l }
}

// NewBatchRunner creates a runner reading pending records from store.
func NewBatchRunner(syncer Syncer, store invoice.Store, opts ...BatchOption) *BatchRunner {
	r := &BatchRunner{
		syncer:   syncer,
		store:    store,
		delay:    DefaultBatchDelay,
		errorCap: DefaultErrorCap,
		logger:   slog.Default(),
		now:      time.Now,
		jobs:     make(map[string]*job),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.errorCap < 1 {
		r.errorCap = DefaultErrorCap
	}
	return r
}

// Start lists the pending records of month (YYYY-MM, empty for all) and
// processes them in the background. The batch outlives ctx's cancellation.
func (r *BatchRunner) Start(ctx context.Context, month string) (string, error) {
	j, records, err := r.begin(ctx, month)
	if err != nil {
		return "", err
	}
	id := j.report.ID
	go r.run(context.WithoutCancel(ctx), j, records)
	return id, nil
}

// Run processes a batch in the foreground and returns its final report.
func (r *BatchRunner) Run(ctx context.Context, month string) (BatchReport, error) {
	j, records, err := r.begin(ctx, month)
	if err != nil {
		return BatchReport{}, err
	}
	r.run(ctx, j, records)
	return j.snapshot(), nil
}

func (r *BatchRunner) begin(ctx context.Context, month string) (*job, []*invoice.Record, error) {
	const op = "start_batch"
	if month != "" {
		if _, err := time.Parse("2006-01", month); err != nil {
			return nil, nil, fmt.Errorf("%w: %q", ErrInvalidMonth, month)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running != "" {
		return nil, nil, apperr.New(apperr.Conflict, op, fmt.Errorf("batch %s is still running", r.running))
	}

	records, err := r.store.ListUnsynced(ctx, month)
	if err != nil {
		return nil, nil, err
	}

	r.prune()
	j := &job{
		report: BatchReport{
			ID:        uuid.NewString(),
			Month:     month,
			State:     BatchRunning,
			Total:     len(records),
			StartedAt: r.now().UTC(),
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	r.jobs[j.report.ID] = j
	r.running = j.report.ID
	return j, records, nil
}

func (r *BatchRunner) run(ctx context.Context, j *job, records []*invoice.Record) {
	defer close(j.done)
	defer r.finish(j)

	logger := r.logger.With(slog.String("batch_id", j.report.ID), slog.String("month", j.report.Month))
	logger.Info("batch started", slog.Int("total", len(records)))

	for i, rec := range records {
		if j.stopped() || (i > 0 && r.pause(ctx, j) != nil) {
			j.mu.Lock()
			j.report.Skipped += len(records) - i
			j.report.State = BatchStopped
			j.mu.Unlock()
			logger.Info("batch stopped", slog.Int("remaining", len(records)-i))
			return
		}

		res := r.syncer.SyncRecord(ctx, rec)
		r.record(j, rec, res)
	}
}

// pause holds off the next item for the full delay, counted from the end of
// the previous one, or until the batch is stopped. An item already in flight
// is never interrupted by Stop.
func (r *BatchRunner) pause(ctx context.Context, j *job) error {
	// A fresh bucket drained now admits exactly one item after r.delay.
	limiter := rate.NewLimiter(rate.Every(r.delay), 1)
	limiter.Allow()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-j.stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	return limiter.Wait(waitCtx)
}

func (r *BatchRunner) record(j *job, rec *invoice.Record, res Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case res.Success:
		j.report.Succeeded++
		return
	case errors.Is(res.Err, apperr.ErrAlreadySynced):
		j.report.Skipped++
	default:
		j.report.Failed++
	}
	if len(j.report.Errors) >= r.errorCap {
		j.dropped++
		return
	}
	j.report.Errors = append(j.report.Errors,
		fmt.Sprintf("invoice %d (%s): %v", rec.SequenceID, rec.CustomerName, res.Err))
}

func (r *BatchRunner) finish(j *job) {
	finished := r.now().UTC()
	j.mu.Lock()
	if j.report.State == BatchRunning {
		j.report.State = BatchCompleted
	}
	j.report.FinishedAt = &finished
	report := j.report
	j.mu.Unlock()

	r.mu.Lock()
	if r.running == report.ID {
		r.running = ""
	}
	r.mu.Unlock()

	r.logger.Info("batch finished",
		slog.String("batch_id", report.ID),
		slog.String("state", string(report.State)),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped))
}

// prune forgets finished batches past retention. Callers hold r.mu.
func (r *BatchRunner) prune() {
	cutoff := r.now().Add(-defaultBatchRetention)
	for id, j := range r.jobs {
		rep := j.snapshot()
		if rep.FinishedAt != nil && rep.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
		}
	}
}

func (r *BatchRunner) lookup(id string) (*job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "batch", fmt.Errorf("batch %s not found", id))
	}
	return j, nil
}

// Get returns the current report of a batch.
func (r *BatchRunner) Get(id string) (BatchReport, error) {
	j, err := r.lookup(id)
	if err != nil {
		return BatchReport{}, err
	}
	return j.snapshot(), nil
}

// Stop asks a batch to stop after the item it is working on.
func (r *BatchRunner) Stop(id string) (BatchReport, error) {
	j, err := r.lookup(id)
	if err != nil {
		return BatchReport{}, err
	}
	j.stopOnce.Do(func() { close(j.stop) })
	return j.snapshot(), nil
}

// Wait blocks until the batch has finished or ctx is done.
func (r *BatchRunner) Wait(ctx context.Context, id string) (BatchReport, error) {
	j, err := r.lookup(id)
	if err != nil {
		return BatchReport{}, err
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ctx.Err()
	}
}
