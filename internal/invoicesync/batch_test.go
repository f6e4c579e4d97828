package invoicesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
	"github.com/eGGnogSC/invoicesync/internal/invoice"
)

// scriptedSyncer fails the sequence ids in fail and can block on each item.
type scriptedSyncer struct {
	mu      sync.Mutex
	fail    map[int64]error
	seen    []int64
	started chan int64
	release chan struct{}
}

func (s *scriptedSyncer) SyncRecord(ctx context.Context, rec *invoice.Record) Result {
	s.mu.Lock()
	s.seen = append(s.seen, rec.SequenceID)
	s.mu.Unlock()
	if s.started != nil {
		s.started <- rec.SequenceID
	}
	if s.release != nil {
		<-s.release
	}
	if err := s.fail[rec.SequenceID]; err != nil {
		return Result{Err: err}
	}
	return Result{Success: true}
}

func (s *scriptedSyncer) calls() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.seen...)
}

func seedRecords(t *testing.T, e *testEnv, month string, n int) {
	for i := 0; i < n; i++ {
		rec := &invoice.Record{CustomerName: fmt.Sprintf("Customer %d", i), InvoiceDate: fmt.Sprintf("%s-%02d", month, i+1)}
		require.NoError(t, e.store.Create(context.Background(), rec))
	}
}

func TestBatchRunCountsAndContinuesPastFailures(t *testing.T) {
	e := newTestEnv(t)
	seedRecords(t, e, "2024-03", 4)
	seedRecords(t, e, "2024-04", 1)
	syncer := &scriptedSyncer{fail: map[int64]error{
		2: apperr.New(apperr.RemoteUnavailable, "upload_invoice", errors.New("boom")),
		3: apperr.ErrAlreadySynced,
	}}
	runner := NewBatchRunner(syncer, e.store, WithDelay(time.Millisecond))

	report, err := runner.Run(context.Background(), "2024-03")
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, report.State)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, report.Errors, 2)
	assert.Equal(t, []int64{1, 2, 3, 4}, syncer.calls())
	assert.NotNil(t, report.FinishedAt)
}

func TestBatchErrorsAreCapped(t *testing.T) {
	e := newTestEnv(t)
	seedRecords(t, e, "2024-03", 5)
	fail := make(map[int64]error)
	for i := int64(1); i <= 5; i++ {
		fail[i] = errors.New("nope")
	}
	runner := NewBatchRunner(&scriptedSyncer{fail: fail}, e.store, WithDelay(time.Millisecond), WithErrorCap(2))

	report, err := runner.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 5, report.Failed)
	require.Len(t, report.Errors, 3)
	assert.Equal(t, "and 3 more", report.Errors[2])
}

func TestBatchPacesItems(t *testing.T) {
	e := newTestEnv(t)
	seedRecords(t, e, "2024-03", 3)
	runner := NewBatchRunner(&scriptedSyncer{}, e.store, WithDelay(40*time.Millisecond))

	start := time.Now()
	report, err := runner.Run(context.Background(), "2024-03")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

// slowSyncer takes work per item and records when each item ran.
type slowSyncer struct {
	work   time.Duration
	mu     sync.Mutex
	starts []time.Time
	ends   []time.Time
}

func (s *slowSyncer) SyncRecord(ctx context.Context, rec *invoice.Record) Result {
	start := time.Now()
	time.Sleep(s.work)
	s.mu.Lock()
	s.starts = append(s.starts, start)
	s.ends = append(s.ends, time.Now())
	s.mu.Unlock()
	return Result{Success: true}
}

func TestBatchDelayCountsFromEndOfItem(t *testing.T) {
	e := newTestEnv(t)
	seedRecords(t, e, "2024-03", 3)
	syncer := &slowSyncer{work: 60 * time.Millisecond}
	runner := NewBatchRunner(syncer, e.store, WithDelay(50*time.Millisecond))

	report, err := runner.Run(context.Background(), "2024-03")
	require.NoError(t, err)
	require.Equal(t, 3, report.Succeeded)

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	for i := 1; i < 3; i++ {
		gap := syncer.starts[i].Sub(syncer.ends[i-1])
		assert.GreaterOrEqual(t, gap, 40*time.Millisecond, "gap before item %d", i+1)
	}
}

func TestBatchStopDuringPause(t *testing.T) {
	e := newTestEnv(t)
	seedRecords(t, e, "2024-03", 3)
	syncer := &scriptedSyncer{started: make(chan int64, 3)}
	runner := NewBatchRunner(syncer, e.store, WithDelay(time.Hour))

	id, err := runner.Start(context.Background(), "2024-03")
	require.NoError(t, err)
	<-syncer.started
	_, err = runner.Stop(id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := runner.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, BatchStopped, report.State)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Skipped)
}

func TestBatchStopFinishesCurrentItem(t *testing.T) {
	e := newTestEnv(t)
	seedRecords(t, e, "2024-03", 3)
	syncer := &scriptedSyncer{started: make(chan int64), release: make(chan struct{})}
	runner := NewBatchRunner(syncer, e.store, WithDelay(time.Millisecond))

	id, err := runner.Start(context.Background(), "2024-03")
	require.NoError(t, err)
	assert.Equal(t, int64(1), <-syncer.started)

	_, err = runner.Stop(id)
	require.NoError(t, err)
	close(syncer.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := runner.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, BatchStopped, report.State)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, []int64{1}, syncer.calls())
}

func TestBatchRejectsConcurrentStart(t *testing.T) {
	e := newTestEnv(t)
	seedRecords(t, e, "2024-03", 1)
	syncer := &scriptedSyncer{started: make(chan int64), release: make(chan struct{})}
	runner := NewBatchRunner(syncer, e.store, WithDelay(time.Millisecond))

	id, err := runner.Start(context.Background(), "2024-03")
	require.NoError(t, err)
	<-syncer.started

	_, err = runner.Start(context.Background(), "2024-03")
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	close(syncer.release)
	_, err = runner.Wait(context.Background(), id)
	require.NoError(t, err)
	_, err = runner.Start(context.Background(), "2024-04")
	assert.NoError(t, err)
}

func TestBatchValidation(t *testing.T) {
	e := newTestEnv(t)
	runner := NewBatchRunner(&scriptedSyncer{}, e.store)

	_, err := runner.Start(context.Background(), "March")
	assert.ErrorIs(t, err, ErrInvalidMonth)

	_, err = runner.Get("missing")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	_, err = runner.Stop("missing")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestBatchWithService(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	runner := NewBatchRunner(e.service, e.store, WithDelay(time.Millisecond))

	report, err := runner.Run(ctx, "2024-03")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	stored, err := e.store.GetInvoice(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.SyncStatus.ExcelSynced)

	again, err := runner.Run(ctx, "2024-03")
	require.NoError(t, err)
	assert.Zero(t, again.Total)
}
