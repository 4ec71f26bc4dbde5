package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/ledger"
	"github.com/tradeforge/levscan/internal/store"
	"github.com/tradeforge/levscan/internal/worker"
)

type fakeLedger struct {
	mu        sync.Mutex
	cancelled bool
	statuses  []ledger.ExecutionStatus
	progress  []float64
	errors    []ledger.StructuredError
}

func (f *fakeLedger) IsCancelled(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled, nil
}

func (f *fakeLedger) UpdateStatus(_ context.Context, _ string, status ledger.ExecutionStatus, pct *float64, _ *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	if pct != nil {
		f.progress = append(f.progress, *pct)
	}
	return nil
}

func (f *fakeLedger) AppendError(_ context.Context, _ string, serr ledger.StructuredError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, serr)
	return nil
}

type fakeTasks struct {
	mu      sync.Mutex
	counts  map[store.TaskStatus]int
	skipped []int64
	failed  map[int64]string
	forced  int64
}

func (f *fakeTasks) SkipTask(_ context.Context, id int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped = append(f.skipped, id)
	return nil
}

func (f *fakeTasks) FailTask(_ context.Context, id int64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[int64]string{}
	}
	f.failed[id] = msg
	return nil
}

func (f *fakeTasks) ForceFailRunning(_ context.Context, _, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
	return 1, nil
}

func (f *fakeTasks) CountByStatus(context.Context, string) (map[store.TaskStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts, nil
}

func poolConfig(maxWorkers int) *config.Config {
	cfg := &config.Config{}
	cfg.Analysis.MaxWorkers = maxWorkers
	cfg.Analysis.CancelGraceSecs = 1
	cfg.Analysis.WorkerBinary = "./bin/levscan-worker"
	return cfg
}

func testTasks(n int) []*store.Task {
	tasks := make([]*store.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, &store.Task{ID: int64(i + 1), ExecutionID: "exec-1", Status: store.TaskPending})
	}
	return tasks
}

func TestExecuteBoundsParallelism(t *testing.T) {
	lg := &fakeLedger{}
	ts := &fakeTasks{counts: map[store.TaskStatus]int{store.TaskCompleted: 8}}
	p := New(poolConfig(2), lg, ts, zerolog.Nop())

	var inFlight, peak int64
	p.launch = func(context.Context, LaunchSpec, <-chan struct{}) (int, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return ExitSuccess, nil
	}

	execution := &ledger.Execution{ID: "exec-1", Symbol: "BTC"}
	require.NoError(t, p.Execute(context.Background(), execution, testTasks(8), worker.ModeBacktest))
	assert.LessOrEqual(t, peak, int64(2))
}

func TestExecuteSuccessfulFinalize(t *testing.T) {
	lg := &fakeLedger{}
	ts := &fakeTasks{counts: map[store.TaskStatus]int{store.TaskCompleted: 2, store.TaskSkipped: 1}}
	p := New(poolConfig(4), lg, ts, zerolog.Nop())
	p.launch = func(context.Context, LaunchSpec, <-chan struct{}) (int, error) {
		return ExitSuccess, nil
	}

	execution := &ledger.Execution{ID: "exec-1", Symbol: "BTC"}
	require.NoError(t, p.Execute(context.Background(), execution, testTasks(3), worker.ModeBacktest))

	require.NotEmpty(t, lg.statuses)
	assert.Equal(t, ledger.StatusSuccess, lg.statuses[len(lg.statuses)-1])
	require.NotEmpty(t, lg.progress)
	assert.Equal(t, 100.0, lg.progress[len(lg.progress)-1])
}

func TestExecuteFailsWithoutAnyCompletedTask(t *testing.T) {
	lg := &fakeLedger{}
	ts := &fakeTasks{counts: map[store.TaskStatus]int{store.TaskFailed: 2}}
	p := New(poolConfig(4), lg, ts, zerolog.Nop())
	p.launch = func(context.Context, LaunchSpec, <-chan struct{}) (int, error) {
		return 3, nil
	}

	execution := &ledger.Execution{ID: "exec-1", Symbol: "BTC"}
	require.NoError(t, p.Execute(context.Background(), execution, testTasks(2), worker.ModeBacktest))

	assert.Equal(t, ledger.StatusFailed, lg.statuses[len(lg.statuses)-1])
	assert.Len(t, ts.failed, 2)
	assert.NotEmpty(t, lg.errors)
}

func TestExecuteCancellationForcesRunningTasks(t *testing.T) {
	lg := &fakeLedger{cancelled: true}
	ts := &fakeTasks{counts: map[store.TaskStatus]int{}}
	p := New(poolConfig(1), lg, ts, zerolog.Nop())

	p.launch = func(_ context.Context, _ LaunchSpec, cancelled <-chan struct{}) (int, error) {
		<-cancelled
		return ExitCancelled, nil
	}

	execution := &ledger.Execution{ID: "exec-1", Symbol: "BTC"}
	require.NoError(t, p.Execute(context.Background(), execution, testTasks(3), worker.ModeBacktest))

	assert.Equal(t, ledger.StatusCancelled, lg.statuses[len(lg.statuses)-1])
	assert.Equal(t, int64(1), ts.forced)
	// Tasks that never started are skipped, not failed.
	assert.NotEmpty(t, ts.skipped)
	assert.Empty(t, ts.failed)
}

func TestWorkerArgsCarryConfigFile(t *testing.T) {
	cfg := poolConfig(2)
	cfg.ConfigFile = "/etc/levscan/config.yaml"
	p := New(cfg, &fakeLedger{}, &fakeTasks{}, zerolog.Nop())

	spec := LaunchSpec{
		Execution:  &ledger.Execution{ID: "exec-1", Symbol: "SOL"},
		Task:       &store.Task{ID: 7},
		TotalTasks: 3,
	}
	args := p.workerArgs(spec)

	assert.Equal(t, []string{
		"--execution-id", "exec-1",
		"--task-id", "7",
		"--symbol", "SOL",
		"--total-tasks", "3",
		"--config", "/etc/levscan/config.yaml",
	}, args)

	// Running on defaults and environment only: no config flag to pass on.
	cfg.ConfigFile = ""
	assert.NotContains(t, p.workerArgs(spec), "--config")
}

func TestExecuteAbnormalExitFailsTask(t *testing.T) {
	lg := &fakeLedger{}
	ts := &fakeTasks{counts: map[store.TaskStatus]int{store.TaskCompleted: 1, store.TaskFailed: 1}}
	p := New(poolConfig(2), lg, ts, zerolog.Nop())

	var calls int64
	p.launch = func(_ context.Context, spec LaunchSpec, _ <-chan struct{}) (int, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return ExitSuccess, nil
		}
		return 3, nil
	}

	execution := &ledger.Execution{ID: "exec-1", Symbol: "BTC"}
	require.NoError(t, p.Execute(context.Background(), execution, testTasks(2), worker.ModeBacktest))

	assert.Len(t, ts.failed, 1)
	assert.Equal(t, ledger.StatusFailed, lg.statuses[len(lg.statuses)-1])
}
