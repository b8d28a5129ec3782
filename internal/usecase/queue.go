package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tgforward/internal/domain"
)

// TaskRunner executes one kind of background job. Runners must honor ctx
// cancellation at chunk/iteration boundaries and report progress through the
// supplied callback.
type TaskRunner interface {
	Kind() string
	Run(ctx context.Context, task *domain.Task, report ProgressFunc) error
}

// ProgressFunc reports task progress (0-100) and the current phase label.
type ProgressFunc func(progress float64, stage string)

// Queue is the bounded worker pool for long, independently-triggered jobs.
// It claims pending tasks oldest-first, caps concurrently running tasks at
// the settings limit, and persists every state transition so pollers observe
// progress without blocking.
type Queue struct {
	store    domain.TaskStore
	settings *SettingsHolder
	clock    domain.Clock
	log      *zap.Logger
	ns       string
	poll     time.Duration

	mu      sync.Mutex
	runners map[string]TaskRunner
	cancels map[int64]context.CancelFunc
	active  int
	wg      sync.WaitGroup
}

func NewQueue(store domain.TaskStore, settings *SettingsHolder, clock domain.Clock, namespace string, log *zap.Logger) *Queue {
	if namespace == "" {
		namespace = "default"
	}
	return &Queue{
		store:    store,
		settings: settings,
		clock:    clock,
		log:      log,
		ns:       namespace,
		poll:     time.Second,
		runners:  make(map[string]TaskRunner),
		cancels:  make(map[int64]context.CancelFunc),
	}
}

// Register adds a runner for a task kind.
func (q *Queue) Register(r TaskRunner) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runners[r.Kind()] = r
}

// Reconcile marks tasks orphaned by a previous process crash as failed.
// Called once at startup, before Run.
func (q *Queue) Reconcile(ctx context.Context) error {
	n, err := q.store.ReconcileOrphans(ctx, q.ns)
	if err != nil {
		return fmt.Errorf("reconcile orphaned tasks: %w", err)
	}
	if n > 0 {
		q.log.Warn("marked orphaned running tasks as failed", zap.Int64("count", n))
	}
	return nil
}

// Run drives the pool until ctx is cancelled, then waits for in-flight
// workers to reach their next cancellation checkpoint and finish.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		if err := q.dispatch(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			q.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// dispatch claims pending tasks while capacity allows.
func (q *Queue) dispatch(ctx context.Context) error {
	for {
		limit := q.settings.Get().Limit
		q.mu.Lock()
		free := q.active < limit
		q.mu.Unlock()
		if !free {
			return nil
		}

		task, err := q.store.ClaimPending(ctx, q.ns)
		if err != nil {
			return fmt.Errorf("claim pending task: %w", err)
		}
		if task == nil {
			return nil
		}
		q.start(ctx, task)
	}
}

func (q *Queue) start(ctx context.Context, task *domain.Task) {
	taskCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	q.cancels[task.ID] = cancel
	q.active++
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			cancel()
			q.mu.Lock()
			delete(q.cancels, task.ID)
			q.active--
			q.mu.Unlock()
		}()
		q.execute(taskCtx, task)
	}()
}

func (q *Queue) execute(ctx context.Context, task *domain.Task) {
	q.mu.Lock()
	runner, ok := q.runners[task.Kind]
	q.mu.Unlock()
	if !ok {
		q.finish(task.ID, domain.TaskFailed, fmt.Sprintf("no runner for kind %q", task.Kind))
		return
	}

	log := q.log.With(zap.Int64("task_id", task.ID), zap.String("kind", task.Kind))
	log.Info("task started")

	reporter := newProgressThrottle(q.store, task.ID, q.clock, log)
	err := runner.Run(ctx, task, reporter.report)
	reporter.flush()

	switch {
	case err == nil:
		_ = q.store.UpdateTaskProgress(context.Background(), task.ID, 100, "done")
		q.finish(task.ID, domain.TaskCompleted, "")
		log.Info("task completed")
	case errors.Is(err, context.Canceled):
		q.finish(task.ID, domain.TaskCancelled, "")
		log.Info("task cancelled")
	default:
		q.finish(task.ID, domain.TaskFailed, err.Error())
		log.Error("task failed", zap.Error(err))
	}
}

func (q *Queue) finish(id int64, status domain.TaskStatus, errMsg string) {
	// Terminal writes must land even when the pool context is gone.
	if err := q.store.FinishTask(context.Background(), id, status, errMsg); err != nil {
		q.log.Error("failed to record task status",
			zap.Int64("task_id", id), zap.String("status", string(status)), zap.Error(err))
	}
}

// Enqueue creates a new pending task.
func (q *Queue) Enqueue(ctx context.Context, kind, details string) (int64, error) {
	q.mu.Lock()
	_, known := q.runners[kind]
	q.mu.Unlock()
	if !known {
		return 0, fmt.Errorf("unknown task kind %q", kind)
	}
	return q.store.CreateTask(ctx, q.ns, kind, details)
}

// Cancel requests cooperative cancellation. A running task stops at its next
// checkpoint; a still-pending task is cancelled in place.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	q.mu.Lock()
	cancel, running := q.cancels[id]
	q.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	task, err := q.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %d not found", id)
	}
	if task.Status != domain.TaskPending {
		return fmt.Errorf("task %d is %s, cannot cancel", id, task.Status)
	}
	return q.store.FinishTask(ctx, id, domain.TaskCancelled, "")
}

// Retry clones a failed or cancelled task into a new pending task carrying
// the same details. History is never mutated.
func (q *Queue) Retry(ctx context.Context, id int64) (int64, error) {
	task, err := q.store.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}
	if task == nil {
		return 0, fmt.Errorf("task %d not found", id)
	}
	if task.Status != domain.TaskFailed && task.Status != domain.TaskCancelled {
		return 0, fmt.Errorf("task %d is %s, only failed or cancelled tasks are retryable", id, task.Status)
	}
	return q.store.CreateTask(ctx, q.ns, task.Kind, task.Details)
}

// Delete removes a task record. A running task is cancelled first.
func (q *Queue) Delete(ctx context.Context, id int64) error {
	q.mu.Lock()
	cancel, running := q.cancels[id]
	q.mu.Unlock()
	if running {
		cancel()
	}
	return q.store.DeleteTask(ctx, id)
}

// progressThrottle coalesces progress writes: a row update on a whole
// percentage-point move, a stage change, or after two seconds, whichever
// comes first. Keeps pollers fed without thrashing storage.
type progressThrottle struct {
	store domain.TaskStore
	id    int64
	clock domain.Clock
	log   *zap.Logger

	mu        sync.Mutex
	lastPct   int
	lastStage string
	lastWrite time.Time
	pending   bool
	progress  float64
	stage     string
}

func newProgressThrottle(store domain.TaskStore, id int64, clock domain.Clock, log *zap.Logger) *progressThrottle {
	return &progressThrottle{store: store, id: id, clock: clock, log: log, lastPct: -1}
}

func (p *progressThrottle) report(progress float64, stage string) {
	p.mu.Lock()
	p.progress = progress
	p.stage = stage
	p.pending = true
	now := p.clock.Now()
	due := int(progress) != p.lastPct ||
		stage != p.lastStage ||
		now.Sub(p.lastWrite) >= 2*time.Second
	if due {
		p.lastPct = int(progress)
		p.lastStage = stage
		p.lastWrite = now
		p.pending = false
	}
	p.mu.Unlock()

	if due {
		p.write(progress, stage)
	}
}

func (p *progressThrottle) flush() {
	p.mu.Lock()
	pending := p.pending
	progress, stage := p.progress, p.stage
	p.pending = false
	p.mu.Unlock()
	if pending {
		p.write(progress, stage)
	}
}

func (p *progressThrottle) write(progress float64, stage string) {
	if err := p.store.UpdateTaskProgress(context.Background(), p.id, progress, stage); err != nil {
		p.log.Warn("failed to persist task progress", zap.Error(err))
	}
}
