package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"aigateway/internal/model"
	"aigateway/internal/repository"

	log "github.com/sirupsen/logrus"
)

// ReconcilerOptions 对账 worker 参数
type ReconcilerOptions struct {
	Delay       time.Duration
	Interval    time.Duration
	Lease       time.Duration
	MaxAttempts int
	BatchSize   int
}

// Reconciler 持久化的延迟对账队列：至少一次投递，由账本保证幂等
type Reconciler struct {
	jobs     *repository.ReconcileJobRepository
	ledger   *Ledger
	reporter UsageReporter
	opts     ReconcilerOptions
	now      func() time.Time

	wakeChan chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler 创建对账器
func NewReconciler(db *sql.DB, ledger *Ledger, reporter UsageReporter, opts ReconcilerOptions) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	return &Reconciler{
		jobs:     repository.NewReconcileJobRepository(db),
		ledger:   ledger,
		reporter: reporter,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		wakeChan: make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Schedule 为预估事件排一次延迟对账；错误只记录，不影响已完成的响应
func (r *Reconciler) Schedule(ctx context.Context, event *model.UsageEvent, generationID string) {
	job := &model.ReconcileJob{
		EventID:              event.ID,
		UserID:               event.UserID,
		ProjectID:            event.ProjectID,
		RequestID:            event.RequestID,
		GenerationID:         generationID,
		Model:                event.Model,
		EstimateInputTokens:  event.InputTokens,
		EstimateOutputTokens: event.OutputTokens,
		RunAt:                r.now().Add(r.opts.Delay),
	}
	if err := r.jobs.Create(context.WithoutCancel(ctx), job); err != nil {
		log.Errorf("reconciler: failed to schedule event %s: %v", event.ID, err)
		return
	}
	log.Debugf("reconciler: scheduled event %s at %s", event.ID, job.RunAt.Format(time.RFC3339))
	if r.opts.Delay <= 0 {
		r.wake()
		return
	}
	time.AfterFunc(r.opts.Delay, r.wake)
}

// wake 在任务到期时唤醒 worker，不必等下一个 tick
func (r *Reconciler) wake() {
	select {
	case r.wakeChan <- struct{}{}:
	default:
	}
}

// Start 启动后台 goroutine
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
	log.Info("reconciler: started")
}

// Stop 优雅停止
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
	log.Info("reconciler: stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopChan
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
		case <-r.wakeChan:
		case <-r.stopChan:
			return
		}
		if _, err := r.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("reconciler: process due jobs: %v", err)
		}
	}
}

// ProcessDue 处理到期任务，返回处理数量
func (r *Reconciler) ProcessDue(ctx context.Context) (int, error) {
	now := r.now()
	jobs, err := r.jobs.ListDue(ctx, now, r.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("billing: list due jobs: %w", err)
	}

	processed := 0
	for _, job := range jobs {
		claimed, err := r.jobs.Claim(ctx, job, now.Add(r.opts.Lease))
		if err != nil {
			return processed, fmt.Errorf("billing: claim job %s: %w", job.ID, err)
		}
		if !claimed {
			continue
		}
		r.handle(ctx, job)
		processed++
	}
	return processed, nil
}

func (r *Reconciler) handle(ctx context.Context, job *model.ReconcileJob) {
	original, err := r.ledger.Event(ctx, job.EventID)
	if err != nil {
		r.retry(ctx, job, err)
		return
	}
	if original == nil {
		r.finish(ctx, job, model.ReconcileAbandoned, "original event missing")
		return
	}

	usage, err := r.reporter.Report(ctx, ReportQuery{
		ProjectID:    job.ProjectID,
		RequestID:    job.RequestID,
		GenerationID: job.GenerationID,
	})
	if err != nil {
		r.retry(ctx, job, err)
		return
	}

	outcome, _, err := r.ledger.Reconcile(ctx, original, *usage)
	if err != nil {
		r.retry(ctx, job, err)
		return
	}

	switch outcome {
	case OutcomeSkipped:
		r.finish(ctx, job, model.ReconcileSkipped, "")
	default:
		r.finish(ctx, job, model.ReconcileReconciled, "")
	}
}

func (r *Reconciler) retry(ctx context.Context, job *model.ReconcileJob, cause error) {
	if job.Attempts >= r.opts.MaxAttempts {
		// 放弃后余额保留预估扣费
		log.Warnf("reconciler: giving up on event %s after %d attempts: %v", job.EventID, job.Attempts, cause)
		r.finish(ctx, job, model.ReconcileAbandoned, cause.Error())
		return
	}
	if !errors.Is(cause, ErrReportUnavailable) {
		log.Warnf("reconciler: event %s attempt %d failed: %v", job.EventID, job.Attempts, cause)
	}
	next := r.now().Add(r.backoff(job.Attempts))
	if err := r.jobs.Reschedule(ctx, job.ID, next, cause.Error()); err != nil {
		log.Errorf("reconciler: reschedule %s: %v", job.ID, err)
	}
}

func (r *Reconciler) finish(ctx context.Context, job *model.ReconcileJob, state model.ReconcileState, lastErr string) {
	if err := r.jobs.Finish(ctx, job.ID, state, lastErr); err != nil {
		log.Errorf("reconciler: finish %s: %v", job.ID, err)
	}
}

func (r *Reconciler) backoff(attempt int) time.Duration {
	base := r.opts.Delay
	if base <= 0 {
		base = time.Second
	}
	d := base << min(attempt, 6)
	return min(d, 10*time.Minute)
}
