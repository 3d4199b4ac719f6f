package billing

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"aigateway/internal/database"
	"aigateway/internal/model"
	"aigateway/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPricing = Pricing{PriceInCentsPerMTok: 150, PriceOutCentsPerMTok: 600, CentsPerCredit: 20, MinCreditsPerEvent: 1}

func newTestLedger(t *testing.T, pricing Pricing) (*Ledger, *sql.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := NewLedger(db, NewCalculator(pricing), LedgerOptions{
		Estimate:         Estimate{InputTokens: 500, OutputTokens: 2000},
		NoiseFloorTokens: 100,
		PlanCredits:      map[string]int64{"regular": 100, "pro": 1000},
	})
	return ledger, db
}

func TestChargeUsage(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, testPricing)
	_, err := ledger.CheckBalance(ctx, "u1", "regular")
	require.NoError(t, err)

	event, err := ledger.ChargeUsage(ctx, "u1", model.EventGenerateText, 1_000_000, 0, "m-a", model.UsageMeta{ChatID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(8), event.CreditsDeducted)
	assert.Equal(t, model.UsageStatusCharged, event.Status)

	event, err = ledger.ChargeUsage(ctx, "u1", model.EventGenerateText, 0, 0, "m-a", model.UsageMeta{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), event.CreditsDeducted)

	b, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(91), b.CreditsRemaining)
	assert.Equal(t, int64(9), b.CreditsUsed)
}

func TestChargeUsageInsufficientLeavesNoEvent(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, testPricing)
	_, err := ledger.EnsureBalance(ctx, "u1", "regular")
	require.NoError(t, err)

	// 1 亿输入 token = 15000 美分 = 750 积分，超过 100
	_, err = ledger.ChargeUsage(ctx, "u1", model.EventGenerateText, 100_000_000, 0, "m-a", model.UsageMeta{})
	require.ErrorIs(t, err, ErrInsufficientCredits)

	events, total, err := ledger.Events(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, total)

	b, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.CreditsRemaining)
}

func TestCheckBalance(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, testPricing)

	_, err := ledger.CheckBalance(ctx, "free", "unknown-tier")
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	b, err := ledger.CheckBalance(ctx, "pro-user", "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.CreditsRemaining)
}

func TestConcurrentChargesNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, testPricing)
	_, err := ledger.EnsureBalance(ctx, "u1", "regular")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 每次 8 积分
			_, err := ledger.ChargeUsage(ctx, "u1", model.EventGenerateText, 1_000_000, 0, "m", model.UsageMeta{})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientCredits) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 12, succeeded)
	b, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), b.CreditsRemaining)
	assert.Equal(t, b.CreditsTotal-b.CreditsUsed, b.CreditsRemaining)
}

func TestReconcileWithinNoiseFloorIsSkipped(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, testPricing)
	_, err := ledger.EnsureBalance(ctx, "u1", "regular")
	require.NoError(t, err)

	est, err := ledger.ChargeEstimate(ctx, "u1", model.EventStreamText, "m", model.UsageMeta{RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.UsageStatusEstimated, est.Status)
	assert.Equal(t, int64(2500), est.TotalTokens)

	outcome, adj, err := ledger.Reconcile(ctx, est, Usage{InputTokens: 500, OutputTokens: 2050})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Nil(t, adj)

	_, total, err := ledger.Events(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestReconcilePostsAdjustmentOnce(t *testing.T) {
	ctx := context.Background()
	// 输出单价放大，使 600 token 差值对应 1 积分
	ledger, _ := newTestLedger(t, Pricing{PriceInCentsPerMTok: 150, PriceOutCentsPerMTok: 60000, CentsPerCredit: 20, MinCreditsPerEvent: 1})
	_, err := ledger.EnsureBalance(ctx, "u1", "regular")
	require.NoError(t, err)

	est, err := ledger.ChargeEstimate(ctx, "u1", model.EventStreamText, "m", model.UsageMeta{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), est.CreditsDeducted)

	outcome, adj, err := ledger.Reconcile(ctx, est, Usage{InputTokens: 500, OutputTokens: 2600})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReconciled, outcome)
	require.NotNil(t, adj)
	assert.Equal(t, model.EventAdjustment, adj.EventType)
	assert.Equal(t, est.ID, adj.AdjustsEventID)
	assert.Equal(t, int64(600), adj.TotalTokens)
	assert.Equal(t, int64(600), adj.OutputTokens)
	assert.Zero(t, adj.InputTokens)
	assert.Equal(t, int64(1), adj.CreditsDelta)
	assert.Equal(t, int64(1), adj.CreditsDeducted)

	outcome, again, err := ledger.Reconcile(ctx, est, Usage{InputTokens: 500, OutputTokens: 2600})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyReconciled, outcome)
	assert.Equal(t, adj.ID, again.ID)

	b, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100-7-1), b.CreditsRemaining)
}

func TestReconcileDefaultPricingPersistsZeroCreditAdjustment(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, testPricing)
	_, err := ledger.EnsureBalance(ctx, "u1", "regular")
	require.NoError(t, err)

	est, err := ledger.ChargeEstimate(ctx, "u1", model.EventStreamText, "m", model.UsageMeta{})
	require.NoError(t, err)

	outcome, adj, err := ledger.Reconcile(ctx, est, Usage{InputTokens: 500, OutputTokens: 2600})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReconciled, outcome)
	require.NotNil(t, adj)
	assert.Zero(t, adj.CreditsDelta)
	assert.Zero(t, adj.CreditsDeducted)
}

func TestReconcileNegativeDeltaNeverRefunds(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, Pricing{PriceInCentsPerMTok: 150, PriceOutCentsPerMTok: 60000, CentsPerCredit: 20, MinCreditsPerEvent: 1})
	_, err := ledger.EnsureBalance(ctx, "u1", "regular")
	require.NoError(t, err)

	est, err := ledger.ChargeEstimate(ctx, "u1", model.EventStreamText, "m", model.UsageMeta{})
	require.NoError(t, err)

	_, adj, err := ledger.Reconcile(ctx, est, Usage{InputTokens: 100, OutputTokens: 200})
	require.NoError(t, err)
	require.NotNil(t, adj)
	assert.Negative(t, adj.CreditsDelta)
	assert.Zero(t, adj.CreditsDeducted)

	b, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100-7), b.CreditsRemaining)
}

type stubReporter struct {
	mu    sync.Mutex
	usage *Usage
	err   error
	calls int
}

func (s *stubReporter) Report(_ context.Context, _ ReportQuery) (*Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.usage, s.err
}

func TestReconcilerProcessDue(t *testing.T) {
	ctx := context.Background()
	ledger, db := newTestLedger(t, Pricing{PriceInCentsPerMTok: 150, PriceOutCentsPerMTok: 60000, CentsPerCredit: 20, MinCreditsPerEvent: 1})
	_, err := ledger.EnsureBalance(ctx, "u1", "regular")
	require.NoError(t, err)

	reporter := &stubReporter{err: ErrReportUnavailable}
	r := NewReconciler(db, ledger, reporter, ReconcilerOptions{Delay: time.Second, MaxAttempts: 2})
	clock := time.Now().UTC()
	r.now = func() time.Time { return clock }

	est, err := ledger.ChargeEstimate(ctx, "u1", model.EventStreamText, "m", model.UsageMeta{RequestID: "req-1"})
	require.NoError(t, err)
	r.Schedule(ctx, est, "gen-1")

	// 延迟未到，不处理
	n, err := r.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock = clock.Add(2 * time.Second)
	n, err = r.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs := repository.NewReconcileJobRepository(db)
	job, err := jobs.GetByEventID(ctx, est.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconcilePending, job.State)
	assert.Equal(t, "gen-1", job.GenerationID)

	reporter.mu.Lock()
	reporter.usage, reporter.err = &Usage{InputTokens: 500, OutputTokens: 2600}, nil
	reporter.mu.Unlock()

	clock = clock.Add(time.Hour)
	n, err = r.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = jobs.GetByEventID(ctx, est.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconcileReconciled, job.State)

	adj, err := repository.NewUsageEventRepository(db).GetAdjustmentFor(ctx, est.ID)
	require.NoError(t, err)
	require.NotNil(t, adj)
	assert.Equal(t, int64(1), adj.CreditsDelta)
}

func TestScheduleWakesWorker(t *testing.T) {
	ctx := context.Background()
	ledger, db := newTestLedger(t, testPricing)
	_, err := ledger.EnsureBalance(ctx, "u1", "regular")
	require.NoError(t, err)

	reporter := &stubReporter{usage: &Usage{InputTokens: 500, OutputTokens: 2000}}
	r := NewReconciler(db, ledger, reporter, ReconcilerOptions{Interval: time.Hour})
	r.Start()
	defer r.Stop()

	est, err := ledger.ChargeEstimate(ctx, "u1", model.EventStreamText, "m", model.UsageMeta{RequestID: "req-1"})
	require.NoError(t, err)
	r.Schedule(ctx, est, "gen-1")

	jobs := repository.NewReconcileJobRepository(db)
	assert.Eventually(t, func() bool {
		job, err := jobs.GetByEventID(ctx, est.ID)
		return err == nil && job != nil && job.State == model.ReconcileSkipped
	}, 5*time.Second, 10*time.Millisecond, "job runs without waiting for the hourly tick")
}

func TestReconcilerAbandonsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	ledger, db := newTestLedger(t, testPricing)
	_, err := ledger.EnsureBalance(ctx, "u1", "regular")
	require.NoError(t, err)

	r := NewReconciler(db, ledger, &stubReporter{err: ErrReportUnavailable}, ReconcilerOptions{Delay: time.Second, MaxAttempts: 2})
	clock := time.Now().UTC()
	r.now = func() time.Time { return clock }

	est, err := ledger.ChargeEstimate(ctx, "u1", model.EventStreamText, "m", model.UsageMeta{})
	require.NoError(t, err)
	r.Schedule(ctx, est, "")

	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Hour)
		_, err := r.ProcessDue(ctx)
		require.NoError(t, err)
	}

	job, err := repository.NewReconcileJobRepository(db).GetByEventID(ctx, est.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconcileAbandoned, job.State)

	b, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(99), b.CreditsRemaining)
}

func TestHTTPReporter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generation", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if r.URL.Query().Get("id") != "gen-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"gen-1","tokens_prompt":512,"tokens_completion":2048}}`))
	}))
	defer srv.Close()

	reporter := NewHTTPReporter(srv.Client(), func(_ context.Context, _ string) (string, string, error) {
		return srv.URL + "/v1/", "sk-test", nil
	})

	usage, err := reporter.Report(context.Background(), ReportQuery{GenerationID: "gen-1"})
	require.NoError(t, err)
	assert.Equal(t, Usage{InputTokens: 512, OutputTokens: 2048}, *usage)

	_, err = reporter.Report(context.Background(), ReportQuery{GenerationID: "gen-404"})
	assert.ErrorIs(t, err, ErrReportUnavailable)

	_, err = reporter.Report(context.Background(), ReportQuery{})
	assert.ErrorIs(t, err, ErrReportUnavailable)
}

func TestChainReporterPrefersCapture(t *testing.T) {
	capture := NewUsageCapture(time.Minute)
	fallback := &stubReporter{usage: &Usage{InputTokens: 1, OutputTokens: 1}}
	chain := NewChainReporter(capture, fallback)

	capture.RecordGeneration("req-1", "gen-1")
	u, err := chain.Report(context.Background(), ReportQuery{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.Total())
	assert.Equal(t, 1, fallback.calls)

	capture.RecordUsage("req-1", 10, 20)
	u, err = chain.Report(context.Background(), ReportQuery{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(30), u.Total())
	assert.Equal(t, 1, fallback.calls)
	assert.Equal(t, "gen-1", capture.GenerationID("req-1"))
}

func TestPeriodResetterRollsOver(t *testing.T) {
	ctx := context.Background()
	ledger, db := newTestLedger(t, testPricing)
	ledger.now = func() time.Time { return time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC) }
	_, err := ledger.EnsureBalance(ctx, "u1", "regular")
	require.NoError(t, err)
	_, err = ledger.ChargeUsage(ctx, "u1", model.EventGenerateText, 1_000_000, 0, "m", model.UsageMeta{})
	require.NoError(t, err)

	resetter := NewPeriodResetter(db, map[string]int64{"regular": 100}, 50)

	n, err := resetter.RunOnce(ctx, time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = resetter.RunOnce(ctx, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), b.RolloverCredits)
	assert.Equal(t, int64(150), b.CreditsTotal)
	assert.Equal(t, int64(150), b.CreditsRemaining)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), b.PeriodEnd)
}
