package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
)

// Side-effect task names, as they appear in logs, metrics, and reports.
const (
	TaskReceipt        = "receipt"
	TaskLienWaiver     = "lien_waiver"
	TaskAccountingSync = "accounting_sync"
	TaskAudit          = "audit"
	TaskEvent          = "event"
)

// DefaultSideEffectTimeout bounds one background fan-out.
const DefaultSideEffectTimeout = 30 * time.Second

// TaskResult is the outcome of one side-effect task.
type TaskResult struct {
	Task     string
	OK       bool
	Err      error
	Duration time.Duration
}

// Report collects the outcome of every task run for one payment.
type Report struct {
	PaymentID uuid.UUID
	OrgID     uuid.UUID
	Results   []TaskResult
}

// Failed returns the tasks that did not succeed.
func (r Report) Failed() []TaskResult {
	var out []TaskResult
	for _, res := range r.Results {
		if !res.OK {
			out = append(out, res)
		}
	}
	return out
}

// Result returns the result for task, if it ran.
func (r Report) Result(task string) (TaskResult, bool) {
	for _, res := range r.Results {
		if res.Task == task {
			return res, true
		}
	}
	return TaskResult{}, false
}

// SideEffectDeps are the collaborators a fan-out talks to.
// A nil collaborator skips its task.
type SideEffectDeps struct {
	Invoices   domain.InvoiceLedger
	Receipts   domain.ReceiptStore
	Waivers    domain.WaiverGenerator
	Accounting domain.AccountingQueue
	Audit      domain.AuditLog
	Events     domain.EventPublisher
}

// SideEffects runs the best-effort work that follows a recorded payment.
// No task can fail the payment: errors and panics end up in the Report,
// the log, metrics, and Sentry.
type SideEffects struct {
	deps     SideEffectDeps
	logger   zerolog.Logger
	metrics  *telemetry.BusinessMetrics
	timeout  time.Duration
	now      func() time.Time
	onReport func(Report)

	mu      sync.Mutex
	closed  bool
	running conc.WaitGroup
}

// SideEffectOption configures SideEffects.
type SideEffectOption func(*SideEffects)

// WithSideEffectMetrics records per-task metrics.
func WithSideEffectMetrics(m *telemetry.BusinessMetrics) SideEffectOption {
	return func(s *SideEffects) {
		s.metrics = m
	}
}

// WithSideEffectTimeout bounds each background fan-out.
func WithSideEffectTimeout(d time.Duration) SideEffectOption {
	return func(s *SideEffects) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSideEffectClock overrides the time source for receipts and audit entries.
func WithSideEffectClock(now func() time.Time) SideEffectOption {
	return func(s *SideEffects) {
		s.now = now
	}
}

// WithReportHook is called with every report produced by Dispatch.
func WithReportHook(fn func(Report)) SideEffectOption {
	return func(s *SideEffects) {
		s.onReport = fn
	}
}

// NewSideEffects creates the side-effect orchestrator.
func NewSideEffects(deps SideEffectDeps, logger zerolog.Logger, opts ...SideEffectOption) *SideEffects {
	s := &SideEffects{
		deps:    deps,
		logger:  logger.With().Str("component", "side_effects").Logger(),
		timeout: DefaultSideEffectTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch runs the fan-out in the background. The request context's values
// (actor, request id) are kept but its cancellation is not, so a payer
// closing the tab does not cut side effects short. After Shutdown, Dispatch
// runs the fan-out inline instead of dropping it.
func (s *SideEffects) Dispatch(ctx context.Context, p *domain.Payment) {
	payment := *p
	detached := context.WithoutCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.runDetached(detached, &payment)
		return
	}
	s.metrics.SideEffectStarted()
	s.running.Go(func() {
		defer s.metrics.SideEffectFinished()
		s.runDetached(detached, &payment)
	})
	s.mu.Unlock()
}

func (s *SideEffects) runDetached(ctx context.Context, p *domain.Payment) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report := s.Run(ctx, p)
	if s.onReport != nil {
		s.onReport(report)
	}
}

// Wait blocks until every dispatched fan-out has finished.
func (s *SideEffects) Wait() {
	s.running.Wait()
}

// Shutdown stops background dispatch and waits for in-flight fan-outs, or
// for ctx to end, whichever comes first.
func (s *SideEffects) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("side effects: shutdown: %w", ctx.Err())
	}
}

type sideEffectTask struct {
	name string
	run  func(ctx context.Context) error
}

// Run executes every configured task concurrently and waits for all of them.
func (s *SideEffects) Run(ctx context.Context, p *domain.Payment) Report {
	tasks := s.tasks(p)
	report := Report{
		PaymentID: p.ID,
		OrgID:     p.OrgID,
		Results:   make([]TaskResult, len(tasks)),
	}

	var wg conc.WaitGroup
	for i, task := range tasks {
		i, task := i, task
		wg.Go(func() {
			report.Results[i] = s.runTask(ctx, task)
		})
	}
	wg.Wait()

	for _, res := range report.Results {
		s.metrics.RecordSideEffect(p.OrgID.String(), res.Task, res.OK, res.Duration)
		if res.OK {
			continue
		}
		s.logger.Error().Err(res.Err).
			Str("task", res.Task).
			Str("payment_id", p.ID.String()).
			Str("org_id", p.OrgID.String()).
			Str("invoice_id", p.InvoiceID.String()).
			Str("request_id", domain.RequestIDFromContext(ctx)).
			Dur("duration", res.Duration).
			Msg("side effect failed")
		telemetry.CaptureErrorWithOrg(res.Err, p.OrgID.String(), map[string]interface{}{
			"task":       res.Task,
			"payment_id": p.ID.String(),
			"invoice_id": p.InvoiceID.String(),
		})
	}

	s.logger.Debug().
		Str("payment_id", p.ID.String()).
		Int("tasks", len(report.Results)).
		Int("failed", len(report.Failed())).
		Msg("side effects finished")
	return report
}

// runTask runs one task, turning a panic into a failed result.
func (s *SideEffects) runTask(ctx context.Context, task sideEffectTask) (res TaskResult) {
	start := time.Now()
	res.Task = task.name

	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Err = fmt.Errorf("panic in %s: %v\n%s", task.name, r, debug.Stack())
		}
		res.Duration = time.Since(start)
	}()

	if err := task.run(ctx); err != nil {
		res.Err = err
		return res
	}
	res.OK = true
	return res
}

func (s *SideEffects) tasks(p *domain.Payment) []sideEffectTask {
	var tasks []sideEffectTask

	if s.deps.Receipts != nil {
		tasks = append(tasks, sideEffectTask{TaskReceipt, func(ctx context.Context) error {
			return s.issueReceipt(ctx, p)
		}})
	}
	if s.deps.Waivers != nil {
		tasks = append(tasks, sideEffectTask{TaskLienWaiver, func(ctx context.Context) error {
			return s.deps.Waivers.GenerateConditionalWaiver(ctx, p.ID, p.OrgID)
		}})
	}
	if s.deps.Accounting != nil {
		tasks = append(tasks, sideEffectTask{TaskAccountingSync, func(ctx context.Context) error {
			return s.deps.Accounting.EnqueuePaymentSync(ctx, p.ID, p.OrgID)
		}})
	}
	if s.deps.Audit != nil {
		tasks = append(tasks, sideEffectTask{TaskAudit, func(ctx context.Context) error {
			return s.deps.Audit.Append(ctx, domain.AuditEntry{
				OrgID:    p.OrgID,
				ActorID:  domain.ActorIDFromContext(ctx),
				Entity:   "payment",
				EntityID: p.ID,
				Action:   "payment.recorded",
				Data: map[string]any{
					"invoice_id":          p.InvoiceID.String(),
					"amount_cents":        p.AmountCents,
					"fee_cents":           p.FeeCents,
					"currency":            p.Currency,
					"status":              string(p.Status),
					"provider":            p.Provider,
					"provider_payment_id": p.ProviderPaymentID,
				},
				CreatedAt: s.now().UTC(),
			})
		}})
	}
	if s.deps.Events != nil {
		tasks = append(tasks, sideEffectTask{TaskEvent, func(ctx context.Context) error {
			return s.deps.Events.PublishPaymentRecorded(ctx, domain.PaymentRecordedEvent{
				OrgID:       p.OrgID,
				InvoiceID:   p.InvoiceID,
				PaymentID:   p.ID,
				AmountCents: p.AmountCents,
				Status:      p.Status,
				OccurredAt:  s.now().UTC(),
			})
		}})
	}
	return tasks
}

func (s *SideEffects) issueReceipt(ctx context.Context, p *domain.Payment) error {
	if s.deps.Invoices == nil {
		return errors.New("receipt: no invoice ledger configured")
	}
	inv, err := s.deps.Invoices.GetInvoiceTotals(ctx, p.OrgID, p.InvoiceID)
	if err != nil {
		return fmt.Errorf("receipt: load invoice: %w", err)
	}

	_, err = s.deps.Receipts.UpsertReceipt(ctx, &domain.Receipt{
		ID:                uuid.New(),
		OrgID:             p.OrgID,
		PaymentID:         p.ID,
		InvoiceID:         p.InvoiceID,
		InvoiceNumber:     inv.Number,
		AmountCents:       p.AmountCents,
		DisplayAmount:     DisplayAmount(p.AmountCents, p.Currency),
		Currency:          p.Currency,
		IssuedTo:          issuedTo(inv),
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		IssuedAt:          s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("receipt: %w", err)
	}
	return nil
}

// DisplayAmount formats cents as "2,000.00 USD".
func DisplayAmount(cents int64, currency string) string {
	fixed := decimal.New(cents, -2).StringFixed(2)

	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + "." + frac + " " + strings.ToUpper(currency)
}

// issuedTo picks the payer name from invoice metadata.
func issuedTo(inv *domain.Invoice) string {
	for _, key := range []string{"bill_to_name", "client_name", "bill_to_email"} {
		if v, ok := inv.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
