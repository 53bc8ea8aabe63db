package financing

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tradefin/tradefin/internal/dispatch"
	"github.com/tradefin/tradefin/internal/pricing"
	"github.com/tradefin/tradefin/internal/shared"
)

// VerificationGate answers whether a supplier passed KYB.
type VerificationGate interface {
	IsApproved(ctx context.Context, supplierID int64) (bool, error)
}

// Dispatcher runs committed events.
type Dispatcher interface {
	Dispatch(ctx context.Context, actor shared.ActorContext, events []dispatch.Event)
}

// Metrics receives financing counters.
type Metrics interface {
	ObserveOfferTransition(status string, n int)
	ObserveAllocation(count int, amount float64)
	ObserveAllocationConflict()
}

type nopMetrics struct{}

func (nopMetrics) ObserveOfferTransition(string, int) {}
func (nopMetrics) ObserveAllocation(int, float64)     {}
func (nopMetrics) ObserveAllocationConflict()         {}

// Config tunes the lifecycle.
type Config struct {
	OfferTTL              time.Duration
	VIPOfferTTL           time.Duration
	DefaultExtraPct       decimal.Decimal
	MaxAllocationAttempts int
	RetryBackoff          time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		OfferTTL:              48 * time.Hour,
		VIPOfferTTL:           72 * time.Hour,
		DefaultExtraPct:       decimal.Zero,
		MaxAllocationAttempts: 3,
		RetryBackoff:          50 * time.Millisecond,
	}
}

// Service coordinates the financing lifecycle.
type Service struct {
	repo       Repository
	gate       VerificationGate
	rules      pricing.RuleSource
	engine     *pricing.Engine
	dispatcher Dispatcher
	metrics    Metrics
	logger     *slog.Logger
	cfg        Config
	validate   *validator.Validate
	now        func() time.Time
}

// NewService wires the service. rules and dispatcher may be nil.
func NewService(repo Repository, gate VerificationGate, rules pricing.RuleSource, engine *pricing.Engine, dispatcher Dispatcher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = defaults.OfferTTL
	}
	if cfg.VIPOfferTTL <= 0 {
		cfg.VIPOfferTTL = defaults.VIPOfferTTL
	}
	if cfg.MaxAllocationAttempts <= 0 {
		cfg.MaxAllocationAttempts = defaults.MaxAllocationAttempts
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	return &Service{
		repo:       repo,
		gate:       gate,
		rules:      rules,
		engine:     engine,
		dispatcher: dispatcher,
		metrics:    nopMetrics{},
		logger:     logger.With(slog.String("component", "financing")),
		cfg:        cfg,
		validate:   newValidator(),
		now:        time.Now,
	}
}

// SetMetrics injects the metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SetClock overrides the time source. Intended for tests and replay tooling.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) dispatch(ctx context.Context, actor shared.ActorContext, events []dispatch.Event) {
	if s.dispatcher == nil || len(events) == 0 {
		return
	}
	s.dispatcher.Dispatch(ctx, actor, events)
}

func (s *Service) requireApproved(ctx context.Context, supplierID int64) error {
	if s.gate == nil {
		return nil
	}
	ok, err := s.gate.IsApproved(ctx, supplierID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSupplierNotApproved
	}
	return nil
}

// GetInvoice loads an invoice, including archived ones.
func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// GetOffer loads an offer.
func (s *Service) GetOffer(ctx context.Context, id int64) (Offer, error) {
	return s.repo.GetOffer(ctx, id)
}

// ListOffers lists every offer issued for an invoice, oldest first.
func (s *Service) ListOffers(ctx context.Context, invoiceID int64) ([]Offer, error) {
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListOffers(ctx, invoiceID)
}

// ListFundings lists fundings recorded against an invoice.
func (s *Service) ListFundings(ctx context.Context, invoiceID int64) ([]Funding, error) {
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListFundings(ctx, invoiceID)
}

// GetRepaymentSchedule returns the invoice's expected repayments by installment.
func (s *Service) GetRepaymentSchedule(ctx context.Context, invoiceID int64) ([]ExpectedRepayment, error) {
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListExpectedRepayments(ctx, invoiceID)
}

// GetReceivedRepayment loads a receipt.
func (s *Service) GetReceivedRepayment(ctx context.Context, id int64) (ReceivedRepayment, error) {
	return s.repo.GetReceivedRepayment(ctx, id)
}

// ListAllocations lists the allocations made from a receipt.
func (s *Service) ListAllocations(ctx context.Context, receivedID int64) ([]RepaymentAllocation, error) {
	return s.repo.ListAllocations(ctx, receivedID)
}
