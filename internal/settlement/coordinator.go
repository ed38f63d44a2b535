package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/sheikh-saqib/fablab-ledger/internal/allocation"
	"github.com/sheikh-saqib/fablab-ledger/internal/config"
	interfaces "github.com/sheikh-saqib/fablab-ledger/internal/interfaces"
	"github.com/sheikh-saqib/fablab-ledger/internal/ledger"
	"github.com/sheikh-saqib/fablab-ledger/internal/metrics"
	"github.com/sheikh-saqib/fablab-ledger/internal/models"
	"github.com/sheikh-saqib/fablab-ledger/internal/models/events"
	"github.com/sheikh-saqib/fablab-ledger/internal/money"
)

// SettingsProvider supplies the ledger settings. It is read once per call.
type SettingsProvider interface {
	Settings() config.LedgerSettings
}

// AllocatorFactory builds the allocator for one settlement run.
type AllocatorFactory func(settings config.LedgerSettings) allocation.Allocator

// RecordOptions tunes RecordPayment.
type RecordOptions struct {
	// RemainderAsDonation books the part of a payment that exceeds the
	// dues as a donation instead of rejecting the payment.
	RemainderAsDonation bool
}

// Coordinator records positions and payments on fablogs and settles them.
// Calls for the same fablog are serialized; calls for different fablogs
// only meet at the per-account snapshot append.
type Coordinator struct {
	store     interfaces.LedgerStore
	ledger    *ledger.Ledger
	settings  SettingsProvider
	publisher interfaces.EventPublisher
	metrics   *metrics.Collector
	logger    logrus.FieldLogger
	now       func() time.Time
	allocator AllocatorFactory
	locks     *keyedMutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithPublisher(p interfaces.EventPublisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithAllocator(f AllocatorFactory) Option {
	return func(c *Coordinator) { c.allocator = f }
}

// NewCoordinator wires a coordinator. Without options it logs to the
// standard logger and publishes nothing.
func NewCoordinator(store interfaces.LedgerStore, l *ledger.Ledger, settings SettingsProvider, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		ledger:    l,
		settings:  settings,
		publisher: interfaces.NopPublisher{},
		logger:    logrus.StandardLogger(),
		now:       time.Now,
		allocator: func(s config.LedgerSettings) allocation.Allocator {
			return allocation.Greedy{DefaultJournal: s.DefaultJournal}
		},
		locks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenFablog creates a fablog with the positions it already carries.
func (c *Coordinator) OpenFablog(ctx context.Context, f models.Fablog, actor string) (*models.Fablog, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = c.now()
	}
	f.CreatedBy = actor
	f.ClosedAt, f.ClosedBy = nil, ""
	f.Payments, f.Bookings = nil, nil

	if err := validatePositions(f.Positions); err != nil {
		return nil, err
	}
	if err := c.store.CreateFablog(ctx, f); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"fablog_id": f.ID,
		"member_id": f.Member.ID,
	}).Debug("fablog opened")
	return c.store.GetFablog(ctx, f.ID)
}

// Fablog loads a fablog with its positions, payments and bookings.
func (c *Coordinator) Fablog(ctx context.Context, id string) (*models.Fablog, error) {
	return c.store.GetFablog(ctx, id)
}

// Memberships returns the membership history of a member.
func (c *Coordinator) Memberships(ctx context.Context, memberID string) ([]models.Membership, error) {
	return c.store.ListMemberships(ctx, memberID)
}

// AddPosition validates p and attaches it to an open fablog.
func (c *Coordinator) AddPosition(ctx context.Context, fablogID string, p models.Position) error {
	if err := validatePosition(p); err != nil {
		return err
	}

	unlock := c.locks.Lock(fablogID)
	defer unlock()

	return c.store.WithTx(ctx, func(ctx context.Context, tx interfaces.LedgerStore) error {
		f, err := tx.LockFablog(ctx, fablogID)
		if err != nil {
			return err
		}
		if f.IsClosed() {
			return fmt.Errorf("fablog %s: %w", fablogID, models.ErrRecordClosed)
		}
		for _, existing := range f.Positions {
			if existing.Key() == p.Key() {
				return fmt.Errorf("position %s: %w", p.Key(), models.ErrAlreadyExists)
			}
		}
		return tx.SavePosition(ctx, fablogID, p)
	})
}

// RecordPayment stores a payment and settles the fablog in the same
// transaction. A payment above the dues fails with models.ErrOverpayment
// unless opts.RemainderAsDonation is set.
func (c *Coordinator) RecordPayment(ctx context.Context, fablogID string, payment models.Payment, actor string, opts RecordOptions) (models.SettlementResult, error) {
	if err := money.Positive("payment", payment.Amount); err != nil {
		return models.SettlementResult{}, err
	}
	if err := money.WholeCents("payment", payment.Amount); err != nil {
		return models.SettlementResult{}, err
	}

	unlock := c.locks.Lock(fablogID)
	defer unlock()

	started := c.now()
	settings := c.settings.Settings()

	var (
		result models.SettlementResult
		closed *models.Fablog
	)
	err := c.store.WithTx(ctx, func(ctx context.Context, tx interfaces.LedgerStore) error {
		f, err := tx.LockFablog(ctx, fablogID)
		if err != nil {
			return err
		}
		if f.IsClosed() {
			return fmt.Errorf("fablog %s: %w", fablogID, models.ErrRecordClosed)
		}

		payment.ID = uuid.NewString()
		payment.FablogID = f.ID
		payment.CreatedBy = actor
		payment.CreatedAt = c.now()
		payment.Allocated = false
		if _, err := tx.GetAccount(ctx, payment.Destination(settings.DefaultJournal)); err != nil {
			return err
		}

		due := decimal.Max(f.Dues(), decimal.Zero)
		if excess := payment.Amount.Sub(due); excess.IsPositive() {
			if !opts.RemainderAsDonation {
				return fmt.Errorf("%w: paying %s with %s due", models.ErrOverpayment,
					money.Format(payment.Amount), money.Format(due))
			}
			donation := models.Donation{ID: uuid.NewString(), Donor: f.Member, Value: excess}
			if err := tx.SavePosition(ctx, f.ID, donation); err != nil {
				return err
			}
			f.Positions = append(f.Positions, donation)
		}

		if err := tx.SavePayment(ctx, payment); err != nil {
			return err
		}
		f.Payments = append(f.Payments, payment)

		if err := tx.SetClosedBy(ctx, f.ID, actor); err != nil {
			return err
		}
		f.ClosedBy = actor

		result, err = c.settle(ctx, tx, f, settings)
		if err != nil {
			return err
		}
		if result.Closed {
			closed = f
		}
		return nil
	})
	if err != nil {
		c.observeFailure(err, started)
		return models.SettlementResult{}, err
	}

	c.metrics.ObservePayment(payment)
	c.observeResult(result, started)

	journal := payment.Destination(settings.DefaultJournal)
	c.logger.WithFields(logrus.Fields{
		"fablog_id": fablogID,
		"amount":    money.Format(payment.Amount),
		"journal":   journal,
		"bookings":  len(result.Bookings),
		"dues":      money.Format(result.Dues),
	}).Info("payment recorded")

	c.publish(ctx, events.TopicPaymentRecorded, fablogID, events.PaymentRecorded{
		FablogID:   fablogID,
		PaymentID:  payment.ID,
		Amount:     payment.Amount,
		Journal:    journal,
		Bookings:   len(result.Bookings),
		Dues:       result.Dues,
		RecordedBy: actor,
		OccurredAt: payment.CreatedAt,
	})
	if closed != nil {
		c.publishClosed(ctx, closed)
	}
	return result, nil
}

// Settle allocates pending payments of a fablog and closes it when it is
// fully paid. On a closed fablog it returns the existing bookings and
// writes nothing.
func (c *Coordinator) Settle(ctx context.Context, fablogID string) (models.SettlementResult, error) {
	unlock := c.locks.Lock(fablogID)
	defer unlock()

	started := c.now()
	settings := c.settings.Settings()

	var (
		result models.SettlementResult
		closed *models.Fablog
		noop   bool
	)
	err := c.store.WithTx(ctx, func(ctx context.Context, tx interfaces.LedgerStore) error {
		f, err := tx.LockFablog(ctx, fablogID)
		if err != nil {
			return err
		}
		if f.IsClosed() {
			noop = true
			result = models.SettlementResult{
				FablogID: f.ID,
				Bookings: f.Bookings,
				Closed:   true,
				Dues:     f.Dues(),
			}
			return nil
		}
		result, err = c.settle(ctx, tx, f, settings)
		if err != nil {
			return err
		}
		if result.Closed {
			closed = f
		}
		return nil
	})
	if err != nil {
		c.observeFailure(err, started)
		return models.SettlementResult{}, err
	}
	if noop {
		c.metrics.ObserveSettlement(metrics.OutcomeNoop, c.now().Sub(started))
		return result, nil
	}

	c.observeResult(result, started)
	if closed != nil {
		c.publishClosed(ctx, closed)
	}
	return result, nil
}

// AccountBalance is the expected balance of an account, now or as of a
// point in time.
func (c *Coordinator) AccountBalance(ctx context.Context, account string, asOf *time.Time) (decimal.Decimal, error) {
	if asOf == nil {
		return c.ledger.CurrentBalance(ctx, account)
	}
	return c.ledger.BalanceAt(ctx, account, *asOf)
}

// settle runs split, allocate, post and close on f inside tx. f is
// updated in place with the new bookings and closure.
func (c *Coordinator) settle(ctx context.Context, tx interfaces.LedgerStore, f *models.Fablog, s config.LedgerSettings) (models.SettlementResult, error) {
	result := models.SettlementResult{FablogID: f.ID}

	lines, err := allocation.Splitter{Policy: s.SplitRounding}.SplitAll(f.Positions)
	if err != nil {
		return result, err
	}
	outstanding := outstandingLines(lines, f.BookedByPosition(), s)
	pending := f.UnallocatedPayments()

	if len(pending) > 0 || hasNegative(outstanding) {
		res, err := c.allocator(s).Allocate(outstanding, pending)
		if err != nil {
			return result, err
		}
		if s.VerifyAllocations {
			if err := allocation.Check(outstanding, pending, res); err != nil {
				c.logger.WithError(err).WithField("fablog_id", f.ID).Error("allocation does not add up, rolling back")
				return result, err
			}
		}

		payers := make(map[string]string, len(pending))
		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			payers[p.ID] = p.CreatedBy
			ids = append(ids, p.ID)
		}

		for _, b := range res.Bookings {
			b.FablogID = f.ID
			b.PayedByTo = f.Member.ID
			b.CreatedBy = payers[b.PaymentID]
			if b.CreatedBy == "" {
				b.CreatedBy = f.ClosedBy
			}
			if err := c.ledger.Post(ctx, tx, &b); err != nil {
				return result, err
			}
			result.Bookings = append(result.Bookings, b)
		}

		if len(ids) > 0 {
			if err := tx.MarkPaymentsAllocated(ctx, ids); err != nil {
				return result, err
			}
		}
		for i := range f.Payments {
			if _, ok := payers[f.Payments[i].ID]; ok {
				f.Payments[i].Allocated = true
			}
		}
		f.Bookings = append(f.Bookings, result.Bookings...)
	}

	result.Dues = f.Dues()
	if !f.ReadyToClose() {
		return result, nil
	}

	closedAt := c.now()
	closedBy := f.ClosedBy
	if closedBy == "" && len(f.Payments) > 0 {
		closedBy = f.Payments[len(f.Payments)-1].CreatedBy
	}
	if err := tx.CloseFablog(ctx, f.ID, closedBy, closedAt); err != nil {
		return result, err
	}
	f.ClosedAt, f.ClosedBy = &closedAt, closedBy

	if err := c.registerMemberships(ctx, tx, f); err != nil {
		return result, err
	}
	result.Closed = true
	return result, nil
}

func (c *Coordinator) registerMemberships(ctx context.Context, tx interfaces.LedgerStore, f *models.Fablog) error {
	for _, p := range f.Positions {
		e, ok := p.(models.MembershipEnrollment)
		if !ok {
			continue
		}
		memberID := e.Member.ID
		if memberID == "" {
			memberID = f.Member.ID
		}
		err := tx.SaveMembership(ctx, models.Membership{
			ID:        uuid.NewString(),
			MemberID:  memberID,
			FablogID:  f.ID,
			TypeName:  e.Type.Name,
			StartDate: e.StartDate(),
			EndDate:   e.EndDate(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// outstandingLines resolves empty contra accounts and subtracts what has
// been booked per position key already.
func outstandingLines(lines []models.Line, booked map[string]decimal.Decimal, s config.LedgerSettings) []models.Line {
	out := make([]models.Line, 0, len(lines))
	for _, l := range lines {
		if l.Contra == "" {
			if l.LineKind == models.PositionDonation {
				l.Contra = s.DonationContraAccount
			} else {
				l.Contra = s.DefaultAccount
			}
		}
		rest := l.Value.Sub(booked[l.LineKey])
		if rest.IsZero() || rest.Sign() != l.Value.Sign() {
			continue
		}
		l.Value = rest
		out = append(out, l)
	}
	return out
}

func hasNegative(lines []models.Line) bool {
	for _, l := range lines {
		if l.Value.IsNegative() {
			return true
		}
	}
	return false
}

func validatePositions(positions []models.Position) error {
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if err := validatePosition(p); err != nil {
			return err
		}
		if seen[p.Key()] {
			return fmt.Errorf("position %s: %w", p.Key(), models.ErrAlreadyExists)
		}
		seen[p.Key()] = true
	}
	return nil
}

func validatePosition(p models.Position) error {
	if p == nil {
		return fmt.Errorf("%w: position is nil", models.ErrInvalidInput)
	}
	if p.Key() == "" {
		return fmt.Errorf("%w: position has no key", models.ErrInvalidInput)
	}
	if v, ok := p.(models.Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if err := money.WholeCents("position "+p.Key(), p.Amount()); err != nil {
		return err
	}
	if p.Kind() == models.PositionExpense {
		if p.Amount().IsPositive() {
			return fmt.Errorf("%w: expense %s must not be positive", models.ErrInvalidAmount, p.Key())
		}
		return nil
	}
	return money.NonNegative("position "+p.Key(), p.Amount())
}

func (c *Coordinator) observeResult(result models.SettlementResult, started time.Time) {
	for _, b := range result.Bookings {
		c.metrics.ObserveBooking(b)
	}
	outcome := metrics.OutcomeOpen
	if result.Closed {
		outcome = metrics.OutcomeClosed
	}
	c.metrics.ObserveSettlement(outcome, c.now().Sub(started))
}

func (c *Coordinator) observeFailure(err error, started time.Time) {
	outcome := metrics.OutcomeError
	if errors.Is(err, models.ErrAllocationMismatch) {
		outcome = metrics.OutcomeMismatch
	}
	c.metrics.ObserveSettlement(outcome, c.now().Sub(started))
}

func (c *Coordinator) publishClosed(ctx context.Context, f *models.Fablog) {
	c.logger.WithFields(logrus.Fields{
		"fablog_id": f.ID,
		"total":     money.Format(f.Total()),
		"closed_by": f.ClosedBy,
	}).Info("fablog closed")

	c.publish(ctx, events.TopicSettlementComplete, f.ID, events.SettlementCompleted{
		FablogID:   f.ID,
		MemberID:   f.Member.ID,
		Total:      f.Total(),
		Bookings:   len(f.Bookings),
		ClosedBy:   f.ClosedBy,
		OccurredAt: *f.ClosedAt,
	})
}

// publish never fails the caller: the bookings are committed already.
func (c *Coordinator) publish(ctx context.Context, topic, key string, event any) {
	if err := c.publisher.Publish(ctx, topic, key, event); err != nil {
		c.metrics.ObservePublishFailure(topic)
		c.logger.WithError(err).WithFields(logrus.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to publish event")
	}
}
