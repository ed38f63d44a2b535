package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	interfaces "github.com/sheikh-saqib/fablab-ledger/internal/interfaces"
	"github.com/sheikh-saqib/fablab-ledger/internal/models"
	"github.com/sheikh-saqib/fablab-ledger/internal/money"
)

// OpeningComment is the text of the zero booking every new account starts with.
const OpeningComment = "account opening"

// Ledger posts bookings to accounts and keeps one balance snapshot per booking.
// It holds a reference to the storage layer and a mutex per account so that
// snapshot appends on the same account never interleave.
type Ledger struct {
	store  interfaces.LedgerStore // any storage implementation
	logger logrus.FieldLogger
	now    func() time.Time

	muMap map[string]*sync.Mutex // stores the *sync.Mutex for each account in a map
	mapMu sync.Mutex             // protects the muMap itself
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used for booking and account events.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new Ledger on top of store.
func NewLedger(store interfaces.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logrus.StandardLogger(),
		now:    time.Now,
		muMap:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) getAccountLock(account string) *sync.Mutex {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	if _, exists := l.muMap[account]; !exists {
		l.muMap[account] = &sync.Mutex{}
	}
	return l.muMap[account]
}

// CreateAccount stores a new account and posts its zero opening booking.
// A second default account fails with models.ErrDuplicateDefault.
func (l *Ledger) CreateAccount(ctx context.Context, account models.Account, actor string) (models.Account, error) {
	if account.Number == "" {
		return models.Account{}, fmt.Errorf("%w: account number is required", models.ErrInvalidInput)
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = l.now()
	}

	err := l.store.WithTx(ctx, func(ctx context.Context, tx interfaces.LedgerStore) error {
		if err := tx.CreateAccount(ctx, account); err != nil {
			return err
		}
		existing, err := tx.ListBookingsByAccount(ctx, account.Number)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		return l.Post(ctx, tx, &models.Booking{
			Account:   account.Number,
			Kind:      models.KindCharge,
			Purpose:   models.PurposeOpening,
			Amount:    decimal.Zero,
			Comment:   OpeningComment,
			CreatedBy: actor,
		})
	})
	if err != nil {
		return models.Account{}, err
	}

	l.logger.WithFields(logrus.Fields{
		"account": account.Number,
		"default": account.IsDefault,
	}).Info("account created")
	return account, nil
}

// EnsureAccount creates the account unless an account with its number exists.
func (l *Ledger) EnsureAccount(ctx context.Context, account models.Account, actor string) (models.Account, error) {
	existing, err := l.store.GetAccount(ctx, account.Number)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrAccountNotFound) {
		return models.Account{}, err
	}
	created, err := l.CreateAccount(ctx, account, actor)
	if errors.Is(err, models.ErrAlreadyExists) {
		// created concurrently
		return l.store.GetAccount(ctx, account.Number)
	}
	return created, err
}

// SetDefault marks number as the default account.
func (l *Ledger) SetDefault(ctx context.Context, number string) error {
	return l.store.WithTx(ctx, func(ctx context.Context, tx interfaces.LedgerStore) error {
		acc, err := tx.GetAccount(ctx, number)
		if err != nil {
			return err
		}
		if acc.IsDefault {
			return nil
		}
		acc.IsDefault = true
		return tx.UpdateAccount(ctx, acc)
	})
}

// DefaultAccount returns the account marked as default.
func (l *Ledger) DefaultAccount(ctx context.Context) (models.Account, error) {
	return l.store.GetDefaultAccount(ctx)
}

// Accounts lists every account in creation order.
func (l *Ledger) Accounts(ctx context.Context) ([]models.Account, error) {
	return l.store.ListAccounts(ctx)
}

// CreateCurrency stores a new currency. A second default currency fails
// with models.ErrDuplicateDefault.
func (l *Ledger) CreateCurrency(ctx context.Context, currency models.Currency) (models.Currency, error) {
	if err := currency.Validate(); err != nil {
		return models.Currency{}, err
	}
	if currency.CreatedAt.IsZero() {
		currency.CreatedAt = l.now()
	}
	if err := l.store.CreateCurrency(ctx, currency); err != nil {
		return models.Currency{}, err
	}

	l.logger.WithFields(logrus.Fields{
		"currency": currency.Abbreviation,
		"default":  currency.IsDefault,
	}).Info("currency created")
	return currency, nil
}

// EnsureCurrency creates the currency unless one with its abbreviation exists.
func (l *Ledger) EnsureCurrency(ctx context.Context, currency models.Currency) (models.Currency, error) {
	existing, err := l.store.GetCurrency(ctx, currency.Abbreviation)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrCurrencyNotFound) {
		return models.Currency{}, err
	}
	created, err := l.CreateCurrency(ctx, currency)
	if errors.Is(err, models.ErrAlreadyExists) {
		return l.store.GetCurrency(ctx, currency.Abbreviation)
	}
	return created, err
}

// SetDefaultCurrency marks abbreviation as the default currency.
func (l *Ledger) SetDefaultCurrency(ctx context.Context, abbreviation string) error {
	return l.store.WithTx(ctx, func(ctx context.Context, tx interfaces.LedgerStore) error {
		c, err := tx.GetCurrency(ctx, abbreviation)
		if err != nil {
			return err
		}
		if c.IsDefault {
			return nil
		}
		c.IsDefault = true
		return tx.UpdateCurrency(ctx, c)
	})
}

func (l *Ledger) DefaultCurrency(ctx context.Context) (models.Currency, error) {
	return l.store.GetDefaultCurrency(ctx)
}

func (l *Ledger) Currencies(ctx context.Context) ([]models.Currency, error) {
	return l.store.ListCurrencies(ctx)
}

// Post appends b to its account and creates the balance snapshot it owns.
// tx must be the store handed to a WithTx callback. Post fills in ID,
// SnapshotID and Timestamp when they are empty.
func (l *Ledger) Post(ctx context.Context, tx interfaces.LedgerStore, b *models.Booking) error {
	if b.Account == "" {
		return fmt.Errorf("%w: booking has no account", models.ErrInvalidInput)
	}
	if b.Kind == "" {
		b.Kind = models.KindCharge
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = l.now()
	}
	if err := money.WholeCents("booking", b.Amount); err != nil {
		return err
	}

	// The store lock may outlive this call (row locks last until commit),
	// so it is taken before the in-process mutex and never while holding it.
	if err := tx.LockAccount(ctx, b.Account); err != nil {
		return err
	}

	mu := l.getAccountLock(b.Account)
	mu.Lock()
	defer mu.Unlock()

	prev := models.BalanceSnapshot{Account: b.Account}
	last, err := tx.LastSnapshot(ctx, b.Account)
	if err != nil {
		return err
	}
	if last != nil {
		prev = *last
	}

	snap := b.Apply(prev)
	snap.ID = uuid.NewString()
	snap.CreatedAt = b.Timestamp
	if err := tx.SaveSnapshot(ctx, snap); err != nil {
		return err
	}

	b.SnapshotID = snap.ID
	if err := tx.SaveBooking(ctx, *b); err != nil {
		return err
	}

	l.logger.WithFields(logrus.Fields{
		"account": b.Account,
		"kind":    b.Kind,
		"amount":  money.Format(b.Amount),
		"balance": money.Format(snap.Balance),
		"fablog":  b.FablogID,
	}).Debug("booking posted")
	return nil
}

// Book posts a single journal booking in its own transaction.
func (l *Ledger) Book(ctx context.Context, b models.Booking) (models.Booking, error) {
	err := l.store.WithTx(ctx, func(ctx context.Context, tx interfaces.LedgerStore) error {
		if _, err := tx.GetAccount(ctx, b.Account); err != nil {
			return err
		}
		return l.Post(ctx, tx, &b)
	})
	if err != nil {
		return models.Booking{}, err
	}
	return b, nil
}

// CashCount records that the till of account was counted to hold counted.
// The expected balance is left alone; the difference shows up on the snapshot.
func (l *Ledger) CashCount(ctx context.Context, account string, counted decimal.Decimal, actor string) (models.Booking, error) {
	if err := money.NonNegative("counted cash", counted); err != nil {
		return models.Booking{}, err
	}
	return l.Book(ctx, models.Booking{
		Account:   account,
		Kind:      models.KindCount,
		Purpose:   models.PurposeCorrection,
		Amount:    counted,
		Comment:   "cash count",
		CreatedBy: actor,
	})
}

// Correct moves the expected balance of account by amount, usually to
// bring it in line with the last cash count.
func (l *Ledger) Correct(ctx context.Context, account string, amount decimal.Decimal, actor, comment string) (models.Booking, error) {
	if amount.IsZero() {
		return models.Booking{}, fmt.Errorf("%w: correction of zero", models.ErrInvalidAmount)
	}
	return l.Book(ctx, models.Booking{
		Account:   account,
		Kind:      models.KindCorrection,
		Purpose:   models.PurposeCorrection,
		Amount:    amount,
		Comment:   comment,
		CreatedBy: actor,
	})
}

// Snapshot returns the latest snapshot of account, or a zero snapshot
// when nothing has been booked yet.
func (l *Ledger) Snapshot(ctx context.Context, account string) (models.BalanceSnapshot, error) {
	if _, err := l.store.GetAccount(ctx, account); err != nil {
		return models.BalanceSnapshot{}, err
	}
	last, err := l.store.LastSnapshot(ctx, account)
	if err != nil {
		return models.BalanceSnapshot{}, err
	}
	if last == nil {
		return models.BalanceSnapshot{Account: account}, nil
	}
	return *last, nil
}

// CurrentBalance is the expected balance after the latest booking.
func (l *Ledger) CurrentBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	snap, err := l.Snapshot(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.Balance, nil
}

// BalanceAt is the expected balance after the last booking at or before asOf.
func (l *Ledger) BalanceAt(ctx context.Context, account string, asOf time.Time) (decimal.Decimal, error) {
	if _, err := l.store.GetAccount(ctx, account); err != nil {
		return decimal.Zero, err
	}
	snap, err := l.store.SnapshotAt(ctx, account, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	if snap == nil {
		return decimal.Zero, nil
	}
	return snap.Balance, nil
}

// Bookings lists the bookings of account, most recent first.
func (l *Ledger) Bookings(ctx context.Context, account string) ([]models.Booking, error) {
	bookings, err := l.store.ListBookingsByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(bookings)-1; i < j; i, j = i+1, j-1 {
		bookings[i], bookings[j] = bookings[j], bookings[i]
	}
	return bookings, nil
}

// VerifyChain replays the bookings of account in creation order and checks
// every stored snapshot against the replayed one.
func (l *Ledger) VerifyChain(ctx context.Context, account string) error {
	bookings, err := l.store.ListBookingsByAccount(ctx, account)
	if err != nil {
		return err
	}
	snapshots, err := l.store.ListSnapshots(ctx, account)
	if err != nil {
		return err
	}
	if len(bookings) != len(snapshots) {
		return fmt.Errorf("%w: account %s has %d bookings and %d snapshots",
			models.ErrBalanceChainBroken, account, len(bookings), len(snapshots))
	}

	byID := make(map[string]models.BalanceSnapshot, len(snapshots))
	for _, s := range snapshots {
		byID[s.ID] = s
	}

	prev := models.BalanceSnapshot{Account: account}
	for _, b := range bookings {
		stored, ok := byID[b.SnapshotID]
		if !ok {
			return fmt.Errorf("%w: booking %s has no snapshot", models.ErrBalanceChainBroken, b.ID)
		}
		want := b.Apply(prev)
		if stored.Seq != want.Seq || !stored.Balance.Equal(want.Balance) || !stored.Counted.Equal(want.Counted) {
			return fmt.Errorf("%w: booking %s expected balance %s counted %s, snapshot has %s counted %s",
				models.ErrBalanceChainBroken, b.ID,
				money.Format(want.Balance), money.Format(want.Counted),
				money.Format(stored.Balance), money.Format(stored.Counted))
		}
		prev = stored
	}
	return nil
}
