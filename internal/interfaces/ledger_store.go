package interfaces

import (
	"context"
	"time"

	"github.com/sheikh-saqib/fablab-ledger/internal/models"
)

// LedgerStore is the persistence boundary of the ledger.
//
// Writes made through the store handed to a WithTx callback are committed
// together or not at all. Calling WithTx on that store joins the running
// transaction.
type LedgerStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx LedgerStore) error) error

	// Accounts. CreateAccount and UpdateAccount return
	// models.ErrDuplicateDefault when a second default would appear.
	CreateAccount(ctx context.Context, account models.Account) error
	UpdateAccount(ctx context.Context, account models.Account) error
	GetAccount(ctx context.Context, number string) (models.Account, error)
	GetDefaultAccount(ctx context.Context) (models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	// LockAccount serializes snapshot appends for one account until the
	// surrounding transaction ends.
	LockAccount(ctx context.Context, number string) error

	// Currencies, with the same single-default rule as accounts.
	CreateCurrency(ctx context.Context, currency models.Currency) error
	UpdateCurrency(ctx context.Context, currency models.Currency) error
	GetCurrency(ctx context.Context, abbreviation string) (models.Currency, error)
	GetDefaultCurrency(ctx context.Context) (models.Currency, error)
	ListCurrencies(ctx context.Context) ([]models.Currency, error)

	// Balance snapshots. LastSnapshot returns nil when none exists.
	LastSnapshot(ctx context.Context, account string) (*models.BalanceSnapshot, error)
	SnapshotAt(ctx context.Context, account string, asOf time.Time) (*models.BalanceSnapshot, error)
	SaveSnapshot(ctx context.Context, snapshot models.BalanceSnapshot) error
	ListSnapshots(ctx context.Context, account string) ([]models.BalanceSnapshot, error)

	// Bookings, returned in creation order.
	SaveBooking(ctx context.Context, booking models.Booking) error
	ListBookingsByAccount(ctx context.Context, account string) ([]models.Booking, error)
	ListBookingsByFablog(ctx context.Context, fablogID string) ([]models.Booking, error)

	// Fablogs. GetFablog and LockFablog load positions, payments and bookings.
	CreateFablog(ctx context.Context, fablog models.Fablog) error
	GetFablog(ctx context.Context, id string) (*models.Fablog, error)
	LockFablog(ctx context.Context, id string) (*models.Fablog, error)
	CloseFablog(ctx context.Context, id, closedBy string, closedAt time.Time) error
	SetClosedBy(ctx context.Context, id, closedBy string) error
	SavePosition(ctx context.Context, fablogID string, position models.Position) error
	SavePayment(ctx context.Context, payment models.Payment) error
	MarkPaymentsAllocated(ctx context.Context, paymentIDs []string) error

	// Membership history.
	SaveMembership(ctx context.Context, membership models.Membership) error
	ListMemberships(ctx context.Context, memberID string) ([]models.Membership, error)
}
