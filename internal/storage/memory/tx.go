package memory

import (
	"context"
	"time"

	interfaces "github.com/sheikh-saqib/fablab-ledger/internal/interfaces"
	"github.com/sheikh-saqib/fablab-ledger/internal/models"
)

// txStore is the store handed to a WithTx callback. The owning
// MemoryLedgerStore already holds the writer lock, so calls go straight
// to the state.
type txStore struct {
	st *state
}

// WithTx joins the running transaction.
func (t *txStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx interfaces.LedgerStore) error) error {
	return fn(ctx, t)
}

func (t *txStore) CreateAccount(ctx context.Context, account models.Account) error {
	return t.st.createAccount(account)
}

func (t *txStore) UpdateAccount(ctx context.Context, account models.Account) error {
	return t.st.updateAccount(account)
}

func (t *txStore) GetAccount(ctx context.Context, number string) (models.Account, error) {
	return t.st.getAccount(number)
}

func (t *txStore) GetDefaultAccount(ctx context.Context) (models.Account, error) {
	return t.st.getDefaultAccount()
}

func (t *txStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	return t.st.listAccounts(), nil
}

func (t *txStore) CreateCurrency(ctx context.Context, currency models.Currency) error {
	return t.st.createCurrency(currency)
}

func (t *txStore) UpdateCurrency(ctx context.Context, currency models.Currency) error {
	return t.st.updateCurrency(currency)
}

func (t *txStore) GetCurrency(ctx context.Context, abbreviation string) (models.Currency, error) {
	return t.st.getCurrency(abbreviation)
}

func (t *txStore) GetDefaultCurrency(ctx context.Context) (models.Currency, error) {
	return t.st.getDefaultCurrency()
}

func (t *txStore) ListCurrencies(ctx context.Context) ([]models.Currency, error) {
	return t.st.listCurrencies(), nil
}

func (t *txStore) LockAccount(ctx context.Context, number string) error {
	_, err := t.st.getAccount(number)
	return err
}

func (t *txStore) LastSnapshot(ctx context.Context, account string) (*models.BalanceSnapshot, error) {
	return t.st.lastSnapshot(account), nil
}

func (t *txStore) SnapshotAt(ctx context.Context, account string, asOf time.Time) (*models.BalanceSnapshot, error) {
	return t.st.snapshotAt(account, asOf), nil
}

func (t *txStore) SaveSnapshot(ctx context.Context, snapshot models.BalanceSnapshot) error {
	return t.st.saveSnapshot(snapshot)
}

func (t *txStore) ListSnapshots(ctx context.Context, account string) ([]models.BalanceSnapshot, error) {
	return t.st.listSnapshots(account), nil
}

func (t *txStore) SaveBooking(ctx context.Context, booking models.Booking) error {
	return t.st.saveBooking(booking)
}

func (t *txStore) ListBookingsByAccount(ctx context.Context, account string) ([]models.Booking, error) {
	return t.st.bookingsWhere(func(b models.Booking) bool { return b.Account == account }), nil
}

func (t *txStore) ListBookingsByFablog(ctx context.Context, fablogID string) ([]models.Booking, error) {
	return t.st.bookingsWhere(func(b models.Booking) bool { return b.FablogID == fablogID }), nil
}

func (t *txStore) CreateFablog(ctx context.Context, fablog models.Fablog) error {
	return t.st.createFablog(fablog)
}

func (t *txStore) GetFablog(ctx context.Context, id string) (*models.Fablog, error) {
	return t.st.getFablog(id)
}

func (t *txStore) LockFablog(ctx context.Context, id string) (*models.Fablog, error) {
	return t.st.getFablog(id)
}

func (t *txStore) CloseFablog(ctx context.Context, id, closedBy string, closedAt time.Time) error {
	return t.st.closeFablog(id, closedBy, closedAt)
}

func (t *txStore) SetClosedBy(ctx context.Context, id, closedBy string) error {
	return t.st.setClosedBy(id, closedBy)
}

func (t *txStore) SavePosition(ctx context.Context, fablogID string, position models.Position) error {
	return t.st.savePosition(fablogID, position)
}

func (t *txStore) SavePayment(ctx context.Context, payment models.Payment) error {
	return t.st.savePayment(payment)
}

func (t *txStore) MarkPaymentsAllocated(ctx context.Context, paymentIDs []string) error {
	return t.st.markPaymentsAllocated(paymentIDs)
}

func (t *txStore) SaveMembership(ctx context.Context, membership models.Membership) error {
	t.st.memberships = append(t.st.memberships, membership)
	return nil
}

func (t *txStore) ListMemberships(ctx context.Context, memberID string) ([]models.Membership, error) {
	return t.st.listMemberships(memberID), nil
}

var _ interfaces.LedgerStore = (*txStore)(nil)
