package memory

import (
	"context" // standard Go package for request-scoped context (timeouts, cancellation)
	"fmt"
	"sort"
	"sync" // standard Go package for concurrency primitives like Mutex
	"time"

	interfaces "github.com/sheikh-saqib/fablab-ledger/internal/interfaces" // interface LedgerStore
	"github.com/sheikh-saqib/fablab-ledger/internal/models"                // domain models
)

// MemoryLedgerStore is an in-memory implementation of interfaces.LedgerStore.
// A single writer lock serializes transactions; a failed transaction is
// rolled back by restoring the state captured when it began.
type MemoryLedgerStore struct {
	mu sync.Mutex // held for every call and for the whole of a WithTx callback
	st *state
}

// NewMemoryLedgerStore creates and returns a new MemoryLedgerStore instance
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{st: newState()}
}

type fablogRow struct {
	fablog    models.Fablog // Positions, Payments and Bookings are left empty here
	positions []models.Position
	payments  []models.Payment
}

type state struct {
	accounts      map[string]models.Account
	accountOrder  []string
	currencies    map[string]models.Currency
	currencyOrder []string
	snapshots     map[string][]models.BalanceSnapshot
	bookings      []models.Booking
	fablogs       map[string]*fablogRow
	memberships   []models.Membership
}

func newState() *state {
	return &state{
		accounts:   make(map[string]models.Account),
		currencies: make(map[string]models.Currency),
		snapshots:  make(map[string][]models.BalanceSnapshot),
		fablogs:    make(map[string]*fablogRow),
	}
}

// clone copies everything a transaction can modify.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	c.accountOrder = append([]string(nil), s.accountOrder...)
	for k, v := range s.currencies {
		c.currencies[k] = v
	}
	c.currencyOrder = append([]string(nil), s.currencyOrder...)
	for k, v := range s.snapshots {
		c.snapshots[k] = append([]models.BalanceSnapshot(nil), v...)
	}
	c.bookings = append([]models.Booking(nil), s.bookings...)
	for k, v := range s.fablogs {
		row := *v
		row.positions = append([]models.Position(nil), v.positions...)
		row.payments = append([]models.Payment(nil), v.payments...)
		c.fablogs[k] = &row
	}
	c.memberships = append([]models.Membership(nil), s.memberships...)
	return c
}

// WithTx runs fn while holding the writer lock and restores the previous
// state if fn returns an error or panics.
func (m *MemoryLedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx interfaces.LedgerStore) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	backup := m.st.clone()
	defer func() {
		if r := recover(); r != nil {
			m.st = backup
			panic(r)
		}
		if err != nil {
			m.st = backup
		}
	}()

	return fn(ctx, &txStore{st: m.st})
}

// locked runs fn against the current state under the writer lock.
func (m *MemoryLedgerStore) locked(fn func(st *state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *MemoryLedgerStore) CreateAccount(ctx context.Context, account models.Account) error {
	return m.locked(func(st *state) error { return st.createAccount(account) })
}

func (m *MemoryLedgerStore) UpdateAccount(ctx context.Context, account models.Account) error {
	return m.locked(func(st *state) error { return st.updateAccount(account) })
}

func (m *MemoryLedgerStore) GetAccount(ctx context.Context, number string) (acc models.Account, err error) {
	err = m.locked(func(st *state) error { acc, err = st.getAccount(number); return err })
	return acc, err
}

func (m *MemoryLedgerStore) GetDefaultAccount(ctx context.Context) (acc models.Account, err error) {
	err = m.locked(func(st *state) error { acc, err = st.getDefaultAccount(); return err })
	return acc, err
}

func (m *MemoryLedgerStore) ListAccounts(ctx context.Context) (out []models.Account, err error) {
	err = m.locked(func(st *state) error { out = st.listAccounts(); return nil })
	return out, err
}

func (m *MemoryLedgerStore) CreateCurrency(ctx context.Context, currency models.Currency) error {
	return m.locked(func(st *state) error { return st.createCurrency(currency) })
}

func (m *MemoryLedgerStore) UpdateCurrency(ctx context.Context, currency models.Currency) error {
	return m.locked(func(st *state) error { return st.updateCurrency(currency) })
}

func (m *MemoryLedgerStore) GetCurrency(ctx context.Context, abbreviation string) (cur models.Currency, err error) {
	err = m.locked(func(st *state) error { cur, err = st.getCurrency(abbreviation); return err })
	return cur, err
}

func (m *MemoryLedgerStore) GetDefaultCurrency(ctx context.Context) (cur models.Currency, err error) {
	err = m.locked(func(st *state) error { cur, err = st.getDefaultCurrency(); return err })
	return cur, err
}

func (m *MemoryLedgerStore) ListCurrencies(ctx context.Context) (out []models.Currency, err error) {
	err = m.locked(func(st *state) error { out = st.listCurrencies(); return nil })
	return out, err
}

// LockAccount is a no-op: the writer lock already serializes appends.
func (m *MemoryLedgerStore) LockAccount(ctx context.Context, number string) error {
	return m.locked(func(st *state) error { _, err := st.getAccount(number); return err })
}

func (m *MemoryLedgerStore) LastSnapshot(ctx context.Context, account string) (snap *models.BalanceSnapshot, err error) {
	err = m.locked(func(st *state) error { snap = st.lastSnapshot(account); return nil })
	return snap, err
}

func (m *MemoryLedgerStore) SnapshotAt(ctx context.Context, account string, asOf time.Time) (snap *models.BalanceSnapshot, err error) {
	err = m.locked(func(st *state) error { snap = st.snapshotAt(account, asOf); return nil })
	return snap, err
}

func (m *MemoryLedgerStore) SaveSnapshot(ctx context.Context, snapshot models.BalanceSnapshot) error {
	return m.locked(func(st *state) error { return st.saveSnapshot(snapshot) })
}

func (m *MemoryLedgerStore) ListSnapshots(ctx context.Context, account string) (out []models.BalanceSnapshot, err error) {
	err = m.locked(func(st *state) error { out = st.listSnapshots(account); return nil })
	return out, err
}

func (m *MemoryLedgerStore) SaveBooking(ctx context.Context, booking models.Booking) error {
	return m.locked(func(st *state) error { return st.saveBooking(booking) })
}

func (m *MemoryLedgerStore) ListBookingsByAccount(ctx context.Context, account string) (out []models.Booking, err error) {
	err = m.locked(func(st *state) error { out = st.bookingsWhere(func(b models.Booking) bool { return b.Account == account }); return nil })
	return out, err
}

func (m *MemoryLedgerStore) ListBookingsByFablog(ctx context.Context, fablogID string) (out []models.Booking, err error) {
	err = m.locked(func(st *state) error { out = st.bookingsWhere(func(b models.Booking) bool { return b.FablogID == fablogID }); return nil })
	return out, err
}

func (m *MemoryLedgerStore) CreateFablog(ctx context.Context, fablog models.Fablog) error {
	return m.locked(func(st *state) error { return st.createFablog(fablog) })
}

func (m *MemoryLedgerStore) GetFablog(ctx context.Context, id string) (f *models.Fablog, err error) {
	err = m.locked(func(st *state) error { f, err = st.getFablog(id); return err })
	return f, err
}

func (m *MemoryLedgerStore) LockFablog(ctx context.Context, id string) (*models.Fablog, error) {
	return m.GetFablog(ctx, id)
}

func (m *MemoryLedgerStore) CloseFablog(ctx context.Context, id, closedBy string, closedAt time.Time) error {
	return m.locked(func(st *state) error { return st.closeFablog(id, closedBy, closedAt) })
}

func (m *MemoryLedgerStore) SetClosedBy(ctx context.Context, id, closedBy string) error {
	return m.locked(func(st *state) error { return st.setClosedBy(id, closedBy) })
}

func (m *MemoryLedgerStore) SavePosition(ctx context.Context, fablogID string, position models.Position) error {
	return m.locked(func(st *state) error { return st.savePosition(fablogID, position) })
}

func (m *MemoryLedgerStore) SavePayment(ctx context.Context, payment models.Payment) error {
	return m.locked(func(st *state) error { return st.savePayment(payment) })
}

func (m *MemoryLedgerStore) MarkPaymentsAllocated(ctx context.Context, paymentIDs []string) error {
	return m.locked(func(st *state) error { return st.markPaymentsAllocated(paymentIDs) })
}

func (m *MemoryLedgerStore) SaveMembership(ctx context.Context, membership models.Membership) error {
	return m.locked(func(st *state) error { st.memberships = append(st.memberships, membership); return nil })
}

func (m *MemoryLedgerStore) ListMemberships(ctx context.Context, memberID string) (out []models.Membership, err error) {
	err = m.locked(func(st *state) error { out = st.listMemberships(memberID); return nil })
	return out, err
}

// ──────────────────────────────────────────────────
// state operations, called with the writer lock held
// ──────────────────────────────────────────────────

func (s *state) createAccount(account models.Account) error {
	if _, exists := s.accounts[account.Number]; exists {
		return fmt.Errorf("account %s: %w", account.Number, models.ErrAlreadyExists)
	}
	if account.IsDefault && s.hasOtherDefault(account.Number) {
		return models.ErrDuplicateDefault
	}
	s.accounts[account.Number] = account
	s.accountOrder = append(s.accountOrder, account.Number)
	return nil
}

func (s *state) updateAccount(account models.Account) error {
	if _, exists := s.accounts[account.Number]; !exists {
		return fmt.Errorf("account %s: %w", account.Number, models.ErrAccountNotFound)
	}
	if account.IsDefault && s.hasOtherDefault(account.Number) {
		return models.ErrDuplicateDefault
	}
	s.accounts[account.Number] = account
	return nil
}

func (s *state) hasOtherDefault(number string) bool {
	for n, acc := range s.accounts {
		if acc.IsDefault && n != number {
			return true
		}
	}
	return false
}

func (s *state) getAccount(number string) (models.Account, error) {
	acc, ok := s.accounts[number]
	if !ok {
		return models.Account{}, fmt.Errorf("account %s: %w", number, models.ErrAccountNotFound)
	}
	return acc, nil
}

func (s *state) getDefaultAccount() (models.Account, error) {
	for _, n := range s.accountOrder {
		if acc := s.accounts[n]; acc.IsDefault {
			return acc, nil
		}
	}
	return models.Account{}, fmt.Errorf("default account: %w", models.ErrAccountNotFound)
}

func (s *state) listAccounts() []models.Account {
	out := make([]models.Account, 0, len(s.accountOrder))
	for _, n := range s.accountOrder {
		out = append(out, s.accounts[n])
	}
	return out
}

func (s *state) createCurrency(c models.Currency) error {
	if _, exists := s.currencies[c.Abbreviation]; exists {
		return fmt.Errorf("currency %s: %w", c.Abbreviation, models.ErrAlreadyExists)
	}
	if c.IsDefault && s.hasOtherDefaultCurrency(c.Abbreviation) {
		return models.ErrDuplicateDefault
	}
	s.currencies[c.Abbreviation] = c
	s.currencyOrder = append(s.currencyOrder, c.Abbreviation)
	return nil
}

func (s *state) updateCurrency(c models.Currency) error {
	if _, exists := s.currencies[c.Abbreviation]; !exists {
		return fmt.Errorf("currency %s: %w", c.Abbreviation, models.ErrCurrencyNotFound)
	}
	if c.IsDefault && s.hasOtherDefaultCurrency(c.Abbreviation) {
		return models.ErrDuplicateDefault
	}
	s.currencies[c.Abbreviation] = c
	return nil
}

func (s *state) hasOtherDefaultCurrency(abbreviation string) bool {
	for a, c := range s.currencies {
		if c.IsDefault && a != abbreviation {
			return true
		}
	}
	return false
}

func (s *state) getCurrency(abbreviation string) (models.Currency, error) {
	c, ok := s.currencies[abbreviation]
	if !ok {
		return models.Currency{}, fmt.Errorf("currency %s: %w", abbreviation, models.ErrCurrencyNotFound)
	}
	return c, nil
}

func (s *state) getDefaultCurrency() (models.Currency, error) {
	for _, a := range s.currencyOrder {
		if c := s.currencies[a]; c.IsDefault {
			return c, nil
		}
	}
	return models.Currency{}, fmt.Errorf("default currency: %w", models.ErrCurrencyNotFound)
}

func (s *state) listCurrencies() []models.Currency {
	out := make([]models.Currency, 0, len(s.currencyOrder))
	for _, a := range s.currencyOrder {
		out = append(out, s.currencies[a])
	}
	return out
}

func (s *state) lastSnapshot(account string) *models.BalanceSnapshot {
	snaps := s.snapshots[account]
	if len(snaps) == 0 {
		return nil
	}
	last := snaps[len(snaps)-1]
	return &last
}

func (s *state) snapshotAt(account string, asOf time.Time) *models.BalanceSnapshot {
	snaps := s.snapshots[account]
	// snapshots are appended in time order
	i := sort.Search(len(snaps), func(i int) bool { return snaps[i].CreatedAt.After(asOf) })
	if i == 0 {
		return nil
	}
	found := snaps[i-1]
	return &found
}

func (s *state) saveSnapshot(snapshot models.BalanceSnapshot) error {
	if _, ok := s.accounts[snapshot.Account]; !ok {
		return fmt.Errorf("account %s: %w", snapshot.Account, models.ErrAccountNotFound)
	}
	snaps := s.snapshots[snapshot.Account]
	if n := len(snaps); n > 0 && snaps[n-1].Seq >= snapshot.Seq {
		return fmt.Errorf("snapshot %d for account %s: %w", snapshot.Seq, snapshot.Account, models.ErrAlreadyExists)
	}
	s.snapshots[snapshot.Account] = append(snaps, snapshot)
	return nil
}

func (s *state) listSnapshots(account string) []models.BalanceSnapshot {
	return append([]models.BalanceSnapshot(nil), s.snapshots[account]...)
}

func (s *state) saveBooking(booking models.Booking) error {
	if booking.SnapshotID == "" {
		return fmt.Errorf("%w: booking %s has no balance snapshot", models.ErrInvalidInput, booking.ID)
	}
	s.bookings = append(s.bookings, booking)
	return nil
}

func (s *state) bookingsWhere(match func(models.Booking) bool) []models.Booking {
	var out []models.Booking
	for _, b := range s.bookings {
		if match(b) {
			out = append(out, b)
		}
	}
	return out
}

func (s *state) createFablog(fablog models.Fablog) error {
	if _, exists := s.fablogs[fablog.ID]; exists {
		return fmt.Errorf("fablog %s: %w", fablog.ID, models.ErrAlreadyExists)
	}
	row := &fablogRow{
		fablog:    fablog,
		positions: append([]models.Position(nil), fablog.Positions...),
		payments:  append([]models.Payment(nil), fablog.Payments...),
	}
	row.fablog.Positions, row.fablog.Payments, row.fablog.Bookings = nil, nil, nil
	s.fablogs[fablog.ID] = row
	return nil
}

func (s *state) row(id string) (*fablogRow, error) {
	row, ok := s.fablogs[id]
	if !ok {
		return nil, fmt.Errorf("fablog %s: %w", id, models.ErrFablogNotFound)
	}
	return row, nil
}

func (s *state) getFablog(id string) (*models.Fablog, error) {
	row, err := s.row(id)
	if err != nil {
		return nil, err
	}
	f := row.fablog
	f.Positions = append([]models.Position(nil), row.positions...)
	f.Payments = append([]models.Payment(nil), row.payments...)
	f.Bookings = s.bookingsWhere(func(b models.Booking) bool { return b.FablogID == id })
	return &f, nil
}

func (s *state) closeFablog(id, closedBy string, closedAt time.Time) error {
	row, err := s.row(id)
	if err != nil {
		return err
	}
	if row.fablog.ClosedAt != nil {
		return fmt.Errorf("fablog %s: %w", id, models.ErrRecordClosed)
	}
	row.fablog.ClosedBy = closedBy
	row.fablog.ClosedAt = &closedAt
	return nil
}

func (s *state) setClosedBy(id, closedBy string) error {
	row, err := s.row(id)
	if err != nil {
		return err
	}
	row.fablog.ClosedBy = closedBy
	return nil
}

func (s *state) savePosition(fablogID string, position models.Position) error {
	row, err := s.row(fablogID)
	if err != nil {
		return err
	}
	row.positions = append(row.positions, position)
	return nil
}

func (s *state) savePayment(payment models.Payment) error {
	row, err := s.row(payment.FablogID)
	if err != nil {
		return err
	}
	row.payments = append(row.payments, payment)
	return nil
}

func (s *state) markPaymentsAllocated(ids []string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, row := range s.fablogs {
		for i := range row.payments {
			if want[row.payments[i].ID] {
				row.payments[i].Allocated = true
				delete(want, row.payments[i].ID)
			}
		}
	}
	if len(want) > 0 {
		return fmt.Errorf("%d payments: %w", len(want), models.ErrNotFound)
	}
	return nil
}

func (s *state) listMemberships(memberID string) []models.Membership {
	var out []models.Membership
	for _, m := range s.memberships {
		if m.MemberID == memberID {
			out = append(out, m)
		}
	}
	return out
}

// Compile-time check: ensure MemoryLedgerStore implements LedgerStore interface
var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)
