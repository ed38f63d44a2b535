package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	interfaces "github.com/sheikh-saqib/fablab-ledger/internal/interfaces" // interface LedgerStore
	"github.com/sheikh-saqib/fablab-ledger/internal/models"
)

// querier is what *sql.DB and *sql.Tx have in common.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresLedgerStore implements interfaces.LedgerStore on PostgreSQL.
// The store returned to a WithTx callback runs every statement in that
// transaction.
type PostgresLedgerStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db: db,
		q:  db,
	}
}

// WithTx runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise. Inside a transaction it joins the running one.
func (p *PostgresLedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx interfaces.LedgerStore) error) (err error) {
	if p.inTx {
		return fn(ctx, p)
	}

	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = dbTx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = dbTx.Rollback()
		}
	}()

	if err = fn(ctx, &PostgresLedgerStore{db: p.db, q: dbTx, inTx: true}); err != nil {
		return err
	}
	return dbTx.Commit()
}

// mapError turns constraint violations into ledger errors.
func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code.Name() {
	case "unique_violation":
		if pqErr.Constraint == "accounts_one_default" || pqErr.Constraint == "currencies_one_default" {
			return fmt.Errorf("%w: %s", models.ErrDuplicateDefault, pqErr.Message)
		}
		return fmt.Errorf("%w: %s", models.ErrAlreadyExists, pqErr.Message)
	case "foreign_key_violation":
		return fmt.Errorf("%w: %s", models.ErrNotFound, pqErr.Message)
	}
	return err
}

// ──────────────────────────────
// accounts
// ──────────────────────────────

func (p *PostgresLedgerStore) CreateAccount(ctx context.Context, account models.Account) error {
	const query = `INSERT INTO accounts (number, name, is_default, created_at)
	VALUES ($1, $2, $3, $4)`

	_, err := p.q.ExecContext(ctx, query, account.Number, account.Name, account.IsDefault, account.CreatedAt)
	return mapError(err)
}

func (p *PostgresLedgerStore) UpdateAccount(ctx context.Context, account models.Account) error {
	const query = `UPDATE accounts SET name = $2, is_default = $3 WHERE number = $1`

	res, err := p.q.ExecContext(ctx, query, account.Number, account.Name, account.IsDefault)
	if err != nil {
		return mapError(err)
	}
	return expectRows(res, fmt.Errorf("account %s: %w", account.Number, models.ErrAccountNotFound))
}

const accountColumns = `number, name, is_default, created_at`

func scanAccount(row interface{ Scan(...any) error }) (models.Account, error) {
	var acc models.Account
	err := row.Scan(&acc.Number, &acc.Name, &acc.IsDefault, &acc.CreatedAt)
	return acc, err
}

func (p *PostgresLedgerStore) GetAccount(ctx context.Context, number string) (models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE number = $1`

	acc, err := scanAccount(p.q.QueryRowContext(ctx, query, number))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account %s: %w", number, models.ErrAccountNotFound)
	}
	return acc, err
}

func (p *PostgresLedgerStore) GetDefaultAccount(ctx context.Context) (models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE is_default LIMIT 1`

	acc, err := scanAccount(p.q.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, fmt.Errorf("default account: %w", models.ErrAccountNotFound)
	}
	return acc, err
}

func (p *PostgresLedgerStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at, number`

	rows, err := p.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// LockAccount takes a row lock on the account until the transaction ends.
func (p *PostgresLedgerStore) LockAccount(ctx context.Context, number string) error {
	const query = `SELECT number FROM accounts WHERE number = $1 FOR UPDATE`

	var locked string
	err := p.q.QueryRowContext(ctx, query, number).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("account %s: %w", number, models.ErrAccountNotFound)
	}
	return err
}

// ──────────────────────────────
// balance snapshots
// ──────────────────────────────

const snapshotColumns = `id, account, seq, balance, counted, created_at`

func scanSnapshot(row interface{ Scan(...any) error }) (models.BalanceSnapshot, error) {
	var s models.BalanceSnapshot
	err := row.Scan(&s.ID, &s.Account, &s.Seq, &s.Balance, &s.Counted, &s.CreatedAt)
	return s, err
}

func (p *PostgresLedgerStore) querySnapshot(ctx context.Context, query string, args ...any) (*models.BalanceSnapshot, error) {
	s, err := scanSnapshot(p.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresLedgerStore) LastSnapshot(ctx context.Context, account string) (*models.BalanceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM balance_snapshots
	WHERE account = $1 ORDER BY seq DESC LIMIT 1`
	return p.querySnapshot(ctx, query, account)
}

func (p *PostgresLedgerStore) SnapshotAt(ctx context.Context, account string, asOf time.Time) (*models.BalanceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM balance_snapshots
	WHERE account = $1 AND created_at <= $2 ORDER BY seq DESC LIMIT 1`
	return p.querySnapshot(ctx, query, account, asOf)
}

func (p *PostgresLedgerStore) SaveSnapshot(ctx context.Context, s models.BalanceSnapshot) error {
	const query = `INSERT INTO balance_snapshots (id, account, seq, balance, counted, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := p.q.ExecContext(ctx, query, s.ID, s.Account, s.Seq, s.Balance, s.Counted, s.CreatedAt)
	return mapError(err)
}

func (p *PostgresLedgerStore) ListSnapshots(ctx context.Context, account string) ([]models.BalanceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM balance_snapshots WHERE account = $1 ORDER BY seq`

	rows, err := p.q.QueryContext(ctx, query, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []models.BalanceSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// ──────────────────────────────
// bookings
// ──────────────────────────────

const bookingColumns = `id, account, kind, purpose, contra_account, amount, booked_at, snapshot_id,
	comment, created_by, payed_by_to, fablog_id, position_key, payment_id`

func (p *PostgresLedgerStore) SaveBooking(ctx context.Context, b models.Booking) error {
	query := `INSERT INTO bookings (` + bookingColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := p.q.ExecContext(ctx, query,
		b.ID, b.Account, b.Kind, b.Purpose, b.ContraAccount, b.Amount, b.Timestamp, b.SnapshotID,
		b.Comment, b.CreatedBy, b.PayedByTo, b.FablogID, b.PositionKey, b.PaymentID,
	)
	return mapError(err)
}

func (p *PostgresLedgerStore) ListBookingsByAccount(ctx context.Context, account string) ([]models.Booking, error) {
	return p.listBookings(ctx, `WHERE account = $1`, account)
}

func (p *PostgresLedgerStore) ListBookingsByFablog(ctx context.Context, fablogID string) ([]models.Booking, error) {
	return p.listBookings(ctx, `WHERE fablog_id = $1`, fablogID)
}

func (p *PostgresLedgerStore) listBookings(ctx context.Context, where string, args ...any) ([]models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings ` + where + ` ORDER BY seq`

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []models.Booking
	for rows.Next() {
		var b models.Booking
		err := rows.Scan(
			&b.ID, &b.Account, &b.Kind, &b.Purpose, &b.ContraAccount, &b.Amount, &b.Timestamp, &b.SnapshotID,
			&b.Comment, &b.CreatedBy, &b.PayedByTo, &b.FablogID, &b.PositionKey, &b.PaymentID,
		)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func expectRows(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// Compile-time check: ensure PostgresLedgerStore implements LedgerStore interface
var _ interfaces.LedgerStore = (*PostgresLedgerStore)(nil)
