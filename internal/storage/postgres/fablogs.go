package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	interfaces "github.com/sheikh-saqib/fablab-ledger/internal/interfaces"
	"github.com/sheikh-saqib/fablab-ledger/internal/models"
)

// ──────────────────────────────
// fablogs
// ──────────────────────────────

// CreateFablog inserts the fablog together with any positions and
// payments it already carries.
func (p *PostgresLedgerStore) CreateFablog(ctx context.Context, f models.Fablog) error {
	return p.WithTx(ctx, func(ctx context.Context, tx interfaces.LedgerStore) error {
		s := tx.(*PostgresLedgerStore)

		const query = `INSERT INTO fablogs
		(id, member_id, member_first_name, member_last_name, created_by, created_at, closed_by, closed_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

		_, err := s.q.ExecContext(ctx, query,
			f.ID, f.Member.ID, f.Member.FirstName, f.Member.LastName,
			f.CreatedBy, f.CreatedAt, f.ClosedBy, f.ClosedAt, f.Notes,
		)
		if err != nil {
			return mapError(err)
		}

		for _, pos := range f.Positions {
			if err := s.SavePosition(ctx, f.ID, pos); err != nil {
				return err
			}
		}
		for _, pay := range f.Payments {
			pay.FablogID = f.ID
			if err := s.SavePayment(ctx, pay); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresLedgerStore) GetFablog(ctx context.Context, id string) (*models.Fablog, error) {
	return p.loadFablog(ctx, id, "")
}

// LockFablog loads the fablog and holds its row lock until the
// transaction ends.
func (p *PostgresLedgerStore) LockFablog(ctx context.Context, id string) (*models.Fablog, error) {
	return p.loadFablog(ctx, id, " FOR UPDATE")
}

func (p *PostgresLedgerStore) loadFablog(ctx context.Context, id, lock string) (*models.Fablog, error) {
	query := `SELECT id, member_id, member_first_name, member_last_name, created_by, created_at,
	closed_by, closed_at, notes FROM fablogs WHERE id = $1` + lock

	var (
		f        models.Fablog
		closedAt sql.NullTime
	)
	err := p.q.QueryRowContext(ctx, query, id).Scan(
		&f.ID, &f.Member.ID, &f.Member.FirstName, &f.Member.LastName, &f.CreatedBy, &f.CreatedAt,
		&f.ClosedBy, &closedAt, &f.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fablog %s: %w", id, models.ErrFablogNotFound)
	}
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		f.ClosedAt = &t
	}

	if f.Positions, err = p.listPositions(ctx, id); err != nil {
		return nil, err
	}
	if f.Payments, err = p.listPayments(ctx, id); err != nil {
		return nil, err
	}
	if f.Bookings, err = p.ListBookingsByFablog(ctx, id); err != nil {
		return nil, err
	}
	return &f, nil
}

// CloseFablog stamps the closing actor and time. Closing twice is an error.
func (p *PostgresLedgerStore) CloseFablog(ctx context.Context, id, closedBy string, closedAt time.Time) error {
	const query = `UPDATE fablogs SET closed_by = $2, closed_at = $3 WHERE id = $1 AND closed_at IS NULL`

	res, err := p.q.ExecContext(ctx, query, id, closedBy, closedAt)
	if err != nil {
		return err
	}
	return expectRows(res, fmt.Errorf("fablog %s: %w", id, models.ErrRecordClosed))
}

func (p *PostgresLedgerStore) SetClosedBy(ctx context.Context, id, closedBy string) error {
	const query = `UPDATE fablogs SET closed_by = $2 WHERE id = $1`

	res, err := p.q.ExecContext(ctx, query, id, closedBy)
	if err != nil {
		return err
	}
	return expectRows(res, fmt.Errorf("fablog %s: %w", id, models.ErrFablogNotFound))
}

// ──────────────────────────────
// positions and payments
// ──────────────────────────────

func (p *PostgresLedgerStore) SavePosition(ctx context.Context, fablogID string, position models.Position) error {
	kind, details, err := encodePosition(position)
	if err != nil {
		return err
	}

	const query = `INSERT INTO positions (fablog_id, position_key, kind, amount, details)
	VALUES ($1, $2, $3, $4, $5)`

	_, err = p.q.ExecContext(ctx, query, fablogID, position.Key(), kind, position.Amount(), details)
	return mapError(err)
}

func (p *PostgresLedgerStore) listPositions(ctx context.Context, fablogID string) ([]models.Position, error) {
	const query = `SELECT kind, details FROM positions WHERE fablog_id = $1 ORDER BY seq`

	rows, err := p.q.QueryContext(ctx, query, fablogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var (
			kind    string
			details []byte
		)
		if err := rows.Scan(&kind, &details); err != nil {
			return nil, err
		}
		pos, err := decodePosition(models.PositionKind(kind), details)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func (p *PostgresLedgerStore) SavePayment(ctx context.Context, pay models.Payment) error {
	const query = `INSERT INTO payments
	(id, fablog_id, amount, method_short, method_long, method_account, account, created_by, created_at, allocated)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := p.q.ExecContext(ctx, query,
		pay.ID, pay.FablogID, pay.Amount, pay.Method.ShortName, pay.Method.LongName, pay.Method.Account,
		pay.Account, pay.CreatedBy, pay.CreatedAt, pay.Allocated,
	)
	return mapError(err)
}

func (p *PostgresLedgerStore) listPayments(ctx context.Context, fablogID string) ([]models.Payment, error) {
	const query = `SELECT id, fablog_id, amount, method_short, method_long, method_account, account,
	created_by, created_at, allocated FROM payments WHERE fablog_id = $1 ORDER BY seq`

	rows, err := p.q.QueryContext(ctx, query, fablogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var pay models.Payment
		err := rows.Scan(
			&pay.ID, &pay.FablogID, &pay.Amount, &pay.Method.ShortName, &pay.Method.LongName, &pay.Method.Account,
			&pay.Account, &pay.CreatedBy, &pay.CreatedAt, &pay.Allocated,
		)
		if err != nil {
			return nil, err
		}
		payments = append(payments, pay)
	}
	return payments, rows.Err()
}

// MarkPaymentsAllocated flags the payments as booked. Every ID must exist.
func (p *PostgresLedgerStore) MarkPaymentsAllocated(ctx context.Context, paymentIDs []string) error {
	if len(paymentIDs) == 0 {
		return nil
	}

	const query = `UPDATE payments SET allocated = TRUE WHERE id = ANY($1)`

	res, err := p.q.ExecContext(ctx, query, pq.Array(paymentIDs))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != int64(len(paymentIDs)) {
		return fmt.Errorf("payments %v: %w", paymentIDs, models.ErrNotFound)
	}
	return nil
}

// ──────────────────────────────
// memberships
// ──────────────────────────────

func (p *PostgresLedgerStore) SaveMembership(ctx context.Context, m models.Membership) error {
	const query = `INSERT INTO memberships (id, member_id, fablog_id, type_name, start_date, end_date)
	VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := p.q.ExecContext(ctx, query, m.ID, m.MemberID, m.FablogID, m.TypeName, m.StartDate, m.EndDate)
	return mapError(err)
}

func (p *PostgresLedgerStore) ListMemberships(ctx context.Context, memberID string) ([]models.Membership, error) {
	const query = `SELECT id, member_id, fablog_id, type_name, start_date, end_date
	FROM memberships WHERE member_id = $1 ORDER BY start_date, id`

	rows, err := p.q.QueryContext(ctx, query, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memberships []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.ID, &m.MemberID, &m.FablogID, &m.TypeName, &m.StartDate, &m.EndDate); err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}
