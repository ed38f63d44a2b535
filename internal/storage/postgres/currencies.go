package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sheikh-saqib/fablab-ledger/internal/models"
)

const currencyColumns = `abbreviation, name, fractional_name, is_default, created_at`

func scanCurrency(row interface{ Scan(...any) error }) (models.Currency, error) {
	var c models.Currency
	err := row.Scan(&c.Abbreviation, &c.Name, &c.FractionalName, &c.IsDefault, &c.CreatedAt)
	return c, err
}

func (p *PostgresLedgerStore) CreateCurrency(ctx context.Context, c models.Currency) error {
	query := `INSERT INTO currencies (` + currencyColumns + `) VALUES ($1, $2, $3, $4, $5)`

	_, err := p.q.ExecContext(ctx, query, c.Abbreviation, c.Name, c.FractionalName, c.IsDefault, c.CreatedAt)
	return mapError(err)
}

func (p *PostgresLedgerStore) UpdateCurrency(ctx context.Context, c models.Currency) error {
	const query = `UPDATE currencies SET name = $2, fractional_name = $3, is_default = $4 WHERE abbreviation = $1`

	res, err := p.q.ExecContext(ctx, query, c.Abbreviation, c.Name, c.FractionalName, c.IsDefault)
	if err != nil {
		return mapError(err)
	}
	return expectRows(res, fmt.Errorf("currency %s: %w", c.Abbreviation, models.ErrCurrencyNotFound))
}

func (p *PostgresLedgerStore) GetCurrency(ctx context.Context, abbreviation string) (models.Currency, error) {
	query := `SELECT ` + currencyColumns + ` FROM currencies WHERE abbreviation = $1`

	c, err := scanCurrency(p.q.QueryRowContext(ctx, query, abbreviation))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Currency{}, fmt.Errorf("currency %s: %w", abbreviation, models.ErrCurrencyNotFound)
	}
	return c, err
}

func (p *PostgresLedgerStore) GetDefaultCurrency(ctx context.Context) (models.Currency, error) {
	query := `SELECT ` + currencyColumns + ` FROM currencies WHERE is_default LIMIT 1`

	c, err := scanCurrency(p.q.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Currency{}, fmt.Errorf("default currency: %w", models.ErrCurrencyNotFound)
	}
	return c, err
}

func (p *PostgresLedgerStore) ListCurrencies(ctx context.Context) ([]models.Currency, error) {
	query := `SELECT ` + currencyColumns + ` FROM currencies ORDER BY created_at, abbreviation`

	rows, err := p.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var currencies []models.Currency
	for rows.Next() {
		c, err := scanCurrency(rows)
		if err != nil {
			return nil, err
		}
		currencies = append(currencies, c)
	}
	return currencies, rows.Err()
}
