package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/fablab-ledger/internal/models"
)

func TestDefaultCurrencyIsUnique(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.CreateCurrency(ctx, models.Currency{Abbreviation: "EUR", Name: "Euro", FractionalName: "Cent", IsDefault: true})
	require.NoError(t, err)

	_, err = l.CreateCurrency(ctx, models.Currency{Abbreviation: "USD", Name: "Dollar", FractionalName: "Cent", IsDefault: true})
	assert.ErrorIs(t, err, models.ErrDuplicateDefault)
	assert.True(t, models.IsValidationError(err))

	_, err = l.CreateCurrency(ctx, models.Currency{Abbreviation: "CHF", Name: "Franken", FractionalName: "Rappen"})
	require.NoError(t, err)
	assert.ErrorIs(t, l.SetDefaultCurrency(ctx, "CHF"), models.ErrDuplicateDefault)
	assert.NoError(t, l.SetDefaultCurrency(ctx, "EUR"))
	assert.ErrorIs(t, l.SetDefaultCurrency(ctx, "GBP"), models.ErrCurrencyNotFound)

	def, err := l.DefaultCurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, "EUR: Euro/Cent", def.String())

	currencies, err := l.Currencies(ctx)
	require.NoError(t, err)
	assert.Len(t, currencies, 2)
}

func TestDefaultCurrencyIsUniqueUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	const n = 16
	codes := make([]string, n)
	for i := range codes {
		codes[i] = "X" + string(rune('A'+i)) + "Z"
		_, err := l.CreateCurrency(ctx, models.Currency{Abbreviation: codes[i], Name: "Token " + codes[i]})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			errs <- l.SetDefaultCurrency(ctx, code)
		}(code)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, models.ErrDuplicateDefault), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	defaults := 0
	currencies, err := l.Currencies(ctx)
	require.NoError(t, err)
	for _, c := range currencies {
		if c.IsDefault {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestEnsureCurrencyIsRepeatable(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.EnsureCurrency(ctx, models.Currency{Abbreviation: "eur", Name: "Euro"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	first, err := l.EnsureCurrency(ctx, models.Currency{Abbreviation: "EUR", Name: "Euro", FractionalName: "Cent"})
	require.NoError(t, err)
	again, err := l.EnsureCurrency(ctx, models.Currency{Abbreviation: "EUR", Name: "Euro renamed"})
	require.NoError(t, err)
	assert.Equal(t, first, again)
}
