package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod describes how money changed hands and which journal it lands in.
type PaymentMethod struct {
	ShortName string // three letters, e.g. "CSH"
	LongName  string
	Account   string // journal the method books to
}

// Payment is money received for a fablog.
type Payment struct {
	ID        string
	FablogID  string
	Amount    decimal.Decimal
	Method    PaymentMethod
	Account   string // destination journal; falls back to Method.Account, then the default journal
	CreatedBy string
	CreatedAt time.Time
	Allocated bool // true once its money has been booked against positions
}

// Destination resolves the journal this payment books to.
func (p Payment) Destination(defaultJournal string) string {
	switch {
	case p.Account != "":
		return p.Account
	case p.Method.Account != "":
		return p.Method.Account
	default:
		return defaultJournal
	}
}

// SumPayments adds up payment amounts.
func SumPayments(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}
