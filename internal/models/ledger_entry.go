package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a financial account or journal that bookings are posted to.
type Account struct {
	Number    string    // unique account number, e.g. "1000"
	Name      string    // display name
	IsDefault bool      // target for unclassified bookings; at most one account
	CreatedAt time.Time // timestamp
}

// BalanceSnapshot is the balance of an account right after one booking.
// Snapshots are append-only; Seq increases by one per account.
type BalanceSnapshot struct {
	ID        string
	Account   string
	Seq       int64
	Balance   decimal.Decimal // expected balance
	Counted   decimal.Decimal // balance according to the last cash count plus later movements
	CreatedAt time.Time
}

// Difference is counted minus expected.
func (s BalanceSnapshot) Difference() decimal.Decimal {
	return s.Counted.Sub(s.Balance)
}

// BookingKind decides how a booking moves the balance snapshot.
type BookingKind string

const (
	// KindCharge moves both the expected and the counted balance.
	KindCharge BookingKind = "charge"
	// KindCount records that the till was counted to contain Amount.
	KindCount BookingKind = "count"
	// KindCorrection moves only the expected balance.
	KindCorrection BookingKind = "correction"
)

// BookingPurpose classifies what a booking was for.
type BookingPurpose string

const (
	PurposeFablog     BookingPurpose = "fablog"
	PurposeDonation   BookingPurpose = "donation"
	PurposeStore      BookingPurpose = "store"
	PurposeExpenses   BookingPurpose = "expenses"
	PurposeCorrection BookingPurpose = "correction"
	PurposeMembership BookingPurpose = "membership"
	PurposeOpening    BookingPurpose = "opening"
)

// Booking is a posted ledger entry. It never changes after it is saved.
type Booking struct {
	ID            string          // unique identifier
	Account       string          // account/journal whose balance moves
	Kind          BookingKind     // charge, count or correction
	Purpose       BookingPurpose  // what the money was for
	ContraAccount string          // counterpart account for double entry
	Amount        decimal.Decimal // signed
	Timestamp     time.Time       // when it was posted
	SnapshotID    string          // balance after this booking
	Comment       string
	CreatedBy     string // actor who posted it
	PayedByTo     string // member who paid / got paid, optional
	FablogID      string // owning fablog, empty for journal bookings
	PositionKey   string // settled position, empty for journal bookings
	PaymentID     string // payment the money came from
}

// Apply returns the snapshot that results from posting b on top of prev.
// prev may be the zero value for an account's first booking.
func (b Booking) Apply(prev BalanceSnapshot) BalanceSnapshot {
	next := BalanceSnapshot{
		Account: b.Account,
		Seq:     prev.Seq + 1,
		Balance: prev.Balance,
		Counted: prev.Counted,
	}
	switch b.Kind {
	case KindCount:
		next.Counted = b.Amount
	case KindCorrection:
		next.Balance = prev.Balance.Add(b.Amount)
	default:
		next.Balance = prev.Balance.Add(b.Amount)
		next.Counted = prev.Counted.Add(b.Amount)
	}
	return next
}

// SumBookings adds up booking amounts.
func SumBookings(bookings []Booking) decimal.Decimal {
	total := decimal.Zero
	for _, b := range bookings {
		total = total.Add(b.Amount)
	}
	return total
}
