package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fablog is one visit to the lab. It collects positions and payments
// until it is fully paid, then it is closed for good.
type Fablog struct {
	ID        string
	Member    Member
	CreatedBy string
	CreatedAt time.Time
	ClosedBy  string
	ClosedAt  *time.Time
	Notes     string

	Positions []Position
	Payments  []Payment
	Bookings  []Booking
}

// IsClosed reports whether the fablog has been settled.
func (f *Fablog) IsClosed() bool {
	return f.ClosedAt != nil
}

// Total is the sum of all positions, expenses counting negative.
func (f *Fablog) Total() decimal.Decimal {
	return SumPositions(f.Positions)
}

// TotalPayments is the sum of all payments received.
func (f *Fablog) TotalPayments() decimal.Decimal {
	return SumPayments(f.Payments)
}

// TotalBookings is the sum of all bookings made for this fablog.
func (f *Fablog) TotalBookings() decimal.Decimal {
	return SumBookings(f.Bookings)
}

// Dues is what is still to be paid.
func (f *Fablog) Dues() decimal.Decimal {
	return f.Total().Sub(f.TotalPayments())
}

// ReadyToClose reports whether the fablog has something to pay for and
// all of it has been paid.
func (f *Fablog) ReadyToClose() bool {
	return !f.IsClosed() && f.Total().IsPositive() && f.Dues().IsZero()
}

// BookedByPosition sums the bookings made so far per position key.
func (f *Fablog) BookedByPosition() map[string]decimal.Decimal {
	booked := make(map[string]decimal.Decimal, len(f.Bookings))
	for _, b := range f.Bookings {
		if b.PositionKey == "" {
			continue
		}
		booked[b.PositionKey] = booked[b.PositionKey].Add(b.Amount)
	}
	return booked
}

// UnallocatedPayments returns the payments that have not been booked yet.
func (f *Fablog) UnallocatedPayments() []Payment {
	var out []Payment
	for _, p := range f.Payments {
		if !p.Allocated {
			out = append(out, p)
		}
	}
	return out
}

// Membership is an entry in a member's membership history.
type Membership struct {
	ID        string
	MemberID  string
	FablogID  string
	TypeName  string
	StartDate time.Time
	EndDate   time.Time
}

// ValidOn reports whether the membership covers day.
func (m Membership) ValidOn(day time.Time) bool {
	d := Civil(day)
	return !d.Before(Civil(m.StartDate)) && d.Before(Civil(m.EndDate))
}

// SettlementResult is what a settlement run produced.
type SettlementResult struct {
	FablogID string
	Bookings []Booking
	Closed   bool
	Dues     decimal.Decimal
}
