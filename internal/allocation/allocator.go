package allocation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/fablab-ledger/internal/models"
	"github.com/sheikh-saqib/fablab-ledger/internal/money"
)

// PartSuffix marks the text of a booking that covers only part of a position.
const PartSuffix = " (part)"

// Allocator turns outstanding positions and unallocated payments into bookings.
type Allocator interface {
	Allocate(positions []models.Line, payments []models.Payment) (Result, error)
}

// Result is the outcome of one allocation run. Bookings are not posted yet:
// they carry no ID, snapshot or timestamp.
type Result struct {
	Bookings    []models.Booking
	Remaining   []models.Line   // positions still (partly) open, in input order
	Unallocated decimal.Decimal // payment money no position was left to take
}

// Total is the sum of all bookings in the result.
func (r Result) Total() decimal.Decimal {
	return models.SumBookings(r.Bookings)
}

// Greedy pays the largest remaining position from the largest remaining
// payment first.
type Greedy struct {
	// DefaultJournal receives bookings of payments without a destination,
	// and the bookings of negative positions (expenses and refunds).
	DefaultJournal string
}

type stackEntry struct {
	line      models.Line
	remaining decimal.Decimal
	index     int
}

// Allocate implements Allocator.
//
// Negative positions are booked first against the default journal. The
// money they stand for was paid out of the till during the visit, so their
// magnitude is spent on positive positions before any payment is.
func (g Greedy) Allocate(positions []models.Line, payments []models.Payment) (Result, error) {
	var res Result

	for _, p := range payments {
		if err := money.NonNegative("payment", p.Amount); err != nil {
			return Result{}, err
		}
	}

	refunds := decimal.Zero
	stack := make([]stackEntry, 0, len(positions))
	for i, line := range positions {
		switch {
		case line.Value.IsNegative():
			res.Bookings = append(res.Bookings, models.Booking{
				Account:       g.DefaultJournal,
				Kind:          models.KindCharge,
				Purpose:       PurposeFor(line.LineKind),
				ContraAccount: line.Contra,
				Amount:        line.Value,
				Comment:       line.Description,
				PositionKey:   line.LineKey,
			})
			refunds = refunds.Add(line.Value.Neg())
		case line.Value.IsPositive():
			stack = append(stack, stackEntry{line: line, remaining: line.Value, index: i})
		}
	}

	// Ascending, so the largest position sits on top. Equal amounts are
	// popped in input order.
	sort.SliceStable(stack, func(a, b int) bool {
		if c := stack[a].remaining.Cmp(stack[b].remaining); c != 0 {
			return c < 0
		}
		return stack[a].index > stack[b].index
	})

	sources := make([]models.Payment, 0, len(payments)+1)
	if refunds.IsPositive() {
		sources = append(sources, models.Payment{Amount: refunds, Account: g.DefaultJournal})
	}
	ordered := append([]models.Payment(nil), payments...)
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].Amount.GreaterThan(ordered[b].Amount)
	})
	sources = append(sources, ordered...)

	unallocated := decimal.Zero
	for _, pay := range sources {
		left := pay.Amount
		journal := pay.Destination(g.DefaultJournal)
		for left.IsPositive() && len(stack) > 0 {
			top := &stack[len(stack)-1]
			b := models.Booking{
				Account:       journal,
				Kind:          models.KindCharge,
				Purpose:       PurposeFor(top.line.LineKind),
				ContraAccount: top.line.Contra,
				Comment:       top.line.Description,
				PositionKey:   top.line.LineKey,
				PaymentID:     pay.ID,
			}
			if left.GreaterThanOrEqual(top.remaining) {
				b.Amount = top.remaining
				left = left.Sub(top.remaining)
				stack = stack[:len(stack)-1]
			} else {
				b.Amount = left
				b.Comment += PartSuffix
				top.remaining = top.remaining.Sub(left)
				left = decimal.Zero
			}
			res.Bookings = append(res.Bookings, b)
		}
		unallocated = unallocated.Add(left)
	}
	res.Unallocated = unallocated

	sort.SliceStable(stack, func(a, b int) bool { return stack[a].index < stack[b].index })
	for _, e := range stack {
		rest := e.line
		rest.Value = e.remaining
		res.Remaining = append(res.Remaining, rest)
	}
	return res, nil
}

// Check verifies that res neither invents nor loses money: the bookings add
// up to the smaller of positions and payments, and no position receives
// more than its amount.
func Check(positions []models.Line, payments []models.Payment, res Result) error {
	total := decimal.Zero
	limit := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		total = total.Add(p.Value)
		limit[p.LineKey] = limit[p.LineKey].Add(p.Value)
	}
	paid := models.SumPayments(payments)

	want := decimal.Min(total, paid)
	if got := res.Total(); !got.Equal(want) {
		return fmt.Errorf("%w: bookings sum to %s, expected %s (positions %s, payments %s)",
			models.ErrAllocationMismatch, money.Format(got), money.Format(want),
			money.Format(total), money.Format(paid))
	}

	booked := make(map[string]decimal.Decimal, len(positions))
	for _, b := range res.Bookings {
		booked[b.PositionKey] = booked[b.PositionKey].Add(b.Amount)
	}
	for key, amount := range booked {
		bound, ok := limit[key]
		if !ok || amount.Abs().GreaterThan(bound.Abs()) {
			return fmt.Errorf("%w: position %s booked %s of %s",
				models.ErrAllocationMismatch, key, money.Format(amount), money.Format(bound))
		}
	}
	return nil
}

// PurposeFor maps the kind of a position to the purpose of its bookings.
func PurposeFor(kind models.PositionKind) models.BookingPurpose {
	switch kind {
	case models.PositionMembership:
		return models.PurposeMembership
	case models.PositionDonation:
		return models.PurposeDonation
	case models.PositionExpense:
		return models.PurposeExpenses
	default:
		return models.PurposeFablog
	}
}
