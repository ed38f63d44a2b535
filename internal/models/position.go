package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/fablab-ledger/internal/money"
)

// DateLayout is how dates appear in position texts.
const DateLayout = "02.01.2006"

// PositionKind tags the concrete source of a position.
type PositionKind string

const (
	PositionMachineUsage PositionKind = "machine_usage"
	PositionMembership   PositionKind = "membership"
	PositionDonation     PositionKind = "donation"
	PositionExpense      PositionKind = "expense"
	PositionLine         PositionKind = "line"
)

// Position is a pending charge (or, for expenses, a credit) on a fablog.
// The splitter and the allocator only see this interface.
type Position interface {
	Key() string
	Kind() PositionKind
	Amount() decimal.Decimal
	ContraAccount() string
	Text() string
}

// Validator is implemented by positions that can reject their own input.
type Validator interface {
	Validate() error
}

// Spanning is implemented by positions that cover a date range and may
// have to be split across fiscal years.
type Spanning interface {
	Position
	StartDate() time.Time
	EndDate() time.Time
	CurrentPeriodAccount() string
	NextPeriodAccount() string
	Describe(from, to time.Time) string
}

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Line is a normalized position. The splitter emits Lines and the
// coordinator resolves contra accounts into them.
type Line struct {
	LineKey     string
	LineKind    PositionKind
	Value       decimal.Decimal
	Contra      string
	Description string
	Period      *DateRange
}

func (l Line) Key() string             { return l.LineKey }
func (l Line) Kind() PositionKind      { return l.LineKind }
func (l Line) Amount() decimal.Decimal { return l.Value }
func (l Line) ContraAccount() string   { return l.Contra }
func (l Line) Text() string            { return l.Description }

// ToLine copies any position into a Line.
func ToLine(p Position) Line {
	if l, ok := p.(Line); ok {
		return l
	}
	return Line{
		LineKey:     p.Key(),
		LineKind:    p.Kind(),
		Value:       p.Amount(),
		Contra:      p.ContraAccount(),
		Description: p.Text(),
	}
}

// Machine is a machine that can be used during a fablog.
type Machine struct {
	ID            string
	Name          string
	Unit          time.Duration // billing unit, 30 minutes by default
	PricePerUnit  decimal.Decimal
	ContraAccount string
}

// MachineUsage is one timed session on a machine.
type MachineUsage struct {
	ID      string
	Machine Machine
	Start   time.Time
	End     time.Time
}

func (m MachineUsage) Key() string           { return m.ID }
func (m MachineUsage) Kind() PositionKind    { return PositionMachineUsage }
func (m MachineUsage) ContraAccount() string { return m.Machine.ContraAccount }

func (m MachineUsage) Text() string {
	return fmt.Sprintf("Usage fee %s", m.Machine.Name)
}

// Duration is End - Start, or zero when the session has no end.
func (m MachineUsage) Duration() time.Duration {
	if m.End.IsZero() || m.End.Before(m.Start) {
		return 0
	}
	return m.End.Sub(m.Start)
}

// Units is the number of started billing units.
func (m MachineUsage) Units() int64 {
	if m.Machine.Unit <= 0 {
		return 0
	}
	d := m.Duration()
	return int64((d + m.Machine.Unit - 1) / m.Machine.Unit)
}

// Amount is units times price per unit.
func (m MachineUsage) Amount() decimal.Decimal {
	amount, err := money.Times(m.Machine.PricePerUnit, m.Units())
	if err != nil {
		return decimal.Zero
	}
	return amount
}

func (m MachineUsage) Validate() error {
	if m.Start.IsZero() || m.End.IsZero() {
		return fmt.Errorf("%w: machine usage needs a start and an end time", ErrInvalidInput)
	}
	if m.End.Before(m.Start) {
		return fmt.Errorf("%w: %s ends %s before it starts %s", ErrOrderingViolation,
			m.Machine.Name, m.End.Format(time.RFC3339), m.Start.Format(time.RFC3339))
	}
	if m.Machine.Unit <= 0 {
		return fmt.Errorf("%w: machine %s has no billing unit", ErrInvalidInput, m.Machine.Name)
	}
	return money.NonNegative("price per unit", m.Machine.PricePerUnit)
}

// Member is the person a fablog belongs to.
type Member struct {
	ID        string
	FirstName string
	LastName  string
}

// FullName is "First Last", trimmed.
func (m Member) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

// MembershipType is a purchasable membership.
type MembershipType struct {
	ID                   string
	Name                 string
	DurationDays         int
	Price                decimal.Decimal
	ContraAccountCurrent string // fiscal year the membership starts in
	ContraAccountNext    string // following fiscal year
}

// MembershipEnrollment enrolls a member into a membership type from StartDate.
type MembershipEnrollment struct {
	ID     string
	Member Member
	Type   MembershipType
	Start  time.Time
}

func (m MembershipEnrollment) Key() string             { return m.ID }
func (m MembershipEnrollment) Kind() PositionKind      { return PositionMembership }
func (m MembershipEnrollment) Amount() decimal.Decimal { return m.Type.Price }
func (m MembershipEnrollment) ContraAccount() string   { return m.Type.ContraAccountCurrent }
func (m MembershipEnrollment) StartDate() time.Time    { return Civil(m.Start) }

// EndDate is StartDate plus the membership duration.
func (m MembershipEnrollment) EndDate() time.Time {
	return m.StartDate().AddDate(0, 0, m.Type.DurationDays)
}

func (m MembershipEnrollment) CurrentPeriodAccount() string { return m.Type.ContraAccountCurrent }
func (m MembershipEnrollment) NextPeriodAccount() string    { return m.Type.ContraAccountNext }

func (m MembershipEnrollment) Text() string {
	return fmt.Sprintf("%s (%s)", m.Describe(m.StartDate(), m.EndDate()), m.Type.Name)
}

// Describe renders "<member> <from> - <to>".
func (m MembershipEnrollment) Describe(from, to time.Time) string {
	return fmt.Sprintf("%s %s - %s", m.Member.FullName(), from.Format(DateLayout), to.Format(DateLayout))
}

func (m MembershipEnrollment) Validate() error {
	if m.Start.IsZero() {
		return fmt.Errorf("%w: membership needs a start date", ErrInvalidInput)
	}
	if m.Type.DurationDays <= 0 {
		return fmt.Errorf("%w: membership %s has no duration", ErrInvalidInput, m.Type.Name)
	}
	return money.NonNegative("membership price", m.Type.Price)
}

// Donation is money given to the lab. An empty contra account is resolved
// to the configured donation account at settlement time.
type Donation struct {
	ID     string
	Donor  Member
	Value  decimal.Decimal
	Contra string
}

func (d Donation) Key() string             { return d.ID }
func (d Donation) Kind() PositionKind      { return PositionDonation }
func (d Donation) Amount() decimal.Decimal { return d.Value }
func (d Donation) ContraAccount() string   { return d.Contra }

func (d Donation) Text() string {
	if name := d.Donor.FullName(); name != "" {
		return "Donation from " + name
	}
	return "Donation"
}

func (d Donation) Validate() error {
	return money.Positive("donation", d.Value)
}

// Expense is money paid out of the till during a fablog, e.g. a refund.
// Value is the positive magnitude; Amount is negative.
type Expense struct {
	ID          string
	Value       decimal.Decimal
	Contra      string
	Description string
}

func (e Expense) Key() string             { return e.ID }
func (e Expense) Kind() PositionKind      { return PositionExpense }
func (e Expense) Amount() decimal.Decimal { return e.Value.Neg() }
func (e Expense) ContraAccount() string   { return e.Contra }
func (e Expense) Text() string            { return e.Description }

func (e Expense) Validate() error {
	return money.Positive("expense", e.Value)
}

// SumPositions adds up position amounts, expenses counting negative.
func SumPositions(positions []Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Amount())
	}
	return total
}

// Civil truncates t to its calendar date in UTC.
func Civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
