package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/fablab-ledger/internal/allocation"
	"github.com/sheikh-saqib/fablab-ledger/internal/config"
	"github.com/sheikh-saqib/fablab-ledger/internal/ledger"
	"github.com/sheikh-saqib/fablab-ledger/internal/metrics"
	"github.com/sheikh-saqib/fablab-ledger/internal/models"
	"github.com/sheikh-saqib/fablab-ledger/internal/models/events"
	"github.com/sheikh-saqib/fablab-ledger/internal/money"
	"github.com/sheikh-saqib/fablab-ledger/internal/storage/memory"
)

type published struct {
	topic string
	key   string
	event any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{topic: topic, key: key, event: event})
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.topic
	}
	return out
}

type fixture struct {
	ctx     context.Context
	c       *Coordinator
	ledger  *ledger.Ledger
	store   *memory.MemoryLedgerStore
	pub     *recordingPublisher
	hook    *test.Hook
	metrics *metrics.Collector
}

var testSettings = config.LedgerSettings{
	DefaultAccount:        "8200",
	DefaultJournal:        "1000",
	DonationContraAccount: "3601",
	SplitRounding:         money.RoundHalfUp,
	VerifyAllocations:     true,
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}

	store := memory.NewMemoryLedgerStore()
	l := ledger.NewLedger(store, ledger.WithLogger(logger), ledger.WithClock(clock))
	_, err := l.CreateAccount(ctx, models.Account{Number: "1000", Name: "Cash", IsDefault: true}, "admin")
	require.NoError(t, err)
	_, err = l.CreateAccount(ctx, models.Account{Number: "1200", Name: "Card terminal"}, "admin")
	require.NoError(t, err)

	pub := &recordingPublisher{}
	m := metrics.NewCollector("fablab-ledger", "test")
	base := []Option{WithLogger(logger), WithPublisher(pub), WithMetrics(m), WithClock(clock)}
	c := NewCoordinator(store, l, testSettings, append(base, opts...)...)

	return &fixture{ctx: ctx, c: c, ledger: l, store: store, pub: pub, hook: hook, metrics: m}
}

var (
	member = models.Member{ID: "u1", FirstName: "Grace", LastName: "Hopper"}
	laser  = models.Machine{
		ID:            "laser",
		Name:          "Laser",
		Unit:          time.Hour,
		PricePerUnit:  money.MustParse("60"),
		ContraAccount: "4000",
	}
	basic = models.MembershipType{
		Name:                 "Basic",
		DurationDays:         180,
		Price:                money.MustParse("80"),
		ContraAccountCurrent: "3000",
		ContraAccountNext:    "3001",
	}
)

func laserUsage(id string, minutes int) models.MachineUsage {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return models.MachineUsage{ID: id, Machine: laser, Start: start, End: start.Add(time.Duration(minutes) * time.Minute)}
}

func (f *fixture) open(t *testing.T, positions ...models.Position) *models.Fablog {
	t.Helper()
	fablog, err := f.c.OpenFablog(f.ctx, models.Fablog{Member: member, Positions: positions}, "staff")
	require.NoError(t, err)
	return fablog
}

func (f *fixture) pay(t *testing.T, fablogID, amount, actor string) models.SettlementResult {
	t.Helper()
	res, err := f.c.RecordPayment(f.ctx, fablogID, models.Payment{Amount: money.MustParse(amount)}, actor, RecordOptions{})
	require.NoError(t, err)
	return res
}

func TestWorkedExample(t *testing.T) {
	f := newFixture(t)
	enrollment := models.MembershipEnrollment{ID: "m1", Member: member, Type: basic, Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	fablog := f.open(t, laserUsage("usage1", 90), enrollment)
	assert.Equal(t, "200.00", money.Format(fablog.Total()))

	res := f.pay(t, fablog.ID, "150.00", "alice")
	require.Len(t, res.Bookings, 2)
	assert.Equal(t, "120.00", money.Format(res.Bookings[0].Amount))
	assert.Equal(t, "Usage fee Laser", res.Bookings[0].Comment)
	assert.Equal(t, "4000", res.Bookings[0].ContraAccount)
	assert.Equal(t, "30.00", money.Format(res.Bookings[1].Amount))
	assert.True(t, strings.HasSuffix(res.Bookings[1].Comment, allocation.PartSuffix))
	assert.Equal(t, models.PurposeMembership, res.Bookings[1].Purpose)
	assert.False(t, res.Closed)
	assert.Equal(t, "50.00", money.Format(res.Dues))

	res = f.pay(t, fablog.ID, "50.00", "bob")
	require.Len(t, res.Bookings, 1)
	assert.Equal(t, "50.00", money.Format(res.Bookings[0].Amount))
	assert.Equal(t, "m1", res.Bookings[0].PositionKey)
	assert.False(t, strings.HasSuffix(res.Bookings[0].Comment, allocation.PartSuffix))
	assert.True(t, res.Closed)
	assert.True(t, res.Dues.IsZero())

	closed, err := f.c.Fablog(f.ctx, fablog.ID)
	require.NoError(t, err)
	assert.True(t, closed.IsClosed())
	assert.Equal(t, "bob", closed.ClosedBy)
	assert.Equal(t, "200.00", money.Format(closed.TotalBookings()))

	balance, err := f.c.AccountBalance(f.ctx, "1000", nil)
	require.NoError(t, err)
	assert.Equal(t, "200.00", money.Format(balance))
	assert.NoError(t, f.ledger.VerifyChain(f.ctx, "1000"))

	history, err := f.c.Memberships(f.ctx, member.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Basic", history[0].TypeName)
	assert.Equal(t, time.Date(2024, 8, 28, 0, 0, 0, 0, time.UTC), history[0].EndDate)

	assert.Equal(t, []string{
		events.TopicPaymentRecorded,
		events.TopicPaymentRecorded,
		events.TopicSettlementComplete,
	}, f.pub.topics())
	series, err := testutil.GatherAndCount(f.metrics.Registry(), "fablab_ledger_settlements_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series, "one open and one closed outcome")
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	fablog := f.open(t, laserUsage("usage1", 30))

	res := f.pay(t, fablog.ID, "60", "alice")
	require.True(t, res.Closed)

	before, err := f.ledger.Bookings(f.ctx, "1000")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		again, err := f.c.Settle(f.ctx, fablog.ID)
		require.NoError(t, err)
		assert.True(t, again.Closed)
		require.Len(t, again.Bookings, 1)
		assert.Equal(t, res.Bookings[0].ID, again.Bookings[0].ID)
	}

	after, err := f.ledger.Bookings(f.ctx, "1000")
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
	assert.Len(t, f.pub.topics(), 2, "a no-op settle publishes nothing")
}

func TestSettleLeavesUnpaidFablogOpen(t *testing.T) {
	f := newFixture(t)
	fablog := f.open(t, laserUsage("usage1", 30))

	res, err := f.c.Settle(f.ctx, fablog.ID)
	require.NoError(t, err)
	assert.False(t, res.Closed)
	assert.Empty(t, res.Bookings)
	assert.Equal(t, "60.00", money.Format(res.Dues))
}

func TestEmptyFablogNeverCloses(t *testing.T) {
	f := newFixture(t)
	fablog := f.open(t)

	res, err := f.c.Settle(f.ctx, fablog.ID)
	require.NoError(t, err)
	assert.False(t, res.Closed)

	_, err = f.c.RecordPayment(f.ctx, fablog.ID, models.Payment{Amount: money.MustParse("5")}, "alice", RecordOptions{})
	assert.ErrorIs(t, err, models.ErrOverpayment)
}

func TestPartialPaymentsKeepMoney(t *testing.T) {
	f := newFixture(t)
	fablog := f.open(t, laserUsage("usage1", 150), models.Donation{ID: "d1", Donor: member, Value: money.MustParse("20")})

	total := money.MustParse("0")
	for _, amount := range []string{"33.33", "66.67", "100"} {
		res := f.pay(t, fablog.ID, amount, "alice")
		assert.Equal(t, money.Format(money.MustParse(amount)), money.Format(models.SumBookings(res.Bookings)))
		total = total.Add(money.MustParse(amount))
		if total.LessThan(money.MustParse("200")) {
			assert.False(t, res.Closed)
		}
	}

	closed, err := f.c.Fablog(f.ctx, fablog.ID)
	require.NoError(t, err)
	assert.True(t, closed.IsClosed())

	byContra := map[string]decimal.Decimal{}
	for _, b := range closed.Bookings {
		byContra[b.ContraAccount] = byContra[b.ContraAccount].Add(b.Amount)
	}
	assert.Equal(t, "180.00", money.Format(byContra["4000"]))
	assert.Equal(t, "20.00", money.Format(byContra["3601"]), "donations without a contra account go to the donation account")
}

func TestOverpayment(t *testing.T) {
	f := newFixture(t)
	fablog := f.open(t, laserUsage("usage1", 30))

	_, err := f.c.RecordPayment(f.ctx, fablog.ID, models.Payment{Amount: money.MustParse("100")}, "alice", RecordOptions{})
	require.ErrorIs(t, err, models.ErrOverpayment)
	assert.True(t, models.IsValidationError(err))

	unchanged, err := f.c.Fablog(f.ctx, fablog.ID)
	require.NoError(t, err)
	assert.Empty(t, unchanged.Payments)
	assert.Len(t, unchanged.Positions, 1)

	res, err := f.c.RecordPayment(f.ctx, fablog.ID, models.Payment{Amount: money.MustParse("100")}, "alice",
		RecordOptions{RemainderAsDonation: true})
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.Equal(t, "100.00", money.Format(models.SumBookings(res.Bookings)))

	var donation *models.Booking
	for i := range res.Bookings {
		if res.Bookings[i].Purpose == models.PurposeDonation {
			donation = &res.Bookings[i]
		}
	}
	require.NotNil(t, donation)
	assert.Equal(t, "40.00", money.Format(donation.Amount))
	assert.Equal(t, "3601", donation.ContraAccount)
	assert.Equal(t, "Donation from Grace Hopper", donation.Comment)
}

func TestClosedFablogRejectsChanges(t *testing.T) {
	f := newFixture(t)
	fablog := f.open(t, laserUsage("usage1", 30))
	f.pay(t, fablog.ID, "60", "alice")

	err := f.c.AddPosition(f.ctx, fablog.ID, laserUsage("usage2", 30))
	assert.ErrorIs(t, err, models.ErrRecordClosed)

	_, err = f.c.RecordPayment(f.ctx, fablog.ID, models.Payment{Amount: money.MustParse("1")}, "alice", RecordOptions{})
	assert.ErrorIs(t, err, models.ErrRecordClosed)
}

type brokenAllocator struct{}

func (brokenAllocator) Allocate(positions []models.Line, payments []models.Payment) (allocation.Result, error) {
	var res allocation.Result
	for _, p := range positions {
		b := models.Booking{Account: "1000", PositionKey: p.LineKey, Amount: p.Value.Add(money.MustParse("0.01"))}
		res.Bookings = append(res.Bookings, b)
	}
	return res, nil
}

func TestAllocationMismatchRollsBack(t *testing.T) {
	f := newFixture(t, WithAllocator(func(config.LedgerSettings) allocation.Allocator { return brokenAllocator{} }))
	fablog := f.open(t, laserUsage("usage1", 30))

	_, err := f.c.RecordPayment(f.ctx, fablog.ID, models.Payment{Amount: money.MustParse("60")}, "alice", RecordOptions{})
	require.ErrorIs(t, err, models.ErrAllocationMismatch)
	assert.True(t, models.IsInternal(err))

	after, err := f.c.Fablog(f.ctx, fablog.ID)
	require.NoError(t, err)
	assert.False(t, after.IsClosed())
	assert.Empty(t, after.Payments)
	assert.Empty(t, after.Bookings)

	balance, err := f.c.AccountBalance(f.ctx, "1000", nil)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
	assert.Empty(t, f.pub.topics())

	var logged bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestMembershipSplitAcrossYears(t *testing.T) {
	f := newFixture(t)
	annual := basic
	annual.Name = "Annual"
	annual.DurationDays = 365
	annual.Price = money.MustParse("120")
	enrollment := models.MembershipEnrollment{ID: "m1", Member: member, Type: annual, Start: time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC)}
	fablog := f.open(t, enrollment)

	res := f.pay(t, fablog.ID, "120", "alice")
	require.True(t, res.Closed)
	require.Len(t, res.Bookings, 2)

	got := map[string]string{}
	for _, b := range res.Bookings {
		got[b.ContraAccount] = money.Format(b.Amount)
	}
	assert.Equal(t, map[string]string{"3000": "30.00", "3001": "90.00"}, got)

	history, err := f.c.Memberships(f.ctx, member.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].ValidOn(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)))
}

func TestExpenseReducesDues(t *testing.T) {
	f := newFixture(t)
	fablog := f.open(t, laserUsage("usage1", 120), models.Expense{ID: "e1", Value: money.MustParse("15"), Contra: "5000", Description: "Filament"})
	assert.Equal(t, "105.00", money.Format(fablog.Dues()))

	res := f.pay(t, fablog.ID, "105", "alice")
	assert.True(t, res.Closed)
	assert.Equal(t, "105.00", money.Format(models.SumBookings(res.Bookings)))

	balance, err := f.c.AccountBalance(f.ctx, "1000", nil)
	require.NoError(t, err)
	assert.Equal(t, "105.00", money.Format(balance))
}

func TestPaymentUsesMethodJournal(t *testing.T) {
	f := newFixture(t)
	fablog := f.open(t, laserUsage("usage1", 30))

	card := models.Payment{Amount: money.MustParse("60"), Method: models.PaymentMethod{ShortName: "CRD", Account: "1200"}}
	res, err := f.c.RecordPayment(f.ctx, fablog.ID, card, "alice", RecordOptions{})
	require.NoError(t, err)
	require.Len(t, res.Bookings, 1)
	assert.Equal(t, "1200", res.Bookings[0].Account)

	unknown := models.Payment{Amount: money.MustParse("1"), Account: "9999"}
	other := f.open(t, laserUsage("usage2", 30))
	_, err = f.c.RecordPayment(f.ctx, other.ID, unknown, "alice", RecordOptions{})
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestPublishFailureIsLoggedNotReturned(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker down")
	fablog := f.open(t, laserUsage("usage1", 30))

	res := f.pay(t, fablog.ID, "60", "alice")
	assert.True(t, res.Closed)

	var failures int
	for _, e := range f.hook.AllEntries() {
		if e.Message == "failed to publish event" {
			failures++
		}
	}
	assert.Equal(t, 2, failures)
}

func TestConcurrentPaymentsOnOneFablog(t *testing.T) {
	f := newFixture(t)
	fablog := f.open(t, laserUsage("usage1", 600)) // 10 units, 600.00

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.c.RecordPayment(f.ctx, fablog.ID, models.Payment{Amount: money.MustParse("60")}, "alice", RecordOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	closed, err := f.c.Fablog(f.ctx, fablog.ID)
	require.NoError(t, err)
	assert.True(t, closed.IsClosed())
	assert.Equal(t, "600.00", money.Format(closed.TotalBookings()))
	assert.NoError(t, f.ledger.VerifyChain(f.ctx, "1000"))
}

func TestConcurrentFablogsShareJournal(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		fablog := f.open(t, laserUsage("usage", 60))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.c.RecordPayment(f.ctx, id, models.Payment{Amount: money.MustParse("60")}, "alice", RecordOptions{})
			assert.NoError(t, err)
		}(fablog.ID)
	}
	wg.Wait()

	balance, err := f.c.AccountBalance(f.ctx, "1000", nil)
	require.NoError(t, err)
	assert.Equal(t, "480.00", money.Format(balance))
	assert.NoError(t, f.ledger.VerifyChain(f.ctx, "1000"))
}

func TestPositionValidation(t *testing.T) {
	f := newFixture(t)
	fablog := f.open(t)

	backwards := laserUsage("usage1", 30)
	backwards.End = backwards.Start.Add(-time.Minute)
	assert.ErrorIs(t, f.c.AddPosition(f.ctx, fablog.ID, backwards), models.ErrOrderingViolation)

	cheap := laserUsage("usage2", 30)
	cheap.Machine.PricePerUnit = money.MustParse("-1")
	assert.ErrorIs(t, f.c.AddPosition(f.ctx, fablog.ID, cheap), models.ErrInvalidAmount)

	assert.ErrorIs(t, f.c.AddPosition(f.ctx, fablog.ID, models.Donation{ID: "d", Value: money.MustParse("0")}), models.ErrInvalidAmount)
	assert.ErrorIs(t, f.c.AddPosition(f.ctx, fablog.ID, models.Line{Value: money.MustParse("1")}), models.ErrInvalidInput)

	require.NoError(t, f.c.AddPosition(f.ctx, fablog.ID, laserUsage("usage3", 30)))
	assert.ErrorIs(t, f.c.AddPosition(f.ctx, fablog.ID, laserUsage("usage3", 30)), models.ErrAlreadyExists)

	assert.ErrorIs(t, f.c.AddPosition(f.ctx, "missing", laserUsage("usage4", 30)), models.ErrFablogNotFound)

	_, err := f.c.RecordPayment(f.ctx, fablog.ID, models.Payment{Amount: money.MustParse("0")}, "alice", RecordOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
}

func TestAccountBalanceAsOf(t *testing.T) {
	f := newFixture(t)
	fablog := f.open(t, laserUsage("usage1", 120))

	res := f.pay(t, fablog.ID, "60", "alice")
	asOf := res.Bookings[0].Timestamp
	f.pay(t, fablog.ID, "60", "alice")

	then, err := f.c.AccountBalance(f.ctx, "1000", &asOf)
	require.NoError(t, err)
	assert.Equal(t, "60.00", money.Format(then))

	now, err := f.c.AccountBalance(f.ctx, "1000", nil)
	require.NoError(t, err)
	assert.Equal(t, "120.00", money.Format(now))
}

func TestSubCentAmountsAreRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.OpenFablog(f.ctx, models.Fablog{
		Member:    member,
		Positions: []models.Position{models.Donation{ID: "d1", Value: money.MustParse("10.005")}},
	}, "staff")
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	fablog := f.open(t, models.Donation{ID: "d2", Value: money.MustParse("10")})

	eighth := laserUsage("usage1", 30)
	eighth.Machine.PricePerUnit = money.MustParse("0.125")
	assert.ErrorIs(t, f.c.AddPosition(f.ctx, fablog.ID, eighth), models.ErrInvalidAmount)

	_, err = f.c.RecordPayment(f.ctx, fablog.ID, models.Payment{Amount: money.MustParse("9.995")}, "alice", RecordOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	stored, err := f.c.Fablog(f.ctx, fablog.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Payments)
	assert.Equal(t, "10.00", money.Format(stored.Dues()))

	res := f.pay(t, fablog.ID, "10.00", "alice")
	assert.True(t, res.Closed)
	assert.True(t, res.Dues.IsZero())
}
