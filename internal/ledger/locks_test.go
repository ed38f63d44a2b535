package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	interfaces "github.com/sheikh-saqib/fablab-ledger/internal/interfaces"
	"github.com/sheikh-saqib/fablab-ledger/internal/models"
	"github.com/sheikh-saqib/fablab-ledger/internal/money"
	"github.com/sheikh-saqib/fablab-ledger/internal/storage/memory"
)

// rowLockStore behaves like a database with row locks: LockAccount blocks
// while another transaction holds the account and keeps it until that
// transaction ends. Transactions are not isolated otherwise.
type rowLockStore struct {
	*memory.MemoryLedgerStore

	mu      sync.Mutex
	rows    map[string]*sync.Mutex
	waiting chan string // receives the account before a transaction blocks on it
}

func newRowLockStore() *rowLockStore {
	return &rowLockStore{
		MemoryLedgerStore: memory.NewMemoryLedgerStore(),
		rows:              make(map[string]*sync.Mutex),
	}
}

func (s *rowLockStore) row(account string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[account]; !ok {
		s.rows[account] = &sync.Mutex{}
	}
	return s.rows[account]
}

func (s *rowLockStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx interfaces.LedgerStore) error) error {
	tx := &rowLockTx{LedgerStore: s.MemoryLedgerStore, s: s, held: make(map[string]bool)}
	defer tx.release()
	return fn(ctx, tx)
}

type rowLockTx struct {
	interfaces.LedgerStore
	s    *rowLockStore
	held map[string]bool
}

func (t *rowLockTx) WithTx(ctx context.Context, fn func(ctx context.Context, tx interfaces.LedgerStore) error) error {
	return fn(ctx, t)
}

func (t *rowLockTx) LockAccount(ctx context.Context, account string) error {
	if t.held[account] {
		return nil
	}
	if err := t.LedgerStore.LockAccount(ctx, account); err != nil {
		return err
	}
	if t.s.waiting != nil {
		t.s.waiting <- account
	}
	t.s.row(account).Lock()
	t.held[account] = true
	return nil
}

func (t *rowLockTx) release() {
	for account := range t.held {
		t.s.row(account).Unlock()
	}
}

func TestPostWaitsForRowLockOutsideAccountMutex(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	store := newRowLockStore()
	l := NewLedger(store, WithLogger(logger))

	_, err := l.CreateAccount(ctx, models.Account{Number: "1000", IsDefault: true}, "admin")
	require.NoError(t, err)

	done := make(chan error, 2)
	firstPosted := make(chan struct{})
	postAgain := make(chan struct{})

	// one settlement booking twice to the same journal
	go func() {
		done <- store.WithTx(ctx, func(ctx context.Context, tx interfaces.LedgerStore) error {
			if err := l.Post(ctx, tx, &models.Booking{Account: "1000", Amount: money.MustParse("10")}); err != nil {
				return err
			}
			close(firstPosted)
			<-postAgain
			return l.Post(ctx, tx, &models.Booking{Account: "1000", Amount: money.MustParse("5")})
		})
	}()
	<-firstPosted

	store.waiting = make(chan string, 1)
	go func() {
		done <- store.WithTx(ctx, func(ctx context.Context, tx interfaces.LedgerStore) error {
			return l.Post(ctx, tx, &models.Booking{Account: "1000", Amount: money.MustParse("1")})
		})
	}()
	assert.Equal(t, "1000", <-store.waiting)
	close(postAgain)

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("posts on one account did not finish")
		}
	}

	balance, err := l.CurrentBalance(ctx, "1000")
	require.NoError(t, err)
	assert.Equal(t, "16.00", money.Format(balance))
	assert.NoError(t, l.VerifyChain(ctx, "1000"))
}

func TestPostRejectsSubCentAmounts(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	_, err := l.CreateAccount(ctx, models.Account{Number: "1000"}, "admin")
	require.NoError(t, err)

	_, err = l.Book(ctx, models.Booking{Account: "1000", Amount: money.MustParse("0.005")})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = l.CashCount(ctx, "1000", money.MustParse("12.345"), "cashier")
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	bookings, err := l.Bookings(ctx, "1000")
	require.NoError(t, err)
	assert.Len(t, bookings, 1, "only the opening booking")
}
