package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Topics the ledger publishes to.
const (
	TopicPaymentRecorded    = "fablog.payment_recorded"
	TopicSettlementComplete = "fablog.settlement_completed"
)

// PaymentRecorded is emitted after a payment and its bookings are committed.
type PaymentRecorded struct {
	FablogID   string          `json:"fablog_id"`
	PaymentID  string          `json:"payment_id"`
	Amount     decimal.Decimal `json:"amount"`
	Journal    string          `json:"journal"`
	Bookings   int             `json:"bookings"`
	Dues       decimal.Decimal `json:"dues"`
	RecordedBy string          `json:"recorded_by"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// SettlementCompleted is emitted once a fablog is closed.
type SettlementCompleted struct {
	FablogID   string          `json:"fablog_id"`
	MemberID   string          `json:"member_id"`
	Total      decimal.Decimal `json:"total"`
	Bookings   int             `json:"bookings"`
	ClosedBy   string          `json:"closed_by"`
	OccurredAt time.Time       `json:"occurred_at"`
}
