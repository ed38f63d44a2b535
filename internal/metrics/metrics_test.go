package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/fablab-ledger/internal/models"
	"github.com/sheikh-saqib/fablab-ledger/internal/money"
)

func TestCollectorCountsBookings(t *testing.T) {
	c := NewCollector("fablab-ledger", "test")

	c.ObserveBooking(models.Booking{Account: "1000", Purpose: models.PurposeFablog, Amount: money.MustParse("12.50")})
	c.ObserveBooking(models.Booking{Account: "1000", Purpose: models.PurposeFablog, Amount: money.MustParse("-2.50")})
	c.ObservePayment(models.Payment{Method: models.PaymentMethod{ShortName: "CSH"}})
	c.ObserveSettlement(OutcomeClosed, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.bookingsTotal.WithLabelValues("1000", "fablog")))
	assert.Equal(t, 15.0, testutil.ToFloat64(c.bookedAmount.WithLabelValues("1000")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.paymentsTotal.WithLabelValues("CSH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.settlementsTotal.WithLabelValues(OutcomeClosed)))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveBooking(models.Booking{})
		c.ObservePayment(models.Payment{})
		c.ObserveSettlement(OutcomeNoop, 0)
		c.ObservePublishFailure("topic")
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector("fablab-ledger", "test")
	c.ObservePublishFailure("fablog.settlement_completed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "fablab_ledger_event_publish_failures_total"))
	assert.True(t, strings.Contains(body, `fablab_ledger_service_info{version="test"} 1`))
}
