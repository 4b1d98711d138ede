package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("propsd", "GET", "/health", 200, 12*time.Millisecond)
	RecordFrame(DirectionIn, "get")
	RecordProtocolFault("malformed")
	RecordClientRequest("get", "success", 3*time.Millisecond)
	SessionOpened("tcp")
	SessionClosed("tcp")

	log.Debug().Msg("observability/metrics: registration idempotent and recording paths executed")
}

func TestRecordFanoutCountsByResult(t *testing.T) {
	before := testutil.ToFloat64(fanoutTotal.WithLabelValues(FanoutDropped))
	RecordFanout(FanoutDropped)
	RecordFanout(FanoutDropped)
	after := testutil.ToFloat64(fanoutTotal.WithLabelValues(FanoutDropped))
	if after-before != 2 {
		t.Fatalf("expected two dropped deliveries, got %v", after-before)
	}
}

func TestPendingRequestsGaugeReturnsToBaseline(t *testing.T) {
	base := testutil.ToFloat64(clientPending)
	AddPendingRequests(3)
	AddPendingRequests(-3)
	if got := testutil.ToFloat64(clientPending); got != base {
		t.Fatalf("pending gauge drifted: base=%v got=%v", base, got)
	}
}
