package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Turn(OutcomeAdvanced)
	m.Turn(OutcomeAdvanced)
	m.Handoff("keyword")
	m.TurnDropped()
	m.FollowupSent()
	m.BufferFlush(3)
	m.OutboundDelivery("reply", nil)
	m.OutboundDelivery("reply", io.EOF)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.turns.WithLabelValues(OutcomeAdvanced)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues(OutcomeDropped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handoffs.WithLabelValues("keyword")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedTurns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.followupsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bufferFlushes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outbound.WithLabelValues("reply", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outbound.WithLabelValues("reply", "error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Turn(OutcomeStayed)
	m.ObserveAI(time.Second, "ok")
	m.Handoff("x")
	m.Inbound("accepted")
	m.OutboundDelivery("reply", nil)
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.Inbound("accepted")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `crm_inbound_messages_total{result="accepted"} 1`)
}
