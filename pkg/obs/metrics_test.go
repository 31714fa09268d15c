package obs

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordDenial_IncrementsCounters(t *testing.T) {
	before := testutil.ToFloat64(DenialsTotal.WithLabelValues("PolicyViolation"))

	RecordDenial("PolicyViolation")

	after := testutil.ToFloat64(DenialsTotal.WithLabelValues("PolicyViolation"))
	assert.Equal(t, before+1, after)
}

func TestRecordAllowed_ObservesDuration(t *testing.T) {
	beforeCount := testutil.ToFloat64(RequestsTotal.WithLabelValues("allowed"))

	RecordAllowed(50 * time.Millisecond)

	afterCount := testutil.ToFloat64(RequestsTotal.WithLabelValues("allowed"))
	assert.Equal(t, beforeCount+1, afterCount)
}

func TestRecordAdapterInvocation_TracksSuccessAndFailure(t *testing.T) {
	beforeSuccess := testutil.ToFloat64(AdapterInvocations.WithLabelValues("success"))
	beforeFailure := testutil.ToFloat64(AdapterInvocations.WithLabelValues("failure"))

	RecordAdapterInvocation(true, 10*time.Millisecond)
	RecordAdapterInvocation(false, 10*time.Millisecond)

	assert.Equal(t, beforeSuccess+1, testutil.ToFloat64(AdapterInvocations.WithLabelValues("success")))
	assert.Equal(t, beforeFailure+1, testutil.ToFloat64(AdapterInvocations.WithLabelValues("failure")))
}
