package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRun(t *testing.T) {
	okBefore := testutil.ToFloat64(RunsTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(RunsTotal.WithLabelValues("error"))
	itemsBefore := testutil.ToFloat64(DetectionsTotal)

	RecordRun("detection", 3, 0.01, 0.02, nil)
	RecordRun("", 0, 0, 0.01, errors.New("boom"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(RunsTotal.WithLabelValues("ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(RunsTotal.WithLabelValues("error")))
	assert.Equal(t, itemsBefore+3, testutil.ToFloat64(DetectionsTotal))
}

func TestGauges(t *testing.T) {
	SetBusy(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(WorkerBusy))
	SetBusy(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(WorkerBusy))

	SetReady(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(ModelReady))
	SetReady(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(ModelReady))

	before := testutil.ToFloat64(DroppedFramesTotal)
	RecordDropped()
	assert.Equal(t, before+1, testutil.ToFloat64(DroppedFramesTotal))
}

func TestRecordCacheLookup(t *testing.T) {
	before := testutil.ToFloat64(CacheLookupsTotal.WithLabelValues("hit"))
	RecordCacheLookup("hit")
	assert.Equal(t, before+1, testutil.ToFloat64(CacheLookupsTotal.WithLabelValues("hit")))

	RecordRequest("/status", "200", 0.001)
	assert.Equal(t, 1, testutil.CollectAndCount(HTTPRequestSeconds, "http_request_duration_seconds"))
}
