package actuator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

func collectReports() (func(models.ActuatorReport), chan models.ActuatorReport) {
	ch := make(chan models.ActuatorReport, 16)
	return func(r models.ActuatorReport) { ch <- r }, ch
}

func newTestWorker(t *testing.T, params map[string]string, deadline time.Duration) (*Worker, chan models.ActuatorReport) {
	t.Helper()
	act, err := newDummy("X", params, Env{Log: zap.NewNop()})
	require.NoError(t, err)
	report, reports := collectReports()
	w := NewWorker(act, deadline, report, zap.NewNop())
	w.Start()
	t.Cleanup(w.Close)
	return w, reports
}

func TestApplyThenVerifyReports(t *testing.T) {
	w, reports := newTestWorker(t, nil, time.Second)

	w.Apply(models.InUse("alice"), 1)
	r := <-reports
	assert.Equal(t, models.OutcomeApplied, r.Outcome)
	assert.Equal(t, uint64(1), r.Seq)
	assert.Equal(t, "X", r.Adapter)

	w.Verify(models.InUse("alice"), 1)
	r = <-reports
	assert.Equal(t, models.OutcomeVerified, r.Outcome)
	assert.Equal(t, uint64(1), r.Seq)
}

func TestSupersedeSkipsOlderRound(t *testing.T) {
	// 500ms per round; the second dispatch lands while seq 1 is in flight.
	w, reports := newTestWorker(t, map[string]string{"delay": "500"}, 5*time.Second)

	w.Apply(models.InUse("alice"), 1)
	time.Sleep(50 * time.Millisecond)
	w.Apply(models.Blocked("maintenance"), 2)

	r := <-reports
	assert.Equal(t, uint64(2), r.Seq, "only the superseding round reports")
	assert.Equal(t, models.OutcomeApplied, r.Outcome)

	select {
	case extra := <-reports:
		t.Fatalf("unexpected extra report: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDeadlineReportsTimeout(t *testing.T) {
	w, reports := newTestWorker(t, map[string]string{"delay": "2000"}, 50*time.Millisecond)

	w.Apply(models.Free(), 1)
	r := <-reports
	assert.Equal(t, models.OutcomeFailed, r.Outcome)
	assert.Equal(t, "timeout", r.Reason)
}

func TestUnknownModule(t *testing.T) {
	_, err := New("Teleporter", "X", nil, Env{Log: zap.NewNop()})
	assert.Error(t, err)
}
