package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spectremesh/spectremerge/internal/model"
)

func TestReport_CountersReconcile(t *testing.T) {
	m := New()
	m.AddFetched(100)
	m.AddParsed(80)
	m.AddUnique(60)
	m.AddTested(60)
	m.AddWorking(20)
	m.AddSelected(10)

	r := m.Report()
	require.True(t, r.Reconciles())
	require.Equal(t, int64(100), r.Fetched)
	require.Equal(t, int64(10), r.Selected)
}

func TestPhaseTimers(t *testing.T) {
	m := New()
	m.StartPhase("probe")
	time.Sleep(10 * time.Millisecond)
	m.EndPhase("probe")

	r := m.Report()
	require.GreaterOrEqual(t, r.PhaseDurations["probe"], 10*time.Millisecond)
}

func TestEndPhase_WithoutStartIsNoOp(t *testing.T) {
	m := New()
	m.EndPhase("never-started")
	require.Empty(t, m.Report().PhaseDurations)
}

func TestTopErrors_SortedByCountThenKind(t *testing.T) {
	m := New()
	for i := 0; i < 3; i++ {
		m.RecordFailure(model.FailProbeTimeout)
	}
	m.RecordFailure(model.FailProbeRefused)
	m.RecordFailure(model.FailProbeTLS)

	r := m.Report()
	require.Len(t, r.TopErrors, 3)
	require.Equal(t, model.FailProbeTimeout, r.TopErrors[0].Kind)
	require.Equal(t, int64(3), r.TopErrors[0].Count)
	// equal counts tie-break on kind
	require.Equal(t, model.FailProbeRefused, r.TopErrors[1].Kind)
}

func TestDistributions(t *testing.T) {
	m := New()
	m.RecordProtocol(model.ProtoVMess)
	m.RecordProtocol(model.ProtoVMess)
	m.RecordCountry("US")
	m.RecordCountry("") // ignored

	r := m.Report()
	require.Equal(t, int64(2), r.PerProtocol[model.ProtoVMess])
	require.Equal(t, int64(1), r.PerCountry["US"])
	require.Len(t, r.PerCountry, 1)
}
