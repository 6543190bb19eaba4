package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"p2p_audit_consensus/pkg/data"
)

func TestLedger_UpdateTrust(t *testing.T) {
	l := NewLedger(zap.NewNop())

	// Unknown peers start neutral
	assert.InDelta(t, data.TrustNeutral, l.Trust("node1"), 1e-9)

	l.UpdateTrust("node1", true)
	rec := l.Record("node1")
	assert.InDelta(t, 0.6, rec.Honesty, 1e-9)
	assert.InDelta(t, 0.6, rec.Ethical, 1e-9)
	assert.InDelta(t, 0.6, rec.Reliability, 1e-9)
	assert.InDelta(t, 0.6, rec.Trust, 1e-9)
	assert.Equal(t, uint64(1), rec.Corroborated)

	l.UpdateTrust("node1", false)
	rec = l.Record("node1")
	assert.InDelta(t, 0.5, rec.Trust, 1e-9)
	assert.Equal(t, uint64(1), rec.Contradicted)
}

func TestLedger_ScoresStayBounded(t *testing.T) {
	l := NewLedger(zap.NewNop())

	for i := 0; i < 20; i++ {
		l.UpdateTrust("saint", true)
		l.UpdateTrust("liar", false)
	}

	assert.InDelta(t, MaxScore, l.Trust("saint"), 1e-9)
	assert.InDelta(t, MinScore, l.Trust("liar"), 1e-9)
}

func TestLedger_DecayMovesTowardNeutral(t *testing.T) {
	l := NewLedger(zap.NewNop())

	for i := 0; i < 10; i++ {
		l.UpdateTrust("high", true)
		l.UpdateTrust("low", false)
	}
	high := l.Trust("high")
	low := l.Trust("low")

	l.Decay()

	assert.Less(t, l.Trust("high"), high)
	assert.Greater(t, l.Trust("low"), low)

	// One pass moves 1% of the distance to neutral
	assert.InDelta(t, high+DecayRate*(data.TrustNeutral-high), l.Trust("high"), 1e-9)
}

func TestLedger_ExportImport(t *testing.T) {
	l := NewLedger(zap.NewNop())
	l.UpdateTrust("node1", true)
	l.UpdateTrust("node2", false)

	records := l.Export()
	assert.Len(t, records, 2)

	restored := NewLedger(zap.NewNop())
	restored.Import(records)
	assert.InDelta(t, l.Trust("node1"), restored.Trust("node1"), 1e-9)
	assert.InDelta(t, l.Trust("node2"), restored.Trust("node2"), 1e-9)
}

func TestLedger_TopPeersAndStats(t *testing.T) {
	l := NewLedger(zap.NewNop())
	l.UpdateTrust("a", true)
	l.UpdateTrust("a", true)
	l.UpdateTrust("b", true)
	l.UpdateTrust("c", false)

	top := l.TopPeers(2)
	assert.Len(t, top, 2)
	assert.Equal(t, "a", top[0].NodeID)
	assert.Equal(t, "b", top[1].NodeID)

	stats := l.GetStats()
	assert.Equal(t, 3, stats.Peers)
	assert.Greater(t, stats.AverageTrust, 0.0)
}
