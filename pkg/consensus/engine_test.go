package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2p_audit_consensus/pkg/data"
	"p2p_audit_consensus/pkg/trust"
)

func newTestEngine(t *testing.T, validators int) *Engine {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	ledger := trust.NewLedger(zap.NewNop())
	return NewEngine(Config{
		NodeID:         "self",
		ValidatorCount: validators,
	}, ledger, metrics, zap.NewNop())
}

func testObservation(t *testing.T, nodeID, roundID string, tis float64, biases ...string) *data.AuditObservation {
	t.Helper()
	obs, err := data.NewAuditObservation(nodeID, roundID, 24, tis, data.TISComponents{
		PredictionAccuracy: tis,
		EthicalAlignment:   tis,
		CoherenceStability: tis,
	}, biases)
	require.NoError(t, err)
	obs.Signature = []byte("sig")
	return obs
}

func TestQuorumThreshold(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 7: 4}
	for validators, want := range cases {
		e := newTestEngine(t, validators)
		assert.Equal(t, want, e.QuorumThreshold(), "validators=%d", validators)
	}
}

func TestSubmitObservation_QuorumCompletesRound(t *testing.T) {
	e := newTestEngine(t, 3)

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r1", 0.8)))

	round, err := e.GetRound("r1")
	require.NoError(t, err)
	assert.Equal(t, data.RoundStatusPending, round.Status, "one observation is below quorum of 2")

	// Second distinct observation crosses the threshold
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-b", "r1", 0.6)))

	round, err = e.GetRound("r1")
	require.NoError(t, err)
	require.Equal(t, data.RoundStatusComplete, round.Status)
	require.NotNil(t, round.Result)
	assert.InDelta(t, 0.7, round.Result.AgreedTIS, 1e-9, "agreed score is the arithmetic mean")
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, round.Result.ParticipatingNodes)
	assert.Equal(t, 2, round.Result.RequiredQuorum)
}

func TestSubmitObservation_DuplicateAuditID(t *testing.T) {
	e := newTestEngine(t, 5)

	obs := testObservation(t, "node-a", "r1", 0.8)
	require.NoError(t, e.SubmitObservation(obs))

	// Retransmission of the exact same observation is a no-op duplicate,
	// not a Byzantine signal
	err := e.SubmitObservation(obs)
	assert.ErrorIs(t, err, data.ErrDuplicateObservation)
	assert.Empty(t, e.ByzantineNodes())
}

func TestSubmitObservation_ByzantineDoubleSubmit(t *testing.T) {
	e := newTestEngine(t, 5)

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r1", 0.8)))

	// Same node, same round, different audit ID: conflicting observations
	err := e.SubmitObservation(testObservation(t, "node-a", "r1", 0.3))
	assert.ErrorIs(t, err, data.ErrByzantineNode)

	nodes := e.ByzantineNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].NodeID)
	assert.Equal(t, data.ReasonConflictingObservations, nodes[0].Reason)
	assert.Equal(t, "r1", nodes[0].RoundID)

	// Exclusion persists across rounds until cleared
	err = e.SubmitObservation(testObservation(t, "node-a", "r2", 0.9))
	assert.ErrorIs(t, err, data.ErrByzantineNode)

	assert.True(t, e.ClearByzantine("node-a"))
	assert.False(t, e.ClearByzantine("node-a"), "second clear reports not found")
	assert.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r2", 0.9)))
}

func TestSubmitObservation_ByzantineExcludedFromResult(t *testing.T) {
	e := newTestEngine(t, 4) // quorum 3

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r1", 0.8)))
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-b", "r1", 0.6)))

	// node-b turns Byzantine before quorum; its first observation no longer
	// counts toward the threshold or the mean
	err := e.SubmitObservation(testObservation(t, "node-b", "r1", 0.1))
	require.ErrorIs(t, err, data.ErrByzantineNode)

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-c", "r1", 0.7)))

	round, err := e.GetRound("r1")
	require.NoError(t, err)
	assert.Equal(t, data.RoundStatusPending, round.Status, "two honest observations are below quorum of 3")

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-d", "r1", 0.6)))

	round, err = e.GetRound("r1")
	require.NoError(t, err)
	require.Equal(t, data.RoundStatusComplete, round.Status)
	assert.InDelta(t, 0.7, round.Result.AgreedTIS, 1e-9)
	assert.ElementsMatch(t, []string{"node-a", "node-c", "node-d"}, round.Result.ParticipatingNodes)
	assert.Equal(t, []string{"node-b"}, round.Result.ExcludedNodes)
}

func TestSubmitObservation_LateObservationDoesNotReopen(t *testing.T) {
	e := newTestEngine(t, 3)

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r1", 0.8)))
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-b", "r1", 0.6)))

	round, err := e.GetRound("r1")
	require.NoError(t, err)
	require.Equal(t, data.RoundStatusComplete, round.Status)
	agreedBefore := round.Result.AgreedTIS
	completedBefore := round.Result.CompletedAt

	// Late arrival is retained for the audit trail but never recomputes
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-c", "r1", 0.1)))

	round, err = e.GetRound("r1")
	require.NoError(t, err)
	assert.Equal(t, data.RoundStatusComplete, round.Status)
	assert.Equal(t, agreedBefore, round.Result.AgreedTIS)
	assert.Equal(t, completedBefore, round.Result.CompletedAt)
	assert.Len(t, round.Observations, 3)
	assert.Equal(t, 2, len(round.Result.ParticipatingNodes))
}

func TestSubmitObservation_BiasMajority(t *testing.T) {
	e := newTestEngine(t, 5) // quorum 3

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r1", 0.8, "RecencyBias", "ConfirmationBias")))
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-b", "r1", 0.8, "RecencyBias")))
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-c", "r1", 0.8)))

	round, err := e.GetRound("r1")
	require.NoError(t, err)
	require.Equal(t, data.RoundStatusComplete, round.Status)

	// RecencyBias was reported by 2 of 3 (strict majority); ConfirmationBias
	// by only 1 of 3
	assert.Equal(t, []string{"RecencyBias"}, round.Result.Biases)
}

func TestSubmitObservation_RejectsUnsigned(t *testing.T) {
	e := newTestEngine(t, 3)

	obs := testObservation(t, "node-a", "r1", 0.8)
	obs.Signature = nil
	err := e.SubmitObservation(obs)
	assert.ErrorIs(t, err, data.ErrMissingSignature)
}

func TestReconcile_FailsStaleRounds(t *testing.T) {
	e := newTestEngine(t, 5)

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r-stale", 0.8)))

	// Backdate the round so the reconciliation window has elapsed
	e.mu.Lock()
	e.rounds["r-stale"].StartedAt = time.Now().Add(-2 * time.Hour)
	e.mu.Unlock()

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r-fresh", 0.8)))

	failed := e.Reconcile(time.Hour)
	assert.Equal(t, 1, failed)

	stale, err := e.GetRound("r-stale")
	require.NoError(t, err)
	assert.Equal(t, data.RoundStatusFailed, stale.Status)

	fresh, err := e.GetRound("r-fresh")
	require.NoError(t, err)
	assert.Equal(t, data.RoundStatusPending, fresh.Status, "fresh round is untouched")

	// A failed round stays failed even if quorum arrives later
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-b", "r-stale", 0.8)))
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-c", "r-stale", 0.8)))
	stale, err = e.GetRound("r-stale")
	require.NoError(t, err)
	assert.Equal(t, data.RoundStatusFailed, stale.Status)
}

func TestTrustUpdatesOnCompletion(t *testing.T) {
	ledger := trust.NewLedger(zap.NewNop())
	e := NewEngine(Config{NodeID: "self", ValidatorCount: 3}, ledger, nil, zap.NewNop())

	// node-a and node-b agree closely; node-c is a late outlier and gets no
	// trust update at all
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r1", 0.70)))
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-b", "r1", 0.72)))
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-c", "r1", 0.10)))

	assert.Greater(t, ledger.Trust("node-a"), data.TrustNeutral)
	assert.Greater(t, ledger.Trust("node-b"), data.TrustNeutral)
	assert.Equal(t, data.TrustNeutral, ledger.Trust("node-c"))
}

func TestTrustWeightedAggregation(t *testing.T) {
	ledger := trust.NewLedger(zap.NewNop())
	// Lift node-a well above node-b before the round
	for i := 0; i < 5; i++ {
		ledger.UpdateTrust("node-a", true)
		ledger.UpdateTrust("node-b", false)
	}
	e := NewEngine(Config{NodeID: "self", ValidatorCount: 3, TrustWeighted: true},
		ledger, nil, zap.NewNop())

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r1", 0.9)))
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-b", "r1", 0.1)))

	round, err := e.GetRound("r1")
	require.NoError(t, err)
	require.Equal(t, data.RoundStatusComplete, round.Status)
	assert.Greater(t, round.Result.AgreedTIS, 0.5,
		"weighted mean leans toward the more trusted node")
}

func TestLatestResult(t *testing.T) {
	e := newTestEngine(t, 1) // quorum 1, each observation completes its round

	assert.Nil(t, e.LatestResult())

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r1", 0.5)))
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r2", 0.9)))

	latest := e.LatestResult()
	require.NotNil(t, latest)
	assert.Equal(t, "r2", latest.RoundID)
}

func TestSnapshotRestore(t *testing.T) {
	e := newTestEngine(t, 3)
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r1", 0.8)))
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-b", "r1", 0.6)))
	err := e.SubmitObservation(testObservation(t, "node-c", "r2", 0.4))
	require.NoError(t, err)
	err = e.SubmitObservation(testObservation(t, "node-c", "r2", 0.9))
	require.ErrorIs(t, err, data.ErrByzantineNode)

	rounds, byzantine, validators := e.Snapshot()

	restored := newTestEngine(t, 1)
	restored.Restore(rounds, byzantine, validators)

	round, err := restored.GetRound("r1")
	require.NoError(t, err)
	assert.Equal(t, data.RoundStatusComplete, round.Status)
	assert.Equal(t, 2, restored.QuorumThreshold(), "validator count carried over")

	err = restored.SubmitObservation(testObservation(t, "node-c", "r3", 0.5))
	assert.ErrorIs(t, err, data.ErrByzantineNode, "exclusion list carried over")
}

func TestRoundHistoryBounded(t *testing.T) {
	e := newTestEngine(t, 1)

	for i := 0; i < MaxRoundHistory+20; i++ {
		roundID := fmt.Sprintf("r%03d", i)
		require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", roundID, 0.5)))
	}

	rounds := e.Rounds()
	assert.LessOrEqual(t, len(rounds), MaxRoundHistory+1)

	// The newest round is always retained
	_, err := e.GetRound(fmt.Sprintf("r%03d", MaxRoundHistory+19))
	assert.NoError(t, err)
}

func TestSetValidatorCount(t *testing.T) {
	e := newTestEngine(t, 3)

	require.NoError(t, e.SubmitObservation(testObservation(t, "node-a", "r1", 0.8)))

	e.SetValidatorCount(5)
	assert.Equal(t, 3, e.QuorumThreshold())

	// Existing round keeps its original threshold of 2
	require.NoError(t, e.SubmitObservation(testObservation(t, "node-b", "r1", 0.6)))
	round, err := e.GetRound("r1")
	require.NoError(t, err)
	assert.Equal(t, data.RoundStatusComplete, round.Status)
	assert.Equal(t, 2, round.Result.RequiredQuorum)
}
