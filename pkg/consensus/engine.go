package consensus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2p_audit_consensus/pkg/data"
	"p2p_audit_consensus/pkg/trust"
)

const (
	// MaxRoundHistory bounds how many rounds are retained for audit queries
	MaxRoundHistory = 100

	// corroborationTolerance is how far an observation's TIS may deviate from
	// the agreed value and still count as corroborating it
	corroborationTolerance = 0.1
)

// Config parameterizes the consensus engine
type Config struct {
	NodeID         string
	ValidatorCount int
	TrustWeighted  bool
}

// Engine is the consensus state machine. It collects signed observations into
// rounds, computes quorum, aggregates the agreed score, and detects and
// excludes Byzantine peers. Results are advisory only; the engine never acts
// on its own output.
type Engine struct {
	nodeID         string
	validatorCount int
	trustWeighted  bool

	rounds    map[string]*data.ConsensusRound
	byzantine map[string]*data.ByzantineNode

	ledger  *trust.Ledger
	metrics *Metrics
	logger  *zap.Logger

	// onComplete is invoked outside the engine lock after a round completes
	onComplete func(*data.ConsensusRound)

	mu sync.Mutex
}

// NewEngine creates a consensus engine. ledger may be nil to disable trust
// integration; metrics may be nil.
func NewEngine(cfg Config, ledger *trust.Ledger, metrics *Metrics, logger *zap.Logger) *Engine {
	if cfg.ValidatorCount < 1 {
		cfg.ValidatorCount = 1
	}
	e := &Engine{
		nodeID:         cfg.NodeID,
		validatorCount: cfg.ValidatorCount,
		trustWeighted:  cfg.TrustWeighted,
		rounds:         make(map[string]*data.ConsensusRound),
		byzantine:      make(map[string]*data.ByzantineNode),
		ledger:         ledger,
		metrics:        metrics,
		logger:         logger,
	}
	if metrics != nil {
		metrics.QuorumSize.Set(float64(e.QuorumThreshold()))
	}
	return e
}

// SetOnComplete registers a hook invoked with each completed round, used by
// the application to persist state. Must be set before serving traffic.
func (e *Engine) SetOnComplete(fn func(*data.ConsensusRound)) {
	e.onComplete = fn
}

// QuorumThreshold returns ceil((validators+1)/2)
func (e *Engine) QuorumThreshold() int {
	return (e.validatorCount + 2) / 2
}

// SetValidatorCount updates the configured validator count. Only rounds
// created afterwards pick up the new quorum threshold.
func (e *Engine) SetValidatorCount(count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if count < 1 {
		count = 1
	}
	e.validatorCount = count
	if e.metrics != nil {
		e.metrics.QuorumSize.Set(float64(e.QuorumThreshold()))
	}
	e.logger.Info("Validator count updated", zap.Int("validators", count))
}

// SubmitObservation folds a verified observation into its round. The caller
// must have verified the signature already. Returns ErrByzantineNode when the
// submitter is excluded, either previously or by this very submission.
func (e *Engine) SubmitObservation(obs *data.AuditObservation) error {
	if err := obs.Validate(); err != nil {
		return fmt.Errorf("invalid observation: %w", err)
	}

	var completed *data.ConsensusRound

	e.mu.Lock()
	if _, excluded := e.byzantine[obs.NodeID]; excluded {
		e.mu.Unlock()
		return fmt.Errorf("node %s: %w", obs.NodeID, data.ErrByzantineNode)
	}

	round := e.getOrCreateRound(obs.RoundID, obs.WindowHours)

	if prior := round.ObservationFrom(obs.NodeID); prior != nil {
		if prior.AuditID == obs.AuditID {
			e.mu.Unlock()
			return data.ErrDuplicateObservation
		}
		// Conflicting audit IDs for the same round: the Byzantine-fault
		// signal. The first accepted observation is the baseline; this
		// submission is discarded and the node excluded from here on.
		e.markByzantineLocked(obs.NodeID, obs.RoundID, data.ReasonConflictingObservations)
		e.mu.Unlock()
		return fmt.Errorf("node %s double-submitted in round %s: %w",
			obs.NodeID, obs.RoundID, data.ErrByzantineNode)
	}

	round.Observations = append(round.Observations, obs)
	if e.metrics != nil {
		e.metrics.ObservationsAccepted.Inc()
	}

	// A late observation after completion is kept for the audit trail but
	// never reopens the round or recomputes the result.
	if round.Status == data.RoundStatusPending && e.acceptedCountLocked(round) >= round.QuorumThreshold {
		e.completeRoundLocked(round)
		completed = round
	}
	e.mu.Unlock()

	if completed != nil && e.onComplete != nil {
		e.onComplete(completed)
	}
	return nil
}

// Reconcile forces evaluation of all pending rounds older than window,
// marking quorum-starved ones failed. Returns the number of failed rounds.
func (e *Engine) Reconcile(window time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-window)
	failed := 0
	for _, round := range e.rounds {
		if round.Status != data.RoundStatusPending {
			continue
		}
		if round.StartedAt.After(cutoff) {
			continue
		}
		round.Status = data.RoundStatusFailed
		failed++
		if e.metrics != nil {
			e.metrics.RoundsFailed.Inc()
		}
		e.logger.Warn("Round failed: reconciliation window elapsed without quorum",
			zap.String("roundID", round.RoundID),
			zap.Int("observations", len(round.Observations)),
			zap.Int("quorum", round.QuorumThreshold))
	}
	return failed
}

// GetRound returns a copy of the round with the given ID
func (e *Engine) GetRound(roundID string) (*data.ConsensusRound, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	round, exists := e.rounds[roundID]
	if !exists {
		return nil, fmt.Errorf("round %s: %w", roundID, data.ErrRoundNotFound)
	}
	return copyRound(round), nil
}

// Rounds returns copies of all retained rounds, oldest first
func (e *Engine) Rounds() []*data.ConsensusRound {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*data.ConsensusRound, 0, len(e.rounds))
	for _, round := range e.rounds {
		out = append(out, copyRound(round))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// LatestResult returns the most recently completed round's result, or nil
func (e *Engine) LatestResult() *data.ConsensusResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var latest *data.ConsensusResult
	for _, round := range e.rounds {
		if round.Result == nil {
			continue
		}
		if latest == nil || round.Result.CompletedAt.After(latest.CompletedAt) {
			latest = round.Result
		}
	}
	return latest
}

// ByzantineNodes returns the current exclusion list
func (e *Engine) ByzantineNodes() []*data.ByzantineNode {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*data.ByzantineNode, 0, len(e.byzantine))
	for _, b := range e.byzantine {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ClearByzantine manually removes a node from the exclusion list
func (e *Engine) ClearByzantine(nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.byzantine[nodeID]; !exists {
		return false
	}
	delete(e.byzantine, nodeID)
	e.logger.Info("Byzantine exclusion cleared", zap.String("nodeID", nodeID))
	return true
}

// Snapshot returns the engine state for persistence
func (e *Engine) Snapshot() ([]*data.ConsensusRound, []*data.ByzantineNode, int) {
	rounds := e.Rounds()
	nodes := e.ByzantineNodes()
	e.mu.Lock()
	validators := e.validatorCount
	e.mu.Unlock()
	return rounds, nodes, validators
}

// Restore replaces engine state from persisted data
func (e *Engine) Restore(rounds []*data.ConsensusRound, byzantine []*data.ByzantineNode, validatorCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rounds = make(map[string]*data.ConsensusRound, len(rounds))
	for _, round := range rounds {
		e.rounds[round.RoundID] = copyRound(round)
	}
	e.byzantine = make(map[string]*data.ByzantineNode, len(byzantine))
	for _, b := range byzantine {
		cp := *b
		e.byzantine[b.NodeID] = &cp
	}
	if validatorCount >= 1 {
		e.validatorCount = validatorCount
	}
	e.logger.Info("Engine state restored",
		zap.Int("rounds", len(e.rounds)),
		zap.Int("byzantineNodes", len(e.byzantine)),
		zap.Int("validators", e.validatorCount))
}

// Internal methods; all require e.mu held.

func (e *Engine) getOrCreateRound(roundID string, windowHours uint64) *data.ConsensusRound {
	if round, exists := e.rounds[roundID]; exists {
		return round
	}
	round := &data.ConsensusRound{
		RoundID:         roundID,
		WindowHours:     windowHours,
		StartedAt:       time.Now().UTC(),
		ValidatorCount:  e.validatorCount,
		QuorumThreshold: e.QuorumThreshold(),
		Status:          data.RoundStatusPending,
	}
	e.rounds[roundID] = round
	e.pruneHistoryLocked()
	return round
}

// acceptedCountLocked counts distinct non-Byzantine submitters in the round
func (e *Engine) acceptedCountLocked(round *data.ConsensusRound) int {
	count := 0
	for _, obs := range round.Observations {
		if _, excluded := e.byzantine[obs.NodeID]; !excluded {
			count++
		}
	}
	return count
}

func (e *Engine) markByzantineLocked(nodeID, roundID string, reason data.ByzantineReason) {
	if _, exists := e.byzantine[nodeID]; exists {
		return
	}
	e.byzantine[nodeID] = &data.ByzantineNode{
		NodeID:     nodeID,
		DetectedAt: time.Now().UTC(),
		Reason:     reason,
		RoundID:    roundID,
	}
	if e.metrics != nil {
		e.metrics.ByzantineDetected.Inc()
	}
	// Non-fatal: logged for audit, node excluded going forward
	e.logger.Warn("Byzantine behavior detected",
		zap.String("nodeID", nodeID),
		zap.String("roundID", roundID),
		zap.String("reason", string(reason)))
}

func (e *Engine) completeRoundLocked(round *data.ConsensusRound) {
	accepted := make([]*data.AuditObservation, 0, len(round.Observations))
	excluded := make([]string, 0)
	for _, obs := range round.Observations {
		if _, isByz := e.byzantine[obs.NodeID]; isByz {
			excluded = append(excluded, obs.NodeID)
			continue
		}
		accepted = append(accepted, obs)
	}
	if len(accepted) == 0 {
		round.Status = data.RoundStatusFailed
		if e.metrics != nil {
			e.metrics.RoundsFailed.Inc()
		}
		return
	}

	agreedTIS := e.aggregateTISLocked(accepted)
	biases := majorityBiases(accepted)

	participants := make([]string, 0, len(accepted))
	for _, obs := range accepted {
		participants = append(participants, obs.NodeID)
	}
	sort.Strings(participants)
	sort.Strings(excluded)

	round.Status = data.RoundStatusComplete
	round.Result = &data.ConsensusResult{
		RoundID:            round.RoundID,
		AgreedTIS:          agreedTIS,
		Biases:             biases,
		ParticipatingNodes: participants,
		ExcludedNodes:      excluded,
		TotalObservations:  len(round.Observations),
		RequiredQuorum:     round.QuorumThreshold,
		CompletedAt:        time.Now().UTC(),
	}

	if e.metrics != nil {
		e.metrics.RoundsCompleted.Inc()
	}

	// Peers whose score agrees with the quorum outcome gain trust, peers who
	// contradict it lose some; this never affects round participation.
	if e.ledger != nil {
		for _, obs := range accepted {
			diff := obs.TISOverall - agreedTIS
			if diff < 0 {
				diff = -diff
			}
			e.ledger.UpdateTrust(obs.NodeID, diff <= corroborationTolerance)
		}
	}

	e.logger.Info("Consensus reached",
		zap.String("roundID", round.RoundID),
		zap.Float64("agreedTIS", agreedTIS),
		zap.Strings("biases", biases),
		zap.Int("participants", len(participants)),
		zap.Int("excluded", len(excluded)))
}

// aggregateTISLocked averages the accepted observations' TIS values. Equal
// weighting matches the reference behavior; trust weighting is an explicit
// configuration choice and uses the ledger's combined value per node,
// normalized over the accepted set.
func (e *Engine) aggregateTISLocked(accepted []*data.AuditObservation) float64 {
	var sum, weightSum float64
	for _, obs := range accepted {
		weight := 1.0
		if e.trustWeighted && e.ledger != nil {
			weight = e.ledger.Trust(obs.NodeID)
		}
		sum += obs.TISOverall * weight
		weightSum += weight
	}
	if weightSum == 0 {
		// All-zero trust degenerates to the equal-weight mean
		for _, obs := range accepted {
			sum += obs.TISOverall
		}
		return sum / float64(len(accepted))
	}
	return sum / weightSum
}

// majorityBiases returns bias tags reported by more than half of the
// accepted observations, sorted for stable output
func majorityBiases(accepted []*data.AuditObservation) []string {
	counts := make(map[string]int)
	for _, obs := range accepted {
		seen := make(map[string]bool, len(obs.BiasFlags))
		for _, bias := range obs.BiasFlags {
			if !seen[bias] {
				seen[bias] = true
				counts[bias]++
			}
		}
	}
	out := make([]string, 0, len(counts))
	for bias, count := range counts {
		if count*2 > len(accepted) {
			out = append(out, bias)
		}
	}
	sort.Strings(out)
	return out
}

// pruneHistoryLocked drops the oldest finished rounds beyond the retention cap
func (e *Engine) pruneHistoryLocked() {
	if len(e.rounds) <= MaxRoundHistory {
		return
	}
	finished := make([]*data.ConsensusRound, 0, len(e.rounds))
	for _, round := range e.rounds {
		if round.Status != data.RoundStatusPending {
			finished = append(finished, round)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].StartedAt.Before(finished[j].StartedAt)
	})
	for _, round := range finished {
		if len(e.rounds) <= MaxRoundHistory {
			break
		}
		delete(e.rounds, round.RoundID)
	}
}

func copyRound(round *data.ConsensusRound) *data.ConsensusRound {
	cp := *round
	cp.Observations = make([]*data.AuditObservation, len(round.Observations))
	copy(cp.Observations, round.Observations)
	if round.Result != nil {
		result := *round.Result
		cp.Result = &result
	}
	return &cp
}
