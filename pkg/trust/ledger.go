package trust

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2p_audit_consensus/pkg/data"
)

const (
	// Score bounds
	MinScore = 0.0
	MaxScore = 1.0

	// Fixed step applied to each sub-score on corroboration/contradiction
	UpdateStep = 0.1

	// Fraction each sub-score moves toward neutral per decay pass
	DecayRate = 0.01
)

// Ledger tracks per-peer reputation. Trust values are advisory inputs to
// optional weighted consensus; they never gate basic participation.
type Ledger struct {
	records map[string]*data.TrustRecord
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewLedger creates an empty trust ledger
func NewLedger(logger *zap.Logger) *Ledger {
	return &Ledger{
		records: make(map[string]*data.TrustRecord),
		logger:  logger,
	}
}

// UpdateTrust nudges a peer's sub-scores toward 1.0 (corroborated by quorum)
// or 0.0 (contradicted) by a fixed step and recomputes the combined value
func (l *Ledger) UpdateTrust(nodeID string, corroborated bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, exists := l.records[nodeID]
	if !exists {
		rec = data.NewTrustRecord(nodeID)
		l.records[nodeID] = rec
	}

	step := UpdateStep
	if !corroborated {
		step = -UpdateStep
	}

	rec.Honesty = clamp(rec.Honesty + step)
	rec.Ethical = clamp(rec.Ethical + step)
	rec.Reliability = clamp(rec.Reliability + step)
	if corroborated {
		rec.Corroborated++
	} else {
		rec.Contradicted++
	}
	rec.Recompute()
	rec.UpdatedAt = time.Now().UTC()

	l.logger.Debug("Trust updated",
		zap.String("nodeID", nodeID),
		zap.Bool("corroborated", corroborated),
		zap.Float64("trust", rec.Trust))
}

// Decay moves every peer's sub-scores a small fixed percentage toward the
// neutral midpoint, regardless of activity, so reputation never freezes
func (l *Ledger) Decay() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	for _, rec := range l.records {
		rec.Honesty += DecayRate * (data.TrustNeutral - rec.Honesty)
		rec.Ethical += DecayRate * (data.TrustNeutral - rec.Ethical)
		rec.Reliability += DecayRate * (data.TrustNeutral - rec.Reliability)
		rec.Recompute()
		rec.UpdatedAt = now
	}

	l.logger.Debug("Trust decay applied", zap.Int("peers", len(l.records)))
}

// Trust returns the combined trust value for a peer, neutral if unknown
func (l *Ledger) Trust(nodeID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, exists := l.records[nodeID]
	if !exists {
		return data.TrustNeutral
	}
	return rec.Trust
}

// Record returns a copy of a peer's trust record, or nil if unknown
func (l *Ledger) Record(nodeID string) *data.TrustRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, exists := l.records[nodeID]
	if !exists {
		return nil
	}
	cp := *rec
	return &cp
}

// Export returns a snapshot of all records for persistence
func (l *Ledger) Export() []*data.TrustRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*data.TrustRecord, 0, len(l.records))
	for _, rec := range l.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Import replaces the ledger contents with persisted records
func (l *Ledger) Import(records []*data.TrustRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = make(map[string]*data.TrustRecord, len(records))
	for _, rec := range records {
		cp := *rec
		l.records[rec.NodeID] = &cp
	}
}

// TopPeers returns the n highest-trust peers
func (l *Ledger) TopPeers(n int) []*data.TrustRecord {
	out := l.Export()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Trust > out[j].Trust
	})
	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Stats summarizes the ledger state
type Stats struct {
	Peers        int
	AverageTrust float64
}

// GetStats returns current ledger statistics
func (l *Ledger) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{Peers: len(l.records)}
	if len(l.records) == 0 {
		return stats
	}
	var total float64
	for _, rec := range l.records {
		total += rec.Trust
	}
	stats.AverageTrust = total / float64(len(l.records))
	return stats
}

func clamp(v float64) float64 {
	return math.Max(MinScore, math.Min(MaxScore, v))
}
