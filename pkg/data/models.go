package data

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error variables for consistent error handling
var (
	ErrInvalidID            = errors.New("invalid identifier")
	ErrInvalidScore         = errors.New("invalid score")
	ErrInvalidTime          = errors.New("invalid timestamp")
	ErrMissingSignature     = errors.New("missing required signature")
	ErrInvalidSignature     = errors.New("signature verification failed")
	ErrDuplicateObservation = errors.New("duplicate observation")
	ErrByzantineNode        = errors.New("node excluded for byzantine behavior")
	ErrRoundNotFound        = errors.New("consensus round not found")
)

// RoundStatus represents the lifecycle state of a consensus round
type RoundStatus string

const (
	RoundStatusPending  RoundStatus = "pending"
	RoundStatusComplete RoundStatus = "complete"
	RoundStatusFailed   RoundStatus = "failed"
)

// ByzantineReason explains why a node was excluded
type ByzantineReason string

const (
	ReasonConflictingObservations ByzantineReason = "conflicting_observations"
	ReasonInvalidSignature        ByzantineReason = "invalid_signature"
)

// TISComponents holds the sub-scores that make up a temporal integrity score
type TISComponents struct {
	PredictionAccuracy float64 `json:"prediction_accuracy"`
	EthicalAlignment   float64 `json:"ethical_alignment"`
	CoherenceStability float64 `json:"coherence_stability"`
}

// AuditObservation is the unit of consensus input: one node's signed
// self-assessment for a reconciliation round. Immutable once signed.
type AuditObservation struct {
	NodeID        string        `json:"node_id"`
	AuditID       string        `json:"audit_id"`
	RoundID       string        `json:"round_id"`
	WindowHours   uint64        `json:"window_hours"`
	Timestamp     time.Time     `json:"timestamp"`
	ForecastHash  string        `json:"forecast_hash"`
	OutcomeHash   string        `json:"outcome_hash"`
	TISComponents TISComponents `json:"tis_components"`
	TISOverall    float64       `json:"tis_overall"`
	BiasFlags     []string      `json:"bias_flags"`
	Signature     []byte        `json:"signature"`
}

// NewAuditObservation creates an unsigned observation with a fresh audit ID
func NewAuditObservation(nodeID, roundID string, windowHours uint64, tis float64, components TISComponents, biases []string) (*AuditObservation, error) {
	if nodeID == "" {
		return nil, errors.New("node ID cannot be empty")
	}
	if roundID == "" {
		return nil, errors.New("round ID cannot be empty")
	}
	if tis < 0 || tis > 1 {
		return nil, ErrInvalidScore
	}

	return &AuditObservation{
		NodeID:        nodeID,
		AuditID:       uuid.New().String(),
		RoundID:       roundID,
		WindowHours:   windowHours,
		Timestamp:     time.Now().UTC(),
		TISComponents: components,
		TISOverall:    tis,
		BiasFlags:     biases,
	}, nil
}

// CanonicalEncoding produces the order-stable byte string that signatures
// cover. Verifiers recompute this exact encoding, so the field order,
// delimiter, and float precision must never change.
func (o *AuditObservation) CanonicalEncoding() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%d|%s|%s|%.6f|%.6f|%.6f|%.6f|%s",
		o.NodeID,
		o.AuditID,
		o.RoundID,
		o.WindowHours,
		o.Timestamp.Unix(),
		o.ForecastHash,
		o.OutcomeHash,
		o.TISOverall,
		o.TISComponents.PredictionAccuracy,
		o.TISComponents.EthicalAlignment,
		o.TISComponents.CoherenceStability,
		strings.Join(o.BiasFlags, ","),
	))
}

// Validate checks structural validity; it does not verify the signature
func (o *AuditObservation) Validate() error {
	if o.NodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	if o.AuditID == "" {
		return ErrInvalidID
	}
	if o.RoundID == "" {
		return errors.New("round ID cannot be empty")
	}
	if o.Timestamp.IsZero() {
		return ErrInvalidTime
	}
	if o.TISOverall < 0 || o.TISOverall > 1 {
		return ErrInvalidScore
	}
	if len(o.Signature) == 0 {
		return ErrMissingSignature
	}
	return nil
}

// ConsensusRound aggregates observations for one round ID
type ConsensusRound struct {
	RoundID         string              `json:"round_id"`
	WindowHours     uint64              `json:"window_hours"`
	StartedAt       time.Time           `json:"started_at"`
	Observations    []*AuditObservation `json:"observations"`
	ValidatorCount  int                 `json:"validator_count"`
	QuorumThreshold int                 `json:"quorum_threshold"`
	Status          RoundStatus         `json:"status"`
	Result          *ConsensusResult    `json:"result,omitempty"`
}

// ObservationFrom returns the accepted observation from the given node, if any
func (r *ConsensusRound) ObservationFrom(nodeID string) *AuditObservation {
	for _, obs := range r.Observations {
		if obs.NodeID == nodeID {
			return obs
		}
	}
	return nil
}

// ConsensusResult is the immutable snapshot produced when a round completes
type ConsensusResult struct {
	RoundID            string    `json:"round_id"`
	AgreedTIS          float64   `json:"agreed_tis"`
	Biases             []string  `json:"biases"`
	ParticipatingNodes []string  `json:"participating_nodes"`
	ExcludedNodes      []string  `json:"excluded_nodes"`
	TotalObservations  int       `json:"total_observations"`
	RequiredQuorum     int       `json:"required_quorum"`
	CompletedAt        time.Time `json:"completed_at"`
}

// ByzantineNode records a peer excluded for submitting conflicting observations
type ByzantineNode struct {
	NodeID     string          `json:"node_id"`
	DetectedAt time.Time       `json:"detected_at"`
	Reason     ByzantineReason `json:"reason"`
	RoundID    string          `json:"round_id"`
}

// Trust sub-score weights: honesty dominates, then ethics, then reliability
const (
	TrustWeightHonesty     = 0.5
	TrustWeightEthical     = 0.3
	TrustWeightReliability = 0.2

	TrustNeutral = 0.5
)

// TrustRecord tracks per-peer reputation as three weighted sub-scores
type TrustRecord struct {
	NodeID       string    `json:"node_id"`
	Honesty      float64   `json:"honesty"`
	Ethical      float64   `json:"ethical"`
	Reliability  float64   `json:"reliability"`
	Trust        float64   `json:"trust"`
	Corroborated uint64    `json:"corroborated"`
	Contradicted uint64    `json:"contradicted"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewTrustRecord creates a record at the neutral midpoint
func NewTrustRecord(nodeID string) *TrustRecord {
	r := &TrustRecord{
		NodeID:      nodeID,
		Honesty:     TrustNeutral,
		Ethical:     TrustNeutral,
		Reliability: TrustNeutral,
		UpdatedAt:   time.Now().UTC(),
	}
	r.Recompute()
	return r
}

// Recompute recalculates the combined trust value from the sub-scores
func (r *TrustRecord) Recompute() {
	r.Trust = r.Honesty*TrustWeightHonesty +
		r.Ethical*TrustWeightEthical +
		r.Reliability*TrustWeightReliability
}

// PeerTLS holds the TLS material paths for one peer connection
type PeerTLS struct {
	CACert     string `json:"ca_cert" mapstructure:"ca_cert"`
	ClientCert string `json:"client_cert" mapstructure:"client_cert"`
	ClientKey  string `json:"client_key" mapstructure:"client_key"`
}

// PeerEntry is one statically configured peer. PublicKey is the peer's
// base64-encoded ed25519 signing key, used to verify its observations.
type PeerEntry struct {
	NodeID    string   `json:"node_id" mapstructure:"node_id"`
	Address   string   `json:"address" mapstructure:"address"`
	PublicKey string   `json:"public_key,omitempty" mapstructure:"public_key"`
	TLS       *PeerTLS `json:"tls,omitempty" mapstructure:"tls"`
	Insecure  bool     `json:"insecure,omitempty" mapstructure:"insecure"`
}

// Validate checks that the entry is routable and has usable security settings
func (p *PeerEntry) Validate() error {
	if p.NodeID == "" {
		return errors.New("peer node_id cannot be empty")
	}
	if p.Address == "" {
		return fmt.Errorf("peer %s: address cannot be empty", p.NodeID)
	}
	if !p.Insecure && p.TLS == nil {
		return fmt.Errorf("peer %s: tls material required unless insecure is set", p.NodeID)
	}
	if p.TLS != nil {
		if p.TLS.CACert == "" || p.TLS.ClientCert == "" || p.TLS.ClientKey == "" {
			return fmt.Errorf("peer %s: incomplete tls material", p.NodeID)
		}
	}
	return nil
}

// URL returns the base URL for reaching this peer
func (p *PeerEntry) URL() string {
	scheme := "https"
	if p.Insecure {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, p.Address)
}
