package network

import (
	"time"

	"p2p_audit_consensus/pkg/data"
)

// Endpoint paths served and dialed by every node
const (
	PathSubmit    = "/rpc/submit"
	PathStatus    = "/rpc/status"
	PathReconcile = "/rpc/reconcile"
	PathHealth    = "/health"
	PathMetrics   = "/metrics"
)

// IdempotencyHeader carries the caller-chosen dedup key; when absent the
// observation's audit ID is used instead
const IdempotencyHeader = "X-Idempotency-Key"

// SubmitResponse acknowledges an accepted observation
type SubmitResponse struct {
	Accepted bool   `json:"accepted"`
	RoundID  string `json:"round_id"`
	Status   string `json:"status"`
}

// StatusResponse reports this node's consensus view
type StatusResponse struct {
	NodeID         string                 `json:"node_id"`
	Rounds         []*data.ConsensusRound `json:"rounds,omitempty"`
	Round          *data.ConsensusRound   `json:"round,omitempty"`
	LatestResult   *data.ConsensusResult  `json:"latest_result,omitempty"`
	ByzantineNodes []*data.ByzantineNode  `json:"byzantine_nodes,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// ReconcileRequest forces evaluation of rounds older than the given window
type ReconcileRequest struct {
	WindowSeconds int `json:"window_seconds"`
}

// ReconcileResponse reports the sweep outcome
type ReconcileResponse struct {
	FailedRounds int `json:"failed_rounds"`
}

// ErrorResponse is the uniform error body for non-2xx replies
type ErrorResponse struct {
	Error string `json:"error"`
}
