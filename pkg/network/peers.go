package network

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"p2p_audit_consensus/pkg/data"
)

// Reload outcomes, kept stable for logs and metrics
const (
	ReloadSuccess   = "success"
	ReloadUnchanged = "unchanged"
	ReloadFailure   = "failure"
)

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// PeerConfig is the on-disk peer list document
type PeerConfig struct {
	Peers []*data.PeerEntry `json:"peers"`
	// Pinned maps node IDs to expected SHA-256 certificate fingerprints
	// (lowercase hex). Connections to pinned peers are rejected when the
	// presented certificate does not match.
	Pinned map[string]string `json:"pinned,omitempty"`
}

// PeerManager holds the active peer set and supports hot reload. The live
// configuration is only ever replaced wholesale after the candidate passed
// full validation; a bad reload leaves the previous set serving.
type PeerManager struct {
	path    string
	peers   map[string]*data.PeerEntry
	pinned  map[string]string
	logger  *zap.Logger
	metrics *Metrics
	mu      sync.RWMutex
}

// NewPeerManager loads the initial peer set from path. metrics may be nil.
func NewPeerManager(path string, logger *zap.Logger, metrics *Metrics) (*PeerManager, error) {
	pm := &PeerManager{
		path:    path,
		peers:   make(map[string]*data.PeerEntry),
		pinned:  make(map[string]string),
		logger:  logger,
		metrics: metrics,
	}
	cfg, err := loadPeerConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading peer config: %w", err)
	}
	pm.apply(cfg)
	return pm, nil
}

// Reload re-reads the peer file and swaps in the new set atomically. The
// returned outcome is one of success, unchanged, or failure. On failure the
// previous configuration remains active and the error describes every
// validation problem found.
func (pm *PeerManager) Reload() (string, error) {
	cfg, err := loadPeerConfig(pm.path)
	if err != nil {
		pm.recordReload(ReloadFailure)
		pm.logger.Error("Peer reload failed, previous configuration retained",
			zap.String("path", pm.path), zap.Error(err))
		return ReloadFailure, err
	}

	pm.mu.Lock()
	if pm.unchangedLocked(cfg) {
		pm.mu.Unlock()
		pm.recordReload(ReloadUnchanged)
		pm.logger.Info("Peer reload: no changes detected")
		return ReloadUnchanged, nil
	}
	pm.applyLocked(cfg)
	count := len(pm.peers)
	pm.mu.Unlock()

	pm.recordReload(ReloadSuccess)
	pm.logger.Info("Peer configuration reloaded", zap.Int("peers", count))
	return ReloadSuccess, nil
}

// Peers returns a copy of the active peer list
func (pm *PeerManager) Peers() []*data.PeerEntry {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]*data.PeerEntry, 0, len(pm.peers))
	for _, p := range pm.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Peer returns the entry for a node ID, or nil if unknown
func (pm *PeerManager) Peer(nodeID string) *data.PeerEntry {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p, exists := pm.peers[nodeID]
	if !exists {
		return nil
	}
	cp := *p
	return &cp
}

// PublicKey returns a peer's decoded ed25519 verification key
func (pm *PeerManager) PublicKey(nodeID string) (ed25519.PublicKey, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p, exists := pm.peers[nodeID]
	if !exists || p.PublicKey == "" {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(raw), true
}

// PinnedFingerprint returns the expected certificate fingerprint for a peer,
// empty if the peer is not pinned
func (pm *PeerManager) PinnedFingerprint(nodeID string) string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pinned[nodeID]
}

// Count returns the number of configured peers
func (pm *PeerManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

func (pm *PeerManager) apply(cfg *PeerConfig) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.applyLocked(cfg)
}

func (pm *PeerManager) applyLocked(cfg *PeerConfig) {
	peers := make(map[string]*data.PeerEntry, len(cfg.Peers))
	for _, p := range cfg.Peers {
		cp := *p
		peers[p.NodeID] = &cp
	}
	pinned := make(map[string]string, len(cfg.Pinned))
	for nodeID, fp := range cfg.Pinned {
		pinned[nodeID] = fp
	}
	pm.peers = peers
	pm.pinned = pinned
}

func (pm *PeerManager) unchangedLocked(cfg *PeerConfig) bool {
	if len(cfg.Peers) != len(pm.peers) || len(cfg.Pinned) != len(pm.pinned) {
		return false
	}
	for _, p := range cfg.Peers {
		current, exists := pm.peers[p.NodeID]
		if !exists || !reflect.DeepEqual(current, p) {
			return false
		}
	}
	for nodeID, fp := range cfg.Pinned {
		if pm.pinned[nodeID] != fp {
			return false
		}
	}
	return true
}

func (pm *PeerManager) recordReload(outcome string) {
	if pm.metrics != nil {
		pm.metrics.PeerReloads.WithLabelValues(outcome).Inc()
	}
}

// loadPeerConfig reads and fully validates a peer file. All problems are
// collected so a single reload attempt reports every bad entry at once.
func loadPeerConfig(path string) (*PeerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading peer file: %w", err)
	}

	var cfg PeerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing peer file: %w", err)
	}

	var errs error
	seen := make(map[string]bool, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if err := p.Validate(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if seen[p.NodeID] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate peer node_id %s", p.NodeID))
			continue
		}
		seen[p.NodeID] = true
		if p.TLS != nil {
			if err := checkTLSMaterial(p); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		if p.PublicKey != "" {
			raw, err := base64.StdEncoding.DecodeString(p.PublicKey)
			if err != nil || len(raw) != ed25519.PublicKeySize {
				errs = multierr.Append(errs,
					fmt.Errorf("peer %s: public_key must be a base64 ed25519 key", p.NodeID))
			}
		}
	}
	for nodeID, fp := range cfg.Pinned {
		if !fingerprintPattern.MatchString(fp) {
			errs = multierr.Append(errs,
				fmt.Errorf("peer %s: pinned fingerprint must be 64 lowercase hex chars", nodeID))
		}
	}
	if errs != nil {
		return nil, errs
	}
	return &cfg, nil
}

// checkTLSMaterial confirms the referenced key pair and CA actually load,
// so a reload cannot swap in peers whose certificates are unusable
func checkTLSMaterial(p *data.PeerEntry) error {
	if _, err := tls.LoadX509KeyPair(p.TLS.ClientCert, p.TLS.ClientKey); err != nil {
		return fmt.Errorf("peer %s: loading client key pair: %w", p.NodeID, err)
	}
	caPEM, err := os.ReadFile(p.TLS.CACert)
	if err != nil {
		return fmt.Errorf("peer %s: reading CA cert: %w", p.NodeID, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return fmt.Errorf("peer %s: CA cert contains no valid certificates", p.NodeID)
	}
	return nil
}
