package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2p_audit_consensus/pkg/data"
)

// SchemaVersion is the current on-disk document version. Documents at older
// versions are migrated forward on load; newer versions are rejected.
const SchemaVersion = 2

const (
	stateFileMode = 0o600
	backupSuffix  = ".bak"
	sumSuffix     = ".bak.sha256"
)

var (
	// ErrSchemaTooNew is returned when the document was written by a newer build
	ErrSchemaTooNew = errors.New("state schema is newer than this build supports")

	// ErrBackupChecksum is returned when the pre-migration backup fails
	// verification; migration is aborted and the original file is untouched
	ErrBackupChecksum = errors.New("backup checksum verification failed")
)

// State is the complete persisted document
type State struct {
	SchemaVersion  int                    `json:"schema_version"`
	NodeID         string                 `json:"node_id"`
	UpdatedAt      time.Time              `json:"updated_at"`
	TLSEnabled     bool                   `json:"tls_enabled"`
	ValidatorCount int                    `json:"validator_count"`
	Rounds         []*data.ConsensusRound `json:"rounds"`
	ByzantineNodes []*data.ByzantineNode  `json:"byzantine_nodes"`
	TrustRecords   []*data.TrustRecord    `json:"trust_records"`
}

// Store persists consensus state to a single JSON file with atomic writes
// and forward-only schema migrations
type Store struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewStore creates a store backed by the file at path
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Save writes the state atomically: serialize to a temp file in the same
// directory, fsync, then rename over the live file. A crash at any point
// leaves either the old or the new document, never a torn one.
func (s *Store) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.SchemaVersion = SchemaVersion
	state.UpdatedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmpName, err := s.writeTemp(raw)
	if err != nil {
		return err
	}
	if err := s.replaceLive(tmpName); err != nil {
		return err
	}

	s.logger.Debug("State persisted",
		zap.String("path", s.path),
		zap.Int("rounds", len(state.Rounds)))
	return nil
}

// Load reads and, if necessary, migrates the persisted state. A missing file
// returns an empty current-version document. Documents written by a newer
// schema are rejected rather than guessed at.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{SchemaVersion: SchemaVersion}, nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var envelope struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parsing state envelope: %w", err)
	}

	switch {
	case envelope.SchemaVersion > SchemaVersion:
		return nil, fmt.Errorf("state at version %d, build supports %d: %w",
			envelope.SchemaVersion, SchemaVersion, ErrSchemaTooNew)
	case envelope.SchemaVersion < SchemaVersion:
		raw, err = s.migrate(raw, envelope.SchemaVersion)
		if err != nil {
			return nil, err
		}
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	return &state, nil
}

// migrate backs up the original document, applies each migration step in
// memory, writes the migrated document to a temp file, verifies the backup
// checksum, and only then renames the temp file over the live one. Any
// failure aborts with the live file untouched.
func (s *Store) migrate(raw []byte, fromVersion int) ([]byte, error) {
	if err := s.writeBackup(raw); err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing state for migration: %w", err)
	}

	for version := fromVersion; version < SchemaVersion; version++ {
		step, exists := migrations[version]
		if !exists {
			return nil, fmt.Errorf("no migration from schema version %d", version)
		}
		if err := step(doc); err != nil {
			return nil, fmt.Errorf("migrating schema %d to %d: %w", version, version+1, err)
		}
		doc["schema_version"] = version + 1
		s.logger.Info("State schema migrated",
			zap.Int("from", version),
			zap.Int("to", version+1))
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding migrated state: %w", err)
	}

	tmpName, err := s.writeTemp(out)
	if err != nil {
		return nil, err
	}
	// The backup checksum gates the replace: a backup that does not verify
	// means the pre-migration document is not safely recoverable
	if err := s.VerifyBackup(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("aborting migration of %s: %w", s.path, err)
	}
	if err := s.replaceLive(tmpName); err != nil {
		return nil, err
	}
	return out, nil
}

// writeTemp writes the document to a synced temp file in the state
// directory, ready to be renamed over the live file
func (s *Store) writeTemp(raw []byte) (string, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, stateFileMode); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("setting state file mode: %w", err)
	}
	return tmpName, nil
}

// replaceLive renames a prepared temp file over the live file and syncs the
// directory entry
func (s *Store) replaceLive(tmpName string) error {
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	if d, err := os.Open(filepath.Dir(s.path)); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// writeBackup snapshots the pre-migration document alongside its SHA-256
// digest
func (s *Store) writeBackup(raw []byte) error {
	backupPath := s.path + backupSuffix
	sumPath := s.path + sumSuffix

	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	if err := os.WriteFile(backupPath, raw, stateFileMode); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	if err := os.WriteFile(sumPath, []byte(digest), stateFileMode); err != nil {
		return fmt.Errorf("writing backup checksum: %w", err)
	}

	s.logger.Info("Pre-migration backup written",
		zap.String("backup", backupPath),
		zap.String("sha256", digest))
	return nil
}

// VerifyBackup checks an existing backup file against its recorded checksum
func (s *Store) VerifyBackup() error {
	raw, err := os.ReadFile(s.path + backupSuffix)
	if err != nil {
		return fmt.Errorf("reading backup: %w", err)
	}
	want, err := os.ReadFile(s.path + sumSuffix)
	if err != nil {
		return fmt.Errorf("reading backup checksum: %w", err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != string(want) {
		return ErrBackupChecksum
	}
	return nil
}
