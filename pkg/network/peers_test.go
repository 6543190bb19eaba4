package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2p_audit_consensus/pkg/data"
)

func writePeerFile(t *testing.T, path string, cfg PeerConfig) {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
}

func insecurePeer(nodeID, addr string) *data.PeerEntry {
	return &data.PeerEntry{NodeID: nodeID, Address: addr, Insecure: true}
}

func TestPeerManager_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	writePeerFile(t, path, PeerConfig{
		Peers: []*data.PeerEntry{
			insecurePeer("node-a", "10.0.0.1:9440"),
			insecurePeer("node-b", "10.0.0.2:9440"),
		},
	})

	pm, err := NewPeerManager(path, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, pm.Count())
	assert.NotNil(t, pm.Peer("node-a"))
	assert.Nil(t, pm.Peer("node-z"))
}

func TestPeerManager_RejectsDuplicateNodeID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	writePeerFile(t, path, PeerConfig{
		Peers: []*data.PeerEntry{
			insecurePeer("node-a", "10.0.0.1:9440"),
			insecurePeer("node-a", "10.0.0.2:9440"),
		},
	})

	_, err := NewPeerManager(path, zap.NewNop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate peer node_id")
}

func TestPeerManager_RejectsBadFingerprint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	writePeerFile(t, path, PeerConfig{
		Peers:  []*data.PeerEntry{insecurePeer("node-a", "10.0.0.1:9440")},
		Pinned: map[string]string{"node-a": "not-hex"},
	})

	_, err := NewPeerManager(path, zap.NewNop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pinned fingerprint")
}

func TestPeerManager_RejectsInsecurelessPeerWithoutTLS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	writePeerFile(t, path, PeerConfig{
		Peers: []*data.PeerEntry{{NodeID: "node-a", Address: "10.0.0.1:9440"}},
	})

	_, err := NewPeerManager(path, zap.NewNop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls material required")
}

func TestPeerManager_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	writePeerFile(t, path, PeerConfig{
		Peers: []*data.PeerEntry{insecurePeer("node-a", "10.0.0.1:9440")},
	})

	pm, err := NewPeerManager(path, zap.NewNop(), nil)
	require.NoError(t, err)

	// Same content: unchanged, no swap
	outcome, err := pm.Reload()
	require.NoError(t, err)
	assert.Equal(t, ReloadUnchanged, outcome)

	// New peer added: success
	writePeerFile(t, path, PeerConfig{
		Peers: []*data.PeerEntry{
			insecurePeer("node-a", "10.0.0.1:9440"),
			insecurePeer("node-b", "10.0.0.2:9440"),
		},
	})
	outcome, err = pm.Reload()
	require.NoError(t, err)
	assert.Equal(t, ReloadSuccess, outcome)
	assert.Equal(t, 2, pm.Count())

	// Invalid file: failure, previous set keeps serving
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	outcome, err = pm.Reload()
	require.Error(t, err)
	assert.Equal(t, ReloadFailure, outcome)
	assert.Equal(t, 2, pm.Count())
	assert.NotNil(t, pm.Peer("node-b"))
}

func TestPeerManager_PublicKey(t *testing.T) {
	publicKey, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "peers.json")
	entry := insecurePeer("node-a", "10.0.0.1:9440")
	entry.PublicKey = base64.StdEncoding.EncodeToString(publicKey)
	writePeerFile(t, path, PeerConfig{Peers: []*data.PeerEntry{entry}})

	pm, err := NewPeerManager(path, zap.NewNop(), nil)
	require.NoError(t, err)

	got, ok := pm.PublicKey("node-a")
	require.True(t, ok)
	assert.Equal(t, publicKey, got)

	_, ok = pm.PublicKey("node-z")
	assert.False(t, ok)
}

func TestPeerManager_RejectsMalformedPublicKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	entry := insecurePeer("node-a", "10.0.0.1:9440")
	entry.PublicKey = "dG9vLXNob3J0" // valid base64, wrong length
	writePeerFile(t, path, PeerConfig{Peers: []*data.PeerEntry{entry}})

	_, err := NewPeerManager(path, zap.NewNop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public_key")
}

func TestPeerManager_PinnedFingerprint(t *testing.T) {
	fp := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	path := filepath.Join(t.TempDir(), "peers.json")
	writePeerFile(t, path, PeerConfig{
		Peers:  []*data.PeerEntry{insecurePeer("node-a", "10.0.0.1:9440")},
		Pinned: map[string]string{"node-a": fp},
	})

	pm, err := NewPeerManager(path, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, fp, pm.PinnedFingerprint("node-a"))
	assert.Empty(t, pm.PinnedFingerprint("node-b"))
}
