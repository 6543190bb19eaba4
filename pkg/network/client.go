package network

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"p2p_audit_consensus/pkg/data"
)

// RequestStatus classifies the final outcome of an outbound request
type RequestStatus string

const (
	StatusSuccess      RequestStatus = "success"
	StatusNetworkError RequestStatus = "network_error"
	StatusTLSError     RequestStatus = "tls_error"
	StatusHTTP4xx      RequestStatus = "http_4xx"
	StatusHTTP5xx      RequestStatus = "http_5xx"
	StatusTimeout      RequestStatus = "timeout"
)

// IsRetryable reports whether a request with this status may be retried.
// Client errors and TLS failures are deterministic and never retried.
func (s RequestStatus) IsRetryable() bool {
	switch s {
	case StatusNetworkError, StatusHTTP5xx, StatusTimeout:
		return true
	default:
		return false
	}
}

// Retry policy for outbound requests
const (
	retryInitialInterval = 100 * time.Millisecond
	retryMultiplier      = 2.0
	retryJitter          = 0.2
	retryMaxInterval     = 5 * time.Second
	retryMaxAttempts     = 10

	requestTimeout = 5 * time.Second

	// broadcastParallelism bounds concurrent fan-out requests
	broadcastParallelism = 8
)

// ErrPeerPinMismatch is returned when a pinned peer presents an unexpected
// certificate
var ErrPeerPinMismatch = errors.New("peer certificate does not match pinned fingerprint")

// Client dials peers over mTLS with exponential-backoff retry. HTTP clients
// are cached per peer so TLS sessions are reused across requests.
type Client struct {
	peers   *PeerManager
	logger  *zap.Logger
	metrics *Metrics

	clients map[string]*http.Client
	mu      sync.Mutex
}

// NewClient creates a peer client. metrics may be nil.
func NewClient(peers *PeerManager, logger *zap.Logger, metrics *Metrics) *Client {
	return &Client{
		peers:   peers,
		logger:  logger,
		metrics: metrics,
		clients: make(map[string]*http.Client),
	}
}

// SubmitObservation delivers a signed observation to one peer, retrying
// transient failures. A 409 from the peer means it already holds the
// observation and counts as delivered.
func (c *Client) SubmitObservation(ctx context.Context, peer *data.PeerEntry, obs *data.AuditObservation) (RequestStatus, error) {
	body, err := json.Marshal(obs)
	if err != nil {
		return StatusNetworkError, fmt.Errorf("encoding observation: %w", err)
	}
	headers := map[string]string{IdempotencyHeader: obs.AuditID}
	status, _, err := c.doWithRetry(ctx, peer, http.MethodPost, PathSubmit, body, headers)
	return status, err
}

// GetStatus fetches a peer's consensus view, optionally scoped to one round
func (c *Client) GetStatus(ctx context.Context, peer *data.PeerEntry, roundID string) (*StatusResponse, RequestStatus, error) {
	path := PathStatus
	if roundID != "" {
		path += "?round_id=" + url.QueryEscape(roundID)
	}
	status, respBody, err := c.doWithRetry(ctx, peer, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, status, err
	}
	var out StatusResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, StatusNetworkError, fmt.Errorf("decoding status from %s: %w", peer.NodeID, err)
	}
	return &out, status, nil
}

// Broadcast delivers an observation to every configured peer with bounded
// parallelism. Individual failures are collected; a partial broadcast
// returns the combined error without aborting remaining deliveries.
func (c *Client) Broadcast(ctx context.Context, obs *data.AuditObservation) error {
	peers := c.peers.Peers()
	if len(peers) == 0 {
		return nil
	}

	sem := make(chan struct{}, broadcastParallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error

	for _, peer := range peers {
		wg.Add(1)
		sem <- struct{}{}
		go func(p *data.PeerEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			status, err := c.SubmitObservation(ctx, p, obs)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("peer %s (%s): %w", p.NodeID, status, err))
				mu.Unlock()
			}
		}(peer)
	}
	wg.Wait()

	if errs != nil {
		c.logger.Warn("Broadcast completed with failures",
			zap.String("auditID", obs.AuditID),
			zap.Int("peers", len(peers)),
			zap.Error(errs))
	}
	return errs
}

// doWithRetry runs one logical request with exponential backoff. Only
// retryable outcomes consume further attempts; deterministic failures
// return immediately.
func (c *Client) doWithRetry(ctx context.Context, peer *data.PeerEntry, method, path string, body []byte, headers map[string]string) (RequestStatus, []byte, error) {
	httpClient, err := c.clientFor(peer)
	if err != nil {
		return StatusTLSError, nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = retryMultiplier
	policy.RandomizationFactor = retryJitter
	policy.MaxInterval = retryMaxInterval
	policy.MaxElapsedTime = 0

	var finalStatus RequestStatus
	var respBody []byte

	attempt := func() error {
		status, out, err := c.doOnce(ctx, httpClient, peer, method, path, body, headers)
		finalStatus = status
		respBody = out
		if err == nil {
			return nil
		}
		if !status.IsRetryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		if c.metrics != nil {
			c.metrics.RetryBackoff.Observe(delay.Seconds())
		}
		c.logger.Debug("Retrying peer request",
			zap.String("peer", peer.NodeID),
			zap.String("path", path),
			zap.Duration("backoff", delay),
			zap.Error(err))
	}

	retryErr := backoff.RetryNotify(attempt,
		backoff.WithContext(backoff.WithMaxRetries(policy, retryMaxAttempts-1), ctx),
		notify)

	if c.metrics != nil {
		c.metrics.PeerRequests.WithLabelValues(string(finalStatus)).Inc()
	}
	if retryErr != nil {
		return finalStatus, nil, retryErr
	}
	return finalStatus, respBody, nil
}

func (c *Client) doOnce(ctx context.Context, httpClient *http.Client, peer *data.PeerEntry, method, path string, body []byte, headers map[string]string) (RequestStatus, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, peer.URL()+path, reader)
	if err != nil {
		return StatusNetworkError, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		status := classifyError(err)
		return status, nil, fmt.Errorf("dialing %s: %w", peer.NodeID, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return StatusNetworkError, nil, fmt.Errorf("reading response from %s: %w", peer.NodeID, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return StatusSuccess, out, nil
	case resp.StatusCode == http.StatusConflict:
		// Peer already holds this observation
		return StatusSuccess, out, nil
	case resp.StatusCode >= 500:
		return StatusHTTP5xx, nil, fmt.Errorf("peer %s returned %d", peer.NodeID, resp.StatusCode)
	default:
		return StatusHTTP4xx, nil, fmt.Errorf("peer %s returned %d", peer.NodeID, resp.StatusCode)
	}
}

// clientFor returns the cached mTLS client for a peer, building it on first use
func (c *Client) clientFor(peer *data.PeerEntry) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, exists := c.clients[peer.NodeID]; exists {
		return client, nil
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if !peer.Insecure {
		tlsCfg, err := c.buildTLSConfig(peer)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}

	client := &http.Client{Transport: transport}
	c.clients[peer.NodeID] = client
	return client, nil
}

// InvalidateClient drops the cached client for a peer, forcing the next
// request to rebuild TLS state
func (c *Client) InvalidateClient(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, nodeID)
}

// InvalidateAll drops every cached client. Called after a peer reload, which
// may change TLS material or remove peers entirely.
func (c *Client) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients = make(map[string]*http.Client)
}

func (c *Client) buildTLSConfig(peer *data.PeerEntry) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(peer.TLS.ClientCert, peer.TLS.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("peer %s: loading client key pair: %w", peer.NodeID, err)
	}
	caPEM, err := os.ReadFile(peer.TLS.CACert)
	if err != nil {
		return nil, fmt.Errorf("peer %s: reading CA cert: %w", peer.NodeID, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("peer %s: CA cert contains no valid certificates", peer.NodeID)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}

	if pin := c.peers.PinnedFingerprint(peer.NodeID); pin != "" {
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrPeerPinMismatch
			}
			sum := sha256.Sum256(rawCerts[0])
			if hex.EncodeToString(sum[:]) != pin {
				return ErrPeerPinMismatch
			}
			return nil
		}
	}
	return cfg, nil
}

// classifyError maps a transport error onto the status taxonomy
func classifyError(err error) RequestStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimeout
	}

	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var hostnameErr x509.HostnameError
	if errors.As(err, &recordErr) ||
		errors.As(err, &certErr) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &hostnameErr) ||
		errors.Is(err, ErrPeerPinMismatch) {
		return StatusTLSError
	}
	return StatusNetworkError
}
