package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"p2p_audit_consensus/pkg/consensus"
	"p2p_audit_consensus/pkg/data"
	"p2p_audit_consensus/pkg/identity"
	"p2p_audit_consensus/pkg/security"
)

// Request body limit; observations are small and anything bigger is abuse
const maxBodyBytes = 64 * 1024

const (
	handshakeTimeout = 10 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// TLS handshake outcomes, kept stable for logs and metrics
const (
	HandshakeSuccess     = "success"
	HandshakeCertInvalid = "cert_invalid"
	HandshakeCertExpired = "cert_expired"
	HandshakeOther       = "other"
)

// KeyResolver maps node IDs to their ed25519 verification keys
type KeyResolver interface {
	PublicKey(nodeID string) (ed25519.PublicKey, bool)
}

// ServerConfig parameterizes the inbound transport
type ServerConfig struct {
	// NodeID identifies this node in status responses
	NodeID     string `mapstructure:"node_id"`
	ListenAddr string `mapstructure:"listen_addr"`
	ServerCert string `mapstructure:"server_cert"`
	ServerKey  string `mapstructure:"server_key"`
	CACert     string `mapstructure:"ca_cert"`
	// Insecure disables TLS entirely; only for tests and local development
	Insecure bool `mapstructure:"insecure"`
	// AuthSecret enables bearer-token validation on /rpc routes when set
	AuthSecret string `mapstructure:"auth_secret"`
}

// Server is the inbound mTLS transport: it accepts peer connections,
// enforces rate limits and idempotency, verifies observation signatures,
// and feeds accepted observations into the consensus engine.
type Server struct {
	cfg    ServerConfig
	engine *consensus.Engine
	keys   KeyResolver

	idempotency *security.IdempotencyStore
	limiter     *security.RateLimiter
	auth        *security.TokenValidator

	cert     atomic.Pointer[tls.Certificate]
	metrics  *Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires the inbound transport. gatherer backs the /metrics
// endpoint and may be nil to disable it; metrics may be nil.
func NewServer(cfg ServerConfig, engine *consensus.Engine, keys KeyResolver,
	idempotency *security.IdempotencyStore, limiter *security.RateLimiter,
	metrics *Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {

	s := &Server{
		cfg:         cfg,
		engine:      engine,
		keys:        keys,
		idempotency: idempotency,
		limiter:     limiter,
		metrics:     metrics,
		gatherer:    gatherer,
		logger:      logger,
	}
	if cfg.AuthSecret != "" {
		s.auth = security.NewTokenValidator([]byte(cfg.AuthSecret))
	}
	return s
}

// Start begins serving. It returns once the listener is bound; request
// handling continues in the background until Stop.
func (s *Server) Start() error {
	raw, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.ListenAddr, err)
	}

	if s.cfg.Insecure {
		s.listener = raw
	} else {
		tlsCfg, err := s.buildTLSConfig()
		if err != nil {
			raw.Close()
			return err
		}
		s.listener = &classifyingListener{
			Listener: raw,
			cfg:      tlsCfg,
			record:   s.recordHandshake,
			logger:   s.logger,
		}
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server stopped unexpectedly", zap.Error(err))
		}
	}()

	s.logger.Info("Server listening",
		zap.String("addr", s.Addr()),
		zap.Bool("tls", !s.cfg.Insecure),
		zap.Bool("auth", s.auth != nil))
	return nil
}

// Stop drains in-flight requests and closes the listener
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound listen address
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// ReloadCertificate re-reads the server key pair from disk and swaps it in
// atomically. Returns the reload outcome; on failure the old certificate
// keeps serving.
func (s *Server) ReloadCertificate() (string, error) {
	if s.cfg.Insecure {
		return ReloadUnchanged, nil
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.ServerCert, s.cfg.ServerKey)
	if err != nil {
		s.recordReload(ReloadFailure)
		s.logger.Error("Certificate reload failed, previous certificate retained", zap.Error(err))
		return ReloadFailure, fmt.Errorf("loading server key pair: %w", err)
	}
	if current := s.cert.Load(); current != nil && certEqual(current, &cert) {
		s.recordReload(ReloadUnchanged)
		return ReloadUnchanged, nil
	}
	s.cert.Store(&cert)
	s.recordReload(ReloadSuccess)
	s.logger.Info("Server certificate reloaded")
	return ReloadSuccess, nil
}

func (s *Server) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.ServerCert, s.cfg.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("loading server key pair: %w", err)
	}
	s.cert.Store(&cert)

	caPEM, err := os.ReadFile(s.cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("CA cert contains no valid certificates")
	}

	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.cert.Load(), nil
		},
		ClientCAs:  pool,
		ClientAuth: tls.RequireAndVerifyClientCert,
		MinVersion: tls.VersionTLS12,
	}, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(PathSubmit, s.guard(http.HandlerFunc(s.handleSubmit)))
	mux.Handle(PathStatus, s.guard(http.HandlerFunc(s.handleStatus)))
	mux.Handle(PathReconcile, s.guard(http.HandlerFunc(s.handleReconcile)))
	mux.HandleFunc(PathHealth, s.handleHealth)
	if s.gatherer != nil {
		mux.Handle(PathMetrics, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// guard applies the shared /rpc admission chain: body cap, rate limiting
// per peer address and per auth token, then optional token validation
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ok, _ := s.limiter.Allow(security.ScopePeer, host); !ok {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		token := security.BearerToken(r.Header.Get("Authorization"))
		if token != "" {
			if ok, _ := s.limiter.Allow(security.ScopeToken, token); !ok {
				s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		if s.auth != nil {
			subject, err := s.auth.Validate(token)
			if err != nil {
				if s.metrics != nil {
					s.metrics.AuthFailures.Inc()
				}
				s.writeError(w, http.StatusUnauthorized, "invalid auth token")
				return
			}
			s.logger.Debug("Request authenticated", zap.String("subject", subject))
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var obs data.AuditObservation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed observation")
		return
	}
	if err := obs.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		key = obs.AuditID
	}
	if s.idempotency.CheckAndInsert(key) {
		if s.metrics != nil {
			s.metrics.DuplicatesRejected.Inc()
		}
		s.writeJSON(w, http.StatusConflict, SubmitResponse{
			Accepted: false,
			RoundID:  obs.RoundID,
			Status:   "duplicate",
		})
		return
	}

	publicKey, known := s.keys.PublicKey(obs.NodeID)
	if !known || !identity.Verify(&obs, publicKey) {
		s.logger.Warn("Rejected observation with bad signature",
			zap.String("nodeID", obs.NodeID),
			zap.String("auditID", obs.AuditID),
			zap.Bool("knownKey", known))
		s.writeError(w, http.StatusUnauthorized, data.ErrInvalidSignature.Error())
		return
	}

	if err := s.engine.SubmitObservation(&obs); err != nil {
		switch {
		case errors.Is(err, data.ErrDuplicateObservation):
			s.writeJSON(w, http.StatusConflict, SubmitResponse{
				Accepted: false,
				RoundID:  obs.RoundID,
				Status:   "duplicate",
			})
		case errors.Is(err, data.ErrByzantineNode):
			s.writeError(w, http.StatusForbidden, err.Error())
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	round, err := s.engine.GetRound(obs.RoundID)
	status := string(data.RoundStatusPending)
	if err == nil {
		status = string(round.Status)
	}
	s.writeJSON(w, http.StatusOK, SubmitResponse{
		Accepted: true,
		RoundID:  obs.RoundID,
		Status:   status,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := StatusResponse{
		NodeID:    s.cfg.NodeID,
		Timestamp: time.Now().UTC(),
	}

	if roundID := r.URL.Query().Get("round_id"); roundID != "" {
		round, err := s.engine.GetRound(roundID)
		if err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		resp.Round = round
	} else {
		resp.Rounds = s.engine.Rounds()
		resp.LatestResult = s.engine.LatestResult()
		resp.ByzantineNodes = s.engine.ByzantineNodes()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed reconcile request")
		return
	}
	if req.WindowSeconds <= 0 {
		s.writeError(w, http.StatusBadRequest, "window_seconds must be positive")
		return
	}

	failed := s.engine.Reconcile(time.Duration(req.WindowSeconds) * time.Second)
	s.writeJSON(w, http.StatusOK, ReconcileResponse{FailedRounds: failed})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, ErrorResponse{Error: msg})
}

func (s *Server) recordHandshake(outcome string) {
	if s.metrics != nil {
		s.metrics.TLSHandshakes.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) recordReload(outcome string) {
	if s.metrics != nil {
		s.metrics.PeerReloads.WithLabelValues(outcome).Inc()
	}
}

// classifyingListener completes the TLS handshake inside Accept so failures
// can be classified and counted before the HTTP layer sees the connection
type classifyingListener struct {
	net.Listener
	cfg    *tls.Config
	record func(outcome string)
	logger *zap.Logger
}

func (l *classifyingListener) Accept() (net.Conn, error) {
	for {
		raw, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		conn := tls.Server(raw, l.cfg)
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err = conn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			outcome := classifyHandshakeError(err)
			l.record(outcome)
			l.logger.Warn("TLS handshake failed",
				zap.String("remote", raw.RemoteAddr().String()),
				zap.String("outcome", outcome),
				zap.Error(err))
			raw.Close()
			continue
		}

		l.record(HandshakeSuccess)
		return conn, nil
	}
}

func classifyHandshakeError(err error) string {
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certInvalid) {
		if certInvalid.Reason == x509.Expired {
			return HandshakeCertExpired
		}
		return HandshakeCertInvalid
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return HandshakeCertInvalid
	}
	// Peers reject our certificate with an alert; surface expiry distinctly
	msg := err.Error()
	switch {
	case strings.Contains(msg, "expired"):
		return HandshakeCertExpired
	case strings.Contains(msg, "certificate"):
		return HandshakeCertInvalid
	default:
		return HandshakeOther
	}
}

func certEqual(a, b *tls.Certificate) bool {
	if len(a.Certificate) != len(b.Certificate) {
		return false
	}
	for i := range a.Certificate {
		if !bytes.Equal(a.Certificate[i], b.Certificate[i]) {
			return false
		}
	}
	return true
}
