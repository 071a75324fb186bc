package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/tonimelisma/sharepoint-go/internal/config"
	"github.com/tonimelisma/sharepoint-go/internal/graph"
	"github.com/tonimelisma/sharepoint-go/internal/ledger"
	"github.com/tonimelisma/sharepoint-go/internal/obs"
	"github.com/tonimelisma/sharepoint-go/internal/upload"
)

// Endpoints, replaced by tests.
var (
	graphBaseURL  = graph.DefaultBaseURL
	tokenEndpoint = ""
)

// Session holds the credential, the Graph client and the optional ledger for
// one command invocation.
type Session struct {
	Credential *graph.CertificateCredential
	Client     *graph.Client
	Ledger     *ledger.Store // nil when the ledger could not be opened
	Sink       obs.Sink

	cfg    *config.Config
	logger *slog.Logger
}

// NewSession builds the credential and client from resolved config. Key
// decoding happens here, so a bad key or passphrase fails before any
// network activity.
func NewSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, sink obs.Sink) (*Session, error) {
	if err := errors.Join(cfg.RequireIdentity(), cfg.RequireSite()); err != nil {
		return nil, fmt.Errorf("incomplete configuration: %w", err)
	}

	id, err := readIdentity(&cfg.Identity)
	if err != nil {
		return nil, err
	}

	sink = obs.OrDiscard(sink)
	connect, data := cfg.Network.Timeouts()

	cred, err := graph.NewCertificateCredential(id, graph.CredentialOptions{
		AuthorityHost: cfg.Identity.AuthorityHost,
		TokenURL:      tokenEndpoint,
		HTTPClient:    newHTTPClient(connect, data),
		Logger:        logger,
		Sink:          sink,
	})
	if err != nil {
		return nil, err
	}

	// Transfers carry no overall timeout; stalls hit the data timeout.
	client := graph.NewClient(graphBaseURL, newTransferHTTPClient(connect, data), cred, logger, cfg.Network.UserAgent)

	s := &Session{Credential: cred, Client: client, Sink: sink, cfg: cfg, logger: logger}

	store, err := ledger.Open(ctx, cfg.LedgerPath(), logger)
	if err != nil {
		logger.Warn("upload ledger unavailable, continuing without session persistence",
			slog.String("error", err.Error()),
		)
	} else {
		s.Ledger = store
	}

	return s, nil
}

// Router returns an upload router for the configured library.
func (s *Session) Router() *upload.Router {
	var store upload.SessionStore
	if s.Ledger != nil {
		store = s.Ledger
	}

	return upload.NewRouter(s.Client, upload.Config{
		Hostname:       s.cfg.Site.Hostname,
		SitePath:       s.cfg.Site.SitePath,
		Dir:            s.cfg.Site.UploadDir,
		ChunkSize:      s.cfg.Transfers.ChunkSizeBytes(),
		ResumeSessions: s.cfg.Transfers.ResumeSessions,
		StagingDir:     s.cfg.Transfers.StagingDir,
	}, store, s.Sink, s.logger)
}

// Close releases the ledger.
func (s *Session) Close() {
	if s.Ledger != nil {
		if err := s.Ledger.Close(); err != nil {
			s.logger.Warn("closing ledger", slog.String("error", err.Error()))
		}
	}
}

func readIdentity(cfg *config.IdentityConfig) (graph.Identity, error) {
	pemData, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return graph.Identity{}, fmt.Errorf("reading private key: %w", err)
	}

	id := graph.Identity{
		TenantID:      cfg.TenantID,
		ClientID:      cfg.ClientID,
		Thumbprint:    cfg.Thumbprint,
		PrivateKeyPEM: pemData,
	}

	if cfg.Passphrase != "" {
		id.Passphrase = []byte(cfg.Passphrase)
	}

	return id, nil
}

func newTransport(connect, data time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = connect
	t.ResponseHeaderTimeout = data

	return t
}

// newHTTPClient is for short request/response exchanges (token endpoint).
func newHTTPClient(connect, data time.Duration) *http.Client {
	return &http.Client{Transport: newTransport(connect, data), Timeout: connect + data}
}

func newTransferHTTPClient(connect, data time.Duration) *http.Client {
	return &http.Client{Transport: newTransport(connect, data)}
}
