package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/sharepoint-go/internal/obs"
)

// DefaultScopes requests every application permission granted to the app on
// Microsoft Graph.
var DefaultScopes = []string{"https://graph.microsoft.com/.default"}

const (
	assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// expirySkew treats a token as expired this long before the server's
	// expiry so a request never leaves with a token about to lapse.
	expirySkew = 60 * time.Second

	// tokenRequestTimeout bounds one token round trip. The round trip is
	// shared by every waiting caller, so it is not tied to any single
	// caller's context.
	tokenRequestTimeout = 30 * time.Second

	flightKey = "token"
)

// ErrIncompleteIdentity is returned when tenant or client id is missing.
var ErrIncompleteIdentity = errors.New("graph: tenant id and client id are required")

// Identity is the app registration a CertificateCredential signs for.
// There are no defaults: every field comes from configuration.
type Identity struct {
	TenantID      string
	ClientID      string
	Thumbprint    string // hex SHA-1 of the registered certificate; optional when PrivateKeyPEM carries the certificate
	PrivateKeyPEM []byte
	Passphrase    []byte
}

// CredentialOptions tunes where and how tokens are requested.
type CredentialOptions struct {
	// AuthorityHost replaces https://login.microsoftonline.com (sovereign
	// clouds). Ignored when TokenURL is set.
	AuthorityHost string
	// TokenURL overrides the full token endpoint.
	TokenURL   string
	Scopes     []string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Sink       obs.Sink
}

// TokenError is a failed token acquisition: a non-2xx response from the
// identity provider, a response without an access token, or a transport
// failure (StatusCode 0).
type TokenError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *TokenError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}

	if e.StatusCode == 0 {
		return "graph: token acquisition failed: " + msg
	}

	return fmt.Sprintf("graph: token acquisition failed (HTTP %d): %s", e.StatusCode, msg)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

type accessToken struct {
	value     string
	expiresAt time.Time
}

// CertificateCredential obtains app-only bearer tokens with a certificate
// signed client assertion and caches them until shortly before expiry.
// Concurrent callers that find the cache stale share one round trip.
// It satisfies TokenSource.
type CertificateCredential struct {
	clientID   string
	tokenURL   string
	scopes     []string
	signer     *signer
	httpClient *http.Client
	logger     *slog.Logger
	sink       obs.Sink
	now        func() time.Time

	mu     sync.Mutex
	cached *accessToken
	flight singleflight.Group
}

// NewCertificateCredential decodes the key material in id and prepares the
// token request. Key problems fail here with ErrKeyDecode (or
// ErrMissingThumbprint), before any network activity.
func NewCertificateCredential(id Identity, opts CredentialOptions) (*CertificateCredential, error) {
	if id.TenantID == "" || id.ClientID == "" {
		return nil, ErrIncompleteIdentity
	}

	s, err := newSigner(id.PrivateKeyPEM, id.Passphrase, id.Thumbprint)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	return &CertificateCredential{
		clientID:   id.ClientID,
		tokenURL:   tokenURL(id.TenantID, opts),
		scopes:     scopes,
		signer:     s,
		httpClient: httpClient,
		logger:     logger,
		sink:       obs.OrDiscard(opts.Sink),
		now:        time.Now,
	}, nil
}

func tokenURL(tenantID string, opts CredentialOptions) string {
	if opts.TokenURL != "" {
		return opts.TokenURL
	}

	if opts.AuthorityHost != "" {
		return fmt.Sprintf("%s/%s/oauth2/v2.0/token",
			strings.TrimRight(opts.AuthorityHost, "/"), url.PathEscape(tenantID))
	}

	return microsoft.AzureADEndpoint(tenantID).TokenURL
}

// Token returns a valid bearer token, acquiring one when the cache is empty
// or stale. A failed acquisition caches nothing; the next call tries again.
func (c *CertificateCredential) Token(ctx context.Context) (string, error) {
	if tok, ok := c.fresh(); ok {
		return tok, nil
	}

	ch := c.flight.DoChan(flightKey, func() (any, error) {
		// A flight that finished just before this one started may already
		// have refreshed the cache.
		if tok, ok := c.fresh(); ok {
			return tok, nil
		}

		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenRequestTimeout)
		defer cancel()

		return c.acquire(flightCtx)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("graph: waiting for token: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		tok, ok := res.Val.(string)
		if !ok {
			return "", fmt.Errorf("graph: unexpected token result type %T", res.Val)
		}

		return tok, nil
	}
}

// Expiry reports when the cached token expires, or the zero time when no
// token is cached.
func (c *CertificateCredential) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached == nil {
		return time.Time{}
	}

	return c.cached.expiresAt
}

// Thumbprint returns the certificate thumbprint sent with assertions.
func (c *CertificateCredential) Thumbprint() string {
	return c.signer.thumbprintHex()
}

func (c *CertificateCredential) fresh() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached == nil || !c.now().Before(c.cached.expiresAt.Add(-expirySkew)) {
		return "", false
	}

	return c.cached.value, true
}

// acquire performs one token round trip and replaces the cache on success.
func (c *CertificateCredential) acquire(ctx context.Context) (string, error) {
	now := c.now()

	// The identity provider checks nbf and exp against real time; c.now only
	// drives cache freshness.
	assertion, err := c.signer.assertion(c.clientID, c.tokenURL, time.Now())
	if err != nil {
		return "", err
	}

	cfg := clientcredentials.Config{
		ClientID: c.clientID,
		TokenURL: c.tokenURL,
		Scopes:   c.scopes,
		EndpointParams: url.Values{
			"client_assertion_type": {assertionType},
			"client_assertion":      {assertion},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}

	c.logger.Debug("requesting access token", slog.String("client_id", c.clientID))

	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient))
	if err != nil {
		tokErr := toTokenError(err)

		c.logger.Warn("token acquisition failed",
			slog.Int("status", tokErr.StatusCode),
			slog.String("code", tokErr.Code),
		)

		return "", tokErr
	}

	// Without expires_in the token is used once and never served from cache.
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(expirySkew)
	}

	c.mu.Lock()
	c.cached = &accessToken{value: tok.AccessToken, expiresAt: expiresAt}
	c.mu.Unlock()

	c.logger.Info("acquired access token", slog.Time("expires_at", expiresAt))
	c.sink.Emit(ctx, obs.Event{
		Name:  obs.TokenRefreshed,
		Attrs: []slog.Attr{slog.Time("expires_at", expiresAt)},
	})

	return tok.AccessToken, nil
}

// oauth2MissingToken is the x/oauth2 error text for a token response
// without access_token.
const oauth2MissingToken = "server response missing access_token"

// toTokenError classifies an error from the oauth2 exchange.
func toTokenError(err error) *TokenError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		te := &TokenError{
			Code:    re.ErrorCode,
			Message: re.ErrorDescription,
			Err:     err,
		}

		if re.Response != nil {
			te.StatusCode = re.Response.StatusCode
		}

		if te.Message == "" {
			te.Message = strings.TrimSpace(string(re.Body))
		}

		return te
	}

	// oauth2 reports a 2xx body without access_token as a plain error whose
	// text is fixed in golang.org/x/oauth2 internal/token.go (v0.30.0).
	// TestToken_MissingAccessToken pins the wording on upgrades.
	if strings.Contains(err.Error(), oauth2MissingToken) {
		return &TokenError{StatusCode: http.StatusOK, Code: "missing_access_token", Message: "response has no access_token", Err: err}
	}

	return &TokenError{Message: err.Error(), Err: err}
}
