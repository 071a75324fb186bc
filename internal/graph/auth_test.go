package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/sharepoint-go/internal/obs"
)

const testPassphrase = "correct horse"

// tokenServer is a fake identity provider token endpoint.
type tokenServer struct {
	*httptest.Server
	calls   atomic.Int32
	respond func(w http.ResponseWriter, n int32)
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()

	ts := &tokenServer{}
	ts.respond = func(w http.ResponseWriter, n int32) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600}`, n)
	}

	key := testKey(t)

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.calls.Add(1)

		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())

		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "https://graph.microsoft.com/.default", r.PostForm.Get("scope"))
		assert.Equal(t, assertionType, r.PostForm.Get("client_assertion_type"))
		assert.Empty(t, r.PostForm.Get("client_secret"))

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(r.PostForm.Get("client_assertion"), claims,
			func(*jwt.Token) (any, error) { return &key.PublicKey, nil },
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithAudience("http://"+r.Host+r.URL.Path),
			jwt.WithIssuer("client-1"),
		)
		assert.NoError(t, err)

		ts.respond(w, n)
	}))
	t.Cleanup(ts.Close)

	return ts
}

func (ts *tokenServer) tokenURL() string {
	return ts.URL + "/tenant-1/oauth2/v2.0/token"
}

func newTestCredential(t *testing.T, ts *tokenServer, sink obs.Sink) *CertificateCredential {
	t.Helper()

	cred, err := NewCertificateCredential(Identity{
		TenantID:      "tenant-1",
		ClientID:      "client-1",
		Thumbprint:    testThumbprint,
		PrivateKeyPEM: encryptedPEM(t, testKey(t), testPassphrase),
		Passphrase:    []byte(testPassphrase),
	}, CredentialOptions{TokenURL: ts.tokenURL(), Sink: sink})
	require.NoError(t, err)

	return cred
}

func TestNewCertificateCredential_WrongPassphraseFailsBeforeNetwork(t *testing.T) {
	ts := newTokenServer(t)

	_, err := NewCertificateCredential(Identity{
		TenantID:      "tenant-1",
		ClientID:      "client-1",
		Thumbprint:    testThumbprint,
		PrivateKeyPEM: encryptedPEM(t, testKey(t), testPassphrase),
		Passphrase:    []byte("wrong"),
	}, CredentialOptions{TokenURL: ts.tokenURL()})

	require.ErrorIs(t, err, ErrKeyDecode)
	assert.Equal(t, int32(0), ts.calls.Load())
}

func TestNewCertificateCredential_IncompleteIdentity(t *testing.T) {
	_, err := NewCertificateCredential(Identity{ClientID: "c"}, CredentialOptions{})
	require.ErrorIs(t, err, ErrIncompleteIdentity)

	_, err = NewCertificateCredential(Identity{TenantID: "t"}, CredentialOptions{})
	require.ErrorIs(t, err, ErrIncompleteIdentity)
}

func TestTokenURL(t *testing.T) {
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1/oauth2/v2.0/token",
		tokenURL("tenant-1", CredentialOptions{}))
	assert.Equal(t, "https://login.microsoftonline.us/tenant-1/oauth2/v2.0/token",
		tokenURL("tenant-1", CredentialOptions{AuthorityHost: "https://login.microsoftonline.us/"}))
	assert.Equal(t, "http://x/y", tokenURL("tenant-1", CredentialOptions{TokenURL: "http://x/y", AuthorityHost: "ignored"}))
}

func TestToken_CachedWithinValidity(t *testing.T) {
	ts := newTokenServer(t)
	rec := &obs.Recorder{}
	cred := newTestCredential(t, ts, rec)

	first, err := cred.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", first)

	second, err := cred.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", second)

	assert.Equal(t, int32(1), ts.calls.Load())
	assert.Equal(t, 1, rec.Count(obs.TokenRefreshed))
	assert.WithinDuration(t, time.Now().Add(time.Hour), cred.Expiry(), time.Minute)
}

func TestToken_RefreshesAfterExpiry(t *testing.T) {
	ts := newTokenServer(t)
	cred := newTestCredential(t, ts, nil)

	clock := time.Now()
	cred.now = func() time.Time { return clock }

	_, err := cred.Token(context.Background())
	require.NoError(t, err)

	// Inside the skew window the cached token counts as expired.
	clock = cred.Expiry().Add(-expirySkew)

	tok, err := cred.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), ts.calls.Load())
}

func TestToken_ConcurrentRefreshAfterExpiry(t *testing.T) {
	ts := newTokenServer(t)
	cred := newTestCredential(t, ts, nil)

	var clock atomic.Int64
	clock.Store(time.Now().UnixNano())
	cred.now = func() time.Time { return time.Unix(0, clock.Load()) }

	_, err := cred.Token(context.Background())
	require.NoError(t, err)

	clock.Store(cred.Expiry().Add(-expirySkew).UnixNano())

	const callers = 16

	var (
		wg      sync.WaitGroup
		results = make([]string, callers)
		errs    = make([]error, callers)
	)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			results[i], errs[i] = cred.Token(context.Background())
		}()
	}

	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-2", results[i])
	}

	assert.Equal(t, int32(2), ts.calls.Load())
}

func TestToken_SingleFlightUnderConcurrency(t *testing.T) {
	ts := newTokenServer(t)

	release := make(chan struct{})
	ts.respond = func(w http.ResponseWriter, n int32) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, n)
	}

	cred := newTestCredential(t, ts, nil)

	const callers = 20

	var (
		wg      sync.WaitGroup
		results = make([]string, callers)
		errs    = make([]error, callers)
	)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			results[i], errs[i] = cred.Token(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return ts.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-1", results[i])
	}

	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestToken_ErrorResponseNotCached(t *testing.T) {
	ts := newTokenServer(t)
	ts.respond = func(w http.ResponseWriter, n int32) {
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"AADSTS700027: bad assertion"}`))

			return
		}

		_, _ = w.Write([]byte(`{"access_token":"tok-ok","expires_in":3600}`))
	}

	rec := &obs.Recorder{}
	cred := newTestCredential(t, ts, rec)

	_, err := cred.Token(context.Background())

	var tokErr *TokenError
	require.ErrorAs(t, err, &tokErr)
	assert.Equal(t, http.StatusUnauthorized, tokErr.StatusCode)
	assert.Equal(t, "invalid_client", tokErr.Code)
	assert.Contains(t, tokErr.Message, "AADSTS700027")
	assert.False(t, IsRetryable(err))
	assert.True(t, cred.Expiry().IsZero())
	assert.Equal(t, 0, rec.Count(obs.TokenRefreshed))

	tok, err := cred.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-ok", tok)
	assert.Equal(t, int32(2), ts.calls.Load())
}

func TestToken_MissingAccessToken(t *testing.T) {
	ts := newTokenServer(t)
	ts.respond = func(w http.ResponseWriter, _ int32) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_type":"Bearer","expires_in":3600}`))
	}

	cred := newTestCredential(t, ts, nil)

	_, err := cred.Token(context.Background())

	var tokErr *TokenError
	require.ErrorAs(t, err, &tokErr)
	assert.Equal(t, http.StatusOK, tokErr.StatusCode)
	assert.Equal(t, "missing_access_token", tokErr.Code)
	assert.True(t, cred.Expiry().IsZero())
}

func TestToken_WithoutExpiresInIsNotReused(t *testing.T) {
	ts := newTokenServer(t)
	ts.respond = func(w http.ResponseWriter, n int32) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"tok-%d"}`, n)
	}

	cred := newTestCredential(t, ts, nil)

	first, err := cred.Token(context.Background())
	require.NoError(t, err)

	second, err := cred.Token(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), ts.calls.Load())
}

func TestToken_NetworkErrorIsRetryable(t *testing.T) {
	ts := newTokenServer(t)
	cred := newTestCredential(t, ts, nil)
	ts.Close()

	_, err := cred.Token(context.Background())

	var tokErr *TokenError
	require.ErrorAs(t, err, &tokErr)
	assert.Equal(t, 0, tokErr.StatusCode)
	assert.True(t, IsRetryable(err))
}

func TestToken_CallerCancelWhileWaiting(t *testing.T) {
	ts := newTokenServer(t)

	release := make(chan struct{})
	ts.respond = func(w http.ResponseWriter, n int32) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, n)
	}

	cred := newTestCredential(t, ts, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := cred.Token(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return ts.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Token did not return after cancel")
	}

	// The shared round trip still completes and fills the cache.
	close(release)

	require.Eventually(t, func() bool { return !cred.Expiry().IsZero() }, 5*time.Second, 5*time.Millisecond)

	tok, err := cred.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestCertificateCredential_Thumbprint(t *testing.T) {
	cred := newTestCredential(t, newTokenServer(t), nil)
	assert.Equal(t, testThumbprint, cred.Thumbprint())
}
