package garmin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "runner@example.com"
	testPassword = "hunter2"
	testCSRF     = "csrf-token-1"
)

// fakeSSO is a stand-in for the Garmin sign-in and Connect services,
// covering the endpoints the authenticator and session touch.
type fakeSSO struct {
	mux    *http.ServeMux
	server *httptest.Server

	logins        atomic.Int64 // credential POSTs
	sessionEpoch  atomic.Int64 // bumped on every successful ticket claim
	failLogins    bool         // respond to credential POSTs as a wrong password
	challenge     bool         // respond to credential POSTs with an MFA page
	omitCSRF      bool         // serve a login form without a CSRF token
	verifyStatus  int          // status for the verify probe (default 200)
	probeHandlers map[string]http.HandlerFunc
}

func newFakeSSO(t *testing.T) *fakeSSO {
	f := &fakeSSO{mux: http.NewServeMux(), probeHandlers: map[string]http.HandlerFunc{}}
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)

	f.mux.HandleFunc("GET /sso/signin", func(w http.ResponseWriter, r *http.Request) {
		if f.omitCSRF {
			fmt.Fprint(w, `<html><body>maintenance</body></html>`)
			return
		}
		fmt.Fprintf(w, `<html><form><input type="hidden" name="_csrf" value="%s"></form></html>`, testCSRF)
	})
	f.mux.HandleFunc("POST /sso/signin", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		require.NoError(t, r.ParseForm())
		if f.challenge {
			fmt.Fprint(w, `<html><body>Please complete verifyMFA to continue</body></html>`)
			return
		}
		if f.failLogins ||
			r.PostForm.Get("username") != testEmail ||
			r.PostForm.Get("password") != testPassword ||
			r.PostForm.Get("_csrf") != testCSRF {
			fmt.Fprint(w, `<html><body>Sorry, you entered an invalid username or password.</body></html>`)
			return
		}
		fmt.Fprintf(w, `<html><script>var response_url = "%s/claim?ticket=ST-012345-aBCDef-cas";</script></html>`, f.server.URL)
	})
	f.mux.HandleFunc("GET /claim", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ticket") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		epoch := f.sessionEpoch.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "SESSIONID", Value: fmt.Sprintf("epoch-%d", epoch), Path: "/"})
	})
	f.mux.HandleFunc("GET /legacy/session", func(w http.ResponseWriter, r *http.Request) {})
	f.mux.HandleFunc("GET /modern/currentuser-service/user/info", func(w http.ResponseWriter, r *http.Request) {
		if f.verifyStatus != 0 {
			w.WriteHeader(f.verifyStatus)
			return
		}
		if _, err := r.Cookie("SESSIONID"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"username":"runner"}`)
	})
	// catch-all for client endpoints installed by individual tests
	f.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if h, ok := f.probeHandlers[r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	})
	return f
}

func (f *fakeSSO) handle(path string, h http.HandlerFunc) {
	f.probeHandlers[path] = h
}

func (f *fakeSSO) newAuthenticator(t *testing.T) *Authenticator {
	transport, err := NewBrowserTransport(TransportOptions{})
	require.NoError(t, err)
	auth, err := NewAuthenticator(transport, AuthOptions{
		SSOBaseURL:     f.server.URL + "/sso",
		ConnectBaseURL: f.server.URL,
	})
	require.NoError(t, err)
	return auth
}

func testCredentials() Credentials {
	return Credentials{Email: testEmail, Password: testPassword}
}

func TestAuthenticateSuccess(t *testing.T) {
	sso := newFakeSSO(t)
	auth := sso.newAuthenticator(t)

	session, err := auth.Authenticate(context.Background(), testCredentials())
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.EqualValues(t, 1, sso.logins.Load())
}

func TestAuthenticateInvalidCredentials(t *testing.T) {
	sso := newFakeSSO(t)
	auth := sso.newAuthenticator(t)

	_, err := auth.Authenticate(context.Background(), Credentials{Email: testEmail, Password: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, stepCredentials, authErr.Step)
}

func TestAuthenticateChallengeRequired(t *testing.T) {
	sso := newFakeSSO(t)
	sso.challenge = true
	auth := sso.newAuthenticator(t)

	_, err := auth.Authenticate(context.Background(), testCredentials())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChallengeRequired)
	// A challenge is terminal: the sequence must not have continued
	// to the ticket claim.
	assert.EqualValues(t, 0, sso.sessionEpoch.Load())
}

func TestAuthenticateMissingCSRF(t *testing.T) {
	sso := newFakeSSO(t)
	sso.omitCSRF = true
	auth := sso.newAuthenticator(t)

	_, err := auth.Authenticate(context.Background(), testCredentials())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestAuthenticateVerifyFailure(t *testing.T) {
	sso := newFakeSSO(t)
	sso.verifyStatus = http.StatusForbidden
	auth := sso.newAuthenticator(t)

	_, err := auth.Authenticate(context.Background(), testCredentials())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionNotEstablished)
}

func TestAuthenticateServiceDown(t *testing.T) {
	sso := newFakeSSO(t)
	auth := sso.newAuthenticator(t)
	sso.server.Close()

	_, err := auth.Authenticate(context.Background(), testCredentials())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestCustomChallengePattern(t *testing.T) {
	sso := newFakeSSO(t)
	sso.challenge = true

	transport, err := NewBrowserTransport(TransportOptions{})
	require.NoError(t, err)
	// With a pattern set that doesn't match the MFA page, the flow
	// falls through to the invalid-credentials outcome instead.
	auth, err := NewAuthenticator(transport, AuthOptions{
		SSOBaseURL:        sso.server.URL + "/sso",
		ConnectBaseURL:    sso.server.URL,
		ChallengePatterns: []string{`captcha-wall`},
	})
	require.NoError(t, err)

	_, err = auth.Authenticate(context.Background(), testCredentials())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
