package garmin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Session is an authenticated handle against Garmin Connect. It
// executes requests through the authenticator's transport (and thus
// its cookie jar) and transparently re-authenticates once when the
// remote signals that the session has expired. A second consecutive
// expiry is fatal, so a broken account can't loop on re-login forever.
//
// The session is safe for concurrent use. Re-authentication is
// serialized: when several workers hit an expired session at once only
// one of them re-runs the login sequence, the rest just retry.
type Session struct {
	auth  *Authenticator
	creds Credentials

	mu    sync.Mutex
	epoch int
}

func newSession(auth *Authenticator, creds Credentials) *Session {
	return &Session{auth: auth, creds: creds}
}

// Do executes the request, re-authenticating and retrying once if the
// response carries an authorization-expired signal. Transport errors
// and non-auth HTTP failures are returned as-is: retry policy for
// those belongs to the caller.
func (s *Session) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	epoch := s.currentEpoch()
	resp, err := s.auth.transport.Do(req.Clone(ctx))
	if err != nil {
		return nil, err
	}
	if !sessionExpired(resp) {
		return resp, nil
	}
	discard(resp)
	if err := s.reauthenticate(ctx, epoch); err != nil {
		return nil, err
	}
	resp, err = s.auth.transport.Do(req.Clone(ctx))
	if err != nil {
		return nil, err
	}
	if sessionExpired(resp) {
		discard(resp)
		return nil, ErrReauthFailed
	}
	return resp, nil
}

// Get is a convenience wrapper around Do for the GET requests that make
// up the entire read API.
func (s *Session) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return s.Do(ctx, req)
}

func (s *Session) currentEpoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// reauthenticate re-runs the login sequence unless another goroutine
// already did so since the caller observed epoch.
func (s *Session) reauthenticate(ctx context.Context, observed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != observed {
		// Somebody else renewed the session already.
		return nil
	}
	if err := s.auth.login(ctx, s.creds); err != nil {
		return fmt.Errorf("%w: %w", ErrReauthFailed, err)
	}
	s.epoch++
	return nil
}

// sessionExpired reports whether a response is the remote's way of
// saying the session cookies are no longer valid: either a 401, or a
// redirect chain that ended up back at the sign-in page.
func sessionExpired(resp *http.Response) bool {
	if resp.StatusCode == http.StatusUnauthorized {
		return true
	}
	if resp.Request != nil && resp.Request.URL != nil &&
		strings.Contains(resp.Request.URL.Path, "/signin") {
		return true
	}
	return false
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}
