package garmin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

const (
	defaultSSOBaseURL     = "https://sso.garmin.com/sso"
	defaultConnectBaseURL = "https://connect.garmin.com"

	// Auth step names, used in AuthError and log lines.
	stepLoginForm   = "fetch login form"
	stepCredentials = "submit credentials"
	stepTicket      = "ticket exchange"
	stepVerify      = "verify session"
)

var (
	// The sign-in page embeds a CSRF token that must accompany the
	// credential POST.
	csrfPattern = regexp.MustCompile(`name="_csrf"\s+value="([^"]+)"`)

	// A successful credential POST responds with a page whose script
	// carries the URL to claim the SSO ticket from, e.g.
	//   response_url = "https:\/\/connect.garmin.com\/modern?ticket=ST-012345-aBCDef-cas"
	ticketURLPattern = regexp.MustCompile(`response_url\s*=\s*"(https?:[^"]+)"`)
)

// defaultChallengePatterns match the multi-factor / verification
// challenge pages observed on the live service. They are heuristics and
// service-specific, which is why AuthOptions lets callers override them.
var defaultChallengePatterns = []string{
	`(?i)verifyMFA`,
	`(?i)mfa-challenge`,
	`(?i)enter\s+the\s+verification\s+code`,
}

// Credentials hold the account email and password. They are kept in
// memory only and never persisted.
type Credentials struct {
	Email    string
	Password string
}

// AuthOptions configures an Authenticator. The zero value uses the
// live Garmin endpoints and the default challenge heuristics.
type AuthOptions struct {
	SSOBaseURL        string
	ConnectBaseURL    string
	ChallengePatterns []string
	Logger            zerolog.Logger
}

// Authenticator drives the Garmin SSO sign-in sequence:
//
//  1. fetch the login form and extract its CSRF token
//  2. submit credentials
//  3. claim the SSO ticket from the redirect URL in the response
//  4. verify the session with an authenticated probe
//
// A verification-challenge page at any step surfaces as
// ErrChallengeRequired and is never retried: it needs the user.
type Authenticator struct {
	transport   Transport
	ssoBase     string
	connectBase string
	challenges  []*regexp.Regexp
	log         zerolog.Logger
}

// NewAuthenticator creates an Authenticator on the given transport.
func NewAuthenticator(transport Transport, opts AuthOptions) (*Authenticator, error) {
	if opts.SSOBaseURL == "" {
		opts.SSOBaseURL = defaultSSOBaseURL
	}
	if opts.ConnectBaseURL == "" {
		opts.ConnectBaseURL = defaultConnectBaseURL
	}
	patterns := opts.ChallengePatterns
	if patterns == nil {
		patterns = defaultChallengePatterns
	}
	var challenges []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid challenge pattern %q: %w", p, err)
		}
		challenges = append(challenges, re)
	}
	return &Authenticator{
		transport:   transport,
		ssoBase:     strings.TrimRight(opts.SSOBaseURL, "/"),
		connectBase: strings.TrimRight(opts.ConnectBaseURL, "/"),
		challenges:  challenges,
		log:         opts.Logger,
	}, nil
}

// Authenticate performs the full sign-in sequence and returns a ready
// Session. On failure the returned error is an *AuthError whose Reason
// matches one of the package sentinel errors.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	if err := a.login(ctx, creds); err != nil {
		return nil, err
	}
	return newSession(a, creds), nil
}

// login runs the four sign-in steps against the authenticator's
// transport, populating its cookie jar as a side effect.
func (a *Authenticator) login(ctx context.Context, creds Credentials) error {
	csrf, err := a.fetchLoginForm(ctx)
	if err != nil {
		return err
	}
	ticketURL, err := a.submitCredentials(ctx, creds, csrf)
	if err != nil {
		return err
	}
	if err := a.claimTicket(ctx, ticketURL); err != nil {
		return err
	}
	return a.verify(ctx)
}

func (a *Authenticator) fetchLoginForm(ctx context.Context) (csrf string, err error) {
	a.log.Debug().Msg("fetching login form")
	formURL := a.ssoBase + "/signin?" + url.Values{
		"service":   {a.connectBase + "/modern"},
		"clientId":  {"GarminConnect"},
		"gauthHost": {a.ssoBase},
	}.Encode()
	body, status, err := a.get(ctx, formURL, nil)
	if err != nil {
		return "", &AuthError{Step: stepLoginForm, Reason: ErrServiceUnavailable, Err: err}
	}
	if status != http.StatusOK {
		return "", &AuthError{Step: stepLoginForm, Reason: ErrServiceUnavailable,
			Err: fmt.Errorf("unexpected status %d", status)}
	}
	if a.isChallenge(body) {
		return "", &AuthError{Step: stepLoginForm, Reason: ErrChallengeRequired}
	}
	m := csrfPattern.FindStringSubmatch(body)
	if m == nil {
		return "", &AuthError{Step: stepLoginForm, Reason: ErrServiceUnavailable,
			Err: fmt.Errorf("no CSRF token in login form")}
	}
	return m[1], nil
}

func (a *Authenticator) submitCredentials(ctx context.Context, creds Credentials, csrf string) (string, error) {
	a.log.Debug().Msg("submitting credentials")
	form := url.Values{
		"username": {creds.Email},
		"password": {creds.Password},
		"embed":    {"false"},
		"_csrf":    {csrf},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.ssoBase+"/signin?"+url.Values{"service": {a.connectBase + "/modern"}}.Encode(),
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Step: stepCredentials, Reason: ErrServiceUnavailable, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", originOf(a.ssoBase))
	req.Header.Set("Referer", a.ssoBase+"/signin")

	resp, err := a.transport.Do(req)
	if err != nil {
		return "", &AuthError{Step: stepCredentials, Reason: ErrServiceUnavailable, Err: err}
	}
	body, err := readBody(resp)
	if err != nil {
		return "", &AuthError{Step: stepCredentials, Reason: ErrServiceUnavailable, Err: err}
	}
	if a.isChallenge(body) || a.isChallengeURL(resp) {
		return "", &AuthError{Step: stepCredentials, Reason: ErrChallengeRequired}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &AuthError{Step: stepCredentials, Reason: ErrServiceUnavailable,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &AuthError{Step: stepCredentials, Reason: ErrInvalidCredentials}
	}
	m := ticketURLPattern.FindStringSubmatch(body)
	if m == nil {
		// No ticket URL in an otherwise successful response is the
		// failure page shown for a wrong password.
		return "", &AuthError{Step: stepCredentials, Reason: ErrInvalidCredentials}
	}
	return strings.ReplaceAll(m[1], `\`, ""), nil
}

func (a *Authenticator) claimTicket(ctx context.Context, ticketURL string) error {
	a.log.Debug().Str("url", ticketURL).Msg("claiming auth ticket")
	body, status, err := a.get(ctx, ticketURL, nil)
	if err != nil {
		return &AuthError{Step: stepTicket, Reason: ErrTicketExchangeFailed, Err: err}
	}
	if a.isChallenge(body) {
		return &AuthError{Step: stepTicket, Reason: ErrChallengeRequired}
	}
	if status != http.StatusOK {
		return &AuthError{Step: stepTicket, Reason: ErrTicketExchangeFailed,
			Err: fmt.Errorf("unexpected status %d", status)}
	}
	// Touch the legacy session endpoint. Some downloads fail without
	// it. Best effort only.
	if _, _, err := a.get(ctx, a.connectBase+"/legacy/session", nil); err != nil {
		a.log.Debug().Err(err).Msg("legacy session touch failed")
	}
	return nil
}

func (a *Authenticator) verify(ctx context.Context) error {
	a.log.Debug().Msg("verifying session")
	_, status, err := a.get(ctx, a.connectBase+"/modern/currentuser-service/user/info", nil)
	if err != nil {
		return &AuthError{Step: stepVerify, Reason: ErrSessionNotEstablished, Err: err}
	}
	if status < 200 || status > 299 {
		return &AuthError{Step: stepVerify, Reason: ErrSessionNotEstablished,
			Err: fmt.Errorf("probe returned status %d", status)}
	}
	a.log.Info().Msg("authenticated")
	return nil
}

func (a *Authenticator) get(ctx context.Context, rawURL string, headers map[string]string) (body string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	resp, err := a.transport.Do(req)
	if err != nil {
		return "", 0, err
	}
	body, err = readBody(resp)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (a *Authenticator) isChallenge(body string) bool {
	for _, re := range a.challenges {
		if re.MatchString(body) {
			return true
		}
	}
	return false
}

func (a *Authenticator) isChallengeURL(resp *http.Response) bool {
	if resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	final := resp.Request.URL.String()
	for _, re := range a.challenges {
		if re.MatchString(final) {
			return true
		}
	}
	return false
}

func originOf(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	return u.Scheme + "://" + u.Host
}

// readBody reads and closes a response body, capped at 4 MiB. Auth
// pages are small; the cap guards against pathological responses.
func readBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	return string(b), nil
}
