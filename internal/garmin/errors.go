package garmin

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Authentication failure reasons. All of them are fatal to the current
// run: retrying bad credentials or an MFA challenge cannot succeed
// without input from the user.
var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrChallengeRequired     = errors.New("verification challenge required, complete it in a browser first")
	ErrTicketExchangeFailed  = errors.New("ticket exchange failed")
	ErrServiceUnavailable    = errors.New("sign-in service unavailable")
	ErrSessionNotEstablished = errors.New("session not established")

	// ErrReauthFailed is returned by Session when a re-authentication
	// attempt did not restore a valid session.
	ErrReauthFailed = errors.New("re-authentication did not restore a valid session")
)

// AuthError describes a failure of one step of the sign-in sequence.
// Reason is always one of the sentinel errors above and can be matched
// with errors.Is.
type AuthError struct {
	Step   string
	Reason error
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v: %v", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth: %s: %v", e.Step, e.Reason)
}

func (e *AuthError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Reason, e.Err}
	}
	return []error{e.Reason}
}

// CatalogError reports a failed activity-listing page fetch. Start is
// the offset of the page that could not be fetched; activities beyond
// it are simply not seen this run.
type CatalogError struct {
	Start int
	Err   error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog: page fetch failed at offset %d: %v", e.Start, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// FetchError reports a failed artifact fetch. It never stands for a
// "no such export" outcome, which is a first-class result, not an
// error.
type FetchError struct {
	ActivityID int64
	Format     ExportFormat
	Status     int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s for activity %d: unexpected status %d", e.Format, e.ActivityID, e.Status)
	}
	return fmt.Sprintf("fetch %s for activity %d: %v", e.Format, e.ActivityID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether the fetch failure is worth retrying:
// rate limiting, server-side errors and network timeouts are, anything
// else is not.
func (e *FetchError) Transient() bool {
	if e.Status == http.StatusTooManyRequests || e.Status >= 500 {
		return true
	}
	if e.Status != 0 {
		return false
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr)
}

// IsTransient classifies an error as eligible for retry with backoff.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}
	var ce *CatalogError
	if errors.As(err, &ce) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
