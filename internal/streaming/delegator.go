// Package streaming grants and revokes time-boxed streaming permissions when
// bookings go live and finish.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Action is the delegation operation.
type Action string

// Delegation actions. The values are the lower-case HTTP methods used in
// signed requests.
const (
	ActionGrant  Action = "put"
	ActionRevoke Action = "delete"
)

// HTTPMethod returns the upper-case request method for the action.
func (a Action) HTTPMethod() string {
	if a == ActionRevoke {
		return http.MethodDelete
	}
	return http.MethodPut
}

// String returns a readable name for logs and metrics.
func (a Action) String() string {
	if a == ActionRevoke {
		return "revoke"
	}
	return "grant"
}

// ErrPermanent marks a delegation failure that must not be retried.
var ErrPermanent = errors.New("permanent delegation failure")

// StatusError is a non-2xx response from the permission authority.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("permission authority returned %d", e.StatusCode)
	}
	return fmt.Sprintf("permission authority returned %d: %s", e.StatusCode, e.Body)
}

// Delegator applies a single grant or revoke for identity in realm.
type Delegator interface {
	Delegate(ctx context.Context, action Action, realm, identity string) error
}

// isPermanent reports whether err should stop retrying: explicit permanent
// failures and client-side (4xx and lower) responses.
func isPermanent(err error) bool {
	if errors.Is(err, ErrPermanent) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode < 500
	}
	return false
}
