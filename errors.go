package websubsub

import (
	"fmt"

	"github.com/pkg/errors"
	"meow.tf/websubsub/store"
)

var (
	ErrNotResolvable      = errors.New("callback identity is not resolvable")
	ErrCallbackURLChanged = errors.New("callback url changed and url autofix is disabled")
	ErrLockTimeout        = errors.New("timed out waiting for subscription lock")
	ErrNoHub              = errors.New("no hub url: pass one, set a default hub or let the topic advertise one")
	ErrUnknownOp          = errors.New("unknown job op")
	ErrWorkerStopped      = errors.New("worker stopped")
)

// TransportError is a connection-level failure talking to a hub.
type TransportError struct {
	HubURL string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hub %s: %v", e.HubURL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HubProtocolError is a hub answer other than 202 Accepted.
type HubProtocolError struct {
	HubURL     string
	StatusCode int
	Body       string
}

func (e *HubProtocolError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("hub %s returned %d", e.HubURL, e.StatusCode)
	}

	return fmt.Sprintf("hub %s returned %d: %s", e.HubURL, e.StatusCode, e.Body)
}

// IsPermanent reports whether retrying the job that produced err can never succeed.
// Collaborator failures and lock timeouts are not permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotResolvable) ||
		errors.Is(err, ErrCallbackURLChanged) ||
		errors.Is(err, ErrUnknownOp) ||
		errors.Is(err, store.ErrNotFound)
}
