package model

import (
	"errors"
	"net/http"
)

// Mode is the kind of inbound callback request, resolved once from the HTTP method and hub.mode.
type Mode int

const (
	ModeSubscribe Mode = iota + 1
	ModeUnsubscribe
	ModeDenied
	ModeEvent
)

var (
	ErrUnknownMode = errors.New("missing or unknown hub.mode")
)

// ParseMode maps a callback request onto a Mode.
// Any POST is an event delivery; GET requests are verifications or denials.
func ParseMode(method, hubMode string) (Mode, error) {
	if method == http.MethodPost {
		return ModeEvent, nil
	}

	if method != http.MethodGet {
		return 0, ErrUnknownMode
	}

	switch hubMode {
	case "subscribe":
		return ModeSubscribe, nil
	case "unsubscribe":
		return ModeUnsubscribe, nil
	case "denied":
		return ModeDenied, nil
	}

	return 0, ErrUnknownMode
}

func (m Mode) String() string {
	switch m {
	case ModeSubscribe:
		return "subscribe"
	case ModeUnsubscribe:
		return "unsubscribe"
	case ModeDenied:
		return "denied"
	case ModeEvent:
		return "event"
	}

	return "unknown"
}
