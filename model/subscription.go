package model

import "time"

// Status is the state of one direction (subscribe or unsubscribe) of a subscription.
type Status string

const (
	// StatusNone is only valid for UnsubscribeStatus and means no unsubscription is in progress.
	StatusNone        Status = ""
	StatusRequesting  Status = "requesting"
	StatusConnError   Status = "connerror"
	StatusHubError    Status = "huberror"
	StatusVerifying   Status = "verifying"
	StatusVerifyError Status = "verifyerror"
	StatusVerified    Status = "verified"
	StatusDenied      Status = "denied"
)

// Direction selects the subscribe or unsubscribe half of a subscription.
type Direction int

const (
	Subscribe Direction = iota
	Unsubscribe
)

func (d Direction) String() string {
	if d == Unsubscribe {
		return "unsubscribe"
	}

	return "subscribe"
}

// Subscription is one (hub, topic, callback identity) triple and its lifecycle state.
type Subscription struct {
	ID               string `json:"id"`
	HubURL           string `json:"hub_url"`
	Topic            string `json:"topic"`
	CallbackIdentity string `json:"callback_identity"`
	CallbackURL      string `json:"callback_url,omitempty"`
	Static           bool   `json:"static"`

	LeaseExpirationTime *time.Time `json:"lease_expiration_time,omitempty"`

	SubscribeStatus   Status `json:"subscribe_status"`
	UnsubscribeStatus Status `json:"unsubscribe_status,omitempty"`

	ConnErrorCount     int `json:"connerror_count"`
	HubErrorCount      int `json:"huberror_count"`
	VerifyErrorCount   int `json:"verifyerror_count"`
	VerifyTimeoutCount int `json:"verifytimeout_count"`

	SubscribeAttemptTime   *time.Time `json:"subscribe_attempt_time,omitempty"`
	UnsubscribeAttemptTime *time.Time `json:"unsubscribe_attempt_time,omitempty"`
	TimeLastEventReceived  *time.Time `json:"time_last_event_received,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Unsubscribing reports whether an explicit unsubscribe is in progress.
// While true, no subscribe-side work may happen.
func (s *Subscription) Unsubscribing() bool {
	return s.UnsubscribeStatus != StatusNone
}

// Status returns the status of the given direction.
func (s *Subscription) Status(d Direction) Status {
	if d == Unsubscribe {
		return s.UnsubscribeStatus
	}

	return s.SubscribeStatus
}

// SetStatus sets the status of the given direction.
func (s *Subscription) SetStatus(d Direction, st Status) {
	if d == Unsubscribe {
		s.UnsubscribeStatus = st
		return
	}

	s.SubscribeStatus = st
}

// AttemptTime returns the time of the last outbound request in the given direction.
func (s *Subscription) AttemptTime(d Direction) *time.Time {
	if d == Unsubscribe {
		return s.UnsubscribeAttemptTime
	}

	return s.SubscribeAttemptTime
}

// SetAttemptTime records an outbound request time for the given direction.
func (s *Subscription) SetAttemptTime(d Direction, t time.Time) {
	if d == Unsubscribe {
		s.UnsubscribeAttemptTime = &t
		return
	}

	s.SubscribeAttemptTime = &t
}

// ResetCounters zeroes the four retry counters.
func (s *Subscription) ResetCounters() {
	s.ConnErrorCount = 0
	s.HubErrorCount = 0
	s.VerifyErrorCount = 0
	s.VerifyTimeoutCount = 0
}
