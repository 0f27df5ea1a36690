package websubsub

import "time"

// Config holds the policy knobs of the subscription lifecycle.
type Config struct {
	// Retry caps per failure class. Verification timeouts share MaxVerifyRetries.
	MaxConnectRetries  int `mapstructure:"max_connect_retries" validate:"gte=0"`
	MaxHubErrorRetries int `mapstructure:"max_hub_error_retries" validate:"gte=0"`
	MaxVerifyRetries   int `mapstructure:"max_verify_retries" validate:"gte=0"`

	// VerifyWaitTime is how long a verifying request waits for the hub's callback.
	VerifyWaitTime time.Duration `mapstructure:"verify_wait_time" validate:"gt=0"`

	// RefreshLookahead selects verified subscriptions whose lease ends within it.
	RefreshLookahead time.Duration `mapstructure:"refresh_lookahead" validate:"gt=0"`

	// AutofixURLs allows resubscribing when the resolved callback URL changed.
	AutofixURLs bool `mapstructure:"autofix_urls"`

	DefaultHubURL string `mapstructure:"default_hub_url" validate:"omitempty,url"`

	RequestTimeout      time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	LockExpiry          time.Duration `mapstructure:"lock_expiry" validate:"gt=0"`
	UnsubscribeLockWait time.Duration `mapstructure:"unsubscribe_lock_wait" validate:"gte=0"`

	MaxEventSize int64 `mapstructure:"max_event_size" validate:"gt=0"`
}

// DefaultConfig returns the default lifecycle policy.
func DefaultConfig() Config {
	return Config{
		MaxConnectRetries:   2,
		MaxHubErrorRetries:  2,
		MaxVerifyRetries:    2,
		VerifyWaitTime:      60 * time.Second,
		RefreshLookahead:    24 * time.Hour,
		RequestTimeout:      10 * time.Second,
		LockExpiry:          60 * time.Second,
		UnsubscribeLockWait: 10 * time.Second,
		MaxEventSize:        10 << 20,
	}
}
