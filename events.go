package websubsub

import "meow.tf/websubsub/model"

// Verified is an event called when a hub verified a subscribe request.
type Verified struct {
	Subscription model.Subscription
}

// Unsubscribed is an event called when a hub verified an unsubscribe request.
type Unsubscribed struct {
	Subscription model.Subscription
}

// VerificationFailed is an event called when a hub sent a malformed verification request.
type VerificationFailed struct {
	Subscription model.Subscription
	Direction    model.Direction
	Reason       string
}

// Denied is an event called when a hub denied a subscription.
type Denied struct {
	Subscription model.Subscription
	Reason       string
}

// Exhausted is an event called when the retry sweep finds a subscription out of retries.
type Exhausted struct {
	Subscription model.Subscription
	Direction    model.Direction
}

// Unresolvable is an event called when a subscription's callback identity no longer resolves.
// It needs operator action: fix the route or purge the subscription.
type Unresolvable struct {
	Subscription model.Subscription
	Error        error
}
