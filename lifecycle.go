package websubsub

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"meow.tf/websubsub/lock"
	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store"
)

// Result is what a subscribe or unsubscribe attempt did.
type Result int

const (
	ResultNone Result = iota
	// ResultLocked means another attempt holds the subscription lock.
	ResultLocked
	// ResultUnsubscribing means a subscribe attempt was skipped because an unsubscribe is in progress.
	ResultUnsubscribing
	// ResultNotRequested means an unsubscribe attempt found no unsubscribe in progress.
	ResultNotRequested
	// ResultAwaitingVerification means the previous request may still be verified by the hub.
	ResultAwaitingVerification
	ResultAccepted
	ResultHubError
	ResultConnError
	// ResultSuperseded means the hub's verification callback landed while the request was in flight.
	ResultSuperseded
)

func (r Result) String() string {
	switch r {
	case ResultLocked:
		return "skipped: locked"
	case ResultUnsubscribing:
		return "skipped: explicitly unsubscribed"
	case ResultNotRequested:
		return "skipped: unsubscribe not requested"
	case ResultAwaitingVerification:
		return "skipped: awaiting verification"
	case ResultAccepted:
		return "accepted"
	case ResultHubError:
		return "hub error"
	case ResultConnError:
		return "connection error"
	case ResultSuperseded:
		return "superseded by verification"
	}

	return "none"
}

// Subscribe makes one subscribe attempt for a subscription.
// Concurrent attempts are expected; only the one holding the lock proceeds, the rest return ResultLocked.
func (s *Subscriber) Subscribe(ctx context.Context, id string) (Result, error) {
	key := lockKey(id)

	h, ok, err := s.locker.TryAcquire(ctx, key)

	if err != nil {
		return ResultNone, errors.Wrapf(err, "acquire lock for subscription %s", id)
	}

	if !ok {
		s.logger.Debug("Subscription is locked, skipping", zap.String("subscription", id))
		return ResultLocked, nil
	}

	defer s.release(ctx, key, h)

	return s.subscribe(ctx, id)
}

func (s *Subscriber) subscribe(ctx context.Context, id string) (Result, error) {
	sub, err := s.store.Get(ctx, id)

	if err != nil {
		return ResultNone, errors.Wrapf(err, "load subscription %s", id)
	}

	logger := s.logger.With(zap.String("subscription", id))

	if sub.Unsubscribing() {
		logger.Warn("Subscription was explicitly unsubscribed, skipping")
		return ResultUnsubscribing, nil
	}

	if s.awaitingVerification(sub, model.Subscribe) {
		logger.Info("Subscription was attempted recently and is waiting for verification, skipping")
		return ResultAwaitingVerification, nil
	}

	callbackURL, err := s.resolve(sub)

	if err != nil {
		return ResultNone, err
	}

	if sub.CallbackURL != "" && sub.CallbackURL != callbackURL && !s.config.AutofixURLs {
		logger.Error("Will not change callback url; enable url autofix or resubscribe explicitly",
			zap.String("old", sub.CallbackURL),
			zap.String("new", callbackURL))

		return ResultNone, errors.Wrapf(ErrCallbackURLChanged, "subscription %s: %s -> %s", id, sub.CallbackURL, callbackURL)
	}

	if sub.CallbackURL != callbackURL {
		logger.Debug("New callback url", zap.String("callback", callbackURL))

		sub, err = s.store.Update(ctx, id, func(cur *model.Subscription) error {
			cur.CallbackURL = callbackURL
			return nil
		})

		if err != nil {
			return ResultNone, errors.Wrapf(err, "save callback url of %s", id)
		}
	}

	return s.send(ctx, sub, model.Subscribe)
}

// Unsubscribe makes one unsubscribe attempt for a subscription.
// It waits for the subscription lock and fails with ErrLockTimeout rather than dropping the request.
func (s *Subscriber) Unsubscribe(ctx context.Context, id string) (Result, error) {
	key := lockKey(id)

	h, ok, err := s.locker.AcquireWait(ctx, key, s.config.UnsubscribeLockWait)

	if err != nil {
		return ResultNone, errors.Wrapf(err, "acquire lock for subscription %s", id)
	}

	if !ok {
		return ResultLocked, errors.Wrapf(ErrLockTimeout, "subscription %s", id)
	}

	defer s.release(ctx, key, h)

	sub, err := s.store.Get(ctx, id)

	if err != nil {
		return ResultNone, errors.Wrapf(err, "load subscription %s", id)
	}

	logger := s.logger.With(zap.String("subscription", id))

	if !sub.Unsubscribing() {
		logger.Warn("Subscription was explicitly resubscribed, skipping unsubscribe")
		return ResultNotRequested, nil
	}

	if s.awaitingVerification(sub, model.Unsubscribe) {
		logger.Info("Unsubscribe was attempted recently and is waiting for verification, skipping")
		return ResultAwaitingVerification, nil
	}

	// Never subscribed: the hub still has to hear the url we would have used.
	if sub.CallbackURL == "" {
		callbackURL, err := s.resolve(sub)

		if err != nil {
			return ResultNone, err
		}

		sub, err = s.store.Update(ctx, id, func(cur *model.Subscription) error {
			cur.CallbackURL = callbackURL
			return nil
		})

		if err != nil {
			return ResultNone, errors.Wrapf(err, "save callback url of %s", id)
		}
	}

	return s.send(ctx, sub, model.Unsubscribe)
}

// send posts to the hub and records the outcome for dir.
// If a verification callback changed dir's state while the request was in flight, the callback wins.
func (s *Subscriber) send(ctx context.Context, sub *model.Subscription, dir model.Direction) (Result, error) {
	logger := s.logger.With(
		zap.String("subscription", sub.ID),
		zap.String("direction", dir.String()),
		zap.String("hub", sub.HubURL))

	sentAt := s.now()
	observedStatus := sub.Status(dir)
	observedLease := sub.LeaseExpirationTime

	res := s.client.Send(ctx, dir, sub.HubURL, sub.Topic, sub.CallbackURL)

	result := ResultNone

	updated, err := s.store.Update(ctx, sub.ID, func(cur *model.Subscription) error {
		cur.SetAttemptTime(dir, sentAt)

		if cur.Status(dir) != observedStatus || (dir == model.Subscribe && !sameTime(cur.LeaseExpirationTime, observedLease)) {
			result = ResultSuperseded
			return nil
		}

		if dir == model.Subscribe && cur.Unsubscribing() {
			result = ResultUnsubscribing
			return nil
		}

		switch res.Outcome {
		case OutcomeTransportError:
			cur.ConnErrorCount++
			cur.SetStatus(dir, model.StatusConnError)
			result = ResultConnError
		case OutcomeHubError:
			cur.HubErrorCount++
			cur.SetStatus(dir, model.StatusHubError)
			result = ResultHubError
		default:
			cur.SetStatus(dir, model.StatusVerifying)
			result = ResultAccepted
		}

		return nil
	})

	if err != nil {
		return ResultNone, errors.Wrapf(err, "save %s outcome of %s", dir, sub.ID)
	}

	switch result {
	case ResultConnError:
		logger.Error("Failed to connect to hub",
			zap.Int("retries_left", max(0, s.config.MaxConnectRetries-updated.ConnErrorCount)),
			zap.Error(res.Err))
	case ResultHubError:
		logger.Error("Hub returned an error",
			zap.Int("status", res.StatusCode),
			zap.Int("retries_left", max(0, s.config.MaxHubErrorRetries-updated.HubErrorCount)),
			zap.Error(res.Err))
	case ResultAccepted:
		logger.Info("Hub accepted request, waiting for verification")
	case ResultSuperseded:
		logger.Info("Verification arrived before the hub answered, keeping it",
			zap.String("status", string(updated.Status(dir))))
	case ResultUnsubscribing:
		logger.Warn("Unsubscribe requested while the hub was answering, leaving subscribe status",
			zap.String("status", string(updated.SubscribeStatus)))
	}

	return result, nil
}

// awaitingVerification reports whether dir is verifying and still inside the verify wait window.
func (s *Subscriber) awaitingVerification(sub *model.Subscription, dir model.Direction) bool {
	attempt := sub.AttemptTime(dir)

	if sub.Status(dir) != model.StatusVerifying || attempt == nil {
		return false
	}

	return s.now().Before(attempt.Add(s.config.VerifyWaitTime))
}

// resolve maps the subscription's callback identity to a URL, surfacing failures to operators.
func (s *Subscriber) resolve(sub *model.Subscription) (string, error) {
	callbackURL, err := s.resolver.Resolve(sub.CallbackIdentity, sub.ID)

	if err == nil {
		return callbackURL, nil
	}

	s.logger.Error("Callback identity does not resolve; fix the route or purge the subscription",
		zap.String("subscription", sub.ID),
		zap.String("identity", sub.CallbackIdentity),
		zap.Error(err))

	s.Call(&Unresolvable{Subscription: *sub, Error: err})

	return "", errors.Wrapf(err, "resolve callback of %s", sub.ID)
}

func (s *Subscriber) release(ctx context.Context, key string, h lock.Handle) {
	if err := h.Release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Equal(*b)
}

// Create stores a new subscription in the requesting state and schedules the first subscribe attempt.
func (s *Subscriber) Create(ctx context.Context, req model.CreateRequest) (*model.Subscription, error) {
	if err := v.Struct(req); err != nil {
		return nil, err
	}

	hubURL, err := s.pickHub(ctx, req)

	if err != nil {
		return nil, err
	}

	sub := &model.Subscription{
		ID:               uuid.NewString(),
		HubURL:           hubURL,
		Topic:            req.Topic,
		CallbackIdentity: req.CallbackIdentity,
		Static:           req.Static,
		SubscribeStatus:  model.StatusRequesting,
		CreatedAt:        s.now(),
	}

	s.warnSlashVariants(ctx, sub)

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, errors.Wrap(err, "create subscription")
	}

	s.logger.Info("Subscription created",
		zap.String("subscription", sub.ID),
		zap.String("hub", sub.HubURL),
		zap.String("topic", sub.Topic),
		zap.String("identity", sub.CallbackIdentity))

	return sub, s.schedule(OpSubscribe, sub.ID)
}

// pickHub uses the requested hub, then the configured default, then discovery on the topic.
func (s *Subscriber) pickHub(ctx context.Context, req model.CreateRequest) (string, error) {
	if req.HubURL != "" {
		return req.HubURL, nil
	}

	if s.config.DefaultHubURL != "" {
		return s.config.DefaultHubURL, nil
	}

	if !s.discovery {
		return "", ErrNoHub
	}

	links, err := Discover(ctx, s.httpClient, req.Topic)

	if err != nil {
		return "", errors.Wrapf(ErrNoHub, "discover %s: %v", req.Topic, err)
	}

	return links.Hub, nil
}

// warnSlashVariants flags subscriptions that differ from sub only by trailing slashes.
// They are distinct keys to the store, which is how duplicates slip in.
func (s *Subscriber) warnSlashVariants(ctx context.Context, sub *model.Subscription) {
	variants, err := s.store.Find(ctx, func(other *model.Subscription) bool {
		return isSlashVariant(sub, other)
	})

	if err != nil {
		return
	}

	for _, other := range variants {
		s.logger.Warn("Subscription differs from an existing one only by a trailing slash",
			zap.String("existing", other.ID),
			zap.String("existing_hub", other.HubURL),
			zap.String("existing_topic", other.Topic),
			zap.String("hub", sub.HubURL),
			zap.String("topic", sub.Topic))
	}
}

func isSlashVariant(a, b *model.Subscription) bool {
	if a.CallbackIdentity != b.CallbackIdentity || store.SameKey(a, b) {
		return false
	}

	return strings.TrimRight(a.HubURL, "/") == strings.TrimRight(b.HubURL, "/") &&
		strings.TrimRight(a.Topic, "/") == strings.TrimRight(b.Topic, "/")
}

// RequestSubscribe explicitly (re)subscribes: it cancels any unsubscribe, resets the retry
// counters and schedules a subscribe attempt. This is the only way out of the denied state.
func (s *Subscriber) RequestSubscribe(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := s.store.Update(ctx, id, func(cur *model.Subscription) error {
		if cur.Unsubscribing() {
			s.logger.Warn("Resubscribing explicitly unsubscribed subscription, error counters will reset",
				zap.String("subscription", id))
		}

		cur.UnsubscribeStatus = model.StatusNone
		cur.SubscribeStatus = model.StatusRequesting
		cur.ResetCounters()

		return nil
	})

	if err != nil {
		return nil, errors.Wrapf(err, "request subscribe of %s", id)
	}

	return sub, s.schedule(OpSubscribe, id)
}

// RequestUnsubscribe resets the retry counters, marks the subscription as unsubscribing
// and schedules an unsubscribe attempt. From here on no subscribe work happens.
func (s *Subscriber) RequestUnsubscribe(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := s.store.Update(ctx, id, func(cur *model.Subscription) error {
		cur.UnsubscribeStatus = model.StatusRequesting
		cur.ResetCounters()

		return nil
	})

	if err != nil {
		return nil, errors.Wrapf(err, "request unsubscribe of %s", id)
	}

	return sub, s.schedule(OpUnsubscribe, id)
}

// ResetCounters zeroes the retry counters of every subscription, re-enabling automatic retries
// for exhausted ones. It returns the number of subscriptions touched.
func (s *Subscriber) ResetCounters(ctx context.Context) (int, error) {
	subs, err := s.store.Find(ctx, nil)

	if err != nil {
		return 0, err
	}

	for _, sub := range subs {
		_, err := s.store.Update(ctx, sub.ID, func(cur *model.Subscription) error {
			cur.ResetCounters()
			return nil
		})

		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, errors.Wrapf(err, "reset counters of %s", sub.ID)
		}
	}

	s.logger.Info("Retry counters reset", zap.Int("subscriptions", len(subs)))

	return len(subs), nil
}
