package websubsub

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store"
)

// Response bodies the hub sees. Hubs and operators match on these, keep them stable.
const (
	bodyMissingTopic     = "Missing hub.topic"
	bodyUnknownMode      = "Missing or unknown hub.mode"
	bodyUnwanted         = "Unwanted subscription"
	bodyUnknownTopic     = "Unknown hub.topic"
	bodyMissingChallenge = "Missing hub.challenge"
	bodyInvalidLease     = "hub.lease_seconds required and must be integer"
	bodyUnsubscribed     = "Unsubscribed"
	bodyNotUnsubscribing = "Not unsubscribing"
	bodyTooLarge         = "Payload too large"
	bodyUnavailable      = "Temporarily unavailable"
)

// Response is the answer to a callback request.
type Response struct {
	StatusCode int
	Body       string
}

// Write sends the response as text/plain.
func (r Response) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(r.StatusCode)

	if r.Body != "" {
		io.WriteString(w, r.Body)
	}
}

// CallbackHandler returns an http.Handler for callback requests.
// id extracts the subscription id from the request; nil uses the "id" path value.
func (s *Subscriber) CallbackHandler(id func(r *http.Request) string) http.Handler {
	if id == nil {
		id = func(r *http.Request) string {
			return r.PathValue("id")
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.HandleCallback(r.Context(), id(r), r).Write(w)
	})
}

// HandleCallback dispatches a request arriving at the callback of subscription id.
// POST is an event delivery, GET a verification or denial.
func (s *Subscriber) HandleCallback(ctx context.Context, id string, r *http.Request) Response {
	query := r.URL.Query()

	mode, modeErr := model.ParseMode(r.Method, query.Get("hub.mode"))

	if mode == model.ModeEvent {
		return s.HandleEvent(ctx, id, r)
	}

	if r.Method != http.MethodGet {
		return Response{StatusCode: http.StatusMethodNotAllowed, Body: http.StatusText(http.StatusMethodNotAllowed)}
	}

	if _, ok := query["hub.topic"]; !ok {
		return Response{StatusCode: http.StatusBadRequest, Body: bodyMissingTopic}
	}

	if modeErr != nil {
		return Response{StatusCode: http.StatusBadRequest, Body: bodyUnknownMode}
	}

	var req model.VerificationRequest

	if err := DecodeQuery(query, &req); err != nil {
		return Response{StatusCode: http.StatusBadRequest, Body: err.Error()}
	}

	switch mode {
	case model.ModeSubscribe:
		return s.HandleVerification(ctx, id, model.Subscribe, req)
	case model.ModeUnsubscribe:
		return s.HandleVerification(ctx, id, model.Unsubscribe, req)
	case model.ModeDenied:
		return s.HandleDenied(ctx, id, req.Reason)
	}

	return Response{StatusCode: http.StatusBadRequest, Body: bodyUnknownMode}
}

// HandleVerification answers a hub's verification of intent for dir.
// It does not take the subscription lock: hubs may verify before answering the request
// that holds it. All changes go through atomic store updates instead.
func (s *Subscriber) HandleVerification(ctx context.Context, id string, dir model.Direction, req model.VerificationRequest) Response {
	logger := s.logger.With(
		zap.String("subscription", id),
		zap.String("direction", dir.String()),
		zap.String("topic", req.Topic))

	sub, err := s.store.Get(ctx, id)

	if errors.Is(err, store.ErrNotFound) {
		logger.Error("Received verification for unknown subscription")
		return Response{StatusCode: http.StatusBadRequest, Body: bodyUnwanted}
	} else if err != nil {
		logger.Error("Failed to load subscription", zap.Error(err))
		return Response{StatusCode: http.StatusServiceUnavailable, Body: bodyUnavailable}
	}

	if req.Topic != sub.Topic {
		logger.Warn("Hub verified a topic that does not match the subscription", zap.String("expected", sub.Topic))
		return Response{StatusCode: http.StatusNotFound, Body: bodyUnknownTopic}
	}

	// Agreeing to an unsubscribe nobody asked for would drop a live subscription.
	if dir == model.Unsubscribe && !sub.Unsubscribing() {
		logger.Warn("Hub verified an unsubscribe that was not requested")
		return Response{StatusCode: http.StatusNotFound, Body: bodyNotUnsubscribing}
	}

	if req.Challenge == "" {
		return s.verificationFailed(ctx, sub, dir, bodyMissingChallenge)
	}

	if dir == model.Unsubscribe {
		return s.verifyUnsubscribe(ctx, logger, sub, req)
	}

	lease, ok := parseLease(req.LeaseSeconds)

	if !ok {
		return s.verificationFailed(ctx, sub, dir, bodyInvalidLease)
	}

	if sub.Unsubscribing() {
		logger.Warn("Hub verified a subscribe while unsubscribing, ignoring")
		return Response{StatusCode: http.StatusOK, Body: bodyUnsubscribed}
	}

	expires := s.now().Add(lease)
	unsubscribing := false

	updated, err := s.store.Update(ctx, id, func(cur *model.Subscription) error {
		if cur.Unsubscribing() {
			unsubscribing = true
			return store.ErrNoChange
		}

		cur.SubscribeStatus = model.StatusVerified
		cur.LeaseExpirationTime = &expires
		cur.ResetCounters()

		return nil
	})

	if err != nil {
		logger.Error("Failed to save verification", zap.Error(err))
		return Response{StatusCode: http.StatusServiceUnavailable, Body: bodyUnavailable}
	}

	if unsubscribing {
		logger.Warn("Hub verified a subscribe while unsubscribing, ignoring")
		return Response{StatusCode: http.StatusOK, Body: bodyUnsubscribed}
	}

	logger.Info("Subscription verified", zap.Time("lease_expiration", expires))

	s.Call(&Verified{Subscription: *updated})

	return Response{StatusCode: http.StatusOK, Body: req.Challenge}
}

func (s *Subscriber) verifyUnsubscribe(ctx context.Context, logger *zap.Logger, sub *model.Subscription, req model.VerificationRequest) Response {
	resubscribed := false

	updated, err := s.store.Update(ctx, sub.ID, func(cur *model.Subscription) error {
		if !cur.Unsubscribing() {
			resubscribed = true
			return store.ErrNoChange
		}

		cur.UnsubscribeStatus = model.StatusVerified
		cur.ResetCounters()

		return nil
	})

	if err != nil {
		logger.Error("Failed to save verification", zap.Error(err))
		return Response{StatusCode: http.StatusServiceUnavailable, Body: bodyUnavailable}
	}

	if resubscribed {
		logger.Warn("Hub verified an unsubscribe that was not requested")
		return Response{StatusCode: http.StatusNotFound, Body: bodyNotUnsubscribing}
	}

	logger.Info("Unsubscribe verified")

	s.Call(&Unsubscribed{Subscription: *updated})

	return Response{StatusCode: http.StatusOK, Body: req.Challenge}
}

// verificationFailed records a malformed verification request for dir.
func (s *Subscriber) verificationFailed(ctx context.Context, sub *model.Subscription, dir model.Direction, reason string) Response {
	logger := s.logger.With(zap.String("subscription", sub.ID), zap.String("direction", dir.String()))

	updated, err := s.store.Update(ctx, sub.ID, func(cur *model.Subscription) error {
		cur.VerifyErrorCount++
		cur.SetStatus(dir, model.StatusVerifyError)
		return nil
	})

	if err != nil {
		logger.Error("Failed to save verification error", zap.Error(err))
		updated = sub
	}

	logger.Error("Hub sent an invalid verification",
		zap.String("reason", reason),
		zap.Int("retries_left", max(0, s.config.MaxVerifyRetries-updated.VerifyErrorCount)))

	s.Call(&VerificationFailed{Subscription: *updated, Direction: dir, Reason: reason})

	return Response{StatusCode: http.StatusBadRequest, Body: reason}
}

// HandleDenied records a hub's denial. Nothing retries a denied subscription until it is
// explicitly requested again.
func (s *Subscriber) HandleDenied(ctx context.Context, id, reason string) Response {
	logger := s.logger.With(zap.String("subscription", id))

	sub, err := s.store.Update(ctx, id, func(cur *model.Subscription) error {
		cur.SubscribeStatus = model.StatusDenied
		return nil
	})

	if errors.Is(err, store.ErrNotFound) {
		logger.Error("Received denial for unknown subscription")
		return Response{StatusCode: http.StatusBadRequest, Body: bodyUnwanted}
	} else if err != nil {
		logger.Error("Failed to save denial", zap.Error(err))
		return Response{StatusCode: http.StatusServiceUnavailable, Body: bodyUnavailable}
	}

	logger.Error("Hub denied subscription", zap.String("hub", sub.HubURL), zap.String("reason", reason))

	s.Call(&Denied{Subscription: *sub, Reason: reason})

	return Response{StatusCode: http.StatusOK}
}

// HandleEvent accepts a content delivery and hands it to the consumer asynchronously.
func (s *Subscriber) HandleEvent(ctx context.Context, id string, r *http.Request) Response {
	logger := s.logger.With(zap.String("subscription", id))

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxEventSize+1))

	if err != nil {
		return Response{StatusCode: http.StatusBadRequest, Body: err.Error()}
	}

	if int64(len(body)) > s.config.MaxEventSize {
		logger.Warn("Event payload too large", zap.Int64("limit", s.config.MaxEventSize))
		return Response{StatusCode: http.StatusRequestEntityTooLarge, Body: bodyTooLarge}
	}

	received := s.now()

	sub, err := s.store.Update(ctx, id, func(cur *model.Subscription) error {
		cur.TimeLastEventReceived = &received
		return nil
	})

	if errors.Is(err, store.ErrNotFound) {
		logger.Error("Received event for unknown subscription")
		return Response{StatusCode: http.StatusGone, Body: bodyUnwanted}
	} else if err != nil {
		logger.Error("Failed to record event", zap.Error(err))
		return Response{StatusCode: http.StatusServiceUnavailable, Body: bodyUnavailable}
	}

	evt := Event{
		Subscription: *sub,
		ContentType:  r.Header.Get("Content-Type"),
		Header:       r.Header.Clone(),
		Body:         body,
	}

	go s.dispatch(evt)

	return Response{StatusCode: http.StatusOK}
}

func (s *Subscriber) dispatch(evt Event) {
	logger := s.logger.With(zap.String("subscription", evt.Subscription.ID))

	if s.consumer == nil {
		logger.Warn("No consumer registered, dropping event")
		return
	}

	if err := s.consumer.Consume(context.Background(), evt); err != nil {
		logger.Error("Consumer failed", zap.Error(err))
	}
}

// parseLease accepts a non-empty run of ASCII digits that fits in a time.Duration.
func parseLease(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}

	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, false
		}
	}

	n, err := strconv.ParseInt(raw, 10, 64)

	if err != nil || n > math.MaxInt64/int64(time.Second) {
		return 0, false
	}

	return time.Duration(n) * time.Second, true
}

var queryDecoder = func() *schema.Decoder {
	decoder := schema.NewDecoder()
	decoder.SetAliasTag("form")
	decoder.IgnoreUnknownKeys(true)
	return decoder
}()

// DecodeQuery decodes the hub.* parameters of values into a struct using the gorilla schema package.
// Keys are passed without their hub. prefix, schema reads dots as nested field paths.
func DecodeQuery(values url.Values, dest interface{}) error {
	params := make(url.Values, len(values))

	for key, v := range values {
		if name, ok := strings.CutPrefix(key, "hub."); ok {
			params[name] = v
		}
	}

	return queryDecoder.Decode(dest, params)
}
