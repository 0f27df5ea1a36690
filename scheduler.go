package websubsub

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store"
)

// Refresh schedules a renewal for every verified subscription whose lease ends within the
// refresh lookahead. It returns the number of renewals scheduled.
func (s *Subscriber) Refresh(ctx context.Context) (int, error) {
	horizon := s.now().Add(s.config.RefreshLookahead)

	subs, err := s.store.Find(ctx, func(sub *model.Subscription) bool {
		return sub.SubscribeStatus == model.StatusVerified &&
			!sub.Unsubscribing() &&
			sub.LeaseExpirationTime != nil &&
			sub.LeaseExpirationTime.Before(horizon)
	})

	if err != nil {
		return 0, errors.Wrap(err, "find expiring subscriptions")
	}

	scheduled := 0

	for _, sub := range subs {
		s.logger.Info("Renewing subscription",
			zap.String("subscription", sub.ID),
			zap.Timep("lease_expiration", sub.LeaseExpirationTime))

		if err := s.schedule(OpSubscribe, sub.ID); err != nil {
			return scheduled, err
		}

		scheduled++
	}

	return scheduled, nil
}

// RetryReport lists what a retry sweep did, by subscription id.
type RetryReport struct {
	Subscribe   []string
	Unsubscribe []string
	Exhausted   []string
}

// retryDecision is the retry sweep's verdict for one direction of a subscription.
type retryDecision int

const (
	retryNone retryDecision = iota
	retryNow
	retryTimeout
	retryExhausted
)

// RetryFailed re-triggers failed attempts in both directions while their counters are below
// the configured caps. Verifications that never arrived within the wait window count as
// verification timeouts. Exhausted subscriptions are reported and left for an operator.
func (s *Subscriber) RetryFailed(ctx context.Context) (*RetryReport, error) {
	subs, err := s.store.Find(ctx, nil)

	if err != nil {
		return nil, errors.Wrap(err, "find subscriptions")
	}

	report := &RetryReport{}

	for i := range subs {
		sub := &subs[i]

		for _, dir := range []model.Direction{model.Subscribe, model.Unsubscribe} {
			// Subscribe work stops as soon as an unsubscribe is requested.
			if dir == model.Subscribe && sub.Unsubscribing() {
				continue
			}

			decision := s.retryDecision(sub, dir)

			switch decision {
			case retryNone:
				continue
			case retryExhausted:
				s.exhausted(sub, dir)
				report.Exhausted = append(report.Exhausted, sub.ID)
				continue
			case retryTimeout:
				counted, err := s.countTimeout(ctx, sub, dir)

				if err != nil {
					return report, err
				}

				if !counted {
					continue
				}
			}

			op := OpSubscribe

			if dir == model.Unsubscribe {
				op = OpUnsubscribe
			}

			if err := s.schedule(op, sub.ID); err != nil {
				return report, err
			}

			if dir == model.Unsubscribe {
				report.Unsubscribe = append(report.Unsubscribe, sub.ID)
			} else {
				report.Subscribe = append(report.Subscribe, sub.ID)
			}
		}
	}

	return report, nil
}

func (s *Subscriber) retryDecision(sub *model.Subscription, dir model.Direction) retryDecision {
	var count, limit int

	switch sub.Status(dir) {
	case model.StatusConnError:
		count, limit = sub.ConnErrorCount, s.config.MaxConnectRetries
	case model.StatusHubError:
		count, limit = sub.HubErrorCount, s.config.MaxHubErrorRetries
	case model.StatusVerifyError:
		count, limit = sub.VerifyErrorCount, s.config.MaxVerifyRetries
	case model.StatusVerifying:
		attempt := sub.AttemptTime(dir)

		if attempt != nil && s.now().Before(attempt.Add(s.config.VerifyWaitTime)) {
			return retryNone
		}

		if sub.VerifyTimeoutCount >= s.config.MaxVerifyRetries {
			return retryExhausted
		}

		return retryTimeout
	default:
		return retryNone
	}

	if count >= limit {
		return retryExhausted
	}

	return retryNow
}

// countTimeout records a verification timeout, unless the subscription moved on since it was read.
func (s *Subscriber) countTimeout(ctx context.Context, sub *model.Subscription, dir model.Direction) (bool, error) {
	counted := false

	_, err := s.store.Update(ctx, sub.ID, func(cur *model.Subscription) error {
		if cur.Status(dir) != model.StatusVerifying || !sameTime(cur.AttemptTime(dir), sub.AttemptTime(dir)) {
			return store.ErrNoChange
		}

		cur.VerifyTimeoutCount++
		counted = true

		return nil
	})

	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrapf(err, "count verification timeout of %s", sub.ID)
	}

	if counted {
		s.logger.Warn("Hub did not verify in time",
			zap.String("subscription", sub.ID),
			zap.String("direction", dir.String()),
			zap.Int("retries_left", max(0, s.config.MaxVerifyRetries-sub.VerifyTimeoutCount-1)))
	}

	return counted, nil
}

func (s *Subscriber) exhausted(sub *model.Subscription, dir model.Direction) {
	s.logger.Warn("Subscription is out of retries; reset counters or resubscribe to try again",
		zap.String("subscription", sub.ID),
		zap.String("direction", dir.String()),
		zap.String("status", string(sub.Status(dir))),
		zap.Int("connerror_count", sub.ConnErrorCount),
		zap.Int("huberror_count", sub.HubErrorCount),
		zap.Int("verifyerror_count", sub.VerifyErrorCount),
		zap.Int("verifytimeout_count", sub.VerifyTimeoutCount))

	s.Call(&Exhausted{Subscription: *sub, Direction: dir})
}
