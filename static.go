package websubsub

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store"
)

// StaticSubscription is a subscription declared in configuration rather than created at run time.
// An empty HubURL uses the default hub.
type StaticSubscription struct {
	HubURL           string `yaml:"hub" mapstructure:"hub"`
	Topic            string `yaml:"topic" mapstructure:"topic" validate:"required"`
	CallbackIdentity string `yaml:"callback" mapstructure:"callback" validate:"required"`
}

// ReconcileOptions control Reconcile.
type ReconcileOptions struct {
	// ResetCounters zeroes retry counters and attempt times of existing subscriptions.
	ResetCounters bool

	// Force resubscribes verified and explicitly unsubscribed subscriptions.
	Force bool

	// PurgeOrphans deletes static subscriptions that are no longer declared.
	PurgeOrphans bool
}

// ReconcileReport lists what Reconcile did, by subscription id.
type ReconcileReport struct {
	Created      []string
	Scheduled    []string
	Skipped      []string
	Unresolvable []string
	Purged       []string
}

// Reconcile materializes static subscriptions: missing ones are created, existing ones are
// marked static and rescheduled when their callback url changed or they are not verified.
func (s *Subscriber) Reconcile(ctx context.Context, statics []StaticSubscription, opts ReconcileOptions) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	current := make(map[string]bool, len(statics))

	for _, static := range statics {
		if err := v.Struct(static); err != nil {
			return report, errors.Wrapf(err, "static subscription %q", static.Topic)
		}

		id, err := s.reconcileOne(ctx, static, opts, report)

		if err != nil {
			return report, err
		}

		current[id] = true
	}

	if opts.PurgeOrphans {
		orphans, err := s.store.Find(ctx, func(sub *model.Subscription) bool {
			return sub.Static && !current[sub.ID]
		})

		if err != nil {
			return report, errors.Wrap(err, "find orphans")
		}

		for _, orphan := range orphans {
			if err := s.store.Delete(ctx, orphan.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return report, errors.Wrapf(err, "delete orphan %s", orphan.ID)
			}

			s.logger.Info("Deleted orphan static subscription",
				zap.String("subscription", orphan.ID),
				zap.String("hub", orphan.HubURL),
				zap.String("topic", orphan.Topic),
				zap.String("identity", orphan.CallbackIdentity))

			report.Purged = append(report.Purged, orphan.ID)
		}
	}

	if err := s.checkSlashConsistency(ctx); err != nil {
		return report, err
	}

	return report, nil
}

func (s *Subscriber) reconcileOne(ctx context.Context, static StaticSubscription, opts ReconcileOptions, report *ReconcileReport) (string, error) {
	hubURL := static.HubURL

	if hubURL == "" {
		hubURL = s.config.DefaultHubURL
	}

	if hubURL == "" {
		return "", errors.Wrapf(ErrNoHub, "static subscription %q", static.Topic)
	}

	existing, err := s.store.Find(ctx, func(sub *model.Subscription) bool {
		return sub.HubURL == hubURL && sub.Topic == static.Topic && sub.CallbackIdentity == static.CallbackIdentity
	})

	if err != nil {
		return "", errors.Wrap(err, "find static subscription")
	}

	if len(existing) == 0 {
		sub, err := s.Create(ctx, model.CreateRequest{
			HubURL:           hubURL,
			Topic:            static.Topic,
			CallbackIdentity: static.CallbackIdentity,
			Static:           true,
		})

		if err != nil {
			return "", err
		}

		report.Created = append(report.Created, sub.ID)

		return sub.ID, nil
	}

	sub := &existing[0]
	logger := s.logger.With(zap.String("subscription", sub.ID), zap.String("topic", sub.Topic))

	callbackURL, err := s.resolver.Resolve(sub.CallbackIdentity, sub.ID)

	if err != nil {
		logger.Error("Static subscription has an unresolvable callback identity; change it in the configuration",
			zap.String("identity", sub.CallbackIdentity),
			zap.Error(err))

		report.Unresolvable = append(report.Unresolvable, sub.ID)

		return sub.ID, nil
	}

	sub, err = s.store.Update(ctx, sub.ID, func(cur *model.Subscription) error {
		if !cur.Static {
			logger.Info("Subscription was created at run time, making it static")
		}

		cur.Static = true

		if opts.ResetCounters {
			resetRetries(cur)
		}

		if cur.Unsubscribing() && opts.Force {
			logger.Info("Static subscription was explicitly unsubscribed, forcing resubscribe")

			cur.UnsubscribeStatus = model.StatusNone
			cur.SubscribeStatus = model.StatusRequesting
			resetRetries(cur)
		}

		return nil
	})

	if err != nil {
		return "", errors.Wrapf(err, "update static subscription %s", sub.ID)
	}

	switch {
	case sub.Unsubscribing():
		logger.Warn("Static subscription was explicitly unsubscribed, skipping; force to resubscribe")
		report.Skipped = append(report.Skipped, sub.ID)

		return sub.ID, nil
	case sub.CallbackURL != "" && sub.CallbackURL != callbackURL:
		logger.Warn("Callback url changed, scheduling resubscribe",
			zap.String("old", sub.CallbackURL),
			zap.String("new", callbackURL))
	case sub.SubscribeStatus == model.StatusVerified && !opts.Force:
		logger.Info("Static subscription is already subscribed")
		report.Skipped = append(report.Skipped, sub.ID)

		return sub.ID, nil
	}

	if err := s.schedule(OpSubscribe, sub.ID); err != nil {
		return "", err
	}

	report.Scheduled = append(report.Scheduled, sub.ID)

	return sub.ID, nil
}

func resetRetries(sub *model.Subscription) {
	sub.ResetCounters()
	sub.SubscribeAttemptTime = nil
	sub.UnsubscribeAttemptTime = nil
}

// checkSlashConsistency warns about subscriptions that differ only by trailing slashes.
func (s *Subscriber) checkSlashConsistency(ctx context.Context) error {
	subs, err := s.store.Find(ctx, nil)

	if err != nil {
		return errors.Wrap(err, "find subscriptions")
	}

	for i := range subs {
		for j := i + 1; j < len(subs); j++ {
			if !isSlashVariant(&subs[i], &subs[j]) {
				continue
			}

			s.logger.Warn("Subscriptions differ only by a trailing slash",
				zap.String("first", subs[i].ID),
				zap.String("first_hub", subs[i].HubURL),
				zap.String("first_topic", subs[i].Topic),
				zap.String("second", subs[j].ID),
				zap.String("second_hub", subs[j].HubURL),
				zap.String("second_topic", subs[j].Topic))
		}
	}

	return nil
}

// PurgeUnresolvable deletes every subscription whose callback identity no longer resolves.
// It returns the deleted ids.
func (s *Subscriber) PurgeUnresolvable(ctx context.Context) ([]string, error) {
	subs, err := s.store.Find(ctx, func(sub *model.Subscription) bool {
		_, err := s.resolver.Resolve(sub.CallbackIdentity, uuid.NewString())
		return errors.Is(err, ErrNotResolvable)
	})

	if err != nil {
		return nil, errors.Wrap(err, "find unresolvable subscriptions")
	}

	purged := make([]string, 0, len(subs))

	for _, sub := range subs {
		if err := s.store.Delete(ctx, sub.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return purged, errors.Wrapf(err, "delete %s", sub.ID)
		}

		s.logger.Info("Deleted unresolvable subscription",
			zap.String("subscription", sub.ID),
			zap.String("topic", sub.Topic),
			zap.String("identity", sub.CallbackIdentity))

		purged = append(purged, sub.ID)
	}

	return purged, nil
}
