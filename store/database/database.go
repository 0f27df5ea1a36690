package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"meow.tf/websubsub/handler"
	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store"
)

type subscriptionRecord struct {
	bun.BaseModel `bun:"table:websub_subscriptions,alias:ws"`

	ID                     string     `bun:"id,pk"`
	HubURL                 string     `bun:"hub_url,notnull"`
	Topic                  string     `bun:"topic,notnull"`
	CallbackIdentity       string     `bun:"callback_identity,notnull"`
	CallbackURL            *string    `bun:"callback_url"`
	Static                 bool       `bun:"static,notnull"`
	LeaseExpirationTime    *time.Time `bun:"lease_expiration_time"`
	SubscribeStatus        string     `bun:"subscribe_status,notnull"`
	UnsubscribeStatus      *string    `bun:"unsubscribe_status"`
	ConnErrorCount         int        `bun:"connerror_count,notnull"`
	HubErrorCount          int        `bun:"huberror_count,notnull"`
	VerifyErrorCount       int        `bun:"verifyerror_count,notnull"`
	VerifyTimeoutCount     int        `bun:"verifytimeout_count,notnull"`
	SubscribeAttemptTime   *time.Time `bun:"subscribe_attempt_time"`
	UnsubscribeAttemptTime *time.Time `bun:"unsubscribe_attempt_time"`
	TimeLastEventReceived  *time.Time `bun:"time_last_event_received"`
	CreatedAt              time.Time  `bun:"created_at,notnull"`
}

func newRecord(sub *model.Subscription) *subscriptionRecord {
	rec := &subscriptionRecord{
		ID:                     sub.ID,
		HubURL:                 sub.HubURL,
		Topic:                  sub.Topic,
		CallbackIdentity:       sub.CallbackIdentity,
		Static:                 sub.Static,
		LeaseExpirationTime:    sub.LeaseExpirationTime,
		SubscribeStatus:        string(sub.SubscribeStatus),
		ConnErrorCount:         sub.ConnErrorCount,
		HubErrorCount:          sub.HubErrorCount,
		VerifyErrorCount:       sub.VerifyErrorCount,
		VerifyTimeoutCount:     sub.VerifyTimeoutCount,
		SubscribeAttemptTime:   sub.SubscribeAttemptTime,
		UnsubscribeAttemptTime: sub.UnsubscribeAttemptTime,
		TimeLastEventReceived:  sub.TimeLastEventReceived,
		CreatedAt:              sub.CreatedAt,
	}

	if sub.CallbackURL != "" {
		callbackURL := sub.CallbackURL
		rec.CallbackURL = &callbackURL
	}

	if sub.UnsubscribeStatus != model.StatusNone {
		status := string(sub.UnsubscribeStatus)
		rec.UnsubscribeStatus = &status
	}

	return rec
}

func (r *subscriptionRecord) toDomain() *model.Subscription {
	sub := &model.Subscription{
		ID:                     r.ID,
		HubURL:                 r.HubURL,
		Topic:                  r.Topic,
		CallbackIdentity:       r.CallbackIdentity,
		Static:                 r.Static,
		LeaseExpirationTime:    utcPtr(r.LeaseExpirationTime),
		SubscribeStatus:        model.Status(r.SubscribeStatus),
		ConnErrorCount:         r.ConnErrorCount,
		HubErrorCount:          r.HubErrorCount,
		VerifyErrorCount:       r.VerifyErrorCount,
		VerifyTimeoutCount:     r.VerifyTimeoutCount,
		SubscribeAttemptTime:   utcPtr(r.SubscribeAttemptTime),
		UnsubscribeAttemptTime: utcPtr(r.UnsubscribeAttemptTime),
		TimeLastEventReceived:  utcPtr(r.TimeLastEventReceived),
		CreatedAt:              r.CreatedAt.UTC(),
	}

	if r.CallbackURL != nil {
		sub.CallbackURL = *r.CallbackURL
	}

	if r.UnsubscribeStatus != nil {
		sub.UnsubscribeStatus = model.Status(*r.UnsubscribeStatus)
	}

	return sub
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := t.UTC()
	return &v
}

// New creates a new database store on top of a bun database.
// Call Migrate before first use to create the table.
func New(db *bun.DB) *Store {
	return &Store{
		Handler: handler.New(),
		db:      db,
	}
}

// Store represents a database backed store.
type Store struct {
	*handler.Handler
	db *bun.DB
}

// Migrate creates the subscriptions table and its unique (hub, topic, callback identity) index.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*subscriptionRecord)(nil)).
		IfNotExists().
		Exec(ctx)

	if err != nil {
		return errors.Wrap(err, "create websub_subscriptions")
	}

	_, err = s.db.NewCreateIndex().
		Model((*subscriptionRecord)(nil)).
		Index("websub_subscriptions_triple_idx").
		Unique().
		IfNotExists().
		Column("hub_url", "topic", "callback_identity").
		Exec(ctx)

	return errors.Wrap(err, "create websub_subscriptions_triple_idx")
}

// selectRecord builds the select for rec by primary key.
// With lock set it holds the row until the transaction ends, on dialects that support FOR UPDATE.
func selectRecord(db bun.IDB, rec *subscriptionRecord, lock bool) *bun.SelectQuery {
	q := db.NewSelect().Model(rec).WherePK()

	// SQLite has no row locks; its writers are serialized by the database lock.
	if lock && db.Dialect().Name() == dialect.PG {
		q = q.For("UPDATE")
	}

	return q
}

// getTx loads one record inside db or a transaction.
func getTx(ctx context.Context, db bun.IDB, id string, lock bool) (*subscriptionRecord, error) {
	rec := &subscriptionRecord{ID: id}

	if err := selectRecord(db, rec, lock).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}

		return nil, err
	}

	return rec, nil
}

// Get retrieves a subscription by id.
func (s *Store) Get(ctx context.Context, id string) (*model.Subscription, error) {
	rec, err := getTx(ctx, s.db, id, false)

	if err != nil {
		return nil, err
	}

	return rec.toDomain(), nil
}

// Create inserts a new subscription, refusing duplicates of the (hub, topic, callback identity) triple.
func (s *Store) Create(ctx context.Context, sub *model.Subscription) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*subscriptionRecord)(nil)).
			Where("id = ? OR (hub_url = ? AND topic = ? AND callback_identity = ?)",
				sub.ID, sub.HubURL, sub.Topic, sub.CallbackIdentity).
			Exists(ctx)

		if err != nil {
			return err
		}

		if exists {
			return store.ErrExists
		}

		_, err = tx.NewInsert().Model(newRecord(sub)).Exec(ctx)
		return err
	})

	if err != nil {
		return err
	}

	s.Call(&store.Created{Subscription: *sub})
	return nil
}

// Update loads, mutates and writes a subscription in one transaction.
// The row stays locked between the read and the write, concurrent updates apply one after another.
func (s *Store) Update(ctx context.Context, id string, fn store.UpdateFunc) (*model.Subscription, error) {
	var out *model.Subscription

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec, err := getTx(ctx, tx, id, true)

		if err != nil {
			return err
		}

		sub := rec.toDomain()

		if err := fn(sub); err != nil {
			return err
		}

		if _, err := tx.NewUpdate().Model(newRecord(sub)).WherePK().Exec(ctx); err != nil {
			return err
		}

		out = sub
		return nil
	})

	if err == store.ErrNoChange {
		return s.Get(ctx, id)
	}

	if err != nil {
		return nil, err
	}

	return out, nil
}

// Find scans subscriptions in creation order, returning those matched by match.
func (s *Store) Find(ctx context.Context, match store.Predicate) ([]model.Subscription, error) {
	var records []subscriptionRecord

	if err := s.db.NewSelect().Model(&records).Order("created_at ASC").Scan(ctx); err != nil {
		return nil, err
	}

	ret := make([]model.Subscription, 0, len(records))

	for i := range records {
		sub := records[i].toDomain()

		if match == nil || match(sub) {
			ret = append(ret, *sub)
		}
	}

	return ret, nil
}

// Delete removes a subscription by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	var sub *model.Subscription

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec, err := getTx(ctx, tx, id, true)

		if err != nil {
			return err
		}

		sub = rec.toDomain()

		_, err = tx.NewDelete().Model(rec).WherePK().Exec(ctx)
		return err
	})

	if err != nil {
		return err
	}

	s.Call(&store.Deleted{Subscription: *sub})
	return nil
}
