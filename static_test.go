package websubsub

import (
	"context"
	"testing"

	"meow.tf/websubsub/model"
)

func TestReconcileCreatesAndSkips(t *testing.T) {
	f := newFixture(t)

	f.add(t, "verified", func(sub *model.Subscription) {
		sub.Topic = "sports"
		sub.SubscribeStatus = model.StatusVerified
		sub.CallbackURL = "http://sub.example/websub/news/verified"
	})

	statics := []StaticSubscription{
		{HubURL: f.hub.URL, Topic: "news", CallbackIdentity: "news"},
		{HubURL: f.hub.URL, Topic: "sports", CallbackIdentity: "news"},
	}

	report, err := f.sub.Reconcile(context.Background(), statics, ReconcileOptions{})

	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(report.Created) != 1 || len(report.Skipped) != 1 || report.Skipped[0] != "verified" {
		t.Fatalf("unexpected report: %+v", report)
	}

	if !f.get(t, "verified").Static {
		t.Fatalf("existing subscription not marked static")
	}

	created := f.get(t, report.Created[0])

	if !created.Static || created.SubscribeStatus != model.StatusRequesting {
		t.Fatalf("unexpected created subscription: %+v", created)
	}

	// A second run creates nothing.
	report, err = f.sub.Reconcile(context.Background(), statics, ReconcileOptions{})

	if err != nil || len(report.Created) != 0 {
		t.Fatalf("reconcile is not idempotent: %+v %v", report, err)
	}
}

func TestReconcileForce(t *testing.T) {
	f := newFixture(t)

	f.add(t, "s1", func(sub *model.Subscription) {
		sub.SubscribeStatus = model.StatusVerified
		sub.UnsubscribeStatus = model.StatusVerified
		sub.ConnErrorCount = 2
		sub.CallbackURL = "http://sub.example/websub/news/s1"
	})

	statics := []StaticSubscription{{HubURL: f.hub.URL, Topic: "news", CallbackIdentity: "news"}}

	report, err := f.sub.Reconcile(context.Background(), statics, ReconcileOptions{})

	if err != nil || len(report.Skipped) != 1 {
		t.Fatalf("expected unsubscribed static to be skipped: %+v %v", report, err)
	}

	report, err = f.sub.Reconcile(context.Background(), statics, ReconcileOptions{Force: true})

	if err != nil || len(report.Scheduled) != 1 {
		t.Fatalf("expected forced resubscribe: %+v %v", report, err)
	}

	got := f.get(t, "s1")

	if got.Unsubscribing() || got.SubscribeStatus != model.StatusRequesting || got.ConnErrorCount != 0 {
		t.Fatalf("unexpected state: %+v", got)
	}
}

func TestReconcileCallbackChangedAndPurge(t *testing.T) {
	f := newFixture(t)

	f.add(t, "moved", func(sub *model.Subscription) {
		sub.SubscribeStatus = model.StatusVerified
		sub.CallbackURL = "http://old.example/s1"
		sub.Static = true
	})
	f.add(t, "orphan", func(sub *model.Subscription) {
		sub.Topic = "orphan"
		sub.Static = true
	})
	f.add(t, "dynamic", func(sub *model.Subscription) {
		sub.Topic = "dynamic"
	})

	statics := []StaticSubscription{{HubURL: f.hub.URL, Topic: "news", CallbackIdentity: "news"}}

	report, err := f.sub.Reconcile(context.Background(), statics, ReconcileOptions{PurgeOrphans: true})

	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(report.Scheduled) != 1 || report.Scheduled[0] != "moved" {
		t.Fatalf("expected moved subscription rescheduled: %+v", report)
	}

	if len(report.Purged) != 1 || report.Purged[0] != "orphan" {
		t.Fatalf("expected orphan purged: %+v", report)
	}

	if _, err := f.store.Get(context.Background(), "dynamic"); err != nil {
		t.Fatalf("dynamic subscription purged: %v", err)
	}
}

func TestReconcileUnresolvable(t *testing.T) {
	f := newFixture(t)

	f.add(t, "s1", func(sub *model.Subscription) {
		sub.CallbackIdentity = "removed"
	})

	statics := []StaticSubscription{{HubURL: f.hub.URL, Topic: "news", CallbackIdentity: "removed"}}

	report, err := f.sub.Reconcile(context.Background(), statics, ReconcileOptions{})

	if err != nil || len(report.Unresolvable) != 1 || len(f.worker.Jobs()) != 0 {
		t.Fatalf("unexpected result: %+v %v", report, err)
	}
}

func TestPurgeUnresolvable(t *testing.T) {
	f := newFixture(t)

	f.add(t, "ok", nil)
	f.add(t, "gone", func(sub *model.Subscription) {
		sub.CallbackIdentity = "removed"
	})

	purged, err := f.sub.PurgeUnresolvable(context.Background())

	if err != nil || len(purged) != 1 || purged[0] != "gone" {
		t.Fatalf("unexpected purge: %v %v", purged, err)
	}

	if _, err := f.store.Get(context.Background(), "ok"); err != nil {
		t.Fatalf("resolvable subscription purged: %v", err)
	}
}

func TestIsSlashVariant(t *testing.T) {
	a := &model.Subscription{HubURL: "http://hub.example", Topic: "http://t.example/feed", CallbackIdentity: "news"}
	b := &model.Subscription{HubURL: "http://hub.example/", Topic: "http://t.example/feed", CallbackIdentity: "news"}
	c := &model.Subscription{HubURL: "http://hub.example/", Topic: "http://t.example/feed", CallbackIdentity: "other"}

	if !isSlashVariant(a, b) {
		t.Fatalf("expected slash variant")
	}

	if isSlashVariant(a, a) || isSlashVariant(a, c) {
		t.Fatalf("unexpected slash variant")
	}
}
