package websubsub

import (
	"context"
	"sort"
	"testing"
	"time"

	"meow.tf/websubsub/model"
)

func TestRefreshWindow(t *testing.T) {
	f := newFixture(t)

	f.add(t, "soon", func(sub *model.Subscription) {
		sub.Topic = "soon"
		sub.SubscribeStatus = model.StatusVerified
		sub.LeaseExpirationTime = timePtr(epoch.Add(3 * time.Hour))
	})
	f.add(t, "later", func(sub *model.Subscription) {
		sub.Topic = "later"
		sub.SubscribeStatus = model.StatusVerified
		sub.LeaseExpirationTime = timePtr(epoch.Add(72 * time.Hour))
	})
	f.add(t, "expired", func(sub *model.Subscription) {
		sub.Topic = "expired"
		sub.SubscribeStatus = model.StatusVerified
		sub.LeaseExpirationTime = timePtr(epoch.Add(-time.Hour))
	})
	f.add(t, "leaving", func(sub *model.Subscription) {
		sub.Topic = "leaving"
		sub.SubscribeStatus = model.StatusVerified
		sub.UnsubscribeStatus = model.StatusRequesting
		sub.LeaseExpirationTime = timePtr(epoch.Add(time.Hour))
	})
	f.add(t, "failing", func(sub *model.Subscription) {
		sub.Topic = "failing"
		sub.SubscribeStatus = model.StatusHubError
		sub.LeaseExpirationTime = timePtr(epoch.Add(time.Hour))
	})

	n, err := f.sub.Refresh(context.Background())

	if err != nil || n != 2 {
		t.Fatalf("expected 2 renewals, got %d %v", n, err)
	}

	var ids []string

	for _, job := range f.worker.Jobs() {
		if job.Op != OpSubscribe {
			t.Fatalf("unexpected op %q", job.Op)
		}

		ids = append(ids, job.SubscriptionID)
	}

	sort.Strings(ids)

	if len(ids) != 2 || ids[0] != "expired" || ids[1] != "soon" {
		t.Fatalf("unexpected renewals: %v", ids)
	}
}

func TestRetryFailedRespectsCaps(t *testing.T) {
	f := newFixture(t)

	f.add(t, "conn", func(sub *model.Subscription) {
		sub.Topic = "conn"
		sub.SubscribeStatus = model.StatusConnError
		sub.ConnErrorCount = 1
	})
	f.add(t, "conn-max", func(sub *model.Subscription) {
		sub.Topic = "conn-max"
		sub.SubscribeStatus = model.StatusConnError
		sub.ConnErrorCount = 2
	})
	f.add(t, "hub", func(sub *model.Subscription) {
		sub.Topic = "hub"
		sub.SubscribeStatus = model.StatusHubError
		sub.HubErrorCount = 1
	})
	f.add(t, "verify-max", func(sub *model.Subscription) {
		sub.Topic = "verify-max"
		sub.SubscribeStatus = model.StatusVerifyError
		sub.VerifyErrorCount = 2
	})
	f.add(t, "verified", func(sub *model.Subscription) {
		sub.Topic = "verified"
		sub.SubscribeStatus = model.StatusVerified
		sub.ConnErrorCount = 1
	})

	var exhausted []*Exhausted

	f.sub.AddHandler(func(evt *Exhausted) {
		exhausted = append(exhausted, evt)
	})

	report, err := f.sub.RetryFailed(context.Background())

	if err != nil {
		t.Fatalf("retry: %v", err)
	}

	sort.Strings(report.Subscribe)
	sort.Strings(report.Exhausted)

	if len(report.Subscribe) != 2 || report.Subscribe[0] != "conn" || report.Subscribe[1] != "hub" {
		t.Fatalf("unexpected subscribe retries: %v", report.Subscribe)
	}

	if len(report.Exhausted) != 2 || report.Exhausted[0] != "conn-max" || report.Exhausted[1] != "verify-max" {
		t.Fatalf("unexpected exhausted: %v", report.Exhausted)
	}

	if len(exhausted) != 2 {
		t.Fatalf("expected two exhausted events, got %d", len(exhausted))
	}

	if len(f.worker.Jobs()) != 2 {
		t.Fatalf("expected two jobs, got %v", f.worker.Jobs())
	}
}

func TestRetryFailedDirections(t *testing.T) {
	f := newFixture(t)

	f.add(t, "both", func(sub *model.Subscription) {
		sub.SubscribeStatus = model.StatusConnError
		sub.UnsubscribeStatus = model.StatusHubError
		sub.HubErrorCount = 1
	})

	report, err := f.sub.RetryFailed(context.Background())

	if err != nil {
		t.Fatalf("retry: %v", err)
	}

	if len(report.Subscribe) != 0 {
		t.Fatalf("subscribe retried while unsubscribing: %v", report.Subscribe)
	}

	if len(report.Unsubscribe) != 1 || report.Unsubscribe[0] != "both" {
		t.Fatalf("expected unsubscribe retry, got %v", report.Unsubscribe)
	}

	if jobs := f.worker.Jobs(); len(jobs) != 1 || jobs[0].Op != OpUnsubscribe {
		t.Fatalf("unexpected jobs: %v", jobs)
	}
}

func TestRetryFailedVerificationTimeout(t *testing.T) {
	f := newFixture(t)

	f.add(t, "waiting", func(sub *model.Subscription) {
		sub.Topic = "waiting"
		sub.SubscribeStatus = model.StatusVerifying
		sub.SubscribeAttemptTime = timePtr(epoch.Add(-30 * time.Second))
	})
	f.add(t, "timedout", func(sub *model.Subscription) {
		sub.Topic = "timedout"
		sub.SubscribeStatus = model.StatusVerifying
		sub.SubscribeAttemptTime = timePtr(epoch.Add(-2 * time.Minute))
		sub.VerifyTimeoutCount = 1
	})
	f.add(t, "timedout-max", func(sub *model.Subscription) {
		sub.Topic = "timedout-max"
		sub.SubscribeStatus = model.StatusVerifying
		sub.SubscribeAttemptTime = timePtr(epoch.Add(-2 * time.Minute))
		sub.VerifyTimeoutCount = 2
	})

	report, err := f.sub.RetryFailed(context.Background())

	if err != nil {
		t.Fatalf("retry: %v", err)
	}

	if len(report.Subscribe) != 1 || report.Subscribe[0] != "timedout" {
		t.Fatalf("unexpected retries: %v", report.Subscribe)
	}

	if len(report.Exhausted) != 1 || report.Exhausted[0] != "timedout-max" {
		t.Fatalf("unexpected exhausted: %v", report.Exhausted)
	}

	if got := f.get(t, "timedout"); got.VerifyTimeoutCount != 2 {
		t.Fatalf("expected timeout counted, got %d", got.VerifyTimeoutCount)
	}

	if got := f.get(t, "waiting"); got.VerifyTimeoutCount != 0 {
		t.Fatalf("timeout counted inside the wait window")
	}
}

func TestRetryFailedAfterResetCounters(t *testing.T) {
	f := newFixture(t)

	f.add(t, "s1", func(sub *model.Subscription) {
		sub.SubscribeStatus = model.StatusHubError
		sub.HubErrorCount = 2
	})

	report, _ := f.sub.RetryFailed(context.Background())

	if len(report.Subscribe) != 0 {
		t.Fatalf("exhausted subscription retried")
	}

	if _, err := f.sub.ResetCounters(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}

	report, _ = f.sub.RetryFailed(context.Background())

	if len(report.Subscribe) != 1 {
		t.Fatalf("expected a retry after reset, got %v", report.Subscribe)
	}
}
