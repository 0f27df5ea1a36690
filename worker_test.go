package websubsub

import (
	"context"
	"errors"
	"testing"

	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store"
)

func TestGoWorkerDrainsOnStop(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", nil)
	f.add(t, "s2", func(sub *model.Subscription) {
		sub.Topic = "sports"
		sub.UnsubscribeStatus = model.StatusRequesting
	})

	w := NewGoWorker(f.sub, 2)
	w.Start()

	w.Add(Job{Op: OpSubscribe, SubscriptionID: "s1"})
	w.Add(Job{Op: OpUnsubscribe, SubscriptionID: "s2"})
	w.Add(Job{Op: OpSubscribe, SubscriptionID: "missing"})

	w.Stop()

	if got := f.get(t, "s1"); got.SubscribeStatus != model.StatusVerifying {
		t.Fatalf("subscribe job not run: %+v", got)
	}

	if got := f.get(t, "s2"); got.UnsubscribeStatus != model.StatusVerifying {
		t.Fatalf("unsubscribe job not run: %+v", got)
	}

	if hits := f.hubHits.Load(); hits != 2 {
		t.Fatalf("expected two hub requests, got %d", hits)
	}
}

func TestGoWorkerAddAfterStop(t *testing.T) {
	f := newFixture(t)

	w := NewGoWorker(f.sub, 1)
	w.Start()
	w.Stop()

	if err := w.Add(Job{Op: OpSubscribe, SubscriptionID: "s1"}); !errors.Is(err, ErrWorkerStopped) {
		t.Fatalf("expected ErrWorkerStopped, got %v", err)
	}

	w.Stop()
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t)

	err := f.sub.Run(context.Background(), Job{Op: "resubscribe", SubscriptionID: "s1"})

	if !errors.Is(err, ErrUnknownOp) || !IsPermanent(err) {
		t.Fatalf("expected permanent unknown op, got %v", err)
	}

	err = f.sub.Run(context.Background(), Job{Op: OpSubscribe, SubscriptionID: "missing"})

	if !errors.Is(err, store.ErrNotFound) || !IsPermanent(err) {
		t.Fatalf("expected permanent not found, got %v", err)
	}
}

func TestResultString(t *testing.T) {
	if ResultLocked.String() != "skipped: locked" || ResultNone.String() != "none" {
		t.Fatalf("unexpected strings %q %q", ResultLocked, ResultNone)
	}
}
