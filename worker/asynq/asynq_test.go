package asynq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"meow.tf/websubsub"
	lockmemory "meow.tf/websubsub/lock/memory"
	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store/memory"
)

type nopWorker struct{}

func (nopWorker) Add(job websubsub.Job) error { return nil }
func (nopWorker) Start()                      {}
func (nopWorker) Stop()                       {}

func newSubscriber(t *testing.T) (*websubsub.Subscriber, *memory.Store) {
	t.Helper()

	resolver, err := websubsub.NewRouteResolver("http://sub.example", map[string]string{"news": "/websub/{id}"})

	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	st := memory.New()

	return websubsub.New(websubsub.DefaultConfig(), st, lockmemory.New(time.Minute), resolver, websubsub.WithWorker(nopWorker{})), st
}

func task(t *testing.T, job websubsub.Job) *asynq.Task {
	t.Helper()

	payload, err := json.Marshal(job)

	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	return asynq.NewTask(TaskType(job.Op), payload)
}

func TestHandlerSkipsRetryOnPermanentFailure(t *testing.T) {
	s, _ := newSubscriber(t)
	h := Handler(s)

	err := h(context.Background(), task(t, websubsub.Job{Op: websubsub.OpSubscribe, SubscriptionID: "missing"}))

	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry, got %v", err)
	}

	err = h(context.Background(), asynq.NewTask(TypeSubscribe, []byte("{")))

	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry for a broken payload, got %v", err)
	}
}

func TestHandlerRunsJob(t *testing.T) {
	s, st := newSubscriber(t)

	err := st.Create(context.Background(), &model.Subscription{
		ID:                "s1",
		HubURL:            "http://hub.example",
		Topic:             "news",
		CallbackIdentity:  "news",
		SubscribeStatus:   model.StatusVerified,
		UnsubscribeStatus: model.StatusVerifying,
		CreatedAt:         time.Now(),
	})

	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The subscription is unsubscribing, so the job is a handled skip without a hub request.
	if err := Handler(s)(context.Background(), task(t, websubsub.Job{Op: websubsub.OpSubscribe, SubscriptionID: "s1"})); err != nil {
		t.Fatalf("expected skip, got %v", err)
	}
}

func TestTaskType(t *testing.T) {
	if TaskType(websubsub.OpSubscribe) != TypeSubscribe || TaskType(websubsub.OpUnsubscribe) != TypeUnsubscribe {
		t.Fatalf("unexpected task types")
	}
}
