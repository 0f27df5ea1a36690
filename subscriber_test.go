package websubsub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	lockmemory "meow.tf/websubsub/lock/memory"
	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store/memory"
)

var epoch = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingWorker keeps jobs instead of running them.
type recordingWorker struct {
	mu   sync.Mutex
	jobs []Job
}

func (w *recordingWorker) Add(job Job) error {
	w.mu.Lock()
	w.jobs = append(w.jobs, job)
	w.mu.Unlock()

	return nil
}

func (w *recordingWorker) Start() {}

func (w *recordingWorker) Stop() {}

func (w *recordingWorker) Jobs() []Job {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]Job(nil), w.jobs...)
}

type fixture struct {
	sub    *Subscriber
	store  *memory.Store
	locker *lockmemory.Locker
	worker *recordingWorker
	clock  *testClock

	hub       *httptest.Server
	hubStatus atomic.Int32
	hubHits   atomic.Int32

	hubMu     sync.Mutex
	onHubCall func(r *http.Request)
	lastForm  map[string]string
}

func newFixture(t *testing.T, configure ...func(cfg *Config)) *fixture {
	t.Helper()

	f := &fixture{
		store:  memory.New(),
		locker: lockmemory.New(time.Minute),
		worker: &recordingWorker{},
		clock:  &testClock{now: epoch},
	}

	f.hubStatus.Store(http.StatusAccepted)

	f.hub = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hubHits.Add(1)

		r.ParseForm()

		f.hubMu.Lock()
		f.lastForm = map[string]string{
			"hub.mode":     r.PostForm.Get("hub.mode"),
			"hub.topic":    r.PostForm.Get("hub.topic"),
			"hub.callback": r.PostForm.Get("hub.callback"),
		}
		hook := f.onHubCall
		f.hubMu.Unlock()

		if hook != nil {
			hook(r)
		}

		w.WriteHeader(int(f.hubStatus.Load()))
	}))
	t.Cleanup(f.hub.Close)

	cfg := DefaultConfig()
	cfg.RequestTimeout = 5 * time.Second

	for _, fn := range configure {
		fn(&cfg)
	}

	resolver, err := NewRouteResolver("http://sub.example", map[string]string{
		"news": "/websub/news/{id}",
	})

	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	f.sub = New(cfg, f.store, f.locker, resolver,
		WithWorker(f.worker),
		WithClock(f.clock.Now),
		WithDiscovery(false))

	return f
}

func (f *fixture) setHubHook(hook func(r *http.Request)) {
	f.hubMu.Lock()
	f.onHubCall = hook
	f.hubMu.Unlock()
}

func (f *fixture) form() map[string]string {
	f.hubMu.Lock()
	defer f.hubMu.Unlock()

	return f.lastForm
}

// add stores a requesting subscription to the fixture hub and applies mutate to it.
func (f *fixture) add(t *testing.T, id string, mutate func(sub *model.Subscription)) *model.Subscription {
	t.Helper()

	sub := &model.Subscription{
		ID:               id,
		HubURL:           f.hub.URL,
		Topic:            "news",
		CallbackIdentity: "news",
		SubscribeStatus:  model.StatusRequesting,
		CreatedAt:        f.clock.Now(),
	}

	if mutate != nil {
		mutate(sub)
	}

	if err := f.store.Create(context.Background(), sub); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}

	return sub
}

func (f *fixture) get(t *testing.T, id string) *model.Subscription {
	t.Helper()

	sub, err := f.store.Get(context.Background(), id)

	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}

	return sub
}

func timePtr(t time.Time) *time.Time {
	return &t
}
