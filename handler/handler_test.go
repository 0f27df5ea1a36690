package handler

import "testing"

type added struct {
	Name string
}

type removed struct{}

func TestCallDispatchesByType(t *testing.T) {
	h := New()

	var got []string

	h.AddHandler(func(e *added) {
		got = append(got, e.Name)
	})
	h.AddHandler(func(e *removed) {
		t.Fatalf("removed handler must not see added events")
	})

	h.Call(&added{Name: "a"})
	h.Call(&added{Name: "b"})

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected calls: %v", got)
	}
}

func TestRemoveHandler(t *testing.T) {
	h := New()

	calls := 0
	remove := h.AddHandler(func(*added) { calls++ })

	h.Call(&added{})
	remove()
	h.Call(&added{})

	if calls != 1 {
		t.Fatalf("expected 1 call after removal, got %d", calls)
	}
}

func TestAddHandlerRejectsNonFunc(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()

	New().AddHandler("nope")
}
