// Package handler dispatches typed events to registered functions.
package handler

import (
	"reflect"
	"sync"
)

// Handler holds event handler functions keyed by the event type they accept.
type Handler struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]*entry
}

type entry struct {
	fn reflect.Value
}

// New creates an empty Handler.
func New() *Handler {
	return &Handler{
		handlers: make(map[reflect.Type][]*entry),
	}
}

// AddHandler registers fn, which must be a func with exactly one argument.
// The argument type selects which events fn receives. The returned func removes the handler.
func (h *Handler) AddHandler(fn interface{}) func() {
	v := reflect.ValueOf(fn)
	t := v.Type()

	if t.Kind() != reflect.Func || t.NumIn() != 1 {
		panic("handler: AddHandler expects a func with one argument")
	}

	e := &entry{fn: v}
	evtType := t.In(0)

	h.mu.Lock()
	h.handlers[evtType] = append(h.handlers[evtType], e)
	h.mu.Unlock()

	return func() {
		h.remove(evtType, e)
	}
}

func (h *Handler) remove(evtType reflect.Type, e *entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.handlers[evtType]

	for i, existing := range list {
		if existing == e {
			h.handlers[evtType] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Call invokes every handler registered for the dynamic type of evt, in registration order.
func (h *Handler) Call(evt interface{}) {
	if h == nil || evt == nil {
		return
	}

	v := reflect.ValueOf(evt)

	h.mu.RLock()
	list := append([]*entry(nil), h.handlers[v.Type()]...)
	h.mu.RUnlock()

	for _, e := range list {
		e.fn.Call([]reflect.Value{v})
	}
}
