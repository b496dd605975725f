// Package emitter is a thread-safe publish/subscribe registry keyed by event name.
//
// Listeners run synchronously on the goroutine that calls Emit, in the order
// they were registered. The registry lock is never held while a listener
// runs, so listeners may call On, Once, Off or Emit themselves.
package emitter

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// Listener receives the values passed to Emit.
type Listener[T any] interface {
	Call(args ...T) error
}

// FuncListener adapts a function to Listener. Use the pointer returned by
// Func as the handle for Off.
type FuncListener[T any] struct {
	fn func(args ...T) error
}

// Func wraps fn as a listener.
func Func[T any](fn func(args ...T) error) *FuncListener[T] {
	return &FuncListener[T]{fn: fn}
}

// Call implements Listener.
func (f *FuncListener[T]) Call(args ...T) error {
	return f.fn(args...)
}

// Emitter dispatches events of type T to registered listeners.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu        sync.RWMutex
	listeners map[string][]Listener[T] // copy-on-write; never mutated in place
}

// New creates an empty emitter.
func New[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// On registers l for name. Registering the same listener twice makes it fire twice.
func (e *Emitter[T]) On(name string, l Listener[T]) {
	e.add(name, l)
}

// Once registers l for name so that it fires on the first Emit only.
// The entry removes itself before l runs.
func (e *Emitter[T]) Once(name string, l Listener[T]) {
	e.add(name, &onceListener[T]{emitter: e, name: name, inner: l})
}

// Off removes every registration of l for name, including registrations made
// with Once that have not fired yet. Removing an unknown listener is a no-op.
func (e *Emitter[T]) Off(name string, l Listener[T]) {
	e.remove(name, func(entry Listener[T]) bool {
		if ol, ok := entry.(*onceListener[T]); ok {
			return sameListener(ol.inner, l)
		}
		return sameListener(entry, l)
	})
}

// Emit calls every listener registered for name at the time of the call,
// in registration order, with args. A failing or panicking listener does not
// stop the others; all failures are returned together once every listener has run.
func (e *Emitter[T]) Emit(name string, args ...T) error {
	e.mu.RLock()
	snapshot := e.listeners[name]
	e.mu.RUnlock()

	var errs error
	for i, l := range snapshot {
		if err := invoke(l, args); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("listener %d for %q: %w", i, name, err))
		}
	}
	return errs
}

// Listeners returns a copy of the listeners registered for name.
// Listeners registered with Once are returned unwrapped.
func (e *Emitter[T]) Listeners(name string) []Listener[T] {
	e.mu.RLock()
	entries := e.listeners[name]
	e.mu.RUnlock()

	out := make([]Listener[T], 0, len(entries))
	for _, entry := range entries {
		if ol, ok := entry.(*onceListener[T]); ok {
			out = append(out, ol.inner)
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Has reports whether l is registered for name.
func (e *Emitter[T]) Has(name string, l Listener[T]) bool {
	for _, entry := range e.Listeners(name) {
		if sameListener(entry, l) {
			return true
		}
	}
	return false
}

func (e *Emitter[T]) add(name string, l Listener[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[string][]Listener[T])
	}
	cur := e.listeners[name]
	next := make([]Listener[T], len(cur), len(cur)+1)
	copy(next, cur)
	e.listeners[name] = append(next, l)
}

func (e *Emitter[T]) remove(name string, match func(Listener[T]) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.listeners[name]
	next := make([]Listener[T], 0, len(cur))
	for _, entry := range cur {
		if !match(entry) {
			next = append(next, entry)
		}
	}
	if len(next) == len(cur) {
		return
	}
	if len(next) == 0 {
		delete(e.listeners, name)
		return
	}
	e.listeners[name] = next
}

func invoke[T any](l Listener[T], args []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.Call(args...)
}

// sameListener compares listener identity without panicking on
// non-comparable dynamic types.
func sameListener[T any](a, b Listener[T]) (same bool) {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

type onceListener[T any] struct {
	emitter *Emitter[T]
	name    string
	inner   Listener[T]
	fired   atomic.Bool
}

func (o *onceListener[T]) Call(args ...T) error {
	if !o.fired.CompareAndSwap(false, true) {
		return nil
	}
	o.emitter.remove(o.name, func(entry Listener[T]) bool {
		return entry == Listener[T](o)
	})
	return o.inner.Call(args...)
}
