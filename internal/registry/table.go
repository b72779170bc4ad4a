// Package registry provides a fixed-size, chained-bucket hash table keyed by
// string. tailall uses it to map inotify watch descriptors to folder records,
// but the table is general purpose and can be shared between goroutines when
// constructed with WithLock.
//
// # Layout
//
// The table has 1<<power buckets chosen at construction and never resized.
// Each bucket is a singly linked chain searched by exact key equality; new
// entries are appended at the tail of their chain so that earlier entries keep
// their position. Watch descriptors are small, densely reused integers, so
// chains stay short even for large trees.
//
// # Key ownership
//
// The table always stores a private copy of every key it is given.
package registry

import (
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// MinPower and MaxPower bound the bucket count accepted by New.
	MinPower = 1
	MaxPower = 24

	// DefaultPower is the bucket power used when New is given zero.
	DefaultPower = 14
)

type entry[V any] struct {
	key   string
	value V
	next  *entry[V]
}

// Table maps string keys to values of type V. The zero value is not usable;
// create tables with New.
type Table[V any] struct {
	mu      *sync.Mutex // nil unless WithLock was given
	buckets []*entry[V]
	mask    uint64
	n       int
}

// Option configures a Table at construction.
type Option func(*options)

type options struct {
	locked bool
}

// WithLock makes every operation on the table acquire an internal mutex.
func WithLock() Option {
	return func(o *options) { o.locked = true }
}

// New returns an empty table with 1<<power buckets. A power of zero selects
// DefaultPower; values outside [MinPower, MaxPower] are clamped.
func New[V any](power int, opts ...Option) *Table[V] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch {
	case power == 0:
		power = DefaultPower
	case power < MinPower:
		power = MinPower
	case power > MaxPower:
		power = MaxPower
	}

	t := &Table[V]{
		buckets: make([]*entry[V], 1<<power),
		mask:    uint64(1)<<power - 1,
	}
	if o.locked {
		t.mu = &sync.Mutex{}
	}
	return t
}

func (t *Table[V]) lock() {
	if t.mu != nil {
		t.mu.Lock()
	}
}

func (t *Table[V]) unlock() {
	if t.mu != nil {
		t.mu.Unlock()
	}
}

func (t *Table[V]) bucket(key string) uint64 {
	return xxhash.Sum64String(key) & t.mask
}

// Insert adds value under key. It returns false, leaving the table unchanged,
// if key is already present.
func (t *Table[V]) Insert(key string, value V) bool {
	t.lock()
	defer t.unlock()

	b := t.bucket(key)
	var last *entry[V]
	for e := t.buckets[b]; e != nil; e = e.next {
		if e.key == key {
			return false
		}
		last = e
	}

	e := &entry[V]{key: strings.Clone(key), value: value}
	if last == nil {
		t.buckets[b] = e
	} else {
		last.next = e
	}
	t.n++
	return true
}

// Replace stores value under key whether or not key is present. When an
// existing value is displaced it is returned with replaced set to true; the
// displaced entry keeps its chain position.
func (t *Table[V]) Replace(key string, value V) (old V, replaced bool) {
	t.lock()
	defer t.unlock()

	b := t.bucket(key)
	var last *entry[V]
	for e := t.buckets[b]; e != nil; e = e.next {
		if e.key == key {
			old, e.value = e.value, value
			return old, true
		}
		last = e
	}

	e := &entry[V]{key: strings.Clone(key), value: value}
	if last == nil {
		t.buckets[b] = e
	} else {
		last.next = e
	}
	t.n++
	return old, false
}

// Lookup returns the value stored under key.
func (t *Table[V]) Lookup(key string) (V, bool) {
	t.lock()
	defer t.unlock()

	for e := t.buckets[t.bucket(key)]; e != nil; e = e.next {
		if e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Remove unlinks key and hands its value back to the caller, who becomes
// responsible for releasing it.
func (t *Table[V]) Remove(key string) (V, bool) {
	t.lock()
	defer t.unlock()

	b := t.bucket(key)
	var prev *entry[V]
	for e := t.buckets[b]; e != nil; e = e.next {
		if e.key != key {
			prev = e
			continue
		}
		if prev == nil {
			t.buckets[b] = e.next
		} else {
			prev.next = e.next
		}
		t.n--
		return e.value, true
	}
	var zero V
	return zero, false
}

// Len returns the number of entries in the table.
func (t *Table[V]) Len() int {
	t.lock()
	defer t.unlock()
	return t.n
}

// Range calls fn for every entry in bucket order until fn returns false. The
// table must not be modified from within fn; when the table is locked, doing
// so deadlocks.
func (t *Table[V]) Range(fn func(key string, value V) bool) {
	t.lock()
	defer t.unlock()

	for _, head := range t.buckets {
		for e := head; e != nil; e = e.next {
			if !fn(e.key, e.value) {
				return
			}
		}
	}
}
