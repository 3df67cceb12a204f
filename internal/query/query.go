// Package query holds the unit of resolution shared by the cache, the query
// processor and the refresher.
//
// A Query is filled in by the processor while it is in flight and is treated
// as immutable once completed. The cache replaces entries with new Query
// values rather than mutating published ones, so a caller may keep reading a
// Query after it has been evicted from the cache.
package query

import (
	"cmp"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"sigdns/internal/record"
)

// NoExpiry is the aggregate TTL reported by a query that holds no record
// with a finite TTL.
const NoExpiry = ^uint32(0)

var ErrNoWaiter = errors.New("query: query was not dispatched with a waiter")

// Key identifies a cache entry. Domains compare as case-sensitive ordinal
// strings.
type Key struct {
	Type   record.Type
	Domain string
}

// Compare orders keys by type, then domain.
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.Type, o.Type); c != 0 {
		return c
	}
	return strings.Compare(k.Domain, o.Domain)
}

func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

func (k Key) String() string { return k.Type.String() + " " + k.Domain }

type Question struct {
	Name  string
	Type  record.Type
	Class uint16
}

// Callback receives an asynchronously completed query. cacheHit is false
// whenever the query went to the resolver.
type Callback func(q *Query, cacheHit bool, data any)

// completion is either a waiter or a callback, fixed when the query is built.
type completion interface {
	complete(q *Query, cacheHit bool)
}

type waiter struct {
	done chan struct{}
}

func (w *waiter) complete(*Query, bool) { close(w.done) }

type callback struct {
	fn   Callback
	data any
}

func (c *callback) complete(q *Query, cacheHit bool) {
	if c.fn != nil {
		c.fn(q, cacheHit, c.data)
	}
}

type Query struct {
	key         Key
	questions   []Question
	answers     []record.Record
	authorities []record.Record
	additionals []record.Record

	ttl     uint32
	expires time.Time

	failed bool
	errMsg string

	ignoreCache bool

	done completion
	once sync.Once
}

// New returns a query with no completion attached. It is used for queries
// assembled by hand; dispatched queries come from NewWaiting or NewCallback.
func New(t record.Type, domain string, ignoreCache bool) *Query {
	return &Query{
		key:         Key{Type: t, Domain: domain},
		questions:   []Question{{Name: domain, Type: t, Class: record.ClassINET}},
		ttl:         NoExpiry,
		ignoreCache: ignoreCache,
	}
}

// NewWaiting returns a query whose completion can be awaited with Wait.
func NewWaiting(t record.Type, domain string, ignoreCache bool) *Query {
	q := New(t, domain, ignoreCache)
	q.done = &waiter{done: make(chan struct{})}
	return q
}

// NewCallback returns a query that invokes fn with data on completion.
func NewCallback(t record.Type, domain string, fn Callback, data any, ignoreCache bool) *Query {
	q := New(t, domain, ignoreCache)
	q.done = &callback{fn: fn, data: data}
	return q
}

func (q *Query) Key() Key                     { return q.key }
func (q *Query) Type() record.Type            { return q.key.Type }
func (q *Query) Domain() string               { return q.key.Domain }
func (q *Query) IgnoreCache() bool            { return q.ignoreCache }
func (q *Query) Questions() []Question        { return q.questions }
func (q *Query) Failed() bool                 { return q.failed }
func (q *Query) ErrorMessage() string         { return q.errMsg }
func (q *Query) TTL() uint32                  { return q.ttl }
func (q *Query) Expires() time.Time           { return q.expires }
func (q *Query) Answers() []record.Record     { return q.answers }
func (q *Query) Authorities() []record.Record { return q.authorities }
func (q *Query) Additionals() []record.Record { return q.additionals }

func (q *Query) AddAnswer(r record.Record) {
	q.answers = append(q.answers, r)
	q.account(r)
}

func (q *Query) AddAuthority(r record.Record) {
	q.authorities = append(q.authorities, r)
	q.account(r)
}

func (q *Query) AddAdditional(r record.Record) {
	q.additionals = append(q.additionals, r)
	q.account(r)
}

// account folds a record into the aggregate TTL and expiration. Records
// with a zero TTL never lower the aggregate.
func (q *Query) account(r record.Record) {
	h := r.Hdr()
	if h.TTL == 0 {
		return
	}
	if q.ttl == NoExpiry || h.TTL < q.ttl {
		q.ttl = h.TTL
	}
	if q.expires.IsZero() || h.Expires.Before(q.expires) {
		q.expires = h.Expires
	}
}

// SetError flags the query as failed. Record lists of a failed query are
// not to be trusted.
func (q *Query) SetError(msg string) {
	q.failed = true
	q.errMsg = msg
}

// LimitEmpty gives a successful query that carries no record at all a
// lifetime of ttl seconds. Queries holding any record are left alone.
func (q *Query) LimitEmpty(ttl uint32, now time.Time) {
	if q.failed || ttl == 0 || len(q.answers)+len(q.authorities)+len(q.additionals) > 0 {
		return
	}
	q.ttl = ttl
	q.expires = now.Add(time.Duration(ttl) * time.Second)
}

// Permanent reports whether the query holds no finite-TTL record and has
// not failed.
func (q *Query) Permanent() bool {
	return !q.failed && q.expires.IsZero()
}

// Expired reports whether the query should no longer be served from cache.
// Failed queries are always expired.
func (q *Query) Expired(now time.Time) bool {
	if q.failed {
		return true
	}
	if q.expires.IsZero() {
		return false
	}
	return !now.Before(q.expires)
}

// Remaining returns the time left before expiration, negative once
// expired. Permanent queries report zero.
func (q *Query) Remaining(now time.Time) time.Duration {
	if q.expires.IsZero() {
		return 0
	}
	return q.expires.Sub(now)
}

// Complete fires the completion exactly once. Later calls are no-ops.
func (q *Query) Complete(cacheHit bool) {
	q.once.Do(func() {
		if q.done != nil {
			q.done.complete(q, cacheHit)
		}
	})
}

// Wait blocks until a waiting query completes or ctx ends.
func (q *Query) Wait(ctx context.Context) error {
	w, ok := q.done.(*waiter)
	if !ok {
		return ErrNoWaiter
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
