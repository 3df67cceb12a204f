package query

import (
	"context"
	"net/netip"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sigdns/internal/record"
)

var testIP = netip.MustParseAddr("192.0.2.10")

func TestAggregateIgnoresZeroTTL(t *testing.T) {
	now := time.Now()
	q := New(record.TypeA, "example.com", false)
	q.AddAnswer(record.NewA("example.com.", 0, testIP, now))
	q.AddAnswer(record.NewA("example.com.", 30, testIP, now))

	require.Equal(t, uint32(30), q.TTL())
	require.Equal(t, now.Add(30*time.Second), q.Expires())
	require.False(t, q.Permanent())
}

func TestAggregateMinimumAcrossSections(t *testing.T) {
	now := time.Now()
	q := New(record.TypeNAPTR, "epc.example", false)
	q.AddAnswer(record.NewNAPTR("epc.example.", 300, 10, 10, "s", "x-3gpp-mme:x-s10", "", "_mme._tcp.epc.example.", now))
	q.AddAdditional(record.NewSRV("_mme._tcp.epc.example.", 120, 1, 1, 2123, "mme1.epc.example.", now))
	later := now.Add(10 * time.Second)
	q.AddAuthority(record.NewA("ns.epc.example.", 200, testIP, later))

	require.Equal(t, uint32(120), q.TTL())
	require.Equal(t, now.Add(120*time.Second), q.Expires())
}

func TestAggregateExpirationTrackedIndependently(t *testing.T) {
	now := time.Now()
	q := New(record.TypeA, "example.com", false)
	// Obtained earlier with a longer TTL, it still expires first.
	q.AddAnswer(record.NewA("example.com.", 40, testIP, now.Add(-30*time.Second)))
	q.AddAnswer(record.NewA("example.com.", 20, testIP, now))

	require.Equal(t, uint32(20), q.TTL())
	require.Equal(t, now.Add(10*time.Second), q.Expires())
}

func TestOnlyZeroTTLNeverExpires(t *testing.T) {
	now := time.Now()
	q := New(record.TypeA, "static.example", false)
	q.AddAnswer(record.NewA("static.example.", 0, testIP, now))

	require.Equal(t, NoExpiry, q.TTL())
	require.True(t, q.Expires().IsZero())
	require.True(t, q.Permanent())
	require.False(t, q.Expired(now.Add(24*time.Hour)))
	require.Equal(t, time.Duration(0), q.Remaining(now))
}

func TestExpired(t *testing.T) {
	now := time.Now()
	q := New(record.TypeA, "example.com", false)
	q.AddAnswer(record.NewA("example.com.", 10, testIP, now))

	require.False(t, q.Expired(now))
	require.False(t, q.Expired(now.Add(9*time.Second)))
	require.True(t, q.Expired(now.Add(10*time.Second)))
	require.Equal(t, 5*time.Second, q.Remaining(now.Add(5*time.Second)))
}

func TestLimitEmpty(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	empty := New(record.TypeSRV, "_sip._udp.epc", false)
	empty.LimitEmpty(60, now)
	require.False(t, empty.Permanent())
	require.Equal(t, uint32(60), empty.TTL())
	require.True(t, empty.Expired(now.Add(time.Minute)))

	static := New(record.TypeA, "static.example", false)
	static.AddAnswer(record.NewA("static.example.", 0, testIP, now))
	static.LimitEmpty(60, now)
	require.True(t, static.Permanent())

	failed := New(record.TypeA, "failed.example", false)
	failed.SetError("SERVFAIL")
	failed.LimitEmpty(60, now)
	require.Equal(t, NoExpiry, failed.TTL())
}

func TestFailedQueryIsExpiredAndNotPermanent(t *testing.T) {
	q := New(record.TypeA, "missing.example", false)
	q.SetError("NXDOMAIN")

	require.True(t, q.Failed())
	require.Equal(t, "NXDOMAIN", q.ErrorMessage())
	require.False(t, q.Permanent())
	require.True(t, q.Expired(time.Now()))
	require.Empty(t, q.Answers())
}

func TestQuestions(t *testing.T) {
	q := New(record.TypeSRV, "_diameter._tcp.epc", true)
	require.Equal(t, []Question{{Name: "_diameter._tcp.epc", Type: record.TypeSRV, Class: record.ClassINET}}, q.Questions())
	require.True(t, q.IgnoreCache())
	require.Equal(t, Key{Type: record.TypeSRV, Domain: "_diameter._tcp.epc"}, q.Key())
}

func TestKeyOrdering(t *testing.T) {
	keys := []Key{
		{Type: record.TypeNAPTR, Domain: "a"},
		{Type: record.TypeA, Domain: "b"},
		{Type: record.TypeA, Domain: "B"},
		{Type: record.TypeA, Domain: "a"},
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	require.Equal(t, []Key{
		{Type: record.TypeA, Domain: "B"},
		{Type: record.TypeA, Domain: "a"},
		{Type: record.TypeA, Domain: "b"},
		{Type: record.TypeNAPTR, Domain: "a"},
	}, keys)

	// Case matters.
	require.NotEqual(t, Key{Type: record.TypeA, Domain: "Example.com"}, Key{Type: record.TypeA, Domain: "example.com"})
	require.Equal(t, "NAPTR epc.example", Key{Type: record.TypeNAPTR, Domain: "epc.example"}.String())
}

func TestCallbackCompletesOnce(t *testing.T) {
	calls := 0
	var gotHit bool
	var gotData any
	q := NewCallback(record.TypeA, "example.com", func(cq *Query, cacheHit bool, data any) {
		calls++
		gotHit = cacheHit
		gotData = data
	}, "ctx", false)

	q.Complete(false)
	q.Complete(true)

	require.Equal(t, 1, calls)
	require.False(t, gotHit)
	require.Equal(t, "ctx", gotData)
	require.ErrorIs(t, q.Wait(context.Background()), ErrNoWaiter)
}

func TestWaiter(t *testing.T) {
	q := NewWaiting(record.TypeA, "example.com", false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)

	go q.Complete(false)
	require.NoError(t, q.Wait(context.Background()))

	// A second completion must not panic on the closed channel.
	q.Complete(false)
}

func TestCompleteWithoutCompletion(t *testing.T) {
	q := New(record.TypeA, "example.com", false)
	q.Complete(false)
	require.ErrorIs(t, q.Wait(context.Background()), ErrNoWaiter)
}
