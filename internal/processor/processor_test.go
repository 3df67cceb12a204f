package processor

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"sigdns/internal/query"
	"sigdns/internal/record"
)

type fakeExchanger struct {
	mu      sync.Mutex
	calls   []string
	handler func(m *dns.Msg, address string) (*dns.Msg, error)
	block   chan struct{}
}

func (f *fakeExchanger) ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
	f.mu.Lock()
	f.calls = append(f.calls, address)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	resp, err := f.handler(m, address)
	return resp, time.Millisecond, err
}

func (f *fakeExchanger) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func answerA(ip string, ttl uint32) func(*dns.Msg, string) (*dns.Msg, error) {
	return func(m *dns.Msg, _ string) (*dns.Msg, error) {
		resp := new(dns.Msg)
		resp.SetReply(m)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: m.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.ParseIP(ip),
		})
		return resp, nil
	}
}

func newTestProcessor(t *testing.T, udp, tcp Exchanger, servers ...string) *Processor {
	t.Helper()
	p := New(WithExchangers(udp, tcp), WithTimeout(200*time.Millisecond))
	if len(servers) > 0 {
		require.NoError(t, p.AddNamedServers(servers, 0, 0))
		require.NoError(t, p.ApplyNamedServers())
	}
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func waitQuery(t *testing.T, q *query.Query) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func TestBeginQueryCompletesWithAnswers(t *testing.T) {
	udp := &fakeExchanger{handler: answerA("192.0.2.7", 60)}
	p := newTestProcessor(t, udp, udp, "192.0.2.53")

	q := query.NewWaiting(record.TypeA, "mme1.epc.example", false)
	p.BeginQuery(q)
	waitQuery(t, q)

	require.False(t, q.Failed())
	require.Len(t, q.Answers(), 1)
	require.Equal(t, "192.0.2.7", q.Answers()[0].(*record.A).IP.String())
	require.Equal(t, uint32(60), q.TTL())
	require.Equal(t, []string{"192.0.2.53:53"}, udp.Calls())
}

func TestInFlightReturnsToBaseline(t *testing.T) {
	block := make(chan struct{})
	udp := &fakeExchanger{handler: answerA("192.0.2.7", 60), block: block}
	p := newTestProcessor(t, udp, udp, "192.0.2.53")

	var queries []*query.Query
	for i := 0; i < 5; i++ {
		q := query.NewWaiting(record.TypeA, "node.epc.example", false)
		queries = append(queries, q)
		p.BeginQuery(q)
	}
	require.Equal(t, int64(5), p.InFlight())

	close(block)
	for _, q := range queries {
		waitQuery(t, q)
	}
	require.Eventually(t, func() bool { return p.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestErrorRcodeSetsFailure(t *testing.T) {
	udp := &fakeExchanger{handler: func(m *dns.Msg, _ string) (*dns.Msg, error) {
		resp := new(dns.Msg)
		resp.SetRcode(m, dns.RcodeNameError)
		return resp, nil
	}}
	p := newTestProcessor(t, udp, udp, "192.0.2.53")

	q := query.NewWaiting(record.TypeNAPTR, "missing.epc.example", false)
	p.BeginQuery(q)
	waitQuery(t, q)

	require.True(t, q.Failed())
	require.Equal(t, "NXDOMAIN", q.ErrorMessage())
	require.Empty(t, q.Answers())
}

func TestEmptyResponseGetsBoundedLifetime(t *testing.T) {
	udp := &fakeExchanger{handler: func(m *dns.Msg, _ string) (*dns.Msg, error) {
		resp := new(dns.Msg)
		resp.SetReply(m)
		return resp, nil
	}}
	p := newTestProcessor(t, udp, udp, "192.0.2.53")

	q := query.NewWaiting(record.TypeNAPTR, "nodata.epc.example", false)
	p.BeginQuery(q)
	waitQuery(t, q)

	require.False(t, q.Failed())
	require.False(t, q.Permanent())
	require.Equal(t, uint32(emptyResponseTTL), q.TTL())
	require.False(t, q.Expires().IsZero())
}

func TestFallsThroughToNextServer(t *testing.T) {
	udp := &fakeExchanger{}
	udp.handler = func(m *dns.Msg, address string) (*dns.Msg, error) {
		if address == "192.0.2.1:53" {
			return nil, errors.New("connection refused")
		}
		return answerA("192.0.2.9", 30)(m, address)
	}
	p := newTestProcessor(t, udp, udp, "192.0.2.1", "192.0.2.2")

	q := query.NewWaiting(record.TypeA, "sgw.epc.example", false)
	p.BeginQuery(q)
	waitQuery(t, q)

	require.False(t, q.Failed())
	require.Equal(t, []string{"192.0.2.1:53", "192.0.2.2:53"}, udp.Calls())
}

func TestTruncatedRetriesOverTCP(t *testing.T) {
	udp := &fakeExchanger{handler: func(m *dns.Msg, _ string) (*dns.Msg, error) {
		resp := new(dns.Msg)
		resp.SetReply(m)
		resp.Truncated = true
		return resp, nil
	}}
	tcp := &fakeExchanger{handler: answerA("192.0.2.8", 30)}
	p := New(WithExchangers(udp, tcp))
	require.NoError(t, p.AddNamedServer("192.0.2.53", 5353, 5354))
	require.NoError(t, p.ApplyNamedServers())
	p.Start()
	defer p.Stop(context.Background())

	q := query.NewWaiting(record.TypeA, "big.epc.example", false)
	p.BeginQuery(q)
	waitQuery(t, q)

	require.False(t, q.Failed())
	require.Equal(t, []string{"192.0.2.53:5353"}, udp.Calls())
	require.Equal(t, []string{"192.0.2.53:5354"}, tcp.Calls())
}

func TestTimeoutFailsQuery(t *testing.T) {
	udp := &fakeExchanger{handler: answerA("192.0.2.7", 60), block: make(chan struct{})}
	p := New(WithExchangers(udp, udp), WithTimeout(20*time.Millisecond))
	require.NoError(t, p.AddNamedServer("192.0.2.53", 0, 0))
	require.NoError(t, p.ApplyNamedServers())
	p.Start()
	defer p.Stop(context.Background())

	q := query.NewWaiting(record.TypeA, "slow.epc.example", false)
	p.BeginQuery(q)
	waitQuery(t, q)

	require.True(t, q.Failed())
	require.Contains(t, q.ErrorMessage(), context.DeadlineExceeded.Error())
}

func TestNoNamedServersFailsQuery(t *testing.T) {
	udp := &fakeExchanger{handler: answerA("192.0.2.7", 60)}
	p := newTestProcessor(t, udp, udp)

	q := query.NewWaiting(record.TypeA, "x.epc.example", false)
	p.BeginQuery(q)
	waitQuery(t, q)

	require.True(t, q.Failed())
	require.Equal(t, ErrNoNamedServers.Error(), q.ErrorMessage())
	require.Empty(t, udp.Calls())
}

func TestCallbackPanicDoesNotStopProcessor(t *testing.T) {
	udp := &fakeExchanger{handler: answerA("192.0.2.7", 60)}
	p := newTestProcessor(t, udp, udp, "192.0.2.53")

	p.BeginQuery(query.NewCallback(record.TypeA, "boom.epc.example", func(*query.Query, bool, any) {
		panic("boom")
	}, nil, false))

	q := query.NewWaiting(record.TypeA, "ok.epc.example", false)
	p.BeginQuery(q)
	waitQuery(t, q)
	require.False(t, q.Failed())
}

func TestStopDrainsInFlight(t *testing.T) {
	block := make(chan struct{})
	udp := &fakeExchanger{handler: answerA("192.0.2.7", 60), block: block}
	p := New(WithExchangers(udp, udp), WithTimeout(time.Second))
	require.NoError(t, p.AddNamedServer("192.0.2.53", 0, 0))
	require.NoError(t, p.ApplyNamedServers())
	p.Start()

	var completed sync.WaitGroup
	completed.Add(1)
	p.BeginQuery(query.NewCallback(record.TypeA, "drain.epc.example", func(*query.Query, bool, any) {
		completed.Done()
	}, nil, false))

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned with a query in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	require.NoError(t, <-stopped)
	completed.Wait()
	require.Equal(t, int64(0), p.InFlight())

	late := query.NewWaiting(record.TypeA, "late.epc.example", false)
	p.BeginQuery(late)
	waitQuery(t, late)
	require.True(t, late.Failed())
	require.Equal(t, ErrStopped.Error(), late.ErrorMessage())
}

func TestStopHonoursContext(t *testing.T) {
	udp := &fakeExchanger{handler: answerA("192.0.2.7", 60), block: make(chan struct{})}
	p := New(WithExchangers(udp, udp), WithTimeout(time.Second))
	require.NoError(t, p.AddNamedServer("192.0.2.53", 0, 0))
	require.NoError(t, p.ApplyNamedServers())
	p.Start()
	p.BeginQuery(query.New(record.TypeA, "stuck.epc.example", false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
}

func TestNamedServerManagement(t *testing.T) {
	p := New()

	require.ErrorIs(t, p.ApplyNamedServers(), ErrNoNamedServers)
	require.ErrorIs(t, p.AddNamedServer("not-an-ip", 0, 0), ErrInvalidNamedServer)

	err := p.AddNamedServers([]string{"192.0.2.1", "bad", "2001:db8::53", "worse"}, 0, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidNamedServer)
	require.Contains(t, err.Error(), `"bad"`)
	require.Contains(t, err.Error(), `"worse"`)

	// Pending changes are invisible until applied.
	require.Empty(t, p.NamedServers())
	require.NoError(t, p.ApplyNamedServers())

	servers := p.NamedServers()
	require.Len(t, servers, 2)
	require.Equal(t, 4, servers[0].Family)
	require.Equal(t, 6, servers[1].Family)
	require.Equal(t, uint16(DefaultPort), servers[1].TCPPort)

	require.NoError(t, p.AddNamedServer("192.0.2.1", 5353, 5353))
	require.True(t, p.RemoveNamedServer("2001:db8::53"))
	require.False(t, p.RemoveNamedServer("2001:db8::53"))
	require.NoError(t, p.ApplyNamedServers())

	servers = p.NamedServers()
	require.Len(t, servers, 1)
	require.Equal(t, uint16(5353), servers[0].UDPPort)
}

func TestLoopbackServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("epc.example.", func(w dns.ResponseWriter, r *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(r)
		resp.Answer = append(resp.Answer, &dns.SRV{
			Hdr:      dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 120},
			Priority: 10,
			Weight:   5,
			Port:     3868,
			Target:   "hss1.epc.example.",
		})
		resp.Extra = append(resp.Extra, &dns.A{
			Hdr: dns.RR_Header{Name: "hss1.epc.example.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 90},
			A:   net.ParseIP("192.0.2.20"),
		})
		_ = w.WriteMsg(resp)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
	p := New(WithTimeout(time.Second))
	require.NoError(t, p.AddNamedServer("127.0.0.1", port, port))
	require.NoError(t, p.ApplyNamedServers())
	p.Start()
	defer p.Stop(context.Background())

	q := query.NewWaiting(record.TypeSRV, "_diameter._tcp.epc.example", false)
	p.BeginQuery(q)
	waitQuery(t, q)

	require.False(t, q.Failed(), q.ErrorMessage())
	require.Len(t, q.Answers(), 1)
	require.Len(t, q.Additionals(), 1)
	require.Equal(t, uint16(3868), q.Answers()[0].(*record.SRV).Port)
	require.Equal(t, uint32(90), q.TTL())
}
