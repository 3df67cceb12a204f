// Package processor owns the resolver channel and the goroutine that turns
// upstream responses into completed queries.
//
// BeginQuery may be called from any goroutine. Completion always happens on
// the processor's own goroutine, one query at a time, so callbacks run
// serially and never concurrently with each other.
package processor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"

	"sigdns/internal/obs"
	"sigdns/internal/query"
	"sigdns/internal/record"
)

// Exchanger sends a single DNS message to address. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

type event struct {
	q     *query.Query
	resp  *dns.Msg
	err   error
	start time.Time
}

type Processor struct {
	logger  *slog.Logger
	clock   clock.Clock
	metrics *obs.Metrics
	timeout time.Duration

	pendingMu sync.Mutex
	pending   []NamedServer

	// resolver channel
	chanMu  sync.Mutex
	servers []NamedServer
	udp     Exchanger
	tcp     Exchanger

	// closed is set under the write lock once the loop has drained, so no
	// BeginQuery can slip in after the last event was read.
	lifeMu   sync.RWMutex
	closed   bool
	inflight atomic.Int64

	events   chan event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
}

func New(opts ...Option) *Processor {
	p := &Processor{
		logger:  slog.Default(),
		clock:   clock.New(),
		timeout: defaultTimeout,
		events:  make(chan event, eventBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.udp == nil {
		p.udp = &dns.Client{Net: "udp", Timeout: p.timeout, UDPSize: ednsUDPSize}
	}
	if p.tcp == nil {
		p.tcp = &dns.Client{Net: "tcp", Timeout: p.timeout}
	}
	return p
}

// Start launches the processing goroutine. Calling it twice is a no-op.
func (p *Processor) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run()
}

// Stop waits for every in-flight query to complete, then ends the
// processing goroutine. It returns ctx.Err() if ctx ends first.
func (p *Processor) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	if !p.started.Load() {
		p.lifeMu.Lock()
		p.closed = true
		p.lifeMu.Unlock()
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight reports the number of queries begun but not yet completed.
func (p *Processor) InFlight() int64 {
	return p.inflight.Load()
}

// BeginQuery sends q to the active named servers. q is completed later on
// the processor goroutine, with its error flag set if resolution failed.
func (p *Processor) BeginQuery(q *query.Query) {
	p.lifeMu.RLock()
	if p.closed {
		p.lifeMu.RUnlock()
		q.SetError(ErrStopped.Error())
		q.Complete(false)
		return
	}
	p.inflight.Add(1)
	p.lifeMu.RUnlock()
	p.metrics.InFlight(1)

	p.chanMu.Lock()
	servers := p.servers
	udp, tcp := p.udp, p.tcp
	p.chanMu.Unlock()

	start := p.clock.Now()
	go func() {
		resp, err := p.exchange(q, servers, udp, tcp)
		p.events <- event{q: q, resp: resp, err: err, start: start}
	}()
}

func (p *Processor) exchange(q *query.Query, servers []NamedServer, udp, tcp Exchanger) (*dns.Msg, error) {
	if len(servers) == 0 {
		return nil, ErrNoNamedServers
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(q.Domain()), uint16(q.Type()))
	m.RecursionDesired = true
	m.SetEdns0(ednsUDPSize, false)

	var lastErr error
	for _, s := range servers {
		resp, err := p.exchangeOne(m, s, udp, tcp)
		if err == nil {
			return resp, nil
		}
		p.logger.Debug("named server exchange failed", "server", s.Address.String(), "query", q.Key().String(), "error", err)
		lastErr = err
	}
	return nil, lastErr
}

func (p *Processor) exchangeOne(m *dns.Msg, s NamedServer, udp, tcp Exchanger) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	resp, _, err := udp.ExchangeContext(ctx, m, s.udpAddr())
	if err == nil && resp != nil && resp.Truncated {
		resp, _, err = tcp.ExchangeContext(ctx, m, s.tcpAddr())
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}

func (p *Processor) run() {
	defer close(p.done)
	stop := p.stop
	stopping := false
	for {
		if stopping && p.tryClose() {
			p.logger.Info("processor stopped")
			return
		}
		select {
		case ev := <-p.events:
			p.complete(ev)
		case <-stop:
			stopping = true
			stop = nil
		}
	}
}

func (p *Processor) tryClose() bool {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.inflight.Load() != 0 {
		return false
	}
	p.closed = true
	return true
}

func (p *Processor) complete(ev event) {
	q := ev.q
	now := p.clock.Now()

	switch {
	case ev.err != nil:
		q.SetError(ev.err.Error())
	case ev.resp.Rcode != dns.RcodeSuccess:
		q.SetError(dns.RcodeToString[ev.resp.Rcode])
	default:
		for _, rr := range ev.resp.Answer {
			if r, ok := record.FromRR(rr, now); ok {
				q.AddAnswer(r)
			}
		}
		for _, rr := range ev.resp.Ns {
			if r, ok := record.FromRR(rr, now); ok {
				q.AddAuthority(r)
			}
		}
		for _, rr := range ev.resp.Extra {
			if r, ok := record.FromRR(rr, now); ok {
				q.AddAdditional(r)
			}
		}
		q.LimitEmpty(emptyResponseTTL, now)
	}

	p.metrics.ObserveResolution(q.Failed(), p.clock.Since(ev.start))
	if q.Failed() {
		p.logger.Debug("query failed", "query", q.Key().String(), "error", q.ErrorMessage())
	}

	p.deliver(q)
	p.endQuery()
}

// deliver runs the completion, keeping a panicking callback from taking the
// processor goroutine down with it.
func (p *Processor) deliver(q *query.Query) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("query callback panicked", "query", q.Key().String(), "panic", r)
		}
	}()
	q.Complete(false)
}

func (p *Processor) endQuery() {
	p.inflight.Add(-1)
	p.metrics.InFlight(-1)
}
