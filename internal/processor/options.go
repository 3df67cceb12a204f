package processor

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"sigdns/internal/obs"
)

// Option is a functional option for configuring the Processor.
type Option func(*Processor)

// WithExchangers replaces the UDP and TCP clients used to talk to named
// servers. This is primarily used for testing with fake exchangers.
func WithExchangers(udp, tcp Exchanger) Option {
	return func(p *Processor) {
		p.udp = udp
		p.tcp = tcp
	}
}

// WithTimeout sets the per-server exchange timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClock sets the clock used to stamp record expirations.
func WithClock(c clock.Clock) Option {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}
