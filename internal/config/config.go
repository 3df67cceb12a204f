package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	// Servers are named servers as address[@udp[/tcp]].
	Servers []string
	Timeout time.Duration

	RefreshMaxConcurrent int64
	RefreshPercent       int
	RefreshInterval      time.Duration

	SaveFile      string
	SaveFrequency time.Duration
	LoadOnStart   bool

	Coalesce bool

	AdminAddr       string
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string
}

func Default() Config {
	return Config{
		Servers:              []string{"127.0.0.1"},
		Timeout:              2 * time.Second,
		RefreshMaxConcurrent: 20,
		RefreshPercent:       10,
		RefreshInterval:      60 * time.Second,
		SaveFrequency:        5 * time.Minute,
		LoadOnStart:          true,
		AdminAddr:            ":8080",
		ShutdownTimeout:      10 * time.Second,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// BindFlags registers every setting on fs. It does not parse.
func BindFlags(fs *flag.FlagSet, cfg *Config) {
	if fs == nil || cfg == nil {
		return
	}

	fs.Func("servers", "comma-separated named servers, address[@udp[/tcp]] (default "+strings.Join(cfg.Servers, ",")+")", func(v string) error {
		cfg.Servers = splitComma(v)
		return nil
	})
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-server query timeout")
	fs.Int64Var(&cfg.RefreshMaxConcurrent, "refresh-max-concurrent", cfg.RefreshMaxConcurrent, "maximum refresh queries in flight")
	fs.IntVar(&cfg.RefreshPercent, "refresh-percent", cfg.RefreshPercent, "refresh entries with at most this percent of their TTL left")
	fs.DurationVar(&cfg.RefreshInterval, "refresh-interval", cfg.RefreshInterval, "refresh pass interval")
	fs.StringVar(&cfg.SaveFile, "save-file", cfg.SaveFile, "file the cached query list is saved to and loaded from")
	fs.DurationVar(&cfg.SaveFrequency, "save-frequency", cfg.SaveFrequency, "how often the query list is saved")
	fs.BoolVar(&cfg.LoadOnStart, "load-on-start", cfg.LoadOnStart, "resolve the saved query list at startup")
	fs.BoolVar(&cfg.Coalesce, "coalesce", cfg.Coalesce, "share one resolution between concurrent misses on the same key")
	fs.StringVar(&cfg.AdminAddr, "admin", cfg.AdminAddr, "admin HTTP listen address, empty to disable")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "time allowed for draining on shutdown")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json, text)")
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs error
	if len(c.Servers) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: at least one named server is required", ErrInvalid))
	}
	for _, s := range c.Servers {
		if _, err := ParseServer(s); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if c.Timeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: timeout must be positive", ErrInvalid))
	}
	if c.RefreshMaxConcurrent <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: refresh-max-concurrent must be positive", ErrInvalid))
	}
	if c.RefreshPercent < 0 || c.RefreshPercent > 100 {
		errs = multierr.Append(errs, fmt.Errorf("%w: refresh-percent must be within 0..100", ErrInvalid))
	}
	if c.RefreshInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: refresh-interval must be positive", ErrInvalid))
	}
	if c.SaveFile != "" && c.SaveFrequency <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: save-frequency must be positive when save-file is set", ErrInvalid))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = multierr.Append(errs, fmt.Errorf("%w: log-format %q", ErrInvalid, c.LogFormat))
	}
	return errs
}

// Server is a parsed named-server entry. A zero port means the default.
type Server struct {
	Address string
	UDPPort uint16
	TCPPort uint16
}

// ParseServer parses address[@udp[/tcp]]. The TCP port defaults to the
// UDP port when only the latter is given.
func ParseServer(entry string) (Server, error) {
	address, ports, hasPorts := strings.Cut(strings.TrimSpace(entry), "@")
	if address == "" {
		return Server{}, fmt.Errorf("%w: server %q: empty address", ErrInvalid, entry)
	}
	s := Server{Address: address}
	if !hasPorts {
		return s, nil
	}

	udp, tcp, hasTCP := strings.Cut(ports, "/")
	var err error
	if s.UDPPort, err = parsePort(udp); err != nil {
		return Server{}, fmt.Errorf("%w: server %q: udp port: %v", ErrInvalid, entry, err)
	}
	s.TCPPort = s.UDPPort
	if hasTCP {
		if s.TCPPort, err = parsePort(tcp); err != nil {
			return Server{}, fmt.Errorf("%w: server %q: tcp port: %v", ErrInvalid, entry, err)
		}
	}
	return s, nil
}

func parsePort(v string) (uint16, error) {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("port must be non-zero")
	}
	return uint16(n), nil
}

func splitComma(value string) []string {
	raw := strings.Split(value, ",")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
