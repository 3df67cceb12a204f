package processor

import (
	"errors"
	"time"
)

const (
	// DefaultPort is used when a named server is added with a zero port.
	DefaultPort = 53

	defaultTimeout = 2 * time.Second
	ednsUDPSize    = 4096
	eventBuffer    = 256

	// emptyResponseTTL bounds how long a NOERROR reply with no records
	// (NODATA without an SOA) stays cached, in seconds.
	emptyResponseTTL = 60
)

var (
	ErrNoNamedServers     = errors.New("processor: no named servers configured")
	ErrInvalidNamedServer = errors.New("processor: invalid named server address")
	ErrStopped            = errors.New("processor: stopped")
	ErrEmptyResponse      = errors.New("processor: empty response")
)
