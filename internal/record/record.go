// Package record models the typed resource records held by a cached query.
//
// Records are immutable once constructed. Each carries the absolute time at
// which it expires, computed from its TTL at the moment it was obtained.
package record

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Type is a DNS resource record type.
type Type uint16

const (
	TypeA     = Type(dns.TypeA)
	TypeNS    = Type(dns.TypeNS)
	TypeCNAME = Type(dns.TypeCNAME)
	TypeSOA   = Type(dns.TypeSOA)
	TypeAAAA  = Type(dns.TypeAAAA)
	TypeSRV   = Type(dns.TypeSRV)
	TypeNAPTR = Type(dns.TypeNAPTR)
)

// ClassINET is the only class the cache issues queries for.
const ClassINET = dns.ClassINET

var ErrUnknownType = errors.New("record: unknown record type")

func (t Type) String() string {
	if s, ok := dns.TypeToString[uint16(t)]; ok {
		return s
	}
	return "TYPE" + strconv.Itoa(int(t))
}

// ParseType accepts a symbolic type name ("naptr", "AAAA") or the generic
// "TYPEnnn" form.
func ParseType(s string) (Type, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if t, ok := dns.StringToType[name]; ok {
		return Type(t), nil
	}
	if rest, ok := strings.CutPrefix(name, "TYPE"); ok {
		if n, err := strconv.ParseUint(rest, 10, 16); err == nil {
			return Type(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Header holds the fields shared by every record variant.
type Header struct {
	Name    string
	Type    Type
	Class   uint16
	TTL     uint32
	Expires time.Time
}

// NewHeader stamps the absolute expiration as now+ttl.
func NewHeader(name string, t Type, class uint16, ttl uint32, now time.Time) Header {
	return Header{
		Name:    name,
		Type:    t,
		Class:   class,
		TTL:     ttl,
		Expires: now.Add(time.Duration(ttl) * time.Second),
	}
}

// Hdr returns the record header.
func (h Header) Hdr() Header { return h }

func (h Header) prefix() string {
	return h.Name + "\t" + strconv.FormatUint(uint64(h.TTL), 10) + "\t" + dns.ClassToString[h.Class] + "\t" + h.Type.String() + "\t"
}

// Record is one of A, AAAA, CNAME, NS, SRV, NAPTR or Other.
type Record interface {
	Hdr() Header
	String() string
	isRecord()
}

type A struct {
	Header
	IP netip.Addr
}

type AAAA struct {
	Header
	IP netip.Addr
}

type CNAME struct {
	Header
	Target string
}

type NS struct {
	Header
	Host string
}

type SRV struct {
	Header
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

type NAPTR struct {
	Header
	Order       uint16
	Preference  uint16
	Flags       string
	Service     string
	Regexp      string
	Replacement string
}

// Other carries any record type the cache does not model explicitly
// (SOA in a negative answer, TXT, MX...). Data is the presentation form of
// the rdata.
type Other struct {
	Header
	Data string
}

func (*A) isRecord()     {}
func (*AAAA) isRecord()  {}
func (*CNAME) isRecord() {}
func (*NS) isRecord()    {}
func (*SRV) isRecord()   {}
func (*NAPTR) isRecord() {}
func (*Other) isRecord() {}

func (r *A) String() string     { return r.prefix() + r.IP.String() }
func (r *AAAA) String() string  { return r.prefix() + r.IP.String() }
func (r *CNAME) String() string { return r.prefix() + r.Target }
func (r *NS) String() string    { return r.prefix() + r.Host }
func (r *Other) String() string { return r.prefix() + r.Data }

func (r *SRV) String() string {
	return fmt.Sprintf("%s%d %d %d %s", r.prefix(), r.Priority, r.Weight, r.Port, r.Target)
}

func (r *NAPTR) String() string {
	return fmt.Sprintf("%s%d %d %q %q %q %s", r.prefix(), r.Order, r.Preference, r.Flags, r.Service, r.Regexp, r.Replacement)
}

func NewA(name string, ttl uint32, ip netip.Addr, now time.Time) *A {
	return &A{Header: NewHeader(name, TypeA, ClassINET, ttl, now), IP: ip}
}

func NewAAAA(name string, ttl uint32, ip netip.Addr, now time.Time) *AAAA {
	return &AAAA{Header: NewHeader(name, TypeAAAA, ClassINET, ttl, now), IP: ip}
}

func NewSRV(name string, ttl uint32, priority, weight, port uint16, target string, now time.Time) *SRV {
	return &SRV{
		Header:   NewHeader(name, TypeSRV, ClassINET, ttl, now),
		Priority: priority,
		Weight:   weight,
		Port:     port,
		Target:   target,
	}
}

func NewNAPTR(name string, ttl uint32, order, preference uint16, flags, service, regexp, replacement string, now time.Time) *NAPTR {
	return &NAPTR{
		Header:      NewHeader(name, TypeNAPTR, ClassINET, ttl, now),
		Order:       order,
		Preference:  preference,
		Flags:       flags,
		Service:     service,
		Regexp:      regexp,
		Replacement: replacement,
	}
}

// FromRR converts a wire record into its typed variant, stamping the
// expiration relative to now. OPT pseudo records are not records and are
// rejected.
func FromRR(rr dns.RR, now time.Time) (Record, bool) {
	if rr == nil {
		return nil, false
	}
	h := rr.Header()
	if h.Rrtype == dns.TypeOPT {
		return nil, false
	}
	hdr := NewHeader(h.Name, Type(h.Rrtype), h.Class, h.Ttl, now)

	switch v := rr.(type) {
	case *dns.A:
		ip, ok := netip.AddrFromSlice(v.A.To4())
		if !ok {
			return nil, false
		}
		return &A{Header: hdr, IP: ip}, true
	case *dns.AAAA:
		ip, ok := netip.AddrFromSlice(v.AAAA.To16())
		if !ok {
			return nil, false
		}
		return &AAAA{Header: hdr, IP: ip}, true
	case *dns.CNAME:
		return &CNAME{Header: hdr, Target: v.Target}, true
	case *dns.NS:
		return &NS{Header: hdr, Host: v.Ns}, true
	case *dns.SRV:
		return &SRV{Header: hdr, Priority: v.Priority, Weight: v.Weight, Port: v.Port, Target: v.Target}, true
	case *dns.NAPTR:
		return &NAPTR{
			Header:      hdr,
			Order:       v.Order,
			Preference:  v.Preference,
			Flags:       v.Flags,
			Service:     v.Service,
			Regexp:      v.Regexp,
			Replacement: v.Replacement,
		}, true
	default:
		data := strings.TrimPrefix(rr.String(), h.String())
		return &Other{Header: hdr, Data: data}, true
	}
}
