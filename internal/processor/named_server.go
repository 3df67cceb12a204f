package processor

import (
	"fmt"
	"net/netip"
	"strconv"

	"go.uber.org/multierr"
)

// NamedServer is an upstream resolver endpoint.
type NamedServer struct {
	Address netip.Addr
	Family  int
	UDPPort uint16
	TCPPort uint16
}

func (s NamedServer) udpAddr() string {
	return netip.AddrPortFrom(s.Address, s.UDPPort).String()
}

func (s NamedServer) tcpAddr() string {
	return netip.AddrPortFrom(s.Address, s.TCPPort).String()
}

func (s NamedServer) String() string {
	return s.Address.String() + " udp/" + strconv.Itoa(int(s.UDPPort)) + " tcp/" + strconv.Itoa(int(s.TCPPort))
}

func newNamedServer(address string, udpPort, tcpPort uint16) (NamedServer, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return NamedServer{}, fmt.Errorf("%w: %q: %v", ErrInvalidNamedServer, address, err)
	}
	addr = addr.Unmap()
	if udpPort == 0 {
		udpPort = DefaultPort
	}
	if tcpPort == 0 {
		tcpPort = DefaultPort
	}
	family := 4
	if addr.Is6() {
		family = 6
	}
	return NamedServer{Address: addr, Family: family, UDPPort: udpPort, TCPPort: tcpPort}, nil
}

// AddNamedServer adds or replaces a pending named server. A zero port
// selects DefaultPort. Pending changes take effect on ApplyNamedServers.
func (p *Processor) AddNamedServer(address string, udpPort, tcpPort uint16) error {
	ns, err := newNamedServer(address, udpPort, tcpPort)
	if err != nil {
		return err
	}

	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for i, existing := range p.pending {
		if existing.Address == ns.Address {
			p.pending[i] = ns
			return nil
		}
	}
	p.pending = append(p.pending, ns)
	return nil
}

// AddNamedServers adds every address with the same ports and reports all
// invalid entries together.
func (p *Processor) AddNamedServers(addresses []string, udpPort, tcpPort uint16) error {
	var errs error
	for _, address := range addresses {
		errs = multierr.Append(errs, p.AddNamedServer(address, udpPort, tcpPort))
	}
	return errs
}

// RemoveNamedServer drops a pending named server. It reports whether the
// address was present.
func (p *Processor) RemoveNamedServer(address string) bool {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for i, existing := range p.pending {
		if existing.Address == addr {
			p.pending = append(p.pending[:i:i], p.pending[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyNamedServers atomically replaces the active server list of the
// resolver channel with the pending set.
func (p *Processor) ApplyNamedServers() error {
	p.pendingMu.Lock()
	servers := append([]NamedServer(nil), p.pending...)
	p.pendingMu.Unlock()

	if len(servers) == 0 {
		return ErrNoNamedServers
	}

	p.chanMu.Lock()
	p.servers = servers
	p.chanMu.Unlock()

	p.logger.Info("named servers applied", "count", len(servers))
	return nil
}

// NamedServers returns the active server list.
func (p *Processor) NamedServers() []NamedServer {
	p.chanMu.Lock()
	defer p.chanMu.Unlock()
	return append([]NamedServer(nil), p.servers...)
}
