package link

import (
	"fmt"
	"net"
	"sync"
)

// InterfaceTransport treats a host network interface as the link carrier.
// Association itself is left to the operating system; the interface counts
// as connected when it is up, running and holds a routable address.
type InterfaceTransport struct {
	name string

	mu    sync.Mutex
	begun bool

	lookup func(name string) (*net.Interface, error)
	addrs  func(iface *net.Interface) ([]net.Addr, error)
}

var _ Transport = (*InterfaceTransport)(nil)

// NewInterfaceTransport watches the named interface.
func NewInterfaceTransport(name string) *InterfaceTransport {
	return &InterfaceTransport{
		name:   name,
		lookup: net.InterfaceByName,
		addrs:  func(iface *net.Interface) ([]net.Addr, error) { return iface.Addrs() },
	}
}

// Begin checks that the interface exists and starts watching it.
func (t *InterfaceTransport) Begin(ssid, password string) error {
	if _, err := t.lookup(t.name); err != nil {
		return fmt.Errorf("failed to find interface %s: %w", t.name, err)
	}
	t.mu.Lock()
	t.begun = true
	t.mu.Unlock()
	return nil
}

// Status reports the interface carrier state.
func (t *InterfaceTransport) Status() TransportStatus {
	t.mu.Lock()
	begun := t.begun
	t.mu.Unlock()
	if !begun {
		return StatusIdle
	}

	iface, err := t.lookup(t.name)
	if err != nil {
		return StatusNoSSID
	}
	if iface.Flags&net.FlagUp == 0 {
		return StatusDisconnected
	}
	if iface.Flags&net.FlagRunning == 0 {
		return StatusConnectionLost
	}

	addrs, err := t.addrs(iface)
	if err != nil {
		return StatusConnectionLost
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return StatusConnected
	}
	return StatusIdle
}

// Disconnect stops watching until the next Begin.
func (t *InterfaceTransport) Disconnect() error {
	t.mu.Lock()
	t.begun = false
	t.mu.Unlock()
	return nil
}
