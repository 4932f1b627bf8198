package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drep-project/overlay/p2p/types"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

// upnpConnection is the slice of the generated IGD client discovery.Manager
// needs: add/delete a port mapping and read back the gateway's external IP.
type upnpConnection interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddress() (string, error)
}

// upnpMapper owns one IGD port mapping and its renewal loop: mappings are
// renewed at half their lease, three
// consecutive renewal failures force a full re-map, complete failure
// calls Restarter.RequestRestart.
type upnpMapper struct {
	conn         upnpConnection
	proto        string
	port         uint16
	externalPort uint16
	lease        time.Duration
	restart      Restarter

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
}

const defaultUPnPLease = 2 * time.Hour

// igdDiscoverer runs SSDP discovery for WANIPConnection1 services through
// goupnp's internetgateway2 package and returns the first client found;
// WANIPConnection2 and WANPPPConnection services are not tried. A package variable so tests can substitute a fake gateway
// instead of performing real SSDP multicast discovery.
var igdDiscoverer = func(ctx context.Context) (upnpConnection, error) {
	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("discovery: no UPnP IGD found")
	}
	return clients[0], nil
}

// mapUPnP discovers an IGD and maps externalPort for this Manager's
// protocol to our local listening port, starting the renewal loop on
// success.
func (m *Manager) mapUPnP(ctx context.Context, externalPort uint16) (bool, error) {
	conn, err := igdDiscoverer(ctx)
	if err != nil {
		return false, err
	}
	proto := "UDP"
	if m.protocol == types.ProtocolTCP {
		proto = "TCP"
	}

	mapper := &upnpMapper{
		conn:         conn,
		proto:        proto,
		port:         m.listenPort,
		externalPort: externalPort,
		lease:        defaultUPnPLease,
		restart:      m.restarter,
		stopCh:       make(chan struct{}),
	}
	if err := mapper.add(); err != nil {
		return false, err
	}
	m.mu.Lock()
	m.upnp = mapper
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		mapper.renewLoop()
	}()
	return true, nil
}

func (u *upnpMapper) add() error {
	return u.conn.AddPortMapping("", u.externalPort, u.proto, u.port, "", true, "overlay node", uint32(u.lease/time.Second))
}

// renewLoop renews the mapping at half its lease. After
// three consecutive failures it attempts one full re-map; if that also
// fails it requests a network restart.
func (u *upnpMapper) renewLoop() {
	t := time.NewTicker(u.lease / 2)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-u.stopCh:
			return
		case <-t.C:
			if err := u.add(); err != nil {
				failures++
				if failures >= 3 {
					if err := u.add(); err != nil {
						if u.restart != nil {
							u.restart.RequestRestart()
						}
						return
					}
					failures = 0
				}
				continue
			}
			failures = 0
		}
	}
}

func (u *upnpMapper) stop() {
	u.stopOnce.Do(func() { close(u.stopCh) })
	_ = u.conn.DeletePortMapping("", u.externalPort, u.proto)
}
