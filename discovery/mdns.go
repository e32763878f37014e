package discovery

import (
	"context"
	"fmt"

	"github.com/libp2p/zeroconf/v2"
	"github.com/op/go-logging"
)

// Announcer advertises {device-id, name, type, port} via mDNS under
// ServiceType, with TXT records id=/name=/type=/v= (§4.3, §6).
type Announcer struct {
	server *zeroconf.Server
	log    *logging.Logger
}

// Announce registers the local mDNS service. The returned Announcer
// must be Closed on shutdown.
func Announce(deviceID, name, deviceType string, port int, log *logging.Logger) (*Announcer, error) {
	if log == nil {
		log = logging.MustGetLogger("discovery")
	}
	txt := []string{
		"id=" + deviceID,
		"name=" + name,
		"type=" + deviceType,
		"v=" + ProtocolVersion,
	}
	server, err := zeroconf.Register(deviceID, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("bind-failed: mdns register: %w", err)
	}
	return &Announcer{server: server, log: log}, nil
}

// Close stops advertising.
func (a *Announcer) Close() {
	if a.server != nil {
		a.server.Shutdown()
	}
}

// Browse listens for mDNS announcements until ctx is done, feeding every
// sighting into registry.
func Browse(ctx context.Context, registry *Registry, log *logging.Logger) error {
	if log == nil {
		log = logging.MustGetLogger("discovery")
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			dev, ok := deviceFromEntry(entry)
			if !ok {
				continue
			}
			registry.Observe(dev)
		}
	}()
	if err := zeroconf.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return fmt.Errorf("transport-error: mdns browse: %w", err)
	}
	return nil
}

func deviceFromEntry(entry *zeroconf.ServiceEntry) (DiscoveredDevice, bool) {
	fields := map[string]string{}
	for _, kv := range entry.Text {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				fields[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	id, ok := fields["id"]
	if !ok || id == "" {
		return DiscoveredDevice{}, false
	}
	ip := ""
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return DiscoveredDevice{}, false
	}
	return DiscoveredDevice{
		DeviceID: id,
		Name:     fields["name"],
		Type:     fields["type"],
		IP:       ip,
		Port:     entry.Port,
	}, true
}
