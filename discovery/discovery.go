// Package discovery announces the local endpoint on the link and
// observes peer announcements (§4.3): mDNS is the primary channel, with
// an optional BLE beacon as an advisory bootstrap only — Design Note 2
// in spec.md restricts BLE to a discovery beacon, never a data
// transport.
package discovery

import (
	"strconv"
	"sync"
	"time"

	"github.com/op/go-logging"
)

// ServiceType is the mDNS service type advertised and browsed (§4.3, §6).
const ServiceType = "_connected._udp"

// ServiceDomain is the mDNS domain searched.
const ServiceDomain = "local."

// ProtocolVersion is advertised in the TXT record's v= field.
const ProtocolVersion = "1"

// TLost is the eviction window: a DiscoveredDevice not renewed within
// this window is considered lost (§4.3, §5 timeouts).
const TLost = 30 * time.Second

// DiscoveredDevice is a candidate peer surfaced by discovery, before any
// trust or connectivity decision is made about it.
type DiscoveredDevice struct {
	DeviceID string
	Name     string
	Type     string
	IP       string
	Port     int
	LastSeen time.Time
}

// Callback mirrors the host callback set from §6.
type Callback struct {
	OnDeviceFound func(DiscoveredDevice)
	OnDeviceLost  func(deviceID string)
	OnError       func(error)
}

// Registry deduplicates sightings by device-id and evicts stale entries
// after TLost, independent of which channel (mDNS or BLE) supplied them.
type Registry struct {
	mu       sync.Mutex
	log      *logging.Logger
	cb       Callback
	byID     map[string]DiscoveredDevice
	byAddr   map[string]string // "ip:port" -> device-id, to detect address takeover
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRegistry constructs a Registry that invokes cb as devices are
// found, change address, or expire.
func NewRegistry(cb Callback, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.MustGetLogger("discovery")
	}
	return &Registry{
		log:    log,
		cb:     cb,
		byID:   map[string]DiscoveredDevice{},
		byAddr: map[string]string{},
		stopCh: make(chan struct{}),
	}
}

// Observe records a sighting of device (from mDNS or BLE). If a
// different device-id previously held this (ip, port), that previous
// device is evicted with Lost before the new one is announced with
// Found (§4.3 dedup rule).
func (r *Registry) Observe(dev DiscoveredDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrKey := addrKeyOf(dev.IP, dev.Port)
	if prevID, ok := r.byAddr[addrKey]; ok && prevID != dev.DeviceID {
		delete(r.byID, prevID)
		delete(r.byAddr, addrKey)
		if r.cb.OnDeviceLost != nil {
			r.cb.OnDeviceLost(prevID)
		}
	}

	prev, existed := r.byID[dev.DeviceID]
	dev.LastSeen = time.Now()
	r.byID[dev.DeviceID] = dev
	r.byAddr[addrKey] = dev.DeviceID

	// A first sighting, or an address or metadata change on an
	// already-known device-id, is announced as Found, matching "first
	// sighting or address change"; a plain renewal only refreshes LastSeen.
	changed := !existed || prev.IP != dev.IP || prev.Port != dev.Port ||
		prev.Name != dev.Name || prev.Type != dev.Type
	if changed && r.cb.OnDeviceFound != nil {
		r.cb.OnDeviceFound(dev)
	}
}

// StartEviction runs the TLost sweep until Stop is called.
func (r *Registry) StartEviction() {
	go func() {
		ticker := time.NewTicker(TLost / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, dev := range r.byID {
		if now.Sub(dev.LastSeen) >= TLost {
			delete(r.byID, id)
			delete(r.byAddr, addrKeyOf(dev.IP, dev.Port))
			if r.cb.OnDeviceLost != nil {
				r.cb.OnDeviceLost(id)
			}
		}
	}
}

// Stop halts the eviction sweep.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Devices returns a snapshot of currently-known discovered devices.
func (r *Registry) Devices() []DiscoveredDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DiscoveredDevice, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	return out
}

// Clear empties the registry without emitting Lost events — used by the
// host's clear_discovered_devices operation (§6), which is a UI reset,
// not a network event.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = map[string]DiscoveredDevice{}
	r.byAddr = map[string]string{}
}

func addrKeyOf(ip string, port int) string {
	return ip + ":" + strconv.Itoa(port)
}
