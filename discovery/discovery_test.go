package discovery

import "testing"

func TestObserveEmitsFoundOnce(t *testing.T) {
	var found []string
	reg := NewRegistry(Callback{
		OnDeviceFound: func(d DiscoveredDevice) { found = append(found, d.DeviceID) },
	}, nil)

	dev := DiscoveredDevice{DeviceID: "dev-1", Name: "Phone", IP: "10.0.0.5", Port: 44444}
	reg.Observe(dev)
	if len(found) != 1 {
		t.Fatalf("expected exactly one Found for first sighting, got %d", len(found))
	}
}

func TestAddressTakeoverEmitsLostThenFound(t *testing.T) {
	var lost []string
	var found []string
	reg := NewRegistry(Callback{
		OnDeviceFound: func(d DiscoveredDevice) { found = append(found, d.DeviceID) },
		OnDeviceLost:  func(id string) { lost = append(lost, id) },
	}, nil)

	reg.Observe(DiscoveredDevice{DeviceID: "dev-old", IP: "10.0.0.5", Port: 44444})
	reg.Observe(DiscoveredDevice{DeviceID: "dev-new", IP: "10.0.0.5", Port: 44444})

	if len(lost) != 1 || lost[0] != "dev-old" {
		t.Fatalf("expected dev-old to be evicted on address takeover, got %v", lost)
	}
	if len(found) != 2 || found[1] != "dev-new" {
		t.Fatalf("expected dev-new to be announced found, got %v", found)
	}
}

func TestClearDoesNotEmitLost(t *testing.T) {
	var lost []string
	reg := NewRegistry(Callback{
		OnDeviceLost: func(id string) { lost = append(lost, id) },
	}, nil)
	reg.Observe(DiscoveredDevice{DeviceID: "dev-1", IP: "10.0.0.5", Port: 1})
	reg.Clear()
	if len(lost) != 0 {
		t.Fatal("expected Clear to be silent, not emit Lost events")
	}
	if len(reg.Devices()) != 0 {
		t.Fatal("expected Clear to empty the registry")
	}
}
