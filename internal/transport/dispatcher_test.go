package transport

import (
	"testing"

	"github.com/meshwire/meshcore/internal/wire"
)

func peer(t *testing.T, s string) wire.PeerID {
	t.Helper()
	id, err := wire.ParsePeerID(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return id
}

func setupBothCaps(d *Dispatcher, p wire.PeerID) {
	d.MarkReachable(p, Low)
	d.MarkReachable(p, HighBW)
	d.SetPeerCapabilities(p, []Kind{Low, HighBW})
}

func TestSelectTransport_SecurityUpgradeForcesHighBW(t *testing.T) {
	d := NewDispatcher()
	p := peer(t, "aaaaaaaaaaaa")
	setupBothCaps(d, p)
	d.SetBattery(nil, BatteryState{Level: 0.1})

	kind, err := d.SelectTransport(p, 11_000_000)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if kind != HighBW {
		t.Fatalf("expected HighBW for >10MB payload even on low battery, got %v", kind)
	}
}

func TestSelectTransport_SmallPayloadPrefersLow(t *testing.T) {
	d := NewDispatcher()
	p := peer(t, "aaaaaaaaaaaa")
	setupBothCaps(d, p)
	d.SetBattery(nil, BatteryState{Level: 0.9})

	kind, err := d.SelectTransport(p, 500)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if kind != Low {
		t.Fatalf("expected Low for small payload, got %v", kind)
	}
}

func TestSelectTransport_LowBatteryForcesLowWhenAvailable(t *testing.T) {
	d := NewDispatcher()
	p := peer(t, "aaaaaaaaaaaa")
	setupBothCaps(d, p)
	d.SetBattery(nil, BatteryState{Level: 0.2})

	kind, err := d.SelectTransport(p, 5_000)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if kind != Low {
		t.Fatalf("expected Low under 0.3 battery, got %v", kind)
	}
}

func TestSelectTransport_LargeAndBatteryOKUsesHighBW(t *testing.T) {
	d := NewDispatcher()
	p := peer(t, "aaaaaaaaaaaa")
	setupBothCaps(d, p)
	d.SetBattery(nil, BatteryState{Level: 0.9})

	kind, err := d.SelectTransport(p, 2_000_000)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if kind != HighBW {
		t.Fatalf("expected HighBW for large payload with good battery, got %v", kind)
	}
}

func TestSelectTransport_NoCapabilitiesErrors(t *testing.T) {
	d := NewDispatcher()
	p := peer(t, "aaaaaaaaaaaa")

	if _, err := d.SelectTransport(p, 100); err != ErrNoReachableTransport {
		t.Fatalf("expected ErrNoReachableTransport, got %v", err)
	}
}

func TestSelectTransport_OnlyLowCapableFallsBackToLow(t *testing.T) {
	d := NewDispatcher()
	p := peer(t, "aaaaaaaaaaaa")
	d.MarkReachable(p, Low)
	d.SetPeerCapabilities(p, []Kind{Low})
	d.SetBattery(nil, BatteryState{Level: 0.9})

	kind, err := d.SelectTransport(p, 2_000_000)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if kind != Low {
		t.Fatalf("expected fallback to Low when HighBW unavailable, got %v", kind)
	}
}
