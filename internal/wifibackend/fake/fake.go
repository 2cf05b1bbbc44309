// Package fake is an in-memory wifibackend.Backend used by the state
// machine and portal tests, the way the teacher's dhcpd/dnsforward tests
// drive a bare v4Server/proxy directly instead of a real NIC — here the
// equivalent is a Backend with no daemon behind it at all.
package fake

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ohx-io/wifi-connect/internal/wifitypes"
)

// Backend is a fully in-memory, single-goroutine-safe implementation of
// wifibackend.Backend.
type Backend struct {
	mu sync.Mutex

	enabled       bool
	state         wifitypes.NetworkManagerState
	aps           map[string]wifitypes.WifiConnection // keyed by SSID string
	hotspotActive bool
	hotspotSSID   wifitypes.SSID

	// AutoConnectResult is returned by TryAutoConnect.
	AutoConnectResult bool

	// ConnectErr, when non-nil, is returned by ConnectTo instead of
	// succeeding.
	ConnectErr error

	// HotspotErr, when non-nil, is returned by HotspotStart instead of
	// succeeding.
	HotspotErr error

	hotspotStopped []chan struct{}
	events         []chan wifitypes.WifiConnectionEvent
}

// New returns an empty fake backend, initially disconnected.
func New() *Backend {
	return &Backend{
		state: wifitypes.LinkDisconnected,
		aps:   map[string]wifitypes.WifiConnection{},
	}
}

// EnableNetworkingAndWifi implements wifibackend.Backend.
func (b *Backend) EnableNetworkingAndWifi(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.enabled = true

	return nil
}

// SetAccessPoints replaces the visible access point set and notifies every
// AccessPointEvents subscriber of the diff.
func (b *Backend) SetAccessPoints(aps []wifitypes.WifiConnection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[string]wifitypes.WifiConnection, len(aps))
	for _, ap := range aps {
		next[ap.SSID.String()] = ap
	}

	for key, ap := range b.aps {
		if _, ok := next[key]; !ok {
			b.broadcastLocked(wifitypes.WifiConnectionEvent{Kind: wifitypes.EventRemoved, Connection: ap})
		}
	}

	for key, ap := range next {
		if _, ok := b.aps[key]; !ok {
			b.broadcastLocked(wifitypes.WifiConnectionEvent{Kind: wifitypes.EventAdded, Connection: ap})
		}
	}

	b.aps = next
}

func (b *Backend) broadcastLocked(ev wifitypes.WifiConnectionEvent) {
	for _, ch := range b.events {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ScanNetworks implements wifibackend.Backend.
func (b *Backend) ScanNetworks(_ context.Context) ([]wifitypes.WifiConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hotspotActive {
		return nil, wifitypes.ErrNotInStationMode
	}

	return b.listLocked(), nil
}

// State implements wifibackend.Backend.
func (b *Backend) State(_ context.Context) (wifitypes.NetworkManagerState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state, nil
}

// SetState sets the link state reported by State and WaitForConnectivity.
func (b *Backend) SetState(s wifitypes.NetworkManagerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = s
}

// ListAccessPoints implements wifibackend.Backend.
func (b *Backend) ListAccessPoints(_ context.Context) ([]wifitypes.WifiConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.listLocked(), nil
}

func (b *Backend) listLocked() []wifitypes.WifiConnection {
	out := make([]wifitypes.WifiConnection, 0, len(b.aps))
	for _, ap := range b.aps {
		out = append(out, ap)
	}

	return out
}

// AccessPoint implements wifibackend.Backend.
func (b *Backend) AccessPoint(
	_ context.Context,
	ssid wifitypes.SSID,
	hw wifitypes.HWAddr,
) (wifitypes.WifiConnection, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ap, ok := b.aps[ssid.String()]
	if !ok {
		return wifitypes.WifiConnection{}, false, nil
	}

	if hw != "" && ap.HW != hw {
		return wifitypes.WifiConnection{}, false, nil
	}

	return ap, true, nil
}

// ConnectTo implements wifibackend.Backend.
func (b *Backend) ConnectTo(
	_ context.Context,
	ssid wifitypes.SSID,
	_ wifitypes.HWAddr,
	_ wifitypes.AccessPointCredentials,
) (wifitypes.ActiveConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ConnectErr != nil {
		return wifitypes.ActiveConnection{}, b.ConnectErr
	}

	b.state = wifitypes.LinkConnected

	return wifitypes.ActiveConnection{
		ConnectionID:       ssid.String(),
		ActiveConnectionID: uuid.NewString(),
		State:              wifitypes.ConnectionActivated,
	}, nil
}

// TryAutoConnect implements wifibackend.Backend.
func (b *Backend) TryAutoConnect(_ context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.AutoConnectResult {
		b.state = wifitypes.LinkConnected
	}

	return b.AutoConnectResult, nil
}

// HotspotStart implements wifibackend.Backend.
func (b *Backend) HotspotStart(_ context.Context, ssid wifitypes.SSID, _ wifitypes.AccessPointCredentials) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.HotspotErr != nil {
		return b.HotspotErr
	}

	b.hotspotActive = true
	b.hotspotSSID = ssid
	b.state = wifitypes.LinkConnected

	return nil
}

// DeactivateHotspots implements wifibackend.Backend.
func (b *Backend) DeactivateHotspots(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hotspotActive {
		b.hotspotActive = false
		b.notifyHotspotStoppedLocked()
	}

	return nil
}

// StopHotspotExternally simulates the daemon tearing the hotspot down on
// its own (e.g. because the user associated), distinct from
// DeactivateHotspots.
func (b *Backend) StopHotspotExternally() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.hotspotActive = false
	b.notifyHotspotStoppedLocked()
}

func (b *Backend) notifyHotspotStoppedLocked() {
	for _, ch := range b.hotspotStopped {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	b.hotspotStopped = nil
}

// WaitForConnectivity implements wifibackend.Backend.
func (b *Backend) WaitForConnectivity(ctx context.Context) error {
	for {
		b.mu.Lock()
		connected := b.state.IsConnected()
		b.mu.Unlock()

		if connected {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// OnHotspotStopped implements wifibackend.Backend.
func (b *Backend) OnHotspotStopped(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	b.hotspotStopped = append(b.hotspotStopped, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		defer b.mu.Unlock()

		for i, c := range b.hotspotStopped {
			if c == ch {
				b.hotspotStopped = append(b.hotspotStopped[:i], b.hotspotStopped[i+1:]...)
				break
			}
		}

		close(ch)
	}()

	return ch
}

// AccessPointEvents implements wifibackend.Backend.
func (b *Backend) AccessPointEvents(ctx context.Context) (<-chan wifitypes.WifiConnectionEvent, error) {
	ch := make(chan wifitypes.WifiConnectionEvent, 32)

	b.mu.Lock()
	b.events = append(b.events, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		defer b.mu.Unlock()

		for i, c := range b.events {
			if c == ch {
				b.events = append(b.events[:i], b.events[i+1:]...)
				break
			}
		}

		close(ch)
	}()

	return ch, nil
}
