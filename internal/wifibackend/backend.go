// Package wifibackend defines the capability interface (spec §4.D) that the
// state machine drives, and the two host daemon transports that implement
// it (nm, iwd), following the teacher's shape of declaring a narrow
// interface next to the thing that drives it (see
// internal/dhcpd.DHCPServer in the teacher) rather than exposing daemon
// internals to callers.
package wifibackend

import (
	"context"

	"github.com/ohx-io/wifi-connect/internal/wifitypes"
)

// Backend is implemented by each supported host Wi-Fi daemon (nm, iwd) and
// by the in-memory fake used in tests. Every method maps to one operation
// of spec §4.D.
type Backend interface {
	// EnableNetworkingAndWifi makes sure both networking and the wireless
	// radio are switched on before anything else is attempted.
	EnableNetworkingAndWifi(ctx context.Context) error

	// ScanNetworks requests a fresh scan and returns the networks visible
	// afterward. Returns wifitypes.ErrNotInStationMode if the device is
	// currently running the hotspot.
	ScanNetworks(ctx context.Context) ([]wifitypes.WifiConnection, error)

	// State returns the device's current link state.
	State(ctx context.Context) (wifitypes.NetworkManagerState, error)

	// ListAccessPoints returns every access point the device currently
	// sees, without forcing a new scan.
	ListAccessPoints(ctx context.Context) ([]wifitypes.WifiConnection, error)

	// AccessPoint looks up one access point by SSID. When hw is non-empty,
	// only an access point with that hw matches.
	AccessPoint(ctx context.Context, ssid wifitypes.SSID, hw wifitypes.HWAddr) (wifitypes.WifiConnection, bool, error)

	// ConnectTo activates a connection to ssid using creds, reusing an
	// existing connection profile per the rules of §4.D, and returns once
	// the connection reaches ConnectionActivated or fails.
	ConnectTo(
		ctx context.Context,
		ssid wifitypes.SSID,
		hw wifitypes.HWAddr,
		creds wifitypes.AccessPointCredentials,
	) (wifitypes.ActiveConnection, error)

	// TryAutoConnect waits for the daemon to bring up a known connection
	// profile on its own, without specifying an SSID, and reports whether
	// the link came up before the caller's context is done. It does not
	// change the daemon's auto-connect settings.
	TryAutoConnect(ctx context.Context) (bool, error)

	// HotspotStart activates the portal's own access point with the given
	// SSID and credentials, reusing the well-known hotspot connection UUID
	// (§6 "Persistent state") if present, and returns once the hotspot is
	// Activated or wifitypes.ErrHotspotFailed.
	HotspotStart(ctx context.Context, ssid wifitypes.SSID, creds wifitypes.AccessPointCredentials) error

	// DeactivateHotspots deactivates every active connection using the
	// well-known hotspot UUID, ignoring ones that are not currently
	// active.
	DeactivateHotspots(ctx context.Context) error

	// WaitForConnectivity blocks until the device's link state reports
	// IsConnected or ctx is done.
	WaitForConnectivity(ctx context.Context) error

	// OnHotspotStopped returns a channel that receives when the hotspot
	// stops being active, whether the daemon tore it down (e.g. the user
	// associated, the daemon decided to reconfigure) or DeactivateHotspots
	// did. The channel is closed when ctx is done.
	OnHotspotStopped(ctx context.Context) <-chan struct{}

	// AccessPointEvents returns the merged access-point-added/-removed
	// stream described by §4.G. The channel is closed when ctx is done.
	AccessPointEvents(ctx context.Context) (<-chan wifitypes.WifiConnectionEvent, error)
}
