// Package iwd implements wifibackend.Backend against iwd
// (net.connman.iwd), the lighter-weight alternative to NetworkManager,
// following the same "one struct wraps one *dbus.Conn" shape as
// internal/wifibackend/nm.
package iwd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/godbus/dbus/v5"

	"github.com/ohx-io/wifi-connect/internal/wifibackend"
	"github.com/ohx-io/wifi-connect/internal/wifitypes"
)

const (
	busName        = "net.connman.iwd"
	rootPath       = dbus.ObjectPath("/")
	ifaceStation   = "net.connman.iwd.Station"
	ifaceDevice    = "net.connman.iwd.Device"
	ifaceNetwork   = "net.connman.iwd.Network"
	ifaceAP        = "net.connman.iwd.AccessPoint"
	ifaceKnownNet  = "net.connman.iwd.KnownNetwork"
	ifaceAgent     = "net.connman.iwd.SimpleConfigurationAgent"
	ifaceObjMgr    = "org.freedesktop.DBus.ObjectManager"
	ifaceProps     = "org.freedesktop.DBus.Properties"
)

// Backend talks to a running iwd over the system bus.
type Backend struct {
	conn      *dbus.Conn
	signals   *wifibackend.SignalStream
	devicePth dbus.ObjectPath
	ifaceName string
	hw        wifitypes.HWAddr
}

var _ wifibackend.Backend = (*Backend)(nil)

// New connects to the system bus and locates the managed station-mode
// device named iface, or the first one found if iface is empty.
func New(ctx context.Context, iface string) (*Backend, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("iwd: connecting to system bus: %w", err)
	}

	b := &Backend{conn: conn, signals: wifibackend.NewSignalStream(conn)}

	devPath, devIface, err := b.findDevice(ctx, iface)
	if err != nil {
		conn.Close()

		return nil, err
	}

	b.devicePth = devPath
	b.ifaceName = devIface

	if addr, err := b.getStringProperty(ctx, devPath, ifaceDevice, "Address"); err == nil {
		b.hw = wifitypes.HWAddr(strings.ToLower(addr))
	}

	log.Debug("iwd: using device %s (%s), hw %s", devIface, devPath, b.hw)

	return b, nil
}

func (b *Backend) obj(path dbus.ObjectPath) dbus.BusObject {
	return b.conn.Object(busName, path)
}

// managedObjects returns iwd's full ObjectManager tree: path -> interface
// name -> property name -> value.
func (b *Backend) managedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant

	err := b.obj(rootPath).CallWithContext(ctx, ifaceObjMgr+".GetManagedObjects", 0).Store(&objs)
	if err != nil {
		return nil, fmt.Errorf("iwd: GetManagedObjects: %w", err)
	}

	return objs, nil
}

func (b *Backend) findDevice(ctx context.Context, want string) (dbus.ObjectPath, string, error) {
	objs, err := b.managedObjects(ctx)
	if err != nil {
		return "", "", err
	}

	for path, ifaces := range objs {
		dev, ok := ifaces[ifaceDevice]
		if !ok {
			continue
		}

		name, _ := dev["Name"].Value().(string)
		if want == "" || want == name {
			return path, name, nil
		}
	}

	return "", "", wifitypes.ErrNoWifiDevice
}

func (b *Backend) stationPath() dbus.ObjectPath {
	return b.devicePth
}

func (b *Backend) getStringProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (string, error) {
	var v dbus.Variant

	err := b.obj(path).CallWithContext(ctx, ifaceProps+".Get", 0, iface, name).Store(&v)
	if err != nil {
		return "", err
	}

	s, _ := v.Value().(string)

	return s, nil
}

// EnableNetworkingAndWifi implements wifibackend.Backend. iwd has no
// separate "enable wifi" switch distinct from the device's power state.
func (b *Backend) EnableNetworkingAndWifi(ctx context.Context) error {
	call := b.obj(b.devicePth).CallWithContext(ctx, ifaceProps+".Set", 0, ifaceDevice, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return fmt.Errorf("iwd: Powered: %w", call.Err)
	}

	return nil
}

// State implements wifibackend.Backend.
func (b *Backend) State(ctx context.Context) (wifitypes.NetworkManagerState, error) {
	s, err := b.getStringProperty(ctx, b.stationPath(), ifaceStation, "State")
	if err != nil {
		return wifitypes.LinkUnknown, fmt.Errorf("iwd: Station.State: %w", err)
	}

	return stationStateToLinkState(s), nil
}

// stationStateToLinkState follows the original iwd backend's own mapping
// (network_backend/iwd/connectivity.rs): "roaming" counts as asleep, not
// connected, since it means the station dropped its current network and is
// hunting for a known one to rejoin.
func stationStateToLinkState(s string) wifitypes.NetworkManagerState {
	switch s {
	case "connected":
		return wifitypes.LinkConnected
	case "connecting":
		return wifitypes.LinkConnecting
	case "disconnecting":
		return wifitypes.LinkDisconnecting
	case "disconnected":
		return wifitypes.LinkDisconnected
	case "roaming":
		return wifitypes.LinkAsleep
	default:
		return wifitypes.LinkUnknown
	}
}

// ScanNetworks implements wifibackend.Backend.
func (b *Backend) ScanNetworks(ctx context.Context) ([]wifitypes.WifiConnection, error) {
	inAP, err := b.isAccessPointMode(ctx)
	if err == nil && inAP {
		return nil, wifitypes.ErrNotInStationMode
	}

	call := b.obj(b.stationPath()).CallWithContext(ctx, ifaceStation+".Scan", 0)
	if call.Err != nil {
		log.Debug("iwd: Station.Scan: %s", call.Err)
	}

	select {
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return b.ListAccessPoints(ctx)
}

func (b *Backend) isAccessPointMode(ctx context.Context) (bool, error) {
	objs, err := b.managedObjects(ctx)
	if err != nil {
		return false, err
	}

	for path, ifaces := range objs {
		if path != b.devicePth {
			continue
		}

		_, isAP := ifaces[ifaceAP]

		return isAP, nil
	}

	return false, nil
}

// ListAccessPoints implements wifibackend.Backend. Results come back
// pre-ordered by decreasing signal strength courtesy of
// Station.GetOrderedNetworks, so unlike nm no sort is needed here. IsOwn is
// always false: a station-mode device cannot simultaneously be running its
// own hotspot, so GetOrderedNetworks structurally never reports this
// device's own network back to itself (§4.D).
func (b *Backend) ListAccessPoints(ctx context.Context) ([]wifitypes.WifiConnection, error) {
	var results [][]interface{}

	err := b.obj(b.stationPath()).CallWithContext(ctx, ifaceStation+".GetOrderedNetworks", 0).Store(&results)
	if err != nil {
		return nil, fmt.Errorf("iwd: GetOrderedNetworks: %w", err)
	}

	objs, err := b.managedObjects(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]wifitypes.WifiConnection, 0, len(results))

	for _, row := range results {
		if len(row) < 2 {
			continue
		}

		path, ok := row[0].(dbus.ObjectPath)
		if !ok {
			continue
		}

		signal, _ := row[1].(int16)

		props, ok := objs[path][ifaceNetwork]
		if !ok {
			continue
		}

		name, _ := props["Name"].Value().(string)
		netType, _ := props["Type"].Value().(string)

		ssid, err := wifitypes.NewSSID([]byte(name))
		if err != nil {
			continue
		}

		out = append(out, wifitypes.WifiConnection{
			SSID:     ssid,
			HW:       wifitypes.HWAddr(string(path)),
			Security: iwdNetworkTypeToSecurity(netType),
			Strength: iwdSignalToPercent(signal),
			IsOwn:    false,
		})
	}

	return out, nil
}

// iwdSignalToPercent maps iwd's centi-dBm RSSI-ish signal strength onto the
// 0-100 scale wifitypes.WifiConnection.Strength uses.
func iwdSignalToPercent(signal int16) int {
	dbm := int(signal) / 100
	switch {
	case dbm >= -50:
		return 100
	case dbm <= -100:
		return 0
	default:
		return (dbm + 100) * 2
	}
}

func iwdNetworkTypeToSecurity(t string) wifitypes.Security {
	switch t {
	case "open":
		return wifitypes.SecurityNone
	case "wep":
		return wifitypes.SecurityWEP
	case "psk":
		return wifitypes.SecurityWPA2
	case "8021x":
		return wifitypes.SecurityEnterprise
	default:
		return wifitypes.SecurityNone
	}
}

// AccessPoint implements wifibackend.Backend.
func (b *Backend) AccessPoint(
	ctx context.Context,
	ssid wifitypes.SSID,
	hw wifitypes.HWAddr,
) (wifitypes.WifiConnection, bool, error) {
	aps, err := b.ListAccessPoints(ctx)
	if err != nil {
		return wifitypes.WifiConnection{}, false, err
	}

	for _, ap := range aps {
		if !ap.SSID.Equal(ssid) {
			continue
		}

		if hw != "" && ap.HW != hw {
			continue
		}

		return ap, true, nil
	}

	return wifitypes.WifiConnection{}, false, nil
}

// ConnectTo implements wifibackend.Backend. iwd keys known networks by SSID
// plus security internally, so unlike nm there is no separate
// profile-lookup step: iwd either already has credentials stored for this
// network (Connect succeeds immediately) or the Agent is asked for them.
func (b *Backend) ConnectTo(
	ctx context.Context,
	ssid wifitypes.SSID,
	hw wifitypes.HWAddr,
	creds wifitypes.AccessPointCredentials,
) (wifitypes.ActiveConnection, error) {
	ap, ok, err := b.AccessPoint(ctx, ssid, hw)
	if err != nil {
		return wifitypes.ActiveConnection{}, err
	}

	if !ok {
		return wifitypes.ActiveConnection{}, wifitypes.ErrNoConnection
	}

	networkPath := dbus.ObjectPath(ap.HW)

	if creds.Kind == wifitypes.CredentialWPA || creds.Kind == wifitypes.CredentialWEP {
		if err := b.provisionPassphrase(ctx, networkPath, creds.Passphrase); err != nil {
			return wifitypes.ActiveConnection{}, err
		}
	}

	call := b.obj(networkPath).CallWithContext(ctx, ifaceNetwork+".Connect", 0)
	if call.Err != nil {
		return wifitypes.ActiveConnection{}, fmt.Errorf("%w: %s", wifitypes.ErrNoConnection, call.Err)
	}

	return wifitypes.ActiveConnection{
		ConnectionID:       string(networkPath),
		ActiveConnectionID: string(networkPath),
		State:              wifitypes.ConnectionActivated,
	}, nil
}

// provisionPassphrase stores a PSK for a network ahead of Connect, the iwd
// equivalent of supplying a pre-shared profile instead of going through
// the interactive agent.
func (b *Backend) provisionPassphrase(ctx context.Context, networkPath dbus.ObjectPath, passphrase string) error {
	var knownNetwork dbus.ObjectPath

	err := b.obj(networkPath).CallWithContext(ctx, ifaceProps+".Get", 0, ifaceNetwork, "Network").Store(&knownNetwork)
	if err != nil {
		log.Debug("iwd: network has no stored profile yet, relying on agent for %s", networkPath)
		return nil
	}

	call := b.obj(knownNetwork).CallWithContext(ctx, ifaceKnownNet+".SetPassword", 0, passphrase)

	return call.Err
}

// TryAutoConnect implements wifibackend.Backend.
func (b *Backend) TryAutoConnect(ctx context.Context) (bool, error) {
	state, err := b.State(ctx)
	if err != nil {
		return false, err
	}

	if state.IsConnected() {
		return true, nil
	}

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(500 * time.Millisecond):
		}

		state, err = b.State(ctx)
		if err != nil {
			return false, err
		}

		if state.IsConnected() {
			return true, nil
		}
	}
}

// HotspotStart implements wifibackend.Backend.
func (b *Backend) HotspotStart(ctx context.Context, ssid wifitypes.SSID, creds wifitypes.AccessPointCredentials) error {
	passphrase := ""
	if creds.Kind == wifitypes.CredentialWPA {
		passphrase = creds.Passphrase
	}

	call := b.obj(b.devicePth).CallWithContext(ctx, "net.connman.iwd.AccessPointDiagnostic.Start", 0, ssid.String(), passphrase)
	if call.Err == nil {
		return b.waitAPStarted(ctx)
	}

	// Fall back to the plain AccessPoint.Start signature without a
	// diagnostic extension, used by older iwd releases.
	call = b.obj(b.devicePth).CallWithContext(ctx, ifaceAP+".Start", 0, ssid.String(), passphrase)
	if call.Err != nil {
		return fmt.Errorf("%w: %s", wifitypes.ErrHotspotFailed, call.Err)
	}

	return b.waitAPStarted(ctx)
}

func (b *Backend) waitAPStarted(ctx context.Context) error {
	deadline := time.Now().Add(10 * time.Second)

	for time.Now().Before(deadline) {
		started, err := b.getBoolProperty(ctx, b.devicePth, ifaceAP, "Started")
		if err == nil && started {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	return wifitypes.ErrHotspotFailed
}

func (b *Backend) getBoolProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (bool, error) {
	var v dbus.Variant

	err := b.obj(path).CallWithContext(ctx, ifaceProps+".Get", 0, iface, name).Store(&v)
	if err != nil {
		return false, err
	}

	boolean, _ := v.Value().(bool)

	return boolean, nil
}

// DeactivateHotspots implements wifibackend.Backend.
func (b *Backend) DeactivateHotspots(ctx context.Context) error {
	call := b.obj(b.devicePth).CallWithContext(ctx, ifaceAP+".Stop", 0)
	if call.Err != nil {
		log.Debug("iwd: AccessPoint.Stop: %s", call.Err)
	}

	return nil
}

// WaitForConnectivity implements wifibackend.Backend.
func (b *Backend) WaitForConnectivity(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		state, err := b.State(ctx)
		if err == nil && state.IsConnected() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// OnHotspotStopped implements wifibackend.Backend.
func (b *Backend) OnHotspotStopped(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)

	sigs, err := b.signals.Subscribe(ctx, []dbus.MatchOption{
		dbus.WithMatchInterface(ifaceProps),
		dbus.WithMatchObjectPath(b.devicePth),
	}, func(sig *dbus.Signal) bool {
		return sig.Name == ifaceProps+".PropertiesChanged"
	})
	if err != nil {
		log.Error("iwd: subscribing to AP property changes: %s", err)
		close(out)

		return out
	}

	go func() {
		defer close(out)

		for sig := range sigs {
			if !signalTogglesStartedFalse(sig) {
				continue
			}

			select {
			case out <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func signalTogglesStartedFalse(sig *dbus.Signal) bool {
	if len(sig.Body) < 2 {
		return false
	}

	iface, _ := sig.Body[0].(string)
	if iface != ifaceAP {
		return false
	}

	changed, _ := sig.Body[1].(map[string]dbus.Variant)

	started, ok := changed["Started"]
	if !ok {
		return false
	}

	val, _ := started.Value().(bool)

	return !val
}

// AccessPointEvents implements wifibackend.Backend. iwd reports AP
// visibility through ObjectManager's InterfacesAdded/InterfacesRemoved on
// net.connman.iwd.Network objects rather than dedicated AP signals.
func (b *Backend) AccessPointEvents(ctx context.Context) (<-chan wifitypes.WifiConnectionEvent, error) {
	added, err := b.signals.Subscribe(ctx, []dbus.MatchOption{
		dbus.WithMatchInterface(ifaceObjMgr),
	}, func(sig *dbus.Signal) bool {
		return sig.Name == ifaceObjMgr+".InterfacesAdded"
	})
	if err != nil {
		return nil, err
	}

	removed, err := b.signals.Subscribe(ctx, []dbus.MatchOption{
		dbus.WithMatchInterface(ifaceObjMgr),
	}, func(sig *dbus.Signal) bool {
		return sig.Name == ifaceObjMgr+".InterfacesRemoved"
	})
	if err != nil {
		return nil, err
	}

	addedEvents := b.toAddedAPEvents(added)
	removedEvents := b.toRemovedAPEvents(removed)

	return wifibackend.MergeAccessPointEvents(ctx, addedEvents, removedEvents), nil
}

// toAddedAPEvents handles InterfacesAdded, whose signature is
// (ObjectPath, map[string]map[string]Variant) — the new object's full
// interface/property set, from which the Network interface's Name/Type
// give us the SSID and security.
func (b *Backend) toAddedAPEvents(sigs <-chan *dbus.Signal) <-chan wifitypes.WifiConnectionEvent {
	out := make(chan wifitypes.WifiConnectionEvent, 32)

	go func() {
		defer close(out)

		for sig := range sigs {
			if len(sig.Body) < 2 {
				continue
			}

			path, _ := sig.Body[0].(dbus.ObjectPath)

			ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
			if !ok {
				continue
			}

			props, ok := ifaces[ifaceNetwork]
			if !ok {
				continue
			}

			name, _ := props["Name"].Value().(string)
			netType, _ := props["Type"].Value().(string)

			ssid, err := wifitypes.NewSSID([]byte(name))
			if err != nil {
				continue
			}

			out <- wifitypes.WifiConnectionEvent{
				Kind: wifitypes.EventAdded,
				Connection: wifitypes.WifiConnection{
					SSID:     ssid,
					HW:       wifitypes.HWAddr(string(path)),
					Security: iwdNetworkTypeToSecurity(netType),
				},
			}
		}
	}()

	return out
}

// toRemovedAPEvents handles InterfacesRemoved, whose signature is
// (ObjectPath, []string) — just the removed object's path and the list of
// interfaces it lost, with no properties to read the SSID back from. The
// emitted event carries the network's object path in HW and an empty SSID,
// so consumers match removals on HW.
func (b *Backend) toRemovedAPEvents(sigs <-chan *dbus.Signal) <-chan wifitypes.WifiConnectionEvent {
	out := make(chan wifitypes.WifiConnectionEvent, 32)

	go func() {
		defer close(out)

		for sig := range sigs {
			if len(sig.Body) < 2 {
				continue
			}

			path, _ := sig.Body[0].(dbus.ObjectPath)

			ifaceNames, ok := sig.Body[1].([]string)
			if !ok {
				continue
			}

			isNetwork := false

			for _, name := range ifaceNames {
				if name == ifaceNetwork {
					isNetwork = true
					break
				}
			}

			if !isNetwork {
				continue
			}

			out <- wifitypes.WifiConnectionEvent{
				Kind:       wifitypes.EventRemoved,
				Connection: wifitypes.WifiConnection{HW: wifitypes.HWAddr(string(path))},
			}
		}
	}()

	return out
}
