// Package nm implements wifibackend.Backend against the NetworkManager
// D-Bus API (org.freedesktop.NetworkManager), the way the teacher talks to
// its own OS-level collaborators over a narrow client type wrapping one
// system connection (internal/dhcpd's v4Server wraps one server4.Server;
// this wraps one *dbus.Conn).
package nm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/ohx-io/wifi-connect/internal/wifibackend"
	"github.com/ohx-io/wifi-connect/internal/wifitypes"
)

const (
	busName       = "org.freedesktop.NetworkManager"
	rootPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	settingsPath  = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")
	ifaceNM       = "org.freedesktop.NetworkManager"
	ifaceDevice   = "org.freedesktop.NetworkManager.Device"
	ifaceWireless = "org.freedesktop.NetworkManager.Device.Wireless"
	ifaceAP       = "org.freedesktop.NetworkManager.AccessPoint"
	ifaceSettings = "org.freedesktop.NetworkManager.Settings"
	ifaceConn     = "org.freedesktop.NetworkManager.Settings.Connection"
	ifaceActive   = "org.freedesktop.NetworkManager.Connection.Active"
	ifaceProps    = "org.freedesktop.DBus.Properties"

	deviceTypeWifi = uint32(2)

	// HotspotConnectionID is the fixed connection-settings display name the
	// backend reuses across restarts instead of minting a fresh profile
	// every time it brings the portal up.
	HotspotConnectionID = "wifi-connect-hotspot"

	// HotspotConnectionUUID is the fixed hotspot connection UUID (§6
	// "Persistent state"), letting the agent recognize and delete its own
	// prior hotspot record across restarts.
	HotspotConnectionUUID = "2b0d0f1d-b79d-43af-bde1-71744625642e"
)

// NM80211ApFlags and NM80211ApSecurityFlags mirror the bit layout
// NetworkManager reports on org.freedesktop.NetworkManager.AccessPoint's
// Flags/WpaFlags/RsnFlags properties.
const (
	nmAPFlagPrivacy = 1 << 0

	nmAPSecKeyMgmt8021X = 1 << 9
)

// Backend talks to a running NetworkManager over the system bus.
type Backend struct {
	conn      *dbus.Conn
	signals   *wifibackend.SignalStream
	devicePth dbus.ObjectPath
	ifaceName string
	hw        wifitypes.HWAddr

	hotspotUUID string
}

var _ wifibackend.Backend = (*Backend)(nil)

// New connects to the system bus and locates the managed wireless device
// named iface, or the first one found if iface is empty.
func New(ctx context.Context, iface string) (*Backend, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("nm: connecting to system bus: %w", err)
	}

	b := &Backend{conn: conn, signals: wifibackend.NewSignalStream(conn)}

	devPath, devIface, err := b.findWirelessDevice(ctx, iface)
	if err != nil {
		conn.Close()

		return nil, err
	}

	b.devicePth = devPath
	b.ifaceName = devIface

	if hw, err := b.getStringProperty(ctx, devPath, ifaceDevice, "HwAddress"); err == nil {
		b.hw = wifitypes.HWAddr(strings.ToLower(hw))
	}

	log.Debug("nm: using wireless device %s (%s), hw %s", devIface, devPath, b.hw)

	return b, nil
}

func (b *Backend) obj(path dbus.ObjectPath) dbus.BusObject {
	return b.conn.Object(busName, path)
}

func (b *Backend) findWirelessDevice(ctx context.Context, want string) (dbus.ObjectPath, string, error) {
	var devices []dbus.ObjectPath

	err := b.obj(rootPath).CallWithContext(ctx, ifaceNM+".GetDevices", 0).Store(&devices)
	if err != nil {
		return "", "", fmt.Errorf("nm: GetDevices: %w", err)
	}

	for _, path := range devices {
		devType, err := b.getUint32Property(ctx, path, ifaceDevice, "DeviceType")
		if err != nil || devType != deviceTypeWifi {
			continue
		}

		name, err := b.getStringProperty(ctx, path, ifaceDevice, "Interface")
		if err != nil {
			continue
		}

		if want == "" || want == name {
			return path, name, nil
		}
	}

	return "", "", wifitypes.ErrNoWifiDevice
}

func (b *Backend) getProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant

	err := b.obj(path).CallWithContext(ctx, ifaceProps+".Get", 0, iface, name).Store(&v)

	return v, err
}

func (b *Backend) getUint32Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (uint32, error) {
	v, err := b.getProperty(ctx, path, iface, name)
	if err != nil {
		return 0, err
	}

	n, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("nm: property %s.%s is not a uint32", iface, name)
	}

	return n, nil
}

func (b *Backend) getStringProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (string, error) {
	v, err := b.getProperty(ctx, path, iface, name)
	if err != nil {
		return "", err
	}

	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("nm: property %s.%s is not a string", iface, name)
	}

	return s, nil
}

// EnableNetworkingAndWifi implements wifibackend.Backend.
func (b *Backend) EnableNetworkingAndWifi(ctx context.Context) error {
	if err := b.obj(rootPath).CallWithContext(ctx, ifaceNM+".Enable", 0, true).Err; err != nil {
		return fmt.Errorf("nm: Enable: %w", err)
	}

	call := b.obj(rootPath).CallWithContext(ctx, ifaceProps+".Set", 0, ifaceNM, "WirelessEnabled", dbus.MakeVariant(true))
	if call.Err != nil {
		return fmt.Errorf("nm: WirelessEnabled: %w", call.Err)
	}

	return nil
}

// State implements wifibackend.Backend. It reads the manager-wide NMState
// property (NM_STATE_*), not the per-device state, matching the original
// backend's own choice of what "connectivity" means for the whole agent.
func (b *Backend) State(ctx context.Context) (wifitypes.NetworkManagerState, error) {
	n, err := b.getUint32Property(ctx, rootPath, ifaceNM, "State")
	if err != nil {
		return wifitypes.LinkUnknown, fmt.Errorf("nm: NMState: %w", err)
	}

	return nmStateToLinkState(n), nil
}

// nmStateToLinkState maps NM_STATE_* to wifitypes.NetworkManagerState,
// exactly as the original NetworkManager backend does.
func nmStateToLinkState(n uint32) wifitypes.NetworkManagerState {
	switch n {
	case 10: // NM_STATE_ASLEEP
		return wifitypes.LinkAsleep
	case 20: // NM_STATE_DISCONNECTED
		return wifitypes.LinkDisconnected
	case 30: // NM_STATE_DISCONNECTING
		return wifitypes.LinkDisconnecting
	case 40: // NM_STATE_CONNECTING
		return wifitypes.LinkConnecting
	case 50: // NM_STATE_CONNECTED_LOCAL: no route to the internet, treated as disconnected
		return wifitypes.LinkDisconnected
	case 60: // NM_STATE_CONNECTED_SITE
		return wifitypes.LinkConnectedLimited
	case 70: // NM_STATE_CONNECTED_GLOBAL
		return wifitypes.LinkConnected
	default:
		return wifitypes.LinkUnknown
	}
}

// deviceStateToLinkState maps NM_DEVICE_STATE_* to
// wifitypes.NetworkManagerState. Used for per-device states rather than the
// manager-wide NMState values State() reads: the Device.State property
// (TryAutoConnect) and Device.StateChanged signals (OnHotspotStopped).
func deviceStateToLinkState(n uint32) wifitypes.NetworkManagerState {
	switch {
	case n == 10: // NM_DEVICE_STATE_UNMANAGED, bucketed as "asleep"
		return wifitypes.LinkAsleep
	case n <= 20: // UNKNOWN (0) / UNAVAILABLE (20)
		return wifitypes.LinkDisconnected
	case n == 30: // DISCONNECTED
		return wifitypes.LinkDisconnected
	case n >= 40 && n <= 90: // PREPARE..SECONDARIES
		return wifitypes.LinkConnecting
	case n == 100: // ACTIVATED
		return wifitypes.LinkConnected
	case n == 110 || n == 120: // DEACTIVATING/FAILED
		return wifitypes.LinkDisconnecting
	default:
		return wifitypes.LinkUnknown
	}
}

// ScanNetworks implements wifibackend.Backend.
func (b *Backend) ScanNetworks(ctx context.Context) ([]wifitypes.WifiConnection, error) {
	mode, err := b.getUint32Property(ctx, b.devicePth, ifaceWireless, "Mode")
	if err == nil && mode == 3 { // NM_802_11_MODE_AP
		return nil, wifitypes.ErrNotInStationMode
	}

	call := b.obj(b.devicePth).CallWithContext(ctx, ifaceWireless+".RequestScan", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		log.Debug("nm: RequestScan: %s", call.Err)
	}

	select {
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return b.ListAccessPoints(ctx)
}

// ListAccessPoints implements wifibackend.Backend. Per §4.D, access points
// whose MAC matches the managed device's own (a running hotspot appears as
// an AP to its own radio) are excluded, and the rest are ordered by
// decreasing signal strength.
func (b *Backend) ListAccessPoints(ctx context.Context) ([]wifitypes.WifiConnection, error) {
	var apPaths []dbus.ObjectPath

	err := b.obj(b.devicePth).CallWithContext(ctx, ifaceWireless+".GetAllAccessPoints", 0).Store(&apPaths)
	if err != nil {
		return nil, fmt.Errorf("nm: GetAllAccessPoints: %w", err)
	}

	out := make([]wifitypes.WifiConnection, 0, len(apPaths))

	for _, path := range apPaths {
		ap, err := b.readAccessPoint(ctx, path)
		if err != nil {
			log.Debug("nm: reading access point %s: %s", path, err)
			continue
		}

		if ap.IsOwn {
			continue
		}

		out = append(out, ap)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })

	return out, nil
}

func (b *Backend) readAccessPoint(ctx context.Context, path dbus.ObjectPath) (wifitypes.WifiConnection, error) {
	ssidVal, err := b.getProperty(ctx, path, ifaceAP, "Ssid")
	if err != nil {
		return wifitypes.WifiConnection{}, err
	}

	ssidBytes, _ := ssidVal.Value().([]byte)

	ssid, err := wifitypes.NewSSID(ssidBytes)
	if err != nil {
		return wifitypes.WifiConnection{}, err
	}

	hw, _ := b.getStringProperty(ctx, path, ifaceAP, "HwAddress")
	hwAddr := wifitypes.HWAddr(strings.ToLower(hw))
	strength, _ := b.getUint32Property(ctx, path, ifaceAP, "Strength")
	freq, _ := b.getUint32Property(ctx, path, ifaceAP, "Frequency")
	flags, _ := b.getUint32Property(ctx, path, ifaceAP, "Flags")
	wpaFlags, _ := b.getUint32Property(ctx, path, ifaceAP, "WpaFlags")
	rsnFlags, _ := b.getUint32Property(ctx, path, ifaceAP, "RsnFlags")

	security := wifitypes.DeriveSecurity(wifitypes.APFlags{
		Privacy:      flags&nmAPFlagPrivacy != 0,
		WPA:          wpaFlags != 0,
		RSN:          rsnFlags != 0,
		KeyMgmt8021X: wpaFlags&nmAPSecKeyMgmt8021X != 0 || rsnFlags&nmAPSecKeyMgmt8021X != 0,
	})

	return wifitypes.WifiConnection{
		SSID:      ssid,
		HW:        hwAddr,
		Security:  security,
		Strength:  int(strength),
		Frequency: int(freq),
		IsOwn:     hwAddr != "" && hwAddr == b.hw,
	}, nil
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

// ConnectTo implements wifibackend.Backend (see SPEC_FULL.md's reuse note):
// it reuses the first stored connection whose SSID equals ssid and
// otherwise creates a new one from creds. hw is not consulted, and the
// stored connection's security is not compared with creds.
func (b *Backend) ConnectTo(
	ctx context.Context,
	ssid wifitypes.SSID,
	hw wifitypes.HWAddr,
	creds wifitypes.AccessPointCredentials,
) (wifitypes.ActiveConnection, error) {
	existing, err := b.findMatchingConnection(ctx, ssid, hw)
	if err != nil {
		return wifitypes.ActiveConnection{}, err
	}

	var connPath dbus.ObjectPath

	if existing != "" {
		connPath = existing
	} else {
		connPath, err = b.addConnection(ctx, ssid, creds, false)
		if err != nil {
			return wifitypes.ActiveConnection{}, err
		}
	}

	return b.activate(ctx, connPath)
}

func (b *Backend) findMatchingConnection(
	ctx context.Context,
	ssid wifitypes.SSID,
	_ wifitypes.HWAddr,
) (dbus.ObjectPath, error) {
	var conns []dbus.ObjectPath

	err := b.obj(settingsPath).CallWithContext(ctx, ifaceSettings+".ListConnections", 0).Store(&conns)
	if err != nil {
		return "", fmt.Errorf("nm: ListConnections: %w", err)
	}

	for _, path := range conns {
		var settings map[string]map[string]dbus.Variant

		err := b.obj(path).CallWithContext(ctx, ifaceConn+".GetSettings", 0).Store(&settings)
		if err != nil {
			continue
		}

		wifiSettings, ok := settings["802-11-wireless"]
		if !ok {
			continue
		}

		ssidVal, ok := wifiSettings["ssid"]
		if !ok {
			continue
		}

		existingSSID, _ := ssidVal.Value().([]byte)
		if ssid.Equal(existingSSID) {
			return path, nil
		}
	}

	return "", nil
}

func (b *Backend) addConnection(
	ctx context.Context,
	ssid wifitypes.SSID,
	creds wifitypes.AccessPointCredentials,
	isHotspot bool,
) (dbus.ObjectPath, error) {
	id := ssid.String()
	connUUID := uuid.New().String()

	if isHotspot {
		id = HotspotConnectionID
		connUUID = HotspotConnectionUUID
	}

	settings := map[string]map[string]dbus.Variant{
		"connection": {
			"id":   dbus.MakeVariant(id),
			"type": dbus.MakeVariant("802-11-wireless"),
			"uuid": dbus.MakeVariant(connUUID),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
		},
		"ipv4": {"method": dbus.MakeVariant("auto")},
		"ipv6": {"method": dbus.MakeVariant("auto")},
	}

	if isHotspot {
		settings["802-11-wireless"]["mode"] = dbus.MakeVariant("ap")
		settings["ipv4"] = map[string]dbus.Variant{"method": dbus.MakeVariant("shared")}
	}

	applyCredentials(settings, creds)

	var path dbus.ObjectPath

	err := b.obj(settingsPath).CallWithContext(ctx, ifaceSettings+".AddConnection", 0, settings).Store(&path)
	if err != nil {
		return "", fmt.Errorf("nm: AddConnection: %w", err)
	}

	return path, nil
}

func applyCredentials(settings map[string]map[string]dbus.Variant, creds wifitypes.AccessPointCredentials) {
	switch creds.Kind {
	case wifitypes.CredentialWEP:
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("none"),
			"wep-key0": dbus.MakeVariant(creds.Passphrase),
		}
	case wifitypes.CredentialWPA:
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(creds.Passphrase),
		}
	case wifitypes.CredentialEnterprise:
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-eap"),
		}
		settings["802-1x"] = map[string]dbus.Variant{
			"eap":      dbus.MakeVariant([]string{"peap"}),
			"identity": dbus.MakeVariant(creds.Identity),
			"password": dbus.MakeVariant(creds.Passphrase),
		}
	case wifitypes.CredentialNone:
	}
}

func (b *Backend) activate(ctx context.Context, connPath dbus.ObjectPath) (wifitypes.ActiveConnection, error) {
	var activePath dbus.ObjectPath

	err := b.obj(rootPath).CallWithContext(
		ctx, ifaceNM+".ActivateConnection", 0, connPath, b.devicePth, dbus.ObjectPath("/"),
	).Store(&activePath)
	if err != nil {
		return wifitypes.ActiveConnection{}, fmt.Errorf("%w: %s", wifitypes.ErrNoConnection, err)
	}

	state, err := b.waitActiveConnectionSettled(ctx, activePath)
	if err != nil {
		return wifitypes.ActiveConnection{}, err
	}

	return wifitypes.ActiveConnection{
		ConnectionID:       string(connPath),
		ActiveConnectionID: string(activePath),
		State:              state,
	}, nil
}

func (b *Backend) waitActiveConnectionSettled(ctx context.Context, activePath dbus.ObjectPath) (wifitypes.ConnectionState, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		n, err := b.getUint32Property(ctx, activePath, ifaceActive, "State")
		if err == nil {
			switch n {
			case 2: // NM_ACTIVE_CONNECTION_STATE_ACTIVATED
				return wifitypes.ConnectionActivated, nil
			case 4: // NM_ACTIVE_CONNECTION_STATE_DEACTIVATED
				return wifitypes.ConnectionDeactivated, wifitypes.ErrNoConnection
			}
		}

		select {
		case <-ctx.Done():
			return wifitypes.ConnectionUnknown, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryAutoConnect implements wifibackend.Backend.
func (b *Backend) TryAutoConnect(ctx context.Context) (bool, error) {
	autoconnect, err := b.getUint32Property(ctx, b.devicePth, ifaceDevice, "State")
	if err != nil {
		return false, err
	}

	if deviceStateToLinkState(autoconnect).IsConnected() {
		return true, nil
	}

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(500 * time.Millisecond):
		}

		state, err := b.State(ctx)
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
	connPath, err := b.findHotspotConnection(ctx)
	if err != nil {
		return err
	}

	if connPath == "" {
		connPath, err = b.addConnection(ctx, ssid, creds, true)
		if err != nil {
			return err
		}
	}

	active, err := b.activate(ctx, connPath)
	if err != nil {
		return fmt.Errorf("%w: %s", wifitypes.ErrHotspotFailed, err)
	}

	b.hotspotUUID = active.ConnectionID

	return nil
}

func (b *Backend) findHotspotConnection(ctx context.Context) (dbus.ObjectPath, error) {
	var conns []dbus.ObjectPath

	err := b.obj(settingsPath).CallWithContext(ctx, ifaceSettings+".ListConnections", 0).Store(&conns)
	if err != nil {
		return "", fmt.Errorf("nm: ListConnections: %w", err)
	}

	for _, path := range conns {
		var settings map[string]map[string]dbus.Variant

		err := b.obj(path).CallWithContext(ctx, ifaceConn+".GetSettings", 0).Store(&settings)
		if err != nil {
			continue
		}

		if u, ok := settings["connection"]["uuid"]; ok {
			if s, _ := u.Value().(string); s == HotspotConnectionUUID {
				return path, nil
			}
		}
	}

	return "", nil
}

// DeactivateHotspots implements wifibackend.Backend.
func (b *Backend) DeactivateHotspots(ctx context.Context) error {
	var actives []dbus.ObjectPath

	v, err := b.getProperty(ctx, rootPath, ifaceNM, "ActiveConnections")
	if err != nil {
		return fmt.Errorf("nm: ActiveConnections: %w", err)
	}

	actives, _ = v.Value().([]dbus.ObjectPath)

	for _, active := range actives {
		connPath, err := b.getObjectPathProperty(ctx, active, ifaceActive, "Connection")
		if err != nil {
			continue
		}

		var settings map[string]map[string]dbus.Variant

		err = b.obj(connPath).CallWithContext(ctx, ifaceConn+".GetSettings", 0).Store(&settings)
		if err != nil {
			continue
		}

		connUUID, _ := settings["connection"]["uuid"].Value().(string)
		if connUUID != HotspotConnectionUUID {
			continue
		}

		call := b.obj(rootPath).CallWithContext(ctx, ifaceNM+".DeactivateConnection", 0, active)
		if call.Err != nil {
			log.Debug("nm: DeactivateConnection %s: %s", active, call.Err)
		}
	}

	return nil
}

func (b *Backend) getObjectPathProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.ObjectPath, error) {
	v, err := b.getProperty(ctx, path, iface, name)
	if err != nil {
		return "", err
	}

	p, ok := v.Value().(dbus.ObjectPath)
	if !ok {
		return "", fmt.Errorf("nm: property %s.%s is not an object path", iface, name)
	}

	return p, nil
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
		dbus.WithMatchInterface(ifaceDevice),
		dbus.WithMatchObjectPath(b.devicePth),
	}, func(sig *dbus.Signal) bool {
		return sig.Name == ifaceDevice+".StateChanged"
	})
	if err != nil {
		log.Error("nm: subscribing to device state changes: %s", err)
		close(out)

		return out
	}

	go func() {
		defer close(out)

		for sig := range sigs {
			if len(sig.Body) < 1 {
				continue
			}

			newState, ok := sig.Body[0].(uint32)
			if !ok {
				continue
			}

			if deviceStateToLinkState(newState) != wifitypes.LinkConnected {
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// AccessPointEvents implements wifibackend.Backend.
func (b *Backend) AccessPointEvents(ctx context.Context) (<-chan wifitypes.WifiConnectionEvent, error) {
	added, err := b.signals.Subscribe(ctx, []dbus.MatchOption{
		dbus.WithMatchInterface(ifaceWireless),
		dbus.WithMatchObjectPath(b.devicePth),
	}, func(sig *dbus.Signal) bool {
		return sig.Name == ifaceWireless+".AccessPointAdded"
	})
	if err != nil {
		return nil, err
	}

	removed, err := b.signals.Subscribe(ctx, []dbus.MatchOption{
		dbus.WithMatchInterface(ifaceWireless),
		dbus.WithMatchObjectPath(b.devicePth),
	}, func(sig *dbus.Signal) bool {
		return sig.Name == ifaceWireless+".AccessPointRemoved"
	})
	if err != nil {
		return nil, err
	}

	addedEvents := b.toAPEvents(ctx, added, wifitypes.EventAdded)
	removedEvents := b.toAPEvents(ctx, removed, wifitypes.EventRemoved)

	return wifibackend.MergeAccessPointEvents(ctx, addedEvents, removedEvents), nil
}

func (b *Backend) toAPEvents(ctx context.Context, sigs <-chan *dbus.Signal, kind wifitypes.EventKind) <-chan wifitypes.WifiConnectionEvent {
	out := make(chan wifitypes.WifiConnectionEvent, 32)

	go func() {
		defer close(out)

		for sig := range sigs {
			if len(sig.Body) < 1 {
				continue
			}

			path, ok := sig.Body[0].(dbus.ObjectPath)
			if !ok {
				continue
			}

			ap, err := b.readAccessPoint(ctx, path)
			if err != nil {
				continue
			}

			select {
			case out <- wifitypes.WifiConnectionEvent{Kind: kind, Connection: ap}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
