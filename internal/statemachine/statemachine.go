// Package statemachine is the orchestration core (Component F): it
// sequences StartUp -> TryReconnect -> Connected <-> ActivatePortal ->
// Connect and back, driven by the Wi-Fi backend's reported link state and
// by the portal's accepted connect requests. Structured the way the
// teacher structures its own long-running orchestration loops (a small
// typed state plus a switch that calls one method per state, logging
// every transition) rather than a generic FSM library — see
// SPEC_FULL.md's domain-stack note: the graph is six states, too small
// to justify one.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/ohx-io/wifi-connect/internal/dhcpd"
	"github.com/ohx-io/wifi-connect/internal/dnsresponder"
	"github.com/ohx-io/wifi-connect/internal/portal"
	"github.com/ohx-io/wifi-connect/internal/wfconfig"
	"github.com/ohx-io/wifi-connect/internal/wifibackend"
	"github.com/ohx-io/wifi-connect/internal/wifitypes"
)

// State is one node of the orchestration graph.
type State int

// State values.
const (
	StateStartUp State = iota
	StateTryReconnect
	StateConnected
	StateActivatePortal
	StateConnect
	StateExit
)

// String implements fmt.Stringer for logging.
func (s State) String() string {
	switch s {
	case StateStartUp:
		return "StartUp"
	case StateTryReconnect:
		return "TryReconnect"
	case StateConnected:
		return "Connected"
	case StateActivatePortal:
		return "ActivatePortal"
	case StateConnect:
		return "Connect"
	case StateExit:
		return "Exit"
	default:
		return "Unknown"
	}
}

// ErrExit is returned by Run when it stopped because of an external
// cancellation (SIGINT) rather than reaching the Exit state on its own
// terms (e.g. --quit-after-connected). Distinguishing the two lets main
// choose an exit code (see original_source's exit.rs, SPEC_FULL.md's
// "Supplemented features").
var ErrExit = errors.New("statemachine: canceled")

// connectivityDebounce is how long a connected link may stay unreachable
// before Connected gives up and retries (§4.F).
const connectivityDebounce = 5 * time.Second

// activatePortalHotspotCap bounds how long hotspot_start is given before
// ActivatePortal gives up and retries (§4.F, §5).
const activatePortalHotspotCap = 25 * time.Second

// Machine drives backend through the lifecycle described by conf.
type Machine struct {
	backend wifibackend.Backend
	conf    wfconfig.Config

	// debounce overrides connectivityDebounce; tests shrink this so the
	// drop-and-recover scenarios don't need multi-second sleeps.
	debounce time.Duration
}

// New returns a Machine ready to Run.
func New(backend wifibackend.Backend, conf wfconfig.Config) *Machine {
	return &Machine{backend: backend, conf: conf, debounce: connectivityDebounce}
}

// Run drives the state machine to completion. It returns nil on a graceful
// Exit reached by policy (--quit-after-connected), ErrExit if ctx was
// canceled, or any other error the current state could not recover from.
func (m *Machine) Run(ctx context.Context) error {
	state := StateStartUp

	var pending *wifitypes.WifiConnectionRequest

	for {
		if ctx.Err() != nil {
			return ErrExit
		}

		log.Info("statemachine: entering %s", state)

		var (
			next State
			err  error
		)

		switch state {
		case StateStartUp:
			next, err = m.startUp(ctx)
		case StateTryReconnect:
			next, err = m.tryReconnect(ctx)
		case StateConnected:
			next, err = m.connected(ctx)
		case StateActivatePortal:
			next, pending, err = m.activatePortal(ctx)
		case StateConnect:
			req := pending
			pending = nil
			next, err = m.connect(ctx, req)
		case StateExit:
			return nil
		default:
			return fmt.Errorf("statemachine: unknown state %v", state)
		}

		if err != nil {
			if ctx.Err() != nil {
				return ErrExit
			}

			return fmt.Errorf("statemachine: %s: %w", state, err)
		}

		state = next
	}
}

func (m *Machine) startUp(ctx context.Context) (State, error) {
	if err := m.backend.EnableNetworkingAndWifi(ctx); err != nil {
		return 0, fmt.Errorf("enabling networking: %w", err)
	}

	link, err := m.backend.State(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading link state: %w", err)
	}

	switch {
	case link.IsConnected():
		return StateConnected, nil
	case link.IsTransitional():
		return StateTryReconnect, nil
	default:
		return StateActivatePortal, nil
	}
}

func (m *Machine) tryReconnect(ctx context.Context) (State, error) {
	wait := time.Duration(m.conf.WaitBeforeReconfigure) * time.Second

	tryCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ok, err := m.backend.TryAutoConnect(tryCtx)
	if err != nil {
		log.Debug("statemachine: try_auto_connect: %s", err)
	}

	if ok {
		return StateConnected, nil
	}

	return StateActivatePortal, nil
}

// connected monitors the link, debouncing brief drops (§4.F), and exits
// early when the caller only wants the first successful connection.
func (m *Machine) connected(ctx context.Context) (State, error) {
	if m.conf.QuitAfterConnected {
		return StateExit, nil
	}

	pollInterval := time.Second
	if m.debounce < pollInterval {
		pollInterval = m.debounce / 5
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var unreachableSince time.Time

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
			ok, err := m.isFullyConnected(ctx)
			if err != nil {
				return 0, err
			}

			if ok {
				unreachableSince = time.Time{}

				continue
			}

			if unreachableSince.IsZero() {
				unreachableSince = time.Now()

				continue
			}

			if time.Since(unreachableSince) >= m.debounce {
				return StateTryReconnect, nil
			}
		}
	}
}

// isFullyConnected applies the internet_connectivity policy on top of the
// backend's raw link state (§4.D's wait_for_connectivity semantics).
func (m *Machine) isFullyConnected(ctx context.Context) (bool, error) {
	link, err := m.backend.State(ctx)
	if err != nil {
		return false, err
	}

	if !link.IsConnected() {
		return false, nil
	}

	if !m.conf.InternetConnectivity {
		return true, nil
	}

	if link == wifitypes.LinkConnected {
		return true, nil
	}

	return probeConnectivity(ctx, m.conf.ConnectivityProbeHosts), nil
}

// probeConnectivity tries each host in order, returning on the first
// successful TCP dial (the "network.rs" supplemented feature;
// SPEC_FULL.md notes the hostname list is policy, not contract).
func probeConnectivity(ctx context.Context, hosts []string) bool {
	d := net.Dialer{Timeout: 3 * time.Second}

	for _, host := range hosts {
		conn, err := d.DialContext(ctx, "tcp", host)
		if err == nil {
			_ = conn.Close()

			return true
		}
	}

	return false
}

func (m *Machine) hotspotCredentials() (wifitypes.AccessPointCredentials, error) {
	if m.conf.PortalPassphrase == nil {
		return wifitypes.NoCredentials(), nil
	}

	if m.conf.PortalIdentity != "" {
		return wifitypes.EnterpriseCredentials(m.conf.PortalIdentity, *m.conf.PortalPassphrase)
	}

	return wifitypes.WPACredentials(*m.conf.PortalPassphrase)
}

func (m *Machine) activatePortal(ctx context.Context) (State, *wifitypes.WifiConnectionRequest, error) {
	aps, err := m.backend.ListAccessPoints(ctx)
	if err != nil {
		log.Debug("statemachine: list_access_points: %s", err)
	}

	if len(aps) == 0 {
		if _, err = m.backend.ScanNetworks(ctx); err != nil {
			log.Debug("statemachine: scan_networks: %s", err)
		}
	}

	ssid, err := wifitypes.NewSSID([]byte(m.conf.PortalSSID))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid portal ssid: %w", err)
	}

	creds, err := m.hotspotCredentials()
	if err != nil {
		return 0, nil, fmt.Errorf("invalid portal credentials: %w", err)
	}

	hotspotCtx, cancel := context.WithTimeout(ctx, activatePortalHotspotCap)
	defer cancel()

	if err = m.backend.HotspotStart(hotspotCtx, ssid, creds); err != nil {
		log.Info("statemachine: hotspot_start failed: %s", err)

		return StateTryReconnect, nil, nil
	}

	defer func() {
		if err := m.backend.DeactivateHotspots(context.Background()); err != nil {
			log.Debug("statemachine: deactivate_hotspots: %s", err)
		}
	}()

	p, err := portal.New(buildPortalConfig(m.conf), m.backend)
	if err != nil {
		return 0, nil, fmt.Errorf("constructing portal: %w", err)
	}

	req, err := p.Start(ctx, time.Duration(m.conf.RetryIn)*time.Second)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}

		log.Info("statemachine: portal: %s", err)

		return StateTryReconnect, nil, nil
	}

	if req == nil {
		return StateTryReconnect, nil, nil
	}

	return StateConnect, req, nil
}

func (m *Machine) connect(ctx context.Context, req *wifitypes.WifiConnectionRequest) (State, error) {
	if req == nil {
		return StateActivatePortal, nil
	}

	creds, err := req.Credentials()
	if err != nil {
		log.Info("statemachine: rejected connect request: %s", err)

		return StateActivatePortal, nil
	}

	ssid, err := wifitypes.NewSSID([]byte(req.SSID))
	if err != nil {
		log.Info("statemachine: rejected connect request: %s", err)

		return StateActivatePortal, nil
	}

	var hw wifitypes.HWAddr
	if req.HW != nil {
		hw = wifitypes.HWAddr(*req.HW)
	}

	active, err := m.backend.ConnectTo(ctx, ssid, hw, creds)
	if err != nil {
		log.Info("statemachine: connect_to failed: %s", err)

		return StateActivatePortal, nil
	}

	if active.State != wifitypes.ConnectionActivated {
		return StateActivatePortal, nil
	}

	return StateConnected, nil
}

// buildPortalConfig derives the portal/DHCP/DNS bundle configuration from
// the top-level agent Config (§3, §6).
func buildPortalConfig(conf wfconfig.Config) portal.Config {
	gateway := conf.GatewayIPv4.To4()

	rangeStart := make(net.IP, net.IPv4len)
	copy(rangeStart, gateway)
	rangeStart[3]++

	rangeEnd := make(net.IP, net.IPv4len)
	copy(rangeEnd, gateway)

	end := int(gateway[3]) + 100
	if end > 254 {
		end = 254
	}

	rangeEnd[3] = byte(end)

	return portal.Config{
		ListenAddr: fmt.Sprintf("%s:%d", gateway, conf.ListeningPort),
		AssetDir:   conf.ConnectionStore,
		DHCP: dhcpd.Config{
			InterfaceName: conf.Interface,
			ServerIP:      gateway,
			RangeStart:    rangeStart,
			RangeEnd:      rangeEnd,
			SubnetMask:    net.IPv4(255, 255, 255, 0),
			Port:          conf.DHCPPort,
		},
		DNS: dnsresponder.Config{
			InterfaceName: conf.Interface,
			GatewayIP:     gateway,
			Port:          conf.DNSPort,
		},
	}
}
