// Package wfconfig holds the agent's configuration (spec §3 Config) and the
// CLI-flag/environment-variable table that populates it (spec §6),
// following the small hand-rolled parser shape of the teacher's
// internal/home/options.go rather than pulling in a flag-parsing library
// the rest of the pack never reaches for either.
package wfconfig

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Config is the input to the state machine (§3).
type Config struct {
	// Interface is the preferred wireless interface name. Empty means
	// "pick the first managed wireless device".
	Interface string

	// PortalSSID is the hotspot's advertised SSID.
	PortalSSID string

	// PortalPassphrase is the hotspot's WPA passphrase. A nil pointer
	// means an open (unsecured) hotspot.
	PortalPassphrase *string

	// PortalIdentity is an optional 802.1X identity for the hotspot.
	PortalIdentity string

	// GatewayIPv4 is the hotspot's own address; also the DHCP server
	// identifier, DNS answer, and DHCP router/DNS option value.
	GatewayIPv4 net.IP

	// ListeningPort is the HTTP bind port.
	ListeningPort int

	// DNSPort is the DNS responder's bind port.
	DNSPort int

	// DHCPPort is the DHCP server's bind port.
	DHCPPort int

	// WaitBeforeReconfigure is how long TryReconnect grants
	// try_auto_connect before giving up and activating the portal.
	WaitBeforeReconfigure int

	// RetryIn is the portal's lifetime, in seconds, before the state
	// machine abandons it and retries a background reconnect.
	RetryIn int

	// QuitAfterConnected exits the process on first successful connect.
	QuitAfterConnected bool

	// InternetConnectivity requires global reach, not just link state,
	// before considering the device Connected.
	InternetConnectivity bool

	// ConnectionStore is the directory the portal's asset store serves
	// the bundled UI from, when it isn't embedded.
	ConnectionStore string

	// ConnectivityProbeHosts are tried, in order, by the fallback
	// connectivity probe (see SPEC_FULL.md's "Supplemented features").
	// The first successful TCP dial and DNS lookup wins.
	ConnectivityProbeHosts []string

	// Verbose enables debug logging.
	Verbose bool
}

// DefaultGateway is the default hotspot gateway address (§6).
var DefaultGateway = net.IPv4(192, 168, 42, 1)

// Default returns a Config populated with every default from §6.
func Default() Config {
	return Config{
		PortalSSID:             "OHX WiFi Connect",
		GatewayIPv4:            DefaultGateway,
		ListeningPort:          80,
		DNSPort:                53,
		DHCPPort:               67,
		WaitBeforeReconfigure:  10,
		RetryIn:                360,
		ConnectionStore:        "ui",
		ConnectivityProbeHosts: []string{"connectivitycheck.gstatic.com:80", "detectportal.firefox.com:80"},
	}
}

// arg describes one CLI flag, mirroring the teacher's options.go arg table:
// a long name, an optional environment variable fallback, and a mutator.
type arg struct {
	longName string
	env      string
	apply    func(cfg *Config, value string) error
	isBool   bool // set by flags that take no value
}

func stringArg(longName, env string, set func(cfg *Config, v string)) arg {
	return arg{longName: longName, env: env, apply: func(cfg *Config, v string) error {
		set(cfg, v)
		return nil
	}}
}

func intArg(longName, env string, set func(cfg *Config, v int)) arg {
	return arg{longName: longName, env: env, apply: func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", longName, err)
		}

		set(cfg, n)

		return nil
	}}
}

func boolArg(longName string, set func(cfg *Config)) arg {
	return arg{longName: longName, isBool: true, apply: func(cfg *Config, _ string) error {
		set(cfg)
		return nil
	}}
}

// table is the ordered list of recognized options (§6).
func table() []arg {
	return []arg{
		stringArg("interface", "PORTAL_INTERFACE", func(c *Config, v string) { c.Interface = v }),
		stringArg("portal-ssid", "PORTAL_SSID", func(c *Config, v string) { c.PortalSSID = v }),
		stringArg("portal-passphrase", "PORTAL_PASSPHRASE", func(c *Config, v string) {
			c.PortalPassphrase = &v
		}),
		stringArg("portal-identity", "PORTAL_IDENTITY", func(c *Config, v string) { c.PortalIdentity = v }),
		stringArg("portal-gateway", "PORTAL_GATEWAY", func(c *Config, v string) {
			if ip := net.ParseIP(v); ip != nil {
				c.GatewayIPv4 = ip.To4()
			}
		}),
		intArg("portal-listening-port", "PORTAL_LISTENING_PORT", func(c *Config, v int) { c.ListeningPort = v }),
		intArg("dns-port", "", func(c *Config, v int) { c.DNSPort = v }),
		intArg("dhcp-port", "", func(c *Config, v int) { c.DHCPPort = v }),
		intArg("wait-before-reconfigure", "WAIT_BEFORE_RECONFIGURE", func(c *Config, v int) {
			c.WaitBeforeReconfigure = v
		}),
		intArg("retry-in", "RETRY_IN", func(c *Config, v int) { c.RetryIn = v }),
		boolArg("quit-after-connected", func(c *Config) { c.QuitAfterConnected = true }),
		boolArg("internet-connectivity", func(c *Config) { c.InternetConnectivity = true }),
		stringArg("connection-store", "CONNECTION_STORE", func(c *Config, v string) { c.ConnectionStore = v }),
		boolArg("verbose", func(c *Config) { c.Verbose = true }),
	}
}

// ParseArgs parses args (typically os.Args[1:]) over the environment and
// the defaults of Default(), in that order of decreasing priority: a flag
// in args always wins over its environment variable, which always wins
// over the default.
func ParseArgs(args []string) (cfg Config, err error) {
	cfg = Default()

	byName := map[string]arg{}
	for _, a := range table() {
		byName[a.longName] = a

		if a.env != "" {
			if v, ok := os.LookupEnv(a.env); ok {
				if err = a.apply(&cfg, v); err != nil {
					return Config{}, err
				}
			}
		}
	}

	for i := 0; i < len(args); i++ {
		name, inlineValue, hasInline := splitFlag(args[i])

		a, ok := byName[name]
		if !ok {
			return Config{}, fmt.Errorf("wfconfig: unrecognized flag --%s", name)
		}

		if a.isBool {
			if err = a.apply(&cfg, ""); err != nil {
				return Config{}, err
			}

			continue
		}

		value := inlineValue
		if !hasInline {
			i++
			if i >= len(args) {
				return Config{}, fmt.Errorf("wfconfig: --%s requires a value", name)
			}

			value = args[i]
		}

		if err = a.apply(&cfg, value); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// splitFlag splits "--name=value" into ("name", "value", true), or
// "--name" into ("name", "", false).
func splitFlag(s string) (name, value string, hasValue bool) {
	for len(s) > 0 && s[0] == '-' {
		s = s[1:]
	}

	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}

	return s, "", false
}
