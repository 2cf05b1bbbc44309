// Package portal is the captive portal bundle (Components C + E): an
// HTTP/SSE control surface for the Wi-Fi onboarding UI, composed with the
// DHCP server (internal/dhcpd) and DNS responder (internal/dnsresponder)
// that make a hotspot behave like a captive portal at all, plus the
// access-point change stream (Component G) that keeps /events current.
// Lifecycle follows the teacher's internal/home/web.go shape: one
// *http.Server, Start spawns its ListenAndServe loop, close() does a
// graceful Shutdown with a bounded timeout.
package portal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/ohx-io/wifi-connect/internal/dhcpd"
	"github.com/ohx-io/wifi-connect/internal/dnsresponder"
	"github.com/ohx-io/wifi-connect/internal/wifibackend"
	"github.com/ohx-io/wifi-connect/internal/wifitypes"
)

// Timeouts mirror the teacher's internal/home/web.go constants; a captive
// portal UI has no business holding a connection open longer than this.
const (
	readTimeout     = 60 * time.Second
	readHdrTimeout  = 60 * time.Second
	writeTimeout    = 5 * time.Minute
	shutdownTimeout = 5 * time.Second

	// pingInterval is the SSE keep-alive cadence (§4.C).
	pingInterval = 2 * time.Second
)

// Config configures one Portal.
type Config struct {
	ListenAddr    string
	AssetDir      string
	DHCP          dhcpd.Config
	DNS           dnsresponder.Config
	EventsBacklog int // per-subscriber SSE channel buffer; 0 means a sane default
}

// Portal bundles the HTTP/SSE control server with the DHCP and DNS servers
// that make the hotspot a captive portal, and the AP-list state both the
// HTTP handlers and the access-point event stream share.
type Portal struct {
	conf    Config
	backend wifibackend.Backend

	dhcp *dhcpd.Server
	dns  *dnsresponder.Server
	http *http.Server

	mu   sync.Mutex
	aps  map[string]wifitypes.WifiConnection
	subs map[string]chan sseEvent

	// accepted carries the single WifiConnectionRequest a POST /connect may
	// hand off; taken exactly once, per §4.C's "consumed exactly once"
	// shared-state invariant.
	acceptOnce sync.Once
	accepted   chan wifitypes.WifiConnectionRequest
}

type sseEvent struct {
	name    string
	payload any
}

// New constructs the portal bundle. It does not start anything; call Start.
func New(conf Config, backend wifibackend.Backend) (*Portal, error) {
	dhcpSrv, err := dhcpd.New(conf.DHCP)
	if err != nil {
		return nil, fmt.Errorf("portal: %w", err)
	}

	dnsSrv, err := dnsresponder.New(conf.DNS)
	if err != nil {
		return nil, fmt.Errorf("portal: %w", err)
	}

	p := &Portal{
		conf:     conf,
		backend:  backend,
		dhcp:     dhcpSrv,
		dns:      dnsSrv,
		aps:      map[string]wifitypes.WifiConnection{},
		subs:     map[string]chan sseEvent{},
		accepted: make(chan wifitypes.WifiConnectionRequest, 1),
	}

	p.http = &http.Server{
		Addr:              conf.ListenAddr,
		Handler:           p.routes(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHdrTimeout,
		WriteTimeout:      writeTimeout,
	}

	return p, nil
}

// Start brings up the DHCP server, the DNS responder, the HTTP/SSE server,
// the ping keep-alive, and the access-point event relay. It blocks until
// one of §4.E's exit conditions fires:
//
//   - ctx is canceled (external signal),
//   - lifetime elapses,
//   - the watched hotspot connection is torn down by something other than
//     this call,
//   - a POST /connect is accepted, in which case its request is returned.
//
// In every case the DHCP/DNS/HTTP servers and all SSE subscribers are
// closed before Start returns.
func (p *Portal) Start(ctx context.Context, lifetime time.Duration) (*wifitypes.WifiConnectionRequest, error) {
	if aps, err := p.backend.ListAccessPoints(ctx); err == nil {
		p.mu.Lock()
		for _, ap := range aps {
			p.aps[ap.SSID.String()] = ap
		}
		p.mu.Unlock()
	}

	events, err := p.backend.AccessPointEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("portal: subscribing to access point events: %w", err)
	}

	relayCtx, cancelRelay := context.WithCancel(ctx)
	defer cancelRelay()

	go p.relayEvents(relayCtx, events)
	go p.pingLoop(relayCtx)

	errs := make(chan error, 3)

	go func() { errs <- p.dhcp.Start(ctx) }()
	go func() { errs <- p.dns.Start(ctx) }()

	go func() {
		log.Info("portal: listening on %s", p.http.Addr)

		err := p.http.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errs <- fmt.Errorf("portal: http: %w", err)

			return
		}

		errs <- nil
	}()

	timer := time.NewTimer(lifetime)
	defer timer.Stop()

	hotspotStopped := p.backend.OnHotspotStopped(ctx)

	select {
	case <-ctx.Done():
		p.close()

		return nil, nil
	case <-timer.C:
		p.close()

		return nil, nil
	case <-hotspotStopped:
		p.close()

		return nil, nil
	case req := <-p.accepted:
		p.close()

		return &req, nil
	case err := <-errs:
		p.close()

		return nil, err
	}
}

func (p *Portal) close() {
	log.Info("portal: stopping")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := p.http.Shutdown(ctx); err != nil {
		log.Error("portal: http shutdown: %s", err)
	}

	p.dhcp.Stop()
	p.dns.Stop()

	p.mu.Lock()
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = map[string]chan sseEvent{}
	p.mu.Unlock()
}

// pingLoop sends a keep-alive SSE frame to every subscriber every
// pingInterval (§4.C, §8 scenario 6).
func (p *Portal) pingLoop(ctx context.Context) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.broadcast(sseEvent{name: "ping"})
		}
	}
}

// relayEvents keeps the shared AP table and every SSE subscriber in sync
// with the backend's access-point change stream (Component G).
func (p *Portal) relayEvents(ctx context.Context, events <-chan wifitypes.WifiConnectionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			p.mu.Lock()

			switch ev.Kind {
			case wifitypes.EventAdded:
				p.aps[ev.Connection.SSID.String()] = ev.Connection
			case wifitypes.EventRemoved:
				delete(p.aps, ev.Connection.SSID.String())

				for key, ap := range p.aps {
					if ev.Connection.HW != "" && ap.HW == ev.Connection.HW {
						delete(p.aps, key)
					}
				}
			}

			p.mu.Unlock()

			p.broadcast(sseEvent{name: ev.Kind.String(), payload: ev.Connection})
		}
	}
}

func (p *Portal) broadcast(ev sseEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			log.Debug("portal: dropping event for a slow SSE subscriber")
		}
	}
}

func (p *Portal) snapshot() []wifitypes.WifiConnection {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]wifitypes.WifiConnection, 0, len(p.aps))
	for _, ap := range p.aps {
		out = append(out, ap)
	}

	return out
}

// subscribe registers a new SSE subscriber for key, evicting any prior
// subscriber at the same peer IP per §3's "at most one live entry per peer
// IP" SSE client-set invariant.
func (p *Portal) subscribe(key string) chan sseEvent {
	backlog := p.conf.EventsBacklog
	if backlog <= 0 {
		backlog = 16
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.subs[key]; ok {
		close(old)
	}

	ch := make(chan sseEvent, backlog)
	p.subs[key] = ch

	return ch
}

func (p *Portal) unsubscribe(key string, ch chan sseEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.subs[key]; ok && cur == ch {
		delete(p.subs, key)
	}
}

// acceptConnect hands req to the waiting Start call, consuming the
// single-shot slot exactly once. It reports whether req was accepted; a
// second call after the first always returns false.
func (p *Portal) acceptConnect(req wifitypes.WifiConnectionRequest) (ok bool) {
	ok = false

	p.acceptOnce.Do(func() {
		p.accepted <- req
		ok = true
	})

	return ok
}
