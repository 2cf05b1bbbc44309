// Package dhcpd is the captive portal's own DHCPv4 server (Component A): a
// single UDP socket on the hotspot interface handing out short leases from
// one address range, always pointing clients back at the gateway for both
// routing and DNS. Structured the way the teacher's internal/dhcpd/v4.go
// structures its own v4Server — a lease table guarded by one mutex, a
// process/packetHandler split, Start/Stop around one *server4.Server — but
// with no disk persistence, no static leases, and no IPv6: a portal's
// leases live exactly as long as the portal does.
package dhcpd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
)

// Config configures one Server.
type Config struct {
	// InterfaceName is the hotspot's wireless interface.
	InterfaceName string

	// ServerIP is the hotspot's own address: the DHCP server identifier,
	// and the router/DNS option value handed to every client.
	ServerIP net.IP

	// RangeStart and RangeEnd bound the pool of addresses handed out.
	// Both must be in the same /24 as ServerIP.
	RangeStart net.IP
	RangeEnd   net.IP

	// SubnetMask is the subnet mask advertised to clients.
	SubnetMask net.IP

	// Port is the UDP port to bind; 0 means dhcpv4.ServerPort (67).
	Port int

	// LeaseDuration is how long a confirmed lease is valid for.
	LeaseDuration time.Duration

	// ExtraOptions are appended to every OFFER/ACK before parameter-request
	// filtering runs, letting callers pass vendor- or deployment-specific
	// options beyond the fixed set (see SPEC_FULL.md's "Supplemented
	// features").
	ExtraOptions []dhcpv4.Option
}

type lease struct {
	ip     net.IP
	mac    string
	expiry time.Time
}

// Server is a running (or not-yet-started) DHCPv4 server.
type Server struct {
	conf Config

	mu         sync.Mutex
	leases     []*lease
	lastByMAC  map[string]net.IP
	poolCursor int

	srv *server4.Server
}

// New validates conf and returns a Server ready to Start.
func New(conf Config) (*Server, error) {
	if conf.ServerIP == nil || conf.ServerIP.To4() == nil {
		return nil, fmt.Errorf("dhcpd: ServerIP must be an IPv4 address")
	}

	if conf.RangeStart == nil || conf.RangeEnd == nil {
		return nil, fmt.Errorf("dhcpd: RangeStart and RangeEnd are required")
	}

	if conf.LeaseDuration <= 0 {
		conf.LeaseDuration = time.Hour
	}

	return &Server{conf: conf, lastByMAC: map[string]net.IP{}}, nil
}

// Start binds the DHCP socket on the configured interface and serves until
// ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	port := s.conf.Port
	if port == 0 {
		port = dhcpv4.ServerPort
	}

	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: port}

	srv, err := server4.NewServer(s.conf.InterfaceName, laddr, s.packetHandler)
	if err != nil {
		return fmt.Errorf("dhcpd: binding on %s: %w", s.conf.InterfaceName, err)
	}

	s.srv = srv

	log.Info("dhcp: listening on %s", s.conf.InterfaceName)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	err = srv.Serve()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("dhcpd: serve: %w", err)
	}

	return nil
}

// Stop closes the listening socket. Safe to call more than once.
func (s *Server) Stop() {
	if s.srv == nil {
		return
	}

	log.Debug("dhcp: stopping")

	if err := s.srv.Close(); err != nil {
		log.Error("dhcp: closing socket: %s", err)
	}
}

// broadcastAddr is the RFC 2131 limited broadcast destination used when a
// client has no routable address of its own yet.
var broadcastAddr = &net.UDPAddr{IP: net.IPv4(255, 255, 255, 255), Port: dhcpv4.ClientPort}

func (s *Server) packetHandler(conn net.PacketConn, peer net.Addr, req *dhcpv4.DHCPv4) {
	log.Debug("dhcp: received %s", req.Summary())

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover, dhcpv4.MessageTypeRequest:
		// handled below
	case dhcpv4.MessageTypeRelease, dhcpv4.MessageTypeDecline:
		s.release(req)

		return
	default:
		log.Debug("dhcp: ignoring message type %s", req.MessageType())

		return
	}

	if len(req.ClientHWAddr) == 0 {
		log.Debug("dhcp: request with no client hardware address")

		return
	}

	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		log.Debug("dhcp: building reply: %s", err)

		return
	}

	ok := s.process(req, resp)
	if !ok {
		return
	}

	s.filterOptions(resp, req.Options.Get(dhcpv4.OptionParameterRequestList))

	dest := peer
	if req.IsBroadcast() || req.ClientIPAddr.Equal(net.IPv4zero) {
		dest = broadcastAddr
	}

	log.Debug("dhcp: sending %s to %s", resp.Summary(), dest)

	if _, err = conn.WriteTo(resp.ToBytes(), dest); err != nil {
		log.Error("dhcp: writing reply to %s: %s", dest, err)
	}
}

// process fills resp for req and reports whether a reply should be sent at
// all (false means silently drop, matching the RFC 2131 advice for requests
// this server has no opinion about — e.g. a malformed or addressed-
// elsewhere packet).
func (s *Server) process(req, resp *dhcpv4.DHCPv4) bool {
	resp.UpdateOption(dhcpv4.OptServerIdentifier(s.conf.ServerIP))

	var assigned net.IP

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		assigned = s.offer(req.ClientHWAddr, req.Options.Get(dhcpv4.OptionRequestedIPAddress))
		if assigned == nil {
			log.Debug("dhcp: no address available for %s", req.ClientHWAddr)

			return false
		}

		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeOffer))

	case dhcpv4.MessageTypeRequest:
		if !s.addressedToUs(req) {
			return false
		}

		var ok bool

		assigned, ok = s.reserve(req)
		if !ok {
			resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeNak))
			resp.UpdateOption(dhcpv4.OptMessage("requested address unavailable"))

			return true
		}

		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))

	default:
		return false
	}

	resp.YourIPAddr = assigned
	resp.UpdateOption(dhcpv4.OptIPAddressLeaseTime(s.conf.LeaseDuration))
	resp.UpdateOption(dhcpv4.OptRouter(s.conf.ServerIP))
	resp.UpdateOption(dhcpv4.OptSubnetMask(asIPMask(s.conf.SubnetMask)))
	resp.UpdateOption(dhcpv4.OptDNS(s.conf.ServerIP, s.conf.ServerIP))

	for _, opt := range s.conf.ExtraOptions {
		resp.UpdateOption(opt)
	}

	return true
}

// addressedToUs reports whether req's server-identifier option (if present)
// names this server, per §4.A: a REQUEST naming another server is ignored.
func (s *Server) addressedToUs(req *dhcpv4.DHCPv4) bool {
	id := req.Options.Get(dhcpv4.OptionServerIdentifier)
	if len(id) == 0 {
		return true
	}

	return net.IP(id).Equal(s.conf.ServerIP)
}

// filterOptions trims resp down to the mandatory message-type and
// server-identifier options plus whatever the client's parameter-request-
// list (option 55) asked for (§4.A "Option filtering").
func (s *Server) filterOptions(resp *dhcpv4.DHCPv4, requested []byte) {
	if len(requested) == 0 {
		return
	}

	keep := map[uint8]bool{
		dhcpv4.OptionDHCPMessageType.Code():  true,
		dhcpv4.OptionServerIdentifier.Code(): true,
	}

	for _, code := range requested {
		keep[code] = true
	}

	for code := range resp.Options {
		if !keep[code] {
			delete(resp.Options, code)
		}
	}
}

func asIPMask(ip net.IP) net.IPMask {
	if ip4 := ip.To4(); ip4 != nil {
		return net.IPMask(ip4)
	}

	return net.CIDRMask(24, 32)
}

// offer computes the address a DISCOVER should be offered, without
// reserving it (§4.A: "No lease is reserved at this step"): the client's
// requested address if free, else its last confirmed lease if still free,
// else a round-robin pick from the pool.
func (s *Server) offer(mac net.HardwareAddr, requestedIP net.IP) net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := mac.String()
	now := time.Now()

	if len(requestedIP) == 4 && s.availableLocked(requestedIP, key, now) {
		return requestedIP
	}

	if last, ok := s.lastByMAC[key]; ok && s.availableLocked(last, key, now) {
		return last
	}

	return s.nextFreeRoundRobinLocked(now)
}

// reserve validates and records a REQUEST's lease and moves the round-robin
// cursor past it, reporting false (NAK) on conflict.
func (s *Server) reserve(req *dhcpv4.DHCPv4) (net.IP, bool) {
	reqIP := req.Options.Get(dhcpv4.OptionRequestedIPAddress)
	if len(reqIP) == 0 {
		reqIP = req.ClientIPAddr
	}

	if len(reqIP) != 4 {
		return nil, false
	}

	ip := net.IP(reqIP)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.ClientHWAddr.String()
	now := time.Now()

	if !s.availableLocked(ip, key, now) {
		log.Debug("dhcp: %s requested unavailable %s", key, ip)

		return nil, false
	}

	s.setLeaseLocked(key, ip, now.Add(s.conf.LeaseDuration))
	s.lastByMAC[key] = append(net.IP{}, ip...)

	start := s.conf.RangeStart.To4()
	if size := int(s.conf.RangeEnd.To4()[3]) - int(start[3]) + 1; size > 0 {
		s.poolCursor = (int(ip.To4()[3]) - int(start[3]) + 1) % size
	}

	return ip, true
}

func (s *Server) release(req *dhcpv4.DHCPv4) {
	if !s.addressedToUs(req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.ClientHWAddr.String()

	for i, l := range s.leases {
		if l.mac == key {
			log.Debug("dhcp: released %s from %s", l.ip, key)
			s.leases = append(s.leases[:i], s.leases[i+1:]...)

			return
		}
	}
}

// inRangeLocked reports whether ip falls within [RangeStart, RangeEnd].
func (s *Server) inRangeLocked(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}

	start := s.conf.RangeStart.To4()
	end := s.conf.RangeEnd.To4()

	if !bytes.Equal(ip4[:3], start[:3]) {
		return false
	}

	return ip4[3] >= start[3] && ip4[3] <= end[3]
}

// availableLocked reports whether ip may be handed to mac: in range, and
// either unheld, expired, or already held by mac. s.mu must be held.
func (s *Server) availableLocked(ip net.IP, mac string, now time.Time) bool {
	if !s.inRangeLocked(ip) {
		return false
	}

	for i, l := range s.leases {
		if l.ip.Equal(ip) {
			if l.mac == mac {
				return true
			}

			if l.expiry.Before(now) {
				s.leases = append(s.leases[:i], s.leases[i+1:]...)

				return true
			}

			return false
		}
	}

	return true
}

// setLeaseLocked records or refreshes mac's lease on ip. s.mu must be held.
func (s *Server) setLeaseLocked(mac string, ip net.IP, expiry time.Time) {
	for _, l := range s.leases {
		if l.mac == mac {
			l.ip = append(net.IP{}, ip...)
			l.expiry = expiry

			return
		}
	}

	s.leases = append(s.leases, &lease{ip: append(net.IP{}, ip...), mac: mac, expiry: expiry})
}

// nextFreeRoundRobinLocked returns the first free address at or after
// s.poolCursor, wrapping modulo the pool size and never visiting more than
// one full lap. It does not move the cursor: reserve advances it past each
// confirmed lease, so repeated DISCOVERs are offered the same address until
// one is confirmed. s.mu must be held.
func (s *Server) nextFreeRoundRobinLocked(now time.Time) net.IP {
	start := s.conf.RangeStart.To4()
	end := s.conf.RangeEnd.To4()

	size := int(end[3]) - int(start[3]) + 1
	if size <= 0 {
		return nil
	}

	for n := 0; n < size; n++ {
		idx := (s.poolCursor + n) % size

		candidate := make(net.IP, 4)
		copy(candidate, start)
		candidate[3] = start[3] + byte(idx)

		if s.leasedLocked(candidate, now) {
			continue
		}

		return candidate
	}

	return nil
}

func (s *Server) leasedLocked(ip net.IP, now time.Time) bool {
	for i, l := range s.leases {
		if l.ip.Equal(ip) {
			if l.expiry.Before(now) {
				s.leases = append(s.leases[:i], s.leases[i+1:]...)

				return false
			}

			return true
		}
	}

	return false
}

// Leases returns a snapshot of the currently active (non-expired) leases.
func (s *Server) Leases() []net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	out := make([]net.IP, 0, len(s.leases))

	for _, l := range s.leases {
		if l.expiry.After(now) {
			out = append(out, l.ip)
		}
	}

	return out
}
