// Package dnsresponder is the captive portal's DNS server (Component B): it
// answers every question with an A record pointing at the gateway, which is
// what makes a captive portal "work" without the client having to know a
// special hostname. Built the same way the teacher wires miekg/dns — a
// dns.HandlerFunc closed over server state, (&dns.Msg{}).SetReply(req) —
// but with none of the forwarding-proxy machinery internal/dnsforward
// needs, since there's nowhere to forward to.
package dnsresponder

import (
	"context"
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"
)

// AnswerTTL is the TTL, in seconds, attached to every A record this server
// returns. Short enough that a client won't cache a stale answer across a
// DHCP lease renewal.
const AnswerTTL = 360

// MaxResponseSize is the largest reply this server will ever construct,
// matching the historical 512-octet UDP ceiling so replies never need
// truncation logic.
const MaxResponseSize = 512

// Config configures one Server.
type Config struct {
	// InterfaceName is the hotspot's wireless interface; Server binds to
	// its IPv4 address rather than to a wildcard address.
	InterfaceName string

	// GatewayIP is the address returned as the answer to every A query.
	GatewayIP net.IP

	// Port is the UDP port to listen on (53 in production, overridable
	// for tests).
	Port int
}

// Server answers every DNS query on the hotspot interface with the
// gateway's own address.
type Server struct {
	conf Config
	srv  *dns.Server
}

// New validates conf and returns a Server ready to Start.
func New(conf Config) (*Server, error) {
	if conf.GatewayIP == nil || conf.GatewayIP.To4() == nil {
		return nil, fmt.Errorf("dnsresponder: GatewayIP must be an IPv4 address")
	}

	if conf.Port == 0 {
		conf.Port = 53
	}

	return &Server{conf: conf}, nil
}

// Start binds the UDP socket and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.conf.GatewayIP, s.conf.Port)

	pc, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return fmt.Errorf("dnsresponder: binding %s: %w", addr, err)
	}

	s.srv = &dns.Server{
		PacketConn: pc,
		Handler:    dns.HandlerFunc(s.handle),
		UDPSize:    MaxResponseSize,
	}

	log.Info("dns: listening on %s", addr)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	err = s.srv.ActivateAndServe()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("dnsresponder: serve: %w", err)
	}

	return nil
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop() {
	if s.srv == nil {
		return
	}

	log.Debug("dns: stopping")

	if err := s.srv.Shutdown(); err != nil {
		log.Error("dns: shutdown: %s", err)
	}
}

// handle answers every question in req with an A record for GatewayIP,
// FORMERR if the question section is empty, and leaves anything else (AAAA,
// other record types) to get the same A-record treatment: captive-portal
// clients only ever care that *some* address comes back so they'll issue
// the HTTP request that trips the platform's captive-portal detector.
func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg).SetReply(req)
	resp.RecursionAvailable = true

	if len(req.Question) == 0 {
		resp.SetRcode(req, dns.RcodeFormatError)
		s.write(w, resp)

		return
	}

	resp.Authoritative = true

	for _, q := range req.Question {
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    AnswerTTL,
			},
			A: s.conf.GatewayIP.To4(),
		})
	}

	s.write(w, resp)
}

func (s *Server) write(w dns.ResponseWriter, resp *dns.Msg) {
	if err := w.WriteMsg(resp); err != nil {
		log.Error("dns: writing response: %s", err)
	}
}
