package dnsresponder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (addr string) {
	t.Helper()

	s, err := New(Config{GatewayIP: net.IP{127, 0, 0, 1}, Port: 0})
	require.NoError(t, err)

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	s.srv = &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(s.handle), UDPSize: MaxResponseSize}

	go func() { _ = s.srv.ActivateAndServe() }()

	t.Cleanup(func() { _ = s.srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestServer_AnswersEveryQuestionWithGateway(t *testing.T) {
	addr := startTestServer(t)

	req := new(dns.Msg).SetQuestion("connectivitycheck.gstatic.com.", dns.TypeA)

	client := &dns.Client{Timeout: 2 * time.Second}

	reply, _, err := client.Exchange(req, addr)
	require.NoError(t, err)
	require.Len(t, reply.Answer, 1)

	a, ok := reply.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.True(t, a.A.Equal(net.IP{127, 0, 0, 1}))
	assert.EqualValues(t, AnswerTTL, a.Hdr.Ttl)
}

func TestServer_AnsweredRegardlessOfQueryType(t *testing.T) {
	addr := startTestServer(t)

	req := new(dns.Msg).SetQuestion("example.invalid.", dns.TypeAAAA)

	reply, err := dns.Exchange(req, addr)
	require.NoError(t, err)
	require.Len(t, reply.Answer, 1)
}

func TestServer_FormErrorOnEmptyQuestion(t *testing.T) {
	addr := startTestServer(t)

	req := &dns.Msg{}
	req.SetEdns0(4096, false)

	reply, err := dns.Exchange(req, addr)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeFormatError, reply.Rcode)
}

func TestNew_RejectsNonIPv4Gateway(t *testing.T) {
	_, err := New(Config{GatewayIP: net.ParseIP("::1")})
	assert.Error(t, err)
}

func TestServer_StartStop(t *testing.T) {
	s, err := New(Config{GatewayIP: net.IP{127, 0, 0, 1}, Port: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
