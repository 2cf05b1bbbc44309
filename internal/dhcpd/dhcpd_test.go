package dhcpd

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		InterfaceName: "wlan0",
		ServerIP:      net.IP{192, 168, 42, 1},
		RangeStart:    net.IP{192, 168, 42, 10},
		RangeEnd:      net.IP{192, 168, 42, 20},
		SubnetMask:    net.IP{255, 255, 255, 0},
		LeaseDuration: time.Hour,
	}
}

func requestFor(mac net.HardwareAddr, requestedIP net.IP) *dhcpv4.DHCPv4 {
	req := &dhcpv4.DHCPv4{ClientHWAddr: mac, OpCode: dhcpv4.OpcodeBootRequest}
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))

	if requestedIP != nil {
		req.UpdateOption(dhcpv4.OptRequestedIPAddress(requestedIP))
	}

	return req
}

func TestServer_OfferDoesNotReserve(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	mac := net.HardwareAddr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}

	ip := s.offer(mac, nil)
	require.NotNil(t, ip)
	assert.True(t, ip.Equal(net.IP{192, 168, 42, 10}))

	// Offering again before any REQUEST confirms it must not advance the
	// round-robin cursor past the same address.
	again := s.offer(mac, nil)
	assert.True(t, ip.Equal(again))
	assert.Empty(t, s.Leases())
}

func TestServer_ReserveThenOfferPrefersLastLease(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	mac := net.HardwareAddr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}

	ip := s.offer(mac, nil)
	require.NotNil(t, ip)

	confirmed, ok := s.reserve(requestFor(mac, ip))
	require.True(t, ok)
	assert.True(t, ip.Equal(confirmed))

	again := s.offer(mac, nil)
	assert.True(t, ip.Equal(again))
}

func TestServer_ReserveRejectsMismatchedHolder(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	mac1 := net.HardwareAddr{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	mac2 := net.HardwareAddr{0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}

	ip := s.offer(mac1, nil)
	_, ok := s.reserve(requestFor(mac1, ip))
	require.True(t, ok)

	_, ok = s.reserve(requestFor(mac2, ip))
	assert.False(t, ok)
}

func TestServer_RoundRobinAdvancesOnReserve(t *testing.T) {
	conf := testConfig()
	conf.RangeStart = net.IP{192, 168, 42, 10}
	conf.RangeEnd = net.IP{192, 168, 42, 11}

	s, err := New(conf)
	require.NoError(t, err)

	mac1 := net.HardwareAddr{0x01, 0, 0, 0, 0, 1}
	mac2 := net.HardwareAddr{0x01, 0, 0, 0, 0, 2}
	mac3 := net.HardwareAddr{0x01, 0, 0, 0, 0, 3}

	ip1 := s.offer(mac1, nil)
	require.NotNil(t, ip1)
	_, ok := s.reserve(requestFor(mac1, ip1))
	require.True(t, ok)

	ip2 := s.offer(mac2, nil)
	require.NotNil(t, ip2)
	assert.False(t, ip1.Equal(ip2))
	_, ok = s.reserve(requestFor(mac2, ip2))
	require.True(t, ok)

	assert.Nil(t, s.offer(mac3, nil))
}

func TestServer_ReleaseFreesAddress(t *testing.T) {
	conf := testConfig()
	conf.RangeStart = net.IP{192, 168, 42, 10}
	conf.RangeEnd = net.IP{192, 168, 42, 10}

	s, err := New(conf)
	require.NoError(t, err)

	mac1 := net.HardwareAddr{0x01, 0, 0, 0, 0, 1}
	mac2 := net.HardwareAddr{0x01, 0, 0, 0, 0, 2}

	ip1 := s.offer(mac1, nil)
	require.NotNil(t, ip1)
	_, ok := s.reserve(requestFor(mac1, ip1))
	require.True(t, ok)

	assert.Nil(t, s.offer(mac2, nil))

	s.release(&dhcpv4.DHCPv4{ClientHWAddr: mac1})

	assert.NotNil(t, s.offer(mac2, nil))
}

func TestServer_ProcessDiscoverSetsMandatoryOptions(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	mac := net.HardwareAddr{0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}
	req := &dhcpv4.DHCPv4{ClientHWAddr: mac, OpCode: dhcpv4.OpcodeBootRequest}
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeDiscover))

	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)

	ok := s.process(req, resp)
	require.True(t, ok)

	assert.Equal(t, dhcpv4.MessageTypeOffer, resp.MessageType())
	assert.True(t, resp.YourIPAddr.Equal(net.IP{192, 168, 42, 10}))
	assert.True(t, resp.Router()[0].Equal(s.conf.ServerIP))
	assert.True(t, resp.ServerIdentifier().Equal(s.conf.ServerIP))
	assert.Empty(t, s.Leases(), "a DISCOVER must not reserve a lease")
}

func TestServer_ProcessRequestNaksUnavailableAddress(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	holder := net.HardwareAddr{0x01, 0, 0, 0, 0, 1}
	ip := s.offer(holder, nil)
	_, ok := s.reserve(requestFor(holder, ip))
	require.True(t, ok)

	other := net.HardwareAddr{0x01, 0, 0, 0, 0, 2}
	req := requestFor(other, ip)

	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)

	ok = s.process(req, resp)
	require.True(t, ok)

	assert.Equal(t, dhcpv4.MessageTypeNak, resp.MessageType())
	assert.NotEmpty(t, resp.Options.Get(dhcpv4.OptionMessage))
}

func TestServer_FilterOptionsTrimsToParameterRequestList(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	mac := net.HardwareAddr{0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE}

	ip := s.offer(mac, nil)
	_, ok := s.reserve(requestFor(mac, ip))
	require.True(t, ok)

	req := requestFor(mac, ip)
	req.Options[dhcpv4.OptionParameterRequestList.Code()] = []byte{dhcpv4.OptionSubnetMask.Code()}

	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)
	require.True(t, s.process(req, resp))

	s.filterOptions(resp, req.Options.Get(dhcpv4.OptionParameterRequestList))

	assert.NotEmpty(t, resp.Options.Get(dhcpv4.OptionDHCPMessageType))
	assert.NotEmpty(t, resp.Options.Get(dhcpv4.OptionServerIdentifier))
	assert.NotEmpty(t, resp.Options.Get(dhcpv4.OptionSubnetMask))
	assert.Empty(t, resp.Options.Get(dhcpv4.OptionRouter))
	assert.Empty(t, resp.Options.Get(dhcpv4.OptionDomainNameServer))
}

func TestServer_LeasesSnapshot(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	mac := net.HardwareAddr{0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD}
	ip := s.offer(mac, nil)
	_, ok := s.reserve(requestFor(mac, ip))
	require.True(t, ok)

	leases := s.Leases()
	require.Len(t, leases, 1)
	assert.True(t, leases[0].Equal(net.IP{192, 168, 42, 10}))
}
