package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohx-io/wifi-connect/internal/dhcpd"
	"github.com/ohx-io/wifi-connect/internal/dnsresponder"
	"github.com/ohx-io/wifi-connect/internal/wifibackend/fake"
	"github.com/ohx-io/wifi-connect/internal/wifitypes"
)

func testPortal(t *testing.T) (*Portal, *fake.Backend) {
	t.Helper()

	backend := fake.New()

	conf := Config{
		ListenAddr: "127.0.0.1:0",
		DHCP: dhcpd.Config{
			InterfaceName: "wlan0",
			ServerIP:      []byte{192, 168, 4, 1},
			RangeStart:    []byte{192, 168, 4, 10},
			RangeEnd:      []byte{192, 168, 4, 20},
			SubnetMask:    []byte{255, 255, 255, 0},
		},
		DNS: dnsresponder.Config{GatewayIP: []byte{192, 168, 4, 1}},
	}

	p, err := New(conf, backend)
	require.NoError(t, err)

	return p, backend
}

func ssid(s string) wifitypes.SSID {
	v, err := wifitypes.NewSSID([]byte(s))
	if err != nil {
		panic(err)
	}

	return v
}

func TestHandleNetworks_ReturnsSnapshot(t *testing.T) {
	p, _ := testPortal(t)
	p.aps["home"] = wifitypes.WifiConnection{SSID: ssid("home"), HW: "aa:bb:cc:dd:ee:ff"}

	req := httptest.NewRequest(http.MethodGet, "/networks", nil)
	rec := httptest.NewRecorder()

	p.handleNetworks(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got []struct {
		SSID wifitypes.SSID `json:"ssid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "home", got[0].SSID.String())
}

func TestHandleRefresh_TriggersScan(t *testing.T) {
	p, backend := testPortal(t)
	backend.SetAccessPoints([]wifitypes.WifiConnection{{SSID: ssid("office")}})

	req := httptest.NewRequest(http.MethodGet, "/refresh", nil)
	rec := httptest.NewRecorder()

	p.handleRefresh(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRefresh_ReportsBackendError(t *testing.T) {
	p, backend := testPortal(t)
	require.NoError(t, backend.HotspotStart(context.Background(), ssid("hotspot"), wifitypes.NoCredentials()))

	req := httptest.NewRequest(http.MethodGet, "/refresh", nil)
	rec := httptest.NewRecorder()

	p.handleRefresh(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleConnect_AcceptsOnce(t *testing.T) {
	p, _ := testPortal(t)

	body := strings.NewReader(`{"mode":"open","ssid":"guest"}`)
	req := httptest.NewRequest(http.MethodPost, "/connect", body)
	rec := httptest.NewRecorder()

	p.handleConnect(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case got := <-p.accepted:
		assert.Equal(t, "guest", got.SSID)
	case <-time.After(time.Second):
		t.Fatal("accepted request not delivered")
	}
}

func TestHandleConnect_SecondCallFails(t *testing.T) {
	p, _ := testPortal(t)

	ok := p.acceptConnect(wifitypes.WifiConnectionRequest{SSID: "first"})
	require.True(t, ok)

	// Drain so the buffered channel doesn't mask the second accept.
	<-p.accepted

	req := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader(`{"mode":"open","ssid":"second"}`))
	rec := httptest.NewRecorder()

	p.handleConnect(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleConnect_BadBody(t *testing.T) {
	p, _ := testPortal(t)

	req := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	p.handleConnect(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelayEvents_UpdatesSnapshotAndSubscribers(t *testing.T) {
	p, backend := testPortal(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := backend.AccessPointEvents(ctx)
	require.NoError(t, err)

	go p.relayEvents(ctx, events)

	sub := p.subscribe(peerIP("1.2.3.4:1111"))

	backend.SetAccessPoints([]wifitypes.WifiConnection{{SSID: ssid("newap")}})

	select {
	case ev := <-sub:
		assert.Equal(t, "Added", ev.name)
		conn, ok := ev.payload.(wifitypes.WifiConnection)
		require.True(t, ok)
		assert.Equal(t, "newap", conn.SSID.String())
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	assert.Eventually(t, func() bool {
		return len(p.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribe_EvictsPriorEntryForSamePeer(t *testing.T) {
	p, _ := testPortal(t)

	first := p.subscribe(peerIP("9.9.9.9:1"))
	second := p.subscribe(peerIP("9.9.9.9:1"))

	_, open := <-first
	assert.False(t, open, "prior subscriber for the same peer should be closed")
	assert.NotNil(t, second)
}

func TestSubscribe_EvictsPriorEntryForSameIPDifferentPort(t *testing.T) {
	p, _ := testPortal(t)

	first := p.subscribe(peerIP("9.9.9.9:1111"))
	second := p.subscribe(peerIP("9.9.9.9:2222"))

	_, open := <-first
	assert.False(t, open, "reconnecting from a new source port must still evict the prior subscriber")
	assert.NotNil(t, second)
}

func TestPeerIP_StripsEphemeralPort(t *testing.T) {
	assert.Equal(t, "9.9.9.9", peerIP("9.9.9.9:1111"))
	assert.Equal(t, "9.9.9.9", peerIP("9.9.9.9:2222"))
	assert.Equal(t, "::1", peerIP("[::1]:1111"))
}

// acceptConnect and the select in Start share the same accepted channel;
// exercised directly here since Start itself binds real DHCP/DNS sockets
// that aren't available in a test sandbox (see internal/dhcpd's own tests,
// which avoid a real interface the same way).
func TestAcceptConnect_OnlyFirstCallSucceeds(t *testing.T) {
	p, _ := testPortal(t)

	ok1 := p.acceptConnect(wifitypes.WifiConnectionRequest{SSID: "one"})
	ok2 := p.acceptConnect(wifitypes.WifiConnectionRequest{SSID: "two"})

	assert.True(t, ok1)
	assert.False(t, ok2)

	got := <-p.accepted
	assert.Equal(t, "one", got.SSID)
}
