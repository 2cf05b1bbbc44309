package statemachine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohx-io/wifi-connect/internal/wfconfig"
	"github.com/ohx-io/wifi-connect/internal/wifibackend/fake"
	"github.com/ohx-io/wifi-connect/internal/wifitypes"
)

func testConfig() wfconfig.Config {
	cfg := wfconfig.Default()
	cfg.WaitBeforeReconfigure = 1
	cfg.RetryIn = 1

	return cfg
}

func TestStartUp_AlreadyConnected(t *testing.T) {
	backend := fake.New()
	backend.SetState(wifitypes.LinkConnected)

	m := New(backend, testConfig())

	next, err := m.startUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, next)
}

func TestStartUp_Transitional(t *testing.T) {
	backend := fake.New()
	backend.SetState(wifitypes.LinkConnecting)

	m := New(backend, testConfig())

	next, err := m.startUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateTryReconnect, next)
}

func TestStartUp_Disconnected(t *testing.T) {
	backend := fake.New()
	backend.SetState(wifitypes.LinkDisconnected)

	m := New(backend, testConfig())

	next, err := m.startUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateActivatePortal, next)
}

func TestTryReconnect_Succeeds(t *testing.T) {
	backend := fake.New()
	backend.AutoConnectResult = true

	m := New(backend, testConfig())

	next, err := m.tryReconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, next)
}

func TestTryReconnect_GivesUpToActivatePortal(t *testing.T) {
	backend := fake.New()
	backend.AutoConnectResult = false

	m := New(backend, testConfig())

	next, err := m.tryReconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateActivatePortal, next)
}

func TestConnected_QuitAfterConnectedExitsImmediately(t *testing.T) {
	backend := fake.New()
	backend.SetState(wifitypes.LinkConnected)

	conf := testConfig()
	conf.QuitAfterConnected = true

	m := New(backend, conf)

	next, err := m.connected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateExit, next)
}

func TestConnected_SelfHealingDropNeverTriggersReconnect(t *testing.T) {
	backend := fake.New()
	backend.SetState(wifitypes.LinkConnected)

	m := New(backend, testConfig())
	m.debounce = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(30 * time.Millisecond)
		backend.SetState(wifitypes.LinkDisconnected)
		time.Sleep(30 * time.Millisecond)
		backend.SetState(wifitypes.LinkConnected)
	}()

	_, err := m.connected(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a drop shorter than the debounce must not trigger TryReconnect")
}

func TestConnected_DisconnectedOverDebounceReturnsTryReconnect(t *testing.T) {
	backend := fake.New()
	backend.SetState(wifitypes.LinkDisconnected)

	m := New(backend, testConfig())
	m.debounce = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	next, err := m.connected(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTryReconnect, next)
}

func TestConnect_OpenNetworkSucceeds(t *testing.T) {
	backend := fake.New()

	m := New(backend, testConfig())

	req := &wifitypes.WifiConnectionRequest{Mode: wifitypes.ModeOpen, SSID: "guest"}

	next, err := m.connect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, next)
}

func TestConnect_RejectsShortPassphraseWithoutCallingBackend(t *testing.T) {
	backend := fake.New()

	m := New(backend, testConfig())

	short := "short"
	req := &wifitypes.WifiConnectionRequest{Mode: wifitypes.ModeWPA, SSID: "home", Passphrase: &short}

	next, err := m.connect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateActivatePortal, next)
}

func TestConnect_BackendFailureReturnsToActivatePortal(t *testing.T) {
	backend := fake.New()
	backend.ConnectErr = assert.AnError

	m := New(backend, testConfig())

	pass := "abcdefgh"
	req := &wifitypes.WifiConnectionRequest{Mode: wifitypes.ModeWPA, SSID: "home", Passphrase: &pass}

	next, err := m.connect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateActivatePortal, next)
}

func TestConnect_NilRequestReturnsToActivatePortal(t *testing.T) {
	backend := fake.New()

	m := New(backend, testConfig())

	next, err := m.connect(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateActivatePortal, next)
}

func TestHotspotCredentials(t *testing.T) {
	m := New(fake.New(), testConfig())

	creds, err := m.hotspotCredentials()
	require.NoError(t, err)
	assert.Equal(t, wifitypes.CredentialNone, creds.Kind)

	pass := "abcdefgh"
	m.conf.PortalPassphrase = &pass

	creds, err = m.hotspotCredentials()
	require.NoError(t, err)
	assert.Equal(t, wifitypes.CredentialWPA, creds.Kind)

	m.conf.PortalIdentity = "agent"

	creds, err = m.hotspotCredentials()
	require.NoError(t, err)
	assert.Equal(t, wifitypes.CredentialEnterprise, creds.Kind)
}

func TestBuildPortalConfig_DerivesRangeFromGateway(t *testing.T) {
	conf := testConfig()
	conf.GatewayIPv4 = net.IPv4(192, 168, 42, 1)
	conf.ListeningPort = 8080

	pc := buildPortalConfig(conf)

	assert.Equal(t, "192.168.42.1:8080", pc.ListenAddr)
	assert.True(t, pc.DHCP.RangeStart.Equal(net.IPv4(192, 168, 42, 2)))
	assert.True(t, pc.DHCP.RangeEnd.Equal(net.IPv4(192, 168, 42, 101)))
}

func TestRun_SignalCancelReturnsErrExit(t *testing.T) {
	backend := fake.New()
	backend.SetState(wifitypes.LinkConnecting)

	conf := testConfig()
	conf.WaitBeforeReconfigure = 3600

	m := New(backend, conf)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrExit)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRun_QuitAfterConnectedExitsCleanly(t *testing.T) {
	backend := fake.New()
	backend.SetState(wifitypes.LinkConnected)

	conf := testConfig()
	conf.QuitAfterConnected = true

	m := New(backend, conf)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit")
	}
}
