package wifibackend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohx-io/wifi-connect/internal/wifitypes"
)

func drain(t *testing.T, out <-chan wifitypes.WifiConnectionEvent, n int) []wifitypes.WifiConnectionEvent {
	t.Helper()

	got := make([]wifitypes.WifiConnectionEvent, 0, n)

	for i := 0; i < n; i++ {
		select {
		case ev, ok := <-out:
			require.True(t, ok, "channel closed early")
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}

	return got
}

func TestMergeAccessPointEvents_FansInAllSources(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan wifitypes.WifiConnectionEvent, 1)
	b := make(chan wifitypes.WifiConnectionEvent, 1)

	out := MergeAccessPointEvents(ctx, a, b)

	a <- wifitypes.WifiConnectionEvent{Kind: wifitypes.EventAdded}
	b <- wifitypes.WifiConnectionEvent{Kind: wifitypes.EventRemoved}

	got := drain(t, out, 2)
	kinds := []wifitypes.EventKind{got[0].Kind, got[1].Kind}
	assert.ElementsMatch(t, []wifitypes.EventKind{wifitypes.EventAdded, wifitypes.EventRemoved}, kinds)
}

func TestMergeAccessPointEvents_ClosesWhenAllSourcesClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan wifitypes.WifiConnectionEvent)
	b := make(chan wifitypes.WifiConnectionEvent)

	out := MergeAccessPointEvents(ctx, a, b)

	close(a)
	close(b)

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("merged channel never closed")
	}
}

func TestMergeAccessPointEvents_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	a := make(chan wifitypes.WifiConnectionEvent)

	out := MergeAccessPointEvents(ctx, a)

	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("merged channel never closed after cancel")
	}
}
