package wifibackend

import (
	"context"
	"sync"

	"github.com/ohx-io/wifi-connect/internal/wifitypes"
)

// MergeAccessPointEvents fans multiple per-source event channels into one,
// the way a backend's "added" and "removed" D-Bus signal subscriptions
// (two independent SignalStream subscriptions) are combined into the
// single stream Backend.AccessPointEvents promises (§4.G). Modeled on the
// concurrent-discovery-then-merge shape used for multi-protocol device
// discovery elsewhere in the pack (WaitGroup fan-in, not a shared slice
// here since the contract is a channel, not a result list).
func MergeAccessPointEvents(ctx context.Context, sources ...<-chan wifitypes.WifiConnectionEvent) <-chan wifitypes.WifiConnectionEvent {
	out := make(chan wifitypes.WifiConnectionEvent, 32)

	var wg sync.WaitGroup

	wg.Add(len(sources))

	for _, src := range sources {
		go func(src <-chan wifitypes.WifiConnectionEvent) {
			defer wg.Done()

			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-src:
					if !ok {
						return
					}

					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
