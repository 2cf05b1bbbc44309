package wifibackend

import (
	"context"

	"github.com/godbus/dbus/v5"
)

// SignalStream turns godbus's single shared, process-wide signal channel
// into a cancellable, per-subscriber stream: Subscribe registers match
// rules and returns a channel that is closed (and its match rules removed)
// as soon as ctx is done, so callers never have to remember to
// unsubscribe by hand. This is Component H.
type SignalStream struct {
	conn *dbus.Conn
}

// NewSignalStream wraps conn.
func NewSignalStream(conn *dbus.Conn) *SignalStream {
	return &SignalStream{conn: conn}
}

// Subscribe adds matchRules, relays every *dbus.Signal whose Name and Path
// satisfy accept to the returned channel, and tears the subscription down
// when ctx is done.
func (s *SignalStream) Subscribe(
	ctx context.Context,
	matchRules []dbus.MatchOption,
	accept func(*dbus.Signal) bool,
) (<-chan *dbus.Signal, error) {
	for _, rule := range matchRules {
		if err := s.conn.AddMatchSignal(rule); err != nil {
			return nil, err
		}
	}

	raw := make(chan *dbus.Signal, 32)
	s.conn.Signal(raw)

	out := make(chan *dbus.Signal, 32)

	go func() {
		defer close(out)
		defer s.conn.RemoveSignal(raw)

		for _, rule := range matchRules {
			defer func(rule dbus.MatchOption) { _ = s.conn.RemoveMatchSignal(rule) }(rule)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-raw:
				if !ok {
					return
				}

				if sig == nil || (accept != nil && !accept(sig)) {
					continue
				}

				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
