package hubclient

import (
	"context"
	"net"
	"time"
)

// SignalSink receives environment changes. *Manager implements it.
type SignalSink interface {
	NetworkOnline()
	NetworkOffline()
	Hidden()
	VisibleAfter(d time.Duration)
}

var _ SignalSink = (*Manager)(nil)

// NetworkProbe reports connectivity changes by periodically dialing Address.
// Only transitions are reported, and the network is assumed online at start.
type NetworkProbe struct {
	Address  string
	Interval time.Duration
	Timeout  time.Duration

	// Dial defaults to a net.Dialer with Timeout.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Run probes until ctx is done.
func (p NetworkProbe) Run(ctx context.Context, sink SignalSink) {
	if p.Interval <= 0 {
		p.Interval = 5 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 3 * time.Second
	}
	if p.Dial == nil {
		d := &net.Dialer{Timeout: p.Timeout}
		p.Dial = d.DialContext
	}

	online := true
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := p.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if now == online {
			continue
		}
		online = now
		if online {
			sink.NetworkOnline()
		} else {
			sink.NetworkOffline()
		}
	}
}

func (p NetworkProbe) probe(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := p.Dial(dialCtx, "tcp", p.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// SuspendDetector notices when the process was frozen, for example by a
// laptop going to sleep, and reports the resume as VisibleAfter(gap).
// It compares wall clock readings between ticks; the monotonic clock stops
// during suspend on some platforms and cannot be used.
type SuspendDetector struct {
	Interval time.Duration
	// Tolerance is the extra delay between ticks that counts as a suspend.
	Tolerance time.Duration

	now func() time.Time
}

// Run watches for suspends until ctx is done.
func (d SuspendDetector) Run(ctx context.Context, sink SignalSink) {
	if d.Interval <= 0 {
		d.Interval = time.Second
	}
	if d.Tolerance <= 0 {
		d.Tolerance = 5 * time.Second
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().Round(0) }
	}

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	last := d.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := d.now()
		if gap := now.Sub(last); gap > d.Interval+d.Tolerance {
			sink.Hidden()
			sink.VisibleAfter(gap)
		}
		last = now
	}
}
