package realtime

import (
	"sync"
	"time"

	"github.com/ericfitz/realtime/internal/metrics"
	"github.com/ericfitz/realtime/internal/slogging"
)

// DrainManager cycles every locally-held connection to another process ahead
// of a shutdown or deploy, by signaling batches of clients to reconnect
// gracefully on a repeating timer.
type DrainManager struct {
	clients  ClientLister
	interval time.Duration

	mu       sync.Mutex
	signaled map[string]bool
	finished bool
	ticker   *time.Ticker
	stop     chan struct{}
}

// NewDrainManager creates a drain manager that signals clients in batches
// every interval.
func NewDrainManager(clients ClientLister, interval time.Duration) *DrainManager {
	if interval <= 0 {
		interval = time.Second
	}
	return &DrainManager{
		clients:  clients,
		interval: interval,
		signaled: make(map[string]bool),
	}
}

// StartDrainTimeWindow drains every current connection within the given
// window, rounding the per-tick rate up so the last client is signaled
// before the window closes.
func (d *DrainManager) StartDrainTimeWindow(durationMinutes int) {
	total := len(d.clients.AllClients())
	ticks := int(time.Duration(durationMinutes) * time.Minute / d.interval)
	if ticks < 1 {
		ticks = 1
	}
	rate := (total + ticks - 1) / ticks
	if rate < 1 {
		rate = 1
	}
	slogging.Get().Info("starting drain: %d clients over %d minutes, %d per tick", total, durationMinutes, rate)
	d.StartDrain(rate)
}

// StartDrain signals rate clients per tick until every connection present at
// any point during the drain has been signaled. A zero rate stops the drain.
func (d *DrainManager) StartDrain(rate int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticker != nil {
		d.ticker.Stop()
		close(d.stop)
		d.ticker = nil
	}
	if rate <= 0 {
		slogging.Get().Info("drain stopped")
		return
	}
	d.finished = false
	d.ticker = time.NewTicker(d.interval)
	d.stop = make(chan struct{})
	go func(ticker *time.Ticker, stop chan struct{}) {
		for {
			select {
			case <-ticker.C:
				d.ReconnectNClients(rate)
			case <-stop:
				return
			}
		}
	}(d.ticker, d.stop)
}

// ReconnectNClients signals up to n not-yet-signaled connections to
// reconnect. The cursor over the connection list only advances: a client
// already signaled is never signaled again, and completion is logged exactly
// once per drain.
func (d *DrainManager) ReconnectNClients(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	drained := 0
	for _, client := range d.clients.AllClients() {
		if d.signaled[client.PublicID] {
			continue
		}
		d.signaled[client.PublicID] = true
		client.Emit("reconnectGracefully")
		metrics.DrainedClients.Inc()
		drained++
		if drained >= n {
			break
		}
	}
	if drained < n && !d.finished {
		d.finished = true
		slogging.Get().Info("drain complete: all connected clients have been signaled")
	}
	return drained
}
