package scansync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober performs one connectivity check. A nil error means online.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber checks connectivity with a HEAD request. Any HTTP
// response counts as online; only transport failures count as offline.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ReconnectOptions configures an OnReconnect subscription.
type ReconnectOptions struct {
	// Debounce delays the callback after a reconnect is observed, to
	// ride out connection flapping. Zero means fire immediately.
	Debounce time.Duration
	// Enabled gates the subscription without tearing it down.
	Enabled bool
}

// NetworkMonitor is the connectivity surface the sync engine consumes.
type NetworkMonitor interface {
	Online() bool
	OnReconnect(fn func(), opts ReconnectOptions) (cancel func())
}

type reconnectSub struct {
	fn    func()
	opts  ReconnectOptions
	fired bool
	timer *time.Timer
}

// Monitor polls a Prober and tracks online/offline transitions.
// Reconnect subscribers fire once per offline-to-online cycle, after
// their debounce, and only if the connection is still up when the
// debounce elapses.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      *logrus.Entry

	mu     sync.Mutex
	online bool
	subs   map[int]*reconnectSub
	nextID int

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor builds a Monitor. The device is assumed online until the
// first probe says otherwise, matching how scan capture should not be
// blocked on a probe that has not run yet.
func NewMonitor(prober Prober, interval time.Duration, log *logrus.Entry) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		log:      log.WithField("component", "network-monitor"),
		online:   true,
		subs:     make(map[int]*reconnectSub),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start probes immediately and then on every interval until Close.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	go func() {
		defer close(m.done)
		m.check(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.check(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the probe loop and cancels pending debounce timers.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.timer != nil {
			sub.timer.Stop()
		}
	}
}

// Refresh runs one probe synchronously. Useful for one-shot commands
// that cannot wait for the polling loop.
func (m *Monitor) Refresh(ctx context.Context) {
	m.check(ctx)
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.prober.Probe(probeCtx)
	cancel()
	m.SetOnline(err == nil)
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity observation and drives reconnect
// subscriptions. Exposed so transports that learn about connectivity
// first-hand (a failed submission, for instance) can feed the monitor.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if online == m.online {
		return
	}
	m.online = online
	if !online {
		m.log.Warn("connection lost")
		// A new offline cycle re-arms every subscriber.
		for _, sub := range m.subs {
			sub.fired = false
			if sub.timer != nil {
				sub.timer.Stop()
				sub.timer = nil
			}
		}
		return
	}
	m.log.Info("connection restored")
	for _, sub := range m.subs {
		m.scheduleLocked(sub)
	}
}

// OnReconnect registers fn to run after each offline-to-online
// transition. The returned cancel removes the subscription.
func (m *Monitor) OnReconnect(fn func(), opts ReconnectOptions) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = &reconnectSub{fn: fn, opts: opts}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok && sub.timer != nil {
			sub.timer.Stop()
		}
		delete(m.subs, id)
	}
}

func (m *Monitor) scheduleLocked(sub *reconnectSub) {
	if !sub.opts.Enabled || sub.fired {
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.timer = time.AfterFunc(sub.opts.Debounce, func() {
		m.mu.Lock()
		// Re-check after the debounce: the connection may have
		// flapped again while the timer was pending.
		if !m.online || sub.fired || !sub.opts.Enabled {
			m.mu.Unlock()
			return
		}
		sub.fired = true
		m.mu.Unlock()
		sub.fn()
	})
}
