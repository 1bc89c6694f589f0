package scansync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestMonitor_TracksTransitions(t *testing.T) {
	prober := &fakeProber{}
	m := NewMonitor(prober, 5*time.Millisecond, testLogger())
	t.Cleanup(m.Close)

	assert.True(t, m.Online(), "assumed online before the first probe")

	m.Start(context.Background())
	prober.setErr(errors.New("no route to host"))
	require.Eventually(t, func() bool { return !m.Online() }, time.Second, time.Millisecond)

	prober.setErr(nil)
	require.Eventually(t, m.Online, time.Second, time.Millisecond)
}

func TestMonitor_Refresh(t *testing.T) {
	prober := &fakeProber{err: errors.New("down")}
	m := NewMonitor(prober, time.Second, testLogger())
	t.Cleanup(m.Close)

	m.Refresh(context.Background())
	assert.False(t, m.Online())

	prober.setErr(nil)
	m.Refresh(context.Background())
	assert.True(t, m.Online())
}

func TestMonitor_OnReconnectFiresOncePerCycle(t *testing.T) {
	m := NewMonitor(&fakeProber{}, time.Second, testLogger())
	t.Cleanup(m.Close)

	var fired atomic.Int32
	m.OnReconnect(func() { fired.Add(1) }, ReconnectOptions{Debounce: time.Millisecond, Enabled: true})

	m.SetOnline(false)
	m.SetOnline(true)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)

	// Repeated online observations within the same cycle do not re-fire.
	m.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	m.SetOnline(false)
	m.SetOnline(true)
	require.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, time.Millisecond)
}

func TestMonitor_DebounceRidesOutFlapping(t *testing.T) {
	m := NewMonitor(&fakeProber{}, time.Second, testLogger())
	t.Cleanup(m.Close)

	var fired atomic.Int32
	m.OnReconnect(func() { fired.Add(1) }, ReconnectOptions{Debounce: 30 * time.Millisecond, Enabled: true})

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(false) // flap before the debounce elapses
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, fired.Load(), "flapped connection must not fire")

	m.SetOnline(true)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
}

func TestMonitor_DisabledSubscription(t *testing.T) {
	m := NewMonitor(&fakeProber{}, time.Second, testLogger())
	t.Cleanup(m.Close)

	var fired atomic.Int32
	m.OnReconnect(func() { fired.Add(1) }, ReconnectOptions{Enabled: false})

	m.SetOnline(false)
	m.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestMonitor_CancelSubscription(t *testing.T) {
	m := NewMonitor(&fakeProber{}, time.Second, testLogger())
	t.Cleanup(m.Close)

	var fired atomic.Int32
	cancel := m.OnReconnect(func() { fired.Add(1) }, ReconnectOptions{Enabled: true})
	cancel()

	m.SetOnline(false)
	m.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fired.Load())
}
