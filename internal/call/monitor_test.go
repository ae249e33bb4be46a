package call

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimelab/chime/internal/rtc"
)

func TestReconnectDelayGrowsLinearly(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, reconnectDelay(base, 1))
	assert.Equal(t, 4*time.Second, reconnectDelay(base, 2))
	assert.Equal(t, 6*time.Second, reconnectDelay(base, 3))
}

func TestClassifyLoss(t *testing.T) {
	assert.Equal(t, QualityGood, classifyLoss(0))
	assert.Equal(t, QualityGood, classifyLoss(0.05))
	assert.Equal(t, QualityMedium, classifyLoss(0.06))
	assert.Equal(t, QualityMedium, classifyLoss(0.10))
	assert.Equal(t, QualityPoor, classifyLoss(0.11))
	assert.Equal(t, QualityPoor, classifyLoss(1))
}

func TestMonitorGivesUpAfterMaxAttempts(t *testing.T) {
	m := newMonitor(Config{ReconnectAttempts: 2, ReconnectBase: time.Millisecond})
	defer m.stop()

	var mu sync.Mutex
	var attempts []int
	gaveUp := make(chan struct{})
	m.onReconnect = func(a int) {
		mu.Lock()
		attempts = append(attempts, a)
		mu.Unlock()
		// The restart goes unanswered: the link drops again.
		m.handleState(rtc.LinkFailed)
	}
	m.onGiveUp = func() { close(gaveUp) }

	m.handleState(rtc.LinkDisconnected)

	select {
	case <-gaveUp:
	case <-time.After(time.Second):
		t.Fatal("monitor never gave up")
	}

	mu.Lock()
	assert.Equal(t, []int{1, 2}, attempts)
	mu.Unlock()
}

func TestMonitorSingleOutageConsumesOneAttempt(t *testing.T) {
	m := newMonitor(Config{ReconnectAttempts: 3, ReconnectBase: time.Millisecond})
	defer m.stop()

	var mu sync.Mutex
	var attempts []int
	m.onReconnect = func(a int) {
		mu.Lock()
		attempts = append(attempts, a)
		mu.Unlock()
	}

	// One outage, reported twice by the link state machine.
	m.handleState(rtc.LinkDisconnected)
	m.handleState(rtc.LinkFailed)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1}, attempts, "disconnected then failed is one outage, one attempt")
	mu.Unlock()
}

func TestMonitorRecoveryCancelsInFlightReconnect(t *testing.T) {
	m := newMonitor(Config{ReconnectAttempts: 3, ReconnectBase: 10 * time.Millisecond})
	defer m.stop()

	fired := make(chan int, 4)
	m.onReconnect = func(a int) { fired <- a }

	m.handleState(rtc.LinkDisconnected)
	m.handleState(rtc.LinkFailed)
	m.handleState(rtc.LinkConnected)

	select {
	case a := <-fired:
		t.Fatalf("reconnect attempt %d fired after the link recovered", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorResetsAttemptsOnReconnect(t *testing.T) {
	m := newMonitor(Config{ReconnectAttempts: 1, ReconnectBase: time.Millisecond})
	defer m.stop()

	up := make(chan struct{}, 4)
	var gaveUp bool
	var mu sync.Mutex
	m.onUp = func() { up <- struct{}{} }
	m.onGiveUp = func() { mu.Lock(); gaveUp = true; mu.Unlock() }

	m.handleState(rtc.LinkDisconnected)
	m.handleState(rtc.LinkConnected)
	<-up
	// After recovery the budget is fresh: one more drop must schedule,
	// not give up.
	m.handleState(rtc.LinkDisconnected)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.False(t, gaveUp)
	mu.Unlock()
}

func TestMonitorStopCancelsPendingReconnect(t *testing.T) {
	m := newMonitor(Config{ReconnectAttempts: 3, ReconnectBase: 10 * time.Millisecond})

	fired := make(chan int, 1)
	m.onReconnect = func(a int) { fired <- a }

	m.handleState(rtc.LinkDisconnected)
	m.stop()

	select {
	case <-fired:
		t.Fatal("reconnect fired after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQualitySampling(t *testing.T) {
	m := newMonitor(Config{})
	defer m.stop()

	var mu sync.Mutex
	var samples []QualitySample
	m.onQuality = func(q QualitySample) {
		mu.Lock()
		samples = append(samples, q)
		mu.Unlock()
	}

	link := &fakeLink{}
	now := time.Now()

	// No stats yet: no sample.
	m.sample(link, now)
	mu.Lock()
	assert.Empty(t, samples)
	mu.Unlock()

	link.setStats(96, 4) // 4% loss
	m.sample(link, now)

	link.setStats(180, 24) // interval delta: 84 received, 20 lost → ~19%
	m.sample(link, now.Add(3*time.Second))

	mu.Lock()
	require.Len(t, samples, 2)
	assert.Equal(t, QualityGood, samples[0].Level)
	assert.Equal(t, QualityPoor, samples[1].Level)
	mu.Unlock()

	q, ok := m.Quality()
	require.True(t, ok)
	assert.Equal(t, QualityPoor, q.Level)
}

func TestQualityIdleIntervalProducesNoSample(t *testing.T) {
	m := newMonitor(Config{})
	defer m.stop()

	link := &fakeLink{}
	link.setStats(100, 10)
	m.sample(link, time.Now())
	// Counters unchanged: nothing flowed, nothing to classify.
	m.sample(link, time.Now())

	assert.Equal(t, 1, m.samples.Len())
}
