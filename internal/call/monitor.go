package call

import (
	"sync"
	"time"

	"github.com/chimelab/chime/internal/rtc"
	"github.com/chimelab/chime/internal/util"
)

// qualitySampleWindow bounds the retained quality history per link.
const qualitySampleWindow = 20

// QualitySample is one observation of inbound packet loss on a link.
type QualitySample struct {
	At        time.Time
	LossRatio float64
	Level     Quality
}

// monitor watches one peer link. It schedules bounded reconnection when
// the link drops and periodically classifies connection quality from the
// inbound loss ratio. Quality is advisory only and never drives
// reconnection.
type monitor struct {
	maxAttempts int
	baseDelay   time.Duration
	interval    time.Duration

	onDown      func()            // link dropped, a reconnect is scheduled
	onUp        func()            // link (re)connected
	onReconnect func(attempt int) // reconnect delay elapsed, try now
	onGiveUp    func()            // attempts exhausted
	onQuality   func(QualitySample)

	mu       sync.Mutex
	attempts int
	pending  bool        // a reconnect is scheduled or running
	gen      int         // bumped on recovery to invalidate fired timers
	timer    *time.Timer
	prev     rtc.LinkStats
	closed   bool

	samples *util.RingBuffer[QualitySample]
	done    chan struct{}
}

func newMonitor(cfg Config) *monitor {
	cfg = cfg.withDefaults()
	return &monitor{
		maxAttempts: cfg.ReconnectAttempts,
		baseDelay:   cfg.ReconnectBase,
		interval:    cfg.QualityInterval,
		samples:     util.NewRingBuffer[QualitySample](qualitySampleWindow),
		done:        make(chan struct{}),
	}
}

// watch attaches the monitor to a link and starts quality sampling.
func (m *monitor) watch(link rtc.PeerLink) {
	link.OnConnectionStateChange(m.handleState)
	go m.sampleLoop(link)
}

func (m *monitor) handleState(st rtc.LinkState) {
	switch st {
	case rtc.LinkConnected:
		m.mu.Lock()
		m.attempts = 0
		m.pending = false
		m.gen++ // a timer that already fired must not reconnect a live link
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		up := m.onUp
		m.mu.Unlock()
		if up != nil {
			up()
		}
	case rtc.LinkDisconnected, rtc.LinkFailed:
		m.scheduleReconnect()
	}
}

// reconnectDelay grows linearly with the attempt number.
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}

func (m *monitor) scheduleReconnect() {
	m.mu.Lock()
	// One outage arrives as disconnected and then failed; while an attempt
	// is pending further drop reports must not burn budget or stack timers.
	if m.closed || m.pending {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	if attempt > m.maxAttempts {
		giveUp := m.onGiveUp
		m.mu.Unlock()
		if giveUp != nil {
			giveUp()
		}
		return
	}
	m.pending = true
	gen := m.gen
	reconnect := m.onReconnect
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(reconnectDelay(m.baseDelay, attempt), func() {
		m.mu.Lock()
		stale := m.closed || gen != m.gen
		if !stale {
			m.pending = false
		}
		m.mu.Unlock()
		if stale {
			return
		}
		if reconnect != nil {
			reconnect(attempt)
		}
	})
	down := m.onDown
	m.mu.Unlock()
	if down != nil {
		down()
	}
}

func (m *monitor) sampleLoop(link rtc.PeerLink) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.sample(link, time.Now())
		}
	}
}

// sample reads cumulative inbound counters and classifies the loss ratio
// over the interval since the previous sample.
func (m *monitor) sample(link rtc.PeerLink, now time.Time) {
	stats, ok := link.InboundVideoStats()
	if !ok {
		return
	}

	m.mu.Lock()
	dRecv := stats.PacketsReceived - m.prev.PacketsReceived
	dLost := stats.PacketsLost - m.prev.PacketsLost
	m.prev = stats
	m.mu.Unlock()

	total := dRecv + dLost
	if total == 0 {
		return
	}
	ratio := float64(dLost) / float64(total)
	s := QualitySample{At: now, LossRatio: ratio, Level: classifyLoss(ratio)}
	m.samples.Push(s)
	if m.onQuality != nil {
		m.onQuality(s)
	}
}

func classifyLoss(ratio float64) Quality {
	switch {
	case ratio > 0.10:
		return QualityPoor
	case ratio > 0.05:
		return QualityMedium
	default:
		return QualityGood
	}
}

// Quality returns the most recent sample, if any.
func (m *monitor) Quality() (QualitySample, bool) {
	return m.samples.Last()
}

func (m *monitor) stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	close(m.done)
}
