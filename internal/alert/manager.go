package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"venue-connector/internal/logger"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter receives operator-facing events such as venue rejections, breaker
// trips and stream disconnects.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	Venue              string
	InstanceID         string
	QueueSize          int
	DropReportInterval time.Duration
	Log                logrus.FieldLogger
	Now                func() time.Time
}

// Manager delivers alerts from a bounded queue on its own goroutine so callers
// never block on the notifier. Alerts arriving on a full queue are dropped and counted.
type Manager struct {
	venue      string
	instanceID string
	notifier   Notifier
	log        logrus.FieldLogger
	now        func() time.Time

	queue              chan alertEvent
	stop               chan struct{}
	done               chan struct{}
	dropReportInterval time.Duration

	droppedTotal         atomic.Uint64
	droppedSinceReported atomic.Uint64

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

var _ Alerter = (*Manager)(nil)

type alertEvent struct {
	event  string
	fields map[string]string
	at     time.Time
}

// NewManager returns nil when notifier is nil; a nil *Manager drops every alert.
func NewManager(notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DropReportInterval < 0 {
		opts.DropReportInterval = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		venue:              opts.Venue,
		instanceID:         opts.InstanceID,
		notifier:           notifier,
		log:                logger.WithComponent(opts.Log, "alert"),
		now:                opts.Now,
		queue:              make(chan alertEvent, opts.QueueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: opts.DropReportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := alertEvent{event: event, fields: cloneFields(fields), at: m.now().UTC()}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		total := m.droppedTotal.Add(1)
		// The first drop of a window is logged at once; the rest go into the periodic summary.
		if m.droppedSinceReported.Add(1) == 1 {
			m.log.WithFields(logrus.Fields{
				"event":         "alert_queue_dropped",
				"target_event":  event,
				"dropped_total": total,
				"queue_cap":     cap(m.queue),
			}).Warn("alert queue full")
		}
	}
}

// Close stops intake and waits until queued alerts are delivered or ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of alerts lost to a full queue.
func (m *Manager) Dropped() uint64 {
	if m == nil {
		return 0
	}
	return m.droppedTotal.Load()
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reportDropped() {
	dropped := m.droppedSinceReported.Swap(0)
	if dropped == 0 {
		return
	}
	m.log.WithFields(logrus.Fields{
		"event":              "alert_queue_dropped_report",
		"dropped_since_last": dropped,
		"dropped_total":      m.droppedTotal.Load(),
		"queue_cap":          cap(m.queue),
	}).Warn("alerts dropped")
}

func (m *Manager) send(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev)); err != nil {
		m.log.WithFields(logrus.Fields{
			"event":        "alert_notify_failed",
			"target_event": ev.event,
		}).WithError(err).Error("alert delivery failed")
	}
}

func (m *Manager) buildMessage(ev alertEvent) string {
	lines := []string{
		"[venue-connector] important",
		"time: " + ev.at.Format(time.RFC3339),
		"venue: " + m.venue,
		"instance: " + m.instanceID,
		"event: " + ev.event,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
