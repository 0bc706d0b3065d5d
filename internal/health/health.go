package health

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exported state strings for the health endpoint.
const (
	StateHealthy = "HEALTHY"
	StateStalled = "STALLED"
)

// A bot with no price tick for this long is considered stalled.
const stallThreshold = 60 * time.Second

var (
	botUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridbot_up",
		Help: "1 while the bot's loops are running, 0 otherwise.",
	}, []string{"bot_id"})

	lastPriceTick = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridbot_last_price_tick_timestamp_seconds",
		Help: "Unix time of the bot's most recent price update.",
	}, []string{"bot_id"})

	loopErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_loop_errors_total",
		Help: "Errors caught at the task boundary, by loop.",
	}, []string{"bot_id", "loop"})

	ordersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_orders_placed_total",
		Help: "Orders submitted to the venue.",
	}, []string{"bot_id"})

	fillsConfirmed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_fills_confirmed_total",
		Help: "Fills confirmed by the venue.",
	}, []string{"bot_id"})

	windowShifts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_window_shifts_total",
		Help: "Completed upward window shifts.",
	}, []string{"bot_id"})
)

func init() {
	prometheus.MustRegister(botUp, lastPriceTick, loopErrors,
		ordersPlaced, fillsConfirmed, windowShifts)
}

// Monitor tracks per-bot liveness from price heartbeats.
type Monitor struct {
	mu       sync.Mutex
	lastBeat map[uint]time.Time
	now      func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{lastBeat: make(map[uint]time.Time), now: time.Now}
}

func label(botID uint) string {
	return strconv.FormatUint(uint64(botID), 10)
}

// Beat records a price-loop heartbeat for the bot.
func (m *Monitor) Beat(botID uint) {
	m.mu.Lock()
	m.lastBeat[botID] = m.now()
	m.mu.Unlock()
	lastPriceTick.WithLabelValues(label(botID)).SetToCurrentTime()
}

// BotStarted and BotStopped bracket the bot's lifecycle in the metrics.
func (m *Monitor) BotStarted(botID uint) {
	m.Beat(botID)
	botUp.WithLabelValues(label(botID)).Set(1)
}

func (m *Monitor) BotStopped(botID uint) {
	m.mu.Lock()
	delete(m.lastBeat, botID)
	m.mu.Unlock()
	botUp.WithLabelValues(label(botID)).Set(0)
}

// LoopError counts an error caught at a task boundary.
func (m *Monitor) LoopError(botID uint, loop string) {
	loopErrors.WithLabelValues(label(botID), loop).Inc()
}

// OrdersPlaced, FillConfirmed and WindowShifted feed the trading counters.
func (m *Monitor) OrdersPlaced(botID uint, n int) {
	ordersPlaced.WithLabelValues(label(botID)).Add(float64(n))
}

func (m *Monitor) FillConfirmed(botID uint, n int) {
	fillsConfirmed.WithLabelValues(label(botID)).Add(float64(n))
}

func (m *Monitor) WindowShifted(botID uint) {
	windowShifts.WithLabelValues(label(botID)).Inc()
}

// Status reports each tracked bot's liveness.
func (m *Monitor) Status() map[uint]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uint]string, len(m.lastBeat))
	now := m.now()
	for botID, at := range m.lastBeat {
		if now.Sub(at) > stallThreshold {
			out[botID] = StateStalled
		} else {
			out[botID] = StateHealthy
		}
	}
	return out
}
