package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/muflow/internal/runtime/errors"
	"github.com/drblury/muflow/transport"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// PayloadError wraps payloads that failed decoding or validation.
type PayloadError struct {
	Event string
	Err   error
}

func (e *PayloadError) Error() string {
	return "invalid payload for " + e.Event + ": " + e.Err.Error()
}

func (e *PayloadError) Unwrap() error { return e.Err }

// RouteStats aggregates the outcome of every message dispatched to one route.
type RouteStats struct {
	mu sync.Mutex `json:"-"`

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	MessagesDenied      uint64    `json:"messages_denied"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets dispatch errors for the per-route breakdown.
type ErrorClassifier func(error) ErrorCategory

func newRouteStats() *RouteStats {
	return &RouteStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *RouteStats) onStart() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Backlog.InFlight++
	if s.Backlog.InFlight > s.Backlog.MaxInFlight {
		s.Backlog.MaxInFlight = s.Backlog.InFlight
	}
}

func (s *RouteStats) onFinish(duration time.Duration, denied bool, err error, classifier ErrorClassifier) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Backlog.InFlight > 0 {
		s.Backlog.InFlight--
	}

	s.MessagesProcessed++
	if denied {
		s.MessagesDenied++
	}
	if err != nil {
		s.MessagesFailed++
	}
	s.TotalProcessingTime += int64(duration)
	s.LastProcessedAt = time.Now().UTC()

	s.latencyWindow.Add(duration)
	snapshot := s.latencyWindow.Snapshot()
	snapshot.LastNs = int64(duration)
	snapshot.AverageNs = s.TotalProcessingTime / int64(s.MessagesProcessed)
	s.Latency = snapshot

	tp := s.throughputWindow.AddAndSnapshot(time.Now())
	s.Throughput.CurrentRPS = tp.CurrentRPS
	s.Throughput.WindowSeconds = tp.WindowSeconds
	s.Throughput.MessagesInWindow = uint64(tp.Count)
	s.Throughput.TotalMessages = s.MessagesProcessed

	if classifier == nil {
		classifier = DefaultErrorClassifier
	}
	s.Errors.Record(classifier(err), err)
}

// Snapshot returns a copy safe to serialize while dispatch continues.
func (s *RouteStats) Snapshot() RouteStatsSnapshot {
	if s == nil {
		return RouteStatsSnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return RouteStatsSnapshot{
		MessagesProcessed:   s.MessagesProcessed,
		MessagesFailed:      s.MessagesFailed,
		MessagesDenied:      s.MessagesDenied,
		TotalProcessingTime: s.TotalProcessingTime,
		LastProcessedAt:     s.LastProcessedAt,
		Latency:             s.Latency,
		Throughput:          s.Throughput,
		Errors:              s.Errors,
		Backlog:             s.Backlog,
	}
}

// RouteStatsSnapshot is the serializable view of RouteStats.
type RouteStatsSnapshot struct {
	MessagesProcessed   uint64            `json:"messages_processed"`
	MessagesFailed      uint64            `json:"messages_failed"`
	MessagesDenied      uint64            `json:"messages_denied"`
	TotalProcessingTime int64             `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time         `json:"last_processed_at"`
	Latency             LatencyMetrics    `json:"latency"`
	Throughput          ThroughputMetrics `json:"throughput"`
	Errors              ErrorBreakdown    `json:"errors"`
	Backlog             BacklogMetrics    `json:"backlog"`
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var m LatencyMetrics
	if lw == nil {
		return m
	}
	m.LastNs = lw.last
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	m.SampleSize = lw.filled
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.AverageNs = sum / int64(len(samples))
	return m
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}

// DefaultErrorClassifier treats payload problems as validation, transport
// failures as transport and cancellations as downstream.
func DefaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var payload *PayloadError
	if errors.As(err, &payload) || errors.Is(err, errspkg.ErrMalformedMessage) {
		return ErrorCategoryValidation
	}
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, transport.ErrSendBufferFull) || errors.Is(err, errspkg.ErrConnectionClosed) {
		return ErrorCategoryTransport
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
