package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/cadenza/internal/feedback"
	"github.com/thebtf/cadenza/internal/persistence"
)

const meterName = "github.com/thebtf/cadenza/internal/engine"

// Counters is a point-in-time copy of the engine counters.
type Counters struct {
	PageTurns           int64                   `json:"page_turns"`
	Samples             int64                   `json:"samples"`
	CaptureFailures     int64                   `json:"capture_failures"`
	PersistenceCalls    int64                   `json:"persistence_calls"`
	PersistenceFailures int64                   `json:"persistence_failures"`
	Sessions            int64                   `json:"sessions"`
	Bands               map[feedback.Band]int64 `json:"bands"`
}

// Metrics records engine activity to the otel meter and keeps running
// totals for the status endpoint. It implements session.Observer.
type Metrics struct {
	pageTurns           metric.Int64Counter
	samples             metric.Int64Counter
	captureFailures     metric.Int64Counter
	persistenceCalls    metric.Int64Counter
	persistenceFailures metric.Int64Counter
	sessions            metric.Int64Counter
	classifications     metric.Int64Counter

	totalPageTurns    atomic.Int64
	totalSamples      atomic.Int64
	totalCaptureFails atomic.Int64
	totalCalls        atomic.Int64
	totalCallFails    atomic.Int64
	totalSessions     atomic.Int64

	mu    sync.Mutex
	bands map[feedback.Band]int64
}

// NewMetrics creates the engine instruments on mp. A nil provider uses the
// global one, which is a no-op unless the host installed an SDK.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{bands: make(map[feedback.Band]int64)}

	var err error
	if m.pageTurns, err = meter.Int64Counter("cadenza.page_turns",
		metric.WithDescription("Page turns fired by playback ticks")); err != nil {
		return nil, err
	}
	if m.samples, err = meter.Int64Counter("cadenza.samples",
		metric.WithDescription("Pitch samples observed while recording")); err != nil {
		return nil, err
	}
	if m.captureFailures, err = meter.Int64Counter("cadenza.capture.failures",
		metric.WithDescription("Pitch capture calls that failed")); err != nil {
		return nil, err
	}
	if m.persistenceCalls, err = meter.Int64Counter("cadenza.persistence.calls",
		metric.WithDescription("Persistence calls resolved, by operation")); err != nil {
		return nil, err
	}
	if m.persistenceFailures, err = meter.Int64Counter("cadenza.persistence.failures",
		metric.WithDescription("Persistence calls that failed, by operation")); err != nil {
		return nil, err
	}
	if m.sessions, err = meter.Int64Counter("cadenza.sessions",
		metric.WithDescription("Recording sessions ended, by reason")); err != nil {
		return nil, err
	}
	if m.classifications, err = meter.Int64Counter("cadenza.feedback.classifications",
		metric.WithDescription("Feedback classifications, by band")); err != nil {
		return nil, err
	}
	return m, nil
}

// PageTurned counts one page turn.
func (m *Metrics) PageTurned(backward bool) {
	m.totalPageTurns.Add(1)
	m.pageTurns.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("backward", backward)))
}

// SampleObserved counts one observation handed to the session.
func (m *Metrics) SampleObserved(accepted bool) {
	m.totalSamples.Add(1)
	m.samples.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
}

// CaptureFailed counts one failed capture call.
func (m *Metrics) CaptureFailed() {
	m.totalCaptureFails.Add(1)
	m.captureFailures.Add(context.Background(), 1)
}

// SessionEnded counts one ended session.
func (m *Metrics) SessionEnded(reason string) {
	m.totalSessions.Add(1)
	m.sessions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Classified counts one classification.
func (m *Metrics) Classified(b feedback.Band) {
	m.mu.Lock()
	m.bands[b]++
	m.mu.Unlock()
	m.classifications.Add(context.Background(), 1, metric.WithAttributes(attribute.String("band", string(b))))
}

// PersistenceDone implements session.Observer.
func (m *Metrics) PersistenceDone(op persistence.Op, samples int, err error) {
	attrs := metric.WithAttributes(attribute.String("op", string(op)))
	m.totalCalls.Add(1)
	m.persistenceCalls.Add(context.Background(), 1, attrs)
	if err != nil {
		m.totalCallFails.Add(1)
		m.persistenceFailures.Add(context.Background(), 1, attrs)
		return
	}
	log.Debug().Str("op", string(op)).Int("samples", samples).Msg("Persistence call completed")
}

// Snapshot returns the running totals.
func (m *Metrics) Snapshot() Counters {
	c := Counters{
		PageTurns:           m.totalPageTurns.Load(),
		Samples:             m.totalSamples.Load(),
		CaptureFailures:     m.totalCaptureFails.Load(),
		PersistenceCalls:    m.totalCalls.Load(),
		PersistenceFailures: m.totalCallFails.Load(),
		Sessions:            m.totalSessions.Load(),
		Bands:               make(map[feedback.Band]int64, len(feedback.Bands)),
	}
	m.mu.Lock()
	for _, b := range feedback.Bands {
		c.Bands[b] = m.bands[b]
	}
	m.mu.Unlock()
	return c
}
