package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes metrics of the simulation driver loop.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	StepDuration     prometheus.Histogram
	EventsPending    prometheus.Gauge
	EventsDispatched prometheus.Counter
	VirtualElapsed   prometheus.Gauge
}

// NewSchedulerCollector registers driver metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	step := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_step_duration_seconds",
		Help:    "Wall-clock duration of one driver step across every node scheduler.",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})
	step, err := registerHistogram(reg, step, "sim_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_events_pending",
		Help: "Events queued across every node scheduler.",
	}), "sim_events_pending")
	if err != nil {
		return nil, err
	}

	dispatched, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_events_dispatched_total",
		Help: "Cumulative number of events run by the driver.",
	}), "sim_events_dispatched_total")
	if err != nil {
		return nil, err
	}

	elapsed, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_virtual_elapsed_seconds",
		Help: "Virtual time elapsed since the start of the run.",
	}), "sim_virtual_elapsed_seconds")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:         gatherer,
		StepDuration:     step,
		EventsPending:    pending,
		EventsDispatched: dispatched,
		VirtualElapsed:   elapsed,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveStep records the wall time of one driver step and the events it ran.
func (c *SchedulerCollector) ObserveStep(d time.Duration, events int) {
	if c == nil {
		return
	}
	if c.StepDuration != nil {
		c.StepDuration.Observe(d.Seconds())
	}
	if c.EventsDispatched != nil && events > 0 {
		c.EventsDispatched.Add(float64(events))
	}
}

// SetPending updates the queue depth gauge.
func (c *SchedulerCollector) SetPending(count int) {
	if c == nil || c.EventsPending == nil {
		return
	}
	c.EventsPending.Set(float64(count))
}

// SetElapsed updates the virtual time gauge.
func (c *SchedulerCollector) SetElapsed(d time.Duration) {
	if c == nil || c.VirtualElapsed == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	c.VirtualElapsed.Set(d.Seconds())
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
