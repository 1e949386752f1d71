package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CoreCollector bundles the Prometheus metrics of every simulated core node.
// Per-node gauges carry a "node" label; NodeRecorder binds that label for the
// components of one node.
type CoreCollector struct {
	gatherer prometheus.Gatherer

	AttachOutcomes    *prometheus.CounterVec
	SessionOutcomes   *prometheus.CounterVec
	CallOutcomes      *prometheus.CounterVec
	PacketsDropped    *prometheus.CounterVec
	BytesDropped      *prometheus.CounterVec
	PacketsRelayed    *prometheus.CounterVec
	TimerExpiries     *prometheus.CounterVec
	ProceduresAborted *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec
	Subscribers       *prometheus.GaugeVec
	Sessions          *prometheus.GaugeVec
	Calls             *prometheus.GaugeVec
	GatewayContexts   *prometheus.GaugeVec
	HLREntries        prometheus.Gauge
}

// NewCoreCollector registers core metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCoreCollector(reg prometheus.Registerer) (*CoreCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &CoreCollector{gatherer: gatherer}
	counters := []struct {
		dst    **prometheus.CounterVec
		name   string
		help   string
		labels []string
	}{
		{&c.AttachOutcomes, "gsn_attach_total", "Attach procedures by result.", []string{"node", "result"}},
		{&c.SessionOutcomes, "gsn_session_activations_total", "Data-session activations by origin and result.", []string{"node", "origin", "result"}},
		{&c.CallOutcomes, "gsn_calls_total", "Call attempts by origin and result.", []string{"node", "origin", "result"}},
		{&c.PacketsDropped, "gsn_buffered_packets_dropped_total", "Buffered downlink packets dropped, by reason.", []string{"node", "reason"}},
		{&c.BytesDropped, "gsn_buffered_bytes_dropped_total", "Buffered downlink bytes dropped, by reason.", []string{"node", "reason"}},
		{&c.PacketsRelayed, "gsn_packets_relayed_total", "Tunnel data packets relayed, by direction.", []string{"node", "direction"}},
		{&c.TimerExpiries, "gsn_timer_expiries_total", "Timer expiries by kind.", []string{"node", "kind"}},
		{&c.ProceduresAborted, "gsn_procedures_aborted_total", "Procedures aborted on retry exhaustion, by kind.", []string{"node", "kind"}},
		{&c.MessagesDelivered, "gsn_messages_delivered_total", "Envelopes delivered to a node, by interface.", []string{"node", "interface"}},
	}
	for _, ct := range counters {
		vec, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ct.name,
			Help: ct.help,
		}, ct.labels), ct.name)
		if err != nil {
			return nil, err
		}
		*ct.dst = vec
	}

	gauges := []struct {
		dst  **prometheus.GaugeVec
		name string
		help string
	}{
		{&c.Subscribers, "gsn_subscribers", "Subscriber records held by a serving node."},
		{&c.Sessions, "gsn_sessions", "Data-session contexts held by a serving node."},
		{&c.Calls, "gsn_calls", "Call contexts held by a switch node."},
		{&c.GatewayContexts, "gsn_gateway_contexts", "Gateway-side session contexts."},
	}
	for _, g := range gauges {
		vec, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: g.name,
			Help: g.help,
		}, []string{"node"}), g.name)
		if err != nil {
			return nil, err
		}
		*g.dst = vec
	}

	entries, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gsn_hlr_entries",
		Help: "Entries in the HLR register.",
	}), "gsn_hlr_entries")
	if err != nil {
		return nil, err
	}
	c.HLREntries = entries
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *CoreCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ForNode returns the recorder for the components of node. A nil collector
// yields a recorder that drops everything.
func (c *CoreCollector) ForNode(node string) *NodeRecorder {
	return &NodeRecorder{c: c, node: node}
}

// NodeRecorder satisfies the metrics interfaces of every core component for
// one node. All methods are nil-safe.
type NodeRecorder struct {
	c    *CoreCollector
	node string
}

func (r *NodeRecorder) ok() bool { return r != nil && r.c != nil }

// AttachOutcome counts one finished attach.
func (r *NodeRecorder) AttachOutcome(result string) {
	if r.ok() {
		r.c.AttachOutcomes.WithLabelValues(r.node, result).Inc()
	}
}

// SetSubscribers sets the subscriber gauge.
func (r *NodeRecorder) SetSubscribers(n int) {
	if r.ok() {
		r.c.Subscribers.WithLabelValues(r.node).Set(float64(n))
	}
}

// SessionOutcome counts one finished session activation.
func (r *NodeRecorder) SessionOutcome(origin, result string) {
	if r.ok() {
		r.c.SessionOutcomes.WithLabelValues(r.node, origin, result).Inc()
	}
}

// SetSessions sets the session gauge.
func (r *NodeRecorder) SetSessions(n int) {
	if r.ok() {
		r.c.Sessions.WithLabelValues(r.node).Set(float64(n))
	}
}

// CallOutcome counts one call attempt outcome.
func (r *NodeRecorder) CallOutcome(origin, result string) {
	if r.ok() {
		r.c.CallOutcomes.WithLabelValues(r.node, origin, result).Inc()
	}
}

// SetCalls sets the call gauge.
func (r *NodeRecorder) SetCalls(n int) {
	if r.ok() {
		r.c.Calls.WithLabelValues(r.node).Set(float64(n))
	}
}

// PacketDropped counts one dropped buffered packet.
func (r *NodeRecorder) PacketDropped(reason string, bytes int) {
	if r.ok() {
		r.c.PacketsDropped.WithLabelValues(r.node, reason).Inc()
		r.c.BytesDropped.WithLabelValues(r.node, reason).Add(float64(bytes))
	}
}

// PacketRelayed counts one relayed data packet.
func (r *NodeRecorder) PacketRelayed(direction string) {
	if r.ok() {
		r.c.PacketsRelayed.WithLabelValues(r.node, direction).Inc()
	}
}

// SetGatewayContexts sets the gateway context gauge.
func (r *NodeRecorder) SetGatewayContexts(n int) {
	if r.ok() {
		r.c.GatewayContexts.WithLabelValues(r.node).Set(float64(n))
	}
}

// ProcedureAborted counts one retry-exhaustion abort.
func (r *NodeRecorder) ProcedureAborted(kind string) {
	if r.ok() {
		r.c.ProceduresAborted.WithLabelValues(r.node, kind).Inc()
	}
}

// TimerExpired counts one timer expiry.
func (r *NodeRecorder) TimerExpired(kind string) {
	if r.ok() {
		r.c.TimerExpiries.WithLabelValues(r.node, kind).Inc()
	}
}

// MessageDelivered counts one envelope handed to the node.
func (r *NodeRecorder) MessageDelivered(iface string) {
	if r.ok() {
		r.c.MessagesDelivered.WithLabelValues(r.node, iface).Inc()
	}
}

// SetHLREntries sets the register size gauge.
func (r *NodeRecorder) SetHLREntries(n int) {
	if r.ok() {
		r.c.HLREntries.Set(float64(n))
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
