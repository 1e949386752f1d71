// Package config loads the scenario description of a simulation run: the
// protocol timer and buffer constants, the simulated nodes and the scripted
// radio-access population.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/signalsfoundry/gsn-simulator/model"
)

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid configuration")
)

// Role selects the components a node runs.
type Role string

const (
	RoleServing       Role = "serving"
	RoleGateway       Role = "gateway"
	RoleHLR           Role = "hlr"
	RoleSwitch        Role = "switch"
	RoleGatewaySwitch Role = "gateway-switch"
)

// exclusiveRoles lists role pairs whose envelopes would be ambiguous on one
// node.
var exclusiveRoles = [][2]Role{
	{RoleServing, RoleGateway},
	{RoleServing, RoleHLR},
	{RoleSwitch, RoleGatewaySwitch},
}

// Timers holds every protocol timer and retry bound.
type Timers struct {
	AttachConfirm       Duration `toml:"attach_confirm"`
	LocationUpdate      Duration `toml:"location_update"`
	Paging              Duration `toml:"paging"`
	ActivationResponse  Duration `toml:"activation_response"`
	BearerAssignment    Duration `toml:"bearer_assignment"`
	ActivationRequest   Duration `toml:"activation_request"`
	DeactivationConfirm Duration `toml:"deactivation_confirm"`
	GatewayNotification Duration `toml:"gateway_notification"`
	GatewayDelete       Duration `toml:"gateway_delete"`
	GatewayUpdate       Duration `toml:"gateway_update"`
	DirectoryQuery      Duration `toml:"directory_query"`
	CallState           Duration `toml:"call_state"`
	FlowIdle            Duration `toml:"flow_idle"`
	FlowSweep           Duration `toml:"flow_sweep"`
	RejectedRestart     Duration `toml:"rejected_restart"`

	// MaxRetries bounds retransmissions of every confirmation timer.
	MaxRetries int `toml:"max_retries"`

	// PagingRetries bounds paging repetitions separately.
	PagingRetries int `toml:"paging_retries"`
}

// Buffers bounds the gateway pending-packet buffers.
type Buffers struct {
	PerContextBytes int `toml:"per_context_bytes"`
	AggregateBytes  int `toml:"aggregate_bytes"`

	// GuaranteedThreshold is the least strict traffic class that is treated
	// as guaranteed bit rate when a buffer overflows.
	GuaranteedThreshold string `toml:"guaranteed_threshold"`
}

// Fabric shapes backbone delivery.
type Fabric struct {
	Delay  Duration `toml:"delay"`
	Jitter Duration `toml:"jitter"`
	Seed   int64    `toml:"seed"`
}

// Node is one simulated core node.
type Node struct {
	ID    string `toml:"id"`
	Roles []Role `toml:"roles"`

	// Gateway is the gateway node a serving node creates tunnels towards.
	Gateway string `toml:"gateway"`

	// Router is the remote-switch router a switch node relays calls through.
	Router string `toml:"router"`

	// Pool is the dynamic address prefix of a gateway.
	Pool string `toml:"pool"`
}

// Controller is one radio network controller and the cells it serves.
type Controller struct {
	ID           string   `toml:"id"`
	Owner        string   `toml:"owner"`
	RoutingArea  string   `toml:"routing_area"`
	LocationArea string   `toml:"location_area"`
	Cells        []string `toml:"cells"`
}

// Subscriber is one scripted subscriber of the radio-access stub.
type Subscriber struct {
	IMSI       string `toml:"imsi"`
	Controller string `toml:"controller"`
	Cell       string `toml:"cell"`

	// Address is a static packet address held by the gateway.
	Address string `toml:"address"`

	// Reachable is false for subscribers that never answer paging.
	Reachable *bool `toml:"reachable"`
}

// Action is one scripted step.
type Action struct {
	At    Duration `toml:"at"`
	IMSI  string   `toml:"imsi"`
	Kind  string   `toml:"kind"`
	TI    uint8    `toml:"ti"`
	QoS   string   `toml:"qos"`
	Peer  string   `toml:"peer"`
	Bytes int      `toml:"bytes"`
}

// Action kinds.
const (
	ActionAttach         = "attach"
	ActionLocationUpdate = "location_update"
	ActionActivate       = "activate"
	ActionDeactivate     = "deactivate"
	ActionDownlink       = "downlink"
	ActionUplink         = "uplink"
	ActionCall           = "call"
	ActionHangup         = "hangup"
	ActionDetach         = "detach"
	ActionServiceRequest = "service_request"
	ActionIMSIDetach     = "imsi_detach"
	ActionReleaseRequest = "release_request"

	// ActionNetworkDeactivate tears a session down from the gateway side.
	ActionNetworkDeactivate = "network_deactivate"
)

// Config is a complete scenario.
type Config struct {
	Duration    Duration     `toml:"duration"`
	Timers      Timers       `toml:"timers"`
	Buffers     Buffers      `toml:"buffers"`
	Fabric      Fabric       `toml:"fabric"`
	Nodes       []Node       `toml:"nodes"`
	Controllers []Controller `toml:"controllers"`
	Subscribers []Subscriber `toml:"subscribers"`
	Script      []Action     `toml:"script"`
}

// DefaultTimers returns the protocol constants used when a scenario does not
// override them.
func DefaultTimers() Timers {
	return Timers{
		AttachConfirm:       Duration(6 * time.Second),
		LocationUpdate:      Duration(6 * time.Second),
		Paging:              Duration(5 * time.Second),
		ActivationResponse:  Duration(3 * time.Second),
		BearerAssignment:    Duration(3 * time.Second),
		ActivationRequest:   Duration(8 * time.Second),
		DeactivationConfirm: Duration(8 * time.Second),
		GatewayNotification: Duration(30 * time.Second),
		GatewayDelete:       Duration(3 * time.Second),
		GatewayUpdate:       Duration(30 * time.Second),
		DirectoryQuery:      Duration(2 * time.Second),
		CallState:           Duration(10 * time.Second),
		FlowIdle:            Duration(10 * time.Minute),
		FlowSweep:           Duration(30 * time.Second),
		RejectedRestart:     Duration(60 * time.Second),
		MaxRetries:          4,
		PagingRetries:       2,
	}
}

// DefaultBuffers returns the default gateway buffer limits.
func DefaultBuffers() Buffers {
	return Buffers{
		PerContextBytes:     64 << 10,
		AggregateBytes:      1 << 20,
		GuaranteedThreshold: model.QoSStreaming.String(),
	}
}

// Default returns an empty scenario carrying every default constant.
func Default() *Config {
	return &Config{
		Duration: Duration(5 * time.Minute),
		Timers:   DefaultTimers(),
		Buffers:  DefaultBuffers(),
		Fabric: Fabric{
			Delay:  Duration(5 * time.Millisecond),
			Jitter: Duration(2 * time.Millisecond),
			Seed:   1,
		},
	}
}

// Load reads and validates the scenario at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a TOML scenario over Default and validates it.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks constants and cross-references between sections.
func (c *Config) Validate() error {
	if err := c.Timers.Validate(); err != nil {
		return err
	}
	if c.Buffers.PerContextBytes <= 0 || c.Buffers.AggregateBytes < c.Buffers.PerContextBytes {
		return fmt.Errorf("%w: buffers: per_context_bytes=%d aggregate_bytes=%d",
			ErrInvalid, c.Buffers.PerContextBytes, c.Buffers.AggregateBytes)
	}
	if _, ok := ParseQoSClass(c.Buffers.GuaranteedThreshold); !ok {
		return fmt.Errorf("%w: buffers: unknown traffic class %q", ErrInvalid, c.Buffers.GuaranteedThreshold)
	}
	if c.Fabric.Delay < 0 || c.Fabric.Jitter < 0 {
		return fmt.Errorf("%w: fabric: negative delay", ErrInvalid)
	}

	nodes := make(map[string]Node, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node without id", ErrInvalid)
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalid, n.ID)
		}
		if len(n.Roles) == 0 {
			return fmt.Errorf("%w: node %q has no roles", ErrInvalid, n.ID)
		}
		for _, r := range n.Roles {
			switch r {
			case RoleServing, RoleGateway, RoleHLR, RoleSwitch, RoleGatewaySwitch:
			default:
				return fmt.Errorf("%w: node %q: unknown role %q", ErrInvalid, n.ID, r)
			}
		}
		for _, pair := range exclusiveRoles {
			if n.HasRole(pair[0]) && n.HasRole(pair[1]) {
				return fmt.Errorf("%w: node %q: roles %s and %s cannot share a node", ErrInvalid, n.ID, pair[0], pair[1])
			}
		}
		if n.Pool != "" {
			if _, err := netip.ParsePrefix(n.Pool); err != nil {
				return fmt.Errorf("%w: node %q: pool: %v", ErrInvalid, n.ID, err)
			}
		}
		nodes[n.ID] = n
	}

	hlrs := 0
	for _, n := range c.Nodes {
		if n.HasRole(RoleHLR) {
			hlrs++
		}
		if n.HasRole(RoleServing) && !refersTo(nodes, n.Gateway, RoleGateway) {
			return fmt.Errorf("%w: node %q: gateway %q is not a gateway node", ErrInvalid, n.ID, n.Gateway)
		}
		if n.HasRole(RoleSwitch) && !refersTo(nodes, n.Router, RoleGatewaySwitch) {
			return fmt.Errorf("%w: node %q: router %q is not a gateway-switch node", ErrInvalid, n.ID, n.Router)
		}
	}
	if len(c.Nodes) > 0 && hlrs != 1 {
		return fmt.Errorf("%w: want exactly one hlr node, have %d", ErrInvalid, hlrs)
	}

	controllers := make(map[string]bool, len(c.Controllers))
	for _, rc := range c.Controllers {
		if rc.ID == "" || len(rc.Cells) == 0 {
			return fmt.Errorf("%w: controller %q needs an id and cells", ErrInvalid, rc.ID)
		}
		if !refersTo(nodes, rc.Owner, RoleServing) {
			return fmt.Errorf("%w: controller %q: owner %q is not a serving node", ErrInvalid, rc.ID, rc.Owner)
		}
		controllers[rc.ID] = true
	}

	subscribers := make(map[string]bool, len(c.Subscribers))
	for _, s := range c.Subscribers {
		if s.IMSI == "" || subscribers[s.IMSI] {
			return fmt.Errorf("%w: subscriber %q is empty or duplicated", ErrInvalid, s.IMSI)
		}
		if !controllers[s.Controller] {
			return fmt.Errorf("%w: subscriber %s: unknown controller %q", ErrInvalid, s.IMSI, s.Controller)
		}
		if s.Address != "" {
			if _, err := netip.ParseAddr(s.Address); err != nil {
				return fmt.Errorf("%w: subscriber %s: address: %v", ErrInvalid, s.IMSI, err)
			}
		}
		subscribers[s.IMSI] = true
	}

	for i, a := range c.Script {
		if !subscribers[a.IMSI] {
			return fmt.Errorf("%w: script[%d]: unknown subscriber %q", ErrInvalid, i, a.IMSI)
		}
		switch a.Kind {
		case ActionAttach, ActionLocationUpdate, ActionDeactivate, ActionDownlink, ActionUplink, ActionHangup,
			ActionDetach, ActionServiceRequest, ActionIMSIDetach, ActionReleaseRequest, ActionNetworkDeactivate:
		case ActionActivate:
			if _, ok := ParseQoSClass(a.QoS); a.QoS != "" && !ok {
				return fmt.Errorf("%w: script[%d]: unknown traffic class %q", ErrInvalid, i, a.QoS)
			}
		case ActionCall:
			if a.Peer == "" {
				return fmt.Errorf("%w: script[%d]: call without peer", ErrInvalid, i)
			}
		default:
			return fmt.Errorf("%w: script[%d]: unknown action %q", ErrInvalid, i, a.Kind)
		}
		if a.TI >= model.MaxTIValue {
			return fmt.Errorf("%w: script[%d]: ti %d out of range", ErrInvalid, i, a.TI)
		}
	}
	return nil
}

// Validate rejects non-positive durations and zero retry bounds.
func (t Timers) Validate() error {
	durations := map[string]Duration{
		"attach_confirm":       t.AttachConfirm,
		"location_update":      t.LocationUpdate,
		"paging":               t.Paging,
		"activation_response":  t.ActivationResponse,
		"bearer_assignment":    t.BearerAssignment,
		"activation_request":   t.ActivationRequest,
		"deactivation_confirm": t.DeactivationConfirm,
		"gateway_notification": t.GatewayNotification,
		"gateway_delete":       t.GatewayDelete,
		"gateway_update":       t.GatewayUpdate,
		"directory_query":      t.DirectoryQuery,
		"call_state":           t.CallState,
		"flow_idle":            t.FlowIdle,
		"flow_sweep":           t.FlowSweep,
		"rejected_restart":     t.RejectedRestart,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: timers.%s must be positive, got %s", ErrInvalid, name, d)
		}
	}
	if t.MaxRetries <= 0 || t.PagingRetries <= 0 {
		return fmt.Errorf("%w: timers: retry bounds must be positive", ErrInvalid)
	}
	return nil
}

// HasRole reports whether the node runs role.
func (n Node) HasRole(r Role) bool {
	for _, have := range n.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// ParseQoSClass maps a traffic class name onto its value.
func ParseQoSClass(s string) (model.QoSClass, bool) {
	for c := model.QoSConversational; c <= model.QoSBackground; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// Threshold returns the parsed guaranteed-bit-rate threshold.
func (b Buffers) Threshold() model.QoSClass {
	c, ok := ParseQoSClass(b.GuaranteedThreshold)
	if !ok {
		return model.QoSStreaming
	}
	return c
}

// IsReachable reports whether the subscriber answers paging.
func (s Subscriber) IsReachable() bool { return s.Reachable == nil || *s.Reachable }

func refersTo(nodes map[string]Node, id string, role Role) bool {
	n, ok := nodes[id]
	return ok && n.HasRole(role)
}
