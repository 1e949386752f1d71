package tunnel

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/gsn-simulator/internal/gtp"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// Route binds one serving-side downlink endpoint to the session it carries
// and to the far ends of both of its tunnels.
type Route struct {
	IMSI    model.IMSI
	TI      model.TI
	Gateway model.NodeID
	// UplinkTEID is the gateway endpoint; zero until CREATE is answered.
	UplinkTEID model.TEID
	// Access is the controller endpoint of the radio bearer.
	Access     model.NodeID
	AccessTEID model.TEID
}

// ControlHandler receives every non-DATA tunnel message of a serving node.
type ControlHandler interface {
	HandleTunnel(ctx context.Context, from model.NodeID, t *msg.Tunnel) outcome.Outcome
}

// ActivityFunc is told about every relayed packet.
type ActivityFunc func(imsi model.IMSI, ti model.TI)

// Serving is the serving-side tunnel coordinator.
type Serving struct {
	send     msg.Sender
	log      logging.Logger
	metrics  GatewayMetrics
	control  ControlHandler
	activity ActivityFunc

	nextTEID model.TEID
	routes   map[model.TEID]*Route
}

// NewServing builds the serving-side coordinator.
func NewServing(send msg.Sender, log logging.Logger, metrics GatewayMetrics) *Serving {
	if log == nil {
		log = logging.Noop()
	}
	if metrics == nil {
		metrics = nopGatewayMetrics{}
	}
	return &Serving{
		send:    send,
		log:     log.With(logging.Component("tunnel")),
		metrics: metrics,
		routes:  make(map[model.TEID]*Route),
	}
}

// SetControl installs the handler for control messages.
func (s *Serving) SetControl(h ControlHandler) { s.control = h }

// SetActivity installs the relay observer.
func (s *Serving) SetActivity(fn ActivityFunc) { s.activity = fn }

// Allocate reserves a downlink endpoint for a session.
func (s *Serving) Allocate(imsi model.IMSI, ti model.TI, gateway model.NodeID) model.TEID {
	for {
		s.nextTEID++
		if _, used := s.routes[s.nextTEID]; s.nextTEID != 0 && !used {
			break
		}
	}
	s.routes[s.nextTEID] = &Route{IMSI: imsi, TI: ti, Gateway: gateway}
	return s.nextTEID
}

// SetUplink records the gateway endpoint of a route.
func (s *Serving) SetUplink(dl, ul model.TEID) {
	if r, ok := s.routes[dl]; ok {
		r.UplinkTEID = ul
	}
}

// SetAccess records the controller endpoint of a route.
func (s *Serving) SetAccess(dl model.TEID, access model.NodeID, accessTEID model.TEID) {
	if r, ok := s.routes[dl]; ok {
		r.Access = access
		r.AccessTEID = accessTEID
	}
}

// Release frees a downlink endpoint.
func (s *Serving) Release(dl model.TEID) { delete(s.routes, dl) }

// Route returns a copy of the route at dl.
func (s *Serving) Route(dl model.TEID) (Route, bool) {
	r, ok := s.routes[dl]
	if !ok {
		return Route{}, false
	}
	return *r, true
}

// Routes returns the number of allocated endpoints.
func (s *Serving) Routes() int { return len(s.routes) }

// SendCreateRequest asks the gateway to create the tunnel of sess.
func (s *Serving) SendCreateRequest(ctx context.Context, gw model.NodeID, sess msg.Session) {
	s.send.Send(ctx, gw, &msg.Tunnel{Type: msg.TunnelCreateRequest, Session: &sess})
}

// SendUpdateRequest confirms the endpoint pair to the gateway.
func (s *Serving) SendUpdateRequest(ctx context.Context, gw model.NodeID, sess msg.Session) {
	s.send.Send(ctx, gw, &msg.Tunnel{Type: msg.TunnelUpdateRequest, TEID: sess.UplinkTEID, Session: &sess})
}

// SendDeleteRequest asks the gateway to tear the tunnel down.
func (s *Serving) SendDeleteRequest(ctx context.Context, gw model.NodeID, sess msg.Session) {
	s.send.Send(ctx, gw, &msg.Tunnel{Type: msg.TunnelDeleteRequest, TEID: sess.UplinkTEID, Session: &sess})
}

// SendDeleteResponse answers a gateway-initiated teardown.
func (s *Serving) SendDeleteResponse(ctx context.Context, gw model.NodeID, ul model.TEID, cause model.Cause) {
	s.send.Send(ctx, gw, &msg.Tunnel{Type: msg.TunnelDeleteResponse, TEID: ul, Cause: cause})
}

// SendNotificationResponse answers a PDU-waiting notification.
func (s *Serving) SendNotificationResponse(ctx context.Context, gw model.NodeID, ul model.TEID, cause model.Cause) {
	s.send.Send(ctx, gw, &msg.Tunnel{Type: msg.TunnelNotificationResponse, TEID: ul, Cause: cause})
}

// Handle relays DATA and passes everything else to the control handler.
func (s *Serving) Handle(ctx context.Context, from model.NodeID, t *msg.Tunnel) outcome.Outcome {
	if t.Type != msg.TunnelData {
		if s.control == nil {
			return outcome.Discarded("no tunnel control handler")
		}
		return s.control.HandleTunnel(ctx, from, t)
	}
	r, ok := s.routes[t.TEID]
	if !ok {
		s.metrics.PacketDropped(DropNoTunnel, len(t.Payload))
		return outcome.Discarded("DATA for unknown endpoint")
	}
	dir := "uplink"
	if from == r.Gateway {
		dir = "downlink"
	}
	if err := s.RelayData(ctx, t.TEID, t.Payload, dir); err != nil {
		s.log.Debug(ctx, "relay dropped", logging.TEID(t.TEID), logging.Err(err))
		return outcome.Discarded(err.Error())
	}
	return outcome.Forwarded(s.peer(r, dir))
}

// RelayData passes a G-PDU across the serving node, retagging it for the
// next tunnel. dir is "uplink" (towards the gateway) or "downlink" (towards
// the controller).
func (s *Serving) RelayData(ctx context.Context, dl model.TEID, frame []byte, dir string) error {
	r, ok := s.routes[dl]
	if !ok {
		return fmt.Errorf("relay %s on %d: %w", dir, dl, ErrNoContext)
	}
	next := r.UplinkTEID
	if dir == "downlink" {
		next = r.AccessTEID
	}
	to := s.peer(r, dir)
	if next == 0 || to == "" {
		s.metrics.PacketDropped(DropNoTunnel, len(frame))
		return fmt.Errorf("relay %s on %d: %w", dir, dl, ErrWrongState)
	}
	out, err := gtp.Retag(frame, next)
	if err != nil {
		s.metrics.PacketDropped(DropMalformed, len(frame))
		return fmt.Errorf("relay %s on %d: %w", dir, dl, err)
	}
	s.send.Send(ctx, to, &msg.Tunnel{Type: msg.TunnelData, TEID: next, Payload: out})
	s.metrics.PacketRelayed(dir)
	if s.activity != nil {
		s.activity(r.IMSI, r.TI)
	}
	return nil
}

func (s *Serving) peer(r *Route, dir string) model.NodeID {
	if dir == "downlink" {
		return r.Access
	}
	return r.Gateway
}
