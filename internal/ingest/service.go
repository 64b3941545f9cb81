// Package ingest is the producer-facing side of guildhook: a gRPC service
// that stamps platform events with ids and sequence numbers and puts them
// on the event bus. It never waits on delivery.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/guildhook/internal/auth"
	"github.com/austindbirch/guildhook/internal/bus"
	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/logging"
	"github.com/austindbirch/guildhook/internal/tracing"
)

const (
	ServiceName   = "guildhook.events.v1.EventService"
	PublishMethod = "/" + ServiceName + "/Publish"
)

// EventServiceServer is implemented by Server.
type EventServiceServer interface {
	Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Publisher puts events on the bus.
type Publisher interface {
	PublishEvent(ctx context.Context, ev event.Event) error
}

type Options struct {
	Logger *logging.Logger
	Now    func() time.Time
	NewID  func() string
}

type Server struct {
	pub   Publisher
	seq   bus.Sequencer
	log   *logging.Logger
	now   func() time.Time
	newID func() string
}

func NewServer(pub Publisher, seq bus.Sequencer, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.New("guildhook-ingest")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "evt_" + uuid.NewString() }
	}
	return &Server{pub: pub, seq: seq, log: opts.Logger, now: opts.Now, newID: opts.NewID}
}

// Publish accepts {type, scope, data, id?, sequence?, created_at?} and
// returns {event_id, sequence}. Producers that retry should send their own
// id so the dispatcher can drop duplicates.
func (s *Server) Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ev, err := decodeEvent(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if ev.ID == "" {
		ev.ID = s.newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if p, ok := auth.FromContext(ctx); ok && !auth.CanManage(p, ev.Scope) {
		return nil, status.Errorf(codes.PermissionDenied, "not allowed to publish to %s", ev.Scope)
	}

	ctx, span := tracing.StartSpan(ctx, "ingest.publish",
		tracing.EventAttributes(ev.ID, string(ev.Type), string(ev.Scope))...)
	defer span.End()

	if ev.Sequence == 0 {
		if ev.Sequence, err = s.seq.Next(ctx, ev.Scope); err != nil {
			tracing.SetSpanError(ctx, err)
			s.log.WithContext(ctx).WithScope(string(ev.Scope)).WithError(err).Error("sequence assignment failed")
			return nil, status.Error(codes.Unavailable, "sequence assignment failed")
		}
	}
	if err := s.pub.PublishEvent(ctx, ev); err != nil {
		s.log.WithContext(ctx).WithScope(string(ev.Scope)).WithEvent(ev.ID).WithError(err).Error("event publish failed")
		return nil, status.Error(codes.Unavailable, "event bus unavailable")
	}

	s.log.WithContext(ctx).WithScope(string(ev.Scope)).WithEvent(ev.ID).WithFields(map[string]any{
		"event_type": ev.Type,
		"sequence":   ev.Sequence,
	}).Debug("event published")
	return structpb.NewStruct(map[string]any{
		"event_id": ev.ID,
		"sequence": float64(ev.Sequence),
	})
}

func decodeEvent(req *structpb.Struct) (event.Event, error) {
	var ev event.Event
	if req == nil {
		return ev, errors.New("empty request")
	}
	fields := req.GetFields()
	ev.ID = fields["id"].GetStringValue()
	ev.Type = event.Type(fields["type"].GetStringValue())
	ev.Scope = event.Scope(fields["scope"].GetStringValue())

	if v, ok := fields["sequence"]; ok {
		n := v.GetNumberValue()
		if n < 0 || n != float64(int64(n)) {
			return ev, errors.New("sequence must be a non-negative integer")
		}
		ev.Sequence = int64(n)
	}
	if v := fields["created_at"].GetStringValue(); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return ev, errors.New("created_at must be an RFC 3339 timestamp")
		}
		ev.CreatedAt = t.UTC()
	}
	if data, ok := fields["data"]; ok {
		if data.GetStructValue() == nil {
			return ev, errors.New("data must be an object")
		}
		raw, err := json.Marshal(data.GetStructValue().AsMap())
		if err != nil {
			return ev, fmt.Errorf("encode data: %w", err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// ServiceDesc describes EventService for grpc.Server. Messages are
// google.protobuf.Struct so no generated stubs are needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "guildhook/events/v1/events.proto",
}

func Register(r grpc.ServiceRegistrar, srv EventServiceServer) {
	r.RegisterService(&ServiceDesc, srv)
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventServiceServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PublishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventServiceServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
