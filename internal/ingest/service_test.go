package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/guildhook/internal/auth"
	"github.com/austindbirch/guildhook/internal/bus"
	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/logging"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

type failingSequencer struct{}

func (failingSequencer) Next(context.Context, event.Scope) (int64, error) {
	return 0, errors.New("redis down")
}

type tokenAuth map[string]auth.Principal

func (t tokenAuth) Authenticate(_ context.Context, token string) (auth.Principal, error) {
	if p, ok := t[token]; ok {
		return p, nil
	}
	return auth.Principal{}, errors.New("unknown token")
}

var fixedNow = time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)

// dial starts srv behind a bufconn listener with the auth interceptor.
func dial(t *testing.T, srv EventServiceServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryInterceptor(tokenAuth{
		"bot":      {Subject: "bot", Scopes: []string{"guild:1"}},
		"platform": {Subject: "platform", Admin: true},
	}, logging.New("ingest-test"))))
	Register(gs, srv)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func withToken(token string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)
}

func newServer(pub Publisher, seq bus.Sequencer) *Server {
	n := 0
	return NewServer(pub, seq, Options{
		Now:   func() time.Time { return fixedNow },
		NewID: func() string { n++; return "evt_" + string(rune('0'+n)) },
	})
}

func TestPublishAssignsIDAndSequence(t *testing.T) {
	pub := &recordingPublisher{}
	c := dial(t, newServer(pub, bus.NewLocalSequencer()))
	ctx := withToken("platform")

	for i := 1; i <= 3; i++ {
		res, err := c.Publish(ctx, PublishRequest{
			Type:  event.MessageCreated,
			Scope: "guild:1",
			Data:  map[string]any{"content": "hello", "channel_id": "c1"},
		})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if res.Sequence != int64(i) || res.EventID == "" {
			t.Errorf("publish %d = %+v", i, res)
		}
	}
	if _, err := c.Publish(ctx, PublishRequest{Type: event.MemberJoined, Scope: "guild:2"}); err != nil {
		t.Fatal(err)
	}

	if len(pub.events) != 4 {
		t.Fatalf("published %d events", len(pub.events))
	}
	ev := pub.events[0]
	if ev.ID != "evt_1" || !ev.CreatedAt.Equal(fixedNow) || ev.Scope != "guild:1" {
		t.Errorf("event = %+v", ev)
	}
	var data map[string]any
	if err := json.Unmarshal(ev.Data, &data); err != nil || data["content"] != "hello" {
		t.Errorf("data = %s", ev.Data)
	}
	if pub.events[3].Sequence != 1 {
		t.Errorf("sequence of first guild:2 event = %d", pub.events[3].Sequence)
	}
}

func TestPublishKeepsProducerFields(t *testing.T) {
	pub := &recordingPublisher{}
	c := dial(t, newServer(pub, failingSequencer{}))
	created := time.Date(2026, 5, 31, 23, 0, 0, 0, time.UTC)

	res, err := c.Publish(withToken("bot"), PublishRequest{
		ID: "msg-881", Type: event.ReactionAdded, Scope: "guild:1", Sequence: 42, CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if res.EventID != "msg-881" || res.Sequence != 42 {
		t.Errorf("result = %+v", res)
	}
	if ev := pub.events[0]; !ev.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v", ev.CreatedAt)
	}
}

func TestPublishErrors(t *testing.T) {
	tests := []struct {
		name  string
		token string
		req   PublishRequest
		pub   *recordingPublisher
		seq   bus.Sequencer
		want  codes.Code
	}{
		{"no token", "", PublishRequest{Type: event.MessageCreated, Scope: "guild:1"}, nil, nil, codes.Unauthenticated},
		{"unknown type", "platform", PublishRequest{Type: "voice.started", Scope: "guild:1"}, nil, nil, codes.InvalidArgument},
		{"test type", "platform", PublishRequest{Type: event.WebhookTest, Scope: "guild:1"}, nil, nil, codes.InvalidArgument},
		{"bad scope", "platform", PublishRequest{Type: event.MessageCreated, Scope: "channel:9"}, nil, nil, codes.InvalidArgument},
		{"foreign scope", "bot", PublishRequest{Type: event.MessageCreated, Scope: "guild:2"}, nil, nil, codes.PermissionDenied},
		{"sequencer down", "platform", PublishRequest{Type: event.MessageCreated, Scope: "guild:1"}, nil, failingSequencer{}, codes.Unavailable},
		{"bus down", "platform", PublishRequest{Type: event.MessageCreated, Scope: "guild:1"}, &recordingPublisher{err: errors.New("nsqd gone")}, nil, codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, seq := tt.pub, tt.seq
			if pub == nil {
				pub = &recordingPublisher{}
			}
			if seq == nil {
				seq = bus.NewLocalSequencer()
			}
			c := dial(t, newServer(pub, seq))
			ctx := context.Background()
			if tt.token != "" {
				ctx = withToken(tt.token)
			}
			_, err := c.Publish(ctx, tt.req)
			if status.Code(err) != tt.want {
				t.Fatalf("code = %v, want %v (%v)", status.Code(err), tt.want, err)
			}
			if tt.pub == nil && len(pub.events) != 0 {
				t.Error("rejected event was published")
			}
		})
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]any
		wantErr bool
	}{
		{"minimal", map[string]any{"type": "message.created", "scope": "guild:1"}, false},
		{"fractional sequence", map[string]any{"type": "message.created", "scope": "guild:1", "sequence": 1.5}, true},
		{"negative sequence", map[string]any{"type": "message.created", "scope": "guild:1", "sequence": -1.0}, true},
		{"bad created_at", map[string]any{"type": "message.created", "scope": "guild:1", "created_at": "monday"}, true},
		{"data not object", map[string]any{"type": "message.created", "scope": "guild:1", "data": "text"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := structpb.NewStruct(tt.fields)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := decodeEvent(s); (err != nil) != tt.wantErr {
				t.Errorf("decodeEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if _, err := decodeEvent(nil); err == nil {
		t.Error("nil request accepted")
	}
}
