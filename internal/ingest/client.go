package ingest

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/guildhook/internal/event"
)

// Client calls EventService over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// PublishRequest is the typed form of the Publish payload.
type PublishRequest struct {
	ID        string
	Type      event.Type
	Scope     event.Scope
	Sequence  int64
	CreatedAt time.Time
	Data      map[string]any
}

// PublishResult echoes the identifiers assigned at ingestion.
type PublishResult struct {
	EventID  string
	Sequence int64
}

func (c *Client) Publish(ctx context.Context, r PublishRequest, opts ...grpc.CallOption) (PublishResult, error) {
	fields := map[string]any{
		"type":  string(r.Type),
		"scope": string(r.Scope),
	}
	if r.ID != "" {
		fields["id"] = r.ID
	}
	if r.Sequence > 0 {
		fields["sequence"] = float64(r.Sequence)
	}
	if !r.CreatedAt.IsZero() {
		fields["created_at"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.Data != nil {
		fields["data"] = r.Data
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return PublishResult{}, fmt.Errorf("encode publish request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PublishMethod, in, out, opts...); err != nil {
		return PublishResult{}, err
	}
	f := out.GetFields()
	return PublishResult{
		EventID:  f["event_id"].GetStringValue(),
		Sequence: int64(f["sequence"].GetNumberValue()),
	}, nil
}
