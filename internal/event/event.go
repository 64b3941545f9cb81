// Package event defines platform events as they travel from producers
// through the dispatcher to webhook receivers.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type tags a platform event.
type Type string

const (
	MessageCreated  Type = "message.created"
	MessageUpdated  Type = "message.updated"
	MessageDeleted  Type = "message.deleted"
	ReactionAdded   Type = "reaction.added"
	ReactionRemoved Type = "reaction.removed"
	MemberJoined    Type = "member.joined"
	MemberLeft      Type = "member.left"
	CommandInvoked  Type = "command.invoked"

	// WebhookTest is sent by test deliveries and cannot be subscribed to.
	WebhookTest Type = "webhook.test"
)

var subscribable = map[Type]bool{
	MessageCreated:  true,
	MessageUpdated:  true,
	MessageDeleted:  true,
	ReactionAdded:   true,
	ReactionRemoved: true,
	MemberJoined:    true,
	MemberLeft:      true,
	CommandInvoked:  true,
}

// Subscribable reports whether endpoints may subscribe to t.
func (t Type) Subscribable() bool { return subscribable[t] }

// Types lists every subscribable event type.
func Types() []Type {
	return []Type{MessageCreated, MessageUpdated, MessageDeleted, ReactionAdded,
		ReactionRemoved, MemberJoined, MemberLeft, CommandInvoked}
}

// Scope identifies the guild or account that owns events and endpoints,
// rendered as "guild:<id>" or "account:<id>".
type Scope string

const (
	KindGuild   = "guild"
	KindAccount = "account"
)

var ErrInvalidScope = errors.New("scope must be guild:<id> or account:<id>")

// ParseScope validates s.
func ParseScope(s string) (Scope, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" || strings.ContainsAny(id, " /:") || len(s) > 128 {
		return "", ErrInvalidScope
	}
	if kind != KindGuild && kind != KindAccount {
		return "", ErrInvalidScope
	}
	return Scope(s), nil
}

func (s Scope) Kind() string {
	kind, _, _ := strings.Cut(string(s), ":")
	return kind
}

func (s Scope) ID() string {
	_, id, _ := strings.Cut(string(s), ":")
	return id
}

func (s Scope) String() string { return string(s) }

// Event is immutable once produced.
type Event struct {
	ID           string            `json:"id"`
	Type         Type              `json:"type"`
	Scope        Scope             `json:"scope"`
	Sequence     int64             `json:"sequence"`
	CreatedAt    time.Time         `json:"created_at"`
	Data         json.RawMessage   `json:"data"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Validate checks the fields the dispatcher relies on.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if !e.Type.Subscribable() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if _, err := ParseScope(string(e.Scope)); err != nil {
		return err
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return errors.New("event data is not valid JSON")
	}
	return nil
}

// Envelope is the JSON body posted to receivers.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Scope     Scope           `json:"scope"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// Envelope renders the wire body for e. The bytes are computed once at
// dispatch and reused for every attempt.
func (e Event) Envelope() ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return json.Marshal(Envelope{
		ID:        e.ID,
		Type:      e.Type,
		Scope:     e.Scope,
		CreatedAt: e.CreatedAt.UTC(),
		Data:      data,
	})
}
