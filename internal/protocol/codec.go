package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// ErrMalformed reports a frame that could not be decoded into a valid
// message. Callers match it with errors.Is.
var ErrMalformed = errors.New("malformed message")

// TimestampLayout is the ISO-8601 layout used on the wire.
const TimestampLayout = time.RFC3339Nano

var validate = validator.New()

// wireEnvelope is the JSON form of Envelope. Chat fields are pointers so an
// empty chat content is still written while system notices omit them.
type wireEnvelope struct {
	Type        Kind    `json:"type"`
	Content     *string `json:"content,omitempty"`
	Sender      *string `json:"sender,omitempty"`
	Message     *string `json:"message,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
	ClientCount *int    `json:"client_count,omitempty"`
}

// inbound is what a client sends to the hub. Unknown fields are ignored.
type inbound struct {
	Content *string `json:"content" validate:"required"`
	Sender  *string `json:"sender"`
}

// ChatRequest is a decoded, validated client message.
type ChatRequest struct {
	Sender  string
	Content string
}

// Encode serializes env into its wire form.
func Encode(env Envelope) ([]byte, error) {
	w := wireEnvelope{Type: env.Kind}
	if !env.Timestamp.IsZero() {
		w.Timestamp = env.Timestamp.UTC().Format(TimestampLayout)
	}

	switch env.Kind {
	case KindChat:
		w.Content = lo.ToPtr(env.Content)
		w.Sender = lo.ToPtr(env.Sender)
	case KindSystem:
		w.Message = lo.ToPtr(env.Text)
		w.ClientCount = env.ClientCount
	case KindError:
		w.Message = lo.ToPtr(env.Text)
	default:
		return nil, fmt.Errorf("encode envelope: unknown kind %q", env.Kind)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a hub-produced frame back into an Envelope. It is used by
// clients; the legacy "message" type is accepted as chat.
func Decode(frame []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(frame, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env := Envelope{
		Kind:        w.Type,
		Content:     lo.FromPtr(w.Content),
		Sender:      lo.FromPtr(w.Sender),
		Text:        lo.FromPtr(w.Message),
		ClientCount: w.ClientCount,
	}
	if env.Kind == "message" {
		env.Kind = KindChat
	}

	switch env.Kind {
	case KindChat, KindSystem, KindError:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, w.Type)
	}

	if w.Timestamp != "" {
		ts, err := time.Parse(TimestampLayout, w.Timestamp)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: bad timestamp: %v", ErrMalformed, err)
		}
		env.Timestamp = ts
	}

	return env, nil
}

// DecodeChat parses an inbound client frame. A missing or non-string
// content is malformed; a missing or blank sender becomes DefaultSender.
func DecodeChat(frame []byte) (ChatRequest, error) {
	var in inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return ChatRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(in); err != nil {
		return ChatRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sender := strings.TrimSpace(lo.FromPtr(in.Sender))
	if sender == "" {
		sender = DefaultSender
	}

	return ChatRequest{Sender: sender, Content: *in.Content}, nil
}

// EncodeChat builds the frame a client sends to the hub.
func EncodeChat(content, sender string) ([]byte, error) {
	data, err := json.Marshal(inbound{Content: &content, Sender: &sender})
	if err != nil {
		return nil, fmt.Errorf("encode chat: %w", err)
	}
	return data, nil
}
