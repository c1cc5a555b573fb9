package dispatch

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

const (
	// MaxPayloadBytes is the gateway limit on the summed size of data keys and values.
	MaxPayloadBytes = 4096
	// MaxTimeToLive is the longest a gateway will hold an undelivered message.
	MaxTimeToLive = 28 * 24 * time.Hour
)

// ErrInvalidMessage is wrapped by every message validation failure.
var ErrInvalidMessage = errors.New("invalid message")

var reservedKeyPrefixes = []string{"google.", "gcm."}

// ValidationError describes why a message was rejected before dispatch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidMessage }

// Message is the immutable payload delivered verbatim to every recipient of a fan-out.
// Use MessageBuilder to construct one; the zero value is not a valid message.
type Message struct {
	data           map[string]string
	collapseKey    string
	timeToLive     time.Duration
	hasTimeToLive  bool
	delayWhileIdle bool
	built          bool
}

// Data returns a copy of the key/value payload.
func (m Message) Data() map[string]string {
	return maps.Clone(m.data)
}

// CollapseKey groups messages so only the latest is delivered when a device comes online.
func (m Message) CollapseKey() string { return m.collapseKey }

// TimeToLive reports the configured TTL and whether one was set.
func (m Message) TimeToLive() (time.Duration, bool) { return m.timeToLive, m.hasTimeToLive }

// DelayWhileIdle asks the gateway to hold the message until the device is active.
func (m Message) DelayWhileIdle() bool { return m.delayWhileIdle }

// Validate reports whether the message came out of a successful Build.
func (m Message) Validate() error {
	if !m.built {
		return &ValidationError{Field: "message", Reason: "not built"}
	}
	return nil
}

func (m Message) String() string {
	var b strings.Builder
	b.WriteString("Message(")
	if m.collapseKey != "" {
		fmt.Fprintf(&b, "collapseKey=%s, ", m.collapseKey)
	}
	if m.hasTimeToLive {
		fmt.Fprintf(&b, "timeToLive=%s, ", m.timeToLive)
	}
	if m.delayWhileIdle {
		b.WriteString("delayWhileIdle=true, ")
	}
	b.WriteString("data: {")
	for i, k := range slices.Sorted(maps.Keys(m.data)) {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%s", k, m.data[k])
	}
	b.WriteString("})")
	return b.String()
}

// MessageBuilder assembles a Message from caller-supplied fields.
type MessageBuilder struct {
	msg Message
}

func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{msg: Message{data: make(map[string]string)}}
}

func (b *MessageBuilder) AddData(key, value string) *MessageBuilder {
	b.msg.data[key] = value
	return b
}

func (b *MessageBuilder) CollapseKey(key string) *MessageBuilder {
	b.msg.collapseKey = key
	return b
}

func (b *MessageBuilder) TimeToLive(ttl time.Duration) *MessageBuilder {
	b.msg.timeToLive = ttl
	b.msg.hasTimeToLive = true
	return b
}

func (b *MessageBuilder) DelayWhileIdle(delay bool) *MessageBuilder {
	b.msg.delayWhileIdle = delay
	return b
}

// Build validates the accumulated fields and returns an immutable Message.
// The builder may be reused; later calls do not affect returned messages.
func (b *MessageBuilder) Build() (Message, error) {
	size := 0
	for k, v := range b.msg.data {
		if strings.TrimSpace(k) == "" {
			return Message{}, &ValidationError{Field: "data", Reason: "empty key"}
		}
		if k == "from" {
			return Message{}, &ValidationError{Field: "data." + k, Reason: "reserved key"}
		}
		for _, prefix := range reservedKeyPrefixes {
			if strings.HasPrefix(k, prefix) {
				return Message{}, &ValidationError{Field: "data." + k, Reason: "reserved prefix " + prefix}
			}
		}
		size += len(k) + len(v)
	}
	if size > MaxPayloadBytes {
		return Message{}, &ValidationError{Field: "data", Reason: fmt.Sprintf("payload is %d bytes, limit %d", size, MaxPayloadBytes)}
	}
	if b.msg.hasTimeToLive && (b.msg.timeToLive < 0 || b.msg.timeToLive > MaxTimeToLive) {
		return Message{}, &ValidationError{Field: "time_to_live", Reason: fmt.Sprintf("%s out of range", b.msg.timeToLive)}
	}

	msg := b.msg
	msg.data = maps.Clone(b.msg.data)
	msg.built = true
	return msg, nil
}
