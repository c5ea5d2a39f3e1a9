package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind classifies a message for routing and formatting.
type Kind string

const (
	KindInfo     Kind = "info"
	KindApproval Kind = "approval"
	KindSuccess  Kind = "success"
	KindFailure  Kind = "failure"
	KindAlert    Kind = "alert"
)

// Message is a single notification.
type Message struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Kind        Kind                   `json:"kind"`
	Stage       string                 `json:"stage,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Subject     string                 `json:"subject"`
	Body        string                 `json:"body,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// Text renders the message as plain text, fields sorted by key.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Subject)
	if m.Body != "" {
		b.WriteString("\n")
		b.WriteString(m.Body)
	}
	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, m.Fields[k])
	}
	return b.String()
}

// Notifier publishes messages.
type Notifier interface {
	Publish(ctx context.Context, msg Message) error
}

// Sink is a Notifier that owns a connection and must be closed.
type Sink interface {
	Notifier
	Name() string
	Close() error
}

// LogNotifier writes messages to a zerolog logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log sink.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// Name implements Sink.
func (n *LogNotifier) Name() string { return "log" }

// Publish implements Notifier.
func (n *LogNotifier) Publish(_ context.Context, msg Message) error {
	event := n.logger.Info()
	if msg.Kind == KindFailure || msg.Kind == KindAlert {
		event = n.logger.Warn()
	}
	event.
		Str("kind", string(msg.Kind)).
		Str("stage", msg.Stage).
		Str("execution_id", msg.ExecutionID).
		Fields(msg.Fields).
		Msg(msg.Subject)
	return nil
}

// Close implements Sink.
func (n *LogNotifier) Close() error { return nil }

// Memory records messages in process. Used by the dev server and tests.
type Memory struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemory creates an empty recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// Name implements Sink.
func (m *Memory) Name() string { return "memory" }

// Publish implements Notifier.
func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// Close implements Sink.
func (m *Memory) Close() error { return nil }

// Messages returns a copy of everything recorded so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// ByKind returns recorded messages of one kind.
func (m *Memory) ByKind(kind Kind) []Message {
	var out []Message
	for _, msg := range m.Messages() {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

func prepare(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}
