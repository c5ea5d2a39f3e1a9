package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
)

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Publish(context.Context, Message) error {
	f.calls++
	return errors.New("sink down")
}
func (f *failingSink) Close() error { return nil }

func TestDispatcherFanOut(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig(), zerolog.Nop())
	all := NewMemory()
	approvals := NewMemory()
	broken := &failingSink{}
	d.AddSink(broken, nil)
	d.AddSink(all, nil)
	d.AddSink(approvals, KindFilter(KindApproval))

	ctx := context.Background()
	if err := d.Publish(ctx, Message{Kind: KindInfo, Stage: "dev", Subject: "teardown complete"}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := d.Publish(ctx, Message{Kind: KindApproval, Stage: "prod", Subject: "approve teardown"}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Close(closeCtx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := len(all.Messages()); got != 2 {
		t.Errorf("expected 2 messages in unfiltered sink, got %d", got)
	}
	if got := approvals.Messages(); len(got) != 1 || got[0].Subject != "approve teardown" {
		t.Errorf("filtered sink got %+v", got)
	}
	if broken.calls != 2 {
		t.Errorf("failing sink should still be called for every message, got %d", broken.calls)
	}
	for _, msg := range all.Messages() {
		if msg.ID == "" || msg.Timestamp.IsZero() {
			t.Errorf("message not prepared: %+v", msg)
		}
	}
}

func TestDispatcherPublishAfterClose(t *testing.T) {
	var drops int
	d := NewDispatcher(DispatcherConfig{BufferSize: 1, OnDrop: func(Message) { drops++ }}, zerolog.Nop())
	mem := NewMemory()
	d.AddSink(mem, nil)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := d.Publish(context.Background(), Message{Subject: "late"}); err != nil {
		t.Errorf("Publish after close should not fail, got %v", err)
	}
	if len(mem.Messages()) != 0 {
		t.Error("message published after close should be dropped")
	}
	if drops != 1 {
		t.Errorf("drops = %d, want 1", drops)
	}
}

func TestMessageText(t *testing.T) {
	msg := Message{
		Subject: "Teardown complete",
		Body:    "dev is idle",
		Fields:  map[string]interface{}{"monthly_savings": 120.5, "idle_hours": 3},
	}
	want := "Teardown complete\ndev is idle\nidle_hours: 3\nmonthly_savings: 120.5"
	if got := msg.Text(); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, WithHeader("Authorization", "Bearer x"))
	msg := Message{Kind: KindApproval, Stage: "prod", Subject: "Approve teardown of prod"}
	if err := w.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if auth != "Bearer x" {
		t.Errorf("header not sent, got %q", auth)
	}
	if !strings.HasPrefix(got["text"].(string), "Approve teardown of prod") {
		t.Errorf("text = %v", got["text"])
	}
	if got["stage"] != "prod" || got["kind"] != "approval" {
		t.Errorf("payload = %v", got)
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Publish(context.Background(), Message{Subject: "x"}); err == nil {
		t.Error("expected error for 502 response")
	}
}

type fakeRedis struct {
	channel string
	payload string
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel, f.payload = channel, message.(string)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisNotifier(t *testing.T) {
	fake := &fakeRedis{}
	n := newRedisNotifier(fake, "")
	if err := n.Publish(context.Background(), Message{Stage: "dev", Subject: "hello"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if fake.channel != "idler:notifications" {
		t.Errorf("channel = %q", fake.channel)
	}
	var decoded Message
	if err := json.Unmarshal([]byte(fake.payload), &decoded); err != nil || decoded.Subject != "hello" {
		t.Errorf("payload %q decoded to %+v (%v)", fake.payload, decoded, err)
	}

	fake.err = errors.New("connection refused")
	if err := n.Publish(context.Background(), Message{Subject: "x"}); err == nil {
		t.Error("expected publish error")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifier(t *testing.T) {
	fake := &fakeWriter{}
	n := &KafkaNotifier{writer: fake}
	if err := n.Publish(context.Background(), Message{Kind: KindAlert, Stage: "prod", Subject: "restore failed"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(fake.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fake.msgs))
	}
	m := fake.msgs[0]
	if string(m.Key) != "prod" {
		t.Errorf("key = %q, want prod", m.Key)
	}
	if len(m.Headers) != 1 || string(m.Headers[0].Value) != "alert" {
		t.Errorf("headers = %+v", m.Headers)
	}
}
