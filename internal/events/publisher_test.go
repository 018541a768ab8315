package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/voicepipe/internal/aggregator"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	block  chan struct{} // when non-nil, WriteMessages waits for it to close
	err    error
	closed int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func closePublisher(t *testing.T, p *Publisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSessionHook_PublishesInOrder(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	p := New(Config{Topic: "turns"}, WithWriter(w))

	hook := p.SessionHook("sess-1")
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	hook(aggregator.Turn{Role: aggregator.RoleUser, Text: "hello", Timestamp: now})
	hook(aggregator.Turn{Role: aggregator.RoleAssistant, Text: "You said: hello", Timestamp: now})
	closePublisher(t, p)

	msgs := w.messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	for i, want := range []TurnEvent{
		{SessionID: "sess-1", Seq: 1, Role: "user", Text: "hello", Timestamp: now},
		{SessionID: "sess-1", Seq: 2, Role: "assistant", Text: "You said: hello", Timestamp: now},
	} {
		if string(msgs[i].Key) != "sess-1" {
			t.Errorf("msg %d key = %q", i, msgs[i].Key)
		}
		var got TurnEvent
		if err := json.Unmarshal(msgs[i].Value, &got); err != nil {
			t.Fatalf("msg %d: %v", i, err)
		}
		if !got.Timestamp.Equal(want.Timestamp) {
			t.Errorf("msg %d timestamp = %v", i, got.Timestamp)
		}
		got.Timestamp = want.Timestamp
		if got != want {
			t.Errorf("msg %d = %+v, want %+v", i, got, want)
		}
	}
	if w.closed != 1 {
		t.Errorf("writer closed %d times, want 1", w.closed)
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{block: make(chan struct{})}
	p := New(Config{Topic: "turns"}, WithWriter(w), WithBufferSize(1))

	// The first event may be picked up by the writer goroutine, the second
	// fills the queue and everything after that is dropped.
	for range 5 {
		p.Publish(TurnEvent{SessionID: "s", Role: "user"})
	}
	if d := p.Dropped(); d < 3 {
		t.Errorf("Dropped() = %d, want at least 3", d)
	}
	close(w.block)
	closePublisher(t, p)
	if got := int64(len(w.messages())) + p.Dropped(); got != 5 {
		t.Errorf("written + dropped = %d, want 5", got)
	}
}

func TestPublish_WriteErrorIsLogged(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{err: errors.New("broker unavailable")}
	p := New(Config{Topic: "turns"}, WithWriter(w))
	p.Publish(TurnEvent{SessionID: "s"})
	closePublisher(t, p)
	if len(w.messages()) != 1 {
		t.Errorf("expected one write attempt")
	}
}

func TestPublisher_Disabled(t *testing.T) {
	t.Parallel()
	p := New(Config{})
	if p.Enabled() {
		t.Fatal("publisher without brokers must be disabled")
	}
	p.SessionHook("s")(aggregator.Turn{Role: aggregator.RoleUser, Text: "hi"})
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	closePublisher(t, p)
}

func TestPublish_AfterCloseIsNoop(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	p := New(Config{Topic: "turns"}, WithWriter(w))
	closePublisher(t, p)
	p.Publish(TurnEvent{SessionID: "late"})
	closePublisher(t, p)
	if len(w.messages()) != 0 {
		t.Errorf("late event was written")
	}
}
