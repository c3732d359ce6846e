package relay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/webhook-relay-lite/internal/assembler"
	"github.com/shineum/webhook-relay-lite/internal/email"
	"github.com/shineum/webhook-relay-lite/internal/provider"
	"github.com/shineum/webhook-relay-lite/internal/safety"
)

// mockProvider records sent messages.
type mockProvider struct {
	mu     sync.Mutex
	sent   []*email.OutboundMessage
	sendFn func(ctx context.Context, msg *email.OutboundMessage) error
}

func (m *mockProvider) Send(ctx context.Context, msg *email.OutboundMessage) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, msg)
	}
	return nil
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newPipeline(p provider.Provider, maxInFlight int) *Pipeline {
	return New(
		safety.Classifier{},
		assembler.Assembler{To: "ops@example.com", From: "relay@example.com"},
		p,
		maxInFlight,
	)
}

func TestProcessForwards(t *testing.T) {
	t.Parallel()

	mock := &mockProvider{}
	pl := newPipeline(mock, 0)

	out, err := pl.Process(context.Background(), &email.Inbound{From: "a@x.com", Subject: "Hi", TextBody: "Hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Stage != Forwarded {
		t.Errorf("Stage: got %v, want %v", out.Stage, Forwarded)
	}
	if out.Notice {
		t.Error("Notice: got true, want false")
	}
	if mock.calls() != 1 {
		t.Fatalf("send calls: got %d, want 1", mock.calls())
	}
	msg := mock.sent[0]
	if msg.Subject != "a@x.com: Hi" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "a@x.com: Hi")
	}
	if msg.ReplyTo != "a@x.com" {
		t.Errorf("ReplyTo: got %q, want %q", msg.ReplyTo, "a@x.com")
	}
}

func TestProcessEncryptedSendsNotice(t *testing.T) {
	t.Parallel()

	mock := &mockProvider{}
	pl := newPipeline(mock, 0)

	out, err := pl.Process(context.Background(), &email.Inbound{
		From:     "a@x.com",
		TextBody: "-----BEGIN PGP MESSAGE-----\nabc\n-----END PGP MESSAGE-----",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Stage != Rejected || !out.Notice {
		t.Errorf("outcome: got stage=%v notice=%v, want rejected notice", out.Stage, out.Notice)
	}
	if len(out.Reasons) != 1 {
		t.Errorf("Reasons: got %v, want one", out.Reasons)
	}
	if mock.calls() != 1 || !mock.sent[0].Notice {
		t.Fatal("expected exactly one failure notice to be sent")
	}
	if strings.Contains(mock.sent[0].TextBody, "abc") {
		t.Error("notice leaked original content")
	}
}

func TestProcessCancelledContextSkipsTransport(t *testing.T) {
	t.Parallel()

	mock := &mockProvider{}
	pl := newPipeline(mock, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pl.Process(ctx, &email.Inbound{From: "a@x.com", TextBody: "Hello"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error: got %v, want context.Canceled", err)
	}
	if mock.calls() != 0 {
		t.Errorf("send calls: got %d, want 0", mock.calls())
	}
}

func TestProcessTransportError(t *testing.T) {
	t.Parallel()

	mock := &mockProvider{
		sendFn: func(ctx context.Context, msg *email.OutboundMessage) error {
			return provider.Classify("mock", http.StatusTooManyRequests, "rate limited", "")
		},
	}
	pl := newPipeline(mock, 0)

	out, err := pl.Process(context.Background(), &email.Inbound{From: "a@x.com", TextBody: "Hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := provider.StatusOf(err); got != http.StatusTooManyRequests {
		t.Errorf("StatusOf: got %d, want 429", got)
	}
	if out.Stage != Assembling {
		t.Errorf("Stage: got %v, want %v", out.Stage, Assembling)
	}
	if mock.calls() != 1 {
		t.Errorf("send calls: got %d, want 1 (no retries)", mock.calls())
	}
}

func TestProcessBoundsInFlightSends(t *testing.T) {
	t.Parallel()

	const limit = 2

	var current, peak int32
	mock := &mockProvider{
		sendFn: func(ctx context.Context, msg *email.OutboundMessage) error {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		},
	}
	pl := newPipeline(mock, limit)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pl.Process(context.Background(), &email.Inbound{From: "a@x.com", TextBody: "Hello"}); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak > limit {
		t.Errorf("peak in-flight sends: got %d, want <= %d", peak, limit)
	}
	if mock.calls() != 8 {
		t.Errorf("send calls: got %d, want 8", mock.calls())
	}
}

func TestProcessUsesRequestLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("request_id", "req-1")
	ctx := WithLogger(context.Background(), logger)

	pl := newPipeline(&mockProvider{}, 0)
	if _, err := pl.Process(ctx, &email.Inbound{From: "a@x.com", TextBody: "Hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(buf.String(), `"request_id":"req-1"`) {
		t.Errorf("log output missing request_id: %s", buf.String())
	}
}

func TestLoggerDefault(t *testing.T) {
	t.Parallel()

	if Logger(context.Background()) == nil {
		t.Error("Logger: got nil, want default logger")
	}
}

func TestStageString(t *testing.T) {
	t.Parallel()

	if got := Forwarded.String(); got != "forwarded" {
		t.Errorf("Forwarded.String(): got %q, want %q", got, "forwarded")
	}
	if got := Stage(42).String(); got != "stage(42)" {
		t.Errorf("Stage(42).String(): got %q, want %q", got, "stage(42)")
	}
}

func TestProcessPermanentRejectionSendsNotice(t *testing.T) {
	t.Parallel()

	mock := &mockProvider{
		sendFn: func(ctx context.Context, msg *email.OutboundMessage) error {
			if msg.Notice {
				return nil
			}
			return provider.Classify("mock", http.StatusRequestEntityTooLarge, "attachment too large", "")
		},
	}
	pl := newPipeline(mock, 1)

	out, err := pl.Process(context.Background(), &email.Inbound{From: "a@x.com", Subject: "Hi", TextBody: "Hello"})
	if got := provider.StatusOf(err); got != http.StatusRequestEntityTooLarge {
		t.Fatalf("StatusOf: got %d (err %v), want 413", got, err)
	}
	if mock.calls() != 2 {
		t.Fatalf("send calls: got %d, want 2", mock.calls())
	}
	notice := mock.sent[1]
	if !notice.Notice || !strings.Contains(notice.TextBody, "attachment too large") {
		t.Errorf("second send: got notice=%v text=%q", notice.Notice, notice.TextBody)
	}
	if strings.Contains(notice.TextBody, "Hello") {
		t.Error("notice leaked original content")
	}
	if !out.Notice || len(out.Reasons) != 1 {
		t.Errorf("outcome: got notice=%v reasons=%v", out.Notice, out.Reasons)
	}
}

func TestProcessTransientFailureSendsNoNotice(t *testing.T) {
	t.Parallel()

	mock := &mockProvider{
		sendFn: func(ctx context.Context, msg *email.OutboundMessage) error {
			return provider.Classify("mock", http.StatusServiceUnavailable, "unavailable", "")
		},
	}
	pl := newPipeline(mock, 0)

	out, err := pl.Process(context.Background(), &email.Inbound{From: "a@x.com", TextBody: "Hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.calls() != 1 {
		t.Errorf("send calls: got %d, want 1", mock.calls())
	}
	if out.Notice {
		t.Error("Notice: got true, want false")
	}
}
