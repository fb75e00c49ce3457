package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "MonadFlow/internal/errors"
)

// captureNotifier 记录收到的事件，可按需返回固定错误。
type captureNotifier struct {
	channel Channel
	fail    error

	mu     sync.Mutex
	events []Event
}

func (n *captureNotifier) Channel() Channel { return n.channel }

func (n *captureNotifier) Notify(_ context.Context, event Event) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return n.fail
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func testEvent() Event {
	return Event{
		Code:       xerrors.Code("JOB_RETRIES_EXHAUSTED"),
		Message:    "重试次数耗尽",
		Severity:   xerrors.SeverityCritical,
		JobID:      "job-1",
		Attempts:   3,
		MaxRetries: 3,
		Metadata:   map[string]string{"network": "testnet"},
		OccurredAt: time.Now().UTC(),
	}
}

func TestFanoutDispatch(t *testing.T) {
	okNotifier := &captureNotifier{channel: ChannelLog}
	badNotifier := &captureNotifier{channel: ChannelWebhook, fail: errors.New("endpoint unreachable")}

	dispatcher := NewFanout(okNotifier, nil, badNotifier)
	err := dispatcher.Notify(context.Background(), testEvent())
	if err == nil {
		t.Fatal("failing channel should surface an error")
	}
	if !strings.Contains(err.Error(), string(ChannelWebhook)) {
		t.Fatalf("error should name the channel: %v", err)
	}
	if okNotifier.count() != 1 || badNotifier.count() != 1 {
		t.Fatalf("both channels should receive the event: log=%d webhook=%d",
			okNotifier.count(), badNotifier.count())
	}

	// 同一渠道重复注册时以最后一个为准。
	first := &captureNotifier{channel: ChannelLog}
	second := &captureNotifier{channel: ChannelLog}
	if err := NewFanout(first, second).Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if first.count() != 0 || second.count() != 1 {
		t.Fatalf("last notifier per channel should win: first=%d second=%d",
			first.count(), second.count())
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestLogNotifierLevels(t *testing.T) {
	var buf bytes.Buffer
	notifier := &LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	event := testEvent()
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") {
		t.Fatalf("critical event should log at error level: %s", out)
	}
	if !strings.Contains(out, "job_id=job-1") {
		t.Fatalf("log should carry the job id: %s", out)
	}
	if !strings.Contains(out, "network=testnet") {
		t.Fatalf("log should carry the metadata: %s", out)
	}

	buf.Reset()
	event.Severity = xerrors.SeverityWarning
	_ = notifier.Notify(context.Background(), event)
	if !strings.Contains(buf.String(), "level=WARN") {
		t.Fatalf("warning event should log at warn level: %s", buf.String())
	}

	buf.Reset()
	event.Severity = xerrors.SeverityInfo
	_ = notifier.Notify(context.Background(), event)
	if !strings.Contains(buf.String(), "level=INFO") {
		t.Fatalf("info event should log at info level: %s", buf.String())
	}
}

func TestWebhookNotifier(t *testing.T) {
	var (
		mu          sync.Mutex
		received    Event
		contentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := &WebhookNotifier{URL: srv.URL}
	event := testEvent()
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if contentType != "application/json" {
		t.Fatalf("unexpected content type: %q", contentType)
	}
	if received.Code != event.Code || received.JobID != event.JobID {
		t.Fatalf("unexpected payload: %+v", received)
	}
	if received.Metadata["network"] != "testnet" {
		t.Fatalf("metadata should reach the endpoint: %+v", received.Metadata)
	}
}

func TestWebhookNotifierFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	notifier := &WebhookNotifier{URL: srv.URL}
	if err := notifier.Notify(context.Background(), testEvent()); err == nil {
		t.Fatal("5xx response should be reported as an error")
	}

	// 未配置 URL 时静默跳过。
	empty := &WebhookNotifier{}
	if err := empty.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("unconfigured notifier should not error: %v", err)
	}
}
