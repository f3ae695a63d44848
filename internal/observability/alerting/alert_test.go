package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutCollectsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	broken := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	d := NewFanout(ok, broken, nil)

	event := NewEvent(xerrors.CodeChainRejected, errors.New("nonce too low"))
	err := d.Notify(context.Background(), event)
	if err == nil {
		t.Fatalf("expected webhook error to surface")
	}
	if len(ok.events) != 1 || len(broken.events) != 1 {
		t.Fatalf("every notifier should be called")
	}
	if ok.events[0].Severity != xerrors.SeverityCritical {
		t.Fatalf("severity should come from the code registry, got %s", ok.events[0].Severity)
	}
}

func TestNewEventTakesCauseSeverity(t *testing.T) {
	cases := []struct {
		name  string
		code  xerrors.Code
		cause error
		want  xerrors.Severity
	}{
		{"plain cause keeps registry", xerrors.CodeTimeout, errors.New("slow"), xerrors.AttributesOf(xerrors.CodeTimeout).Severity},
		{"critical cause escalates", xerrors.CodeTimeout, xerrors.New(xerrors.CodeChainRejected, "nonce too low"), xerrors.SeverityCritical},
		{"override on cause", xerrors.CodeTimeout,
			xerrors.New(xerrors.CodeTimeout, "stuck", xerrors.WithSeverity(xerrors.SeverityCritical)), xerrors.SeverityCritical},
		{"milder cause never downgrades", xerrors.CodeChainRejected,
			xerrors.New(xerrors.CodeTimeout, "slow", xerrors.WithSeverity(xerrors.SeverityInfo)), xerrors.SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NewEvent(tc.code, tc.cause).Severity; got != tc.want {
				t.Fatalf("severity = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	event := NewEvent(xerrors.CodeTimeout, nil)
	event.EventID = "0xabc:1"
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	body := <-received
	if body["event_id"] != "0xabc:1" || body["code"] != string(xerrors.CodeTimeout) {
		t.Fatalf("unexpected payload %v", body)
	}
	if body["text"] == "" {
		t.Fatalf("text summary missing")
	}
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestLogNotifier(t *testing.T) {
	n := &LogNotifier{Logger: logger.Discard()}
	if err := n.Notify(context.Background(), NewEvent(xerrors.CodeUnknown, nil)); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
