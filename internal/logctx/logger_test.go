package logctx

import (
	"context"
	"meqserver/internal/global"
	"sync"
	"testing"
	"time"
)

func TestLogEvent(t *testing.T) {
	done := make(chan struct{})
	defer close(done)

	ctx := New(context.Background(), global.NSTest, 2, done)

	logger := GetLogger(ctx)
	if logger == nil {
		t.Fatalf("expected logger creation, got nil logger")
	}

	tests := []struct {
		name          string
		logLevel      int
		eventLevel    int
		severity      string
		message       string
		vars          []any
		expectEvents  int
		expectMessage string
	}{
		{
			name:          "event level <= print level is logged",
			logLevel:      2,
			eventLevel:    1,
			severity:      global.InfoLog,
			message:       "attached Logger.1",
			expectEvents:  1,
			expectMessage: "attached Logger.1",
		},
		{
			name:         "event level > print level is dropped",
			logLevel:     1,
			eventLevel:   3,
			severity:     global.InfoLog,
			message:      "should not appear",
			expectEvents: 0,
		},
		{
			name:          "error severity bypasses level filtering",
			logLevel:      0,
			eventLevel:    5,
			severity:      global.ErrorLog,
			message:       "receive failed",
			expectEvents:  1,
			expectMessage: "receive failed",
		},
		{
			name:          "formatted message with vars",
			logLevel:      3,
			eventLevel:    2,
			severity:      global.InfoLog,
			message:       "tick=%d",
			vars:          []any{42},
			expectEvents:  1,
			expectMessage: "tick=42",
		},
		{
			name:          "format verb but no variables for format",
			logLevel:      3,
			eventLevel:    2,
			severity:      global.InfoLog,
			message:       "pending %d",
			vars:          []any{},
			expectEvents:  1,
			expectMessage: "pending %d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger.mutex.Lock()
			logger.queue = []Event{}
			logger.mutex.Unlock()

			SetLogLevel(ctx, tt.logLevel)
			LogEvent(ctx, tt.eventLevel, tt.severity, tt.message, tt.vars...)

			logger.mutex.Lock()
			defer logger.mutex.Unlock()

			if got := len(logger.queue); got != tt.expectEvents {
				t.Fatalf("expected %d events, got %d", tt.expectEvents, got)
			}
			if tt.expectEvents == 1 {
				ev := logger.queue[0]
				if ev.Severity != tt.severity {
					t.Fatalf("severity mismatch: got %q want %q", ev.Severity, tt.severity)
				}
				if ev.Message != tt.expectMessage {
					t.Fatalf("message mismatch: got %q want %q", ev.Message, tt.expectMessage)
				}
				if time.Since(ev.Timestamp) > time.Second {
					t.Fatalf("event timestamp too old: %v", ev.Timestamp)
				}
			}
		})
	}
}

func TestLogEvent_NoLogger(t *testing.T) {
	// Must not panic
	LogEvent(context.Background(), global.VerbosityStandard, global.InfoLog, "dropped %s", "silently")
}

func TestAddTap(t *testing.T) {
	done := make(chan struct{})
	defer close(done)

	ctx := New(context.Background(), global.NSTest, 1, done)
	ctx = AppendCtxTag(ctx, global.NSDispatcher)

	var mu sync.Mutex
	var seen []Event
	GetLogger(ctx).AddTap(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
	})

	LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "boom\n")
	LogEvent(ctx, global.VerbosityDebug, global.InfoLog, "filtered\n")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected 1 tapped event, got %d", len(seen))
	}
	if len(seen[0].Tags) != 1 || seen[0].Tags[0] != global.NSDispatcher {
		t.Fatalf("unexpected tags on tapped event: %v", seen[0].Tags)
	}
}
