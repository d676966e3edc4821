package lifecycle

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func listenNotify(t *testing.T) (conn *net.UnixConn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("failed to listen on notify socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	t.Setenv(EnvNotifySocket, path)
	return
}

func readNotify(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 512)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no notification received: %v", err)
	}
	return string(buf[:n])
}

func TestNotifyMessages(t *testing.T) {
	conn := listenNotify(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		send   func() error
		prefix string
	}{
		{"ready", func() error { return NotifyReady(ctx) }, "READY=1\nMAINPID="},
		{"status", func() error { return NotifyStatus(ctx, "streaming") }, "STATUS=streaming"},
		{"stopping", func() error { return NotifyStopping(ctx) }, "STOPPING=1\nMONOTONIC_USEC="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.send(); err != nil {
				t.Fatalf("notify failed: %v", err)
			}
			got := readNotify(t, conn)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("got %q, want prefix %q", got, tt.prefix)
			}
		})
	}
}

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv(EnvNotifySocket, "")
	if err := NotifyReady(context.Background()); err != nil {
		t.Errorf("expected no-op without socket, got %v", err)
	}
}

func TestNotifyDialFailure(t *testing.T) {
	t.Setenv(EnvNotifySocket, filepath.Join(t.TempDir(), "missing.sock"))
	if err := NotifyStatus(context.Background(), "x"); err == nil {
		t.Error("expected dial error for missing socket")
	}
}
