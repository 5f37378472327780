package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/sms/internal/api"
	"github.com/matheus3301/sms/internal/client"
	"github.com/matheus3301/sms/internal/config"
	"github.com/matheus3301/sms/internal/session"
	"github.com/matheus3301/sms/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// testHome points SMS_HOME at a short directory under /tmp; unix socket
// paths are limited to about a hundred bytes.
func testHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "sms-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
	return dir
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	cfg.SendChannels = []int{1}
	cfg.DefaultChannel = 1
	return cfg
}

func startApp(t *testing.T, p Params) *fx.App {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})
	return app
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)
	startApp(t, Params{SessionName: "test", Config: testConfig(), Demo: true})

	c, err := client.New(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The first reconciliation runs in the background after start.
	var st map[string]any
	waitFor(t, "READY", func() bool {
		st, err = c.Call(ctx, api.MethodStatus, nil)
		return err == nil && st["state"] == string(status.Ready)
	})
	if st["session"] != "test" {
		t.Errorf("session = %v, want test", st["session"])
	}
	if st["run_count"] != float64(1) {
		t.Errorf("run_count = %v, want 1", st["run_count"])
	}

	out, err := c.Call(ctx, api.MethodListConversations, nil)
	if err != nil {
		t.Fatalf("ListConversations error = %v", err)
	}
	convs := out["conversations"].([]any)
	if len(convs) != 3 {
		t.Fatalf("expected 3 demo conversations, got %d", len(convs))
	}

	thread, err := c.Call(ctx, api.MethodGetThread, map[string]any{"thread_id": 1})
	if err != nil {
		t.Fatalf("GetThread error = %v", err)
	}
	if n := len(thread["messages"].([]any)); n != 3 {
		t.Errorf("expected 3 messages in thread 1, got %d", n)
	}

	sent, err := c.Call(ctx, api.MethodSend, map[string]any{
		"thread_id":  1,
		"recipients": []any{"+15550100"},
		"body":       "running late",
	})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	msg := sent["message"].(map[string]any)
	if msg["type"] != "OUTBOX" || msg["subscription_id"] != float64(1) {
		t.Errorf("sent message = %v", msg)
	}

	results, err := c.Call(ctx, api.MethodSearch, map[string]any{"query": "lunch"})
	if err != nil {
		t.Fatalf("Search error = %v", err)
	}
	if n := len(results["results"].([]any)); n != 1 {
		t.Errorf("expected 1 search result, got %d", n)
	}
}

func TestSecondDaemonRefusesLockedSession(t *testing.T) {
	testHome(t)
	startApp(t, Params{SessionName: "test", Config: testConfig()})

	app := fx.New(Module(Params{SessionName: "test", Config: testConfig()}), fx.NopLogger)
	err := app.Err()
	if err == nil {
		t.Fatal("second daemon started on a locked session")
	}
	if !strings.Contains(err.Error(), "session lock held") {
		t.Errorf("error = %v, want lock held", err)
	}

	// The first daemon's socket survives the failed start.
	if _, err := os.Stat(session.SocketPath("test")); err != nil {
		t.Errorf("socket removed: %v", err)
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{SessionName: "fxtest"})); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}

func TestNewServerUsesSocketOverride(t *testing.T) {
	home := testHome(t)
	socketPath := filepath.Join(home, "d.sock")

	// A stale file at the socket path is replaced.
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	p := Params{SessionName: "fxtest", SocketPath: socketPath}
	srv, err := NewServer(p, nil, zap.NewNop(), api.NewService(api.Deps{SessionName: "fxtest"}))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Errorf("%s is not a socket", socketPath)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}
	if _, err := os.Stat(session.Dir("fxtest")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("session dir created despite override: %v", err)
	}

	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket left behind after Stop: %v", err)
	}
}
