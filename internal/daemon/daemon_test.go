package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/matheus3301/bluebubbles/internal/api"
	"github.com/matheus3301/bluebubbles/internal/lock"
	"github.com/matheus3301/bluebubbles/internal/profile"
	"github.com/matheus3301/bluebubbles/internal/status"
)

// shortHome points the config root at a short /tmp path so the socket path
// stays under the Unix socket length limit.
func shortHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "bb-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("BLUEBUBBLES_SERVER_URL", "")
	t.Setenv("BLUEBUBBLES_SERVER_PASSWORD", "")
	return dir
}

func waitState(t *testing.T, c *api.Client, want status.State) *api.StatusReply {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := c.GetStatus(context.Background())
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		if st.State == string(want) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s (%s), want %s", st.State, st.Reason, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemonLifecycleUnconfigured(t *testing.T) {
	shortHome(t)
	paths := profile.For("test")

	app := fxtest.New(t, fx.NopLogger, Module(Params{Profile: "test"}))
	app.RequireStart()

	if pid, held := lock.Holder(paths.Dir); !held || pid != os.Getpid() {
		t.Errorf("lock holder = %d, %v; want this process", pid, held)
	}

	client, err := api.Dial(paths.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	st := waitState(t, client, status.Unconfigured)
	if st.Profile != "test" || st.Chats != 0 {
		t.Errorf("status = %+v", st)
	}

	// Reads are served from the cache without a server.
	chats, err := client.ListChats(context.Background(), api.ListChatsRequest{})
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if len(chats.Chats) != 0 {
		t.Errorf("chats = %d, want 0", len(chats.Chats))
	}
	if _, err := client.SendText(context.Background(), api.SendTextRequest{ChatGUID: "c1", Text: "hi"}); err == nil {
		t.Error("SendText() succeeded without a server")
	}

	app.RequireStop()

	if _, err := os.Stat(paths.SocketPath()); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
	if _, err := os.Stat(paths.CacheDB()); err != nil {
		t.Errorf("cache database missing: %v", err)
	}
	lk, err := lock.Acquire(paths.Dir)
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = lk.Release()
}

func TestDaemonRejectedPassword(t *testing.T) {
	shortHome(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":401,"message":"Unauthorized","error":{"type":"Authentication Error","error":"bad password"}}`))
	}))
	defer srv.Close()
	t.Setenv("BLUEBUBBLES_SERVER_URL", srv.URL)
	t.Setenv("BLUEBUBBLES_SERVER_PASSWORD", "wrong")

	app := fxtest.New(t, fx.NopLogger, Module(Params{Profile: "auth"}))
	app.RequireStart()
	defer app.RequireStop()

	client, err := api.Dial(profile.For("auth").SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	st := waitState(t, client, status.AuthRequired)
	if st.ServerURL != srv.URL {
		t.Errorf("server url = %q, want %q", st.ServerURL, srv.URL)
	}
	if st.PushConnected {
		t.Error("push reported connected after a rejected password")
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	shortHome(t)
	paths := profile.For("busy")
	if err := paths.Ensure(); err != nil {
		t.Fatal(err)
	}
	lk, err := lock.Acquire(paths.Dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(fx.NopLogger, Module(Params{Profile: "busy"}))
	if app.Err() == nil {
		t.Fatal("second daemon started while the profile lock was held")
	}
}

func TestNewServerUsesSocketOverride(t *testing.T) {
	dir := shortHome(t)
	socketPath := filepath.Join(dir, "d.sock")

	srv, err := NewServer(Params{Profile: "fxtest", SocketPath: socketPath}, profile.For("fxtest"), zap.NewNop(), api.NewCacheService(api.Options{}))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if srv.SocketPath() != socketPath {
		t.Errorf("socket = %q, want %q", srv.SocketPath(), socketPath)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}
	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket not removed on stop")
	}
}

func TestInvalidProfileName(t *testing.T) {
	shortHome(t)
	app := fx.New(fx.NopLogger, Module(Params{Profile: "../escape"}))
	if app.Err() == nil {
		t.Fatal("module accepted an invalid profile name")
	}
}
