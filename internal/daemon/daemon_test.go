package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/lifetrack/internal/api"
	"github.com/matheus3301/lifetrack/internal/config"
	"github.com/matheus3301/lifetrack/internal/lock"
	"github.com/matheus3301/lifetrack/internal/profile"
	"github.com/matheus3301/lifetrack/internal/status"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

// testHome points the profile tree at a short temp dir. Unix socket paths
// are limited to ~104 bytes on macOS, so t.TempDir() is too long.
func testHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "lt-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(profile.HomeEnv, dir)
	return dir
}

func testSettings(viewer string) *config.Settings {
	s := config.DefaultSettings()
	s.ViewerUserID = viewer
	s.Sync.Interval = config.Duration{} // no ticker; only the startup cycle runs
	return &s
}

func TestFxModuleWiring(t *testing.T) {
	testHome(t)
	if err := fx.ValidateApp(Module(Params{ProfileName: "fxtest", Settings: testSettings("alice")})); err != nil {
		t.Fatalf("fx graph does not resolve: %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)

	app := fxtest.New(t, Module(Params{ProfileName: "test", Settings: testSettings("alice")}))
	app.RequireStart()

	socketPath := profile.SocketPath("test")
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket perm = %o, want 600", perm)
	}

	c, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The startup cycle runs in the background and ends LOCAL_ONLY since no
	// endpoint is configured.
	deadline := time.Now().Add(3 * time.Second)
	var st *api.StatusReply
	for {
		st, err = c.GetStatus(ctx)
		if err != nil {
			t.Fatalf("GetStatus error = %v", err)
		}
		if st.State == string(status.LocalOnly) || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st.Profile != "test" {
		t.Errorf("profile = %q, want test", st.Profile)
	}
	if st.Viewer != "alice" {
		t.Errorf("viewer = %q, want alice", st.Viewer)
	}
	if st.State != string(status.LocalOnly) {
		t.Errorf("state = %s, want LOCAL_ONLY", st.State)
	}

	reply, err := c.SendMessage(ctx, api.SendRequest{To: "bob", Content: "queued while offline"})
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	if !reply.Queued || reply.Message.ID == 0 {
		t.Errorf("reply = %+v, want a queued message with a local id", reply)
	}

	if _, err := os.Stat(profile.DBPath("test")); err != nil {
		t.Errorf("database not created: %v", err)
	}

	app.RequireStop()

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket should be removed on stop, stat err = %v", err)
	}
	lk, err := lock.Acquire(profile.LockPath("test"), lock.Owner{Profile: "test"})
	if err != nil {
		t.Fatalf("lock should be released on stop: %v", err)
	}
	_ = lk.Release()
}

func TestSecondDaemonForSameProfileFails(t *testing.T) {
	testHome(t)

	first := fxtest.New(t, Module(Params{ProfileName: "dup", Settings: testSettings("alice")}))
	first.RequireStart()
	defer first.RequireStop()

	owner, err := lock.ReadOwner(profile.LockPath("dup"))
	if err != nil {
		t.Fatalf("lock owner unreadable: %v", err)
	}
	if owner.Profile != "dup" || owner.Socket != profile.SocketPath("dup") || owner.PID != os.Getpid() {
		t.Errorf("owner = %+v, want this process serving dup", owner)
	}

	second := fx.New(Module(Params{ProfileName: "dup", Settings: testSettings("alice")}), fx.NopLogger)
	if second.Err() == nil {
		_ = second.Stop(context.Background())
		t.Fatal("second daemon for the same profile should fail to start")
	}
	var held *lock.LockHeldError
	if !errors.As(second.Err(), &held) {
		t.Errorf("startup error = %v, want LockHeldError", second.Err())
	}
}

func TestInvalidSettingsFailStartup(t *testing.T) {
	testHome(t)
	s := testSettings("alice")
	s.Tracing.SampleRate = 2

	app := fx.New(Module(Params{ProfileName: "bad", Settings: s}), fx.NopLogger)
	if app.Err() == nil {
		t.Fatal("expected settings validation error")
	}
}

func TestSettingsLoadedFromProfileDir(t *testing.T) {
	testHome(t)
	if err := profile.EnsureDir("disk"); err != nil {
		t.Fatal(err)
	}
	s := config.DefaultSettings()
	s.ViewerUserID = "carol"
	if err := config.SaveSettings(profile.SettingsPath("disk"), &s); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(profile.EnvPath("disk"), []byte("LIFETRACK_MODE=self_hosted\nLIFETRACK_SERVER_URL=http://127.0.0.1:9\n"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := provideSettings(Params{ProfileName: "disk"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if got.ViewerUserID != "carol" {
		t.Errorf("viewer = %q, want carol", got.ViewerUserID)
	}
	if got.Mode != "self_hosted" || got.ServerURL != "http://127.0.0.1:9" {
		t.Errorf("env overrides not applied: mode=%q url=%q", got.Mode, got.ServerURL)
	}
}

func TestNewServerUsesSocketOverride(t *testing.T) {
	home := testHome(t)
	socketPath := filepath.Join(home, "d.sock")

	srv, err := NewServer(Params{ProfileName: "fxtest", SocketPath: socketPath}, zap.NewNop(), api.NewService(api.Deps{}))
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	if srv.SocketPath() != socketPath {
		t.Errorf("socket = %s, want %s", srv.SocketPath(), socketPath)
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}

	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket should be removed after Stop")
	}
}
