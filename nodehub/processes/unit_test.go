package processes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/craftec/nodehub/nodehub/logcapture"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func hasLine(lines []logcapture.Line, text string, isError bool) bool {
	for _, l := range lines {
		if l.Text == text && l.IsError == isError {
			return true
		}
	}
	return false
}

type childKey struct{}

func TestTaskSpawnerCapturesContextLogs(t *testing.T) {
	spawner := &TaskSpawner{Run: func(ctx context.Context, cfg UnitConfig) error {
		cfg.Logger.InfoContext(ctx, "node ready", "port", cfg.WSPort)
		cfg.Logger.Info("not attributed")
		go func(ctx context.Context) {
			cfg.Logger.WarnContext(ctx, "from a child goroutine")
		}(context.WithValue(ctx, childKey{}, "child"))
		<-ctx.Done()
		return nil
	}}
	env := newTestEnv(t, func(c *Config) { c.Spawner = spawner })

	inst, err := env.manager.Start(context.Background(), StartRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Mode != ModeTask {
		t.Errorf("Expected task mode, got %s", inst.Mode)
	}

	readyLine := "INFO node ready port=" + strconv.Itoa(inst.WSPort)
	waitFor(t, "captured lines", func() bool {
		lines := env.manager.GetLogs(inst.ID, 0)
		return hasLine(lines, readyLine, false) && hasLine(lines, "WARN from a child goroutine", false)
	})
	for _, l := range env.manager.GetLogs(inst.ID, 0) {
		if strings.Contains(l.Text, "not attributed") {
			t.Errorf("Untagged record was captured: %q", l.Text)
		}
	}

	if err := env.manager.Stop(inst.ID); err != nil {
		t.Fatal(err)
	}
}

func TestTaskPanicIsIsolated(t *testing.T) {
	spawner := &TaskSpawner{Run: func(ctx context.Context, cfg UnitConfig) error {
		if cfg.InstanceID == 1 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	}}
	env := newTestEnv(t, func(c *Config) { c.Spawner = spawner })

	healthy, err := env.manager.Start(context.Background(), StartRequest{})
	if err != nil {
		t.Fatal(err)
	}
	crashing, err := env.manager.Start(context.Background(), StartRequest{})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "panic line", func() bool {
		return hasLine(env.manager.GetLogs(crashing.ID, 0), "Daemon panicked: boom", true)
	})
	waitFor(t, "crashed instance to be pruned", func() bool {
		list := env.manager.List()
		return len(list) == 1 && list[0].ID == healthy.ID
	})
}

func TestTaskErrorIsRecorded(t *testing.T) {
	spawner := &TaskSpawner{Run: func(ctx context.Context, cfg UnitConfig) error {
		return errors.New("bind: address already in use")
	}}
	store := logcapture.NewStore(logcapture.DefaultCapacity)
	store.Create(4)

	unit, err := spawner.Spawn(context.Background(), UnitConfig{InstanceID: 4, Logs: store})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-unit.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Task did not finish")
	}
	if !unit.Finished() {
		t.Error("Unit should report finished")
	}
	if !hasLine(store.Logs(4, 0), "Daemon exited: bind: address already in use", true) {
		t.Errorf("Expected error line, got %+v", store.Logs(4, 0))
	}
}

func TestTaskCancel(t *testing.T) {
	spawner := &TaskSpawner{Run: func(ctx context.Context, cfg UnitConfig) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	store := logcapture.NewStore(logcapture.DefaultCapacity)
	store.Create(1)

	unit, err := spawner.Spawn(context.Background(), UnitConfig{InstanceID: 1, Logs: store})
	if err != nil {
		t.Fatal(err)
	}
	if unit.Finished() {
		t.Fatal("Unit finished before cancel")
	}
	unit.Cancel()
	select {
	case <-unit.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Task ignored cancellation")
	}
	if lines := store.Logs(1, 0); len(lines) != 0 {
		t.Errorf("Cancellation should not be logged as an error: %+v", lines)
	}
}

func TestProcessSpawnerPipesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	store := logcapture.NewStore(logcapture.DefaultCapacity)
	store.Create(2)
	spawner := &ProcessSpawner{
		Binary: "/bin/sh",
		Args:   []string{"-c", `echo "out line"; echo "err line" >&2; echo "peers=$NODE_BOOT_PEERS"; exec sleep 30`, "node"},
	}
	cfg := UnitConfig{
		InstanceID: 2,
		DataDir:    t.TempDir(),
		SocketPath: "/tmp/test.sock",
		WSPort:     9093,
		ListenAddr: "/ip4/0.0.0.0/tcp/44003",
		BootPeers:  []string{"/ip4/127.0.0.1/tcp/44001"},
		Logs:       store,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	unit, err := spawner.Spawn(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}
	waitFor(t, "piped output", func() bool {
		lines := store.Logs(2, 0)
		return hasLine(lines, "out line", false) &&
			hasLine(lines, "err line", true) &&
			hasLine(lines, "peers=/ip4/127.0.0.1/tcp/44001", false)
	})
	if unit.Finished() {
		t.Fatal("Process finished early")
	}

	unit.Cancel()
	select {
	case <-unit.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Process was not killed")
	}
	if !unit.Finished() {
		t.Error("Unit should report finished after kill")
	}
}

func TestProcessSpawnerRecordsExitStatus(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	store := logcapture.NewStore(logcapture.DefaultCapacity)
	store.Create(5)
	spawner := &ProcessSpawner{Binary: "/bin/sh", Args: []string{"-c", "echo bye; exit 3", "node"}}

	unit, err := spawner.Spawn(context.Background(), UnitConfig{InstanceID: 5, DataDir: t.TempDir(), Logs: store})
	if err != nil {
		t.Fatal(err)
	}
	// A pruning manager acts on Finished, so the exit line must already be
	// buffered when it first reports true.
	waitFor(t, "process to finish", unit.Finished)
	lines := store.Logs(5, 0)
	if !hasLine(lines, "bye", false) || !hasLine(lines, "Daemon exited: exit status 3", true) {
		t.Errorf("Unexpected lines: %+v", lines)
	}
}

func TestProcessSpawnerKeepsReadingAfterLongLine(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	store := logcapture.NewStore(logcapture.DefaultCapacity)
	store.Create(6)
	script := `echo before; head -c 70000 /dev/zero | tr "\0" a; echo; echo after; echo "err after" >&2`
	spawner := &ProcessSpawner{Binary: "/bin/sh", Args: []string{"-c", script, "node"}}

	unit, err := spawner.Spawn(context.Background(), UnitConfig{InstanceID: 6, DataDir: t.TempDir(), Logs: store})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-unit.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not exit")
	}

	lines := store.Logs(6, 0)
	if !hasLine(lines, "before", false) || !hasLine(lines, "after", false) || !hasLine(lines, "err after", true) {
		t.Fatalf("Lines after a 70000-byte line were not captured: %d lines", len(lines))
	}
	want := strings.Repeat("a", maxLogLineBytes) + truncatedSuffix
	if !hasLine(lines, want, false) {
		t.Error("Expected the long line cut at the limit and marked truncated")
	}
	var stdout []string
	for _, l := range lines {
		if !l.IsError {
			stdout = append(stdout, l.Text[:min(len(l.Text), 6)])
		}
	}
	if strings.Join(stdout, ",") != "before,aaaaaa,after" {
		t.Errorf("Unexpected stdout order: %v", stdout)
	}
}

func TestPipeLinesSplitsAndTrims(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"crlf", "one\r\ntwo\r\n", []string{"one", "two"}},
		{"no trailing newline", "one\ntwo", []string{"one", "two"}},
		{"empty lines kept", "one\n\nthree\n", []string{"one", "", "three"}},
		{"empty input", "", nil},
		{"exact limit", strings.Repeat("b", maxLogLineBytes) + "\nx\n", []string{strings.Repeat("b", maxLogLineBytes), "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := logcapture.NewStore(logcapture.DefaultCapacity)
			store.Create(1)
			pipeLines(strings.NewReader(tt.input), UnitConfig{InstanceID: 1, Logs: store}, false)
			var got []string
			for _, l := range store.Logs(1, 0) {
				got = append(got, l.Text)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestProcessSpawnerCommand(t *testing.T) {
	spawner := &ProcessSpawner{Binary: "craftobj-daemon", Args: []string{"run"}}
	cmd := spawner.Command(context.Background(), UnitConfig{
		InstanceID: 1,
		DataDir:    "/tmp/craftobj-node-1",
		SocketPath: "/tmp/craftobj-1.sock",
		ConfigPath: "/tmp/craftobj-node-1/config.json",
		WSPort:     9092,
		ListenAddr: "/ip4/0.0.0.0/tcp/44002",
	})
	want := []string{"craftobj-daemon", "run",
		"--data-dir", "/tmp/craftobj-node-1",
		"--socket", "/tmp/craftobj-1.sock",
		"--ws-port", "9092",
		"--listen", "/ip4/0.0.0.0/tcp/44002",
		"--config", "/tmp/craftobj-node-1/config.json",
	}
	if strings.Join(cmd.Args, " ") != strings.Join(want, " ") {
		t.Errorf("Unexpected args:\n got %v\nwant %v", cmd.Args, want)
	}
	if cmd.Dir != "/tmp/craftobj-node-1" {
		t.Errorf("Expected work dir to default to the data dir, got %s", cmd.Dir)
	}
}

func TestProcessSpawnerRequiresBinary(t *testing.T) {
	if _, err := (&ProcessSpawner{}).Spawn(context.Background(), UnitConfig{}); err == nil {
		t.Error("Expected error without a binary")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeTask, false},
		{"task", ModeTask, false},
		{"process", ModeProcess, false},
		{"thread", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}
