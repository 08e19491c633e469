package settings

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NODEHUB_STATE_DIR", t.TempDir())
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if s.Mode != "task" || s.BaseWSPort != 9091 || s.BaseListenPort != 44001 {
		t.Errorf("Unexpected defaults: %+v", s)
	}
	if s.ProbeTimeout.Duration != 250*time.Millisecond {
		t.Errorf("Unexpected probe timeout %s", s.ProbeTimeout)
	}
	if s.APISecretPath != filepath.Join(s.StateDir, "api.secret") {
		t.Errorf("Expected secret path under state dir, got %s", s.APISecretPath)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodehub.toml")
	content := `
mode = "process"
node_binary = "/usr/local/bin/craftobj-daemon"
node_args = ["run", "--verbose"]
base_ws_port = 10000
probe_timeout = "1s"
state_dir = "` + dir + `"
autostart = 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NODEHUB_BASE_WS_PORT", "11000")
	t.Setenv("NODEHUB_LOG_LEVEL", "debug")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if s.Mode != "process" || s.NodeBinary != "/usr/local/bin/craftobj-daemon" {
		t.Errorf("File values not applied: %+v", s)
	}
	if !reflect.DeepEqual(s.NodeArgs, []string{"run", "--verbose"}) {
		t.Errorf("Unexpected node args %v", s.NodeArgs)
	}
	if s.BaseWSPort != 11000 {
		t.Errorf("Environment should override the file, got %d", s.BaseWSPort)
	}
	if s.LogLevel != "debug" || s.Autostart != 2 {
		t.Errorf("Unexpected values: %+v", s)
	}
	if s.ProbeTimeout.Duration != time.Second {
		t.Errorf("Unexpected probe timeout %s", s.ProbeTimeout)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("NODEHUB_STATE_DIR", t.TempDir())
	t.Setenv("NODEHUB_AUTOSTART", "many")
	if _, err := Load(""); err == nil {
		t.Error("Expected error for non-numeric NODEHUB_AUTOSTART")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults", func(s *Settings) {}, false},
		{"process without binary", func(s *Settings) { s.Mode = "process" }, true},
		{"process with binary", func(s *Settings) { s.Mode = "process"; s.NodeBinary = "/bin/node" }, false},
		{"unknown mode", func(s *Settings) { s.Mode = "thread" }, true},
		{"bad port", func(s *Settings) { s.BaseWSPort = 70000 }, true},
		{"negative autostart", func(s *Settings) { s.Autostart = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
