// Package settings loads the orchestrator's own configuration: built-in
// defaults, then an optional TOML file, then NODEHUB_* environment variables.
// Command line flags are applied on top by the caller.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
)

// EnvPrefix is prepended to the upper-cased key of every setting.
const EnvPrefix = "NODEHUB_"

// Duration is a time.Duration that decodes from strings like "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Settings holds configuration options for the orchestrator.
type Settings struct {
	Mode           string   `toml:"mode"`             // "task" or "process"
	Product        string   `toml:"product"`          // Names default paths, e.g. /tmp/<product>-node-1
	DefaultDir     string   `toml:"default_dir"`      // Primary data dir name under $HOME
	BaseWSPort     int      `toml:"base_ws_port"`     // ws port of instance 0
	BaseListenPort int      `toml:"base_listen_port"` // p2p listen port of instance 0
	ProbeTimeout   Duration `toml:"probe_timeout"`
	NodeBinary     string   `toml:"node_binary"` // Required in process mode
	NodeArgs       []string `toml:"node_args"`
	StateDir       string   `toml:"state_dir"` // Journal database and API secret live here
	APIListen      string   `toml:"api_listen"`
	APISecretPath  string   `toml:"api_secret_path"` // Defaults to <state_dir>/api.secret
	LogFile        string   `toml:"log_file"`        // Optional rotating log file
	LogLevel       string   `toml:"log_level"`
	Autostart      int      `toml:"autostart"` // Instances started at boot
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Mode:           "task",
		Product:        "craftobj",
		DefaultDir:     ".craftobj",
		BaseWSPort:     9091,
		BaseListenPort: 44001,
		ProbeTimeout:   Duration{250 * time.Millisecond},
		StateDir:       "~/.nodehub",
		APIListen:      "127.0.0.1:9190",
		LogLevel:       "info",
	}
}

// Load builds settings from defaults, the TOML file at path (skipped when
// path is empty), and the environment.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return s, err
		}
		if _, err := toml.DecodeFile(expanded, &s); err != nil {
			return s, fmt.Errorf("failed to read settings %s: %w", expanded, err)
		}
	}
	if err := s.applyEnv(os.LookupEnv); err != nil {
		return s, err
	}
	if err := s.Resolve(); err != nil {
		return s, err
	}
	return s, s.Validate()
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"MODE":            &s.Mode,
		"PRODUCT":         &s.Product,
		"DEFAULT_DIR":     &s.DefaultDir,
		"NODE_BINARY":     &s.NodeBinary,
		"STATE_DIR":       &s.StateDir,
		"API_LISTEN":      &s.APIListen,
		"API_SECRET_PATH": &s.APISecretPath,
		"LOG_FILE":        &s.LogFile,
		"LOG_LEVEL":       &s.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BASE_WS_PORT":     &s.BaseWSPort,
		"BASE_LISTEN_PORT": &s.BaseListenPort,
		"AUTOSTART":        &s.Autostart,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup(EnvPrefix + "PROBE_TIMEOUT"); ok {
		if err := s.ProbeTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sPROBE_TIMEOUT: %w", EnvPrefix, err)
		}
	}
	if v, ok := lookup(EnvPrefix + "NODE_ARGS"); ok {
		s.NodeArgs = strings.Fields(v)
	}
	return nil
}

// Resolve expands ~ in paths and fills in paths derived from StateDir.
func (s *Settings) Resolve() error {
	for _, p := range []*string{&s.StateDir, &s.APISecretPath, &s.LogFile, &s.NodeBinary} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	if s.APISecretPath == "" && s.StateDir != "" {
		s.APISecretPath = filepath.Join(s.StateDir, "api.secret")
	}
	return nil
}

// Validate checks the settings for values the orchestrator cannot run with.
func (s Settings) Validate() error {
	var errs []error
	switch s.Mode {
	case "task":
	case "process":
		if s.NodeBinary == "" {
			errs = append(errs, errors.New("node_binary is required in process mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", s.Mode))
	}
	if s.BaseWSPort <= 0 || s.BaseWSPort > 65535 {
		errs = append(errs, fmt.Errorf("base_ws_port %d out of range", s.BaseWSPort))
	}
	if s.BaseListenPort <= 0 || s.BaseListenPort > 65535 {
		errs = append(errs, fmt.Errorf("base_listen_port %d out of range", s.BaseListenPort))
	}
	if s.Autostart < 0 {
		errs = append(errs, fmt.Errorf("autostart must not be negative"))
	}
	if s.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	return errors.Join(errs...)
}
