package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultEnvFile is read before the environment when SENSORCTL_ENV_FILE is
// not set. Variables already in the environment win.
const DefaultEnvFile = "/etc/sensorctl/sensorctl.env"

// Settings holds the global, read-only settings of the control plane. Node
// layout lives in the cluster package; everything here applies fleet-wide.
type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/sensorctl"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON      bool   `envconfig:"LOG_JSON" default:"false"`

	NodeConfig string `envconfig:"NODE_CONFIG" default:"/etc/sensorctl/node.yaml"`
	SpoolDir   string `envconfig:"SPOOL_DIR" default:"/var/spool/sensorctl"`
	HelperDir  string `envconfig:"HELPER_DIR" default:"/usr/local/share/sensorctl/helpers"`
	NodeBinary string `envconfig:"NODE_BINARY" default:"/usr/local/bin/zeek"`
	Python     string `envconfig:"PYTHON" default:"python3"`

	// Remote login
	SSHUser       string `envconfig:"SSH_USER" default:"root"`
	SSHPort       int    `envconfig:"SSH_PORT" default:"22"`
	SSHKeyDir     string `envconfig:"SSH_KEY_DIR" default:""`
	SSHKnownHosts string `envconfig:"SSH_KNOWN_HOSTS" default:""`
	SSHInsecure   bool   `envconfig:"SSH_INSECURE" default:"false"`

	// Execution timing
	CommandTimeout    time.Duration `envconfig:"COMMAND_TIMEOUT" default:"60s"`
	PingTimeout       time.Duration `envconfig:"PING_TIMEOUT" default:"5s"`
	IdlePollInterval  time.Duration `envconfig:"IDLE_POLL_INTERVAL" default:"30s"`
	ReconnectInterval time.Duration `envconfig:"RECONNECT_INTERVAL" default:"1s"`
	ReconnectBurst    int           `envconfig:"RECONNECT_BURST" default:"5"`

	// Lifecycle timing
	StartTimeout       time.Duration `envconfig:"START_TIMEOUT" default:"60s"`
	StopTimeout        time.Duration `envconfig:"STOP_TIMEOUT" default:"60s"`
	StatusPollInterval time.Duration `envconfig:"STATUS_POLL_INTERVAL" default:"1s"`

	// Unattended operation
	CronMode     bool   `envconfig:"CRON_MODE" default:"false"`
	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"@every 5m"`
	MetricsAddr  string `envconfig:"METRICS_ADDR" default:":9910"`
}

// Load reads settings from SENSORCTL_* environment variables, optionally
// seeded from an env file, and fills in paths derived from DataPath.
func Load() (*Settings, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}
	var s Settings
	if err := envconfig.Process("SENSORCTL", &s); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func loadEnvFile() error {
	path, explicit := os.LookupEnv("SENSORCTL_ENV_FILE")
	if !explicit {
		path = DefaultEnvFile
	}
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file: %w", err)
}

func (s *Settings) applyDefaults() {
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "state.db")
	}
	if s.SSHKeyDir == "" {
		s.SSHKeyDir = s.DataPath
	}
}

// Validate rejects settings the execution layer cannot work with.
func (s *Settings) Validate() error {
	if s.CommandTimeout <= 0 {
		return fmt.Errorf("config: COMMAND_TIMEOUT must be positive, got %s", s.CommandTimeout)
	}
	if s.PingTimeout <= 0 {
		return fmt.Errorf("config: PING_TIMEOUT must be positive, got %s", s.PingTimeout)
	}
	if s.SSHPort <= 0 || s.SSHPort > 65535 {
		return fmt.Errorf("config: invalid SSH_PORT %d", s.SSHPort)
	}
	if !filepath.IsAbs(s.HelperDir) {
		return fmt.Errorf("config: HELPER_DIR must be absolute, got %q", s.HelperDir)
	}
	if !filepath.IsAbs(s.SpoolDir) {
		return fmt.Errorf("config: SPOOL_DIR must be absolute, got %q", s.SpoolDir)
	}
	return nil
}

// Lookup returns the value of a setting by its lower-case option name
// (e.g. "command_timeout") and whether such an option exists.
func (s *Settings) Lookup(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "data_path":
		return s.DataPath, true
	case "database_path":
		return s.DatabasePath, true
	case "log_path":
		return s.LogPath, true
	case "log_level":
		return s.LogLevel, true
	case "node_config":
		return s.NodeConfig, true
	case "spool_dir":
		return s.SpoolDir, true
	case "helper_dir":
		return s.HelperDir, true
	case "node_binary":
		return s.NodeBinary, true
	case "python":
		return s.Python, true
	case "ssh_user":
		return s.SSHUser, true
	case "ssh_port":
		return strconv.Itoa(s.SSHPort), true
	case "ssh_key_dir":
		return s.SSHKeyDir, true
	case "ssh_known_hosts":
		return s.SSHKnownHosts, true
	case "ssh_insecure":
		return strconv.FormatBool(s.SSHInsecure), true
	case "command_timeout":
		return s.CommandTimeout.String(), true
	case "ping_timeout":
		return s.PingTimeout.String(), true
	case "idle_poll_interval":
		return s.IdlePollInterval.String(), true
	case "start_timeout":
		return s.StartTimeout.String(), true
	case "stop_timeout":
		return s.StopTimeout.String(), true
	case "status_poll_interval":
		return s.StatusPollInterval.String(), true
	case "cron_mode":
		return strconv.FormatBool(s.CronMode), true
	case "cron_schedule":
		return s.CronSchedule, true
	case "metrics_addr":
		return s.MetricsAddr, true
	}
	return "", false
}

// TmpDir is the per-cluster scratch directory wiped by "cleanup --all".
func (s *Settings) TmpDir() string {
	return filepath.Join(s.SpoolDir, "tmp")
}

// LockPath is the advisory lock serializing lifecycle operations.
func (s *Settings) LockPath() string {
	return filepath.Join(s.SpoolDir, "lock")
}
