package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits are the boundary ceilings enforced at the protocol layer.
type Limits struct {
	MaxFrameSize         int `yaml:"max_frame_size"`
	MaxBoards            int `yaml:"max_boards"`
	MaxTasksPerBoard     int `yaml:"max_tasks_per_board"`
	MaxBoardIDLength     int `yaml:"max_board_id_length"`
	MaxTaskIDLength      int `yaml:"max_task_id_length"`
	MinPseudoLength      int `yaml:"min_pseudo_length"`
	MaxPseudoLength      int `yaml:"max_pseudo_length"`
	MaxTitleLength       int `yaml:"max_title_length"`
	MaxDescriptionLength int `yaml:"max_description_length"`
	MaxTokenLength       int `yaml:"max_token_length"`
}

// RateLimit configures the per-connection sliding windows.
type RateLimit struct {
	PerSecond      int           `yaml:"per_second"`
	PerMinute      int           `yaml:"per_minute"`
	NotifyCooldown time.Duration `yaml:"notify_cooldown"`
}

// Auth configures credential handling.
type Auth struct {
	AdminTokens            []string `yaml:"admin_tokens"`
	ValidTokens            []string `yaml:"valid_tokens"`
	TokenSecret            string   `yaml:"token_secret"`
	RoleFromCredentialOnly bool     `yaml:"role_from_credential_only"`
}

// Storage selects and configures the durable store and its cache.
type Storage struct {
	SQLitePath       string        `yaml:"sqlite_path"`
	ConnectionString string        `yaml:"connection_string"`
	TasksTable       string        `yaml:"tasks_table"`
	BoardsTable      string        `yaml:"boards_table"`
	RedisConn        string        `yaml:"redis_connection_string"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// Conditions configures the error/notification pipeline.
type Conditions struct {
	LogDir              string        `yaml:"log_dir"`
	Queue               string        `yaml:"queue"`
	RingSize            int           `yaml:"ring_size"`
	Retention           time.Duration `yaml:"retention"`
	DedupWindow         time.Duration `yaml:"dedup_window"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	// Sink workers decouple remote sink writes from the connection that
	// raised the condition.
	SinkWorkers        int           `yaml:"sink_workers"`
	SinkBuffer         int           `yaml:"sink_buffer"`
	SinkTimeout        time.Duration `yaml:"sink_timeout"`
	SinkHandoffTimeout time.Duration `yaml:"sink_handoff_timeout"`
}

// Config is the full server configuration.
type Config struct {
	Port       string     `yaml:"port"`
	Debug      bool       `yaml:"debug"`
	SendBuffer int        `yaml:"send_buffer"`
	Limits     Limits     `yaml:"limits"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Auth       Auth       `yaml:"auth"`
	Storage    Storage    `yaml:"storage"`
	Conditions Conditions `yaml:"conditions"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:       "3000",
		SendBuffer: 256,
		Limits: Limits{
			MaxFrameSize:         8192,
			MaxBoards:            100,
			MaxTasksPerBoard:     1000,
			MaxBoardIDLength:     30,
			MaxTaskIDLength:      64,
			MinPseudoLength:      1,
			MaxPseudoLength:      20,
			MaxTitleLength:       100,
			MaxDescriptionLength: 1000,
			MaxTokenLength:       512,
		},
		RateLimit: RateLimit{
			PerSecond:      5,
			PerMinute:      10,
			NotifyCooldown: time.Minute,
		},
		Storage: Storage{
			SQLitePath:  "data/board.db",
			TasksTable:  "tasks",
			BoardsTable: "boards",
		},
		Conditions: Conditions{
			LogDir:              "data/conditions",
			RingSize:            1000,
			Retention:           7 * 24 * time.Hour,
			DedupWindow:         5 * time.Second,
			MaintenanceInterval: 24 * time.Hour,
			SinkWorkers:         4,
			SinkBuffer:          1024,
			SinkTimeout:         10 * time.Second,
			SinkHandoffTimeout:  15 * time.Millisecond,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, and environment overrides, in that order.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = envString("PORT", c.Port)
	c.Debug = envBool("DEBUG", c.Debug)
	c.SendBuffer = envInt("SEND_BUFFER", c.SendBuffer)

	l := &c.Limits
	l.MaxFrameSize = envInt("MAX_FRAME_SIZE", l.MaxFrameSize)
	l.MaxBoards = envInt("MAX_BOARDS", l.MaxBoards)
	l.MaxTasksPerBoard = envInt("MAX_TASKS_PER_BOARD", l.MaxTasksPerBoard)
	l.MaxBoardIDLength = envInt("MAX_BOARD_ID_LENGTH", l.MaxBoardIDLength)
	l.MinPseudoLength = envInt("MIN_PSEUDO_LENGTH", l.MinPseudoLength)
	l.MaxPseudoLength = envInt("MAX_PSEUDO_LENGTH", l.MaxPseudoLength)
	l.MaxTitleLength = envInt("MAX_TITLE_LENGTH", l.MaxTitleLength)
	l.MaxDescriptionLength = envInt("MAX_DESCRIPTION_LENGTH", l.MaxDescriptionLength)

	r := &c.RateLimit
	r.PerSecond = envInt("RATE_LIMIT_PER_SECOND", r.PerSecond)
	r.PerMinute = envInt("RATE_LIMIT_PER_MINUTE", r.PerMinute)
	r.NotifyCooldown = envDur("RATE_LIMIT_NOTIFY_COOLDOWN", r.NotifyCooldown)

	a := &c.Auth
	a.AdminTokens = envList("ADMIN_TOKENS", a.AdminTokens)
	a.ValidTokens = envList("VALID_TOKENS", a.ValidTokens)
	a.TokenSecret = envString("TOKEN_SECRET", a.TokenSecret)
	a.RoleFromCredentialOnly = envBool("ROLE_FROM_CREDENTIAL_ONLY", a.RoleFromCredentialOnly)

	s := &c.Storage
	s.SQLitePath = envString("SQLITE_PATH", s.SQLitePath)
	s.ConnectionString = envString("STORAGE_CONNECTION_STRING", s.ConnectionString)
	s.TasksTable = envString("TASKS_TABLE", s.TasksTable)
	s.BoardsTable = envString("BOARDS_TABLE", s.BoardsTable)
	s.RedisConn = envString("REDIS_CONNECTION_STRING", s.RedisConn)
	s.CacheTTL = envDur("CACHE_TTL", s.CacheTTL)

	n := &c.Conditions
	n.LogDir = envString("CONDITION_LOG_DIR", n.LogDir)
	n.Queue = envString("CONDITION_QUEUE", n.Queue)
	n.RingSize = envInt("CONDITION_RING_SIZE", n.RingSize)
	n.Retention = envDur("CONDITION_RETENTION", n.Retention)
	n.DedupWindow = envDur("CONDITION_DEDUP_WINDOW", n.DedupWindow)
	n.MaintenanceInterval = envDur("MAINTENANCE_INTERVAL", n.MaintenanceInterval)
	n.SinkWorkers = envInt("CONDITION_SINK_WORKERS", n.SinkWorkers)
	n.SinkBuffer = envInt("CONDITION_SINK_BUFFER", n.SinkBuffer)
	n.SinkTimeout = envDur("CONDITION_SINK_TIMEOUT", n.SinkTimeout)
	n.SinkHandoffTimeout = envDur("CONDITION_SINK_HANDOFF_TIMEOUT", n.SinkHandoffTimeout)
}

// envelopeOverhead covers the envelope, field names, version and the
// identifiers of an update-item frame.
const envelopeOverhead = 512

// MinFrameSize is the smallest frame ceiling that still admits the largest
// legal payload under the configured field limits. Lengths are counted in
// runes, so each one may take up to four bytes on the wire.
func (l Limits) MinFrameSize() int {
	return envelopeOverhead + 4*(l.MaxTitleLength+l.MaxDescriptionLength+l.MaxBoardIDLength+l.MaxTaskIDLength)
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	l := c.Limits
	switch {
	case l.MaxBoards <= 0:
		return errors.New("max boards must be positive")
	case l.MaxTasksPerBoard <= 0:
		return errors.New("max tasks per board must be positive")
	case l.MaxBoardIDLength <= 0 || l.MaxTaskIDLength <= 0:
		return errors.New("identifier lengths must be positive")
	case l.MinPseudoLength <= 0 || l.MaxPseudoLength < l.MinPseudoLength:
		return errors.New("invalid pseudo length bounds")
	case l.MaxTitleLength <= 0 || l.MaxDescriptionLength < 0:
		return errors.New("invalid title/description limits")
	}
	if min := l.MinFrameSize(); l.MaxFrameSize < min {
		return fmt.Errorf("max frame size %d is below the largest legal payload (%d bytes)", l.MaxFrameSize, min)
	}
	r := c.RateLimit
	if r.PerSecond <= 0 || r.PerMinute <= 0 {
		return errors.New("rate limit ceilings must be positive")
	}
	if r.PerSecond >= r.PerMinute {
		return errors.New("per-second ceiling must be smaller than per-minute ceiling")
	}
	if c.SendBuffer <= 0 {
		return errors.New("send buffer must be positive")
	}
	if c.Storage.ConnectionString == "" && c.Storage.SQLitePath == "" {
		return errors.New("missing storage config")
	}
	if c.Conditions.RingSize <= 0 {
		return errors.New("condition ring size must be positive")
	}
	return nil
}
