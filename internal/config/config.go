package config

import (
	"github.com/spf13/viper"
)

// Config is the full agent configuration, loaded from a YAML file with
// keyed sections and EDGESIGHT_* environment overrides.
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Logging LoggingConfig `mapstructure:"logging"`
	Source  SourceConfig  `mapstructure:"source"`
	AI      AIConfig      `mapstructure:"ai"`
	Relay   RelayConfig   `mapstructure:"relay"`
	FSM     FSMConfig     `mapstructure:"fsm"`
	Store   StoreConfig   `mapstructure:"store"`
	Status  StatusConfig  `mapstructure:"status"`
}

type DeviceConfig struct {
	ID string `mapstructure:"id"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// SourceConfig describes the camera input and the shared-memory segment the
// capture hub writes into.
type SourceConfig struct {
	URL        string `mapstructure:"url"`    // network camera (rtsp://...)
	Device     string `mapstructure:"device"` // local device (/dev/video0); exclusive with URL
	Width      int    `mapstructure:"width"`
	Height     int    `mapstructure:"height"`
	FPS        int    `mapstructure:"fps"`
	ShmSocket  string `mapstructure:"shm_socket"`
	ShmSizeMiB int    `mapstructure:"shm_size_mib"`
}

type AIConfig struct {
	ModelPath     string   `mapstructure:"model_path"`
	Confidence    float64  `mapstructure:"confidence"`
	Classes       []string `mapstructure:"classes"`
	InputWidth    int      `mapstructure:"input_width"`
	InputHeight   int      `mapstructure:"input_height"`
	IdleFPS       int      `mapstructure:"idle_fps"`
	ActiveFPS     int      `mapstructure:"active_fps"`
	WorkerHost    string   `mapstructure:"worker_host"`
	WorkerPort    int      `mapstructure:"worker_port"`
	StreamPrefix  string   `mapstructure:"stream_prefix"`
	ClassCatalog  []string `mapstructure:"class_catalog"`
	KeepaliveSecs int      `mapstructure:"keepalive_secs"`
}

type RelayConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	RecordPath string `mapstructure:"record_path"`
	LivePath   string `mapstructure:"live_path"`
}

type FSMConfig struct {
	DwellMs    int `mapstructure:"dwell_ms"`
	SilenceMs  int `mapstructure:"silence_ms"`
	PostRollMs int `mapstructure:"postroll_ms"`
}

type StoreConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	BatchSize       int    `mapstructure:"batch_size"`
	BatchIntervalMs int    `mapstructure:"batch_interval_ms"`
}

type StatusConfig struct {
	Port int `mapstructure:"port"`
}

// Default returns a configuration with every tunable at its documented
// default. Required values (device id, source, store URL) stay empty and are
// caught by Validate.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Source: SourceConfig{
			Width:      1280,
			Height:     720,
			FPS:        12,
			ShmSocket:  "/tmp/edgesight-shm",
			ShmSizeMiB: 64,
		},
		AI: AIConfig{
			Confidence:    0.4,
			InputWidth:    640,
			InputHeight:   640,
			IdleFPS:       2,
			ActiveFPS:     12,
			WorkerPort:    8765,
			StreamPrefix:  "edge",
			KeepaliveSecs: 2,
		},
		Relay: RelayConfig{
			Port:       8554,
			RecordPath: "record",
			LivePath:   "live",
		},
		FSM: FSMConfig{
			DwellMs:    500,
			SilenceMs:  3000,
			PostRollMs: 5000,
		},
		Store: StoreConfig{
			BatchSize:       50,
			BatchIntervalMs: 1000,
		},
		Status: StatusConfig{
			Port: 8087,
		},
	}
}

// Load reads the config file (YAML), applies environment overrides and
// unmarshals over the defaults.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("edge-agent")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/edgesight")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("EDGESIGHT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
