package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	PanelName            string        `mapstructure:"panel_name"`
	DescriptorPath       string        `mapstructure:"descriptor_path"`
	ControlEndpoint      string        `mapstructure:"control_endpoint"`
	BitstreamInitialSize int           `mapstructure:"bitstream_initial_size"`
	AwaitTimeout         time.Duration `mapstructure:"await_timeout"`
	LockTimeout          time.Duration `mapstructure:"lock_timeout"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	RTPPayloadType       int           `mapstructure:"rtp_payload_type"`
	RTPMTU               int           `mapstructure:"rtp_mtu"`
	SampleQueueSize      int           `mapstructure:"sample_queue_size"`
	IDRInterval          time.Duration `mapstructure:"idr_interval"`
	LogLevel             string        `mapstructure:"log_level"`
	LogFormat            string        `mapstructure:"log_format"`
	LogFile              string        `mapstructure:"log_file"`
	ForwardLogLevel      string        `mapstructure:"forward_log_level"`
}

func Default() *Config {
	return &Config{
		PanelName:            "VideoSwapChainPanel",
		DescriptorPath:       filepath.Join(dataDir(), "handoff.yaml"),
		BitstreamInitialSize: 65536,
		AwaitTimeout:         5 * time.Second,
		LockTimeout:          2 * time.Second,
		TickInterval:         10 * time.Millisecond,
		RTPPayloadType:       102,
		RTPMTU:               1400,
		SampleQueueSize:      4,
		IDRInterval:          10 * time.Second,
		LogLevel:             "info",
		LogFormat:            "text",
		ForwardLogLevel:      "warn",
	}
}

// Load reads cfgFile (or mswinrtvid.yaml from the data dir / working dir)
// and MSWINRTVID_* environment overrides on top of Default().
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("mswinrtvid")
		v.SetConfigType("yaml")
		v.AddConfigPath(dataDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MSWINRTVID")
	v.AutomaticEnv()
	for _, key := range keys {
		v.BindEnv(key)
	}

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

// keys are bound explicitly so env overrides apply even when no config
// file mentions them.
var keys = []string{
	"panel_name", "descriptor_path", "control_endpoint", "bitstream_initial_size",
	"await_timeout", "lock_timeout", "tick_interval", "rtp_payload_type", "rtp_mtu",
	"sample_queue_size", "idr_interval", "log_level", "log_format", "log_file",
	"forward_log_level",
}

func dataDir() string {
	switch runtime.GOOS {
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "mswinrtvid")
		}
		return filepath.Join(os.Getenv("ProgramData"), "mswinrtvid")
	default:
		return filepath.Join(os.TempDir(), "mswinrtvid")
	}
}
