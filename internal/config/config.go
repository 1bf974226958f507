package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the reverie engine.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir       string
	Driver        string  // audio driver: portaudio, wav, raw, null
	Device        string  // output file path for wav/raw drivers ("-" is stdout for raw only)
	Rate          int     // output frame rate in Hz
	FramesPerBuf  int     // frames per output buffer
	MasterVolume  float64 // root channel amplitude multiplier (0..1)
	SoundPath     string  // colon-separated sample search directories
	Listen        bool    // enable the external event listener
	ListenPort    string  // TCP port, Unix socket path (leading /), or "-" for stdin
	HTTPPort      int     // admin API port; 0 disables the HTTP surface
	StatsInterval float64 // seconds between stats emissions; 0 disables
	VerboseErrors bool    // include full detail when an agent fails
	Duration      float64 // stop after this many seconds; 0 runs until the soundscape ends
	Agent         string  // qualified name of the agent to run
	AgentArgs     []string

	// Timebase and cache tuning, in frames; zero selects the engine
	// defaults. Exposed for tests and debugging.
	TrimThreshold  int64
	TrimOffset     int64
	UnloadInterval int64
	UnloadAge      int64

	LogLevel  string
	LogFormat string // log output format: "text" or "json"
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultDriver       = "portaudio"
	defaultRate         = 22050
	defaultFramesPerBuf = 1024
	defaultMasterVol    = 0.5
	defaultHTTPPort     = 0
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// envPrefix is the prefix for all reverie environment variables.
const envPrefix = "REVERIE_"

// Load parses configuration from CLI flags and environment variables.
// Remaining positional arguments select the agent and its arguments.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("reverie", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for extracted sounds")
	fs.StringVar(&cfg.Driver, "driver", defaultDriver, "audio driver (portaudio, wav, raw, null)")
	fs.StringVar(&cfg.Device, "device", "", "output file for the wav and raw drivers (- for stdout, raw only)")
	fs.IntVar(&cfg.Rate, "rate", defaultRate, "output frame rate in Hz")
	fs.IntVar(&cfg.FramesPerBuf, "buffer", defaultFramesPerBuf, "output buffer size in frames")
	fs.Float64Var(&cfg.MasterVolume, "master-volume", defaultMasterVol, "root channel volume (0..1)")
	fs.StringVar(&cfg.SoundPath, "sound-path", "", "colon-separated sample search directories")
	fs.BoolVar(&cfg.Listen, "listen", false, "enable the external event listener")
	fs.StringVar(&cfg.ListenPort, "listen-port", "", "event listener TCP port, Unix socket path, or - for stdin")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "admin API listen port (0 disables)")
	fs.Float64Var(&cfg.StatsInterval, "stats-interval", 0, "seconds between stats emissions (0 disables)")
	fs.BoolVar(&cfg.VerboseErrors, "verbose-errors", false, "log full detail when an agent fails")
	fs.Float64Var(&cfg.Duration, "duration", 0, "stop after this many seconds (0 runs until the soundscape ends)")
	fs.Int64Var(&cfg.TrimThreshold, "trim-threshold", 0, "timebase trim threshold in frames (0 uses the default)")
	fs.Int64Var(&cfg.TrimOffset, "trim-offset", 0, "timebase trim offset in frames (0 uses the default)")
	fs.Int64Var(&cfg.UnloadInterval, "unload-interval", 0, "sample unload scan interval in frames (0 uses the default)")
	fs.Int64Var(&cfg.UnloadAge, "unload-age", 0, "idle age before sample PCM is released, in frames (0 uses the default)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if rest := fs.Args(); len(rest) > 0 {
		cfg.Agent = rest[0]
		cfg.AgentArgs = rest[1:]
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":        envPrefix + "DATA_DIR",
		"driver":          envPrefix + "DRIVER",
		"device":          envPrefix + "DEVICE",
		"rate":            envPrefix + "RATE",
		"buffer":          envPrefix + "BUFFER",
		"master-volume":   envPrefix + "MASTER_VOLUME",
		"sound-path":      envPrefix + "SOUND_PATH",
		"listen":          envPrefix + "LISTEN",
		"listen-port":     envPrefix + "LISTEN_PORT",
		"http-port":       envPrefix + "HTTP_PORT",
		"stats-interval":  envPrefix + "STATS_INTERVAL",
		"verbose-errors":  envPrefix + "VERBOSE_ERRORS",
		"duration":        envPrefix + "DURATION",
		"trim-threshold":  envPrefix + "TRIM_THRESHOLD",
		"trim-offset":     envPrefix + "TRIM_OFFSET",
		"unload-interval": envPrefix + "UNLOAD_INTERVAL",
		"unload-age":      envPrefix + "UNLOAD_AGE",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "driver":
			cfg.Driver = val
		case "device":
			cfg.Device = val
		case "rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Rate = v
			}
		case "buffer":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.FramesPerBuf = v
			}
		case "master-volume":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.MasterVolume = v
			}
		case "sound-path":
			cfg.SoundPath = val
		case "listen":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.Listen = v
			}
		case "listen-port":
			cfg.ListenPort = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "stats-interval":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.StatsInterval = v
			}
		case "verbose-errors":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.VerboseErrors = v
			}
		case "duration":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.Duration = v
			}
		case "trim-threshold":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.TrimThreshold = v
			}
		case "trim-offset":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.TrimOffset = v
			}
		case "unload-interval":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.UnloadInterval = v
			}
		case "unload-age":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.UnloadAge = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	validDrivers := map[string]bool{"portaudio": true, "wav": true, "raw": true, "null": true}
	if !validDrivers[c.Driver] {
		return fmt.Errorf("driver must be one of portaudio, wav, raw, null; got %q", c.Driver)
	}
	if (c.Driver == "wav" || c.Driver == "raw") && c.Device == "" {
		return fmt.Errorf("the %s driver needs -device (an output path, or - for stdout with raw)", c.Driver)
	}
	if c.Rate < 8000 || c.Rate > 192000 {
		return fmt.Errorf("rate must be between 8000 and 192000, got %d", c.Rate)
	}
	if c.FramesPerBuf < 64 || c.FramesPerBuf > 65536 {
		return fmt.Errorf("buffer must be between 64 and 65536 frames, got %d", c.FramesPerBuf)
	}
	if c.MasterVolume < 0 || c.MasterVolume > 1 {
		return fmt.Errorf("master-volume must be between 0 and 1, got %g", c.MasterVolume)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 0 and 65535, got %d", c.HTTPPort)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("stats-interval must not be negative, got %g", c.StatsInterval)
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must not be negative, got %g", c.Duration)
	}
	if (c.TrimThreshold > 0) != (c.TrimOffset > 0) {
		return fmt.Errorf("trim-threshold and trim-offset must be set together")
	}
	if c.TrimOffset > c.TrimThreshold {
		return fmt.Errorf("trim-offset must not exceed trim-threshold")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SoundDirs returns the sample search path as a directory list. The
// current directory is the fallback, matching a bare engine run.
func (c *Config) SoundDirs() []string {
	if c.SoundPath == "" {
		return []string{"."}
	}
	var dirs []string
	for _, d := range strings.Split(c.SoundPath, ":") {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	if len(dirs) == 0 {
		return []string{"."}
	}
	return dirs
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
