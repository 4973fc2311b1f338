package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Bind              string
	Port              string
	Token             string
	StateDir          string
	DBPath            string
	Headless          bool
	Production        bool
	ChromeBinary      string
	ChromeExtraFlags  string
	ChromeVersion     string
	UserAgent         string
	ChatSite          string
	PipWidth          int
	PipHeight         int
	AudioPollInterval time.Duration
	CrashReloadDelay  time.Duration
	LoadFailDelay     time.Duration
	ActionTimeout     time.Duration
	ShutdownTimeout   time.Duration
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return h
}

func (c *RuntimeConfig) ListenAddr() string {
	return c.Bind + ":" + c.Port
}

// ScreenshotDir holds diagnostic captures of failed automation runs.
func (c *RuntimeConfig) ScreenshotDir() string {
	return filepath.Join(c.StateDir, "screenshots")
}

// FileConfig is the on-disk YAML shape. Pointer fields distinguish
// "unset" from an explicit zero value.
type FileConfig struct {
	Port         string `yaml:"port"`
	Token        string `yaml:"token,omitempty"`
	StateDir     string `yaml:"stateDir"`
	DBPath       string `yaml:"dbPath,omitempty"`
	Headless     *bool  `yaml:"headless,omitempty"`
	Production   *bool  `yaml:"production,omitempty"`
	UserAgent    string `yaml:"userAgent,omitempty"`
	ChatSite     string `yaml:"chatSite,omitempty"`
	PipWidth     int    `yaml:"pipWidth,omitempty"`
	PipHeight    int    `yaml:"pipHeight,omitempty"`
	AudioPollSec int    `yaml:"audioPollSec,omitempty"`
	TimeoutSec   int    `yaml:"timeoutSec,omitempty"`
}

func defaults() *RuntimeConfig {
	stateDir := filepath.Join(homeDir(), ".flexbrowser")
	return &RuntimeConfig{
		Bind:              "127.0.0.1",
		Port:              "9877",
		StateDir:          stateDir,
		DBPath:            filepath.Join(stateDir, "flexbrowser.db"),
		Headless:          false,
		ChromeVersion:     "144.0.7559.133",
		ChatSite:          "claude",
		PipWidth:          480,
		PipHeight:         270,
		AudioPollInterval: 3 * time.Second,
		CrashReloadDelay:  1 * time.Second,
		LoadFailDelay:     2 * time.Second,
		ActionTimeout:     15 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Load builds the runtime config: defaults, then the YAML file, then
// environment variables.
func Load() *RuntimeConfig {
	cfg := defaults()

	if fc, err := readFileConfig(ConfigPath()); err == nil {
		cfg.applyFile(fc)
	}

	cfg.Bind = envOr("FLEX_BIND", cfg.Bind)
	cfg.Port = envOr("FLEX_PORT", cfg.Port)
	cfg.Token = envOr("FLEX_TOKEN", cfg.Token)
	cfg.StateDir = envOr("FLEX_STATE_DIR", cfg.StateDir)
	cfg.DBPath = envOr("FLEX_DB", cfg.DBPath)
	cfg.Headless = envBoolOr("FLEX_HEADLESS", cfg.Headless)
	cfg.Production = envBoolOr("FLEX_PRODUCTION", cfg.Production)
	cfg.ChromeBinary = envOr("CHROME_BINARY", cfg.ChromeBinary)
	cfg.ChromeExtraFlags = envOr("CHROME_FLAGS", cfg.ChromeExtraFlags)
	cfg.ChromeVersion = envOr("FLEX_CHROME_VERSION", cfg.ChromeVersion)
	cfg.UserAgent = envOr("FLEX_USER_AGENT", cfg.UserAgent)
	cfg.ChatSite = envOr("FLEX_CHAT_SITE", cfg.ChatSite)
	cfg.PipWidth = envIntOr("FLEX_PIP_WIDTH", cfg.PipWidth)
	cfg.PipHeight = envIntOr("FLEX_PIP_HEIGHT", cfg.PipHeight)
	cfg.AudioPollInterval = envDurationOr("FLEX_AUDIO_POLL", cfg.AudioPollInterval)
	cfg.CrashReloadDelay = envDurationOr("FLEX_CRASH_RELOAD_DELAY", cfg.CrashReloadDelay)
	cfg.LoadFailDelay = envDurationOr("FLEX_LOADFAIL_RELOAD_DELAY", cfg.LoadFailDelay)
	cfg.ActionTimeout = envDurationOr("FLEX_TIMEOUT", cfg.ActionTimeout)

	return cfg
}

func ConfigPath() string {
	return envOr("FLEX_CONFIG", filepath.Join(homeDir(), ".flexbrowser", "config.yaml"))
}

func readFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

func (c *RuntimeConfig) applyFile(fc FileConfig) {
	if fc.Port != "" {
		c.Port = fc.Port
	}
	if fc.Token != "" {
		c.Token = fc.Token
	}
	if fc.StateDir != "" {
		c.StateDir = fc.StateDir
		c.DBPath = filepath.Join(fc.StateDir, "flexbrowser.db")
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.Headless != nil {
		c.Headless = *fc.Headless
	}
	if fc.Production != nil {
		c.Production = *fc.Production
	}
	if fc.UserAgent != "" {
		c.UserAgent = fc.UserAgent
	}
	if fc.ChatSite != "" {
		c.ChatSite = fc.ChatSite
	}
	if fc.PipWidth > 0 {
		c.PipWidth = fc.PipWidth
	}
	if fc.PipHeight > 0 {
		c.PipHeight = fc.PipHeight
	}
	if fc.AudioPollSec > 0 {
		c.AudioPollInterval = time.Duration(fc.AudioPollSec) * time.Second
	}
	if fc.TimeoutSec > 0 {
		c.ActionTimeout = time.Duration(fc.TimeoutSec) * time.Second
	}
}

func DefaultFileConfig() FileConfig {
	d := defaults()
	h := d.Headless
	return FileConfig{
		Port:         d.Port,
		StateDir:     d.StateDir,
		Headless:     &h,
		ChatSite:     d.ChatSite,
		PipWidth:     d.PipWidth,
		PipHeight:    d.PipHeight,
		AudioPollSec: int(d.AudioPollInterval / time.Second),
		TimeoutSec:   int(d.ActionTimeout / time.Second),
	}
}

func HandleConfigCommand(cfg *RuntimeConfig) {
	if len(os.Args) < 3 {
		fmt.Println("Usage: flexbrowser config <command>")
		fmt.Println("Commands:")
		fmt.Println("  init    - Create default config file")
		fmt.Println("  show    - Show current configuration")
		return
	}

	switch os.Args[2] {
	case "init":
		configPath := ConfigPath()

		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Config file already exists at %s\n", configPath)
			fmt.Print("Overwrite? (y/N): ")
			var response string
			_, _ = fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				return
			}
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			fmt.Printf("Error creating directory: %v\n", err)
			os.Exit(1)
		}

		data, err := yaml.Marshal(DefaultFileConfig())
		if err != nil {
			fmt.Printf("Error encoding config: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(configPath, data, 0644); err != nil {
			fmt.Printf("Error writing config: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Config file created at %s\n", configPath)

	case "show":
		fmt.Println("Current configuration:")
		fmt.Printf("  Listen:     %s\n", cfg.ListenAddr())
		fmt.Printf("  Token:      %s\n", MaskToken(cfg.Token))
		fmt.Printf("  State Dir:  %s\n", cfg.StateDir)
		fmt.Printf("  Database:   %s\n", cfg.DBPath)
		fmt.Printf("  Headless:   %v\n", cfg.Headless)
		fmt.Printf("  Production: %v\n", cfg.Production)
		fmt.Printf("  Chat Site:  %s\n", cfg.ChatSite)
		fmt.Printf("  PiP Size:   %dx%d\n", cfg.PipWidth, cfg.PipHeight)
		fmt.Printf("  Timings:    audio=%v crash-reload=%v loadfail-reload=%v action=%v\n",
			cfg.AudioPollInterval, cfg.CrashReloadDelay, cfg.LoadFailDelay, cfg.ActionTimeout)

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[2])
		os.Exit(1)
	}
}

func MaskToken(t string) string {
	if t == "" {
		return "(none)"
	}
	if len(t) <= 8 {
		return "***"
	}
	return t[:4] + "..." + t[len(t)-4:]
}
