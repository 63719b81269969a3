package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/livepush/internal/errors"
)

const (
	// ConfigFileName is the name of the JSON configuration file.
	// Comments and trailing commas are accepted.
	ConfigFileName = "livepush.json"

	// YAMLConfigFileName is the alternative YAML configuration file.
	YAMLConfigFileName = "livepush.yaml"

	// DefaultPort is the default bridge port.
	DefaultPort = 8176

	// DefaultEntryFile is the script clients load first.
	DefaultEntryFile = "index.lua"

	// DefaultOnboardingDelay is how long after accept the onboarding push is sent.
	DefaultOnboardingDelay = "1s"

	// DefaultAdminAddress is the listen address for the admin API.
	DefaultAdminAddress = "127.0.0.1:8177"
)

// Source kinds.
const (
	SourceFS = "fs"
	SourceS3 = "s3"
)

// configFileNames lists the files Load looks for, in order.
var configFileNames = []string{ConfigFileName, YAMLConfigFileName, "livepush.yml"}

// Config represents the complete livepush configuration.
type Config struct {
	// Port is the TCP port the bridge listens on.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Address is the IP advertised to clients in entry URLs.
	// Empty means auto-detect.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// EntryFile is the script clients load first, relative to the source root.
	EntryFile string `json:"entryFile,omitempty" yaml:"entryFile,omitempty"`

	// OnboardingDelay is the delay before pushing the entry file to a new client (e.g., "1s").
	OnboardingDelay string `json:"onboardingDelay,omitempty" yaml:"onboardingDelay,omitempty"`

	// Source configures where code is served from.
	Source SourceConfig `json:"source,omitempty" yaml:"source,omitempty"`

	// Admin configures the editor console and admin API.
	Admin AdminConfig `json:"admin,omitempty" yaml:"admin,omitempty"`

	// Log configures structured logging.
	Log LogConfig `json:"log,omitempty" yaml:"log,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// SourceConfig selects and configures the code provider.
type SourceConfig struct {
	// Kind is "fs" or "s3".
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`

	// Root is the directory served by the fs provider.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Watch configures change detection for the fs provider.
	Watch WatchConfig `json:"watch,omitempty" yaml:"watch,omitempty"`

	// S3 configures the s3 provider.
	S3 S3Config `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// WatchConfig configures the polling file watcher.
type WatchConfig struct {
	// Interval is the poll interval (e.g., "300ms").
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`

	// Ignore contains patterns to skip.
	Ignore []string `json:"ignore,omitempty" yaml:"ignore,omitempty"`

	// Extensions limits watching to these file extensions.
	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
}

// S3Config configures the S3 code provider.
type S3Config struct {
	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// PollInterval is how often the bucket is listed for changes.
	PollInterval string `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty" yaml:"level,omitempty"`

	// Format is "text" or "json".
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Port:            DefaultPort,
		EntryFile:       DefaultEntryFile,
		OnboardingDelay: DefaultOnboardingDelay,
		Source: SourceConfig{
			Kind: SourceFS,
			Root: ".",
			Watch: WatchConfig{
				Interval:   "300ms",
				Ignore:     []string{".git", "node_modules", "*.swp", "*~"},
				Extensions: []string{".lua"},
			},
			S3: S3Config{
				PollInterval: "2s",
			},
		},
		Admin: AdminConfig{
			Address: DefaultAdminAddress,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the specified directory.
// It looks for livepush.json, then livepush.yaml.
func Load(dir string) (*Config, error) {
	for _, name := range configFileNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return LoadFile(p)
		}
	}
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeConfigNotFound).
				WithDetail("No livepush config found in " + filepath.Dir(path))
		}
		return nil, errors.New(errors.CodeConfigParse).Wrap(err)
	}

	cfg := New()
	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.New(errors.CodeConfigParse).
				WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error()).
				WithSuggestion("Check that the file is valid YAML")
		}
	} else if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, jsonError(path, data, err)
	}

	cfg.configPath = path
	cfg.applyDefaults()
	return cfg, nil
}

// jsonError converts a JSON decoding error into a located error.
// jsonc.ToJSON keeps byte offsets intact, so they map onto the original file.
func jsonError(path string, data []byte, err error) error {
	le := errors.New(errors.CodeConfigParse).
		WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error()).
		WithSuggestion("Check that " + filepath.Base(path) + " is valid JSON")

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case stderrors.As(err, &syntaxErr):
		le.WithOffset(path, data, syntaxErr.Offset)
	case stderrors.As(err, &typeErr):
		le.WithOffset(path, data, typeErr.Offset)
	}
	return le
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
// The format follows the file extension.
func (c *Config) SaveTo(path string) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
		// Add newline at end of file
		if err == nil {
			data = append(data, '\n')
		}
	}
	if err != nil {
		return errors.New(errors.CodeConfigWrite).Wrap(err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New(errors.CodeConfigWrite).Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	d := New()

	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.EntryFile == "" {
		c.EntryFile = d.EntryFile
	}
	if c.OnboardingDelay == "" {
		c.OnboardingDelay = d.OnboardingDelay
	}

	// Source
	if c.Source.Kind == "" {
		c.Source.Kind = d.Source.Kind
	}
	if c.Source.Root == "" {
		c.Source.Root = d.Source.Root
	}
	if c.Source.Watch.Interval == "" {
		c.Source.Watch.Interval = d.Source.Watch.Interval
	}
	if c.Source.Watch.Ignore == nil {
		c.Source.Watch.Ignore = d.Source.Watch.Ignore
	}
	if c.Source.Watch.Extensions == nil {
		c.Source.Watch.Extensions = d.Source.Watch.Extensions
	}
	if c.Source.S3.PollInterval == "" {
		c.Source.S3.PollInterval = d.Source.S3.PollInterval
	}

	// Admin
	if c.Admin.Address == "" {
		c.Admin.Address = d.Admin.Address
	}

	// Log
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.New(errors.CodePortInvalid).
			WithDetail(fmt.Sprintf("Port %d is out of range; ports must be between 0 and 65535", c.Port))
	}

	if c.Address != "" {
		if _, _, err := net.SplitHostPort(c.Address); err == nil {
			return errors.New(errors.CodeAddressInvalid).
				WithDetail("Address " + c.Address + " includes a port").
				WithSuggestion("Set the port with \"port\" instead")
		}
	}

	for name, value := range map[string]string{
		"onboardingDelay":        c.OnboardingDelay,
		"source.watch.interval":  c.Source.Watch.Interval,
		"source.s3.pollInterval": c.Source.S3.PollInterval,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			return errors.New(errors.CodeDurationInvalid).
				WithDetail(fmt.Sprintf("%s: %q is not a valid duration", name, value))
		}
	}

	switch c.Source.Kind {
	case SourceFS, "":
	case SourceS3:
		if c.Source.S3.Bucket == "" {
			return errors.New(errors.CodeSourceInvalid).
				WithDetail("source.s3.bucket is required when source.kind is \"s3\"")
		}
	default:
		return errors.New(errors.CodeSourceInvalid).
			WithDetail(fmt.Sprintf("Unknown source kind %q", c.Source.Kind)).
			WithSuggestion("Use \"fs\" or \"s3\"")
	}

	if _, ok := parseLevel(c.Log.Level); !ok {
		return errors.New(errors.CodeLogLevelInvalid).
			WithDetail(fmt.Sprintf("Unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.New(errors.CodeLogLevelInvalid).
			WithDetail(fmt.Sprintf("Unknown log format %q", c.Log.Format))
	}

	return nil
}

// OnboardingDelayDuration returns OnboardingDelay parsed, or the default.
func (c *Config) OnboardingDelayDuration() time.Duration {
	return parseDuration(c.OnboardingDelay, time.Second)
}

// WatchInterval returns the fs poll interval.
func (c *Config) WatchInterval() time.Duration {
	return parseDuration(c.Source.Watch.Interval, 300*time.Millisecond)
}

// S3PollInterval returns the S3 listing interval.
func (c *Config) S3PollInterval() time.Duration {
	return parseDuration(c.Source.S3.PollInterval, 2*time.Second)
}

// SourceRoot returns the absolute path of the fs source root.
func (c *Config) SourceRoot() string {
	root := c.Source.Root
	if root == "" {
		root = "."
	}
	if filepath.IsAbs(root) {
		return root
	}
	return filepath.Join(c.Dir(), root)
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// Exists checks if a livepush config exists in the given directory.
func Exists(dir string) bool {
	for _, name := range configFileNames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// FindProjectRoot walks up directories to find the project root.
// Returns the directory containing the config file, or an error if not found.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New(errors.CodeConfigNotFound).
				WithDetail("No livepush config found in " + startDir + " or any parent directory")
		}
		dir = parent
	}
}

// LoadFromWorkingDir loads configuration from the current working directory.
func LoadFromWorkingDir() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	root, err := FindProjectRoot(wd)
	if err != nil {
		return nil, err
	}

	return Load(root)
}
