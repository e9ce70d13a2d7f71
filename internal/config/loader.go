// Package config loads layered runtime configuration.
//
// Precedence, highest first: runtime overrides passed to Load, GOFIELDING_*
// environment variables, the user or project config file, then defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application on disk and in the environment.
type Identity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is the identity of the gofielding binary.
func DefaultIdentity() *Identity {
	return &Identity{BinaryName: "gofielding", ConfigName: "gofielding", EnvPrefix: "GOFIELDING_"}
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Workers int           `mapstructure:"workers"`

	Store  StoreConfig  `mapstructure:"store"`
	Team   TeamConfig   `mapstructure:"team"`
	Blobs  BlobsConfig  `mapstructure:"blobs"`
	Worker WorkerConfig `mapstructure:"worker"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// StoreConfig locates the ledger database. URL wins over Path.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type TeamConfig struct {
	SelfName string `mapstructure:"self_name"`
}

type BlobsConfig struct {
	Provider       string `mapstructure:"provider"`
	BaseDir        string `mapstructure:"base_dir"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// RateLimit caps enqueue attempts per second during a poll.
	RateLimit   float64           `mapstructure:"rate_limit"`
	RegistryDir string            `mapstructure:"registry_dir"`
	ScratchDir  string            `mapstructure:"scratch_dir"`
	TargetMatch string            `mapstructure:"target_match"`
	Commands    map[string]string `mapstructure:"commands"`
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
)

// envSpec binds one environment variable to a config key.
type envSpec struct {
	Name string
	Path string
}

// envAliases maps short variable suffixes onto config keys. Every other key
// is reachable through its full dotted name, e.g. GOFIELDING_SERVER_PORT.
var envAliases = map[string]string{
	"HOST":             "server.host",
	"PORT":             "server.port",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"LOG_LEVEL":        "logging.level",
	"LOG_PROFILE":      "logging.profile",
	"METRICS_ENABLED":  "metrics.enabled",
	"METRICS_PORT":     "metrics.port",
	"DB":               "store.path",
	"DB_URL":           "store.url",
	"DB_AUTH_TOKEN":    "store.auth_token",
	"SELF_TEAM":        "team.self_name",
	"BLOBS_PROVIDER":   "blobs.provider",
	"BLOBS_DIR":        "blobs.base_dir",
	"BLOBS_BUCKET":     "blobs.bucket",
	"BLOBS_ENDPOINT":   "blobs.endpoint",
	"WORKERS":          "workers",
}

// Load builds the configuration and makes it the current one.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	identity := *appIdentity
	configMu.Unlock()

	v := viper.New()
	applyDefaults(v, &identity)

	if path := configFile(&identity); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the configuration from the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetIdentity replaces the identity used by subsequent loads.
func SetIdentity(id *Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if strings.TrimSpace(c.Team.SelfName) == "" {
		errs = append(errs, errors.New("team.self_name is required"))
	}
	if c.Worker.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("worker.rate_limit must not be negative"))
	}
	switch strings.ToLower(c.Blobs.Provider) {
	case "file", "s3":
	default:
		errs = append(errs, fmt.Errorf("blobs.provider %q is not supported", c.Blobs.Provider))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func applyDefaults(v *viper.Viper, id *Identity) {
	dataDir := gfconfig.GetAppDataDir(id.ConfigName)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
	v.SetDefault("workers", 4)

	v.SetDefault("store.path", filepath.Join(dataDir, id.ConfigName+".db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("team.self_name", "self")

	v.SetDefault("blobs.provider", "file")
	v.SetDefault("blobs.base_dir", filepath.Join(dataDir, "blobs"))
	v.SetDefault("blobs.bucket", "")
	v.SetDefault("blobs.prefix", "")
	v.SetDefault("blobs.region", "")
	v.SetDefault("blobs.endpoint", "")
	v.SetDefault("blobs.profile", "")
	v.SetDefault("blobs.force_path_style", false)

	v.SetDefault("worker.poll_interval", 30*time.Second)
	v.SetDefault("worker.rate_limit", 20.0)
	v.SetDefault("worker.registry_dir", filepath.Join(dataDir, "runs"))
	v.SetDefault("worker.scratch_dir", filepath.Join(os.TempDir(), id.ConfigName))
	v.SetDefault("worker.target_match", "")
	v.SetDefault("worker.commands", map[string]string{})
}

// getEnvSpecs lists every bound environment variable, aliases first.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []envSpec{}
	}

	aliases := make([]string, 0, len(envAliases))
	for name := range envAliases {
		aliases = append(aliases, name)
	}
	sort.Strings(aliases)

	specs := make([]envSpec, 0, len(envAliases)+len(configKeys))
	for _, name := range aliases {
		specs = append(specs, envSpec{Name: id.EnvPrefix + name, Path: envAliases[name]})
	}
	for _, key := range configKeys {
		name := id.EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		specs = append(specs, envSpec{Name: name, Path: key})
	}
	return specs
}

// configKeys are the scalar keys reachable through their full env name.
var configKeys = []string{
	"server.host", "server.port", "server.read_timeout", "server.write_timeout",
	"server.idle_timeout", "server.shutdown_timeout",
	"logging.level", "logging.profile",
	"metrics.enabled", "metrics.port", "health.enabled",
	"debug.enabled", "debug.pprof_enabled",
	"store.path", "store.url", "store.auth_token",
	"team.self_name",
	"blobs.provider", "blobs.base_dir", "blobs.bucket", "blobs.prefix", "blobs.region",
	"blobs.endpoint", "blobs.profile", "blobs.force_path_style",
	"worker.poll_interval", "worker.rate_limit", "worker.registry_dir",
	"worker.scratch_dir", "worker.target_match",
}

// configFile picks the first existing file: $<PREFIX>CONFIG, the user
// config paths, then <project root>/<config name>.yaml.
func configFile(id *Identity) string {
	if explicit := strings.TrimSpace(os.Getenv(id.EnvPrefix + "CONFIG")); explicit != "" {
		return explicit
	}
	candidates := getUserConfigPaths()
	if root, err := findProjectRoot(); err == nil {
		candidates = append(candidates, filepath.Join(root, "."+id.ConfigName+".yaml"))
	}
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c
		}
	}
	return ""
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	base := filepath.Join(dir, id.ConfigName)
	return []string{
		filepath.Join(base, "config.yaml"),
		filepath.Join(base, "config.yml"),
		filepath.Join(base, "config.json"),
	}
}

// ciBoundaryVars point at the checkout root on CI runners.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot walks up from the working directory to the nearest go.mod.
// On CI the walk stops at the first usable boundary variable (absolute, an
// existing directory, and an ancestor of the working directory). Without a
// go.mod the working directory itself is the root.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	boundary := ""
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		boundary = ciBoundary(cwd)
	}

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		if dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func ciBoundary(cwd string) string {
	for _, name := range ciBoundaryVars {
		b := strings.TrimSpace(os.Getenv(name))
		if b == "" || !filepath.IsAbs(b) {
			continue
		}
		st, err := os.Stat(b)
		if err != nil || !st.IsDir() {
			continue
		}
		b = filepath.Clean(b)
		if rel, err := filepath.Rel(b, cwd); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return b
		}
	}
	return ""
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && key != "worker.commands" {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
