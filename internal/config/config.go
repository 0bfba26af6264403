package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/ocistash/internal/oci"
)

// DefaultPayloadMaxSize caps manifest and signature bodies unless configured.
const DefaultPayloadMaxSize ByteSize = 4_000_000

// Config is the top-level configuration
type Config struct {
	Server  ServerConfig            `yaml:"server"`
	Limits  LimitsConfig            `yaml:"limits"`
	Remotes map[string]RemoteConfig `yaml:"remotes"`
	Targets map[string]TargetConfig `yaml:"targets"`
	Build   BuildConfig             `yaml:"build"`
	Export  ExportConfig            `yaml:"export"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
}

// LimitsConfig caps bodies that are buffered or parsed in memory
type LimitsConfig struct {
	ManifestPayloadMaxSize  ByteSize `yaml:"manifest_payload_max_size"`
	SignaturePayloadMaxSize ByteSize `yaml:"signature_payload_max_size"`
}

// RemoteConfig describes one upstream repository to sync
type RemoteConfig struct {
	URL                 string   `yaml:"url"`
	UpstreamName        string   `yaml:"upstream_name"`
	Repository          string   `yaml:"repository"` // local name, defaults to upstream_name
	Username            string   `yaml:"username"`
	Password            string   `yaml:"password"`
	ProxyURL            string   `yaml:"proxy_url"`
	ProxyUsername       string   `yaml:"proxy_username"`
	ProxyPassword       string   `yaml:"proxy_password"`
	RateLimit           float64  `yaml:"rate_limit"` // requests per second, 0 = unlimited
	DownloadConcurrency int      `yaml:"download_concurrency"`
	IncludeTags         []string `yaml:"include_tags"`
	ExcludeTags         []string `yaml:"exclude_tags"`
	Sigstore            string   `yaml:"sigstore"`
	Mirror              bool     `yaml:"mirror"`
}

// TargetConfig describes a registry repository versions can be pushed to
type TargetConfig struct {
	Registry         string `yaml:"registry"` // host[:port]
	RepositoryPrefix string `yaml:"repository_prefix"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	Insecure         bool   `yaml:"insecure"` // plain http
}

// BuildConfig holds settings for building images from Containerfiles
type BuildConfig struct {
	Binary    string `yaml:"binary"`
	Isolation string `yaml:"isolation"`
}

// ExportConfig holds defaults for transfer archives
type ExportConfig struct {
	SplitSize ByteSize `yaml:"split_size"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "0.0.0.0:8080",
			DataDir: "/var/lib/ocistash",
			DBPath:  "",
		},
		Limits: LimitsConfig{
			ManifestPayloadMaxSize:  DefaultPayloadMaxSize,
			SignaturePayloadMaxSize: DefaultPayloadMaxSize,
		},
		Remotes: make(map[string]RemoteConfig),
		Targets: make(map[string]TargetConfig),
		Build: BuildConfig{
			Binary:    "podman",
			Isolation: "rootless",
		},
		Export: ExportConfig{
			SplitSize: 25 << 30,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Remotes == nil {
		cfg.Remotes = make(map[string]RemoteConfig)
	}
	if cfg.Targets == nil {
		cfg.Targets = make(map[string]TargetConfig)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"ocistash.yaml",
		"/etc/ocistash/ocistash.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "ocistash", "ocistash.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.DataDir == "" {
		errs = append(errs, errors.New("server.data_dir is required"))
	}
	if c.Limits.ManifestPayloadMaxSize <= 0 {
		errs = append(errs, errors.New("limits.manifest_payload_max_size must be positive"))
	}
	if c.Limits.SignaturePayloadMaxSize <= 0 {
		errs = append(errs, errors.New("limits.signature_payload_max_size must be positive"))
	}
	if c.Export.SplitSize <= 0 {
		errs = append(errs, errors.New("export.split_size must be positive"))
	}
	for name, r := range c.Remotes {
		if err := r.validate(); err != nil {
			errs = append(errs, fmt.Errorf("remote %q: %w", name, err))
		}
	}
	for name, t := range c.Targets {
		if err := t.validate(); err != nil {
			errs = append(errs, fmt.Errorf("target %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (t TargetConfig) validate() error {
	if t.Registry == "" || strings.Contains(t.Registry, "/") {
		return fmt.Errorf("registry %q must be a host[:port]", t.Registry)
	}
	if _, err := name.NewRegistry(t.Registry); err != nil {
		return fmt.Errorf("invalid registry: %w", err)
	}
	if t.RepositoryPrefix != "" {
		if err := oci.ValidateRepositoryName(t.RepositoryPrefix); err != nil {
			return fmt.Errorf("repository_prefix: %w", err)
		}
	}
	if (t.Username == "") != (t.Password == "") {
		return errors.New("username and password must be set together")
	}
	return nil
}

// Destination returns the repository that local repository repo maps to on
// the target registry.
func (t TargetConfig) Destination(repo string) string {
	if t.RepositoryPrefix == "" {
		return t.Registry + "/" + repo
	}
	return t.Registry + "/" + t.RepositoryPrefix + "/" + repo
}

func (r RemoteConfig) validate() error {
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be an absolute http(s) URL", r.URL)
	}
	if err := oci.ValidateRepositoryName(r.UpstreamName); err != nil {
		return err
	}
	if r.Repository != "" {
		if err := oci.ValidateRepositoryName(r.Repository); err != nil {
			return err
		}
	}
	if (r.Username == "") != (r.Password == "") {
		return errors.New("username and password must be set together")
	}
	if r.ProxyURL != "" {
		if _, err := url.Parse(r.ProxyURL); err != nil {
			return fmt.Errorf("invalid proxy_url: %w", err)
		}
	} else if r.ProxyUsername != "" {
		return errors.New("proxy_username requires proxy_url")
	}
	if r.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}
	if r.DownloadConcurrency < 0 {
		return errors.New("download_concurrency must not be negative")
	}
	for _, p := range append(append([]string{}, r.IncludeTags...), r.ExcludeTags...) {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("invalid tag pattern %q: %w", p, err)
		}
	}
	if r.Sigstore != "" {
		if u, err := url.Parse(r.Sigstore); err != nil || u.Scheme == "" {
			return fmt.Errorf("sigstore %q must be an absolute URL", r.Sigstore)
		}
	}
	return nil
}

// LocalRepository is the repository name synced content is stored under.
func (r RemoteConfig) LocalRepository() string {
	if r.Repository != "" {
		return r.Repository
	}
	return strings.Trim(r.UpstreamName, "/")
}

// Concurrency returns the blob download parallelism, defaulting to 4.
func (r RemoteConfig) Concurrency() int {
	if r.DownloadConcurrency > 0 {
		return r.DownloadConcurrency
	}
	return 4
}

// DatabasePath returns db_path, or a file under data_dir when unset.
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "ocistash.db")
}

// ArtifactDir returns where content-addressed files are kept.
func (c *Config) ArtifactDir() string {
	return filepath.Join(c.Server.DataDir, "artifacts")
}
