package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read by Load when no explicit path is given and the file exists.
const DefaultPath = "/etc/kiln/config.yaml"

// Config is the process-wide configuration. It is built once at startup
// and passed explicitly to every component constructor.
type Config struct {
	URI       string            `yaml:"uri"`
	SSH       SSHConfig         `yaml:"ssh"`
	Libvirt   LibvirtConfig     `yaml:"libvirt"`
	Images    ImagesConfig      `yaml:"images"`
	CloudInit CloudInitDefaults `yaml:"cloud_init"`
	Network   NetworkConfig     `yaml:"network"`
	Commands  CommandsConfig    `yaml:"commands"`
	S3        S3Config          `yaml:"s3"`
	Log       LogConfig         `yaml:"log"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Tracing   TracingConfig     `yaml:"tracing"`
}

// SSHConfig controls how kiln authenticates to a remote hypervisor host.
type SSHConfig struct {
	User                  string        `yaml:"user"`
	Port                  int           `yaml:"port"`
	IdentityFiles         []string      `yaml:"identity_files"`
	KnownHosts            string        `yaml:"known_hosts"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
}

// LibvirtConfig controls the hypervisor RPC connection.
type LibvirtConfig struct {
	Socket          string        `yaml:"socket"`
	Timeout         time.Duration `yaml:"timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ImagesConfig controls where images live and how they are fetched.
type ImagesConfig struct {
	Dir             string        `yaml:"dir"`
	SearchDirs      []string      `yaml:"search_dirs"`
	KnownImages     []string      `yaml:"known_images"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	CheckTimeout    time.Duration `yaml:"check_timeout"`
	Overlay         bool          `yaml:"overlay"`
	// LocalCacheDir holds downloads destined for a remote hypervisor.
	LocalCacheDir   string        `yaml:"local_cache_dir"`
}

// CloudInitDefaults holds the user configuration applied by the
// default cloud-init create variant, plus packaging settings.
type CloudInitDefaults struct {
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Groups         []string      `yaml:"groups"`
	Packages       []string      `yaml:"packages"`
	DNSServers     []string      `yaml:"dns_servers"`
	GitHubUser     string        `yaml:"github_user"`
	KeysURL        string        `yaml:"keys_url"`
	FallbackKeys   []string      `yaml:"fallback_keys"`
	StagingDir     string        `yaml:"staging_dir"`
	BuiltinISO     bool          `yaml:"builtin_iso"`
	PackageTimeout time.Duration `yaml:"package_timeout"`
}

// NetworkConfig controls networking defaults and address discovery.
type NetworkConfig struct {
	Default    string        `yaml:"default"`
	Interface  string        `yaml:"interface"`
	ARPTimeout time.Duration `yaml:"arp_timeout"`
}

// CommandsConfig holds execution defaults.
type CommandsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// S3Config configures s3:// image sources. Empty keys fall back to the
// default AWS credential chain.
type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// TracingConfig configures OTLP trace export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		URI: "qemu:///system",
		SSH: SSHConfig{
			User:           "root",
			Port:           22,
			IdentityFiles:  []string{"~/.ssh/id_ed25519", "~/.ssh/id_rsa"},
			KnownHosts:     "~/.ssh/known_hosts",
			ConnectTimeout: 10 * time.Second,
		},
		Libvirt: LibvirtConfig{
			Socket:          "/var/run/libvirt/libvirt-sock",
			Timeout:         5 * time.Second,
			ShutdownTimeout: 60 * time.Second,
		},
		Images: ImagesConfig{
			Dir:        "/var/lib/libvirt/images",
			SearchDirs: []string{"/var/lib/libvirt/images", "/data/libvirt/images"},
			KnownImages: []string{
				"ubuntu-24.04-server-cloudimg-amd64.img",
				"noble-server-cloudimg-amd64.img",
				"ubuntu-24.04-base.qcow2",
			},
			DownloadTimeout: 30 * time.Minute,
			CheckTimeout:    10 * time.Second,
			LocalCacheDir:   "~/.cache/kiln/images",
		},
		CloudInit: CloudInitDefaults{
			User:           "ubuntu",
			Password:       "ubuntu",
			Groups:         []string{"sudo"},
			Packages:       []string{"curl", "git", "openssh-server", "qemu-guest-agent", "wget"},
			DNSServers:     []string{"8.8.8.8", "8.8.4.4"},
			KeysURL:        "https://github.com",
			FallbackKeys:   []string{"~/.ssh/id_ed25519.pub", "~/.ssh/id_rsa.pub"},
			StagingDir:     "/tmp/kiln-cloudinit",
			PackageTimeout: 60 * time.Second,
		},
		Network: NetworkConfig{
			Default:    "default",
			Interface:  "enp1s0",
			ARPTimeout: 5 * time.Second,
		},
		Commands: CommandsConfig{
			Timeout: 30 * time.Second,
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			ServiceName: "kiln",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, then validates it. An empty path reads DefaultPath
// if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// no config file, defaults apply
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&c.URI, "LIBVIRT_DEFAULT_URI")
	set(&c.CloudInit.GitHubUser, "GITHUB_SSH_USER")
	set(&c.SSH.User, "KILN_SSH_USER")
	set(&c.Images.Dir, "KILN_IMAGES_DIR")
	set(&c.Log.Level, "KILN_LOG_LEVEL")
	set(&c.Log.Format, "KILN_LOG_FORMAT")
	set(&c.S3.Endpoint, "S3_ENDPOINT")
	set(&c.S3.Region, "S3_REGION")
	set(&c.S3.AccessKey, "S3_ACCESS_KEY")
	set(&c.S3.SecretKey, "S3_SECRET_KEY")
	set(&c.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if v := strings.TrimSpace(getenv("KILN_SSH_KEY")); v != "" {
		c.SSH.IdentityFiles = append([]string{v}, c.SSH.IdentityFiles...)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("uri is required")
	}
	if c.Images.Dir == "" {
		return fmt.Errorf("images.dir is required")
	}
	if !filepath.IsAbs(c.Images.Dir) {
		return fmt.Errorf("images.dir must be absolute, got %q", c.Images.Dir)
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port must be 1-65535, got %d", c.SSH.Port)
	}
	if c.Commands.Timeout <= 0 {
		return fmt.Errorf("commands.timeout must be > 0")
	}
	if c.Network.Default == "" {
		return fmt.Errorf("network.default is required")
	}
	if c.CloudInit.StagingDir == "" || !filepath.IsAbs(c.CloudInit.StagingDir) {
		return fmt.Errorf("cloud_init.staging_dir must be an absolute path, got %q", c.CloudInit.StagingDir)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// ExpandHome replaces a leading "~/" with the current user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
