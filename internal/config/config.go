package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "updatebot.yml"

// Config models updatebot.yml.
type Config struct {
	Paths struct {
		// WorkingDir holds scratch output of the converter.
		WorkingDir string `yaml:"working_dir"`
		// BaseDir is where derived artifacts land with the local backend.
		BaseDir string `yaml:"base_dir"`
		// BaseURL is the public URL of BaseDir.
		BaseURL string `yaml:"base_url"`
		// AccessURL is the base URL the introspection service serves derived
		// artifacts from.
		AccessURL string `yaml:"access_url"`
	} `yaml:"paths"`
	Crawl     Crawl     `yaml:"crawl"`
	Staleness Staleness `yaml:"staleness"`
	Storage   Storage   `yaml:"storage"`
	Converter Converter `yaml:"converter"`
	Mail      Mail      `yaml:"mail"`
	Log       struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type Crawl struct {
	Workers               int      `yaml:"workers"`
	ArtifactTimeout       Duration `yaml:"artifact_timeout"`
	HTTPTimeout           Duration `yaml:"http_timeout"`
	HeaderMemo            int      `yaml:"header_memo"`
	PropagateChildExtents bool     `yaml:"propagate_child_extents"`
}

type Staleness struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
	Addr    string `yaml:"addr"`
	// Password is usually supplied through UPDATEBOT_STALENESS_PASSWORD.
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Storage struct {
	Backend string `yaml:"backend"`
	S3      struct {
		Endpoint  string `yaml:"endpoint"`
		Region    string `yaml:"region"`
		Bucket    string `yaml:"bucket"`
		Prefix    string `yaml:"prefix"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		UseSSL    bool   `yaml:"use_ssl"`
		PublicURL string `yaml:"public_url"`
	} `yaml:"s3"`
}

type Converter struct {
	Command         string   `yaml:"command"`
	Args            []string `yaml:"args"`
	SoftwareName    string   `yaml:"software_name"`
	SoftwareVersion string   `yaml:"software_version"`
	// IntrospectSuffix is appended to a derived artifact's access URL to
	// reach its field description.
	IntrospectSuffix string `yaml:"introspect_suffix"`
}

type Mail struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	From      string `yaml:"from"`
	Admin     string `yaml:"admin"`
	SendAdmin bool   `yaml:"send_admin"`
	SendUser  bool   `yaml:"send_user"`
}

// Duration reads YAML values like "90s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with updatebot config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Paths.WorkingDir == "" {
		return fmt.Errorf("config.paths.working_dir is required")
	}
	if c.Paths.AccessURL == "" {
		return fmt.Errorf("config.paths.access_url is required")
	}
	if c.Crawl.Workers < 1 {
		return fmt.Errorf("config.crawl.workers must be at least 1")
	}
	if c.Crawl.ArtifactTimeout.Duration < 0 || c.Crawl.HTTPTimeout.Duration < 0 {
		return fmt.Errorf("config.crawl timeouts must not be negative")
	}
	switch c.Staleness.Backend {
	case "sqlite":
	case "postgres":
		if c.Staleness.DSN == "" {
			return fmt.Errorf("config.staleness.dsn is required for the postgres backend")
		}
	case "redis":
		if c.Staleness.Addr == "" {
			return fmt.Errorf("config.staleness.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.staleness.backend must be sqlite, postgres or redis")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Paths.BaseDir == "" || c.Paths.BaseURL == "" {
			return fmt.Errorf("config.paths.base_dir and base_url are required for the local backend")
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("config.storage.s3.endpoint and bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("config.storage.backend must be local or s3")
	}
	if strings.TrimSpace(c.Converter.Command) == "" {
		return fmt.Errorf("config.converter.command is required")
	}
	if (c.Mail.SendAdmin || c.Mail.SendUser) && (c.Mail.Host == "" || c.Mail.From == "") {
		return fmt.Errorf("config.mail.host and from are required when notifications are enabled")
	}
	if c.Mail.SendAdmin && c.Mail.Admin == "" {
		return fmt.Errorf("config.mail.admin is required when send_admin is set")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML for a workspace.
func GenerateDefault(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	return fmt.Sprintf(defaultTemplate, filepath.ToSlash(abs))
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config for a workspace.
func Default(workspace string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(workspace))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default(".")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `paths:
  working_dir: %[1]s/.updatebot/work
  base_dir: %[1]s/.updatebot/derived
  base_url: http://localhost:8080/derived
  access_url: http://localhost:8080/dods

crawl:
  workers: 1
  artifact_timeout: 10m
  http_timeout: 30s
  header_memo: 1024
  propagate_child_extents: false

staleness:
  backend: sqlite

storage:
  backend: local

converter:
  command: updatebot-convert
  args: ["{source}", "{output}"]
  software_name: updatebot-converter
  software_version: "1.0"
  introspect_suffix: .json

mail:
  host: localhost
  port: 25
  from: updatebot@localhost
  admin: ""
  send_admin: false
  send_user: false

log:
  level: info
`
