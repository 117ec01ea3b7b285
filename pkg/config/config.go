package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// Config is the provisioning service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Reaper     ReaperConfig     `yaml:"reaper"`
	Policy     PolicyConfig     `yaml:"policy"`
	Render     RenderConfig     `yaml:"render"`
	Validation ValidationConfig `yaml:"validation"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	// Address is the listen address, e.g. ":8000".
	Address string `yaml:"address" validate:"required"`

	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`

	// ShutdownTimeout bounds the wait for running jobs on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// LogTailLines is the default number of log lines returned.
	LogTailLines int `yaml:"log_tail_lines" validate:"gt=0"`
}

// StoreConfig selects where jobs and partitions live. Jobs, logs and the
// audit trail always live in SQLite; partitions may live in S3 instead.
type StoreConfig struct {
	// Backend is where partitions live: sqlite or s3.
	Backend string       `yaml:"backend" validate:"oneof=sqlite s3"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	S3      S3Config     `yaml:"s3"`
}

// SQLiteConfig configures the SQLite database.
type SQLiteConfig struct {
	Path         string        `yaml:"path" validate:"required"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" validate:"gte=0"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
}

// S3Config configures the S3 partition backend.
type S3Config struct {
	Bucket       string `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint" validate:"omitempty,url"`
	UsePathStyle bool   `yaml:"use_path_style"`

	// Static credentials. Empty uses the default AWS credential chain.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_with=AccessKeyID"`

	// Enabled is derived from the store backend.
	Enabled bool `yaml:"-"`
}

// WorkflowConfig configures job execution.
type WorkflowConfig struct {
	// ToolBinary is the infrastructure tool, looked up on PATH.
	ToolBinary string `yaml:"tool_binary" validate:"required"`

	// TemplateDir holds the infrastructure module copied into every arena.
	TemplateDir string `yaml:"template_dir" validate:"required"`

	// ArenaRoot is the parent of the per-resource working directories.
	ArenaRoot string `yaml:"arena_root" validate:"required"`

	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	KillGrace    time.Duration `yaml:"kill_grace" validate:"gt=0"`
	SettlePeriod time.Duration `yaml:"settle_period" validate:"gte=0"`

	// RequiredOutputs must be present and non-empty after apply.
	RequiredOutputs []string `yaml:"required_outputs" validate:"min=1,dive,required"`

	// KubeconfigOutput names the output holding the cluster kubeconfig.
	KubeconfigOutput string `yaml:"kubeconfig_output"`

	// PassEnv lists service environment variables handed to the tool.
	PassEnv []string `yaml:"pass_env" validate:"dive,required"`

	// Region is used for requests that carry none.
	Region string `yaml:"region"`

	// LoadBalancerWait bounds waiting for load balancers to disappear.
	LoadBalancerWait time.Duration `yaml:"load_balancer_wait" validate:"gte=0"`

	Remote RemoteConfig `yaml:"remote"`
}

// RemoteConfig runs the tool on a builder host over SSH.
type RemoteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host" validate:"required_if=Enabled true"`
	Port    int    `yaml:"port" validate:"gte=0,lte=65535"`
	User    string `yaml:"user" validate:"required_if=Enabled true"`

	// Root is the remote directory holding the arenas.
	Root string `yaml:"root" validate:"required_if=Enabled true"`

	PrivateKeyPath       string `yaml:"private_key_path"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase"`
	Password             string `yaml:"password"`

	KnownHostsPath        string `yaml:"known_hosts_path"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
}

// ReaperConfig configures the retention sweep.
type ReaperConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval" validate:"gt=0"`
	DryRunRetention time.Duration `yaml:"dry_run_retention" validate:"gt=0"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Paths    []string `yaml:"paths" validate:"dive,required"`
	Disabled []string `yaml:"disabled"`
	Watch    bool     `yaml:"watch"`
}

// RenderConfig configures request rendering.
type RenderConfig struct {
	// Template is a CUE file or package directory. Empty uses the built-in template.
	Template    string        `yaml:"template"`
	Hook        string        `yaml:"hook"`
	HookTimeout time.Duration `yaml:"hook_timeout" validate:"gte=0"`
}

// ValidationConfig holds request validation settings.
type ValidationConfig struct {
	// KubernetesVersions is the allow-list of versions clients may request.
	KubernetesVersions []string `yaml:"kubernetes_versions" validate:"min=1,dive,k8sversion"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Minute,
			LogTailLines:    500,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			SQLite: SQLiteConfig{
				Path:        "provisioner.db",
				BusyTimeout: 5 * time.Second,
			},
			S3: S3Config{
				Prefix: "partitions",
			},
		},
		Workflow: WorkflowConfig{
			ToolBinary:       "terraform",
			TemplateDir:      "terraform",
			ArenaRoot:        "arenas",
			Timeout:          45 * time.Minute,
			KillGrace:        30 * time.Second,
			SettlePeriod:     60 * time.Second,
			RequiredOutputs:  []string{"cluster_id", "region", "kubeconfig_command"},
			KubeconfigOutput: "kubeconfig",
			LoadBalancerWait: 10 * time.Minute,
			Remote: RemoteConfig{
				Port:           22,
				Root:           "/var/lib/provisioner/arenas",
				ConnectTimeout: 30 * time.Second,
			},
		},
		Reaper: ReaperConfig{
			Enabled:         true,
			Interval:        10 * time.Minute,
			DryRunRetention: 24 * time.Hour,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Render: RenderConfig{
			HookTimeout: 5 * time.Second,
		},
		Validation: ValidationConfig{
			KubernetesVersions: []string{"1.31", "1.32", "1.33"},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults, then applies
// PROVISIONER_* environment overrides and validates the result.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decode unmarshals YAML over cfg, rejecting unknown keys.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var k8sVersionPattern = regexp.MustCompile(`^1\.[0-9]{1,2}$`)

// Validate checks the configuration.
func (c *Config) Validate() error {
	c.Store.S3.Enabled = c.Store.Backend == "s3"

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("k8sversion", func(fl validator.FieldLevel) bool {
		return k8sVersionPattern.MatchString(fl.Field().String())
	}); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", configPath(fe.Namespace()), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Workflow.Remote.Enabled && c.Workflow.Remote.PrivateKeyPath == "" && c.Workflow.Remote.Password == "" {
		return fmt.Errorf("invalid configuration: workflow.remote needs private_key_path or password")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: telemetry: %w", err)
	}

	return nil
}

// configPath turns a validator namespace such as Config.workflow.timeout
// into the YAML path workflow.timeout.
func configPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

// AllowsVersion reports whether version is in the allow-list.
func (v ValidationConfig) AllowsVersion(version string) bool {
	for _, allowed := range v.KubernetesVersions {
		if allowed == version {
			return true
		}
	}
	return false
}
