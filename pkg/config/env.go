package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROVISIONER_"

// envBinding maps one environment variable onto a config field.
type envBinding struct {
	name string
	set  func(c *Config, value string) error
}

func stringVar(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, value string) error {
		*field(c) = value
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, value string) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, value string) error {
		i, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*field(c) = i
		return nil
	}
}

// listVar splits a comma-separated value, dropping empty items.
func listVar(field func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, value string) error {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*field(c) = items
		return nil
	}
}

// envBindings lists the supported overrides, without the prefix.
var envBindings = []envBinding{
	{"ADDRESS", stringVar(func(c *Config) *string { return &c.Server.Address })},
	{"SHUTDOWN_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout })},

	{"STORE_BACKEND", stringVar(func(c *Config) *string { return &c.Store.Backend })},
	{"SQLITE_PATH", stringVar(func(c *Config) *string { return &c.Store.SQLite.Path })},
	{"S3_BUCKET", stringVar(func(c *Config) *string { return &c.Store.S3.Bucket })},
	{"S3_PREFIX", stringVar(func(c *Config) *string { return &c.Store.S3.Prefix })},
	{"S3_REGION", stringVar(func(c *Config) *string { return &c.Store.S3.Region })},
	{"S3_ENDPOINT", stringVar(func(c *Config) *string { return &c.Store.S3.Endpoint })},
	{"S3_ACCESS_KEY_ID", stringVar(func(c *Config) *string { return &c.Store.S3.AccessKeyID })},
	{"S3_SECRET_ACCESS_KEY", stringVar(func(c *Config) *string { return &c.Store.S3.SecretAccessKey })},

	{"TOOL_BINARY", stringVar(func(c *Config) *string { return &c.Workflow.ToolBinary })},
	{"TEMPLATE_DIR", stringVar(func(c *Config) *string { return &c.Workflow.TemplateDir })},
	{"ARENA_ROOT", stringVar(func(c *Config) *string { return &c.Workflow.ArenaRoot })},
	{"TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Workflow.Timeout })},
	{"KILL_GRACE", durationVar(func(c *Config) *time.Duration { return &c.Workflow.KillGrace })},
	{"SETTLE_PERIOD", durationVar(func(c *Config) *time.Duration { return &c.Workflow.SettlePeriod })},
	{"REGION", stringVar(func(c *Config) *string { return &c.Workflow.Region })},
	{"PASS_ENV", listVar(func(c *Config) *[]string { return &c.Workflow.PassEnv })},

	{"REMOTE_ENABLED", boolVar(func(c *Config) *bool { return &c.Workflow.Remote.Enabled })},
	{"REMOTE_HOST", stringVar(func(c *Config) *string { return &c.Workflow.Remote.Host })},
	{"REMOTE_PORT", intVar(func(c *Config) *int { return &c.Workflow.Remote.Port })},
	{"REMOTE_USER", stringVar(func(c *Config) *string { return &c.Workflow.Remote.User })},
	{"REMOTE_PRIVATE_KEY", stringVar(func(c *Config) *string { return &c.Workflow.Remote.PrivateKeyPath })},
	{"REMOTE_PASSWORD", stringVar(func(c *Config) *string { return &c.Workflow.Remote.Password })},

	{"REAPER_ENABLED", boolVar(func(c *Config) *bool { return &c.Reaper.Enabled })},
	{"REAPER_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Reaper.Interval })},
	{"DRY_RUN_RETENTION", durationVar(func(c *Config) *time.Duration { return &c.Reaper.DryRunRetention })},

	{"POLICY_ENABLED", boolVar(func(c *Config) *bool { return &c.Policy.Enabled })},
	{"POLICY_PATHS", listVar(func(c *Config) *[]string { return &c.Policy.Paths })},

	{"RENDER_TEMPLATE", stringVar(func(c *Config) *string { return &c.Render.Template })},
	{"RENDER_HOOK", stringVar(func(c *Config) *string { return &c.Render.Hook })},

	{"KUBERNETES_VERSIONS", listVar(func(c *Config) *[]string { return &c.Validation.KubernetesVersions })},

	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Telemetry.Logging.Level })},
	{"LOG_FORMAT", stringVar(func(c *Config) *string { return &c.Telemetry.Logging.Format })},
	{"TRACING_ENABLED", boolVar(func(c *Config) *bool { return &c.Telemetry.Tracing.Enabled })},
	{"TRACING_EXPORTER", stringVar(func(c *Config) *string { return &c.Telemetry.Tracing.Exporter })},
	{"TRACING_ENDPOINT", stringVar(func(c *Config) *string { return &c.Telemetry.Tracing.Endpoint })},
}

// applyEnv applies every set PROVISIONER_* variable. A value that does not
// parse is an error rather than a silent fallback.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		value, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(c, value); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.name, err)
		}
	}

	// The AWS convention applies when no region is configured.
	if c.Workflow.Region == "" {
		if region, ok := lookup("AWS_DEFAULT_REGION"); ok {
			c.Workflow.Region = region
		}
	}
	if c.Store.S3.Region == "" {
		c.Store.S3.Region = c.Workflow.Region
	}

	return nil
}
