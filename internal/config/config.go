// Package config loads the gateway's environment-selected behaviour through
// viper, so a config file and environment variables bind to the same keys
// without hand-rolled os.Getenv calls scattered across packages.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration, snapshotted once at
// boot per the "no process-wide mutable configuration beyond an environment
// snapshot at boot" design note.
type Config struct {
	// PersistentWorkspaceID, when non-empty, switches the workspace service
	// into persistent mode keyed by this ID.
	PersistentWorkspaceID string
	// WorkspaceRoot overrides the persistent-mode base path.
	WorkspaceRoot string
	// EphemeralRoot is the base directory ephemeral workspaces are created
	// under.
	EphemeralRoot string

	DisableStreamingSDK bool
	DisableLocalCLI     bool
	ForceHTTPAPI        bool
	SkipCLICheck        bool

	MaxPatchBytes   int64
	MaxReadBytes    int64
	MaxOutputBytes  int64
	ShellTimeout    time.Duration
	AdapterTimeout  time.Duration
	StallTimeout    time.Duration
	HistoryTailSize int

	DevMode bool

	HTTPAddr string

	AnthropicAPIKey string
	GitHubToken     string

	TelemetryEnabled bool

	AuthJWTSecret string
}

// Load reads defaults, an optional config file, and the environment into a
// Config. envPrefix is applied to every key (e.g. "GATEWAY" turns
// "workspace_root" into GATEWAY_WORKSPACE_ROOT).
func Load(envPrefix string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("ephemeral_root", "/tmp/gateway-workspaces")
	v.SetDefault("max_patch_bytes", int64(200*1024))
	v.SetDefault("max_read_bytes", int64(10*1024*1024))
	v.SetDefault("max_output_bytes", int64(1024*1024))
	v.SetDefault("shell_timeout", 30*time.Second)
	v.SetDefault("adapter_timeout", 120*time.Second)
	v.SetDefault("stall_timeout", 60*time.Second)
	v.SetDefault("history_tail_size", 30)
	v.SetDefault("http_addr", ":8080")

	// Legacy/ungrouped environment variables named without the prefix; bind
	// them explicitly since they don't carry the envPrefix.
	_ = v.BindEnv("persistent_workspace_id", "PERSISTENT_WORKSPACE_ID")
	_ = v.BindEnv("workspace_root", "WORKSPACE_ROOT")
	_ = v.BindEnv("disable_streaming_sdk", "DISABLE_STREAMING_SDK")
	_ = v.BindEnv("disable_local_cli", "DISABLE_LOCAL_CLI")
	_ = v.BindEnv("force_http_api", "FORCE_HTTP_API")
	_ = v.BindEnv("skip_cli_check", "SKIP_CLI_CHECK")
	_ = v.BindEnv("max_patch_bytes", "MAX_PATCH_BYTES")
	_ = v.BindEnv("dev_mode", "DEV_MODE")
	_ = v.BindEnv("anthropic_api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("github_token", "GITHUB_TOKEN")
	_ = v.BindEnv("telemetry_enabled", "GATEWAY_TELEMETRY")
	_ = v.BindEnv("auth_jwt_secret", "GATEWAY_AUTH_JWT_SECRET")

	v.SetConfigName("gateway")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/gateway")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return &Config{
		PersistentWorkspaceID: v.GetString("persistent_workspace_id"),
		WorkspaceRoot:         v.GetString("workspace_root"),
		EphemeralRoot:         v.GetString("ephemeral_root"),
		DisableStreamingSDK:   v.GetBool("disable_streaming_sdk"),
		DisableLocalCLI:       v.GetBool("disable_local_cli"),
		ForceHTTPAPI:          v.GetBool("force_http_api"),
		SkipCLICheck:          v.GetBool("skip_cli_check"),
		MaxPatchBytes:         v.GetInt64("max_patch_bytes"),
		MaxReadBytes:          v.GetInt64("max_read_bytes"),
		MaxOutputBytes:        v.GetInt64("max_output_bytes"),
		ShellTimeout:          v.GetDuration("shell_timeout"),
		AdapterTimeout:        v.GetDuration("adapter_timeout"),
		StallTimeout:          v.GetDuration("stall_timeout"),
		HistoryTailSize:       v.GetInt("history_tail_size"),
		DevMode:               v.GetBool("dev_mode"),
		HTTPAddr:              v.GetString("http_addr"),
		AnthropicAPIKey:       v.GetString("anthropic_api_key"),
		GitHubToken:           v.GetString("github_token"),
		TelemetryEnabled:      v.GetBool("telemetry_enabled"),
		AuthJWTSecret:         v.GetString("auth_jwt_secret"),
	}, nil
}

// PersistentMode reports whether the workspace service should run in
// persistent mode.
func (c *Config) PersistentMode() bool {
	return c.PersistentWorkspaceID != ""
}
