// Package config loads gatekeep's YAML configuration file: the agent
// auth/listen surface, storage and rate-limit knobs, and the ambient
// logging/metrics/tracing/control/messenger/dispatcher additions.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// Config is the fully decoded configuration surface: the agent auth/
// listen/storage/rate-limit fields required to run the gateway, plus
// this repo's ambient logging/metrics/tracing/control/messenger/
// dispatcher additions.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Approval   ApprovalConfig   `yaml:",inline"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Storage    StorageConfig    `yaml:"storage"`
	Services   map[string]any   `yaml:"services"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Control    ControlConfig    `yaml:"control"`
	Messenger  MessengerConfig  `yaml:"messenger"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Policy     PolicyConfig     `yaml:"policy"`
}

type AgentConfig struct {
	Token string `yaml:"token"`
}

type GatewayConfig struct {
	Host string  `yaml:"host"`
	Port int     `yaml:"port"`
	TLS  *TLSPair `yaml:"tls"`
}

type TLSPair struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ApprovalConfig is inlined at the document root: `approval_timeout`
// is a top-level key, not nested.
type ApprovalConfig struct {
	ApprovalTimeoutSeconds int `yaml:"approval_timeout"`
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
	MaxPendingApprovals  int `yaml:"max_pending_approvals"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type ControlConfig struct {
	Addr       string `yaml:"addr"`
	AuthSecret string `yaml:"auth_secret"`
}

type MessengerConfig struct {
	Slack SlackConfig `yaml:"slack"`
}

type SlackConfig struct {
	BotToken        string `yaml:"bot_token"`
	AppToken        string `yaml:"app_token"`
	ApprovalChannel string `yaml:"approval_channel"`
}

type DispatcherConfig struct {
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
}

type HomeAssistantConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type PolicyConfig struct {
	RulesPath string `yaml:"rules_path"`
}

// defaults fills in the documented defaults for optional fields.
func (c *Config) defaults() {
	if c.Approval.ApprovalTimeoutSeconds == 0 {
		c.Approval.ApprovalTimeoutSeconds = 900
	}
	if c.RateLimit.MaxRequestsPerMinute == 0 {
		c.RateLimit.MaxRequestsPerMinute = 60
	}
	if c.RateLimit.MaxPendingApprovals == 0 {
		c.RateLimit.MaxPendingApprovals = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Load reads path, resolving $include directives and expanding
// environment variables, and decodes the merged document into a
// Config with defaults applied.
func Load(path string) (*Config, error) {
	raw, err := loadRawRecursive(path, map[string]bool{})
	if err != nil {
		return nil, err
	}

	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: re-serialize merged document: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if _, err := decodeNext(decoder); err != io.EOF {
		return nil, fmt.Errorf("config: expected a single YAML document")
	}

	cfg.defaults()
	return &cfg, nil
}

func decodeNext(decoder *yaml.Decoder) (struct{}, error) {
	var sentinel struct{}
	return sentinel, decoder.Decode(&sentinel)
}

// loadRawRecursive loads one file into a raw map, recursively merging
// any $include targets, with cycle detection by absolute path.
func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config: include cycle at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		incRaw, err := loadRawRecursive(incPath, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}

	return mergeMaps(merged, raw), nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := val.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("config: %s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("config: %s must be a string or list of strings", includeKey)
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}
