// Package config loads runguard's settings from a JSON or YAML file with
// environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"`
	Headless      bool   `json:"headless" yaml:"headless"`
	Agent         string `json:"agent" yaml:"agent"`
	Instructions  string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Codec         string `json:"codec" yaml:"codec"`

	Store    StoreConfig    `json:"store" yaml:"store"`
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`
	Retry    RetryConfig    `json:"retry" yaml:"retry"`
	Tools    ToolsConfig    `json:"tools" yaml:"tools"`
	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
}

type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	Mongo   struct {
		URI        string `json:"uri" yaml:"uri"`
		Database   string `json:"database" yaml:"database"`
		Collection string `json:"collection" yaml:"collection"`
	} `json:"mongo" yaml:"mongo"`
	Redis struct {
		Addr      string `json:"addr" yaml:"addr"`
		Password  string `json:"password" yaml:"password"`
		DB        int    `json:"db" yaml:"db"`
		KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
	} `json:"redis" yaml:"redis"`
}

type DispatchConfig struct {
	MaxConcurrent int64 `json:"max_concurrent" yaml:"max_concurrent"`
}

type RetryConfig struct {
	MaxAttempts    int `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMS int `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMS     int `json:"max_delay_ms" yaml:"max_delay_ms"`
}

type ToolsConfig struct {
	WorkDir        string `json:"work_dir" yaml:"work_dir"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type HTTPConfig struct {
	Listen string `json:"listen" yaml:"listen"`
	// RunTimeoutSeconds bounds how long POST /webhook waits for a run.
	RunTimeoutSeconds int `json:"run_timeout_seconds" yaml:"run_timeout_seconds"`
}

type LLMConfig struct {
	Provider         string  `json:"provider" yaml:"provider"`
	BaseURL          string  `json:"base_url" yaml:"base_url"`
	APIKey           string  `json:"api_key" yaml:"api_key"`
	Model            string  `json:"model" yaml:"model"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature      float32 `json:"temperature" yaml:"temperature"`
	MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens"`
	OutputReserve    int     `json:"output_reserve" yaml:"output_reserve"`
	TimeoutSeconds   int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Backends and codecs accepted by Validate.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendRedis  = "redis"

	AgentEcho = "echo"
	AgentLLM  = "llm"
)

// Default returns the configuration written on first load.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".runguard"),
		LogLevel:      "info",
		MaxIterations: 100,
		Agent:         AgentEcho,
		Codec:         "json",
	}
	cfg.Store.Backend = BackendFile
	cfg.Store.Mongo.Database = "runguard"
	cfg.Store.Mongo.Collection = "events"
	cfg.Store.Redis.KeyPrefix = "runguard:events"
	cfg.Dispatch.MaxConcurrent = 4
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelayMS = 50
	cfg.Retry.MaxDelayMS = 1000
	cfg.Tools.TimeoutSeconds = 60
	cfg.HTTP.Listen = "127.0.0.1:8080"
	cfg.HTTP.RunTimeoutSeconds = 120
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.LLM.TimeoutSeconds = 60
	return cfg
}

// Load reads the config at path over the defaults. A missing file is created
// with the defaults. Environment variables take precedence over both.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if v := os.Getenv("RUNGUARD_MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RUNGUARD_MAX_ITERATIONS: %w", err)
		}
		cfg.MaxIterations = n
	}
	if backend := os.Getenv("RUNGUARD_STORE"); backend != "" {
		cfg.Store.Backend = backend
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		cfg.Store.Mongo.URI = uri
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Store.Redis.Addr = addr
	}
	return nil
}

// Validate reports the first setting that cannot produce a working session.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations))
	}
	switch c.Agent {
	case AgentEcho, AgentLLM:
	default:
		errs = append(errs, fmt.Errorf("unknown agent %q", c.Agent))
	}
	switch c.Codec {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("unknown codec %q", c.Codec))
	}
	switch c.Store.Backend {
	case BackendFile:
		if c.Codec == "cbor" {
			errs = append(errs, errors.New("the file store is line oriented and requires the json codec"))
		}
	case BackendMemory:
	case BackendMongo:
		if c.Store.Mongo.URI == "" {
			errs = append(errs, errors.New("store.mongo.uri is required for the mongo backend"))
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Dispatch.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_concurrent must not be negative, got %d", c.Dispatch.MaxConcurrent))
	}
	if c.Agent == AgentLLM && c.LLM.MaxContextTokens <= c.LLM.OutputReserve {
		errs = append(errs, errors.New("llm.max_context_tokens must exceed llm.output_reserve"))
	}
	return errors.Join(errs...)
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// ToMap converts cfg to a nested map with JSON key names. Numbers become
// float64.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every setting as a flat dot-keyed map, optionally with
// secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw returns the file's contents as a nested map, keeping keys the
// Config struct does not know about.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := decode(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m == nil {
		m = make(map[string]any)
	}
	if !isYAML(path) {
		return m, nil
	}
	// Normalise YAML scalars to the JSON types callers see for JSON files.
	js, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	m = nil
	if err := json.Unmarshal(js, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetValue returns the value stored under a dot-separated key. The file is
// created with defaults if it does not exist yet.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key in an existing config
// file. Values that parse as JSON (numbers, booleans) keep their type;
// anything else is stored as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat := Flatten(raw)
	flat[key] = parsed
	data, err := encode(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}
