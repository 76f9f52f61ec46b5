package config

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// yamlConfig is the maestro.yaml shape. Durations are strings so the
// file can say "30s" or "12h".
type yamlConfig struct {
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	Broker struct {
		PollInterval string `yaml:"poll_interval"`
		ReapInterval string `yaml:"reap_interval"`
		ReapBackoff  string `yaml:"reap_backoff"`
	} `yaml:"broker"`

	Worker struct {
		Pool              string `yaml:"pool"`
		Runtime           string `yaml:"runtime"`
		Concurrency       int    `yaml:"concurrency"`
		LeaseDuration     string `yaml:"lease_duration"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		PollInterval      string `yaml:"poll_interval"`
	} `yaml:"worker"`

	Retention struct {
		MaxAge   string `yaml:"max_age"`
		Interval string `yaml:"interval"`
		Batch    int    `yaml:"batch"`
	} `yaml:"retention"`

	ListenAddr string `yaml:"listen_addr"`
}

// applyYAML merges the optional YAML overlay into cfg. A missing file
// is fine; a malformed one is not.
func applyYAML(cfg *Config) error {
	path := os.Getenv("MAESTRO_CONFIG")
	explicit := path != ""
	if path == "" {
		path = "maestro.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var y yamlConfig
	if err := yaml.Unmarshal(expandEnv(data), &y); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	overlay := Config{ListenAddr: y.ListenAddr}
	overlay.Database.Host = y.Database.Host
	overlay.Database.Port = y.Database.Port
	overlay.Database.User = y.Database.User
	overlay.Database.Password = y.Database.Password
	overlay.Database.Database = y.Database.Database
	overlay.Database.SSLMode = y.Database.SSLMode
	overlay.Worker.Pool = y.Worker.Pool
	overlay.Worker.Runtime = y.Worker.Runtime
	overlay.Worker.Concurrency = y.Worker.Concurrency
	overlay.Retention.Batch = y.Retention.Batch

	durations := []struct {
		src string
		dst *time.Duration
	}{
		{y.Broker.PollInterval, &overlay.Broker.PollInterval},
		{y.Broker.ReapInterval, &overlay.Broker.ReapInterval},
		{y.Broker.ReapBackoff, &overlay.Broker.ReapBackoff},
		{y.Worker.LeaseDuration, &overlay.Worker.LeaseDuration},
		{y.Worker.HeartbeatInterval, &overlay.Worker.HeartbeatInterval},
		{y.Worker.PollInterval, &overlay.Worker.PollInterval},
		{y.Retention.MaxAge, &overlay.Retention.MaxAge},
		{y.Retention.Interval, &overlay.Retention.Interval},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("config file %s: invalid duration %q: %w", path, d.src, err)
		}
		*d.dst = parsed
	}

	if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging config file %s: %w", path, err)
	}
	return nil
}

// expandEnv substitutes {{.VAR}} references with environment values.
// Template syntax avoids colliding with $ in passwords and patterns.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
