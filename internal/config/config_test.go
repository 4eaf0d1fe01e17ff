package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// validConfig returns a configuration that passes validation; tests mutate
// individual fields from this baseline.
func validConfig() Config {
	return Config{
		Server: ServerConfig{
			TCPPort:              9555,
			BindAddress:          "0.0.0.0",
			ReadBufferSize:       65536,
			MaxConcurrentStreams: 500,
			StreamTimeout:        60,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Demux: DemuxConfig{
			ExtractBufferSize: 8192,
			MaxExtractBytes:   64 << 20,
		},
		Forward: ForwardConfig{
			Enabled:       true,
			Endpoint:      "https://frames.example.com/ingest",
			APIKey:        "test-key",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
			BatchSize:     50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:        "invalid tcp port",
			mutate:      func(c *Config) { c.Server.TCPPort = 70000 },
			expectError: true,
			errorMsg:    "tcp_port must be between 1 and 65535",
		},
		{
			name:        "empty bind address",
			mutate:      func(c *Config) { c.Server.BindAddress = "" },
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
		{
			name:        "read buffer too small",
			mutate:      func(c *Config) { c.Server.ReadBufferSize = 128 },
			expectError: true,
			errorMsg:    "read_buffer_size must be at least 1024",
		},
		{
			name:        "zero stream timeout",
			mutate:      func(c *Config) { c.Server.StreamTimeout = 0 },
			expectError: true,
			errorMsg:    "stream_timeout must be at least 1 second",
		},
		{
			name:        "http enabled without address",
			mutate:      func(c *Config) { c.HTTP.Address = "" },
			expectError: true,
			errorMsg:    "http address cannot be empty",
		},
		{
			name: "http disabled skips http validation",
			mutate: func(c *Config) {
				c.HTTP.Enabled = false
				c.HTTP.Address = ""
				c.HTTP.Port = 0
			},
		},
		{
			name:        "extract buffer too small",
			mutate:      func(c *Config) { c.Demux.ExtractBufferSize = 100 },
			expectError: true,
			errorMsg:    "extract_buffer_size must be at least 512",
		},
		{
			name:        "max extract below buffer size",
			mutate:      func(c *Config) { c.Demux.MaxExtractBytes = 1024 },
			expectError: true,
			errorMsg:    "max_extract_bytes",
		},
		{
			name:        "forward enabled without endpoint",
			mutate:      func(c *Config) { c.Forward.Endpoint = "" },
			expectError: true,
			errorMsg:    "endpoint cannot be empty",
		},
		{
			name: "forward disabled skips forward validation",
			mutate: func(c *Config) {
				c.Forward.Enabled = false
				c.Forward.Endpoint = ""
				c.Forward.Timeout = 0
			},
		},
		{
			name:        "negative forward retries",
			mutate:      func(c *Config) { c.Forward.MaxRetries = -1 },
			expectError: true,
			errorMsg:    "max_retries cannot be negative",
		},
		{
			name:        "zero forward batch size",
			mutate:      func(c *Config) { c.Forward.BatchSize = 0 },
			expectError: true,
			errorMsg:    "batch_size must be at least 1",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
		{
			name:        "invalid log format",
			mutate:      func(c *Config) { c.Logging.Format = "xml" },
			expectError: true,
			errorMsg:    "format must be 'json' or 'text'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  tcp_port: 9555
  bind_address: "0.0.0.0"
  read_buffer_size: 65536
  max_concurrent_streams: 500
  stream_timeout: 60
http:
  port: 8080
  address: "127.0.0.1"
  enabled: true
demux:
  extract_buffer_size: 8192
  max_extract_bytes: 67108864
forward:
  enabled: false
logging:
  level: "debug"
  format: "text"
  output: "stderr"
`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.TCPPort != 9555 {
		t.Errorf("Expected tcp_port 9555, got %d", cfg.Server.TCPPort)
	}
	if cfg.Server.GetStreamTimeoutDuration() != 60*time.Second {
		t.Errorf("Expected 60s stream timeout, got %v", cfg.Server.GetStreamTimeoutDuration())
	}
	if cfg.Forward.Enabled {
		t.Error("Expected forwarding disabled")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug log level, got %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a mapping"), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

// Helper function to check if a string contains a substring
func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
