// Package config provides configuration parsing and validation for
// shadowgate's local and server peers.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/postalsys/shadowgate/internal/ssaead"
	"gopkg.in/yaml.v3"
)

// DefaultMethod is the AEAD cipher used when a config omits method, matching
// the pattern of filling one sensible default onto an otherwise
// mandatory field.
const DefaultMethod = "aes-256-gcm"

// Seconds is a duration read from the config file as a plain integer number
// of seconds. yaml.v3's default decoding of time.Duration would otherwise
// treat that same integer as a nanosecond count.
type Seconds time.Duration

// UnmarshalYAML decodes a bare numeric scalar as a count of seconds.
func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("timeout must be a number of seconds: %w", err)
	}
	*s = Seconds(secs * float64(time.Second))
	return nil
}

// Duration returns s as a time.Duration for use with context/timer APIs.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

// DefaultTimeout is the inactivity timeout applied when a config omits
// timeout.
const DefaultTimeout = Seconds(300 * time.Second)

// DefaultWebSocketPath is the WebSocket tunnel endpoint path, mirroring the
// fixed, documented default WebSocket path.
const DefaultWebSocketPath = "/tunnel"

// Tunnel transport identifiers accepted in the tunnel field.
const (
	TunnelTCP = "tcp"
	TunnelWS  = "ws"
	TunnelWSS = "wss"
)

// TLSConfig carries the certificate/key pair used when tunnel is wss.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// LocalConfig is the local peer's configuration: a SOCKS5/HTTP CONNECT
// gateway that dials a single server peer.
type LocalConfig struct {
	Server        string        `yaml:"server"`
	ServerPort    int           `yaml:"server_port"`
	LocalAddress  string        `yaml:"local_address"`
	LocalPort     int           `yaml:"local_port"`
	LocalHTTPPort int           `yaml:"local_http_port"`
	Password      string        `yaml:"password"`
	Method        string        `yaml:"method"`
	Timeout       Seconds       `yaml:"timeout"`
	Tunnel        string        `yaml:"tunnel"`
	TLS           TLSConfig     `yaml:"tls"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	MetricsListen string        `yaml:"metrics_listen"`
}

// ServerConfig is the server peer's configuration: it listens for tunnels
// and relays decrypted payloads to their declared destination.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	ListenPort    int           `yaml:"listen_port"`
	Password      string        `yaml:"password"`
	Method        string        `yaml:"method"`
	Timeout       Seconds       `yaml:"timeout"`
	Tunnel        string        `yaml:"tunnel"`
	WebSocketPath string        `yaml:"websocket_path"`
	TLS           TLSConfig     `yaml:"tls"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	MetricsListen string        `yaml:"metrics_listen"`
}

// DefaultLocalConfig returns a LocalConfig with the fields a real deployment
// must always set left zero-valued, and everything else defaulted.
func DefaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		LocalAddress: "127.0.0.1",
		LocalPort:    1080,
		Method:       DefaultMethod,
		Timeout:      DefaultTimeout,
		Tunnel:       TunnelTCP,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// DefaultServerConfig returns a ServerConfig with sensible defaults for
// everything but the fields an operator must supply.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddress: "0.0.0.0",
		Method:        DefaultMethod,
		Timeout:       DefaultTimeout,
		Tunnel:        TunnelTCP,
		WebSocketPath: DefaultWebSocketPath,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// LoadLocal reads and validates a local peer configuration file.
func LoadLocal(path string) (*LocalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultLocalConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadServer reads and validates a server peer configuration file.
func LoadServer(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required fields and normalizes the rest, the way the
// usual config-loader idiom of normalizing in place.
func (c *LocalConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port must be between 1 and 65535")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return fmt.Errorf("local_port must be between 1 and 65535")
	}
	if c.LocalHTTPPort < 0 || c.LocalHTTPPort > 65535 {
		return fmt.Errorf("local_http_port must be between 0 and 65535")
	}
	if _, err := ssaead.LookupSuite(c.Method); err != nil {
		return fmt.Errorf("method: %w", err)
	}
	if err := validateTunnel(c.Tunnel); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.LocalAddress == "" {
		c.LocalAddress = "127.0.0.1"
	}
	return nil
}

// Validate checks required fields and normalizes the rest.
func (c *ServerConfig) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be between 1 and 65535")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if _, err := ssaead.LookupSuite(c.Method); err != nil {
		return fmt.Errorf("method: %w", err)
	}
	if err := validateTunnel(c.Tunnel); err != nil {
		return err
	}
	if c.Tunnel == TunnelWSS && (c.TLS.Cert == "" || c.TLS.Key == "") {
		return fmt.Errorf("tunnel wss requires tls.cert and tls.key")
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ListenAddress == "" {
		c.ListenAddress = "0.0.0.0"
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = DefaultWebSocketPath
	}
	return nil
}

func validateTunnel(tunnel string) error {
	switch tunnel {
	case TunnelTCP, TunnelWS, TunnelWSS:
		return nil
	default:
		return fmt.Errorf("tunnel must be one of tcp, ws, wss, got %q", tunnel)
	}
}

// envVarRegex matches ${VAR} or $VAR references, so passwords and hosts
// can be supplied via the environment without landing in a config file on
// disk.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if len(match) > 1 && match[1] == '{' {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}
