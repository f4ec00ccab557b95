package wrpc_async

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v2"

	"github.com/wukong-cloud/wrpc-async/admission"
	"github.com/wukong-cloud/wrpc-async/internal/discovery"
	"github.com/wukong-cloud/wrpc-async/internal/register"
	"github.com/wukong-cloud/wrpc-async/util/logx"
)

// EnvPrefix prefixes every environment override, e.g. WRPC_LOG_LEVEL or
// WRPC_REGISTER_HOSTS.
const EnvPrefix = "WRPC_"

type Config struct {
	Discover      *discovery.DiscoverConfig `yaml:"discover" envPrefix:"DISCOVER_"`
	Register      *register.RegisterConfig  `yaml:"register" envPrefix:"REGISTER_"`
	ServerConfigs []*ServerConfig           `yaml:"server-config"`
	ClientConfig  *ClientConfig             `yaml:"client-config" envPrefix:"CLIENT_"`
	Log           *LogConfig                `yaml:"log" envPrefix:"LOG_"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

type ServerConfig struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	Port string `yaml:"port"`
	// GrpcPort serves the same methods over grpc when set.
	GrpcPort       string            `yaml:"grpc-port"`
	Workers        int               `yaml:"workers"`
	Backlog        int               `yaml:"backlog"`
	MaxInvoke      int32             `yaml:"max-invoke"`
	ReadBufferSize int32             `yaml:"read-buffer-size"`
	InvokeTimeout  time.Duration     `yaml:"invoke-timeout"`
	WriteTimeout   time.Duration     `yaml:"write-timeout"`
	Admission      *admission.Config `yaml:"admission"`
}

type ClientConfig struct {
	RequestTimeout time.Duration `yaml:"request-timeout" env:"REQUEST_TIMEOUT"`
	ReadBufferSize int32         `yaml:"read-buffer-size" env:"READ_BUFFER_SIZE"`
	Thread         int           `yaml:"thread" env:"THREAD"`
	MaxIdleTime    time.Duration `yaml:"max-idle-time" env:"MAX_IDLE_TIME"`
	EncodeType     string        `yaml:"encode-type" env:"ENCODE_TYPE"`
	ReTry          int           `yaml:"retry" env:"RETRY"`
}

func defaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout: defaultRequestTimeout,
		ReadBufferSize: defaultReadBufSize,
		MaxIdleTime:    defaultMaxIdleTime,
		Thread:         1,
		EncodeType:     EncoderJSON,
		ReTry:          1,
	}
}

// LoadConfig reads and parses the yaml file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses yaml, fills defaults and then applies the WRPC_*
// environment overrides. Server entries are only read from yaml.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{
		Discover:     &discovery.DiscoverConfig{},
		Register:     &register.RegisterConfig{},
		ClientConfig: defaultClientConfig(),
		Log:          &LogConfig{Level: "info"},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("rpc: parse config: %w", err)
	}
	if cfg.ClientConfig == nil {
		cfg.ClientConfig = defaultClientConfig()
	}
	if cfg.Discover == nil {
		cfg.Discover = &discovery.DiscoverConfig{}
	}
	if cfg.Register == nil {
		cfg.Register = &register.RegisterConfig{}
	}
	if cfg.Log == nil {
		cfg.Log = &LogConfig{Level: "info"}
	}
	if err := env.Parse(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("rpc: config env: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.ServerConfigs))
	for i, sc := range cfg.ServerConfigs {
		if sc == nil || sc.Name == "" {
			return nil, fmt.Errorf("rpc: server-config[%d] has no name", i)
		}
		if _, ok := seen[sc.Name]; ok {
			return nil, fmt.Errorf("rpc: duplicate server-config %q", sc.Name)
		}
		seen[sc.Name] = struct{}{}
		sc.setDefaults()
	}
	return cfg, nil
}

func (sc *ServerConfig) setDefaults() {
	if sc.Backlog <= 0 {
		sc.Backlog = defaultBacklog
	}
	if sc.MaxInvoke <= 0 {
		sc.MaxInvoke = defaultMaxInvoke
	}
	if sc.ReadBufferSize <= 0 {
		sc.ReadBufferSize = defaultReadBufSize
	}
	if sc.WriteTimeout <= 0 {
		sc.WriteTimeout = defaultWriteTimeout
	}
}

// Server returns the entry for the named server, or nil.
func (cfg *Config) Server(name string) *ServerConfig {
	for _, c := range cfg.ServerConfigs {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Logger builds the logger the log section asks for.
func (cfg *Config) Logger() *logx.Logger {
	level := ""
	if cfg.Log != nil {
		level = cfg.Log.Level
	}
	return logx.New(os.Stdout, logx.ParseLevel(level))
}

// TcpAddr is where the tcp transport listens.
func (sc *ServerConfig) TcpAddr() string {
	return net.JoinHostPort(sc.IP, sc.Port)
}

// GrpcAddr is where the grpc transport listens, empty when it is off.
func (sc *ServerConfig) GrpcAddr() string {
	if sc.GrpcPort == "" {
		return ""
	}
	return net.JoinHostPort(sc.IP, sc.GrpcPort)
}

// TcpOptions maps the entry onto the tcp transport.
func (sc *ServerConfig) TcpOptions() []TcpOption {
	return []TcpOption{
		WithTcpAddr(sc.TcpAddr()),
		WithTcpReadSize(int(sc.ReadBufferSize)),
		WithTcpInvokeTimeout(sc.InvokeTimeout),
	}
}

// WithServerConfig maps a server-config entry onto server options. An
// invalid admission section is reported by Start.
func WithServerConfig(sc *ServerConfig) ServerOption {
	return func(opt *ServerOptions) {
		if sc == nil {
			return
		}
		opt.IP = sc.IP
		opt.Port = sc.Port
		if sc.Workers > 0 {
			opt.Workers = sc.Workers
		}
		if sc.Backlog > 0 {
			opt.Backlog = sc.Backlog
		}
		if sc.MaxInvoke > 0 {
			opt.MaxInvoke = sc.MaxInvoke
		}
		if sc.WriteTimeout > 0 {
			opt.WriteTimeout = sc.WriteTimeout
		}
		policy, err := sc.Admission.Build()
		if err != nil {
			opt.configErr = fmt.Errorf("rpc: server %s admission: %w", sc.Name, err)
			return
		}
		if policy != nil {
			opt.Admission = policy
		}
	}
}
