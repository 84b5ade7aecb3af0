// Package config holds the tunables of an inetcore stack and loads them from
// a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Stack   StackConfig   `yaml:"stack"`
	IP      IPConfig      `yaml:"ip"`
	TCP     TCPConfig     `yaml:"tcp"`
	Pool    PoolConfig    `yaml:"pool"`
	Log     LogConfig     `yaml:"log"`
	Capture CaptureConfig `yaml:"capture"`
	Filter  FilterConfig  `yaml:"filter"`
	Redial  RedialConfig  `yaml:"redial"`
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
}

type StackConfig struct {
	Name            string `yaml:"name"`
	PortRangeMin    int    `yaml:"port_range_min"`    // first ephemeral port
	PortRangeMax    int    `yaml:"port_range_max"`    // last ephemeral port
	PendingQueueLen int    `yaml:"pending_queue_len"` // datagrams held per unresolved neighbour
	UDPQueueLen     int    `yaml:"udp_queue_len"`     // datagrams held per UDP or raw endpoint
	MetricsAddr     string `yaml:"metrics_addr"`      // host:port serving /metrics, empty disables
	HostLink        string `yaml:"host_link"`         // HostLinkRawIP or HostLinkRawSocket
}

// Host link kinds for StackConfig.HostLink.
const (
	HostLinkRawIP     = "rawip"     // header-included raw IPv4 socket
	HostLinkRawSocket = "rawsocket" // rawsocket core; the kernel writes the IP header
)

type IPConfig struct {
	DefaultTTL           uint8         `yaml:"default_ttl"`
	Forwarding           bool          `yaml:"forwarding"`
	ReassemblyTimeout    time.Duration `yaml:"reassembly_timeout"`
	ReassemblyMaxEntries uint64        `yaml:"reassembly_max_entries"`
}

type TCPConfig struct {
	MSS               int           `yaml:"mss"` // 0 derives the MSS from the route MTU
	SendBufferSize    int           `yaml:"send_buffer_size"`
	RecvBufferSize    int           `yaml:"recv_buffer_size"`
	MaxWindow         int           `yaml:"max_window"`
	InitialRTO        time.Duration `yaml:"initial_rto"`
	MinRTO            time.Duration `yaml:"min_rto"`
	MaxRTO            time.Duration `yaml:"max_rto"`
	RetriesSoft       int           `yaml:"retries_soft"`
	RetriesHard       int           `yaml:"retries_hard"`
	SynRetries        int           `yaml:"syn_retries"`
	DelayedAck        bool          `yaml:"delayed_ack"`
	AckDelay          time.Duration `yaml:"ack_delay"`
	MaxAckBacklog     int           `yaml:"max_ack_backlog"`
	MSL               time.Duration `yaml:"msl"`
	FinTimeout        time.Duration `yaml:"fin_timeout"`
	KeepaliveIdle     time.Duration `yaml:"keepalive_idle"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveCount    int           `yaml:"keepalive_count"`
	ListenBacklog     int           `yaml:"listen_backlog"`
	NoDelay           bool          `yaml:"no_delay"`
}

type PoolConfig struct {
	Size          int           `yaml:"size"`       // number of chunks
	ChunkSize     int           `yaml:"chunk_size"` // bytes per chunk
	Debug         bool          `yaml:"debug"`
	HeldThreshold time.Duration `yaml:"held_threshold"` // debug: report chunks held longer than this
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type CaptureConfig struct {
	File string `yaml:"file"` // pcap output, empty disables capture
}

type FilterConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Identifier string `yaml:"identifier"`
}

type RedialConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
	MaxRetries      int           `yaml:"max_retries"` // 0 retries until MaxElapsedTime
}

type ClientConfig struct {
	LocalAddr  string        `yaml:"local_addr"`
	ServerAddr string        `yaml:"server_addr"`
	ServerPort int           `yaml:"server_port"`
	Gateway    string        `yaml:"gateway"`
	MTU        int           `yaml:"mtu"`
	Messages   int           `yaml:"messages"`
	Interval   time.Duration `yaml:"interval"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	Port    int    `yaml:"port"`
	Gateway string `yaml:"gateway"`
	MTU     int    `yaml:"mtu"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Stack: StackConfig{
			Name:            "inetcore",
			PortRangeMin:    49152,
			PortRangeMax:    65535,
			PendingQueueLen: 3,
			UDPQueueLen:     64,
			HostLink:        HostLinkRawIP,
		},
		IP: IPConfig{
			DefaultTTL:           64,
			ReassemblyTimeout:    30 * time.Second,
			ReassemblyMaxEntries: 256,
		},
		TCP: TCPConfig{
			SendBufferSize:    128 * 1024,
			RecvBufferSize:    128 * 1024,
			MaxWindow:         65535,
			InitialRTO:        time.Second,
			MinRTO:            time.Second,
			MaxRTO:            120 * time.Second,
			RetriesSoft:       7,
			RetriesHard:       15,
			SynRetries:        5,
			DelayedAck:        true,
			AckDelay:          200 * time.Millisecond,
			MaxAckBacklog:     2,
			MSL:               30 * time.Second,
			FinTimeout:        60 * time.Second,
			KeepaliveIdle:     2 * time.Hour,
			KeepaliveInterval: 75 * time.Second,
			KeepaliveCount:    9,
			ListenBacklog:     16,
		},
		Pool: PoolConfig{
			Size:          2048,
			ChunkSize:     65536,
			HeldThreshold: 10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Filter: FilterConfig{
			Identifier: "INETCORE",
		},
		Redial: RedialConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			MaxElapsedTime:  2 * time.Minute,
		},
		Client: ClientConfig{
			LocalAddr:  "10.10.0.3",
			ServerAddr: "10.10.0.2",
			ServerPort: 7080,
			MTU:        1500,
			Messages:   10,
			Interval:   time.Second,
		},
		Server: ServerConfig{
			Addr: "10.10.0.2",
			Port: 7080,
			MTU:  1500,
		},
	}
}

// LoadConfig reads the YAML file at path on top of Default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Stack.PortRangeMin <= 0 || c.Stack.PortRangeMax > 65535 || c.Stack.PortRangeMin > c.Stack.PortRangeMax {
		errs = append(errs, fmt.Errorf("stack: invalid ephemeral port range %d-%d", c.Stack.PortRangeMin, c.Stack.PortRangeMax))
	}
	switch c.Stack.HostLink {
	case HostLinkRawIP, HostLinkRawSocket:
	default:
		errs = append(errs, fmt.Errorf("stack: unknown host_link %q", c.Stack.HostLink))
	}
	if c.IP.DefaultTTL == 0 {
		errs = append(errs, errors.New("ip: default_ttl must be positive"))
	}
	if c.IP.ReassemblyTimeout <= 0 {
		errs = append(errs, errors.New("ip: reassembly_timeout must be positive"))
	}
	t := c.TCP
	if t.MinRTO <= 0 || t.MaxRTO < t.MinRTO {
		errs = append(errs, fmt.Errorf("tcp: invalid rto bounds [%v, %v]", t.MinRTO, t.MaxRTO))
	}
	if t.InitialRTO <= 0 {
		errs = append(errs, errors.New("tcp: initial_rto must be positive"))
	}
	if t.MaxWindow <= 0 || t.MaxWindow > 65535 {
		errs = append(errs, fmt.Errorf("tcp: max_window %d out of range", t.MaxWindow))
	}
	if t.RecvBufferSize < t.MaxWindow {
		errs = append(errs, errors.New("tcp: recv_buffer_size smaller than max_window"))
	}
	if t.SendBufferSize <= 0 {
		errs = append(errs, errors.New("tcp: send_buffer_size must be positive"))
	}
	if t.RetriesSoft > t.RetriesHard {
		errs = append(errs, errors.New("tcp: retries_soft exceeds retries_hard"))
	}
	if t.MaxAckBacklog <= 0 {
		errs = append(errs, errors.New("tcp: max_ack_backlog must be positive"))
	}
	if t.ListenBacklog <= 0 {
		errs = append(errs, errors.New("tcp: listen_backlog must be positive"))
	}
	if c.Pool.Size <= 0 || c.Pool.ChunkSize < 576 {
		errs = append(errs, fmt.Errorf("pool: %d chunks of %d bytes is too small", c.Pool.Size, c.Pool.ChunkSize))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	return errors.Join(errs...)
}

// Apply configures the standard logrus logger.
func (l LogConfig) Apply() {
	level, err := log.ParseLevel(strings.TrimSpace(l.Level))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if l.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
