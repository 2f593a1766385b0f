// Package config 加载路由节点配置
//
// 优先级从低到高：内置默认值、YAML 文件、以 STANZA_ 为前缀的环境变量。
// 环境变量中的双下划线表示层级，例如 STANZA_GATE__WATCHDOG=5s
// 对应 gate.watchdog。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/cluster"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "STANZA_"

// Config 节点配置
type Config struct {
	Node     NodeConfig     `koanf:"node"`
	RunLoop  RunLoopConfig  `koanf:"runloop"`
	Gate     GateConfig     `koanf:"gate"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Cluster  ClusterConfig  `koanf:"cluster"`
	Redis    RedisConfig    `koanf:"redis"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
}

// NodeConfig 本节点
type NodeConfig struct {
	// ID 节点标识，为空时使用主机名
	ID string `koanf:"id"`
	// Listen HTTP 监听地址
	Listen string `koanf:"listen"`
	// Advertise 其他节点访问本节点的地址，为空时使用 Listen
	Advertise string `koanf:"advertise"`
	// PermanentListeners 本节点是否承担永久监听器
	PermanentListeners bool `koanf:"permanent_listeners"`
}

// RunLoopConfig RunLoop 管理器
type RunLoopConfig struct {
	// Loops 每个组件的 RunLoop 数
	Loops int `koanf:"loops"`
	// OffLoopWorkers 共享工作池并发上限，0 表示 CPU 数
	OffLoopWorkers int `koanf:"offloop_workers"`
	// EvictionInterval 空闲淘汰扫描间隔
	EvictionInterval time.Duration `koanf:"eviction_interval"`
	// IdleTimeout 空闲多久淘汰 Handle，0 表示不淘汰
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// GateConfig 序号排序
type GateConfig struct {
	Watchdog time.Duration `koanf:"watchdog"`
}

// DispatchConfig 派发
type DispatchConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// ClusterConfig 监听器分摊
type ClusterConfig struct {
	// Membership 成员来源：static 或 redis
	Membership string `koanf:"membership"`
	// Peers 静态成员，格式 id=addr
	Peers []string `koanf:"peers"`
	// Owners 静态的永久监听器 owner，仅 static 成员模式使用
	Owners []string `koanf:"owners"`
	// ListenerComponent 承载永久监听器的组件名
	ListenerComponent string        `koanf:"listener_component"`
	ProbeTimeout      time.Duration `koanf:"probe_timeout"`
	ProbeConcurrency  int           `koanf:"probe_concurrency"`
	RefreshInterval   time.Duration `koanf:"refresh_interval"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	MemberTTL         time.Duration `koanf:"member_ttl"`
}

// RedisConfig Redis 连接
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// MetricsConfig 指标端点
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// LogConfig 日志
type LogConfig struct {
	// Level debug、info、warn 或 error
	Level string `koanf:"level"`
	// Format text 或 json
	Format string `koanf:"format"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Node: NodeConfig{
			Listen:             ":8080",
			PermanentListeners: true,
		},
		RunLoop: RunLoopConfig{
			Loops:            4,
			EvictionInterval: time.Second,
			IdleTimeout:      10 * time.Minute,
		},
		Gate:     GateConfig{Watchdog: 3 * time.Second},
		Dispatch: DispatchConfig{Timeout: 5 * time.Second},
		Cluster: ClusterConfig{
			Membership:        "static",
			ListenerComponent: "listener",
			ProbeTimeout:      2 * time.Second,
			ProbeConcurrency:  8,
			RefreshInterval:   30 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			MemberTTL:         15 * time.Second,
		},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load 依次加载默认值、path 指向的 YAML 文件（为空时跳过）与环境变量
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Node.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("config: node.id not set and hostname unavailable: %w", err)
		}
		cfg.Node.ID = host
	}
	if cfg.Node.Advertise == "" {
		cfg.Node.Advertise = cfg.Node.Listen
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey STANZA_CLUSTER__PROBE_TIMEOUT -> cluster.probe_timeout
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate 检查配置
func (c *Config) Validate() error {
	var errs []error
	if c.RunLoop.Loops <= 0 {
		errs = append(errs, errors.New("runloop.loops must be > 0"))
	}
	if c.Gate.Watchdog <= 0 {
		errs = append(errs, errors.New("gate.watchdog must be > 0"))
	}
	if c.Dispatch.Timeout <= 0 {
		errs = append(errs, errors.New("dispatch.timeout must be > 0"))
	}
	switch c.Cluster.Membership {
	case "static":
		if _, err := c.Cluster.PeerMembers(); err != nil {
			errs = append(errs, err)
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for redis membership"))
		}
	default:
		errs = append(errs, fmt.Errorf("cluster.membership %q must be static or redis", c.Cluster.Membership))
	}
	if c.Cluster.ListenerComponent == "" {
		errs = append(errs, errors.New("cluster.listener_component must be set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Self 返回本节点的成员信息
func (c *Config) Self() cluster.Member {
	return cluster.Member{ID: c.Node.ID, Addr: c.Node.Advertise}
}

// PeerMembers 解析静态成员
func (c ClusterConfig) PeerMembers() ([]cluster.Member, error) {
	members := make([]cluster.Member, 0, len(c.Peers))
	for _, peer := range c.Peers {
		id, addr, ok := strings.Cut(strings.TrimSpace(peer), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("cluster.peers entry %q must look like id=addr", peer)
		}
		members = append(members, cluster.Member{ID: id, Addr: addr})
	}
	return members, nil
}
