package gfetch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/legamerdc/gfetch/internal/log"
	"github.com/legamerdc/gfetch/multi"
)

// CompletionFunc 传输结束时在事件循环 goroutine 上调用一次。
// data 为完整响应体；err 为 nil 或 *TransferError。
type CompletionFunc func(data []byte, err error)

// Progress 进度通知，Total 未知时为 0
type Progress struct {
	URL   string
	Total int64
	Now   int64
}

type submitOptions struct {
	progress func(Progress)
}

type SubmitOption func(*submitOptions)

// WithProgress 在已接收字节数或总字节数变化时回调 fn，重复的进度不会上报。
// fn 在事件循环 goroutine 上执行。
func WithProgress(fn func(Progress)) SubmitOption {
	return func(o *submitOptions) { o.progress = fn }
}

// Config 为引擎配置
type Config struct {
	MaxTransfers    int           `yaml:"max_transfers"`    // 同时进行的传输上限，0 不限
	FollowRedirects bool          `yaml:"follow_redirects"` // 跟随 3xx 重定向
	MaxRedirects    int           `yaml:"max_redirects"`    // -1 不限
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`  // 单个地址的连接时限
	Timeout         time.Duration `yaml:"timeout"`          // 整个传输的时限，0 不限
	ResolveTimeout  time.Duration `yaml:"resolve_timeout"`  // 0 取 multi.DefaultResolveTimeout
	DNSCacheSize    int           `yaml:"dns_cache_size"`
	DNSCacheTTL     time.Duration `yaml:"dns_cache_ttl"`
	AcceptEncoding  bool          `yaml:"accept_encoding"` // 请求 gzip/deflate/zstd 并本地解码
	UserAgent       string        `yaml:"user_agent"`
	EventBatch      int           `yaml:"event_batch"`       // 单次 Wait 取回的事件数
	ReadBufferSize  int           `yaml:"read_buffer_size"`  // 套接字单次读取的字节数
	ProgressLogRate float64       `yaml:"progress_log_rate"` // 每秒进度日志条数，0 不限
	Log             log.Config    `yaml:"log"`

	// Logger 非 nil 时忽略 Log
	Logger log.Logger `yaml:"-"`
	// Resolver 为 nil 时使用带缓存的系统解析器
	Resolver multi.Resolver `yaml:"-"`
}

// DefaultConfig 提供一组可工作的默认值
func DefaultConfig() Config {
	return Config{
		MaxTransfers:    0,
		FollowRedirects: true,
		MaxRedirects:    multi.DefaultMaxRedirects,
		ConnectTimeout:  30 * time.Second,
		Timeout:         0,
		ResolveTimeout:  multi.DefaultResolveTimeout,
		DNSCacheSize:    256,
		DNSCacheTTL:     time.Minute,
		AcceptEncoding:  false,
		UserAgent:       "gfetch/1.0",
		EventBatch:      256,
		ReadBufferSize:  64 << 10, // 64 KiB
		ProgressLogRate: 10,
		Log:             log.Config{Level: "info", Format: "text", Output: "stderr"},
	}
}

// LoadConfig 读取 YAML 文件，未出现的字段保持默认值。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("gfetch: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("gfetch: parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.MaxTransfers < 0:
		return fmt.Errorf("%w: max_transfers must be >= 0", ErrInvalidArgument)
	case c.MaxRedirects < -1:
		return fmt.Errorf("%w: max_redirects must be >= -1", ErrInvalidArgument)
	case c.ConnectTimeout < 0, c.Timeout < 0, c.ResolveTimeout < 0, c.DNSCacheTTL < 0:
		return fmt.Errorf("%w: timeouts must be >= 0", ErrInvalidArgument)
	case c.DNSCacheSize < 0:
		return fmt.Errorf("%w: dns_cache_size must be >= 0", ErrInvalidArgument)
	case c.EventBatch < 0, c.ReadBufferSize < 0:
		return fmt.Errorf("%w: event_batch and read_buffer_size must be >= 0", ErrInvalidArgument)
	case c.ProgressLogRate < 0:
		return fmt.Errorf("%w: progress_log_rate must be >= 0", ErrInvalidArgument)
	}
	return nil
}
