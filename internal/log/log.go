// Package log 提供组件共用的日志接口，默认实现基于 logrus。
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger 日志接口，组件通过注入使用，测试中可替换为 NewNop/NewTest。
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger
}

// Config 日志配置
type Config struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Format string `yaml:"format"` // text / json
	Output string `yaml:"output"` // stdout / stderr / discard / 文件路径
}

// New 按配置构造 logrus 实现。Output 为文件路径时以追加方式打开。
func New(cfg Config) (Logger, error) {
	l := logrus.New()
	level := logrus.InfoLevel
	if cfg.Level != "" {
		lv, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log: %w", err)
		}
		level = lv
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}

	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		l.SetOutput(os.Stderr)
	case "stdout":
		l.SetOutput(os.Stdout)
	case "discard":
		l.SetOutput(io.Discard)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("log: open output: %w", err)
		}
		l.SetOutput(f)
	}
	return FromLogrus(l), nil
}

type logrusLogger struct {
	entry *logrus.Entry
}

// FromLogrus 包装已有的 logrus.Logger
func FromLogrus(l *logrus.Logger) Logger {
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *logrusLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *logrusLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *logrusLogger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields map[string]interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{entry: l.entry.WithError(err)}
}

// nopLogger 静默日志
type nopLogger struct{}

func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(args ...interface{})                         {}
func (nopLogger) Info(args ...interface{})                          {}
func (nopLogger) Warn(args ...interface{})                          {}
func (nopLogger) Error(args ...interface{})                         {}
func (nopLogger) Debugf(format string, args ...interface{})         {}
func (nopLogger) Infof(format string, args ...interface{})          {}
func (nopLogger) Warnf(format string, args ...interface{})          {}
func (nopLogger) Errorf(format string, args ...interface{})         {}
func (n nopLogger) WithField(key string, value interface{}) Logger  { return n }
func (n nopLogger) WithFields(fields map[string]interface{}) Logger { return n }
func (n nopLogger) WithError(err error) Logger                      { return n }

// TestingT 兼容 *testing.T
type TestingT interface {
	Logf(format string, args ...interface{})
}

// testLogger 输出到 testing.T，并发安全，可在测试结束后安全丢弃。
type testLogger struct {
	t      TestingT
	mu     *sync.Mutex
	fields string
}

func NewTest(t TestingT) Logger {
	return &testLogger{t: t, mu: &sync.Mutex{}}
}

func (l *testLogger) logf(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.Logf("[%s] %s%s", level, fmt.Sprintf(format, args...), l.fields)
}

func (l *testLogger) Debug(args ...interface{}) { l.logf("DEBUG", "%s", fmt.Sprint(args...)) }
func (l *testLogger) Info(args ...interface{})  { l.logf("INFO", "%s", fmt.Sprint(args...)) }
func (l *testLogger) Warn(args ...interface{})  { l.logf("WARN", "%s", fmt.Sprint(args...)) }
func (l *testLogger) Error(args ...interface{}) { l.logf("ERROR", "%s", fmt.Sprint(args...)) }

func (l *testLogger) Debugf(format string, args ...interface{}) { l.logf("DEBUG", format, args...) }
func (l *testLogger) Infof(format string, args ...interface{})  { l.logf("INFO", format, args...) }
func (l *testLogger) Warnf(format string, args ...interface{})  { l.logf("WARN", format, args...) }
func (l *testLogger) Errorf(format string, args ...interface{}) { l.logf("ERROR", format, args...) }

func (l *testLogger) WithField(key string, value interface{}) Logger {
	return &testLogger{t: l.t, mu: l.mu, fields: fmt.Sprintf("%s %s=%v", l.fields, key, value)}
}

func (l *testLogger) WithFields(fields map[string]interface{}) Logger {
	var out Logger = l
	for k, v := range fields {
		out = out.WithField(k, v)
	}
	return out
}

func (l *testLogger) WithError(err error) Logger {
	return l.WithField("error", err)
}
