package logger

import (
	"io"
	"os"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level = zapcore.Level

const (
	DebugLevel Level = zap.DebugLevel
	InfoLevel  Level = zap.InfoLevel
	WarnLevel  Level = zap.WarnLevel
	ErrorLevel Level = zap.ErrorLevel
	PanicLevel Level = zap.PanicLevel
	FatalLevel Level = zap.FatalLevel
)

// Logger 对zap SugaredLogger的封装，级别可以在运行时调整
type Logger struct {
	l     *zap.SugaredLogger
	level zap.AtomicLevel
}

var (
	std   = New(os.Stderr, InfoLevel)
	stdMu sync.RWMutex
)

// New 创建写入out的日志器
func New(out io.Writer, level Level) *Logger {
	if out == nil {
		out = os.Stderr
	}
	al := zap.NewAtomicLevelAt(level)
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(out),
		al,
	)
	return &Logger{
		l:     zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).Sugar(),
		level: al,
	}
}

// NewProductionRotateByTime 按天切割日志，保留7天
func NewProductionRotateByTime(filename string) io.Writer {
	w, err := rotatelogs.New(
		filename+".%Y%m%d",
		rotatelogs.WithLinkName(filename),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		panic(err)
	}
	return w
}

// NewProductionRotateBySize 按文件大小切割日志
func NewProductionRotateBySize(filename string) io.Writer {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}
}

// ReplaceDefault 替换包级默认日志器
func ReplaceDefault(l *Logger) {
	if l == nil {
		return
	}
	stdMu.Lock()
	std = l
	stdMu.Unlock()
}

func Default() *Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

// SetLevel 调整默认日志器的级别
func SetLevel(level Level) {
	Default().level.SetLevel(level)
}

// ParseLevel 把配置中的级别字符串转换为Level，无法识别时返回InfoLevel
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func Sync() error {
	return Default().l.Sync()
}

func (l *Logger) SetLevel(level Level) { l.level.SetLevel(level) }
func (l *Logger) Sync() error         { return l.l.Sync() }

func (l *Logger) debug(args ...interface{})                   { l.l.Debug(args...) }
func (l *Logger) info(args ...interface{})                    { l.l.Info(args...) }
func (l *Logger) warn(args ...interface{})                    { l.l.Warn(args...) }
func (l *Logger) error(args ...interface{})                   { l.l.Error(args...) }
func (l *Logger) fatal(args ...interface{})                   { l.l.Fatal(args...) }
func (l *Logger) debugf(template string, args ...interface{}) { l.l.Debugf(template, args...) }
func (l *Logger) infof(template string, args ...interface{})  { l.l.Infof(template, args...) }
func (l *Logger) warnf(template string, args ...interface{})  { l.l.Warnf(template, args...) }
func (l *Logger) errorf(template string, args ...interface{}) { l.l.Errorf(template, args...) }
func (l *Logger) fatalf(template string, args ...interface{}) { l.l.Fatalf(template, args...) }

func Debug(args ...interface{}) { Default().debug(args...) }
func Info(args ...interface{})  { Default().info(args...) }
func Warn(args ...interface{})  { Default().warn(args...) }
func Error(args ...interface{}) { Default().error(args...) }
func Fatal(args ...interface{}) { Default().fatal(args...) }

func Debugf(template string, args ...interface{}) { Default().debugf(template, args...) }
func Infof(template string, args ...interface{})  { Default().infof(template, args...) }
func Warnf(template string, args ...interface{})  { Default().warnf(template, args...) }
func Errorf(template string, args ...interface{}) { Default().errorf(template, args...) }
func Fatalf(template string, args ...interface{}) { Default().fatalf(template, args...) }
