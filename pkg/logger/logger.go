package logger

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type traceKey struct{}

// 全局 Logger 实例，未初始化前是 Nop，测试里可以直接替换
var Log = zap.NewNop()

type Config struct {
	Service    string `mapstructure:"service"`
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	File       string `mapstructure:"file"`        // 为空则写 logs/{service}.log
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // 单个文件大小，超过后切割
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Console    bool   `mapstructure:"console"` // 是否同时输出到 stdout
}

// Init 用默认的切割参数初始化
func Init(serviceName string, level string) {
	InitWithConfig(Config{Service: serviceName, Level: level, Console: true})
}

// InitWithConfig JSON 编码，stdout + lumberjack 切割文件
func InitWithConfig(c Config) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(c.Level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	var syncers []zapcore.WriteSyncer
	if c.Console {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}

	file := c.File
	if file == "" {
		file = filepath.Join("logs", c.Service+".log")
	}
	// 目录建不出来就只打控制台，不影响启动
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err == nil {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    orDefault(c.MaxSizeMB, 100),
			MaxBackups: orDefault(c.MaxBackups, 10),
			MaxAge:     orDefault(c.MaxAgeDays, 30),
			Compress:   true,
		}))
	}
	if len(syncers) == 0 {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(syncers...),
		zapLevel,
	)

	// 封装了一层，所以 CallerSkip 1
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", c.Service))
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// WithTraceID 把 trace_id 放进 ctx，traceID 为空时自动生成
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID 取出 ctx 中的 trace_id
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withTrace(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withTrace(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withTrace(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withTrace(ctx, fields)...)
}

// Fatal 会调用 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withTrace(ctx, fields)...)
}

func withTrace(ctx context.Context, fields []zap.Field) []zap.Field {
	if id := TraceID(ctx); id != "" {
		fields = append(fields, zap.String("trace_id", id))
	}
	return fields
}

// Sync 刷新缓冲区，main 里 defer 调用
func Sync() {
	_ = Log.Sync()
}
