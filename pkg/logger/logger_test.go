package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 把全局 Log 换成写 buffer 的实例
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	buffer := &bytes.Buffer{}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.MessageKey = "msg"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(buffer), zap.DebugLevel)

	old := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = old })
	return buffer
}

func TestInfo_WithTraceID(t *testing.T) {
	buffer := captureLog(t)
	ctx := WithTraceID(context.Background(), "trace-001")

	Info(ctx, "充值入账", zap.String("tx_hash", "0xabc"), zap.Int64("owner", 7))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "充值入账", entry["msg"])
	assert.Equal(t, "0xabc", entry["tx_hash"])
	assert.Equal(t, "trace-001", entry["trace_id"])
}

func TestError_NoTraceID(t *testing.T) {
	buffer := captureLog(t)

	Error(context.Background(), "广播失败")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	_, ok := entry["trace_id"]
	assert.False(t, ok)
}

func TestWithTraceID_Generate(t *testing.T) {
	ctx := WithTraceID(context.Background(), "")
	assert.NotEmpty(t, TraceID(ctx))
	assert.Empty(t, TraceID(context.Background()))
}

func TestInitWithConfig_File(t *testing.T) {
	old := Log
	t.Cleanup(func() { Log = old })

	file := filepath.Join(t.TempDir(), "wallet.log")
	InitWithConfig(Config{Service: "wallet-test", Level: "debug", File: file})
	Info(context.Background(), "hello")
	Sync()

	assert.FileExists(t, file)
}
