package safe

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"
	"refwallet.com/pkg/logger"
)

// Go 安全启动协程，panic 只记日志不让进程挂掉
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx 携带 ctx 启动，日志里保留 trace_id
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer Recover(ctx, "goroutine")
		fn(ctx)
	}()
}

// Recover 在 defer 中使用
func Recover(ctx context.Context, where string) {
	if r := recover(); r != nil {
		logger.Error(ctx, "panic recovered",
			zap.String("where", where),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
	}
}
