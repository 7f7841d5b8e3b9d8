package task

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"refwallet.com/pkg/logger"
	"refwallet.com/pkg/metrics"
	"refwallet.com/pkg/safe"
)

// Task 定时任务。Run 收到的 ctx 在 Stop 时取消，
// 任务自己决定在哪个边界退出（例如处理完当前这一项）
type Task struct {
	Name       string
	Interval   time.Duration
	Jitter     float64 // 0~1，间隔上下浮动的比例，防止多实例同时触发
	RunOnStart bool
	Run        func(ctx context.Context) error
}

type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) Add(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Start 每个任务一个协程，重复调用无效
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, t := range s.tasks {
		s.wg.Add(1)
		safe.GoCtx(runCtx, func(ctx context.Context) {
			defer s.wg.Done()
			loop(ctx, t)
		})
	}
}

// Stop 通知所有任务退出并等待正在执行的一轮结束，超时返回 false
func (s *Scheduler) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func loop(ctx context.Context, t Task) {
	logger.Info(ctx, "task started", zap.String("task", t.Name), zap.Duration("interval", t.Interval))
	defer logger.Info(ctx, "task stopped", zap.String("task", t.Name))

	if t.RunOnStart {
		runOnce(ctx, t)
	}
	for {
		timer := time.NewTimer(NextDelay(t.Interval, t.Jitter, rand.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			runOnce(ctx, t)
		}
	}
}

func runOnce(ctx context.Context, t Task) {
	defer safe.Recover(ctx, "task:"+t.Name)

	start := time.Now()
	err := t.Run(logger.WithTraceID(ctx, ""))
	metrics.TaskRunDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TaskRunTotal.WithLabelValues(t.Name, "error").Inc()
		logger.Error(ctx, "task run failed", zap.String("task", t.Name), zap.Error(err))
		return
	}
	metrics.TaskRunTotal.WithLabelValues(t.Name, "ok").Inc()
}

// NextDelay interval * (1 ± jitter)，r 取 [0,1)
func NextDelay(interval time.Duration, jitter, r float64) time.Duration {
	if interval <= 0 {
		interval = time.Second
	}
	if jitter <= 0 {
		return interval
	}
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(interval) * jitter * (2*r - 1)
	d := time.Duration(float64(interval) + delta)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
