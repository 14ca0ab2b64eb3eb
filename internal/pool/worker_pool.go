package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 有界协程池。
//
// 转发引擎用它限制并发出站连接数（对上游中继的背压），
// 队列满时提交方收到拒绝而不是无限堆积。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewWorkerPool 创建协程池。
//
// 参数:
//   - maxWorkers: 最大并发协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, logger *zap.Logger) *WorkerPool {
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		logger:     logger,
	}
}

// Start 启动协程池。
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// TrySubmit 尝试提交任务，队列已满时立即返回 false。
func (p *WorkerPool) TrySubmit(task func()) bool {
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// QueueDepth 当前排队任务数。
func (p *WorkerPool) QueueDepth() int {
	return len(p.taskQueue)
}

// Stop 停止协程池，等待在途任务完成。
func (p *WorkerPool) Stop() {
	close(p.taskQueue)
	p.wg.Wait()
}

// worker 工作协程。
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

// run 执行单个任务并吸收 panic，避免一个坏任务拖垮整个池。
func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
