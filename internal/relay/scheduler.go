package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler 管理投递重试的延迟入队。
//
// 以投递记录 ID 为键：同一条记录最多只有一个待触发的定时器，
// 重复 Schedule 是幂等的空操作，保证同一记录不会并发重试。
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	submit func(task func()) bool
	logger *zap.Logger
}

// NewScheduler 创建重试调度器；submit 把任务交回工作池。
func NewScheduler(submit func(task func()) bool, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		submit: submit,
		logger: logger,
	}
}

// Schedule 在 delay 之后把任务重新入队。
// 已有同 ID 定时器或调度器已停止时返回 false。
func (s *Scheduler) Schedule(attemptID string, delay time.Duration, task func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, exists := s.timers[attemptID]; exists {
		return false
	}

	s.timers[attemptID] = time.AfterFunc(delay, func() {
		s.fire(attemptID, task)
	})
	return true
}

// Pending 当前等待触发的重试数。
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop 取消所有未触发的定时器。已交回工作池的任务照常执行完。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) fire(attemptID string, task func()) {
	s.mu.Lock()
	delete(s.timers, attemptID)
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}

	if !s.submit(task) {
		// 队列满，稍后再试而不是丢弃重试
		s.logger.Warn("relay queue full, deferring retry",
			zap.String("attempt_id", attemptID),
		)
		s.Schedule(attemptID, 30*time.Second, task)
	}
}
