package smtp

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// ConnectionLimiter SMTP 连接限流器。
//
// 同时限制并发连接数和新建连接速率；
// 速率部分用令牌桶，突发容量等于每秒速率。
type ConnectionLimiter struct {
	maxConns int
	current  int
	mu       sync.Mutex
	limiter  *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器。
//
// 参数:
//   - maxConns: 最大并发连接数
//   - maxRate: 每秒最大新建连接数
func NewConnectionLimiter(maxConns, maxRate int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConns: maxConns,
		limiter:  rate.NewLimiter(rate.Limit(maxRate), maxRate),
	}
}

// Acquire 获取连接许可。
func (l *ConnectionLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current >= l.maxConns {
		return false
	}
	if !l.limiter.Allow() {
		return false
	}

	l.current++
	return true
}

// Release 释放连接。
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前连接数。
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// LimitListener 包装监听器，超限时在 TCP 层直接断开。
//
// 在协议握手之前拒绝，避免为超限连接开 SMTP 会话。
func LimitListener(ln net.Listener, limiter *ConnectionLimiter) net.Listener {
	return &limitListener{Listener: ln, limiter: limiter}
}

type limitListener struct {
	net.Listener
	limiter *ConnectionLimiter
}

func (l *limitListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if !l.limiter.Acquire() {
			conn.Close()
			continue
		}
		return &limitedConn{Conn: conn, limiter: l.limiter}, nil
	}
}

type limitedConn struct {
	net.Conn
	limiter *ConnectionLimiter

	closeOnce sync.Once
}

func (c *limitedConn) Close() error {
	c.closeOnce.Do(c.limiter.Release)
	return c.Conn.Close()
}
