package mw

import (
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/metrics"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

// Limiter 为每个 key 维护一个令牌桶，长时间未出现的 key 会被回收。
type Limiter struct {
	mu   sync.Mutex
	m    map[string]*keyLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	once sync.Once
	stop chan struct{}
}

// NewLimiter 创建限速器并启动回收协程。
func NewLimiter(r rate.Limit, burst int, ttl time.Duration) *Limiter {
	l := &Limiter{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
	go l.gc()
	return l
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.m[key]
	if ok {
		kl.ts = time.Now()
		return kl.lim
	}
	lim := rate.NewLimiter(l.r, l.b)
	l.m[key] = &keyLimiter{lim: lim, ts: time.Now()}
	return lim
}

// Allow 消耗 key 的一个令牌。
func (l *Limiter) Allow(key string) bool { return l.get(key).Allow() }

// Keys 返回当前跟踪的 key 数量。
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle(time.Now())
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.m {
		if now.Sub(v.ts) > l.ttl {
			delete(l.m, k)
		}
	}
}

// Stop 停止回收协程，用于优雅停服。
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// KeyFunc 决定请求计入哪个令牌桶。
type KeyFunc func(c *gin.Context) string

// ByIPAndRoute 以客户端 IP 与路由模板为 key，未匹配路由时退回原始路径。
func ByIPAndRoute(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return clientIP(c.Request.RemoteAddr) + "|" + route
}

// Middleware 超限时返回 429 并附带 Retry-After。
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	retryAfter := "1"
	if l.r > 0 && l.r != rate.Inf {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / float64(l.r))))
	}
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			metrics.RejectedMessagesTotal.WithLabelValues("http_rate_limited").Inc()
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(429, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
