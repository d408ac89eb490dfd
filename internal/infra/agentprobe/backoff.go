package agentprobe

import (
	"math/rand/v2"
	"time"
)

// BackoffConfig 决定探测失败后的重试节奏。Max 超过探测间隔时以探测间隔为准。
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// schedule 计算两次探测之间的等待时长：成功后回到固定间隔，连续失败时从 Initial 翻倍增长。
// 只由 Run 所在的 goroutine 使用。
type schedule struct {
	interval time.Duration
	initial  time.Duration
	ceiling  time.Duration
	jitter   float64
	failures int
}

func newSchedule(interval time.Duration, cfg BackoffConfig) *schedule {
	ceiling := cfg.Max
	if ceiling <= 0 || ceiling > interval {
		ceiling = interval
	}
	initial := cfg.Initial
	if initial <= 0 || initial > ceiling {
		initial = ceiling
	}
	return &schedule{interval: interval, initial: initial, ceiling: ceiling, jitter: cfg.Jitter}
}

// next 根据本轮探测是否成功返回下一轮前的等待时长。
func (s *schedule) next(ok bool) time.Duration {
	if ok {
		s.failures = 0
		return s.interval
	}
	delay := s.ceiling
	// 左移超过 30 位后必然溢出或超过 ceiling。
	if s.failures < 30 {
		if d := s.initial << s.failures; d > 0 && d < s.ceiling {
			delay = d
		}
		s.failures++
	}
	if s.jitter > 0 {
		delay = time.Duration(float64(delay) * (1 - s.jitter + rand.Float64()*2*s.jitter))
	}
	return min(max(delay, s.initial), s.ceiling)
}
