package loop

import "time"

// Backoff 帶上限的指數退避
// 不變量：backoff(n+1) == min(backoff(n)*2, ceiling)；成功後重設回基值
type Backoff struct {
	base    time.Duration
	ceiling time.Duration
	cur     time.Duration
}

// NewBackoff 建立自 base 起、封頂 ceiling 的退避器
func NewBackoff(base, ceiling time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	return &Backoff{base: base, ceiling: ceiling, cur: base}
}

// Next 回傳本次應睡眠的時長並前進一步
func (b *Backoff) Next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.ceiling {
		b.cur = b.ceiling
	}
	return d
}

// Current 回傳下一次 Next 將回傳的時長，不前進
func (b *Backoff) Current() time.Duration { return b.cur }

// Reset 重設回基值
func (b *Backoff) Reset() { b.cur = b.base }
