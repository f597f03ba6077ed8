package session

import (
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// bucket is a token bucket refilled continuously at rate tokens per second.
type bucket struct {
	rate   int64
	max    int64
	tokens int64
}

func newBucket(rate int64, burstSeconds int64) bucket {
	if rate <= 0 {
		return bucket{}
	}
	return bucket{rate: rate, max: rate * burstSeconds, tokens: rate * burstSeconds}
}

func (b *bucket) enabled() bool { return b.rate > 0 }

func (b *bucket) refill(elapsed time.Duration) {
	if !b.enabled() {
		return
	}
	add := (elapsed.Nanoseconds() * b.rate) / int64(time.Second)
	if add <= 0 {
		return
	}
	b.tokens = min(b.tokens+add, b.max)
}

// inboundAudioLimiter bounds inbound audio by frames and bytes per second. The byte rate
// defaults to twice the nominal rate of the negotiated profile when not configured.
type inboundAudioLimiter struct {
	now        func() time.Time
	frames     bucket
	bytes      bucket
	lastRefill time.Time
	limited    bool
}

func newInboundAudioLimiter(now func() time.Time, profile types.AudioProfile, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if bps <= 0 {
		bps = int64(profile.BytesPerSecond()) * 2
	}
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &inboundAudioLimiter{
		now:        now,
		frames:     newBucket(int64(fps), int64(burstSeconds)),
		bytes:      newBucket(bps, int64(burstSeconds)),
		lastRefill: now(),
	}
}

// Allow consumes one frame of frameBytes if both buckets have room.
func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	l.refill()

	n := int64(max(frameBytes, 0))
	if l.frames.enabled() && l.frames.tokens < 1 {
		return false
	}
	if l.bytes.enabled() && l.bytes.tokens < n {
		return false
	}
	if l.frames.enabled() {
		l.frames.tokens--
	}
	if l.bytes.enabled() {
		l.bytes.tokens -= n
	}
	return true
}

// Transition reports whether the limiter just started (or stopped) rejecting, so callers
// warn once per episode instead of once per frame.
func (l *inboundAudioLimiter) Transition(allowed bool) (started bool) {
	if l == nil {
		return false
	}
	started = !allowed && !l.limited
	l.limited = !allowed
	return started
}

func (l *inboundAudioLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.frames.refill(elapsed)
	l.bytes.refill(elapsed)
	l.lastRefill = now
}
