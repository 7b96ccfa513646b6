// ratelimit.go paces outbound REST calls. Spot exchanges meter requests
// per account — Binance by request weight per minute, OKEx per rolling
// endpoint window — so each REST client takes a token before dialing out
// rather than discovering the allowance through 429s.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Wait blocks until
// a token is available or the context ends.
type TokenBucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens per second
	last   time.Time
}

// NewTokenBucket builds a full bucket holding burst tokens, refilled at
// rate per second.
func NewTokenBucket(burst, rate float64) *TokenBucket {
	return &TokenBucket{
		tokens: burst,
		burst:  burst,
		rate:   rate,
		last:   time.Now(),
	}
}

// Wait takes one token, sleeping out the refill when the bucket is empty.
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill(time.Now())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		sleep := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// refill credits tokens for the time elapsed since the last take, capped
// at the burst size. Callers hold mu.
func (b *TokenBucket) refill(now time.Time) {
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
}
