package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/autopeer-io/fota/pkg/log"
)

// ErrRetriesExhausted wraps the last failure once a fetch ran out of
// attempts.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// RetryPolicy bounds a single fetch.
type RetryPolicy struct {
	// Timeout applies to each attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt. Network
	// and integrity failures draw from the same budget.
	MaxRetries uint64

	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:         5 * time.Second,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
	}
}

// FetchResult is a verified chunk plus the number of attempts it took.
type FetchResult struct {
	Chunk    *Chunk
	Attempts int
}

// Retrier applies timeouts, bounded exponential backoff and MAC checks on
// top of a Transport.
type Retrier struct {
	transport Transport
	policy    RetryPolicy
	macKey    []byte
	logger    log.Logger
}

func NewRetrier(t Transport, policy RetryPolicy, macKey []byte) *Retrier {
	return &Retrier{
		transport: t,
		policy:    policy,
		macKey:    macKey,
		logger:    log.WithName("transport.retry"),
	}
}

func (r *Retrier) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxRetries), ctx)
}

// attemptContext bounds one attempt. A zero timeout leaves ctx as is.
func (r *Retrier) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.policy.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.policy.Timeout)
}

// FetchManifest retries network failures. ErrNoManifest is final.
func (r *Retrier) FetchManifest(ctx context.Context, currentVersion string) (*Manifest, error) {
	var m *Manifest
	op := func() error {
		actx, cancel := r.attemptContext(ctx)
		defer cancel()

		var err error
		m, err = r.transport.FetchManifest(actx, currentVersion)
		if errors.Is(err, ErrNoManifest) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("Manifest fetch failed, retrying", "err", err.Error(), "wait", wait)
	}

	if err := backoff.RetryNotify(op, r.backOff(ctx), notify); err != nil {
		if errors.Is(err, ErrNoManifest) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: manifest: %w", ErrRetriesExhausted, err)
	}
	return m, nil
}

// FetchChunk returns a chunk that passed the length and MAC checks. The
// returned chunk may carry a different index than requested when the
// server answers out of order. onReject is called for every chunk that
// arrived but failed verification.
func (r *Retrier) FetchChunk(ctx context.Context, m *Manifest, index uint32, onReject func(*Chunk, error)) (FetchResult, error) {
	var res FetchResult
	op := func() error {
		res.Attempts++
		actx, cancel := r.attemptContext(ctx)
		defer cancel()

		c, err := r.transport.FetchChunk(actx, m, index)
		if err != nil {
			return err
		}
		if err := m.Check(c); err != nil {
			return err
		}
		if err := VerifyMAC(r.macKey, c); err != nil {
			if onReject != nil {
				onReject(c, err)
			}
			return err
		}
		res.Chunk = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("Chunk fetch failed, retrying", "chunk", index, "attempt", res.Attempts, "err", err.Error(), "wait", wait)
	}

	if err := backoff.RetryNotify(op, r.backOff(ctx), notify); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("%w: chunk %d after %d attempts: %w", ErrRetriesExhausted, index, res.Attempts, err)
	}
	return res, nil
}

// Ack is best effort; failures are logged and otherwise ignored.
func (r *Retrier) Ack(ctx context.Context, index uint32, verified bool) {
	actx, cancel := r.attemptContext(ctx)
	defer cancel()
	if err := r.transport.Ack(actx, index, verified); err != nil {
		r.logger.Debug("Chunk ack failed", "chunk", index, "verified", verified, "err", err.Error())
	}
}
