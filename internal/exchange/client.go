package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"klines/internal/logger"
	"klines/internal/market"
	"klines/internal/pkg/circuit"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRetryLimit  = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// Options tune a Client. The zero value is usable.
type Options struct {
	// Throttle is shared by every Client talking to the same exchange.
	Throttle *Throttle
	// RetryLimit is the number of attempts per Fetch, including the first.
	RetryLimit  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	Breaker     *circuit.CircuitBreaker
}

func (o Options) withDefaults() Options {
	out := o
	if out.RetryLimit <= 0 {
		out.RetryLimit = defaultRetryLimit
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = defaultBaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = defaultMaxDelay
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = defaultCallTimeout
	}
	return out
}

// Client turns a Transport into an Adapter: throttled, retried, bounded by
// a per-call timeout, with rows sorted and de-duplicated.
type Client struct {
	transport Transport
	opts      Options

	closeOnce sync.Once
	closeErr  error
}

var _ Adapter = (*Client)(nil)

func NewClient(t Transport, opts Options) *Client {
	return &Client{transport: t, opts: opts.withDefaults()}
}

func (c *Client) Fetch(ctx context.Context, q Query) (market.Batch, error) {
	q.Symbol = strings.TrimSpace(q.Symbol)
	if q.Symbol == "" {
		return market.Batch{}, fmt.Errorf("%w: symbol is required", ErrUpstream)
	}
	if q.Limit <= 0 {
		return market.Batch{}, fmt.Errorf("%w: limit must be positive", ErrUpstream)
	}
	if !c.opts.Breaker.Allow() {
		return market.Batch{}, fmt.Errorf("%w: refusing %s@%s", ErrCircuitOpen, q.Symbol, q.Timeframe)
	}

	var rows []market.Candle
	attempts := 0
	op := func() error {
		attempts++
		if _, err := c.opts.Throttle.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		out, err := c.call(ctx, q)
		if err == nil {
			rows = out
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		if d := RetryAfter(err); d > 0 {
			if derr := c.opts.Throttle.Defer(ctx, d); derr != nil {
				return backoff.Permanent(derr)
			}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warnf("[exchange] %s@%s since=%d attempt %d/%d failed: %v (retry in %s)",
			q.Symbol, q.Timeframe, q.Since, attempts, c.opts.RetryLimit, err, wait.Round(time.Millisecond))
	}

	err := backoff.RetryNotify(op, c.policy(ctx), notify)
	if err != nil {
		if ctx.Err() == nil && Retryable(err) {
			c.opts.Breaker.RecordFailure()
			return market.Batch{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
		}
		return market.Batch{}, err
	}
	c.opts.Breaker.RecordSuccess()

	candles := market.Candles(rows).SortUnique()
	if q.Until > 0 {
		candles = candles.Between(q.Since, q.Until)
	} else {
		candles = candles.Between(q.Since, 1<<62)
	}
	return market.Batch{
		Symbol:    q.Symbol,
		Timeframe: q.Timeframe,
		From:      q.Since,
		To:        q.Until,
		Candles:   candles,
	}, nil
}

// call runs one transport request under the per-call timeout. A deadline hit
// while the caller is still waiting is reported as a transient failure.
func (c *Client) call(ctx context.Context, q Query) ([]market.Candle, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	out, err := c.transport.Klines(callCtx, q)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, &Error{Kind: KindTransient, Message: fmt.Sprintf("call timed out after %s", c.opts.CallTimeout), Err: err}
	}
	return out, err
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.opts.BaseDelay
	expo.MaxInterval = c.opts.MaxDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.5
	expo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.opts.RetryLimit-1)), ctx)
}

// Close releases the transport once; later calls return the first result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// Markets forwards to the transport when it can list symbols.
func (c *Client) Markets(ctx context.Context) ([]string, error) {
	lister, ok := c.transport.(MarketLister)
	if !ok {
		return nil, errors.New("transport cannot list markets")
	}
	if _, err := c.opts.Throttle.Wait(ctx); err != nil {
		return nil, err
	}
	return lister.Markets(ctx)
}
