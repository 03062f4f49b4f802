package exchange

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for the upstream error taxonomy. Match them with errors.Is.
var (
	// ErrTransient covers network failures, 5xx answers and per-call timeouts.
	ErrTransient = errors.New("transient network error")
	// ErrRateLimited is returned when the exchange rejects a call for quota reasons.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInvalidSymbol means the exchange does not list the symbol.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrUpstream is any other non-retryable answer (4xx, malformed payload).
	ErrUpstream = errors.New("upstream error")
	// ErrRetriesExhausted wraps the last retryable error once the attempt budget is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrCircuitOpen is returned without calling the exchange while the breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
)

type Kind int

const (
	KindUpstream Kind = iota
	KindTransient
	KindRateLimited
	KindInvalidSymbol
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidSymbol:
		return "invalid_symbol"
	default:
		return "upstream"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindRateLimited:
		return ErrRateLimited
	case KindInvalidSymbol:
		return ErrInvalidSymbol
	default:
		return ErrUpstream
	}
}

// Error is the classified failure a Transport returns. Status is the HTTP
// status (0 when the call never got an answer), Code the exchange error code.
type Error struct {
	Kind       Kind
	Status     int
	Code       int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Status != 0 && e.Code != 0:
		return fmt.Sprintf("%s: http %d code %d: %s", e.Kind, e.Status, e.Code, msg)
	case e.Status != 0:
		return fmt.Sprintf("%s: http %d: %s", e.Kind, e.Status, msg)
	case e.Code != 0:
		return fmt.Sprintf("%s: code %d: %s", e.Kind, e.Code, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the Client should try the call again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// RetryAfter extracts a server supplied delay, zero when there is none.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func Transient(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...), Err: err}
}

func Upstream(format string, args ...any) *Error {
	return &Error{Kind: KindUpstream, Message: fmt.Sprintf(format, args...)}
}

// FromStatus classifies an HTTP answer: 429/418 rate limited, 5xx transient,
// other 4xx upstream. Binance code -1121 (and -1100 on the symbol field) is
// an invalid symbol; -1003 is the request weight limit.
func FromStatus(status, code int, msg string, retryAfter time.Duration) *Error {
	e := &Error{Status: status, Code: code, Message: msg, RetryAfter: retryAfter}
	switch {
	case code == -1121:
		e.Kind = KindInvalidSymbol
	case status == 429 || status == 418 || code == -1003:
		e.Kind = KindRateLimited
	case status >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindUpstream
	}
	return e
}
