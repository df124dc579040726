package retry

import (
	"errors"
	"strings"
	"time"

	"recurflow/internal/domain"
)

type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryValidation     Category = "validation"
	CategoryRateLimit      Category = "rate_limit"
	CategorySystem         Category = "system"
)

// CategorizedError is the retry decision derived from an execution error.
// A zero Delay means the backoff schedule decides.
type CategorizedError struct {
	Category  Category
	Message   string
	Retryable bool
	Delay     time.Duration
}

func (c CategorizedError) Error() string { return string(c.Category) + ": " + c.Message }

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2,
	}
}

var rules = []struct {
	needles   []string
	category  Category
	retryable bool
	delay     time.Duration
}{
	{[]string{"network", "fetch"}, CategoryNetwork, true, 30 * time.Second},
	{[]string{"auth", "token", "unauthorized"}, CategoryAuthentication, true, time.Minute},
	{[]string{"validation", "invalid"}, CategoryValidation, false, 0},
	{[]string{"rate limit", "too many"}, CategoryRateLimit, true, 5 * time.Minute},
}

// Classify maps err onto a retry category by matching its message. Missing
// templates are never retried.
func Classify(err error) CategorizedError {
	if err == nil {
		return CategorizedError{Category: CategorySystem, Message: "unknown error", Retryable: true}
	}
	var ce CategorizedError
	if errors.As(err, &ce) {
		return ce
	}
	msg := err.Error()
	if errors.Is(err, domain.ErrNotFound) {
		return CategorizedError{Category: CategorySystem, Message: msg, Retryable: false}
	}

	lower := strings.ToLower(msg)
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(lower, n) {
				return CategorizedError{Category: r.category, Message: msg, Retryable: r.retryable, Delay: r.delay}
			}
		}
	}
	return CategorizedError{Category: CategorySystem, Message: msg, Retryable: true}
}

// Backoff returns the delay before retry number retryCount (0-based).
func (p Policy) Backoff(retryCount int, c CategorizedError) time.Duration {
	if c.Delay > 0 {
		return c.Delay
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether a failure at retryCount may be requeued.
func (p Policy) ShouldRetry(retryCount int, c CategorizedError) bool {
	return c.Retryable && retryCount < p.MaxRetries
}
