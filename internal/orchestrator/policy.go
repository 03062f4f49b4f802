package orchestrator

import (
	"fmt"
	"strings"
)

// Policy decides what one failing symbol does to its siblings.
type Policy int

const (
	// BestEffort lets every loop finish and reports errors per symbol. Default.
	BestEffort Policy = iota
	// FailFast cancels the remaining loops on the first failure and returns
	// no result set.
	FailFast
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	default:
		return "best-effort"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "", "best-effort", "besteffort":
		return BestEffort, nil
	case "fail-fast", "failfast":
		return FailFast, nil
	default:
		return BestEffort, fmt.Errorf("unknown failure policy %q (want best-effort or fail-fast)", s)
	}
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
