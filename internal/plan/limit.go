package plan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const unlimitedLiteral = "unlimited"

// Limit is a quota ceiling. The unlimited case is a tag, not a magic number,
// so it never takes part in arithmetic.
type Limit struct {
	n         int64
	unlimited bool
}

// Finite returns a bounded limit. Negative values are clamped to zero.
func Finite(n int64) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{n: n}
}

// Unlimited returns the unbounded limit.
func Unlimited() Limit { return Limit{unlimited: true} }

func (l Limit) IsUnlimited() bool { return l.unlimited }

// Value returns the ceiling and false when the limit is unlimited.
func (l Limit) Value() (int64, bool) {
	if l.unlimited {
		return 0, false
	}
	return l.n, true
}

// Allows reports whether used+amount stays within the limit.
func (l Limit) Allows(used, amount int64) bool {
	if l.unlimited {
		return true
	}
	return used+amount <= l.n
}

// Remaining returns what is left after used units. Never negative.
func (l Limit) Remaining(used int64) Limit {
	if l.unlimited {
		return l
	}
	return Finite(l.n - used)
}

// Utilization returns used/limit and false for unlimited or zero limits.
func (l Limit) Utilization(used int64) (float64, bool) {
	if l.unlimited || l.n == 0 {
		return 0, false
	}
	return float64(used) / float64(l.n), true
}

func (l Limit) String() string {
	if l.unlimited {
		return unlimitedLiteral
	}
	return strconv.FormatInt(l.n, 10)
}

func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unlimited {
		return json.Marshal(unlimitedLiteral)
	}
	return json.Marshal(l.n)
}

func (l *Limit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return l.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("limit: %w", err)
	}
	return l.set(n)
}

func (l *Limit) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("limit: expected scalar at line %d", value.Line)
	}
	return l.parse(value.Value)
}

func (l *Limit) parse(s string) error {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == unlimitedLiteral {
		*l = Unlimited()
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("limit: %q is neither a number nor %q", s, unlimitedLiteral)
	}
	return l.set(n)
}

func (l *Limit) set(n int64) error {
	if n < 0 {
		return fmt.Errorf("limit: %d is negative; use %q", n, unlimitedLiteral)
	}
	*l = Finite(n)
	return nil
}
