package shardalloc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const autoValue = "auto"

// Count is a shard or cluster total that is either fixed or resolved at
// startup ("auto").
type Count struct {
	Auto bool
	N    int
}

func Auto() Count {
	return Count{Auto: true}
}

func Fixed(n int) Count {
	return Count{N: n}
}

// IsZero reports whether the count was never set.
func (c Count) IsZero() bool {
	return !c.Auto && c.N == 0
}

func (c Count) String() string {
	if c.Auto {
		return autoValue
	}
	return strconv.Itoa(c.N)
}

func ParseCount(value string) (Count, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return Count{}, nil
	}
	if trimmed == autoValue {
		return Auto(), nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return Count{}, fmt.Errorf("count must be an integer or %q: %w", autoValue, err)
	}
	if parsed <= 0 {
		return Count{}, fmt.Errorf("count must be > 0, got %d", parsed)
	}
	return Fixed(parsed), nil
}

func (c Count) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Count) UnmarshalText(text []byte) error {
	parsed, err := ParseCount(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Count) MarshalJSON() ([]byte, error) {
	if c.Auto {
		return json.Marshal(autoValue)
	}
	return json.Marshal(c.N)
}

func (c *Count) UnmarshalJSON(data []byte) error {
	var number int
	if err := json.Unmarshal(data, &number); err == nil {
		if number <= 0 {
			return fmt.Errorf("count must be > 0, got %d", number)
		}
		*c = Fixed(number)
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("count must be an integer or %q", autoValue)
	}
	return c.UnmarshalText([]byte(text))
}
