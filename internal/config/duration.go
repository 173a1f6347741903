package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a duration field as written in the file: a Go duration string
// ("1500ms", "2m") or a bare number of seconds. YAML and TOML numbers arrive
// as JSON numbers and are kept as "<n>s".
type Duration string

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = Duration(s)
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds, got %s", b)
	}
	*d = Duration(strconv.FormatFloat(f, 'f', -1, 64) + "s")
	return nil
}

// Resolve parses d for the field at path (e.g. "queue.timeout"). Empty and
// zero resolve to def; negative values are rejected.
func (d Duration) Resolve(path string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return def, nil
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		s += "s"
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, string(d), err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if v == 0 {
		return def, nil
	}
	return v, nil
}
