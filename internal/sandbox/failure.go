package sandbox

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// FailConfig injects failures: a fraction Rate of requests is answered with
// status Code instead of reaching the store.
type FailConfig struct {
	Rate float64
	Code int
}

// ParseFailConfig parses "rate=<float>,code=<httpStatus>". An empty string
// disables injection; code defaults to 500.
func ParseFailConfig(raw string) (FailConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return FailConfig{}, nil
	}
	cfg := FailConfig{Code: http.StatusInternalServerError}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return FailConfig{}, fmt.Errorf("invalid fail segment %q", part)
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "rate":
			rate, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return FailConfig{}, fmt.Errorf("invalid fail rate %q: %w", value, err)
			}
			if rate < 0 || rate > 1 {
				return FailConfig{}, fmt.Errorf("fail rate %v out of range [0,1]", rate)
			}
			cfg.Rate = rate
		case "code":
			code, err := strconv.Atoi(value)
			if err != nil {
				return FailConfig{}, fmt.Errorf("invalid fail code %q: %w", value, err)
			}
			if code < 400 || code > 599 {
				return FailConfig{}, fmt.Errorf("fail code %d is not an error status", code)
			}
			cfg.Code = code
		default:
			return FailConfig{}, fmt.Errorf("unknown fail key %q", key)
		}
	}
	return cfg, nil
}

// String implements pflag.Value.
func (c *FailConfig) String() string {
	if c == nil || c.Rate == 0 {
		return ""
	}
	return fmt.Sprintf("rate=%s,code=%d", strconv.FormatFloat(c.Rate, 'f', -1, 64), c.Code)
}

// Set implements pflag.Value.
func (c *FailConfig) Set(raw string) error {
	parsed, err := ParseFailConfig(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Type implements pflag.Value.
func (c *FailConfig) Type() string { return "failures" }
