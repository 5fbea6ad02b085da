package engine

// Settings is the untyped per-engine configuration mapping supplied by the
// caller. Factories decode it into their own typed config at construction
// time; it is never mutated afterwards. Every engine honours the "enabled"
// key.
type Settings map[string]any

// String returns the string value for key, or fallback.
func (s Settings) String(key, fallback string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Int returns the integer value for key, or fallback. YAML decodes numbers
// as int or float64 depending on source, so both are accepted.
func (s Settings) Int(key string, fallback int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Float returns the float value for key, or fallback.
func (s Settings) Float(key string, fallback float64) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

// Bool returns the boolean value for key, or fallback.
func (s Settings) Bool(key string, fallback bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return fallback
}

// Enabled reports whether the engine is enabled; engines default to enabled
// when the key is absent.
func (s Settings) Enabled() bool {
	return s.Bool("enabled", true)
}
