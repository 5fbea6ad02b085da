package resilience

// FallbackSequencer walks a priority-ordered list of engine names,
// advancing to the next candidate after a failure. Pure bookkeeping; it
// never invokes engines.
type FallbackSequencer struct {
	names  []string
	cursor int
}

func NewFallbackSequencer(names []string) *FallbackSequencer {
	return &FallbackSequencer{names: append([]string(nil), names...)}
}

// Current returns the candidate the cursor points at, or "" when the list
// is empty or exhausted.
func (f *FallbackSequencer) Current() string {
	if f.cursor < len(f.names) {
		return f.names[f.cursor]
	}
	return ""
}

// Next advances the cursor and returns the new candidate's name. It returns
// ok=false once the list is exhausted.
func (f *FallbackSequencer) Next() (string, bool) {
	f.cursor++
	if f.cursor < len(f.names) {
		return f.names[f.cursor], true
	}
	return "", false
}

// Reset returns the cursor to the primary engine.
func (f *FallbackSequencer) Reset() {
	f.cursor = 0
}
