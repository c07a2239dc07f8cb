package hangul

import (
	"golang.org/x/text/unicode/norm"
)

// Transcript applies composer steps to a text buffer, honoring Replace.
type Transcript struct {
	buf []rune
}

// Apply appends the step to the transcript.
func (t *Transcript) Apply(s Step) {
	if s.Replace && len(t.buf) > 0 {
		t.buf = t.buf[:len(t.buf)-1]
	}
	if s.Emit != "" {
		t.buf = append(t.buf, []rune(s.Emit)...)
	}
}

// Append adds text that did not come from a composer step.
func (t *Transcript) Append(s string) {
	t.buf = append(t.buf, []rune(s)...)
}

// Backspace deletes the last rune. It reports false when the transcript is
// empty.
func (t *Transcript) Backspace() bool {
	if len(t.buf) == 0 {
		return false
	}
	t.buf = t.buf[:len(t.buf)-1]
	return true
}

// Syllables counts the precomposed syllable blocks in the transcript.
func (t *Transcript) Syllables() int {
	n := 0
	for _, r := range t.buf {
		if IsSyllable(r) {
			n++
		}
	}
	return n
}

// Len returns the transcript length in runes.
func (t *Transcript) Len() int {
	return len(t.buf)
}

// String returns the NFC-normalized text.
func (t *Transcript) String() string {
	return norm.NFC.String(string(t.buf))
}

// Finish returns the text and empties the transcript.
func (t *Transcript) Finish() string {
	s := t.String()
	t.buf = t.buf[:0]
	return s
}

// ComposeString runs every rune of s through a fresh composer and returns the
// resulting text.
func ComposeString(s string) string {
	c := NewComposer()
	var t Transcript
	for _, r := range s {
		t.Apply(c.Process(r))
	}
	t.Append(c.Flush())
	return t.String()
}
