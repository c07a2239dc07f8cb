package hangul

// Stage is the composer's position inside the syllable being built.
type Stage int

// Composer stages.
const (
	AwaitingInitial Stage = iota
	AwaitingMedial
	AwaitingFinal
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case AwaitingInitial:
		return "awaiting-initial"
	case AwaitingMedial:
		return "awaiting-medial"
	case AwaitingFinal:
		return "awaiting-final"
	default:
		return "unknown"
	}
}

// State is the buffered part of the syllable under construction.
// A zero rune means the slot is empty.
type State struct {
	Cho   rune
	Jung  rune
	Jong  rune
	Stage Stage
}

// Step is the outcome of feeding one rune to the Composer.
type Step struct {
	// Emit is text to append to the output. It may be empty.
	Emit string

	// Replace reports that Emit supersedes the in-progress syllable emitted by
	// an earlier step. Sinks that render incrementally should delete that
	// syllable before appending Emit.
	Replace bool

	// Consumed reports that the input rune was absorbed into the composition
	// instead of being passed through.
	Consumed bool
}

// Composer is the jamo composition state machine for one input session.
// It is not safe for concurrent use; the capture goroutine owns it.
type Composer struct {
	state State
}

// NewComposer returns a composer waiting for an initial consonant.
func NewComposer() *Composer {
	return &Composer{}
}

// State returns a copy of the current buffer.
func (c *Composer) State() State {
	return c.state
}

// Reset discards the buffer without emitting anything.
func (c *Composer) Reset() {
	c.state = State{}
}

// Flush returns buffered jamo that no step has emitted yet and resets the
// composer. An in-progress syllable was already emitted by the step that
// completed it, so flushing only finalizes it.
func (c *Composer) Flush() string {
	var out string
	if c.state.Stage == AwaitingMedial && c.state.Cho != 0 {
		out = string(c.state.Cho)
	}
	c.Reset()
	return out
}

// Pending returns the in-progress block for preedit display.
func (c *Composer) Pending() string {
	switch c.state.Stage {
	case AwaitingMedial:
		return string(c.state.Cho)
	case AwaitingFinal:
		return string(c.syllable())
	default:
		return ""
	}
}

// Backspace removes the most recent jamo of the in-progress syllable. A
// compound final or vowel loses only its second part, so 닭 becomes 달 and
// 와 becomes 오. The returned step has Consumed set when the composer
// absorbed the deletion; otherwise there was nothing in progress and the
// caller should delete from its own output instead.
func (c *Composer) Backspace() Step {
	switch c.state.Stage {
	case AwaitingMedial:
		// The initial was never emitted.
		c.Reset()
		return Step{Consumed: true}
	case AwaitingFinal:
		if c.state.Jong != 0 {
			if first, _, ok := SplitFinal(c.state.Jong); ok {
				c.state.Jong = first
			} else {
				c.state.Jong = 0
			}
			return Step{Emit: string(c.syllable()), Replace: true, Consumed: true}
		}
		if first, _, ok := SplitVowel(c.state.Jung); ok {
			c.state.Jung = first
			return Step{Emit: string(c.syllable()), Replace: true, Consumed: true}
		}
		c.state.Jung = 0
		c.state.Stage = AwaitingMedial
		return Step{Replace: true, Consumed: true}
	default:
		return Step{}
	}
}

// Process feeds one rune to the state machine.
func (c *Composer) Process(r rune) Step {
	if !IsJamo(r) {
		return Step{Emit: c.Flush() + string(r)}
	}

	switch c.state.Stage {
	case AwaitingMedial:
		return c.awaitingMedial(r)
	case AwaitingFinal:
		return c.awaitingFinal(r)
	default:
		return c.awaitingInitial(r)
	}
}

func (c *Composer) awaitingInitial(r rune) Step {
	if IsInitial(r) {
		c.state = State{Cho: r, Stage: AwaitingMedial}
		return Step{Consumed: true}
	}
	// Vowels and final-only consonants have no initial to attach to.
	return Step{Emit: string(r)}
}

func (c *Composer) awaitingMedial(r rune) Step {
	if IsMedial(r) {
		c.state.Jung = r
		c.state.Stage = AwaitingFinal
		return Step{Emit: string(c.syllable()), Consumed: true}
	}

	orphan := string(c.state.Cho)
	c.Reset()
	step := c.awaitingInitial(r)
	step.Emit = orphan + step.Emit
	return step
}

func (c *Composer) awaitingFinal(r rune) Step {
	if c.state.Jong == 0 {
		if IsMedial(r) {
			if v, ok := CompoundVowel(c.state.Jung, r); ok {
				c.state.Jung = v
				return Step{Emit: string(c.syllable()), Replace: true, Consumed: true}
			}
			c.Reset()
			return Step{Emit: string(r)}
		}
		if IsFinal(r) {
			c.state.Jong = r
			return Step{Emit: string(c.syllable()), Replace: true, Consumed: true}
		}
		// ㄸ, ㅃ and ㅉ can only start a syllable.
		return c.restart(r)
	}

	if t, ok := CompoundFinal(c.state.Jong, r); ok {
		c.state.Jong = t
		return Step{Emit: string(c.syllable()), Replace: true, Consumed: true}
	}
	if IsMedial(r) {
		c.Reset()
		return Step{Emit: string(r)}
	}
	return c.restart(r)
}

// restart finalizes the current syllable and evaluates r as the start of the
// next one.
func (c *Composer) restart(r rune) Step {
	c.Reset()
	return c.awaitingInitial(r)
}

func (c *Composer) syllable() rune {
	r, ok := Compose(c.state.Cho, c.state.Jung, c.state.Jong)
	if !ok {
		return c.state.Cho
	}
	return r
}
