package hangul

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposerHan(t *testing.T) {
	c := NewComposer()
	var got []Step
	for _, r := range "ㅎㅏㄴ" {
		got = append(got, c.Process(r))
	}

	want := []Step{
		{Consumed: true},
		{Emit: "하", Consumed: true},
		{Emit: "한", Replace: true, Consumed: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}

	var tr Transcript
	for _, s := range got {
		tr.Apply(s)
	}
	tr.Append(c.Flush())

	assert.Equal(t, "한", tr.String())
	assert.Equal(t, 1, tr.Syllables())
	assert.Equal(t, AwaitingInitial, c.State().Stage)
}

func TestComposeString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"open syllable", "ㄱㅏ", "가"},
		{"two syllables", "ㅎㅏㄴㄱㅡㄹ", "한글"},
		{"compound final", "ㄱㅏㅂㅅ", "값"},
		{"compound final from ㄹ", "ㄷㅏㄹㄱ", "닭"},
		{"compound vowel", "ㄱㅗㅏ", "과"},
		{"compound vowel with final", "ㄱㅜㅓㄴ", "권"},
		{"lone vowel", "ㅏ", "ㅏ"},
		{"lone initial flushed", "ㄱ", "ㄱ"},
		{"two initials", "ㄱㄴ", "ㄱㄴ"},
		{"vowel after final", "ㅎㅏㄴㅏ", "한ㅏ"},
		{"vowel after open syllable", "ㄱㅏㅏ", "가ㅏ"},
		{"initial-only after open syllable", "ㄱㅏㄸ", "가ㄸ"},
		{"initial-only then vowel", "ㄱㅏㄸㅏ", "가따"},
		{"final that cannot extend", "ㄱㅏㄱㄱ", "각ㄱ"},
		{"compound final then consonant", "ㄱㅏㄱㅅㅅ", "갃ㅅ"},
		{"compound final letter as final", "ㄱㅏㄳ", "갃"},
		{"compound letter as initial", "ㄳ", "ㄳ"},
		{"latin passthrough", "ㄱㅏa", "가a"},
		{"orphan before latin", "ㄱa", "ㄱa"},
		{"precomposed passthrough", "가ㄴ", "가ㄴ"},
		{"mixed", "ㅇㅏㄴㄴㅕㅇ ㅎㅏㄴㄱㅡㄹ", "안녕 한글"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComposeString(tt.input))
		})
	}
}

func TestComposerStages(t *testing.T) {
	c := NewComposer()
	require.Equal(t, AwaitingInitial, c.State().Stage)
	require.Empty(t, c.Pending())

	c.Process('ㄱ')
	require.Equal(t, State{Cho: 'ㄱ', Stage: AwaitingMedial}, c.State())
	require.Equal(t, "ㄱ", c.Pending())

	c.Process('ㅏ')
	require.Equal(t, State{Cho: 'ㄱ', Jung: 'ㅏ', Stage: AwaitingFinal}, c.State())
	require.Equal(t, "가", c.Pending())

	c.Process('ㄴ')
	require.Equal(t, State{Cho: 'ㄱ', Jung: 'ㅏ', Jong: 'ㄴ', Stage: AwaitingFinal}, c.State())
	require.Equal(t, "간", c.Pending())

	// The syllable was already emitted, so nothing is returned.
	require.Empty(t, c.Flush())
	require.Equal(t, State{}, c.State())
}

func TestComposerFlushOrphan(t *testing.T) {
	c := NewComposer()
	step := c.Process('ㅂ')
	assert.True(t, step.Consumed)
	assert.Empty(t, step.Emit)

	assert.Equal(t, "ㅂ", c.Flush())
	assert.Empty(t, c.Flush())
}

func TestComposerNonJamoFlushes(t *testing.T) {
	c := NewComposer()
	c.Process('ㄱ')

	step := c.Process(' ')
	assert.Equal(t, Step{Emit: "ㄱ "}, step)
	assert.Equal(t, AwaitingInitial, c.State().Stage)
}

func TestComposerReset(t *testing.T) {
	c := NewComposer()
	c.Process('ㄱ')
	c.Process('ㅏ')
	c.Reset()

	assert.Equal(t, State{}, c.State())
	assert.Empty(t, c.Flush())
}

func TestComposerEmitsAtMostOneSyllablePerStep(t *testing.T) {
	c := NewComposer()
	for _, r := range "ㄷㅏㄹㄱㄱㅗㅏㅂㅅㅣ ㅎㅏㄴ" {
		step := c.Process(r)
		n := 0
		for _, e := range step.Emit {
			if IsSyllable(e) {
				n++
			}
		}
		if n > 1 {
			t.Fatalf("step for %q emitted %d syllables: %+v", r, n, step)
		}
		if step.Replace && n != 1 {
			t.Fatalf("replace step for %q carried no syllable: %+v", r, step)
		}
	}
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "awaiting-initial", AwaitingInitial.String())
	assert.Equal(t, "awaiting-medial", AwaitingMedial.String())
	assert.Equal(t, "awaiting-final", AwaitingFinal.String())
	assert.Equal(t, "unknown", Stage(9).String())
}

func TestTranscriptFinish(t *testing.T) {
	var tr Transcript
	tr.Apply(Step{Emit: "가"})
	tr.Apply(Step{Emit: "각", Replace: true})
	tr.Append("!")

	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, "각!", tr.Finish())
	assert.Equal(t, 0, tr.Len())

	// Replace on an empty transcript only appends.
	tr.Apply(Step{Emit: "나", Replace: true})
	assert.Equal(t, "나", tr.String())
}

func TestComposerBackspace(t *testing.T) {
	c := NewComposer()
	var tr Transcript
	for _, r := range "ㅎㅏㄴ" {
		tr.Apply(c.Process(r))
	}
	require.Equal(t, "한", tr.String())

	steps := []struct {
		want     string
		consumed bool
		stage    Stage
	}{
		{"하", true, AwaitingFinal},
		{"", true, AwaitingMedial},
		{"", true, AwaitingInitial},
		{"", false, AwaitingInitial},
	}
	for i, s := range steps {
		step := c.Backspace()
		tr.Apply(step)
		assert.Equal(t, s.consumed, step.Consumed, "step %d", i)
		assert.Equal(t, s.want, tr.String(), "step %d", i)
		assert.Equal(t, s.stage, c.State().Stage, "step %d", i)
	}

	// With nothing in progress the caller edits its own output.
	tr.Append("ab")
	assert.True(t, tr.Backspace())
	assert.Equal(t, "a", tr.String())
	assert.True(t, tr.Backspace())
	assert.False(t, tr.Backspace())
}

func TestComposerBackspaceSplitsCompounds(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"ㄷㅏㄹㄱ", []string{"닭", "달", "다", ""}},
		{"ㅇㅗㅏ", []string{"와", "오", ""}},
		{"ㄱㅜㅓㄴ", []string{"권", "궈", "구", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			c := NewComposer()
			var tr Transcript
			for _, r := range tt.input {
				tr.Apply(c.Process(r))
			}
			require.Equal(t, tt.want[0], tr.String())

			for _, want := range tt.want[1:] {
				step := c.Backspace()
				require.True(t, step.Consumed)
				tr.Apply(step)
				assert.Equal(t, want, tr.String())
			}
			assert.Equal(t, AwaitingMedial, c.State().Stage)

			// Typing the removed part again rebuilds the compound.
			for _, r := range []rune(tt.input)[1:] {
				tr.Apply(c.Process(r))
			}
			assert.Equal(t, tt.want[0], tr.String())
		})
	}
}
