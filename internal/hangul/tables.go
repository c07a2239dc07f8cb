// Package hangul composes Korean jamo into precomposed syllable blocks.
//
// The package works on Hangul Compatibility Jamo (U+3131..U+318E), which is
// what keyboards and capture hooks deliver, and on precomposed syllables
// (U+AC00..U+D7A3). A syllable block is computed arithmetically:
//
//	codepoint = 0xAC00 + (cho*21 + jung)*28 + jong
//
// where jong 0 means "no final consonant". Decompose inverts the formula.
//
// Everything in this file is immutable. The Composer state machine in
// composer.go is the only mutable type and belongs to a single input session.
package hangul

import (
	"errors"
	"fmt"
)

// Unicode layout of the precomposed syllable block.
const (
	SyllableBase = 0xAC00
	SyllableLast = 0xD7A3

	ChoCount   = 19
	JungCount  = 21
	JongCount  = 28
	blockCount = JungCount * JongCount // 588 syllables per initial
)

// Compatibility jamo range accepted as composer input.
const (
	jamoFirst = 0x3131 // ㄱ
	jamoLast  = 0x3163 // ㅣ
)

// ErrIndexRange is returned when a cho/jung/jong index is outside its table.
var ErrIndexRange = errors.New("hangul: jamo index out of range")

// choTable lists the 19 initial consonants in Unicode order.
var choTable = [ChoCount]rune{
	'ㄱ', 'ㄲ', 'ㄴ', 'ㄷ', 'ㄸ', 'ㄹ', 'ㅁ', 'ㅂ', 'ㅃ', 'ㅅ',
	'ㅆ', 'ㅇ', 'ㅈ', 'ㅉ', 'ㅊ', 'ㅋ', 'ㅌ', 'ㅍ', 'ㅎ',
}

// jungTable lists the 21 medial vowels in Unicode order.
var jungTable = [JungCount]rune{
	'ㅏ', 'ㅐ', 'ㅑ', 'ㅒ', 'ㅓ', 'ㅔ', 'ㅕ', 'ㅖ', 'ㅗ', 'ㅘ',
	'ㅙ', 'ㅚ', 'ㅛ', 'ㅜ', 'ㅝ', 'ㅞ', 'ㅟ', 'ㅠ', 'ㅡ', 'ㅢ', 'ㅣ',
}

// jongTable lists the 28 finals. Index 0 is the empty final.
var jongTable = [JongCount]rune{
	0, 'ㄱ', 'ㄲ', 'ㄳ', 'ㄴ', 'ㄵ', 'ㄶ', 'ㄷ', 'ㄹ', 'ㄺ',
	'ㄻ', 'ㄼ', 'ㄽ', 'ㄾ', 'ㄿ', 'ㅀ', 'ㅁ', 'ㅂ', 'ㅄ', 'ㅅ',
	'ㅆ', 'ㅇ', 'ㅈ', 'ㅊ', 'ㅋ', 'ㅌ', 'ㅍ', 'ㅎ',
}

type pair struct{ first, second rune }

// compoundFinals maps two adjacent finals to their compound form (11 entries).
var compoundFinals = map[pair]rune{
	{'ㄱ', 'ㅅ'}: 'ㄳ',
	{'ㄴ', 'ㅈ'}: 'ㄵ',
	{'ㄴ', 'ㅎ'}: 'ㄶ',
	{'ㄹ', 'ㄱ'}: 'ㄺ',
	{'ㄹ', 'ㅁ'}: 'ㄻ',
	{'ㄹ', 'ㅂ'}: 'ㄼ',
	{'ㄹ', 'ㅅ'}: 'ㄽ',
	{'ㄹ', 'ㅌ'}: 'ㄾ',
	{'ㄹ', 'ㅍ'}: 'ㄿ',
	{'ㄹ', 'ㅎ'}: 'ㅀ',
	{'ㅂ', 'ㅅ'}: 'ㅄ',
}

// compoundVowels maps two adjacent vowels to their compound form.
var compoundVowels = map[pair]rune{
	{'ㅗ', 'ㅏ'}: 'ㅘ',
	{'ㅗ', 'ㅐ'}: 'ㅙ',
	{'ㅗ', 'ㅣ'}: 'ㅚ',
	{'ㅜ', 'ㅓ'}: 'ㅝ',
	{'ㅜ', 'ㅔ'}: 'ㅞ',
	{'ㅜ', 'ㅣ'}: 'ㅟ',
	{'ㅡ', 'ㅣ'}: 'ㅢ',
}

// Reverse lookups, built once from the tables above.
var (
	finalParts = splitTable(compoundFinals)
	vowelParts = splitTable(compoundVowels)

	choIndex  = indexOf(choTable[:], 0)
	jungIndex = indexOf(jungTable[:], 0)
	jongIndex = indexOf(jongTable[1:], 1)
)

func splitTable(t map[pair]rune) map[rune]pair {
	m := make(map[rune]pair, len(t))
	for p, r := range t {
		m[r] = p
	}
	return m
}

func indexOf(table []rune, base int) map[rune]int {
	m := make(map[rune]int, len(table))
	for i, r := range table {
		m[r] = i + base
	}
	return m
}

// Jamo is a decomposed syllable. Jong is 0 when the syllable has no final.
type Jamo struct {
	Cho  rune
	Jung rune
	Jong rune
}

// String renders the jamo as separate compatibility letters.
func (j Jamo) String() string {
	if j.Jong == 0 {
		return string([]rune{j.Cho, j.Jung})
	}
	return string([]rune{j.Cho, j.Jung, j.Jong})
}

// IsInitial reports whether r can start a syllable.
func IsInitial(r rune) bool {
	_, ok := choIndex[r]
	return ok
}

// IsMedial reports whether r is one of the 21 vowels.
func IsMedial(r rune) bool {
	_, ok := jungIndex[r]
	return ok
}

// IsFinal reports whether r can close a syllable. The empty final is not a rune
// and is therefore never reported.
func IsFinal(r rune) bool {
	_, ok := jongIndex[r]
	return ok
}

// IsJamo reports whether r is a compatibility consonant or vowel (ㄱ..ㅣ).
func IsJamo(r rune) bool {
	return r >= jamoFirst && r <= jamoLast
}

// IsSyllable reports whether r is a precomposed Hangul syllable.
func IsSyllable(r rune) bool {
	return r >= SyllableBase && r <= SyllableLast
}

// CompoundFinal returns the compound final formed by first followed by second.
func CompoundFinal(first, second rune) (rune, bool) {
	r, ok := compoundFinals[pair{first, second}]
	return r, ok
}

// CompoundVowel returns the compound vowel formed by first followed by second.
func CompoundVowel(first, second rune) (rune, bool) {
	r, ok := compoundVowels[pair{first, second}]
	return r, ok
}

// SplitFinal returns the two finals a compound final is built from.
func SplitFinal(r rune) (first, second rune, ok bool) {
	p, ok := finalParts[r]
	return p.first, p.second, ok
}

// SplitVowel returns the two vowels a compound vowel is built from.
func SplitVowel(r rune) (first, second rune, ok bool) {
	p, ok := vowelParts[r]
	return p.first, p.second, ok
}

// ComposeIndex builds a syllable from table indices.
func ComposeIndex(cho, jung, jong int) (rune, error) {
	if cho < 0 || cho >= ChoCount || jung < 0 || jung >= JungCount || jong < 0 || jong >= JongCount {
		return 0, fmt.Errorf("%w: cho=%d jung=%d jong=%d", ErrIndexRange, cho, jung, jong)
	}
	return rune(SyllableBase + (cho*JungCount+jung)*JongCount + jong), nil
}

// Compose builds a syllable from jamo letters. Pass 0 as jong for an open
// syllable. It reports false when any letter is not valid for its slot.
func Compose(cho, jung, jong rune) (rune, bool) {
	l, ok := choIndex[cho]
	if !ok {
		return 0, false
	}
	v, ok := jungIndex[jung]
	if !ok {
		return 0, false
	}
	t := 0
	if jong != 0 {
		if t, ok = jongIndex[jong]; !ok {
			return 0, false
		}
	}
	r, err := ComposeIndex(l, v, t)
	if err != nil {
		return 0, false
	}
	return r, true
}

// DecomposeIndex splits a syllable into table indices.
func DecomposeIndex(r rune) (cho, jung, jong int, ok bool) {
	if !IsSyllable(r) {
		return 0, 0, 0, false
	}
	code := int(r - SyllableBase)
	jong = code % JongCount
	jung = (code / JongCount) % JungCount
	cho = code / blockCount
	return cho, jung, jong, true
}

// Decompose splits a syllable into its jamo letters.
func Decompose(r rune) (Jamo, bool) {
	cho, jung, jong, ok := DecomposeIndex(r)
	if !ok {
		return Jamo{}, false
	}
	return Jamo{Cho: choTable[cho], Jung: jungTable[jung], Jong: jongTable[jong]}, true
}
