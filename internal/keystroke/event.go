package keystroke

import (
	"strings"
	"time"

	"typestatd/internal/hangul"
)

// Event is one key press as delivered by a capture source.
type Event struct {
	// Code is the libuiohook virtual key code. Linux evdev codes are
	// translated by EvdevSource.
	Code uint16

	// Char is the character the key produced, or 0 when the source only
	// knows the key code. Hangul jamo arrive here as compatibility jamo.
	Char rune

	// Modifiers indicates which modifier keys are held.
	Modifiers Modifiers

	// TimestampMs is the capture time in Unix milliseconds.
	TimestampMs int64
}

// NewEvent builds an event stamped with the current time.
func NewEvent(code uint16, char rune, mods Modifiers) Event {
	return Event{Code: code, Char: char, Modifiers: mods, TimestampMs: time.Now().UnixMilli()}
}

// Time returns the capture time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.TimestampMs)
}

// Rune returns the character for the event, falling back to the key code
// mapping when the source did not supply one.
func (e Event) Rune() rune {
	if e.Char != 0 {
		return e.Char
	}
	r, _ := KeyRune(e.Code, e.Modifiers.Has(ModShift))
	return r
}

// Modifiers represents modifier key state.
type Modifiers uint8

const (
	ModShift Modifiers = 1 << iota
	ModControl
	ModAlt
	ModMeta // Command on macOS, Windows key on Windows
)

// Has reports whether all bits of m are set.
func (m Modifiers) Has(mod Modifiers) bool {
	return m&mod == mod
}

// String lists the held modifiers joined by "+".
func (m Modifiers) String() string {
	var parts []string
	if m.Has(ModControl) {
		parts = append(parts, "ctrl")
	}
	if m.Has(ModAlt) {
		parts = append(parts, "alt")
	}
	if m.Has(ModShift) {
		parts = append(parts, "shift")
	}
	if m.Has(ModMeta) {
		parts = append(parts, "meta")
	}
	return strings.Join(parts, "+")
}

// libuiohook virtual key codes.
const (
	VCEscape    uint16 = 0x0001
	VCBackspace uint16 = 0x000E
	VCTab       uint16 = 0x000F
	VCEnter     uint16 = 0x001C
	VCSpace     uint16 = 0x0039

	VCShiftL   uint16 = 0x002A
	VCShiftR   uint16 = 0x0036
	VCControlL uint16 = 0x001D
	VCControlR uint16 = 0x0E1D
	VCAltL     uint16 = 0x0038
	VCAltR     uint16 = 0x0E38
	VCMetaL    uint16 = 0x0E5B
	VCMetaR    uint16 = 0x0E5C
	VCContext  uint16 = 0x0E5D

	VCCapsLock   uint16 = 0x003A
	VCNumLock    uint16 = 0x0045
	VCScrollLock uint16 = 0x0046

	VCF1  uint16 = 0x003B
	VCF10 uint16 = 0x0044
	VCF11 uint16 = 0x0057
	VCF12 uint16 = 0x0058
	VCF13 uint16 = 0x005B
	VCF24 uint16 = 0x0076

	VCPrintScreen uint16 = 0x0E37
	VCPause       uint16 = 0x0E45
	VCInsert      uint16 = 0x0E52
	VCDelete      uint16 = 0x0E53
	VCHome        uint16 = 0x0E47
	VCEnd         uint16 = 0x0E4F
	VCPageUp      uint16 = 0x0E49
	VCPageDown    uint16 = 0x0E51

	VCUp    uint16 = 0xE048
	VCLeft  uint16 = 0xE04B
	VCRight uint16 = 0xE04D
	VCDown  uint16 = 0xE050

	VCKPEnter uint16 = 0x0E1C
)

// Class is the role a key plays for composition and statistics.
type Class int

const (
	ClassPrintable Class = iota
	ClassHangul
	ClassSpace
	ClassEnter
	ClassBackspace
	ClassSpecial
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassPrintable:
		return "printable"
	case ClassHangul:
		return "hangul"
	case ClassSpace:
		return "space"
	case ClassEnter:
		return "enter"
	case ClassBackspace:
		return "backspace"
	case ClassSpecial:
		return "special"
	default:
		return "unknown"
	}
}

// Typing reports whether keys of this class count as typed keystrokes.
func (c Class) Typing() bool {
	return c == ClassPrintable || c == ClassHangul || c == ClassSpace || c == ClassEnter
}

// Classify converts an event to its Class. Special keys (function keys,
// modifiers, navigation, escape and lock keys) are never composed or counted
// as typing. A held Control, Alt or Meta turns any key into a shortcut.
func Classify(ev Event) Class {
	switch ev.Code {
	case VCBackspace:
		return ClassBackspace
	case VCEnter, VCKPEnter:
		return ClassEnter
	case VCSpace:
		if ev.Modifiers&(ModControl|ModAlt|ModMeta) != 0 {
			return ClassSpecial
		}
		return ClassSpace
	}
	if IsSpecialCode(ev.Code) {
		return ClassSpecial
	}
	if ev.Modifiers&(ModControl|ModAlt|ModMeta) != 0 {
		return ClassSpecial
	}

	r := ev.Rune()
	switch {
	case hangul.IsJamo(r) || hangul.IsSyllable(r):
		return ClassHangul
	case r == ' ':
		return ClassSpace
	case r == '\n' || r == '\r':
		return ClassEnter
	case r == 0 || r < 0x20 || r == 0x7F:
		return ClassSpecial
	default:
		return ClassPrintable
	}
}

// IsSpecialCode reports whether the key code is a non-printable key.
func IsSpecialCode(code uint16) bool {
	switch code {
	case VCEscape, VCTab,
		VCShiftL, VCShiftR, VCControlL, VCControlR, VCAltL, VCAltR, VCMetaL, VCMetaR, VCContext,
		VCCapsLock, VCNumLock, VCScrollLock,
		VCF11, VCF12,
		VCPrintScreen, VCPause, VCInsert, VCDelete, VCHome, VCEnd, VCPageUp, VCPageDown,
		VCUp, VCLeft, VCRight, VCDown:
		return true
	}
	return (code >= VCF1 && code <= VCF10) || (code >= VCF13 && code <= VCF24)
}

// US QWERTY rows by libuiohook code.
var (
	letterRows = map[uint16]rune{
		0x0010: 'q', 0x0011: 'w', 0x0012: 'e', 0x0013: 'r', 0x0014: 't',
		0x0015: 'y', 0x0016: 'u', 0x0017: 'i', 0x0018: 'o', 0x0019: 'p',
		0x001E: 'a', 0x001F: 's', 0x0020: 'd', 0x0021: 'f', 0x0022: 'g',
		0x0023: 'h', 0x0024: 'j', 0x0025: 'k', 0x0026: 'l',
		0x002C: 'z', 0x002D: 'x', 0x002E: 'c', 0x002F: 'v', 0x0030: 'b',
		0x0031: 'n', 0x0032: 'm',
	}
	digitRow = map[uint16]rune{
		0x0002: '1', 0x0003: '2', 0x0004: '3', 0x0005: '4', 0x0006: '5',
		0x0007: '6', 0x0008: '7', 0x0009: '8', 0x000A: '9', 0x000B: '0',
	}
)

// KeyRune maps a key code to the character it produces on a US layout.
func KeyRune(code uint16, shift bool) (rune, bool) {
	if code == VCSpace {
		return ' ', true
	}
	if r, ok := letterRows[code]; ok {
		if shift {
			r -= 'a' - 'A'
		}
		return r, true
	}
	if r, ok := digitRow[code]; ok {
		return r, true
	}
	return 0, false
}
