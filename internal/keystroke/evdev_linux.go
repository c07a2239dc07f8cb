//go:build linux

package keystroke

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EvdevSource reads key presses from a /dev/input event device. It knows key
// codes only; characters are derived from a US layout by Event.Rune.
type EvdevSource struct {
	devices []string
	logger  *slog.Logger
}

// NewPlatformSource returns the native capture source for this platform.
func NewPlatformSource(logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	devices, err := findKeyboardDevices()
	if err != nil {
		return nil, fmt.Errorf("find keyboard devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrNotAvailable
	}
	return &EvdevSource{devices: devices, logger: logger}, nil
}

// findKeyboardDevices finds /dev/input devices that are keyboards.
func findKeyboardDevices() ([]string, error) {
	var devices []string

	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var currentHandler string
	isKeyboard := false

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "H: Handlers=") {
			for _, part := range strings.Fields(line) {
				if strings.HasPrefix(part, "event") {
					currentHandler = "/dev/input/" + part
				}
			}
		}

		// Devices with a long key bitmap are keyboards; mice report a few buttons.
		if strings.HasPrefix(line, "B: KEY=") && len(line) > 10 {
			isKeyboard = true
		}

		if line == "" {
			if isKeyboard && currentHandler != "" {
				devices = append(devices, currentHandler)
			}
			currentHandler = ""
			isKeyboard = false
		}
	}

	matches, _ := filepath.Glob("/dev/input/by-id/*-kbd")
	devices = append(devices, matches...)

	return devices, scanner.Err()
}

// Linux input_event layout on 64-bit platforms.
const (
	inputEventSize = 24
	evKey          = 1

	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2
)

// evdevToUiohook maps Linux KEY_* codes outside the shared scancode block.
// Codes below 0x59 are identical in both numbering schemes.
var evdevToUiohook = map[uint16]uint16{
	96:  VCKPEnter,
	97:  VCControlR,
	99:  VCPrintScreen,
	100: VCAltR,
	102: VCHome,
	103: VCUp,
	104: VCPageUp,
	105: VCLeft,
	106: VCRight,
	107: VCEnd,
	108: VCDown,
	109: VCPageDown,
	110: VCInsert,
	111: VCDelete,
	119: VCPause,
	125: VCMetaL,
	126: VCMetaR,
	127: VCContext,
}

func translateEvdev(code uint16) uint16 {
	if c, ok := evdevToUiohook[code]; ok {
		return c
	}
	return code
}

func modifierFor(code uint16) Modifiers {
	switch code {
	case VCShiftL, VCShiftR:
		return ModShift
	case VCControlL, VCControlR:
		return ModControl
	case VCAltL, VCAltR:
		return ModAlt
	case VCMetaL, VCMetaR:
		return ModMeta
	}
	return 0
}

// Run reads the first readable device until ctx is cancelled.
func (s *EvdevSource) Run(ctx context.Context, sink func(Event)) error {
	var f *os.File
	var err error
	for _, dev := range s.devices {
		f, err = os.OpenFile(dev, os.O_RDONLY, 0)
		if err == nil {
			s.logger.Info("reading keyboard device", "device", dev)
			break
		}
	}
	if f == nil {
		if errors.Is(err, os.ErrPermission) {
			return ErrPermissionDenied
		}
		return fmt.Errorf("open keyboard device: %w", err)
	}

	// Closing the file unblocks the pending Read.
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer func() {
		if stop() {
			f.Close()
		}
	}()

	var mods Modifiers
	buf := make([]byte, inputEventSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read keyboard device: %w", err)
		}

		if binary.LittleEndian.Uint16(buf[16:18]) != evKey {
			continue
		}
		code := translateEvdev(binary.LittleEndian.Uint16(buf[18:20]))
		value := int32(binary.LittleEndian.Uint32(buf[20:24]))

		if m := modifierFor(code); m != 0 {
			switch value {
			case keyPress:
				mods |= m
			case keyRelease:
				mods &^= m
			}
		}
		if value != keyPress && value != keyRepeat {
			continue
		}

		sec := int64(binary.LittleEndian.Uint64(buf[0:8]))
		usec := int64(binary.LittleEndian.Uint64(buf[8:16]))
		sink(Event{
			Code:        code,
			Modifiers:   mods,
			TimestampMs: time.Unix(sec, usec*1000).UnixMilli(),
		})
	}
}
