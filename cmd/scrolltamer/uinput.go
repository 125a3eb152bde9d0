//go:build linux

package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// uinput ioctl requests and limits (from <linux/uinput.h>)
const (
	uinputMaxNameSize = 80
	uiDevCreate       = 0x5501
	uiDevDestroy      = 0x5502
	uiSetEvBit        = 0x40045564
	uiSetKeyBit       = 0x40045565
	uiSetRelBit       = 0x40045566

	busVirtual = 0x06
)

type inputID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// uinputUserDev mirrors struct uinput_user_dev from <linux/uinput.h>.
type uinputUserDev struct {
	Name       [uinputMaxNameSize]byte
	ID         inputID
	EffectsMax uint32
	Absmax     [64]int32
	Absmin     [64]int32
	Absfuzz    [64]int32
	Absflat    [64]int32
}

// ScrollSink is where forwarded events go. The effects stage writes through
// this interface so tests can capture emissions without /dev/uinput.
type ScrollSink interface {
	Emit(ev inputEvent) error
	Close() error
}

// UinputSink re-injects events into the desktop through a uinput virtual
// mouse. With the physical devices grabbed, this is the only path scroll
// and button events take to reach applications.
//
// Emit and Close are called only from the daemon goroutine (single-owner).
type UinputSink struct {
	f      *os.File
	buf    bytes.Buffer
	logger *slog.Logger
}

func uiIoctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// NewUinputSink creates the virtual device. The capability set mirrors a
// normal mouse (buttons, relative motion, both wheel axes in both
// resolutions) so the compositor treats it as one.
func NewUinputSink(name string, logger *slog.Logger) (*UinputSink, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/uinput: %w", err)
	}
	fd := int(f.Fd())

	fail := func(step string, err error) (*UinputSink, error) {
		f.Close()
		return nil, fmt.Errorf("uinput %s: %w", step, err)
	}

	for _, evType := range []uintptr{EV_KEY, EV_REL} {
		if err := uiIoctl(fd, uiSetEvBit, evType); err != nil {
			return fail("set evbit", err)
		}
	}
	for code := uintptr(BTN_LEFT); code <= BTN_TASK; code++ {
		if err := uiIoctl(fd, uiSetKeyBit, code); err != nil {
			return fail("set keybit", err)
		}
	}
	for _, code := range []uintptr{REL_X, REL_Y, REL_HWHEEL, REL_WHEEL, REL_WHEEL_HI_RES, REL_HWHEEL_HI_RES} {
		if err := uiIoctl(fd, uiSetRelBit, code); err != nil {
			return fail("set relbit", err)
		}
	}

	var dev uinputUserDev
	copy(dev.Name[:], name)
	dev.ID = inputID{Bustype: busVirtual, Vendor: 0x1, Product: 0x1, Version: 1}

	var setup bytes.Buffer
	if err := binary.Write(&setup, binary.LittleEndian, &dev); err != nil {
		return fail("encode device", err)
	}
	if _, err := f.Write(setup.Bytes()); err != nil {
		return fail("write device", err)
	}

	if err := uiIoctl(fd, uiDevCreate, 0); err != nil {
		return fail("dev_create", err)
	}

	// Give udev and the compositor a moment to pick the new node up;
	// events written before they probe it are silently lost.
	time.Sleep(200 * time.Millisecond)

	logger.Info("uinput device created", "name", name)
	return &UinputSink{f: f, logger: logger}, nil
}

// Emit writes one event to the virtual device. The kernel stamps delivery
// time itself, so the event's clock fields are cleared first.
func (s *UinputSink) Emit(ev inputEvent) error {
	ev.Sec, ev.Usec = 0, 0

	s.buf.Reset()
	if err := binary.Write(&s.buf, binary.LittleEndian, &ev); err != nil {
		return fmt.Errorf("uinput encode event: %w", err)
	}
	if _, err := s.f.Write(s.buf.Bytes()); err != nil {
		return fmt.Errorf("uinput write event: %w", err)
	}
	return nil
}

// Close destroys the virtual device.
func (s *UinputSink) Close() error {
	if err := uiIoctl(int(s.f.Fd()), uiDevDestroy, 0); err != nil {
		s.logger.Warn("uinput dev_destroy failed", "error", err)
	}
	return s.f.Close()
}
