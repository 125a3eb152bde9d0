//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request encoding (Linux _IOC macro)
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uint32) uintptr {
	return uintptr((dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift))
}

// evdev ioctl requests (from <linux/input.h>)
func eviocGrab() uintptr {
	// EVIOCGRAB = _IOW('E', 0x90, int)
	return ioc(iocWrite, 'E', 0x90, 4)
}

func eviocSClockID() uintptr {
	// EVIOCSCLOCKID = _IOW('E', 0xa0, int)
	return ioc(iocWrite, 'E', 0xa0, 4)
}

func eviocGName(length int) uintptr {
	// EVIOCGNAME(len) = _IOC(_IOC_READ, 'E', 0x06, len)
	return ioc(iocRead, 'E', 0x06, uint32(length))
}

// deviceName queries the kernel for the device's human-readable name.
func deviceName(fd int) string {
	buf := make([]byte, 256)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocGName(len(buf)), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return "unknown"
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// openInputDevice opens an event node, switches its event timestamps to
// CLOCK_MONOTONIC, and optionally grabs it for exclusive access.
//
// The clock switch is not optional: filter timing compares event stamps
// against tick stamps from monotonicNow, and the two must share a clock.
//
// Grabbing stops the compositor from seeing the physical device, which is
// what makes suppression effective; without the grab the desktop receives
// every phantom click directly and the daemon can only observe.
func openInputDevice(path string, grab bool, logger *slog.Logger) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input device %s: %w", path, err)
	}
	fd := int(f.Fd())

	clk := int32(unix.CLOCK_MONOTONIC)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocSClockID(), uintptr(unsafe.Pointer(&clk))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("set monotonic clock on %s: %w", path, errno)
	}

	if grab {
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocGrab(), 1); errno != 0 {
			f.Close()
			return nil, fmt.Errorf("grab %s: %w", path, errno)
		}
	}

	logger.Info("input device opened", "path", path, "name", deviceName(fd), "grab", grab)
	return f, nil
}

// releaseInputDevice undoes the grab (arg 0 means ungrab) and closes the node.
func releaseInputDevice(f *os.File, grabbed bool) {
	if grabbed {
		_, _, _ = unix.Syscall(unix.SYS_IOCTL, f.Fd(), eviocGrab(), 0)
	}
	_ = f.Close()
}

// monotonicNow reads CLOCK_MONOTONIC directly, the clock the event nodes
// stamp events with after openInputDevice. time.Now() is unsuitable here:
// its wall reading is on a different epoch than boot-relative event stamps.
func monotonicNow() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now()
	}
	return time.Unix(ts.Sec, ts.Nsec)
}
