//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// epollWaitMs bounds a single epoll_wait so the reader notices context
// cancellation even when every device is silent.
const epollWaitMs = 500

// readDeviceEvents reads raw events from all input devices using a single
// epoll loop and publishes them tagged with their device index.
//
// One goroutine with epoll instead of a goroutine per device: the kernel
// wakes us only when a device has data, and event ordering within a device
// is preserved because each fd is drained in arrival order.
//
// Returns nil on context cancellation. Any device error or hangup is fatal;
// unplug/replug handling is out of scope, so a vanished device stops the
// daemon rather than silently halving its input.
func readDeviceEvents(ctx context.Context, files []*os.File, events chan<- deviceEvent) error {
	if len(files) == 0 {
		return fmt.Errorf("no input devices provided")
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	// Map file descriptors back to device index and file.
	fdToDev := make(map[int]int)
	fdToFile := make(map[int]*os.File)

	for dev, f := range files {
		fd := int(f.Fd())
		fdToDev[fd] = dev
		fdToFile[fd] = f

		event := unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl_add %s: %w", f.Name(), err)
		}
	}

	// Reusable buffers: one input_event per read, decoded in place.
	const maxEvents = 32
	epollEvents := make([]unix.EpollEvent, maxEvents)
	evSize := binary.Size(inputEvent{})
	buf := make([]byte, evSize)
	reader := bytes.NewReader(buf)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(epfd, epollEvents, epollWaitMs)
		if err != nil {
			// Interrupted system call (signal delivery): retry.
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)
			f := fdToFile[fd]

			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				return fmt.Errorf("device error/hangup: %s", f.Name())
			}

			if _, err := f.Read(buf); err != nil {
				return fmt.Errorf("read from %s: %w", f.Name(), err)
			}

			reader.Reset(buf)
			var ev inputEvent
			if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
				// Skip malformed events
				continue
			}

			select {
			case events <- deviceEvent{Dev: fdToDev[fd], Ev: ev}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
