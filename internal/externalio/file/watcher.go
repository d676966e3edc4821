package file

import (
	"context"
	"errors"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	fileEvents    = unix.IN_MODIFY | unix.IN_CLOSE_WRITE
	dirEvents     = unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DELETE | unix.IN_CREATE
	watchPollMsec = 250
)

// Signals changes and rotation of the watched file until ctx is done
func watcher(ctx context.Context, streamFile string, fileHasChanged chan bool, fileHasRotated chan bool) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "failed to initialize inotify: %v\n", err)
		return
	}
	defer unix.Close(fd)

	watchFile, err := unix.InotifyAddWatch(fd, streamFile, fileEvents)
	if err != nil {
		logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "failed to add stream file '%s' to inotify watcher: %v\n", streamFile, err)
		return
	}
	streamDirectory := filepath.Dir(streamFile)
	watchDir, err := unix.InotifyAddWatch(fd, streamDirectory, dirEvents)
	if err != nil {
		logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "failed to add directory '%s' to inotify watcher: %v\n", streamDirectory, err)
		return
	}

	notify := func(ch chan bool) {
		select {
		case ch <- true:
		default:
		}
	}

	buf := make([]byte, unix.SizeofInotifyEvent+8192)
	streamFileName := filepath.Base(streamFile)
	pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for ctx.Err() == nil {
		ready, err := unix.Poll(pollFds, watchPollMsec)
		if err != nil && !errors.Is(err, unix.EINTR) {
			logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "error polling inotify: %v\n", err)
			return
		}
		if ready <= 0 {
			continue
		}

		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}
			logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "error reading inotify event: %v\n", err)
			continue
		}

		var offset int
		for offset+unix.SizeofInotifyEvent <= n {
			event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			nameStart := offset + unix.SizeofInotifyEvent
			name := strings.TrimRight(string(buf[nameStart:nameStart+int(event.Len)]), "\x00")
			offset = nameStart + int(event.Len)

			if event.Wd == int32(watchFile) && event.Mask&unix.IN_MODIFY != 0 {
				notify(fileHasChanged)
			}
			if event.Wd != int32(watchDir) || name != streamFileName || event.Mask&dirEvents == 0 {
				continue
			}

			unix.InotifyRmWatch(fd, uint32(watchFile))
			delay := 100 * time.Millisecond
			for range 5 {
				watchFile, err = unix.InotifyAddWatch(fd, streamFile, fileEvents)
				if err == nil || (!errors.Is(err, unix.EACCES) && !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.ENOENT)) {
					break
				}
				time.Sleep(delay)
				delay *= 2
			}
			if err != nil {
				logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "failed to add rotated stream file to inotify watcher: %v\n", err)
				continue
			}
			notify(fileHasRotated)
		}
	}
}
