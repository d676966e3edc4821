package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"meqserver/internal/forest"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/vis"
	"os"
	"syscall"
)

const maxLineSize = 64 * 1024 * 1024

// Reads the whole stream and feeds it to the mux.
// Stream errors are collected and returned once the source is exhausted; an abort stops reading immediately.
// A stream still open when reading stops is abandoned and reported as incomplete.
func (mod *InModule) Run(ctx context.Context, mux *vis.Mux) (err error) {
	ctx = logctx.AppendCtxTag(ctx, global.NSoFile)

	reader := bufio.NewReaderSize(mod.source, 65536)
	var streamErrs []error
	defer func() {
		if mux.Abandon("input ended") {
			err = errors.Join(err, fmt.Errorf("%w: '%s'", vis.ErrIncomplete, mod.filePath))
		}
	}()
	for {
		if ctx.Err() != nil {
			err = ctx.Err()
			return
		}

		var line []byte
		line, err = reader.ReadBytes('\n')
		if len(line) > 0 {
			var stop bool
			_, stop, streamErrs = mod.consume(ctx, mux, line, streamErrs)
			if stop {
				err = errors.Join(streamErrs...)
				return
			}
		}
		if err == io.EOF {
			err = errors.Join(streamErrs...)
			return
		} else if err != nil {
			err = fmt.Errorf("failed reading stream file '%s': %w", mod.filePath, err)
			return
		}
	}
}

// Decodes one line and applies it. Stop is set when the stream must not continue.
func (mod *InModule) consume(ctx context.Context, mux *vis.Mux, line []byte, errs []error) (eventType string, stop bool, out []error) {
	out = errs
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	mod.metrics.LinesRead.Add(1)

	var event vis.StreamEvent
	err := json.Unmarshal(line, &event)
	if err != nil {
		mod.metrics.Invalid.Add(1)
		logctx.LogEvent(ctx, global.VerbosityStandard, global.WarnLog,
			"skipping malformed stream line in '%s': %v\n", mod.filePath, err)
		out = append(out, fmt.Errorf("malformed stream line: %w", err))
		return
	}

	eventType = event.Type
	err = mux.Apply(event)
	if err != nil {
		if errors.Is(err, forest.ErrAborted) {
			stop = true
		}
		out = append(out, err)
		return
	}
	mod.metrics.Success.Add(1)
	return
}

// Tails an uncompressed stream file until ctx is done, following rotation.
// Read position is saved at each footer so a restart resumes after the last completed stream.
func (mod *InModule) Follow(ctx context.Context, mux *vis.Mux) (err error) {
	if mod.compressed {
		err = fmt.Errorf("cannot follow compressed stream file '%s'", mod.filePath)
		return
	}
	ctx = logctx.AppendCtxTag(ctx, global.NSoFile)

	inode, offset, err := GetLastPosition(mod.filePath, mod.stateFile)
	if err != nil {
		logctx.LogEvent(ctx, global.VerbosityStandard, global.WarnLog,
			"failed to get position of last stream read for '%s': %v\n", mod.filePath, err)
		err = nil
	}
	_, err = mod.file.Seek(offset, io.SeekStart)
	if err != nil {
		err = fmt.Errorf("failed to resume stream read position for '%s': %w", mod.filePath, err)
		return
	}

	fileHasChanged := make(chan bool, 1)
	fileHasRotated := make(chan bool, 1)
	go watcher(ctx, mod.filePath, fileHasChanged, fileHasRotated)

	committed := offset
	defer mux.Abandon("follow stopped")
	defer func() {
		saveErr := mod.savePosition(inode, committed)
		if saveErr != nil {
			logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog,
				"failed to save position in stream file '%s': %v\n", mod.filePath, saveErr)
		}
	}()

	buf := make([]byte, 65536)
	var lineBuf []byte
	for {
		for {
			var n int
			n, err = mod.file.Read(buf)
			if n == 0 || err == io.EOF {
				err = nil
				break
			} else if err != nil {
				logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "read error: %v\n", err)
				err = nil
				break
			}

			for _, b := range buf[:n] {
				offset++
				if b != '\n' {
					lineBuf = append(lineBuf, b)
					if len(lineBuf) > maxLineSize {
						err = fmt.Errorf("stream line in '%s' exceeds %d bytes", mod.filePath, maxLineSize)
						return
					}
					continue
				}

				eventType, stop, streamErrs := mod.consume(ctx, mux, lineBuf, nil)
				for _, streamErr := range streamErrs {
					logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "%v\n", streamErr)
				}
				committed = offset
				if eventType == vis.EventFooter {
					saveErr := mod.savePosition(inode, committed)
					if saveErr != nil {
						logctx.LogEvent(ctx, global.VerbosityStandard, global.WarnLog,
							"failed to save stream position: %v\n", saveErr)
					}
				}
				lineBuf = lineBuf[:0]
				if stop {
					err = forest.ErrAborted
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-fileHasChanged:
		case <-fileHasRotated:
			if mux.Abandon("stream file rotated") {
				logctx.LogEvent(ctx, global.VerbosityStandard, global.WarnLog,
					"stream file '%s' rotated before its footer\n", mod.filePath)
			}
			mod.file.Close()
			mod.file, err = os.Open(mod.filePath)
			if err != nil {
				err = fmt.Errorf("failed to reopen rotated stream file: %w", err)
				return
			}
			mod.source = mod.file

			var info os.FileInfo
			info, err = mod.file.Stat()
			if err != nil {
				err = fmt.Errorf("unable to stat new stream file: %w", err)
				return
			}
			inode = info.Sys().(*syscall.Stat_t).Ino
			offset = 0
			committed = 0
			lineBuf = lineBuf[:0]
		}
	}
}

func (mod *InModule) savePosition(inode uint64, offset int64) (err error) {
	if mod.stateFile == "" {
		return
	}
	if inode == 0 {
		var info os.FileInfo
		info, err = mod.file.Stat()
		if err != nil {
			return
		}
		inode = info.Sys().(*syscall.Stat_t).Ino
	}
	err = SavePosition(mod.stateFile, inode, offset)
	return
}
