package file

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func ensureStateDir(stateFilePath string) (err error) {
	stateDirectory := filepath.Dir(stateFilePath)
	_, err = os.Stat(stateDirectory)
	if os.IsNotExist(err) {
		err = os.MkdirAll(stateDirectory, 0700)
		if err != nil {
			err = fmt.Errorf("failed to create missing state directory '%s': %w", stateDirectory, err)
		}
	} else if err != nil {
		err = fmt.Errorf("unable to access state directory: %w", err)
	}
	return
}

// Retrieve last read position of the stream file from the state file.
// A stale inode (rotated file) or corrupt state restarts from offset zero.
func GetLastPosition(streamFilePath string, stateFilePath string) (inode uint64, position int64, err error) {
	if stateFilePath == "" {
		return
	}
	err = ensureStateDir(stateFilePath)
	if err != nil {
		return
	}

	data, err := os.ReadFile(stateFilePath)
	if os.IsNotExist(err) {
		err = nil
		return
	} else if err != nil {
		err = fmt.Errorf("unable to read state file: %w", err)
		return
	}

	parts := strings.Fields(strings.TrimSpace(string(data)))
	if len(parts) != 2 {
		return
	}
	inodeParsed, err1 := strconv.ParseUint(parts[0], 10, 64)
	posParsed, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil || posParsed < 0 {
		return
	}

	fileInfo, err := os.Stat(streamFilePath)
	if err != nil {
		err = fmt.Errorf("unable to stat stream file: %w", err)
		return
	}
	currentInode := fileInfo.Sys().(*syscall.Stat_t).Ino
	if inodeParsed != currentInode {
		inode = currentInode
		return
	}

	inode = inodeParsed
	position = min(posParsed, fileInfo.Size())
	return
}

// Save the current stream read position to the state file
func SavePosition(stateFilePath string, inode uint64, position int64) (err error) {
	err = ensureStateDir(stateFilePath)
	if err != nil {
		return
	}

	stateFile, err := os.OpenFile(stateFilePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		err = fmt.Errorf("failed to open state file: %w", err)
		return
	}
	defer stateFile.Close()

	_, err = fmt.Fprintf(stateFile, "%d %d", inode, position)
	if err != nil {
		err = fmt.Errorf("failed to write current stream position to state file: %w", err)
	}
	return
}
