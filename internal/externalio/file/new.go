package file

import (
	"fmt"
	"meqserver/internal/global"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const compressedSuffix = ".zst"

// Opens a stream file for reading. Returns nil nil if no path.
func NewInput(namespace []string, filePath string, stateFile string) (module *InModule, err error) {
	if filePath == "" {
		return
	}

	file, err := os.Open(filePath)
	if err != nil {
		err = fmt.Errorf("failed to open stream file: %w", err)
		return
	}

	module = &InModule{
		Namespace:  append(append([]string(nil), namespace...), global.NSInput, global.NSoFile),
		filePath:   filePath,
		stateFile:  stateFile,
		compressed: strings.HasSuffix(filePath, compressedSuffix),
		file:       file,
		source:     file,
	}
	if module.compressed {
		module.decoder, err = zstd.NewReader(file)
		if err != nil {
			file.Close()
			module = nil
			err = fmt.Errorf("failed to start zstd decoder: %w", err)
			return
		}
		module.source = module.decoder
	}
	return
}

// Creates (truncates) a stream file for writing. Returns nil nil if no path.
func NewOutput(namespace []string, filePath string, batchSize int) (module *OutModule, err error) {
	if filePath == "" {
		return
	}
	if batchSize < 1 {
		batchSize = global.DefaultOutputBatch
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		err = fmt.Errorf("failed to open output file: %w", err)
		return
	}

	module = &OutModule{
		Namespace: append(append([]string(nil), namespace...), global.NSOut, global.NSoFile),
		file:      file,
		sink:      file,
		batchSize: batchSize,
	}
	if strings.HasSuffix(filePath, compressedSuffix) {
		module.encoder, err = zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			file.Close()
			module = nil
			err = fmt.Errorf("failed to start zstd encoder: %w", err)
			return
		}
		module.sink = module.encoder
	}
	return
}
