package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"meqserver/internal/forest"
	"meqserver/internal/record"
	"meqserver/internal/vis"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

type footerWriter struct {
	mu      sync.Mutex
	tiles   int
	footers chan *vis.Footer
}

func (writer *footerWriter) WriteHeader(ctx context.Context, header *vis.Header) error { return nil }
func (writer *footerWriter) WriteTile(ctx context.Context, tile *vis.Tile) error {
	writer.mu.Lock()
	writer.tiles++
	writer.mu.Unlock()
	return nil
}
func (writer *footerWriter) WriteFooter(ctx context.Context, footer *vis.Footer) error {
	writer.footers <- footer
	return nil
}

// spigot -> negate -> sink for baseline 0:1 under a single mux
func negateForest(t *testing.T) (mux *vis.Mux) {
	t.Helper()
	f := forest.New(context.Background(), forest.Config{AsyncWorkers: 2})
	vis.Register(f)

	specs := []record.Record{
		{"name": "spigot:0:1", "class": vis.ClassSpigot},
		{"name": "neg:0:1", "class": "MeqNegate", "children": []any{"spigot:0:1"}},
		{"name": "sink:0:1", "class": vis.ClassSink, "children": []any{"neg:0:1"}},
		{"name": "mux", "class": vis.ClassMux, "children": []any{"sink:0:1"}},
	}
	for _, spec := range specs {
		_, _, err := f.Create(spec)
		if err != nil {
			t.Fatalf("create %v: %v", spec["name"], err)
		}
	}
	err := f.InitAll()
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	mux, err = vis.Find(f)
	if err != nil {
		t.Fatalf("find mux: %v", err)
	}
	return
}

func sampleTile(seq int) *vis.Tile {
	tile := &vis.Tile{Seq: seq, Antenna1: 0, Antenna2: 1, FirstRow: seq, Times: []float64{float64(seq)}, NFreq: 2, NCorr: 1}
	data := tile.AddColumn("DATA", vis.ColumnComplex)
	for i := range data.Complex {
		data.Complex[i] = complex(float64(seq*10+i), -1)
	}
	return tile
}

func writeStream(t *testing.T, path string, tiles int) {
	t.Helper()
	out, err := NewOutput(nil, path, 2)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	ctx := context.Background()
	header := &vis.Header{Correlations: []string{"XX"}, Freqs: []float64{1e8, 2e8}, Columns: map[string]vis.ColumnType{"DATA": vis.ColumnComplex}}
	if err = out.WriteHeader(ctx, header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for seq := range tiles {
		if err = out.WriteTile(ctx, sampleTile(seq)); err != nil {
			t.Fatalf("write tile: %v", err)
		}
	}
	if err = out.WriteFooter(ctx, &vis.Footer{}); err != nil {
		t.Fatalf("write footer: %v", err)
	}
	if err = out.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func readEvents(t *testing.T, path string) (events []vis.StreamEvent) {
	t.Helper()
	in, err := NewInput(nil, path, "")
	if err != nil {
		t.Fatalf("open input: %v", err)
	}
	defer in.Shutdown()

	scanner := bufio.NewScanner(in.source)
	scanner.Buffer(make([]byte, 65536), maxLineSize)
	for scanner.Scan() {
		var event vis.StreamEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("decode %q: %v", scanner.Text(), err)
		}
		events = append(events, event)
	}
	return
}

func TestCompressedRoundTripThroughMux(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl.zst")
	outPath := filepath.Join(dir, "out.jsonl.zst")
	writeStream(t, inPath, 3)

	mux := negateForest(t)
	out, err := NewOutput(nil, outPath, 0)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	mux.SetWriter(out)

	in, err := NewInput(nil, inPath, "")
	if err != nil {
		t.Fatalf("open input: %v", err)
	}
	if err = in.Run(context.Background(), mux); err != nil {
		t.Fatalf("run: %v", err)
	}
	in.Shutdown()
	if err = out.Shutdown(); err != nil {
		t.Fatalf("close output: %v", err)
	}

	events := readEvents(t, outPath)
	if len(events) != 5 {
		t.Fatalf("expected header, 3 tiles and footer, got %d events", len(events))
	}
	if events[0].Type != vis.EventHeader || events[4].Type != vis.EventFooter {
		t.Fatalf("unexpected framing %s ... %s", events[0].Type, events[4].Type)
	}
	if _, ok := events[0].Header.Columns[vis.DefaultOutputColumn]; !ok {
		t.Errorf("header lacks %s column", vis.DefaultOutputColumn)
	}
	for i, event := range events[1:4] {
		data, _ := event.Tile.Column("DATA")
		predict, ok := event.Tile.Column(vis.DefaultOutputColumn)
		if !ok {
			t.Fatalf("tile %d has no output column", i)
		}
		for j := range data.Complex {
			if predict.Complex[j] != -data.Complex[j] {
				t.Errorf("tile %d value %d: got %v want %v", i, j, predict.Complex[j], -data.Complex[j])
			}
		}
	}
	if in.metrics.Success.Load() != 5 {
		t.Errorf("expected 5 accepted events, got %d", in.metrics.Success.Load())
	}
}

func TestMalformedLineReported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.jsonl")
	writeStream(t, path, 1)

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.SplitAfter(string(content), "\n")
	corrupt := lines[0] + "{not json\n" + strings.Join(lines[1:], "")
	if err = os.WriteFile(path, []byte(corrupt), 0600); err != nil {
		t.Fatal(err)
	}

	mux := negateForest(t)
	writer := &footerWriter{footers: make(chan *vis.Footer, 1)}
	mux.SetWriter(writer)

	in, err := NewInput(nil, path, "")
	if err != nil {
		t.Fatal(err)
	}
	defer in.Shutdown()

	err = in.Run(context.Background(), mux)
	if err == nil || !strings.Contains(err.Error(), "malformed stream line") {
		t.Fatalf("expected malformed line error, got %v", err)
	}
	if len(writer.footers) != 1 || writer.tiles != 1 {
		t.Errorf("stream should still complete: footers=%d tiles=%d", len(writer.footers), writer.tiles)
	}
	if in.metrics.Invalid.Load() != 1 {
		t.Errorf("expected one invalid line, got %d", in.metrics.Invalid.Load())
	}
}

func TestTruncatedStreamDoesNotBlockNextRun(t *testing.T) {
	dir := t.TempDir()
	truncated := filepath.Join(dir, "truncated.jsonl")
	complete := filepath.Join(dir, "complete.jsonl")
	writeStream(t, truncated, 2)
	writeStream(t, complete, 2)

	content, err := os.ReadFile(truncated)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.SplitAfter(strings.TrimSuffix(string(content), "\n"), "\n")
	if err = os.WriteFile(truncated, []byte(strings.Join(lines[:len(lines)-1], "")), 0600); err != nil {
		t.Fatal(err)
	}

	mux := negateForest(t)
	writer := &footerWriter{footers: make(chan *vis.Footer, 2)}
	mux.SetWriter(writer)

	in, err := NewInput(nil, truncated, "")
	if err != nil {
		t.Fatal(err)
	}
	err = in.Run(context.Background(), mux)
	in.Shutdown()
	if !errors.Is(err, vis.ErrIncomplete) {
		t.Fatalf("expected incomplete stream error, got %v", err)
	}

	in, err = NewInput(nil, complete, "")
	if err != nil {
		t.Fatal(err)
	}
	defer in.Shutdown()
	if err = in.Run(context.Background(), mux); err != nil {
		t.Fatalf("run after truncated stream: %v", err)
	}
	if len(writer.footers) != 1 {
		t.Errorf("expected one footer, got %d", len(writer.footers))
	}
	if writer.tiles != 3 {
		t.Errorf("expected 1 tile from the truncated stream and 2 from the complete one, got %d", writer.tiles)
	}
}

func TestFollowCannotReadCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jsonl.zst")
	writeStream(t, path, 1)
	in, err := NewInput(nil, path, "")
	if err != nil {
		t.Fatal(err)
	}
	defer in.Shutdown()
	if err = in.Follow(context.Background(), negateForest(t)); err == nil {
		t.Fatal("expected follow of compressed file to fail")
	}
}

func TestFollowSavesPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.jsonl")
	stateFile := filepath.Join(dir, "state", "position")
	writeStream(t, path, 2)

	mux := negateForest(t)
	writer := &footerWriter{footers: make(chan *vis.Footer, 1)}
	mux.SetWriter(writer)

	in, err := NewInput(nil, path, stateFile)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Follow(ctx, mux) }()

	select {
	case <-writer.footers:
	case <-time.After(10 * time.Second):
		t.Fatal("stream never finished")
	}
	cancel()
	if err = <-done; err != nil {
		t.Fatalf("follow: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	inode, position, err := GetLastPosition(path, stateFile)
	if err != nil {
		t.Fatal(err)
	}
	if inode != info.Sys().(*syscall.Stat_t).Ino || position != info.Size() {
		t.Errorf("got position %d/%d, want %d/%d", inode, position, info.Sys().(*syscall.Stat_t).Ino, info.Size())
	}
}

func TestLastPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.jsonl")
	if err := os.WriteFile(path, []byte("0123456789"), 0600); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(path)
	ino := info.Sys().(*syscall.Stat_t).Ino
	stateFile := filepath.Join(dir, "nested", "state")

	tests := []struct {
		name      string
		wantInode uint64
		wantPos   int64
	}{
		{"missing", 0, 0},
		{"matching inode", ino, 4},
		{"past end clamps", ino, 10},
		{"stale inode", ino, 0},
		{"corrupt", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			switch tt.name {
			case "missing":
				os.Remove(stateFile)
			case "matching inode":
				SavePosition(stateFile, ino, 4)
			case "past end clamps":
				SavePosition(stateFile, ino, 99)
			case "stale inode":
				SavePosition(stateFile, ino+1, 5)
			case "corrupt":
				os.WriteFile(stateFile, []byte("garbage"), 0600)
			}
			gotInode, gotPos, err := GetLastPosition(path, stateFile)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if gotInode != tt.wantInode || gotPos != tt.wantPos {
				t.Errorf("got %d/%d, want %d/%d", gotInode, gotPos, tt.wantInode, tt.wantPos)
			}
		})
	}
}
