package vis

import (
	"context"
	"errors"
	"fmt"
	"meqserver/internal/forest"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/meq"
	"meqserver/internal/record"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
)

var (
	ErrOutOfSequence = errors.New("stream event out of sequence")
	ErrNoMux         = errors.New("forest has no initialized " + ClassMux + " node")
	ErrIncomplete    = errors.New("stream ended without footer")
)

type streamState int

const (
	awaitingHeader streamState = iota
	streaming
)

// Counters for the current or last stream
type StreamStats struct {
	DataEvents   uint64
	Snippets     uint64
	TilesWritten uint64
	Errors       uint64
}

type handlerNode struct {
	node    *forest.Node
	handler Handler
	child   int // Index among the mux children, -1 when not a child
}

// Turns a HEADER, DATA*, FOOTER tile stream into one request per tile
// sequence number. Tiles with the same sequence number form a snippet;
// at each snippet boundary the sinks that received tiles are polled in
// parallel and every tile they updated is passed to the writer.
type Mux struct {
	node        *forest.Node
	preName     string
	postName    string
	pre         int
	post        int
	waitRetries int

	mu       sync.Mutex
	ctx      context.Context
	writer   TileWriter
	handlers map[DataID][]handlerNode
	header   *Header
	state    streamState

	rqid      meq.RequestID
	req       *meq.Request
	seq       int
	inSnippet bool

	snippetSinks mapset.Set[int]
	sinkTiles    map[int]*Tile
	errs         []error

	stats       StreamStats
	emptyStream bool

	Metrics MetricStorage
}

func (class *Mux) Init(node *forest.Node, spec record.Record) (err error) {
	class.node = node
	class.ctx = logctx.AppendCtxTags(node.Forest().Context(), global.NSMux, node.Name())
	class.preName = spec.String("pre", "")
	class.postName = spec.String("post", "")
	class.waitRetries = spec.Int("wait_retries", 3)
	class.pre, class.post = -1, -1
	class.rqid = meq.NewRequestID(0, 0, 0)

	children := node.ChildNames()
	for i, name := range children {
		switch name {
		case class.preName:
			class.pre = i
		case class.postName:
			class.post = i
		}
	}
	if class.preName != "" && class.pre < 0 {
		err = fmt.Errorf("mux %s: pre node %s is not a child", node.Name(), class.preName)
	} else if class.postName != "" && class.post < 0 {
		err = fmt.Errorf("mux %s: post node %s is not a child", node.Name(), class.postName)
	}
	return
}

// Direct execution polls every child with the given request
func (class *Mux) GetResult(node *forest.Node, req *meq.Request, children []*meq.Result) (result *meq.Result, code int, err error) {
	result = meq.NewResult(req.Cells)
	return
}

func (class *Mux) FillState(node *forest.Node, rec record.Record) {
	class.mu.Lock()
	defer class.mu.Unlock()
	rec["request_id"] = class.rqid.String()
	rec["streaming"] = class.state == streaming
	rec["data_events"] = class.stats.DataEvents
	rec["snippets"] = class.stats.Snippets
	rec["tiles_written"] = class.stats.TilesWritten
	rec["empty_stream"] = class.emptyStream
}

func (class *Mux) ApplyState(node *forest.Node, rec record.Record) error { return nil }

// Finds the mux node of an initialized forest
func Find(f *forest.Forest) (mux *Mux, err error) {
	for _, node := range f.Nodes() {
		candidate, ok := node.Class().(*Mux)
		if ok && node.Initialized() {
			mux = candidate
			return
		}
	}
	err = ErrNoMux
	return
}

func (class *Mux) Node() *forest.Node { return class.node }

func (class *Mux) SetWriter(writer TileWriter) {
	class.mu.Lock()
	class.writer = writer
	class.mu.Unlock()
}

// True when the last completed stream carried no DATA events
func (class *Mux) EmptyStream() bool {
	class.mu.Lock()
	defer class.mu.Unlock()
	return class.emptyStream
}

func (class *Mux) Stats() StreamStats {
	class.mu.Lock()
	defer class.mu.Unlock()
	return class.stats
}

func (class *Mux) RequestID() meq.RequestID {
	class.mu.Lock()
	defer class.mu.Unlock()
	return class.rqid.Clone()
}

// Indexes every initialized handler node by data id
func (class *Mux) registerHandlers() {
	childIndex := map[*forest.Node]int{}
	for i, child := range class.node.Children() {
		childIndex[child] = i
	}

	class.handlers = map[DataID][]handlerNode{}
	for _, node := range class.node.Forest().Nodes() {
		handler, ok := node.Class().(Handler)
		if !ok || !node.Initialized() {
			continue
		}
		entry := handlerNode{node: node, handler: handler, child: -1}
		if i, isChild := childIndex[node]; isChild {
			entry.child = i
		}
		class.handlers[handler.DataID()] = append(class.handlers[handler.DataID()], entry)
	}
}

func (class *Mux) eachHandler(fn func(entry handlerNode)) {
	for _, entries := range class.handlers {
		for _, entry := range entries {
			fn(entry)
		}
	}
}

func (class *Mux) flushErrors() (err error) {
	class.stats.Errors += uint64(len(class.errs))
	err = errors.Join(class.errs...)
	class.errs = nil
	return
}

// Starts a stream: adds any column a sink writes to the header, hands it to
// every handler and the writer
func (class *Mux) DeliverHeader(header *Header) (err error) {
	class.mu.Lock()
	defer class.mu.Unlock()

	if class.state != awaitingHeader {
		err = fmt.Errorf("%w: header received inside a stream", ErrOutOfSequence)
		return
	}
	class.Metrics.Headers.Add(1)
	class.registerHandlers()

	out := header.Clone()
	if out.Columns == nil {
		out.Columns = map[string]ColumnType{}
	}
	class.eachHandler(func(entry handlerNode) {
		writer, ok := entry.handler.(ColumnWriter)
		if !ok {
			return
		}
		for name, typ := range writer.OutputColumns() {
			if _, exists := out.Columns[name]; exists {
				continue
			}
			out.Columns[name] = typ
			logctx.LogEvent(class.ctx, global.VerbosityProgress, global.InfoLog,
				"adding output column %s (%s) for %s\n", name, typ, entry.node.Name())
		}
	})

	class.header = out
	class.rqid = class.rqid.IncrSubID(meq.LevelDataset)
	class.state = streaming
	class.inSnippet = false
	class.stats = StreamStats{}
	class.snippetSinks = mapset.NewThreadUnsafeSet[int]()
	class.sinkTiles = map[int]*Tile{}

	class.eachHandler(func(entry handlerNode) {
		if err := entry.handler.DeliverHeader(entry.node, out); err != nil {
			class.errs = append(class.errs, err)
		}
	})
	if class.writer != nil {
		if err := class.writer.WriteHeader(class.ctx, out); err != nil {
			class.errs = append(class.errs, err)
		}
	}
	logctx.LogEvent(class.ctx, global.VerbosityProgress, global.InfoLog,
		"stream started: %d correlations, %d channels, dataset %s\n",
		len(out.Correlations), len(out.Freqs), class.rqid)
	err = class.flushErrors()
	return
}

// Routes one tile to its handlers. A change of sequence number closes the
// current snippet first; errors accumulated by that snippet are returned.
func (class *Mux) DeliverTile(tile *Tile) (err error) {
	class.mu.Lock()
	defer class.mu.Unlock()

	if class.state != streaming {
		err = fmt.Errorf("%w: tile %d before header", ErrOutOfSequence, tile.Seq)
		return
	}
	if class.node.Forest().Aborted() {
		class.abandon("execution aborted")
		err = forest.ErrAborted
		return
	}
	class.stats.DataEvents++
	class.Metrics.DataEvents.Add(1)

	if verr := tile.Validate(); verr != nil {
		class.errs = append(class.errs, verr)
		class.Metrics.TileErrors.Add(1)
		return
	}
	if tile.NFreq != len(class.header.Freqs) {
		class.errs = append(class.errs, fmt.Errorf("tile %d (%s) has %d channels, header has %d",
			tile.Seq, tile.DataID(), tile.NFreq, len(class.header.Freqs)))
		class.Metrics.TileErrors.Add(1)
		return
	}

	if class.inSnippet && tile.Seq != class.seq {
		if tile.Seq < class.seq {
			class.errs = append(class.errs, fmt.Errorf("%w: tile %d after tile %d", ErrOutOfSequence, tile.Seq, class.seq))
			class.Metrics.TileErrors.Add(1)
			return
		}
		class.endSnippet()
		err = class.flushErrors()
		if class.node.Forest().Aborted() {
			class.abandon("execution aborted")
			return
		}
	}
	if !class.inSnippet {
		class.startSnippet(tile)
	}

	for _, entry := range class.handlers[tile.DataID()] {
		if herr := entry.handler.DeliverTile(entry.node, class.req, tile); herr != nil {
			class.errs = append(class.errs, herr)
			continue
		}
		if entry.child >= 0 {
			class.snippetSinks.Add(entry.child)
			class.sinkTiles[entry.child] = tile
		}
	}
	return
}

func (class *Mux) startSnippet(tile *Tile) {
	class.rqid = class.rqid.IncrSubID(meq.LevelDomain)
	class.req = meq.NewRequest(class.rqid.Clone(), meq.NewCells(tile.Times, class.header.Freqs))
	class.seq = tile.Seq
	class.inSnippet = true
	class.Metrics.Snippets.Add(1)

	logctx.LogEvent(class.ctx, global.VerbosityData, global.InfoLog,
		"snippet %d started as request %s\n", tile.Seq, class.rqid)

	if class.pre >= 0 {
		class.pollSync(class.pre, "pre-processing")
	}
}

// Polls one child on the stream goroutine, recording failures
func (class *Mux) pollSync(index int, role string) {
	child := class.node.Child(index)
	result, code := child.Execute(class.req)
	switch {
	case code&meq.ResAbort != 0:
		class.errs = append(class.errs, fmt.Errorf("%s node %s: %w", role, child.Name(), forest.ErrAborted))
	case code&meq.ResFail != 0:
		class.errs = append(class.errs, fmt.Errorf("%s node %s failed: %s", role, child.Name(), result))
	case code&meq.ResWait != 0:
		class.errs = append(class.errs, fmt.Errorf("%s node %s returned wait", role, child.Name()))
	}
}

// Polls the sinks that received tiles in this snippet and writes out every
// tile once all of its sinks have replied and at least one updated it
func (class *Mux) endSnippet() {
	class.inSnippet = false
	class.stats.Snippets++
	class.Metrics.SnippetsEnded.Add(1)
	node := class.node
	defer func() {
		node.EnableAllChildren()
		class.snippetSinks.Clear()
		clear(class.sinkTiles)
	}()

	if class.post >= 0 {
		class.pollSync(class.post, "post-processing")
	}

	pending := map[*Tile]int{}
	updated := mapset.NewThreadUnsafeSet[*Tile]()
	class.snippetSinks.Each(func(child int) bool {
		pending[class.sinkTiles[child]]++
		return false
	})

	finishTile := func(tile *Tile) {
		pending[tile]--
		if pending[tile] > 0 || !updated.Contains(tile) {
			return
		}
		if class.writer == nil {
			return
		}
		if err := class.writer.WriteTile(class.ctx, tile); err != nil {
			class.errs = append(class.errs, err)
			return
		}
		class.stats.TilesWritten++
		class.Metrics.TilesWritten.Add(1)
	}

	polling := class.snippetSinks.Clone()
	for round := 0; polling.Cardinality() > 0; round++ {
		if node.Forest().Aborted() {
			class.errs = append(class.errs, fmt.Errorf("snippet %d: %w", class.seq, forest.ErrAborted))
			return
		}
		for i := 0; i < node.NumChildren(); i++ {
			node.SetChildEnabled(i, polling.Contains(i))
		}

		waiting := mapset.NewThreadUnsafeSet[int]()
		poll := node.StartAsyncPoll(class.req)
		for {
			reply, ok := poll.Await()
			if !ok {
				break
			}
			tile := class.sinkTiles[reply.Index]
			sink := node.Child(reply.Index)
			switch {
			case reply.Code&meq.ResAbort != 0:
				class.errs = append(class.errs, fmt.Errorf("sink %s: %w", sink.Name(), forest.ErrAborted))
			case reply.Code&meq.ResWait != 0 && round < class.waitRetries:
				class.Metrics.SinkWaits.Add(1)
				waiting.Add(reply.Index)
				continue
			case reply.Code&meq.ResWait != 0:
				class.errs = append(class.errs, fmt.Errorf("sink %s still waiting after %d retries", sink.Name(), class.waitRetries))
			case reply.Code&meq.ResFail != 0:
				class.Metrics.TileErrors.Add(1)
				class.errs = append(class.errs, fmt.Errorf("sink %s failed on tile %d: %s", sink.Name(), tile.Seq, reply.Result))
			case reply.Code&meq.ResUpdated != 0:
				updated.Add(tile)
			}
			finishTile(tile)
		}
		polling = waiting
	}
}

// Ends the stream. Closes the open snippet, flags an empty stream, passes
// the footer on and returns everything accumulated since the last
// checkpoint.
func (class *Mux) DeliverFooter(footer *Footer) (err error) {
	class.mu.Lock()
	defer class.mu.Unlock()

	if class.state != streaming {
		err = fmt.Errorf("%w: footer without header", ErrOutOfSequence)
		return
	}
	if class.inSnippet {
		class.endSnippet()
	}

	class.emptyStream = class.stats.DataEvents == 0
	if class.emptyStream {
		class.Metrics.EmptyStreams.Add(1)
		logctx.LogEvent(class.ctx, global.VerbosityStandard, global.WarnLog,
			"input stream was empty\n")
	}
	if footer == nil {
		footer = &Footer{}
	}
	if footer.Record == nil {
		footer.Record = record.Record{}
	}
	footer.Record["empty"] = class.emptyStream

	class.eachHandler(func(entry handlerNode) {
		if err := entry.handler.DeliverFooter(entry.node, footer); err != nil {
			class.errs = append(class.errs, err)
		}
	})
	if class.writer != nil {
		if err := class.writer.WriteFooter(class.ctx, footer); err != nil {
			class.errs = append(class.errs, err)
		}
	}
	class.state = awaitingHeader

	logctx.LogEvent(class.ctx, global.VerbosityStandard, global.InfoLog,
		"stream finished: %s data events, %s snippets, %s tiles written\n",
		humanize.Comma(int64(class.stats.DataEvents)),
		humanize.Comma(int64(class.stats.Snippets)),
		humanize.Comma(int64(class.stats.TilesWritten)))
	err = class.flushErrors()
	return
}

// Drops an unfinished stream so the next header starts clean. Used when the
// input stops before its footer. Reports whether a stream was open.
func (class *Mux) Abandon(reason string) (open bool) {
	class.mu.Lock()
	defer class.mu.Unlock()
	open = class.state == streaming
	if open {
		class.abandon(reason)
	}
	return
}

func (class *Mux) abandon(reason string) {
	class.Metrics.StreamsAbandoned.Add(1)
	class.stats.Errors += uint64(len(class.errs))
	class.errs = nil

	dropped := 0
	if class.inSnippet {
		dropped = class.snippetSinks.Cardinality()
	}
	class.inSnippet = false
	class.req = nil
	if class.snippetSinks != nil {
		class.snippetSinks.Clear()
	}
	clear(class.sinkTiles)
	class.node.EnableAllChildren()

	class.eachHandler(func(entry handlerNode) {
		resetter, ok := entry.handler.(streamResetter)
		if ok {
			resetter.ResetStream(entry.node)
		}
	})
	class.header = nil
	class.state = awaitingHeader

	logctx.LogEvent(class.ctx, global.VerbosityStandard, global.WarnLog,
		"stream abandoned (%s) after %s data events, %d sinks left unpolled\n",
		reason, humanize.Comma(int64(class.stats.DataEvents)), dropped)
}
