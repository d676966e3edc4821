// Computation DAG of named nodes with request caching and breakpoint debugging
package forest

import (
	"context"
	"errors"
	"fmt"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/meq"
	"meqserver/internal/record"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/jamiealquiza/tachymeter"
	"golang.org/x/sync/semaphore"
)

func New(ctx context.Context, cfg Config) (forest *Forest) {
	if cfg.AsyncWorkers <= 0 {
		cfg.AsyncWorkers = global.DefaultAsyncWorkers
	}
	forest = &Forest{
		ctx:       logctx.AppendCtxTag(ctx, global.NSForest),
		cfg:       cfg,
		nodes:     make(map[int]*Node),
		byName:    make(map[string]*Node),
		nextIndex: 1,
		classes:   make(map[string]Factory),
		sem:       semaphore.NewWeighted(int64(cfg.AsyncWorkers)),
		Metrics:   &MetricStorage{},
	}
	forest.debugCond = sync.NewCond(&forest.debugMu)
	registerBuiltins(forest)
	return
}

func (forest *Forest) Context() context.Context { return forest.ctx }

// Adds a class to the registry (replacing any previous factory of that name)
func (forest *Forest) RegisterClass(name string, factory Factory) {
	forest.mu.Lock()
	defer forest.mu.Unlock()
	forest.classes[name] = factory
}

func (forest *Forest) Classes() (names []string) {
	forest.mu.RLock()
	defer forest.mu.RUnlock()
	for name := range forest.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

// Creates a node from an init record. Children are linked later by InitAll.
func (forest *Forest) Create(spec record.Record) (index int, node *Node, err error) {
	className := spec.String("class", "")

	forest.mu.Lock()
	defer forest.mu.Unlock()

	factory, ok := forest.classes[className]
	if !ok {
		err = fmt.Errorf("%w '%s'", ErrUnknownClass, className)
		return
	}
	if forest.cfg.MaxNodes > 0 && len(forest.nodes) >= forest.cfg.MaxNodes {
		err = ErrForestFull
		return
	}

	index = forest.nextIndex
	name := spec.String("name", "")
	if name == "" {
		name = fmt.Sprintf("%s_%d", strings.ToLower(strings.TrimPrefix(className, "Meq")), index)
	}
	if _, exists := forest.byName[name]; exists {
		err = fmt.Errorf("%w: '%s'", ErrDuplicateName, name)
		index = 0
		return
	}

	policy := forest.cfg.CachePolicy
	if text := spec.String("cache_policy", ""); text != "" {
		policy, err = ParseCachePolicy(text)
		if err != nil {
			index = 0
			return
		}
	}

	node = &Node{
		forest:      forest,
		index:       index,
		name:        name,
		className:   className,
		class:       factory(),
		spec:        spec.Clone(),
		childNames:  spec.Strings("children"),
		state:       spec.Clone(),
		cachePolicy: policy,
		publishing:  spec.Int("publishing_level", 0),
		asyncPoll:   spec.Bool("async_poll", false),
		breakpoints: spec.Int("breakpoints", 0),
		timer:       tachymeter.New(&tachymeter.Config{Size: 256}),
	}
	node.state["name"] = name

	forest.nextIndex++
	forest.nodes[index] = node
	forest.byName[name] = node
	forest.serial.Add(1)

	logctx.LogEvent(forest.ctx, global.VerbosityData, global.InfoLog,
		"created node %s (%s) at index %d\n", name, className, index)
	return
}

// Resolves children of every uninitialized node and runs class init.
// Nodes failing init stay uninitialized; all failures are returned joined.
func (forest *Forest) InitAll() (err error) {
	forest.mu.Lock()
	var pending []*Node
	for _, node := range forest.nodes {
		if !node.initialized {
			pending = append(pending, node)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].index < pending[j].index })

	var errs []error
	var linked []*Node
	for _, node := range pending {
		children := make([]*Node, 0, len(node.childNames))
		var missing []string
		for _, childName := range node.childNames {
			child, ok := forest.byName[childName]
			if !ok {
				missing = append(missing, childName)
				continue
			}
			children = append(children, child)
		}
		if len(missing) > 0 {
			errs = append(errs, fmt.Errorf("node %s: unresolved children %v: %w", node.name, missing, ErrNoSuchNode))
			continue
		}
		node.children = children
		node.childDisabled = make([]bool, len(children))
		linked = append(linked, node)
	}
	if cycleErr := forest.checkCycles(); cycleErr != nil {
		errs = append(errs, cycleErr)
		linked = nil
	}
	forest.mu.Unlock()

	for _, node := range linked {
		initErr := node.class.Init(node, node.spec)
		if initErr != nil {
			errs = append(errs, fmt.Errorf("node %s: init failed: %w", node.name, initErr))
			continue
		}
		node.stateMu.Lock()
		node.depend = meq.DepMask(node.spec.Int("dep_mask", 0))
		if depender, ok := node.class.(Depender); ok {
			node.depend |= depender.DependMask()
		}
		node.stateMu.Unlock()
		node.initialized = true
	}
	if len(linked) > 0 {
		forest.serial.Add(1)
	}

	err = errors.Join(errs...)
	if err != nil {
		logctx.LogEvent(forest.ctx, global.VerbosityStandard, global.ErrorLog, "forest init: %v\n", err)
	}
	return
}

func (forest *Forest) checkCycles() (err error) {
	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[*Node]int, len(forest.nodes))
	var visit func(node *Node) bool
	visit = func(node *Node) bool {
		switch color[node] {
		case visiting:
			return false
		case done:
			return true
		}
		color[node] = visiting
		for _, child := range node.children {
			if !visit(child) {
				err = fmt.Errorf("%w through node %s", ErrCycle, node.name)
				return false
			}
		}
		color[node] = done
		return true
	}
	for _, node := range forest.nodes {
		if !visit(node) {
			return
		}
	}
	return
}

func (forest *Forest) Get(index int) (node *Node, err error) {
	forest.mu.RLock()
	defer forest.mu.RUnlock()
	node, ok := forest.nodes[index]
	if !ok {
		err = fmt.Errorf("%w: index %d", ErrNoSuchNode, index)
	}
	return
}

func (forest *Forest) GetByName(name string) (node *Node, err error) {
	forest.mu.RLock()
	defer forest.mu.RUnlock()
	node, ok := forest.byName[name]
	if !ok {
		err = fmt.Errorf("%w: '%s'", ErrNoSuchNode, name)
	}
	return
}

// Resolves a node from a command record carrying "nodeindex" or "name"
func (forest *Forest) Lookup(rec record.Record) (node *Node, err error) {
	if index := rec.Int("nodeindex", 0); index > 0 {
		node, err = forest.Get(index)
		return
	}
	name := rec.String("name", "")
	if name == "" {
		err = fmt.Errorf("%w: neither nodeindex nor name given", ErrNoSuchNode)
		return
	}
	node, err = forest.GetByName(name)
	return
}

func (forest *Forest) FindIndex(name string) (index int) {
	forest.mu.RLock()
	defer forest.mu.RUnlock()
	if node, ok := forest.byName[name]; ok {
		index = node.index
	}
	return
}

// All nodes ordered by index
func (forest *Forest) Nodes() (nodes []*Node) {
	forest.mu.RLock()
	defer forest.mu.RUnlock()
	nodes = make([]*Node, 0, len(forest.nodes))
	for _, node := range forest.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].index < nodes[j].index })
	return
}

func (forest *Forest) Len() int {
	forest.mu.RLock()
	defer forest.mu.RUnlock()
	return len(forest.nodes)
}

// Deletes a node. Nodes still referenced as a child are refused.
func (forest *Forest) Remove(index int) (err error) {
	forest.mu.Lock()
	defer forest.mu.Unlock()

	node, ok := forest.nodes[index]
	if !ok {
		err = fmt.Errorf("%w: index %d", ErrNoSuchNode, index)
		return
	}
	for _, other := range forest.nodes {
		if other == node {
			continue
		}
		if slices.Contains(other.children, node) || slices.Contains(other.childNames, node.name) {
			err = fmt.Errorf("%w: %s is used by %s", ErrNodeReferenced, node.name, other.name)
			return
		}
	}
	delete(forest.nodes, index)
	delete(forest.byName, node.name)
	forest.serial.Add(1)

	logctx.LogEvent(forest.ctx, global.VerbosityData, global.InfoLog, "deleted node %s (index %d)\n", node.name, index)
	return
}

// Removes every node. Indices are not reused afterwards.
func (forest *Forest) Clear() {
	forest.mu.Lock()
	defer forest.mu.Unlock()
	forest.nodes = make(map[int]*Node)
	forest.byName = make(map[string]*Node)
	forest.serial.Add(1)
	logctx.LogEvent(forest.ctx, global.VerbosityProgress, global.InfoLog, "forest cleared\n")
}

// Change counter; clients holding node lists refresh when it moves
func (forest *Forest) Serial() uint64 { return forest.serial.Load() }
func (forest *Forest) BumpSerial()    { forest.serial.Add(1) }

// Sets the abort flag and releases anything blocked at a breakpoint
func (forest *Forest) Abort() {
	forest.aborted.Store(true)
	forest.debugMu.Lock()
	forest.stopped = nil
	forest.stepMode = stepNone
	forest.debugCond.Broadcast()
	forest.debugMu.Unlock()
	logctx.LogEvent(forest.ctx, global.VerbosityProgress, global.WarnLog, "execution abort requested\n")
}

func (forest *Forest) ResetAbort()   { forest.aborted.Store(false) }
func (forest *Forest) Aborted() bool { return forest.aborted.Load() }

func (forest *Forest) SetDebugListener(listener func(DebugEvent)) {
	forest.listenerMu.Lock()
	defer forest.listenerMu.Unlock()
	forest.debugListener = listener
}

func (forest *Forest) SetPublisher(publisher func(ResultEvent)) {
	forest.listenerMu.Lock()
	defer forest.listenerMu.Unlock()
	forest.publisher = publisher
}

// Forest-level state record
func (forest *Forest) State() (rec record.Record) {
	forest.debugMu.Lock()
	breakpoints := forest.breakpoints
	var stopped record.Record
	if forest.stopped != nil {
		stopped = record.Record{
			"name":      forest.stopped.Node,
			"nodeindex": forest.stopped.Index,
			"state":     forest.stopped.State,
		}
	}
	forest.debugMu.Unlock()

	forest.mu.RLock()
	policy := forest.cfg.CachePolicy
	forest.mu.RUnlock()

	rec = record.Record{
		"serial":        forest.Serial(),
		"node_count":    forest.Len(),
		"breakpoints":   breakpoints,
		"abort":         forest.Aborted(),
		"async_workers": forest.cfg.AsyncWorkers,
		"cache_policy":  policy.String(),
		"classes":       forest.Classes(),
	}
	if stopped != nil {
		rec["stopped"] = stopped
	}
	return
}

// Applies forest-level settings: breakpoints, cache_policy (default for new nodes)
func (forest *Forest) SetState(rec record.Record) (err error) {
	if text := rec.String("cache_policy", ""); text != "" {
		var policy CachePolicy
		policy, err = ParseCachePolicy(text)
		if err != nil {
			return
		}
		forest.mu.Lock()
		forest.cfg.CachePolicy = policy
		forest.mu.Unlock()
	}
	if rec.Has("breakpoints") {
		forest.debugMu.Lock()
		forest.breakpoints = rec.Int("breakpoints", 0) & CSAll
		forest.debugMu.Unlock()
	}
	forest.serial.Add(1)
	return
}
