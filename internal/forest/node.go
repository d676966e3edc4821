package forest

import (
	"fmt"
	"meqserver/internal/meq"
	"meqserver/internal/record"
	"time"
)

func (node *Node) Forest() *Forest      { return node.forest }
func (node *Node) Index() int           { return node.index }
func (node *Node) Name() string         { return node.name }
func (node *Node) ClassName() string    { return node.className }
func (node *Node) Class() Class         { return node.class }
func (node *Node) Initialized() bool    { return node.initialized }
func (node *Node) NumChildren() int     { return len(node.children) }
func (node *Node) Child(i int) *Node    { return node.children[i] }
func (node *Node) Spec() record.Record  { return node.spec }
func (node *Node) ExecState() int       { return int(node.execState.Load()) }
func (node *Node) Children() []*Node    { return append([]*Node(nil), node.children...) }
func (node *Node) ChildNames() []string { return append([]string(nil), node.childNames...) }
func (node *Node) String() string {
	return fmt.Sprintf("%s(%s#%d)", node.name, node.className, node.index)
}
func (node *Node) DependMask() meq.DepMask {
	node.stateMu.Lock()
	defer node.stateMu.Unlock()
	return node.depend
}

// Enables or disables polling of child i
func (node *Node) SetChildEnabled(i int, enabled bool) {
	node.childDisabled[i] = !enabled
}

func (node *Node) ChildEnabled(i int) bool { return !node.childDisabled[i] }

func (node *Node) EnableAllChildren() {
	for i := range node.childDisabled {
		node.childDisabled[i] = false
	}
}

// Execution state plus control flags
func (node *Node) ControlStatus() (status int) {
	status = node.ExecState()
	node.stateMu.Lock()
	if node.cache.valid {
		status |= CSCached
	}
	if node.publishing > 0 {
		status |= CSPublishing
	}
	node.stateMu.Unlock()
	if node.initialized {
		status |= CSInitialized
	}
	if status&(CSRequest|CSPolling|CSEvaluating) != 0 {
		status |= CSActive
	}
	node.forest.debugMu.Lock()
	if node.forest.stopped != nil && node.forest.stopped.Index == node.index {
		status |= CSStopped
	}
	node.forest.debugMu.Unlock()
	return
}

// Externally visible state record
func (node *Node) GetState() (rec record.Record) {
	node.stateMu.Lock()
	rec = node.state.Clone()
	rec["name"] = node.name
	rec["class"] = node.className
	rec["nodeindex"] = node.index
	rec["children"] = append([]string(nil), node.childNames...)
	childIndices := make([]int, 0, len(node.children))
	for _, child := range node.children {
		childIndices = append(childIndices, child.index)
	}
	rec["child_indices"] = childIndices
	rec["cache_policy"] = node.cachePolicy.String()
	rec["publishing_level"] = node.publishing
	rec["breakpoints"] = node.breakpoints
	rec["dep_mask"] = int(node.depend)
	if node.cache.valid {
		rec["cache"] = record.Record{
			"request_id":  node.cache.id.String(),
			"result_code": node.cache.code,
			"code_text":   meq.CodeString(node.cache.code),
		}
	}
	node.stateMu.Unlock()

	rec["control_status"] = node.ControlStatus()
	rec["profiling"] = node.profile()
	if handler, ok := node.class.(StateHandler); ok {
		handler.FillState(node, rec)
	}
	return
}

// Applies generic and class-specific state fields. The forest serial moves
// only when the stored state actually changed.
func (node *Node) SetState(rec record.Record) (err error) {
	node.stateMu.Lock()
	before, digestErr := node.state.Digest()

	update := rec.Clone()
	for _, readOnly := range []string{"name", "class", "nodeindex", "children", "child_indices", "control_status", "profiling", "cache"} {
		delete(update, readOnly)
	}

	if text := update.String("cache_policy", ""); text != "" {
		var policy CachePolicy
		policy, err = ParseCachePolicy(text)
		if err != nil {
			node.stateMu.Unlock()
			return
		}
		node.cachePolicy = policy
		if policy == CacheNever {
			node.cache = cacheEntry{}
		}
	}
	if update.Has("publishing_level") {
		node.publishing = update.Int("publishing_level", 0)
	}
	if update.Has("breakpoints") {
		node.breakpoints = update.Int("breakpoints", 0) & CSAll
	}
	if update.Has("dep_mask") {
		node.depend = meq.DepMask(update.Int("dep_mask", 0))
		if depender, ok := node.class.(Depender); ok {
			node.depend |= depender.DependMask()
		}
		node.cache = cacheEntry{}
	}
	node.stateMu.Unlock()

	if handler, ok := node.class.(StateHandler); ok {
		err = handler.ApplyState(node, update)
		if err != nil {
			err = fmt.Errorf("node %s rejected state: %w", node.name, err)
			return
		}
	}

	node.stateMu.Lock()
	node.state.Merge(update)
	after, afterErr := node.state.Digest()
	node.stateMu.Unlock()

	if digestErr != nil || afterErr != nil || before != after {
		node.forest.serial.Add(1)
	}
	return
}

// Drops the cached result, optionally for the whole subtree
func (node *Node) ClearCache(recursive bool) {
	node.stateMu.Lock()
	node.cache = cacheEntry{}
	node.stateMu.Unlock()
	if !recursive {
		return
	}
	for _, child := range node.children {
		child.ClearCache(true)
	}
}

func (node *Node) CachedResult() (result *meq.Result, id meq.RequestID, code int, ok bool) {
	node.stateMu.Lock()
	defer node.stateMu.Unlock()
	if !node.cache.valid {
		return
	}
	result, id, code, ok = node.cache.result, node.cache.id, node.cache.code, true
	return
}

func (node *Node) SetPublishing(level int) {
	node.stateMu.Lock()
	node.publishing = level
	node.stateMu.Unlock()
	node.forest.serial.Add(1)
}

func (node *Node) PublishingLevel() int {
	node.stateMu.Lock()
	defer node.stateMu.Unlock()
	return node.publishing
}

// Breakpoint on the given execution states; one-shot breakpoints clear when hit
func (node *Node) SetBreakpoint(mask int, oneShot bool) {
	node.stateMu.Lock()
	defer node.stateMu.Unlock()
	if oneShot {
		node.oneShot |= mask & CSAll
		return
	}
	node.breakpoints |= mask & CSAll
}

func (node *Node) ClearBreakpoint(mask int, oneShot bool) {
	node.stateMu.Lock()
	defer node.stateMu.Unlock()
	if oneShot {
		node.oneShot &^= mask
		return
	}
	node.breakpoints &^= mask
}

func (node *Node) profile() (rec record.Record) {
	rec = record.Record{
		"executes":   node.executes.Load(),
		"cache_hits": node.cacheHits.Load(),
		"waits":      node.waits.Load(),
		"fails":      node.fails.Load(),
	}
	if node.timed.Load() == 0 {
		return
	}
	calc := node.timer.Calc()
	rec["time_avg"] = calc.Time.Avg.String()
	rec["time_min"] = calc.Time.Min.String()
	rec["time_p95"] = calc.Time.P95.String()
	rec["time_max"] = calc.Time.Max.String()
	return
}

func (node *Node) recordTime(started time.Time) {
	node.timer.AddTime(time.Since(started))
	node.timed.Add(1)
}
