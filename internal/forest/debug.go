package forest

import (
	"meqserver/internal/global"
	"meqserver/internal/logctx"
)

// Records a state transition and blocks at a matching breakpoint until the
// debugger releases it. Returns false if execution was aborted meanwhile.
func (node *Node) enterState(state int) (proceed bool) {
	node.execState.Store(int32(state))
	forest := node.forest

	node.stateMu.Lock()
	nodeMask := node.breakpoints
	oneShot := node.oneShot
	node.stateMu.Unlock()

	forest.debugMu.Lock()

	// Another node is stopped; queue behind it
	for forest.stopped != nil && !forest.Aborted() {
		forest.debugCond.Wait()
	}
	if forest.Aborted() {
		forest.debugMu.Unlock()
		return
	}

	stop := (nodeMask|oneShot|forest.breakpoints)&state != 0
	switch forest.stepMode {
	case stepSingle:
		stop = true
	case stepNext:
		if forest.stepFrom != node {
			stop = true
		}
	}
	if !stop {
		forest.debugMu.Unlock()
		proceed = true
		return
	}

	if oneShot&state != 0 {
		node.stateMu.Lock()
		node.oneShot &^= state
		node.stateMu.Unlock()
	}

	event := &DebugEvent{Node: node.name, Index: node.index, State: state}
	forest.stopped = event
	forest.stepMode = stepNone
	forest.stepFrom = node
	forest.Metrics.Breakpoints.Add(1)
	forest.debugMu.Unlock()

	logctx.LogEvent(forest.ctx, global.VerbosityProgress, global.InfoLog,
		"stopped at node %s in state %#x\n", node.name, state)

	forest.listenerMu.RLock()
	listener := forest.debugListener
	forest.listenerMu.RUnlock()
	if listener != nil {
		listener(*event)
	}

	forest.debugMu.Lock()
	for forest.stopped == event && !forest.Aborted() {
		forest.debugCond.Wait()
	}
	proceed = !forest.Aborted()
	forest.debugMu.Unlock()
	return
}

// Stopped node, if execution is halted at a breakpoint
func (forest *Forest) Stopped() (event DebugEvent, stopped bool) {
	forest.debugMu.Lock()
	defer forest.debugMu.Unlock()
	if forest.stopped != nil {
		event, stopped = *forest.stopped, true
	}
	return
}

// Resumes until the next breakpoint
func (forest *Forest) Continue() {
	forest.release(stepNone)
}

// Resumes and stops again at the next state change of any node
func (forest *Forest) Step() {
	forest.release(stepSingle)
}

// Resumes and stops again when a different node changes state
func (forest *Forest) Next() {
	forest.release(stepNext)
}

func (forest *Forest) release(mode int) {
	forest.debugMu.Lock()
	defer forest.debugMu.Unlock()
	forest.stepMode = mode
	forest.stopped = nil
	forest.debugCond.Broadcast()
}

// Forest-wide breakpoint over execution states of every node
func (forest *Forest) SetBreakpoint(mask int) {
	forest.debugMu.Lock()
	defer forest.debugMu.Unlock()
	forest.breakpoints |= mask & CSAll
}

func (forest *Forest) ClearBreakpoint(mask int) {
	forest.debugMu.Lock()
	defer forest.debugMu.Unlock()
	forest.breakpoints &^= mask
}

func (forest *Forest) Breakpoints() int {
	forest.debugMu.Lock()
	defer forest.debugMu.Unlock()
	return forest.breakpoints
}
