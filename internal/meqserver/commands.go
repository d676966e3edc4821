package meqserver

import (
	"context"
	"errors"
	"fmt"
	"meqserver/internal/forest"
	"meqserver/internal/meq"
	"meqserver/internal/record"
	"os"
	"strings"
)

func (srv *Server) registerCommands() {
	// Serialized on the exec goroutine
	srv.register("Create.Node", true, srv.createNode)
	srv.register("Delete.Node", true, srv.deleteNode)
	srv.register("Init.Node", true, srv.initNodes)
	srv.register("Node.Set.State", true, srv.setNodeState)
	srv.register("Node.Execute", true, srv.executeNode)
	srv.register("Node.Clear.Cache", true, srv.clearCache)
	srv.register("Set.Forest.State", true, srv.setForestState)
	srv.register("Clear.Forest", true, srv.clearForest)
	srv.register("Load.Forest.Script", true, srv.loadScript)
	srv.register("Stream.Run", true, srv.runStream)

	// Answered on the caller's goroutine, also while the exec goroutine is busy
	srv.register("Get.Node.List", false, srv.nodeList)
	srv.register("Node.Get.State", false, srv.getNodeState)
	srv.register("Node.Publish.Results", false, srv.publishResults)
	srv.register("Node.Set.Breakpoint", false, srv.setNodeBreakpoint)
	srv.register("Node.Clear.Breakpoint", false, srv.clearNodeBreakpoint)
	srv.register("Set.Forest.Breakpoint", false, srv.setForestBreakpoint)
	srv.register("Clear.Forest.Breakpoint", false, srv.clearForestBreakpoint)
	srv.register("Get.Forest.State", false, srv.getForestState)
	srv.register("Debug.Continue", false, srv.debugRelease(srv.forest.Continue))
	srv.register("Debug.Single.Step", false, srv.debugRelease(srv.forest.Step))
	srv.register("Debug.Next.Node", false, srv.debugRelease(srv.forest.Next))
	srv.register("Execute.Abort", false, srv.executeAbort)
	srv.register("Halt", false, srv.halt)
	srv.register("Get.Server.State", false, srv.serverState)
}

func nodeSummary(node *forest.Node) record.Record {
	return record.Record{
		"nodeindex":      node.Index(),
		"name":           node.Name(),
		"class":          node.ClassName(),
		"children":       node.ChildNames(),
		"control_status": node.ControlStatus(),
	}
}

// Node.* commands nest the state or request under a field; bare records are accepted too
func nested(args record.Record, field string) (rec record.Record) {
	rec = args.Record(field)
	if rec == nil {
		rec = args
	}
	return
}

func (srv *Server) createNode(ctx context.Context, args record.Record) (result record.Record, err error) {
	spec := nested(args, "spec")
	index, node, err := srv.forest.Create(spec)
	if err != nil {
		return
	}
	if args.Bool("init", false) {
		err = srv.forest.InitAll()
		if err != nil {
			err = fmt.Errorf("created node %s but init failed: %w", node.Name(), err)
			return
		}
	}
	result = record.Record{"nodeindex": index, "name": node.Name()}
	return
}

func (srv *Server) deleteNode(ctx context.Context, args record.Record) (result record.Record, err error) {
	node, err := srv.forest.Lookup(args)
	if err != nil {
		return
	}
	err = srv.forest.Remove(node.Index())
	if err != nil {
		return
	}
	result = record.Record{"nodeindex": node.Index(), "name": node.Name()}
	return
}

func (srv *Server) initNodes(ctx context.Context, args record.Record) (result record.Record, err error) {
	err = srv.forest.InitAll()
	if err != nil {
		return
	}
	result = record.Record{"node_count": srv.forest.Len()}
	return
}

func (srv *Server) setNodeState(ctx context.Context, args record.Record) (result record.Record, err error) {
	node, err := srv.forest.Lookup(args)
	if err != nil {
		return
	}
	err = node.SetState(nested(args, "state"))
	if err != nil {
		return
	}
	result = node.GetState()
	return
}

func (srv *Server) executeNode(ctx context.Context, args record.Record) (result record.Record, err error) {
	node, err := srv.forest.Lookup(args)
	if err != nil {
		return
	}
	if !node.Initialized() {
		err = fmt.Errorf("node %s: %w", node.Name(), forest.ErrNotInitialized)
		return
	}
	req, err := meq.RequestFromRecord(nested(args, "request"))
	if err != nil {
		err = fmt.Errorf("invalid request: %w", err)
		return
	}

	res, code := node.Execute(req)
	if code&meq.ResAbort != 0 {
		err = fmt.Errorf("node %s: %w", node.Name(), forest.ErrAborted)
		return
	}
	result = record.Record{
		"nodeindex":   node.Index(),
		"name":        node.Name(),
		"request_id":  req.ID.String(),
		"result_code": code,
		"code_text":   meq.CodeString(code),
		"result":      meq.ResultRecord(res),
	}
	return
}

func (srv *Server) clearCache(ctx context.Context, args record.Record) (result record.Record, err error) {
	node, err := srv.forest.Lookup(args)
	if err != nil {
		return
	}
	node.ClearCache(args.Bool("recursive", false))
	result = record.Record{"nodeindex": node.Index(), "name": node.Name()}
	return
}

func (srv *Server) setForestState(ctx context.Context, args record.Record) (result record.Record, err error) {
	err = srv.forest.SetState(nested(args, "state"))
	if err != nil {
		return
	}
	result = srv.forest.State()
	return
}

func (srv *Server) clearForest(ctx context.Context, args record.Record) (result record.Record, err error) {
	srv.forest.Clear()
	result = record.Record{"node_count": 0}
	return
}

// Loads a forest script given as a file path or inline text
func (srv *Server) loadScript(ctx context.Context, args record.Record) (result record.Record, err error) {
	var indices []int
	if path := args.String("path", ""); path != "" {
		var file *os.File
		file, err = os.Open(path)
		if err != nil {
			err = fmt.Errorf("failed to open forest script: %w", err)
			return
		}
		defer file.Close()
		indices, err = srv.forest.LoadScript(file)
	} else if text := args.String("script", ""); text != "" {
		indices, err = srv.forest.LoadScript(strings.NewReader(text))
	} else {
		err = errors.New("either path or script must be given")
		return
	}
	if err != nil {
		return
	}
	result = record.Record{"nodeindices": indices, "node_count": srv.forest.Len()}
	return
}

func (srv *Server) nodeList(ctx context.Context, args record.Record) (result record.Record, err error) {
	var nodes []any
	for _, node := range srv.forest.Nodes() {
		nodes = append(nodes, nodeSummary(node))
	}
	result = record.Record{"nodes": nodes, "serial": srv.forest.Serial()}
	return
}

func (srv *Server) getNodeState(ctx context.Context, args record.Record) (result record.Record, err error) {
	node, err := srv.forest.Lookup(args)
	if err != nil {
		return
	}
	result = node.GetState()
	return
}

func (srv *Server) publishResults(ctx context.Context, args record.Record) (result record.Record, err error) {
	node, err := srv.forest.Lookup(args)
	if err != nil {
		return
	}
	level := 1
	if !args.Bool("enable", true) {
		level = 0
	}
	level = args.Int("level", level)
	node.SetPublishing(level)
	result = record.Record{"nodeindex": node.Index(), "name": node.Name(), "publishing_level": level}
	return
}

func (srv *Server) setNodeBreakpoint(ctx context.Context, args record.Record) (result record.Record, err error) {
	node, err := srv.forest.Lookup(args)
	if err != nil {
		return
	}
	node.SetBreakpoint(args.Int("breakpoint", forest.CSAll), args.Bool("single_shot", false))
	result = record.Record{"nodeindex": node.Index(), "name": node.Name(), "breakpoints": node.GetState().Int("breakpoints", 0)}
	return
}

func (srv *Server) clearNodeBreakpoint(ctx context.Context, args record.Record) (result record.Record, err error) {
	node, err := srv.forest.Lookup(args)
	if err != nil {
		return
	}
	node.ClearBreakpoint(args.Int("breakpoint", forest.CSAll), args.Bool("single_shot", false))
	result = record.Record{"nodeindex": node.Index(), "name": node.Name(), "breakpoints": node.GetState().Int("breakpoints", 0)}
	return
}

func (srv *Server) setForestBreakpoint(ctx context.Context, args record.Record) (result record.Record, err error) {
	srv.forest.SetBreakpoint(args.Int("breakpoint", forest.CSAll))
	result = record.Record{"breakpoints": srv.forest.Breakpoints()}
	return
}

func (srv *Server) clearForestBreakpoint(ctx context.Context, args record.Record) (result record.Record, err error) {
	srv.forest.ClearBreakpoint(args.Int("breakpoint", forest.CSAll))
	result = record.Record{"breakpoints": srv.forest.Breakpoints()}
	return
}

func (srv *Server) getForestState(ctx context.Context, args record.Record) (result record.Record, err error) {
	result = srv.forest.State()
	return
}

// Wraps a forest release (continue, step, next) into a debug command
func (srv *Server) debugRelease(release func()) CommandFunc {
	return func(ctx context.Context, args record.Record) (result record.Record, err error) {
		event, stopped := srv.forest.Stopped()
		if !stopped {
			err = ErrNotStopped
			return
		}
		release()
		srv.resume()
		result = record.Record{"released": event.Node, "nodeindex": event.Index}
		return
	}
}

func (srv *Server) executeAbort(ctx context.Context, args record.Record) (result record.Record, err error) {
	err = srv.abort()
	srv.resume()
	if err != nil {
		return
	}
	result = record.Record{"state": srv.State().String()}
	return
}

// Refuses every further sync command and stops the exec goroutine
func (srv *Server) halt(ctx context.Context, args record.Record) (result record.Record, err error) {
	srv.mu.Lock()
	already := srv.halted
	srv.halted = true
	changed := srv.setStateLocked(StateHalted)
	srv.cond.Broadcast()
	srv.mu.Unlock()

	result = record.Record{"state": StateHalted.String()}
	if already {
		return
	}
	if changed {
		srv.emitState(StateHalted)
	}
	err = srv.abort()
	srv.emit(EventHalted, record.Record{})
	return
}

func (srv *Server) serverState(ctx context.Context, args record.Record) (result record.Record, err error) {
	result = srv.Status()
	return
}
