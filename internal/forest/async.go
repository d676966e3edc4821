package forest

import (
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/meq"
	"runtime/debug"
)

type ChildReply struct {
	Index  int
	Result *meq.Result
	Code   int
}

// In-flight parallel poll of a node's enabled children
type AsyncPoll struct {
	replies chan ChildReply
	pending int
}

// Starts every enabled child on the forest worker pool. Children that find
// no free worker run inline on the calling goroutine, so nested async
// polls cannot starve the pool.
func (node *Node) StartAsyncPoll(req *meq.Request) (poll *AsyncPoll) {
	poll = &AsyncPoll{replies: make(chan ChildReply, len(node.children))}
	forest := node.forest

	for i, child := range node.children {
		if node.childDisabled[i] {
			continue
		}
		poll.pending++
		if forest.Aborted() {
			poll.replies <- ChildReply{Index: i, Code: meq.ResAbort}
			continue
		}

		run := func(index int, child *Node) {
			defer func() {
				if fatalError := recover(); fatalError != nil {
					logctx.LogEvent(forest.ctx, global.VerbosityStandard, global.ErrorLog,
						"panic executing node %s: %v\n%s", child.name, fatalError, debug.Stack())
					poll.replies <- ChildReply{
						Index:  index,
						Result: meq.NewFailResult(child.name, "panic during execution"),
						Code:   meq.ResFail,
					}
				}
			}()
			result, code := child.Execute(req)
			poll.replies <- ChildReply{Index: index, Result: result, Code: code}
		}

		if forest.sem.TryAcquire(1) {
			forest.Metrics.AsyncStarts.Add(1)
			go func(index int, child *Node) {
				defer forest.sem.Release(1)
				run(index, child)
			}(i, child)
		} else {
			run(i, child)
		}
	}
	return
}

// Next finished child in completion order; ok is false once every child replied
func (poll *AsyncPoll) Await() (reply ChildReply, ok bool) {
	if poll.pending == 0 {
		return
	}
	reply = <-poll.replies
	poll.pending--
	ok = true
	return
}

func (poll *AsyncPoll) Pending() int { return poll.pending }
