package forest

import (
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/meq"
	"time"
)

// Child flags that carry over into the parent's code
const propagatedFlags = meq.ResWait | meq.ResAbort | meq.ResFail | meq.ResMissing | meq.ResDepMask

// Runs the node state machine for one request:
// Request -> (cache hit) or Polling -> Evaluating -> Result|Fail, with Wait
// and Abort as early exits that never touch the cache.
func (node *Node) Execute(req *meq.Request) (result *meq.Result, code int) {
	node.execMu.Lock()
	defer node.execMu.Unlock()

	node.executes.Add(1)
	node.forest.Metrics.Executes.Add(1)

	if !node.initialized {
		result = meq.NewFailResult(node.name, ErrNotInitialized.Error())
		code = meq.ResFail
		node.fails.Add(1)
		return
	}
	if node.forest.Aborted() {
		code = node.abort()
		return
	}

	if !node.enterState(CSRequest) {
		code = node.abort()
		return
	}

	if cached, cachedCode, hit := node.cacheLookup(req); hit {
		node.cacheHits.Add(1)
		node.forest.Metrics.CacheHits.Add(1)
		result, code = cached, cachedCode
		node.enterState(CSResult)
		return
	}

	started := time.Now()
	defer node.recordTime(started)

	if !node.enterState(CSPolling) {
		code = node.abort()
		return
	}

	var childResults []*meq.Result
	var childCode int
	if poller, ok := node.class.(ChildPoller); ok {
		childResults, childCode = poller.PollChildren(node, req)
	} else {
		childResults, childCode = node.PollChildren(req)
	}
	code = childCode & propagatedFlags

	switch {
	case code&meq.ResAbort != 0 || node.forest.Aborted():
		code = node.abort()
		return
	case code&meq.ResWait != 0:
		node.waits.Add(1)
		node.enterState(CSWait)
		return
	case code&meq.ResMissing != 0:
		node.enterState(CSResult)
		return
	case code&meq.ResFail != 0:
		var failed []*meq.Result
		for _, child := range childResults {
			if child.IsFail() {
				failed = append(failed, child)
			}
		}
		result = meq.MergeFails(failed...)
		node.finish(req, result, code)
		return
	}

	if !node.enterState(CSEvaluating) {
		code = node.abort()
		return
	}

	own, ownCode, err := node.class.GetResult(node, req, childResults)
	if err != nil {
		logctx.LogEvent(node.forest.ctx, global.VerbosityData, global.WarnLog,
			"node %s failed evaluating %s: %v\n", node.name, req.ID, err)
		own = meq.NewFailResult(node.name, err.Error())
		ownCode |= meq.ResFail
	}
	result = own
	code |= ownCode | int(node.DependMask())
	if result.IsFail() {
		code |= meq.ResFail
	}

	if code&meq.ResAbort != 0 {
		code = node.abort()
		result = nil
		return
	}
	if code&(meq.ResWait|meq.ResMissing) != 0 {
		if code&meq.ResWait != 0 {
			node.waits.Add(1)
			node.enterState(CSWait)
		}
		return
	}
	node.finish(req, result, code)
	return
}

// Caches per policy, publishes and enters the terminal state
func (node *Node) finish(req *meq.Request, result *meq.Result, code int) {
	failed := code&meq.ResFail != 0

	node.stateMu.Lock()
	store := node.cachePolicy == CacheAlways || (node.cachePolicy == CacheSmart && !failed)
	if store {
		node.cache = cacheEntry{valid: true, id: req.ID.Clone(), code: code &^ meq.ResUpdated, result: result}
	}
	publishing := node.publishing
	node.stateMu.Unlock()

	if failed {
		node.fails.Add(1)
		node.forest.Metrics.Fails.Add(1)
		node.enterState(CSFail)
	} else {
		node.enterState(CSResult)
	}

	if publishing > 0 {
		node.forest.publish(ResultEvent{
			Node:      node.name,
			Index:     node.index,
			RequestID: req.ID.Clone(),
			Code:      code,
			Result:    result,
		})
	}
}

func (node *Node) abort() int {
	node.execState.Store(int32(CSAbort))
	node.forest.Metrics.Aborts.Add(1)
	return meq.ResAbort
}

// Cache hit when the request id agrees with the cached one on every level
// the cached result depends on
func (node *Node) cacheLookup(req *meq.Request) (result *meq.Result, code int, hit bool) {
	node.stateMu.Lock()
	defer node.stateMu.Unlock()
	if !node.cache.valid || node.cachePolicy == CacheNever {
		return
	}
	mask := meq.DepMask(node.cache.code & meq.ResDepMask)
	if req.ID.Equal(node.cache.id) || req.ID.MaskedEqual(node.cache.id, mask) {
		result, code, hit = node.cache.result, node.cache.code, true
	}
	return
}

// Polls enabled children, sequentially or through the async pool when the
// node asked for it. Abort is checked before every child.
func (node *Node) PollChildren(req *meq.Request) (results []*meq.Result, code int) {
	if node.asyncPoll && len(node.children) > 1 {
		results, code = node.pollChildrenAsync(req)
		return
	}
	results = make([]*meq.Result, len(node.children))
	for i, child := range node.children {
		if node.childDisabled[i] {
			continue
		}
		if node.forest.Aborted() {
			code |= meq.ResAbort
			return
		}
		var childCode int
		results[i], childCode = child.Execute(req)
		code |= childCode
	}
	return
}

func (node *Node) pollChildrenAsync(req *meq.Request) (results []*meq.Result, code int) {
	results = make([]*meq.Result, len(node.children))
	poll := node.StartAsyncPoll(req)
	for {
		reply, ok := poll.Await()
		if !ok {
			break
		}
		results[reply.Index] = reply.Result
		code |= reply.Code
	}
	return
}

func (forest *Forest) publish(event ResultEvent) {
	forest.listenerMu.RLock()
	publisher := forest.publisher
	forest.listenerMu.RUnlock()
	if publisher != nil {
		publisher(event)
	}
}
