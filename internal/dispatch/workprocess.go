package dispatch

import (
	"context"
	"fmt"
	"meqserver/internal/global"
	"meqserver/internal/hiid"
	"meqserver/internal/logctx"
	"meqserver/internal/message"
	"meqserver/internal/record"
	"os"
	"runtime/debug"
	"time"
)

// Wraps an actor handler with its queue, subscriptions and lifecycle flags
func NewWorkProcess(class string, handler Handler) (wp *WorkProcess) {
	wp = &WorkProcess{
		class:         class,
		handler:       handler,
		subscriptions: hiid.NewMap[message.Scope](),
		AutoCatch:     true,
	}
	return
}

func (wp *WorkProcess) Class() string            { return wp.class }
func (wp *WorkProcess) Handler() Handler         { return wp.handler }
func (wp *WorkProcess) Address() message.Address { return wp.address }
func (wp *WorkProcess) Dispatcher() *Dispatcher  { return wp.dsp }
func (wp *WorkProcess) Running() bool            { return wp.running }
func (wp *WorkProcess) State() int               { return wp.state }
func (wp *WorkProcess) QueueLen() int            { return len(wp.queue) }

// Logging context tagged with the work process address
func (wp *WorkProcess) Context() context.Context {
	if wp.ctx == nil {
		return context.Background()
	}
	return wp.ctx
}

// Subscriptions in pattern order
func (wp *WorkProcess) Subscriptions() (subs []Subscription) {
	for _, pattern := range wp.subscriptions.Keys() {
		scope, _ := wp.subscriptions.Get(pattern)
		subs = append(subs, Subscription{Pattern: pattern, Scope: scope})
	}
	return
}

// Request another poll even though the queue head did not change
func (wp *WorkProcess) Repoll() {
	wp.needRepoll = true
	if wp.dsp != nil {
		wp.dsp.repoll = true
	}
}

// Sends a message from this work process. Returns the number of deliveries.
func (wp *WorkProcess) Send(id hiid.HIID, payload any, to message.Address, priority int) (delivered int, err error) {
	if wp.dsp == nil {
		err = ErrNotAttached
		return
	}
	msg := message.New(id, payload, priority)
	delivered, err = wp.dsp.Send(msg, wp, to)
	return
}

// Publishes to subscribers within scope
func (wp *WorkProcess) Publish(id hiid.HIID, payload any, priority int, scope message.Scope) (delivered int, err error) {
	if wp.dsp == nil {
		err = ErrNotAttached
		return
	}
	msg := message.New(id, payload, priority)
	delivered, err = wp.dsp.Send(msg, wp, wp.dsp.publishAddress(scope))
	return
}

// Event registrations on the attached dispatcher, see Dispatcher.AddTimeout and friends

func (wp *WorkProcess) AddTimeout(period time.Duration, id hiid.HIID, flags int) error {
	if wp.dsp == nil {
		return ErrNotAttached
	}
	return wp.dsp.AddTimeout(wp, period, id, flags)
}

func (wp *WorkProcess) RemoveTimeout(pattern hiid.HIID) int {
	if wp.dsp == nil {
		return 0
	}
	return wp.dsp.RemoveTimeout(wp, pattern)
}

func (wp *WorkProcess) AddInput(fd int, mode int, id hiid.HIID, flags int) error {
	if wp.dsp == nil {
		return ErrNotAttached
	}
	return wp.dsp.AddInput(wp, fd, mode, id, flags)
}

func (wp *WorkProcess) RemoveInput(fd int) int {
	if wp.dsp == nil {
		return 0
	}
	return wp.dsp.RemoveInput(wp, fd)
}

func (wp *WorkProcess) AddSignal(sig os.Signal, flags int) error {
	if wp.dsp == nil {
		return ErrNotAttached
	}
	return wp.dsp.AddSignal(wp, sig, flags)
}

func (wp *WorkProcess) RemoveSignal(sig os.Signal) int {
	if wp.dsp == nil {
		return 0
	}
	return wp.dsp.RemoveSignal(wp, sig)
}

// Detaches from the dispatcher, see Dispatcher.Detach
func (wp *WorkProcess) Detach(delay bool) error {
	if wp.dsp == nil {
		return ErrNotAttached
	}
	return wp.dsp.Detach(wp, delay)
}

// Adds or updates a subscription. Returns false when an identical one already exists.
func (wp *WorkProcess) Subscribe(pattern hiid.HIID, scope message.Scope) (changed bool) {
	current, exists := wp.subscriptions.Get(pattern)
	if exists && current == scope {
		return
	}
	wp.subscriptions.Put(pattern, scope)
	changed = true
	if wp.started {
		wp.publishSubscriptions()
	}
	return
}

func (wp *WorkProcess) Unsubscribe(pattern hiid.HIID) (removed bool) {
	removed = wp.subscriptions.Delete(pattern)
	if removed && wp.started {
		wp.publishSubscriptions()
	}
	return
}

// Subscription check for a message published by from
func (wp *WorkProcess) subscribedTo(msg *message.Message, from message.Address, process, host int) (subscribed bool) {
	wp.subscriptions.Each(func(pattern hiid.HIID, scope message.Scope) bool {
		if !msg.ID.Matches(pattern) {
			return true
		}
		switch scope {
		case message.ScopeLocal:
			subscribed = from.Process() == process && from.Host() == host
		case message.ScopeHost:
			subscribed = from.Host() == host
		default:
			subscribed = true
		}
		return !subscribed
	})
	return
}

// Publishes a state change when the value differs
func (wp *WorkProcess) SetState(state int) {
	if wp.state == state {
		return
	}
	wp.state = state
	if wp.started {
		_, _ = wp.Publish(message.MsgState, record.Record{"state": state}, message.PriNormal, message.ScopeGlobal)
	}
}

func (wp *WorkProcess) publishSubscriptions() {
	subs := make([]any, 0, wp.subscriptions.Len())
	for _, sub := range wp.Subscriptions() {
		subs = append(subs, record.Record{"pattern": sub.Pattern.String(), "scope": sub.Scope.String()})
	}
	_, _ = wp.Publish(message.MsgSubscribe, record.Record{"subscriptions": subs}, message.PriHigh, message.ScopeGlobal)
}

func (wp *WorkProcess) doInit() (err error) {
	err = wp.guardErr("init", func() error { return wp.handler.Init(wp) })
	if err != nil {
		return
	}
	wp.initialized = true
	return
}

func (wp *WorkProcess) doStart() (err error) {
	err = wp.guardErr("start", func() error { return wp.handler.Start(wp) })
	if err != nil {
		return
	}
	wp.started = true
	wp.running = true
	_, _ = wp.Publish(message.MsgHello, record.Record{"class": wp.class}, message.PriHigh, message.ScopeGlobal)
	if wp.subscriptions.Len() > 0 {
		wp.publishSubscriptions()
	}
	if _, isPoller := wp.handler.(Poller); isPoller || len(wp.queue) > 0 {
		wp.Repoll()
	}
	return
}

func (wp *WorkProcess) doStop() {
	if !wp.started {
		return
	}
	_ = wp.guardErr("stop", func() error { wp.handler.Stop(wp); return nil })
	_, _ = wp.Publish(message.MsgBye, record.Record{"class": wp.class}, message.PriHigh, message.ScopeGlobal)
	wp.started = false
	wp.running = false
}

// Runs one hook, converting panics into errors when AutoCatch is set
func (wp *WorkProcess) guard(hook string, fn func() (Disposition, error)) (disp Disposition, err error) {
	if wp.AutoCatch {
		defer func() {
			if fatalError := recover(); fatalError != nil {
				stack := debug.Stack()
				logctx.LogEvent(wp.Context(), global.VerbosityStandard, global.ErrorLog,
					"panic in %s hook of %s: %v\n%s", hook, wp.address, fatalError, stack)
				disp = Accept
				err = fmt.Errorf("panic in %s hook: %v", hook, fatalError)
			}
		}()
	}
	disp, err = fn()
	return
}

func (wp *WorkProcess) guardErr(hook string, fn func() error) (err error) {
	_, err = wp.guard(hook, func() (Disposition, error) { return Accept, fn() })
	return
}
