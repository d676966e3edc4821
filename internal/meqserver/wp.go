package meqserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"meqserver/internal/dispatch"
	"meqserver/internal/global"
	"meqserver/internal/hiid"
	"meqserver/internal/logctx"
	"meqserver/internal/message"
	"meqserver/internal/record"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Message id prefixes of the command protocol
var (
	CommandPrefix = hiid.Parse("Command")
	ReplyPrefix   = hiid.Parse("Reply")
	ServerPrefix  = hiid.Parse("Server")
	LogPrefix     = hiid.Parse("Log")
)

const (
	ClassControl string = "ControlWP"
	ClassConsole string = "ConsoleWP"
	ClassLogger  string = "LoggerWP"
)

func commandName(id hiid.HIID) string {
	return id.SubID(1, id.Len()).String()
}

// Bridges the message bus and the command server: Command.<name> in,
// Reply.<name> back to the sender, server events out as Server.<event>.
type ControlWP struct {
	dispatch.BaseHandler
	srv        *Server
	listenerID int
}

func NewControlWP(srv *Server) *dispatch.WorkProcess {
	return dispatch.NewWorkProcess(ClassControl, &ControlWP{srv: srv})
}

func (control *ControlWP) Init(wp *dispatch.WorkProcess) error {
	wp.Subscribe(CommandPrefix.Add(hiid.Wildcard), message.ScopeLocal)
	return nil
}

func (control *ControlWP) Start(wp *dispatch.WorkProcess) error {
	dsp := wp.Dispatcher()
	from := wp.Address()
	control.listenerID = control.srv.AddListener(func(event Event) {
		msg := message.New(ServerPrefix.Concat(hiid.Parse(event.Name)), event.Record, message.PriNormal)
		msg.From = from
		dsp.Post(msg, dsp.PublishAddress(message.ScopeLocal))
	})
	return nil
}

func (control *ControlWP) Stop(wp *dispatch.WorkProcess) {
	control.srv.RemoveListener(control.listenerID)
}

func (control *ControlWP) Receive(wp *dispatch.WorkProcess, msg *message.Message) (dispatch.Disposition, error) {
	if !msg.ID.HasPrefix(CommandPrefix) || msg.ID.Len() < 2 {
		return dispatch.Accept, nil
	}
	name := commandName(msg.ID)

	var args record.Record
	if payload, ok := msg.Payload.(record.Record); ok {
		args = payload.Clone()
	}

	dsp := wp.Dispatcher()
	from := wp.Address()
	replyTo := msg.From
	priority := msg.Priority
	control.srv.Dispatch(wp.Context(), name, args, func(rec record.Record) {
		if replyTo.IsZero() {
			return
		}
		reply := message.New(ReplyPrefix.Concat(hiid.Parse(name)), rec, priority)
		reply.From = from
		reply.State |= message.StateReply
		dsp.Post(reply, replyTo)
	})
	return dispatch.Accept, nil
}

// SIGTERM ends the poll loop; SIGINT is handled by the dispatcher itself
func (control *ControlWP) Signal(wp *dispatch.WorkProcess, msg *message.Message) (dispatch.Disposition, error) {
	logctx.LogEvent(wp.Context(), global.VerbosityStandard, global.InfoLog,
		"received %s, stopping\n", msg.ID)
	wp.Dispatcher().StopPolling()
	return dispatch.Accept, nil
}

// Line-oriented command console on a file descriptor:
//
//	Node.Get.State {"name": "x"}
//
// Each line is published as Command.<name>; replies are printed as JSON.
type ConsoleWP struct {
	dispatch.BaseHandler
	fd      int
	out     io.Writer
	outMu   sync.Mutex
	pending []byte
	onEOF   func()
}

func NewConsoleWP(fd int, out io.Writer, onEOF func()) *dispatch.WorkProcess {
	return dispatch.NewWorkProcess(ClassConsole, &ConsoleWP{fd: fd, out: out, onEOF: onEOF})
}

func (console *ConsoleWP) Init(wp *dispatch.WorkProcess) error {
	return wp.AddInput(console.fd, dispatch.InputRead, hiid.Parse(global.NSConsole), dispatch.EvContinuous)
}

func (console *ConsoleWP) Input(wp *dispatch.WorkProcess, msg *message.Message) (dispatch.Disposition, error) {
	buf := make([]byte, 4096)
	n, err := unix.Read(console.fd, buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return dispatch.Accept, nil
	}
	if err != nil || n == 0 {
		if len(bytes.TrimSpace(console.pending)) > 0 {
			console.handleLine(wp, string(console.pending))
		}
		console.pending = nil
		logctx.LogEvent(wp.Context(), global.VerbosityProgress, global.InfoLog, "console input closed\n")
		if console.onEOF != nil {
			console.onEOF()
		}
		return dispatch.Cancel, nil
	}

	console.pending = append(console.pending, buf[:n]...)
	for {
		idx := bytes.IndexByte(console.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(console.pending[:idx])
		console.pending = console.pending[idx+1:]
		console.handleLine(wp, line)
	}
	return dispatch.Accept, nil
}

func (console *ConsoleWP) handleLine(wp *dispatch.WorkProcess, line string) {
	name, args, err := ParseCommandLine(line)
	if err != nil {
		console.print("Error", record.Record{"error": err.Error()})
		return
	}
	if name == "" {
		return
	}
	_, err = wp.Publish(CommandPrefix.Concat(hiid.Parse(name)), args, message.PriNormal, message.ScopeLocal)
	if err != nil {
		console.print("Error", record.Record{"error": err.Error()})
	}
}

func (console *ConsoleWP) Receive(wp *dispatch.WorkProcess, msg *message.Message) (dispatch.Disposition, error) {
	if msg.ID.HasPrefix(ReplyPrefix) {
		rec, _ := msg.Payload.(record.Record)
		console.print(msg.ID.String(), rec)
	}
	return dispatch.Accept, nil
}

func (console *ConsoleWP) print(label string, rec record.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", err.Error()))
	}
	console.outMu.Lock()
	defer console.outMu.Unlock()
	fmt.Fprintf(console.out, "%s %s\n", label, data)
}

// Splits "Name {json args}". Blank lines and # comments give an empty name.
func ParseCommandLine(line string) (name string, args record.Record, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	name, rest, _ := strings.Cut(line, " ")
	args = record.Record{}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return
	}
	err = json.Unmarshal([]byte(rest), &args)
	if err != nil {
		err = fmt.Errorf("invalid arguments for %s: %w", name, err)
		name = ""
	}
	return
}

// Routes Log.<severity> messages and server events into the program log
type LoggerWP struct {
	dispatch.BaseHandler
}

func NewLoggerWP() *dispatch.WorkProcess {
	return dispatch.NewWorkProcess(ClassLogger, &LoggerWP{})
}

func (logger *LoggerWP) Init(wp *dispatch.WorkProcess) error {
	wp.Subscribe(LogPrefix.Add(hiid.Wildcard), message.ScopeHost)
	wp.Subscribe(ServerPrefix.Add(hiid.Wildcard), message.ScopeLocal)
	return nil
}

func (logger *LoggerWP) Receive(wp *dispatch.WorkProcess, msg *message.Message) (dispatch.Disposition, error) {
	ctx := wp.Context()
	switch {
	case msg.ID.HasPrefix(LogPrefix):
		severity := global.InfoLog
		switch msg.ID.At(1) {
		case global.ErrorLog:
			severity = global.ErrorLog
		case global.WarnLog:
			severity = global.WarnLog
		}
		text := fmt.Sprint(msg.Payload)
		if rec, ok := msg.Payload.(record.Record); ok {
			text = rec.String("message", text)
		}
		logctx.LogEvent(ctx, global.VerbosityStandard, severity, "%s: %s\n", msg.From, text)
	case msg.ID.HasPrefix(ServerPrefix):
		verbosity := global.VerbosityProgress
		if msg.ID.At(1) == "Node" {
			verbosity = global.VerbosityData
		}
		rec, _ := msg.Payload.(record.Record)
		logctx.LogEvent(ctx, verbosity, global.InfoLog, "%s %v\n", commandName(msg.ID), map[string]any(rec))
	}
	return dispatch.Accept, nil
}
