// Package dispatch maps control requests onto queue and policy operations.
// Every request produces exactly one Result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"gpulimit/domain/resource"
	"gpulimit/domain/task"
	"gpulimit/internal/scheduling"
	"gpulimit/internal/taskqueue"
	"gpulimit/internal/wire"

	log "github.com/sirupsen/logrus"
)

// Result codes.
const (
	CodeOK = iota
	CodeFailure
	CodeArgument
	CodeNotFound
	CodeIndexOutOfRange
	CodeInternal
)

type Result struct {
	Code    int
	Message string
}

func okf(format string, a ...any) Result {
	return Result{Code: CodeOK, Message: fmt.Sprintf(format, a...)}
}

func text(s string) Result {
	return Result{Code: CodeOK, Message: s}
}

// failure maps an error onto its result code.
func failure(err error) Result {
	code := CodeFailure
	switch {
	case errors.Is(err, ErrArgument),
		errors.Is(err, scheduling.ErrUnknownParam),
		errors.Is(err, scheduling.ErrInvalidParam),
		errors.Is(err, taskqueue.ErrEmptyCommand):
		code = CodeArgument
	case errors.Is(err, taskqueue.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, taskqueue.ErrIndexOutOfRange):
		code = CodeIndexOutOfRange
	}
	return Result{Code: code, Message: "[error]: " + err.Error()}
}

// HistoryReader lists recorded run attempts.
type HistoryReader interface {
	FindAll(ctx context.Context, filters task.RunFilters) ([]task.Run, error)
}

type Deps struct {
	Queue    *taskqueue.Queue
	Policy   scheduling.Policy
	Params   *scheduling.Params
	Probe    resource.Probe
	History  HistoryReader // nil disables `history`
	MainLog  string
	Instance string
	Now      func() time.Time
}

type Dispatcher struct {
	deps     Deps
	commands map[string]*Command
}

// New builds and validates the command table.
func New(deps Deps) (*Dispatcher, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	d := &Dispatcher{deps: deps, commands: map[string]*Command{}}
	for _, c := range d.table() {
		if err := c.validate(); err != nil {
			return nil, err
		}
		if _, dup := d.commands[c.Name]; dup {
			return nil, fmt.Errorf("duplicate command %s", c.Name)
		}
		d.commands[c.Name] = c
	}
	return d, nil
}

// Commands lists command names alphabetically.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one request. Panics inside a handler become CodeInternal.
func (d *Dispatcher) Dispatch(ctx context.Context, req wire.Request) (res Result) {
	logger := log.WithField("command", req.Command())

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Errorf("command panicked: %v", r)
			res = Result{Code: CodeInternal, Message: fmt.Sprintf("[error]: internal error while running `%s`: %v", req.Command(), r)}
		}
	}()

	cmd, found := d.commands[req.Command()]
	if !found {
		return Result{Code: CodeArgument, Message: fmt.Sprintf("[error]: unknown command `%s`, see `help`", req.Command())}
	}

	call, err := cmd.Parse(req.Dir, req.Args())
	if err != nil {
		return failure(err)
	}

	res = cmd.Handler(ctx, call)
	if res.Code != CodeOK {
		logger.WithField("code", res.Code).Info(res.Message)
	}
	return res
}
