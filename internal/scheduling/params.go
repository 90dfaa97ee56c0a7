package scheduling

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
)

var (
	ErrUnknownParam = errors.New("unknown parameter")
	ErrInvalidParam = errors.New("invalid parameter value")
)

const (
	ParamMaxErrTimes         = "MAX_ERR_TIMES"
	ParamMaxRunningTasks     = "MAX_RUNNING_TASKS"
	ParamMiniMemRemain       = "MINI_MEM_REMAIN"
	ParamSafetyKeepGPUMemory = "SAFETY_KEEP_GPU_MEMORY"
	ParamSafetyKeepMemory    = "SAFETY_KEEP_MEMORY"
	ParamTimerPollingTime    = "TIMER_POLLING_TIME"
)

type Kind int

const (
	KindInt Kind = iota
	KindFloat
)

// Definition declares one tunable. The registry is fixed at construction.
type Definition struct {
	Name    string
	Kind    Kind
	Default float64
	Min     float64
	Max     float64
	Help    string
}

var definitions = []Definition{
	{ParamMaxErrTimes, KindInt, 3, 1, math.MaxInt32,
		"tasks launched this many times are no longer started automatically"},
	{ParamMaxRunningTasks, KindInt, -1, -1, math.MaxInt32,
		"running tasks allowed per device; <= 0 disables the cap"},
	{ParamMiniMemRemain, KindInt, 1024, 0, math.MaxInt32,
		"free device memory (MiB) required to start a task"},
	{ParamSafetyKeepGPUMemory, KindFloat, 0.6, 0, 1,
		"free/total device memory ratio required to start a task"},
	{ParamSafetyKeepMemory, KindFloat, 0.2, 0, 1,
		"free/total host memory ratio required to start a task"},
	{ParamTimerPollingTime, KindFloat, 10, 0.1, 86400,
		"seconds between scheduler polls"},
}

// Param is a formatted name/value pair.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Help  string `json:"help"`
}

// Values is a consistent read of every parameter.
type Values struct {
	MaxErrTimes         int
	MaxRunningTasks     int
	MiniMemRemainMB     uint64
	SafetyKeepGPUMemory float64
	SafetyKeepMemory    float64
	PollInterval        time.Duration
}

// Params is the runtime-mutable registry behind `set`.
type Params struct {
	mu     sync.RWMutex
	values map[string]float64
}

func NewParams() *Params {
	p := &Params{values: make(map[string]float64, len(definitions))}
	for _, d := range definitions {
		p.values[d.Name] = d.Default
	}
	return p
}

func lookup(name string) (Definition, error) {
	for _, d := range definitions {
		if d.Name == name {
			return d, nil
		}
	}
	return Definition{}, fmt.Errorf("name `%s` can not set: %w", name, ErrUnknownParam)
}

// Set parses raw according to the parameter's kind.
func (p *Params) Set(name, raw string) error {
	d, err := lookup(name)
	if err != nil {
		return err
	}

	var v float64
	switch d.Kind {
	case KindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s expects an integer, got %q: %w", name, raw, ErrInvalidParam)
		}
		v = float64(n)
	case KindFloat:
		v, err = strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) {
			return fmt.Errorf("%s expects a number, got %q: %w", name, raw, ErrInvalidParam)
		}
	}
	return p.store(d, v)
}

// SetValue stores an already-typed value, e.g. from a settings file.
func (p *Params) SetValue(name string, v float64) error {
	d, err := lookup(name)
	if err != nil {
		return err
	}
	if d.Kind == KindInt && v != math.Trunc(v) {
		return fmt.Errorf("%s expects an integer, got %v: %w", name, v, ErrInvalidParam)
	}
	return p.store(d, v)
}

func (p *Params) store(d Definition, v float64) error {
	if v < d.Min || v > d.Max {
		return fmt.Errorf("%s must be within [%s, %s], got %s: %w",
			d.Name, format(d, d.Min), format(d, d.Max), format(d, v), ErrInvalidParam)
	}
	p.mu.Lock()
	p.values[d.Name] = v
	p.mu.Unlock()
	return nil
}

// Get returns the formatted value of name.
func (p *Params) Get(name string) (string, error) {
	d, err := lookup(name)
	if err != nil {
		return "", err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return format(d, p.values[name]), nil
}

// All lists every parameter in registry order.
func (p *Params) All() []Param {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Param, len(definitions))
	for i, d := range definitions {
		out[i] = Param{Name: d.Name, Value: format(d, p.values[d.Name]), Help: d.Help}
	}
	return out
}

func (p *Params) Values() Values {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Values{
		MaxErrTimes:         int(p.values[ParamMaxErrTimes]),
		MaxRunningTasks:     int(p.values[ParamMaxRunningTasks]),
		MiniMemRemainMB:     uint64(p.values[ParamMiniMemRemain]),
		SafetyKeepGPUMemory: p.values[ParamSafetyKeepGPUMemory],
		SafetyKeepMemory:    p.values[ParamSafetyKeepMemory],
		PollInterval:        time.Duration(p.values[ParamTimerPollingTime] * float64(time.Second)),
	}
}

// PollInterval is read on every loop iteration so `set` takes effect on the
// next wait.
func (p *Params) PollInterval() time.Duration {
	return p.Values().PollInterval
}

func format(d Definition, v float64) string {
	if d.Kind == KindInt {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
