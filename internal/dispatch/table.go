package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// ErrArgument marks input that was rejected before any operation ran.
var ErrArgument = errors.New("invalid argument")

type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindBool:
		return "boolean"
	default:
		return "string"
	}
}

// Param describes one positional argument or --flag.
type Param struct {
	Name     string
	Kind     Kind
	Required bool
	Default  string
	Help     string
}

// Command is one entry in the static command table.
type Command struct {
	Name       string
	Usage      string
	Help       string
	Positional []Param
	// Variadic collects positionals beyond Positional. Nil means extra
	// positionals are an error.
	Variadic *Param
	Flags    []Param
	// StopAtFirstPositional treats every token after the first positional
	// as a positional, so `add python train.py --lr 1` keeps --lr.
	StopAtFirstPositional bool
	Handler               func(ctx context.Context, c *Call) Result
}

func (c *Command) flag(name string) (Param, bool) {
	for _, f := range c.Flags {
		if f.Name == name {
			return f, true
		}
	}
	return Param{}, false
}

// validate checks a command definition once at startup.
func (c *Command) validate() error {
	if c.Name == "" {
		return errors.New("command without a name")
	}
	if c.Handler == nil {
		return fmt.Errorf("command %s has no handler", c.Name)
	}

	seen := map[string]bool{}
	optional := false
	for _, p := range c.Positional {
		if p.Name == "" || seen[p.Name] {
			return fmt.Errorf("command %s: bad or duplicate parameter %q", c.Name, p.Name)
		}
		seen[p.Name] = true
		if p.Kind == KindBool {
			return fmt.Errorf("command %s: positional %s cannot be boolean", c.Name, p.Name)
		}
		if p.Required && optional {
			return fmt.Errorf("command %s: required %s follows an optional parameter", c.Name, p.Name)
		}
		optional = optional || !p.Required
	}
	if c.Variadic != nil {
		if seen[c.Variadic.Name] {
			return fmt.Errorf("command %s: duplicate parameter %q", c.Name, c.Variadic.Name)
		}
		if c.Variadic.Required && optional {
			return fmt.Errorf("command %s: required %s follows an optional parameter", c.Name, c.Variadic.Name)
		}
	}
	if c.StopAtFirstPositional && c.Variadic == nil {
		return fmt.Errorf("command %s: StopAtFirstPositional needs a variadic parameter", c.Name)
	}

	flags := map[string]bool{}
	for _, f := range c.Flags {
		if f.Name == "" || flags[f.Name] {
			return fmt.Errorf("command %s: bad or duplicate flag %q", c.Name, f.Name)
		}
		flags[f.Name] = true
		if f.Default != "" {
			if _, err := coerce(f, f.Default); err != nil {
				return fmt.Errorf("command %s: default of --%s: %w", c.Name, f.Name, err)
			}
		}
	}
	return nil
}

// Call is a parsed invocation handed to a handler.
type Call struct {
	Dir     string
	Command *Command
	values  map[string]any
	rest    []string
}

func (c *Call) Has(name string) bool {
	_, ok := c.values[name]
	return ok
}

func (c *Call) Int(name string) int {
	v, _ := c.values[name].(int)
	return v
}

// IntPtr is nil when an optional integer was not given.
func (c *Call) IntPtr(name string) *int {
	v, ok := c.values[name].(int)
	if !ok {
		return nil
	}
	return &v
}

func (c *Call) String(name string) string {
	v, _ := c.values[name].(string)
	return v
}

func (c *Call) Bool(name string) bool {
	v, _ := c.values[name].(bool)
	return v
}

// Rest holds the variadic tail.
func (c *Call) Rest() []string {
	return c.rest
}

// negMark hides negative numbers from the flag parser, which would
// otherwise read `-3` as a shorthand flag.
const negMark = "\x00"

// Parse binds tokens to the command's parameters. Unknown flags, missing
// required parameters and badly typed values are argument errors.
func (c *Command) Parse(dir string, tokens []string) (*Call, error) {
	call := &Call{Dir: dir, Command: c, values: map[string]any{}}

	flagSet, err := c.flagSet()
	if err != nil {
		return nil, err
	}
	if err := flagSet.Parse(c.shieldNegatives(tokens)); err != nil {
		return nil, fmt.Errorf("%w: %v for `%s`", ErrArgument, err, c.Name)
	}
	for _, f := range c.Flags {
		if flagSet.Changed(f.Name) || f.Default != "" {
			call.values[f.Name] = flagValue(flagSet, f)
		}
	}

	positionals := flagSet.Args()
	for i, tok := range positionals {
		positionals[i] = strings.TrimPrefix(tok, negMark)
	}

	for i, p := range c.Positional {
		if i >= len(positionals) {
			if p.Required {
				return nil, fmt.Errorf("%w: missing argument <%s> for `%s`", ErrArgument, p.Name, c.Name)
			}
			if p.Default != "" {
				v, _ := coerce(p, p.Default)
				call.values[p.Name] = v
			}
			continue
		}
		v, err := coerce(p, positionals[i])
		if err != nil {
			return nil, err
		}
		call.values[p.Name] = v
	}

	extra := positionals[min(len(c.Positional), len(positionals)):]
	switch {
	case c.Variadic == nil && len(extra) > 0:
		return nil, fmt.Errorf("%w: too many arguments for `%s`: %s", ErrArgument, c.Name, strings.Join(extra, " "))
	case c.Variadic != nil && c.Variadic.Required && len(extra) == 0:
		return nil, fmt.Errorf("%w: missing argument <%s...> for `%s`", ErrArgument, c.Variadic.Name, c.Name)
	}
	call.rest = extra
	return call, nil
}

// flagSet builds a fresh pflag set for one invocation.
func (c *Command) flagSet() (*pflag.FlagSet, error) {
	fs := pflag.NewFlagSet(c.Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(!c.StopAtFirstPositional)
	for _, f := range c.Flags {
		defineFlag(fs, f)
		if f.Default == "" {
			continue
		}
		fl := fs.Lookup(f.Name)
		if err := fl.Value.Set(f.Default); err != nil {
			return nil, fmt.Errorf("default of --%s: %w", f.Name, err)
		}
		fl.DefValue = fl.Value.String()
	}
	return fs, nil
}

// shieldNegatives marks negative numbers that stand as positionals. A
// number right after a valued long flag is that flag's value and is
// left alone.
func (c *Command) shieldNegatives(tokens []string) []string {
	out := make([]string, len(tokens))
	copy(out, tokens)
	for i, tok := range tokens {
		if tok == "--" {
			break
		}
		if len(tok) < 2 || tok[0] != '-' {
			continue
		}
		if _, err := strconv.ParseFloat(tok, 64); err != nil {
			continue
		}
		if i > 0 && c.takesValue(tokens[i-1]) {
			continue
		}
		out[i] = negMark + tok
	}
	return out
}

func (c *Command) takesValue(tok string) bool {
	name, ok := strings.CutPrefix(tok, "--")
	if !ok || strings.Contains(name, "=") {
		return false
	}
	f, ok := c.flag(name)
	return ok && f.Kind != KindBool
}

func defineFlag(fs *pflag.FlagSet, p Param) {
	switch p.Kind {
	case KindInt:
		fs.Int(p.Name, 0, p.Help)
	case KindBool:
		fs.Bool(p.Name, false, p.Help)
	default:
		fs.String(p.Name, "", p.Help)
	}
}

func flagValue(fs *pflag.FlagSet, p Param) any {
	switch p.Kind {
	case KindInt:
		v, _ := fs.GetInt(p.Name)
		return v
	case KindBool:
		v, _ := fs.GetBool(p.Name)
		return v
	default:
		v, _ := fs.GetString(p.Name)
		return v
	}
}

// coerce converts a positional with the same value types the flags use.
func coerce(p Param, raw string) (any, error) {
	fs := pflag.NewFlagSet(p.Name, pflag.ContinueOnError)
	defineFlag(fs, p)
	if err := fs.Lookup(p.Name).Value.Set(raw); err != nil {
		return nil, fmt.Errorf("%w: %s expects %s, got %q", ErrArgument, p.Name, article(p.Kind), raw)
	}
	return flagValue(fs, p), nil
}

func article(k Kind) string {
	if k == KindInt {
		return "an integer"
	}
	return "a " + k.String()
}
