package dispatch

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/pflag"
)

var (
	// ErrMissingArgument is returned when a required positional is absent.
	ErrMissingArgument = errors.New("missing required argument")

	// ErrMissingOption is returned when a required option is absent.
	ErrMissingOption = errors.New("missing required option")

	// ErrBadArguments is returned when the argument text cannot be parsed.
	ErrBadArguments = errors.New("invalid arguments")
)

// Args are the bound arguments of one invocation.
type Args struct {
	// Positional maps argument names to their values.
	Positional map[string]string `json:"positional,omitempty"`
	// Rest holds the values of a variadic argument.
	Rest []string `json:"rest,omitempty"`
	// Options maps long option names to values. Boolean options are "true".
	Options map[string]string `json:"options,omitempty"`
}

// Get returns a positional argument value.
func (a *Args) Get(name string) string {
	if a == nil {
		return ""
	}
	return a.Positional[name]
}

// Option returns an option value.
func (a *Args) Option(name string) string {
	if a == nil {
		return ""
	}
	return a.Options[name]
}

// Flag reports whether a boolean option was set.
func (a *Args) Flag(name string) bool {
	v := a.Option(name)
	return v == "true" || v == "1"
}

// isHelpRequest reports whether raw argument text asks for usage. Values of
// options that take one, and everything after "--", are not inspected.
func (c *Command) isHelpRequest(raw string) bool {
	tokens, err := shlex.Split(raw)
	if err != nil {
		tokens = strings.Fields(raw)
	}
	for i := 0; i < len(tokens); i++ {
		switch tok := tokens[i]; tok {
		case "-h", "--help", "/?":
			return true
		case "--":
			return false
		default:
			if c.takesNextToken(tok) {
				i++
			}
		}
	}
	return false
}

// takesNextToken reports whether tok is an option that reads its value from
// the following token, the way pflag parses it.
func (c *Command) takesNextToken(tok string) bool {
	if len(tok) < 2 || tok[0] != '-' || strings.Contains(tok, "=") {
		return false
	}
	if strings.HasPrefix(tok, "--") {
		for _, o := range c.options {
			if o.Name() == tok[2:] {
				return o.TakesValue && !o.OptionalValue
			}
		}
		return false
	}
	// A short cluster: only its last letter may read the next token.
	letters := tok[1:]
	for i := 0; i < len(letters); i++ {
		o, ok := c.shortOption(letters[i])
		if !ok {
			return false
		}
		if o.TakesValue {
			return i == len(letters)-1 && !o.OptionalValue
		}
	}
	return false
}

func (c *Command) shortOption(letter byte) (OptionSpec, bool) {
	for _, o := range c.options {
		if len(o.Short) == 1 && o.Short[0] == letter {
			return o, true
		}
	}
	return OptionSpec{}, false
}

// bind parses raw argument text against the command's declaration.
func (c *Command) bind(raw string) (*Args, error) {
	tokens, err := shlex.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArguments, err)
	}

	fs := pflag.NewFlagSet(c.name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(true)

	values := make(map[string]*string, len(c.options))
	bools := make(map[string]*bool, len(c.options))
	for _, o := range c.options {
		name := o.Name()
		short := o.Short
		if len(short) != 1 {
			short = ""
		}
		if o.TakesValue {
			values[name] = fs.StringP(name, short, o.Default, o.Description)
			if o.OptionalValue {
				fs.Lookup(name).NoOptDefVal = "true"
			}
			continue
		}
		bools[name] = fs.BoolP(name, short, false, o.Description)
	}

	if err := fs.Parse(tokens); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArguments, err)
	}

	args := &Args{
		Positional: make(map[string]string),
		Options:    make(map[string]string),
	}
	for name, v := range values {
		if fs.Changed(name) || *v != "" {
			args.Options[name] = *v
		}
	}
	for name, v := range bools {
		if *v {
			args.Options[name] = "true"
		}
	}

	rest := fs.Args()
	for _, spec := range c.args {
		if spec.Variadic {
			args.Rest = append(args.Rest, rest...)
			rest = nil
			break
		}
		if len(rest) == 0 {
			break
		}
		args.Positional[spec.Name] = rest[0]
		rest = rest[1:]
	}

	if err := c.validate(args); err != nil {
		return nil, err
	}
	return args, nil
}

// validate checks required positionals and options on bound or caller-supplied args.
func (c *Command) validate(args *Args) error {
	for _, spec := range c.args {
		if !spec.Required {
			continue
		}
		if spec.Variadic {
			if len(args.Rest) == 0 {
				return fmt.Errorf("%w: %s", ErrMissingArgument, spec.Name)
			}
			continue
		}
		if _, ok := args.Positional[spec.Name]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingArgument, spec.Name)
		}
	}
	for _, o := range c.options {
		if !o.Required {
			continue
		}
		if _, ok := args.Options[o.Name()]; !ok {
			return fmt.Errorf("%w: --%s", ErrMissingOption, o.Name())
		}
	}
	return nil
}

// withDefaults fills option defaults into caller-supplied args.
func (c *Command) withDefaults(in *Args) *Args {
	out := &Args{
		Positional: make(map[string]string),
		Options:    make(map[string]string),
	}
	if in != nil {
		for k, v := range in.Positional {
			out.Positional[k] = v
		}
		out.Rest = append(out.Rest, in.Rest...)
		for k, v := range in.Options {
			out.Options[k] = v
		}
	}
	for _, o := range c.options {
		if _, ok := out.Options[o.Name()]; !ok && o.Default != "" {
			out.Options[o.Name()] = o.Default
		}
	}
	return out
}
