// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package params

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// =============================================================================
// Schema
// =============================================================================

// GetoptParam declares one logical parameter of a getopt kernel.
//
// Options lists every short ("-n") and long ("--num_rep") spelling that
// maps onto Name. A parameter with no Options is positional; positions are
// assigned in declaration order.
type GetoptParam struct {
	Name    string
	Options []string
}

// GetoptSchema describes a getopt style command line.
type GetoptSchema struct {
	Params []GetoptParam

	// ShortOpts is the getopt option string, e.g. "hn:s:".
	ShortOpts string

	// LongOpts lists long options without dashes, "name=" when the
	// option takes an argument.
	LongOpts []string

	Defaults map[string]string
}

// Names returns the logical parameter names in declaration order.
func (s GetoptSchema) Names() []string {
	out := make([]string, len(s.Params))
	for i, p := range s.Params {
		out[i] = p.Name
	}
	return out
}

// Usage renders the options listing printed for --help.
func (s GetoptSchema) Usage() string {
	lines := []string{"    options: description, default"}
	pos := 0
	for _, p := range s.Params {
		opts := strings.Join(p.Options, " ")
		if len(p.Options) == 0 {
			opts = strconv.Itoa(pos)
			pos++
		}
		if def, ok := s.Defaults[p.Name]; ok {
			lines = append(lines, fmt.Sprintf("    %s: %s, %s", opts, p.Name, def))
		} else {
			lines = append(lines, fmt.Sprintf("    %s: %s", opts, p.Name))
		}
	}
	return strings.Join(lines, "\n")
}

// =============================================================================
// Getopt set
// =============================================================================

type optPair struct {
	option string
	value  string
}

// canonical is the preferred spelling of a name: a long option, else a
// short option, else a position.
type canonical struct {
	option string
	pos    int
}

// Getopt holds arguments parsed with GNU getopt semantics, where options
// and positional arguments may be interleaved.
type Getopt struct {
	names   []string
	optName map[string]string
	posName map[int]string
	canon   map[string]canonical
	opts    []optPair
	args    []string
	quiet   map[string]bool
}

// ParseGetopt splits raw with shell quoting rules and parses it.
func ParseGetopt(raw string, schema GetoptSchema) (*Getopt, error) {
	tokens, err := Split(raw)
	if err != nil {
		return nil, err
	}
	return ParseGetoptTokens(tokens, schema)
}

// ParseGetoptTokens parses an already split token list.
//
// # Description
//
// Tokens go through GNU getopt. Names not given on the command line get
// their default, injected at the name's canonical spelling. Positional
// defaults must extend the given positionals without gaps.
//
// # Outputs
//
//   - error: *HelpError when the input is only --help or -h, ErrUnknownParam
//     for options getopt rejects, ErrDuplicate when a name is given twice,
//     ErrDefaultOrder for a positional default gap.
func ParseGetoptTokens(tokens []string, schema GetoptSchema) (*Getopt, error) {
	g := &Getopt{
		optName: map[string]string{},
		posName: map[int]string{},
		canon:   map[string]canonical{},
		quiet:   map[string]bool{},
	}

	pos := 0
	for _, p := range schema.Params {
		if slices.Contains(g.names, p.Name) {
			return nil, fmt.Errorf("%w: %s declared twice", ErrDuplicate, p.Name)
		}
		g.names = append(g.names, p.Name)
		if len(p.Options) == 0 {
			g.posName[pos] = p.Name
			g.canon[p.Name] = canonical{pos: pos}
			pos++
			continue
		}
		c := canonical{option: p.Options[0]}
		for _, o := range p.Options {
			g.optName[o] = p.Name
			if strings.HasPrefix(o, "--") && !strings.HasPrefix(c.option, "--") {
				c.option = o
			}
		}
		g.canon[p.Name] = c
	}

	isHelp := func() bool {
		joined := strings.TrimSpace(strings.Join(tokens, " "))
		return joined == "--help" || joined == "-h"
	}

	opts, args, err := gnuGetopt(tokens, schema.ShortOpts, schema.LongOpts)
	if err != nil {
		if isHelp() {
			return nil, &HelpError{Usage: schema.Usage()}
		}
		return nil, fmt.Errorf("%w: %v", ErrUnknownParam, err)
	}
	for _, o := range opts {
		if _, ok := g.optName[o.option]; ok {
			continue
		}
		if o.option == "-h" || o.option == "--help" {
			return nil, &HelpError{Usage: schema.Usage()}
		}
		return nil, fmt.Errorf("%w: option %s has no parameter name", ErrUnknownParam, o.option)
	}
	g.opts = opts
	g.args = args

	given := map[string]bool{}
	for _, o := range g.opts {
		given[g.optName[o.option]] = true
	}
	for i := range g.args {
		if name, ok := g.posName[i]; ok {
			given[name] = true
		}
	}

	type posArg struct {
		pos   int
		value string
	}
	var injected []posArg
	for _, name := range g.names {
		def, ok := schema.Defaults[name]
		if !ok || given[name] {
			continue
		}
		c := g.canon[name]
		if c.option == "" {
			injected = append(injected, posArg{pos: c.pos, value: def})
		} else {
			g.opts = append(g.opts, optPair{option: c.option, value: def})
		}
	}
	if len(injected) > 0 {
		all := make([]posArg, 0, len(g.args)+len(injected))
		for i, a := range g.args {
			all = append(all, posArg{pos: i, value: a})
		}
		all = append(all, injected...)
		sort.SliceStable(all, func(i, j int) bool { return all[i].pos < all[j].pos })
		g.args = g.args[:0]
		for i, a := range all {
			if a.pos != i {
				return nil, fmt.Errorf("%w", ErrDefaultOrder)
			}
			g.args = append(g.args, a.value)
		}
	}

	seen := map[string]bool{}
	for _, o := range g.opts {
		name := g.optName[o.option]
		if seen[name] {
			return nil, fmt.Errorf("%w: parameter named %s is specified twice: %s", ErrDuplicate, name, g.String())
		}
		seen[name] = true
	}
	return g, nil
}

// Names implements Set.
func (g *Getopt) Names() []string {
	return slices.Clone(g.names)
}

// Get implements Set.
func (g *Getopt) Get(name string) (string, bool, error) {
	if !slices.Contains(g.names, name) {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	for _, o := range g.opts {
		if g.optName[o.option] == name {
			return o.value, true, nil
		}
	}
	for i, a := range g.args {
		if g.posName[i] == name {
			return a, true, nil
		}
	}
	return "", false, nil
}

// Set implements Set. A name that is not present yet is added at its
// canonical spelling.
func (g *Getopt) Set(name, value string) error {
	if !slices.Contains(g.names, name) {
		return fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	for i, o := range g.opts {
		if g.optName[o.option] == name {
			g.opts[i].value = value
			return nil
		}
	}
	for i := range g.args {
		if g.posName[i] == name {
			g.args[i] = value
			return nil
		}
	}
	c := g.canon[name]
	if c.option != "" {
		g.opts = append(g.opts, optPair{option: c.option, value: value})
		return nil
	}
	at := min(c.pos, len(g.args))
	g.args = slices.Insert(g.args, at, value)
	return nil
}

// NumParam implements Set. It counts every declared name, set or not.
func (g *Getopt) NumParam() int {
	return len(g.names)
}

func (g *Getopt) tokens() []string {
	var out []string
	for _, o := range g.opts {
		if g.quiet[g.optName[o.option]] {
			continue
		}
		out = append(out, o.option)
		if o.value != "" {
			out = append(out, o.value)
		}
	}
	for i, a := range g.args {
		if name, ok := g.posName[i]; ok && g.quiet[name] {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Args implements Set.
func (g *Getopt) Args(gr Grammar) ([]string, error) {
	if gr != GetoptGrammar {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, gr)
	}
	return g.tokens(), nil
}

// String implements Set.
func (g *Getopt) String() string {
	return strings.Join(g.tokens(), " ")
}

// CSV implements Set. Unset names render as empty columns.
func (g *Getopt) CSV() string {
	out := make([]string, len(g.names))
	for i, name := range g.names {
		v, _, _ := g.Get(name)
		out[i] = v
	}
	return joinCSV(out)
}

// CSVHeader implements Set.
func (g *Getopt) CSVHeader() string {
	return joinCSV(g.names)
}

// Clone implements Set.
func (g *Getopt) Clone() Set {
	c := &Getopt{
		names:   slices.Clone(g.names),
		optName: make(map[string]string, len(g.optName)),
		posName: make(map[int]string, len(g.posName)),
		canon:   make(map[string]canonical, len(g.canon)),
		opts:    slices.Clone(g.opts),
		args:    slices.Clone(g.args),
		quiet:   make(map[string]bool, len(g.quiet)),
	}
	for k, v := range g.optName {
		c.optName[k] = v
	}
	for k, v := range g.posName {
		c.posName[k] = v
	}
	for k, v := range g.canon {
		c.canon[k] = v
	}
	for k, v := range g.quiet {
		c.quiet[k] = v
	}
	return c
}

func (g *Getopt) setQuiet(names []string) {
	for _, n := range names {
		g.quiet[n] = true
	}
}

var _ Set = (*Getopt)(nil)

// =============================================================================
// GNU getopt
// =============================================================================

// gnuGetopt scans args the way GNU getopt does: options and operands may
// be interleaved, "--" ends option scanning, long options accept unique
// prefixes and "--name=value".
func gnuGetopt(args []string, shortOpts string, longOpts []string) ([]optPair, []string, error) {
	var opts []optPair
	var rest []string
	posixly := strings.HasPrefix(shortOpts, "+")
	if posixly {
		shortOpts = shortOpts[1:]
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			rest = append(rest, args[i+1:]...)
			return opts, rest, nil
		case strings.HasPrefix(arg, "--"):
			name, value, hasValue := strings.Cut(arg[2:], "=")
			full, takesArg, err := matchLong(name, longOpts)
			if err != nil {
				return nil, nil, err
			}
			switch {
			case takesArg && !hasValue:
				if i+1 >= len(args) {
					return nil, nil, fmt.Errorf("option --%s requires argument", full)
				}
				i++
				value = args[i]
			case !takesArg && hasValue:
				return nil, nil, fmt.Errorf("option --%s must not have an argument", full)
			}
			opts = append(opts, optPair{option: "--" + full, value: value})
		case strings.HasPrefix(arg, "-") && arg != "-":
			for j := 1; j < len(arg); j++ {
				c := arg[j]
				takesArg, err := matchShort(c, shortOpts)
				if err != nil {
					return nil, nil, err
				}
				if !takesArg {
					opts = append(opts, optPair{option: "-" + string(c)})
					continue
				}
				value := arg[j+1:]
				if value == "" {
					if i+1 >= len(args) {
						return nil, nil, fmt.Errorf("option -%c requires argument", c)
					}
					i++
					value = args[i]
				}
				opts = append(opts, optPair{option: "-" + string(c), value: value})
				break
			}
		default:
			if posixly {
				rest = append(rest, args[i:]...)
				return opts, rest, nil
			}
			rest = append(rest, arg)
		}
	}
	return opts, rest, nil
}

func matchLong(name string, longOpts []string) (string, bool, error) {
	var candidates []string
	for _, o := range longOpts {
		if strings.HasPrefix(o, name) {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		return "", false, fmt.Errorf("option --%s not recognized", name)
	}
	if slices.Contains(candidates, name) {
		return name, false, nil
	}
	if slices.Contains(candidates, name+"=") {
		return name, true, nil
	}
	if len(candidates) > 1 {
		return "", false, fmt.Errorf("option --%s not a unique prefix", name)
	}
	only := candidates[0]
	if strings.HasSuffix(only, "=") {
		return strings.TrimSuffix(only, "="), true, nil
	}
	return only, false, nil
}

func matchShort(c byte, shortOpts string) (bool, error) {
	for i := 0; i < len(shortOpts); i++ {
		if shortOpts[i] == c && c != ':' {
			return i+1 < len(shortOpts) && shortOpts[i+1] == ':', nil
		}
	}
	return false, fmt.Errorf("option -%c not recognized", c)
}
