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
	"regexp"
	"slices"
	"strings"

	"github.com/AleutianAI/micperf/internal/perferr"
)

// Schema describes the parameters a Named set accepts.
type Schema struct {
	// Names is the ordered list of parameter names.
	Names []string

	// Defaults fills names the input did not give. Names absent from the
	// map stay unset.
	Defaults map[string]string

	// Quiet names are kept but never serialized. Kernels use it for
	// parameters that travel through the environment instead.
	Quiet []string

	// Validator checks every parsed value. nil means NoValidator.
	Validator Validator
}

// Named is the schema-driven parameter set.
//
// # Description
//
// Values are parsed positionally when the input has no option tokens,
// otherwise as "--name value" and "-x value" pairs. An option followed by
// another option records the empty string (a presence flag).
//
// # Example
//
//	set, err := params.Parse("--omp_num_threads 4", params.Schema{
//	    Names: []string{"omp_num_threads"},
//	})
//	args, _ := set.Args(params.Value) // ["--omp_num_threads", "4"]
type Named struct {
	names  []string
	values map[string]*string
	quiet  map[string]bool

	// dropped names are quiet and also left out of String.
	dropped map[string]bool
}

var shortOptionRe = regexp.MustCompile(`^-[a-zA-Z]$`)

func isShortOption(tok string) bool {
	return shortOptionRe.MatchString(tok)
}

// Parse splits raw with shell quoting rules and parses the tokens.
func Parse(raw string, schema Schema) (*Named, error) {
	tokens, err := Split(raw)
	if err != nil {
		return nil, err
	}
	return ParseTokens(tokens, schema)
}

// ParseTokens parses an already split token list.
//
// # Outputs
//
//   - *Named: the parsed set, with defaults applied.
//   - error: a *HelpError for --help / -h, ErrUnknownParam for unknown
//     names, ErrMalformed for stray tokens, ErrInvalidType when the
//     validator rejects a value, ErrAmbiguousFlag when two names share a
//     first letter.
func ParseTokens(tokens []string, schema Schema) (*Named, error) {
	n := &Named{
		names:   slices.Clone(schema.Names),
		values:  make(map[string]*string, len(schema.Names)),
		quiet:   make(map[string]bool, len(schema.Quiet)),
		dropped: map[string]bool{},
	}
	for _, q := range schema.Quiet {
		n.quiet[q] = true
	}
	validator := schema.Validator
	if validator == nil {
		validator = NoValidator{}
	}

	store := func(name, value string) error {
		v, err := validator.Validate(name, value)
		if err != nil {
			return err
		}
		n.values[name] = &v
		return nil
	}

	positional := !slices.ContainsFunc(tokens, func(tok string) bool {
		return strings.HasPrefix(tok, "--") || isShortOption(tok)
	})

	if positional {
		for i, tok := range tokens {
			if i >= len(n.names) {
				break
			}
			if err := store(n.names[i], tok); err != nil {
				return nil, err
			}
		}
	} else {
		for i := 0; i < len(tokens); {
			tok := tokens[i]
			var name string
			switch {
			case strings.HasPrefix(tok, "--"):
				name = tok[2:]
				if name == "help" {
					return nil, &HelpError{}
				}
				if !slices.Contains(n.names, name) {
					return nil, fmt.Errorf("%w: %s", ErrUnknownParam, name)
				}
				i++
				if i < len(tokens) && !strings.HasPrefix(tokens[i], "-") {
					if err := store(name, tokens[i]); err != nil {
						return nil, err
					}
					i++
					continue
				}
			case isShortOption(tok):
				flag := tok[1:]
				if flag == "h" {
					return nil, &HelpError{}
				}
				var matches []string
				for _, pn := range n.names {
					if strings.HasPrefix(pn, flag) {
						matches = append(matches, pn)
					}
				}
				if len(matches) == 0 {
					return nil, fmt.Errorf("%w: unknown kernel flag %s", ErrUnknownParam, flag)
				}
				if len(matches) > 1 {
					return nil, fmt.Errorf("%w: more than one parameter name starts with %q: %v",
						ErrAmbiguousFlag, flag, matches)
				}
				name = matches[0]
				i++
				if i < len(tokens) && !isShortOption(tokens[i]) {
					if err := store(name, tokens[i]); err != nil {
						return nil, err
					}
					i++
					continue
				}
			default:
				return nil, fmt.Errorf("%w, invalid token '%s' found at position %d", ErrMalformed, tok, i)
			}
			if err := store(name, ""); err != nil {
				return nil, err
			}
		}
	}

	for _, pn := range n.names {
		if _, ok := n.values[pn]; ok {
			continue
		}
		if def, ok := schema.Defaults[pn]; ok {
			v := def
			n.values[pn] = &v
		}
	}
	return n, nil
}

// Names implements Set.
func (n *Named) Names() []string {
	return slices.Clone(n.names)
}

// Get implements Set.
func (n *Named) Get(name string) (string, bool, error) {
	if !slices.Contains(n.names, name) {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	v := n.values[name]
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

// Set implements Set.
func (n *Named) Set(name, value string) error {
	if !slices.Contains(n.names, name) {
		return fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	v := value
	n.values[name] = &v
	return nil
}

// visible returns the names that take part in serialization.
func (n *Named) visible() []string {
	out := make([]string, 0, len(n.names))
	for _, pn := range n.names {
		if n.values[pn] == nil || n.quiet[pn] {
			continue
		}
		out = append(out, pn)
	}
	return out
}

// PosList returns the positional view. Presence flags render as "1".
func (n *Named) PosList() []string {
	vis := n.visible()
	out := make([]string, len(vis))
	for i, pn := range vis {
		v := *n.values[pn]
		if v == "" {
			v = "1"
		}
		out[i] = v
	}
	return out
}

// ValueString returns the "--name value" view.
func (n *Named) ValueString() string {
	parts := make([]string, 0, len(n.names))
	for _, pn := range n.visible() {
		parts = append(parts, "--"+pn+" "+*n.values[pn])
	}
	return strings.Join(parts, " ")
}

// FlagString returns the "-x value" view.
func (n *Named) FlagString() string {
	parts := make([]string, 0, len(n.names))
	for _, pn := range n.visible() {
		parts = append(parts, "-"+pn[:1]+" "+*n.values[pn])
	}
	return strings.Join(parts, " ")
}

// NumParam implements Set.
func (n *Named) NumParam() int {
	return len(n.PosList())
}

// Args implements Set.
//
// The value and flag forms split the rendered string on whitespace, so
// a value containing spaces becomes several arguments. Values parsed
// from quoted input only round trip when they have no spaces.
func (n *Named) Args(g Grammar) ([]string, error) {
	switch g {
	case Positional:
		return n.PosList(), nil
	case Value:
		return strings.Fields(n.ValueString()), nil
	case Flag:
		return strings.Fields(n.FlagString()), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, g)
	}
}

// String implements Set. Unlike ValueString it keeps the names passed
// through the environment, so run banners show every value used.
func (n *Named) String() string {
	parts := make([]string, 0, len(n.names))
	for _, pn := range n.names {
		if n.values[pn] == nil || n.dropped[pn] {
			continue
		}
		parts = append(parts, "--"+pn+" "+*n.values[pn])
	}
	return strings.Join(parts, " ")
}

// CSV implements Set. Quiet names are included so columns line up with
// CSVHeader.
func (n *Named) CSV() string {
	out := make([]string, len(n.names))
	for i, pn := range n.names {
		v := n.values[pn]
		if v == nil {
			out[i] = ValueToPrint("", false)
			continue
		}
		out[i] = ValueToPrint(*v, true)
	}
	return joinCSV(out)
}

// CSVHeader implements Set.
func (n *Named) CSVHeader() string {
	return joinCSV(n.names)
}

// Values returns a copy of the set values, unset names omitted.
func (n *Named) Values() map[string]string {
	out := make(map[string]string, len(n.values))
	for k, v := range n.values {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

// Clone implements Set.
func (n *Named) Clone() Set {
	c := &Named{
		names:   slices.Clone(n.names),
		values:  make(map[string]*string, len(n.values)),
		quiet:   make(map[string]bool, len(n.quiet)),
		dropped: make(map[string]bool, len(n.dropped)),
	}
	for k, v := range n.values {
		if v != nil {
			vv := *v
			c.values[k] = &vv
		}
	}
	for k, v := range n.quiet {
		c.quiet[k] = v
	}
	for k, v := range n.dropped {
		c.dropped[k] = v
	}
	return c
}

func (n *Named) setQuiet(names []string) {
	for _, q := range names {
		n.quiet[q] = true
		n.dropped[q] = true
	}
}

// FromValues builds a Named set directly from stored values. It is used
// to restore persisted runs and performs no validation.
func FromValues(names []string, values map[string]string, quiet []string) *Named {
	n := &Named{
		names:   slices.Clone(names),
		values:  make(map[string]*string, len(values)),
		quiet:   make(map[string]bool, len(quiet)),
		dropped: map[string]bool{},
	}
	for k, v := range values {
		vv := v
		n.values[k] = &vv
	}
	for _, q := range quiet {
		n.quiet[q] = true
	}
	return n
}

var _ Set = (*Named)(nil)

// CheckShortFlags reports names sharing a first letter. Flag grammar
// kernels call it at registration so the ambiguity never reaches a user.
func CheckShortFlags(names []string) error {
	seen := make(map[byte]string, len(names))
	for _, pn := range names {
		if pn == "" {
			continue
		}
		if prev, ok := seen[pn[0]]; ok {
			return perferr.New(perferr.KindConfig, "parameters %q and %q share the short flag -%c", prev, pn, pn[0])
		}
		seen[pn[0]] = pn
	}
	return nil
}
