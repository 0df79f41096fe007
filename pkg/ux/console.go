// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
)

// Category labels a line of run output.
type Category string

// Output categories. Errors and warnings go to the error stream.
const (
	CatError   Category = "ERROR"
	CatWarn    Category = "WARNING"
	CatInfo    Category = "INFO"
	CatCmd     Category = "CMD LINE"
	CatEnv     Category = "ENVIRONMENT"
	CatOffload Category = "OFFLOAD"
	CatDesc    Category = "DESCRIPTION"
	CatPerf    Category = "PERFORMANCE"
)

const (
	// LineWidth is the column budget of all run output.
	LineWidth = 80

	categoryWidth = 11
	minStars      = 5
)

// continuationIndent lines up wrapped text under the category prefix.
var continuationIndent = strings.Repeat(" ", len(categoryPrefix("")))

func categoryPrefix(cat Category) string {
	return fmt.Sprintf("[ %-*s ] ", categoryWidth, string(cat))
}

// FormatCategory renders text with its category prefix.
//
// # Description
//
// With wrap the text is refilled to LineWidth columns and continuation
// lines are indented under the prefix. Without wrap the lines are kept
// as they are and only indented. An empty category continues the
// previous message: every line gets the indent. Empty text renders as "".
//
// # Example
//
//	FormatCategory("stream not optimized", CatWarn, true)
//	// "[ WARNING     ] stream not optimized\n"
func FormatCategory(text string, cat Category, wrap bool) string {
	text = strings.Trim(text, "\r\n")
	if text == "" {
		return ""
	}
	prefix := ""
	if cat != "" {
		prefix = categoryPrefix(cat)
	}
	if !wrap {
		lines := strings.SplitAfter(text, "\n")
		if cat == "" {
			return continuationIndent + strings.Join(lines, continuationIndent) + "\n"
		}
		return prefix + strings.Join(lines, continuationIndent) + "\n"
	}

	first := prefix
	if cat == "" {
		first = continuationIndent
	}
	var out strings.Builder
	line := first
	empty := true
	for _, word := range strings.Fields(text) {
		switch {
		case empty:
			line += word
			empty = false
		case len(line)+1+len(word) <= LineWidth:
			line += " " + word
		default:
			out.WriteString(line)
			out.WriteByte('\n')
			line = continuationIndent + word
		}
	}
	out.WriteString(line)
	out.WriteByte('\n')
	return out.String()
}

// StarBorder centers name in an 80 column line of stars. Names too long
// to center keep five stars on each side.
func StarBorder(name string) string {
	if name != "" {
		name = " " + name + " "
	}
	if len(name) < LineWidth-2*minStars {
		left := (LineWidth - len(name)) / 2
		right := LineWidth - left - len(name)
		return strings.Repeat("*", left) + name + strings.Repeat("*", right)
	}
	return strings.Repeat("*", minStars) + name + strings.Repeat("*", minStars)
}

// Banner returns the three line "=" separator written between kernel
// outputs in a log file.
func Banner(name string) string {
	rule := strings.Repeat("=", LineWidth)
	title := " " + name + " "
	if len(title) < LineWidth {
		left := (LineWidth - len(title)) / 2
		title = strings.Repeat("=", left) + title + strings.Repeat("=", LineWidth-left-len(title))
	}
	return rule + "\n" + title + "\n" + rule
}

// =============================================================================
// Console
// =============================================================================

// Console writes categorized run output.
//
// # Thread Safety
//
// Safe for concurrent use; each call writes whole lines.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	err   io.Writer
	last  io.Writer
	color bool
}

// NewConsole writes regular output to out and errors and warnings to
// errw. Verdicts are colored only when out is a terminal.
func NewConsole(out, errw io.Writer) *Console {
	c := &Console{out: out, err: errw, last: out}
	if f, ok := out.(*os.File); ok {
		c.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return c
}

var (
	defaultMu      sync.RWMutex
	defaultConsole = NewConsole(os.Stdout, os.Stderr)
)

// Default returns the process wide console.
func Default() *Console {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultConsole
}

// SetDefault replaces the process wide console, typically in tests.
func SetDefault(c *Console) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultConsole = c
}

// Print writes a wrapped categorized message and returns what was
// written. Uncategorized text continues on the stream of the previous
// message.
func (c *Console) Print(cat Category, text string) string {
	return c.write(cat, FormatCategory(text, cat, true))
}

// PrintRaw writes preformatted text without refilling it.
func (c *Console) PrintRaw(cat Category, text string) string {
	return c.write(cat, FormatCategory(text, cat, false))
}

func (c *Console) write(cat Category, text string) string {
	if text == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cat {
	case CatError, CatWarn:
		c.last = c.err
	case "":
	default:
		c.last = c.out
	}
	_, _ = io.WriteString(c.last, text)
	return text
}

// Println writes plain lines to the regular stream.
func (c *Console) Println(lines ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range lines {
		_, _ = io.WriteString(c.out, l+"\n")
	}
}

// Errorln writes plain lines to the error stream.
func (c *Console) Errorln(lines ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range lines {
		_, _ = io.WriteString(c.err, l+"\n")
	}
}

// Verdict writes a regression verdict line, colored on terminals.
func (c *Console) Verdict(line string, passed bool) {
	if c.color {
		if passed {
			line = Styles.Success.Render(line)
		} else {
			line = Styles.Error.Render(line)
		}
	}
	c.Println(line)
}

// Out returns the regular output stream.
func (c *Console) Out() io.Writer { return c.out }

// =============================================================================
// Tables
// =============================================================================

// RenderTable lays out rows under header as a light-ruled text table.
func RenderTable(header []string, rows [][]string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(toRow(header))
	for _, r := range rows {
		t.AppendRow(toRow(r))
	}
	return t.Render()
}

func toRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}
