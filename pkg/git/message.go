package git

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Footer marks commits written by tilth.
const Footer = "Written-by: tilth"

// Message is the commit message of one flush: the change reason followed by
// a summary of the records the commit touches.
type Message struct {
	Reason string
	// Added and Removed are slash-separated paths relative to the work tree.
	Added   []string
	Removed []string
}

// String renders the reason, one body line per record directory, and the
// footer:
//
//	import books
//
//	Author: 1 written
//	Book: 2 written, 1 removed
//
//	Written-by: tilth
func (m Message) String() string {
	var sb strings.Builder
	reason := strings.TrimSpace(strings.ReplaceAll(m.Reason, Footer, ""))
	if reason == "" {
		reason = "tilth: commit"
	}
	sb.WriteString(reason)

	if summary := m.summary(); len(summary) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(strings.Join(summary, "\n"))
	}
	sb.WriteString("\n\n")
	sb.WriteString(Footer)
	return sb.String()
}

func (m Message) summary() []string {
	type counts struct{ written, removed int }
	byDir := make(map[string]*counts)
	count := func(p string) *counts {
		dir := path.Dir(p)
		if dir == "." {
			dir = p
		}
		c, ok := byDir[dir]
		if !ok {
			c = &counts{}
			byDir[dir] = c
		}
		return c
	}
	for _, p := range m.Added {
		count(p).written++
	}
	for _, p := range m.Removed {
		count(p).removed++
	}

	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	lines := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		c := byDir[dir]
		var parts []string
		if c.written > 0 {
			parts = append(parts, fmt.Sprintf("%d written", c.written))
		}
		if c.removed > 0 {
			parts = append(parts, fmt.Sprintf("%d removed", c.removed))
		}
		lines = append(lines, dir+": "+strings.Join(parts, ", "))
	}
	return lines
}
