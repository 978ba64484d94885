package proctable

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// RegexPrefix marks a pattern as a regular expression; anything else is a
// plain substring.
const RegexPrefix = "re:"

// Pattern matches a process by command line, or by name when the command
// line is unreadable.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, fmt.Errorf("empty process pattern")
	}
	if expr, ok := strings.CutPrefix(s, RegexPrefix); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return Pattern{}, fmt.Errorf("pattern %q: %w", s, err)
		}
		return Pattern{raw: s, re: re}, nil
	}
	return Pattern{raw: s}, nil
}

func (p Pattern) String() string { return p.raw }

func (p Pattern) Match(proc Process) bool {
	subject := proc.Cmdline
	if subject == "" {
		subject = proc.Name
	}
	if subject == "" {
		return false
	}
	if p.re != nil {
		return p.re.MatchString(subject)
	}
	return strings.Contains(subject, p.raw)
}

// PatternSet matches a process when any member does.
type PatternSet []Pattern

// Compile parses every string into a pattern.
func Compile(patterns []string) (PatternSet, error) {
	set := make(PatternSet, 0, len(patterns))
	for _, s := range patterns {
		p, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}
		set = append(set, p)
	}
	return set, nil
}

// MustCompile is Compile for patterns known to be valid.
func MustCompile(patterns ...string) PatternSet {
	set, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return set
}

// Union returns a set holding the members of both sets.
func (s PatternSet) Union(other PatternSet) PatternSet {
	return append(append(PatternSet(nil), s...), other...)
}

func (s PatternSet) Match(proc Process) bool {
	for _, p := range s {
		if p.Match(proc) {
			return true
		}
	}
	return false
}

// Filter returns the matching processes ordered by PID.
func (s PatternSet) Filter(procs []Process) []Process {
	var out []Process
	for _, p := range procs {
		if s.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (s PatternSet) Strings() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.raw
	}
	return out
}

// Personal.AI order the ending
