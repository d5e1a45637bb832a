// Package routing dispatches queries to named upstream groups. Rules are
// evaluated in declaration order; within a rule the exact set is tested
// ahead of the wildcard and regex lists.
package routing

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/owdns/owdns/dnsutil"
	"github.com/semihalev/zlog/v2"
)

// matcherSet is one compiled generation of a rule's entries. It is
// immutable after build; reloads swap in a fresh set.
type matcherSet struct {
	exact     map[string]struct{}
	wildcards []string
	regexes   []*regexp.Regexp
}

func newMatcherSet() *matcherSet {
	return &matcherSet{exact: make(map[string]struct{})}
}

// Match tests name, which must already be in trimmed lowercase form.
func (s *matcherSet) Match(name string) bool {
	if _, ok := s.exact[name]; ok {
		return true
	}

	for _, suffix := range s.wildcards {
		if name == suffix || strings.HasSuffix(name, "."+suffix) {
			return true
		}
	}

	for _, re := range s.regexes {
		if re.MatchString(name) {
			return true
		}
	}

	return false
}

func (s *matcherSet) size() int {
	return len(s.exact) + len(s.wildcards) + len(s.regexes)
}

func (s *matcherSet) addExact(name string) error {
	name = dnsutil.TrimmedName(name)
	if !dnsutil.ValidName(name) {
		return fmt.Errorf("routing: invalid domain %q", name)
	}

	s.exact[name] = struct{}{}
	return nil
}

func (s *matcherSet) addWildcard(pattern string) error {
	suffix := dnsutil.TrimmedName(strings.TrimPrefix(pattern, "*."))
	if !dnsutil.ValidName(suffix) {
		return fmt.Errorf("routing: invalid wildcard %q", pattern)
	}

	s.wildcards = append(s.wildcards, suffix)
	return nil
}

func (s *matcherSet) addRegex(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("routing: invalid regex %q: %w", pattern, err)
	}

	s.regexes = append(s.regexes, re)
	return nil
}

// addEntry parses one line of the list grammar: a bare exact domain, or
// a payload behind a "regex:" or "wildcard:" prefix.
func (s *matcherSet) addEntry(entry string) error {
	switch {
	case strings.HasPrefix(entry, "regex:"):
		return s.addRegex(strings.TrimSpace(strings.TrimPrefix(entry, "regex:")))
	case strings.HasPrefix(entry, "wildcard:"):
		return s.addWildcard(strings.TrimSpace(strings.TrimPrefix(entry, "wildcard:")))
	default:
		return s.addExact(entry)
	}
}

// parseList reads the domain list grammar: one entry per line, "#" to
// end of line is a comment, blank lines ignored. Malformed lines are
// logged and skipped individually; the count of skipped lines is
// returned alongside the compiled set.
func parseList(r io.Reader, source string) (*matcherSet, int, error) {
	set := newMatcherSet()
	skipped := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++

		entry := scanner.Text()
		if i := strings.IndexByte(entry, '#'); i >= 0 {
			entry = entry[:i]
		}

		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if err := set.addEntry(entry); err != nil {
			zlog.Warn("Skipping malformed list entry", "source", source, "line", line, "error", err.Error())
			skipped++
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("routing: read %s: %w", source, err)
	}

	return set, skipped, nil
}
