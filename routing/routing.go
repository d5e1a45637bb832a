package routing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/owdns/owdns/dnsutil"
)

// GroupBlackhole is the reserved upstream group that answers NXDOMAIN
// without contacting any resolver.
const GroupBlackhole = "__blackhole__"

// Matcher kinds accepted in rule specs.
const (
	TypeExact    = "exact"
	TypeRegex    = "regex"
	TypeWildcard = "wildcard"
	TypeFile     = "file"
	TypeURL      = "url"
)

// Spec describes one routing rule before compilation.
type Spec struct {
	Type   string   `yaml:"type"`
	Values []string `yaml:"values,omitempty"`
	Path   string   `yaml:"path,omitempty"`
	URL    string   `yaml:"url,omitempty"`
	Group  string   `yaml:"upstream_group"`
}

// Rule is a compiled matcher bound to a target group. File and URL rules
// swap their compiled set atomically on reload; a reload failure retains
// the previous set.
type Rule struct {
	spec Spec

	mu   sync.RWMutex
	set  *matcherSet
	hash uint64
}

// Group returns the rule's target upstream group.
func (r *Rule) Group() string {
	return r.spec.Group
}

// Source identifies the rule kind for logs and metrics.
func (r *Rule) Source() string {
	return r.spec.Type
}

// Match tests a trimmed lowercase name against the current set.
func (r *Rule) Match(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.set.Match(name)
}

func (r *Rule) swap(set *matcherSet, hash uint64) {
	r.mu.Lock()
	r.set = set
	r.hash = hash
	r.mu.Unlock()
}

func (r *Rule) currentHash() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.hash
}

// NewRule compiles spec. File and URL sources are loaded eagerly; a
// source that cannot be fetched or yields no usable entries is a
// configuration error.
func NewRule(spec Spec, client *http.Client) (*Rule, error) {
	if spec.Group == "" {
		return nil, errors.New("routing: rule missing upstream_group")
	}

	r := &Rule{spec: spec}

	switch spec.Type {
	case TypeExact, TypeRegex, TypeWildcard:
		set := newMatcherSet()
		for _, v := range spec.Values {
			var err error
			switch spec.Type {
			case TypeExact:
				err = set.addExact(v)
			case TypeWildcard:
				err = set.addWildcard(v)
			case TypeRegex:
				err = set.addRegex(v)
			}
			if err != nil {
				return nil, err
			}
		}
		r.set = set

	case TypeFile:
		if spec.Path == "" {
			return nil, errors.New("routing: file rule missing path")
		}
		if err := r.reloadFromFile(); err != nil {
			return nil, err
		}

	case TypeURL:
		if spec.URL == "" {
			return nil, errors.New("routing: url rule missing url")
		}
		if client == nil {
			return nil, errors.New("routing: url rule requires an http client")
		}
		if err := r.reloadFromURL(client); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("routing: unknown rule type %q", spec.Type)
	}

	return r, nil
}

// reloadFromFile rebuilds the rule from its list file. On error the
// current set is untouched.
func (r *Rule) reloadFromFile() error {
	f, err := os.Open(r.spec.Path)
	if err != nil {
		return fmt.Errorf("routing: open rule file: %w", err)
	}
	defer f.Close()

	body, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("routing: read rule file: %w", err)
	}

	return r.rebuild(body, r.spec.Path)
}

// reloadFromURL fetches the rule's URL source and rebuilds when the body
// hash changed. It returns errUnchanged when the body is identical.
func (r *Rule) reloadFromURL(client *http.Client) error {
	resp, err := client.Get(r.spec.URL)
	if err != nil {
		return fmt.Errorf("routing: fetch rule url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("routing: fetch rule url: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("routing: read rule url: %w", err)
	}

	if hash := xxhash.Sum64(body); hash == r.currentHash() && r.currentHash() != 0 {
		return errUnchanged
	}

	return r.rebuild(body, r.spec.URL)
}

// errUnchanged signals that a URL refresh found an identical body.
var errUnchanged = errors.New("routing: source unchanged")

func (r *Rule) rebuild(body []byte, source string) error {
	set, _, err := parseList(bytes.NewReader(body), source)
	if err != nil {
		return err
	}

	if set.size() == 0 {
		return fmt.Errorf("routing: %s has no usable entries", source)
	}

	r.swap(set, xxhash.Sum64(body))
	return nil
}

// Router holds the ordered rule list. The first matching rule wins; a
// miss falls back to the default group when one is configured.
type Router struct {
	enabled      bool
	rules        []*Rule
	defaultGroup string
}

// New builds a router over compiled rules.
func New(enabled bool, rules []*Rule, defaultGroup string) *Router {
	return &Router{enabled: enabled, rules: rules, defaultGroup: defaultGroup}
}

// Match returns the upstream group for a question name. An empty group
// means the caller should use the global upstream pool.
func (rt *Router) Match(qname string) string {
	if rt == nil || !rt.enabled {
		return ""
	}

	name := dnsutil.TrimmedName(qname)

	for _, rule := range rt.rules {
		if rule.Match(name) {
			return rule.Group()
		}
	}

	return rt.defaultGroup
}

// Rules returns the compiled rule list, declaration order preserved.
func (rt *Router) Rules() []*Rule {
	return rt.rules
}
