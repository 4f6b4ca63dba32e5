//
// Copyright 2023 BuildXL Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package allowlist implements the two-tier allow-list matcher of
// spec §4.5 and its wire serialization (§4.7).
package allowlist

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Verdict is the strength of a match, ordered from weakest to
// strongest: NoMatch < MatchesButNotCacheable < MatchesAndCacheable.
type Verdict int

const (
	NoMatch Verdict = iota
	MatchesButNotCacheable
	MatchesAndCacheable
)

func (v Verdict) String() string {
	switch v {
	case NoMatch:
		return "NoMatch"
	case MatchesButNotCacheable:
		return "MatchesButNotCacheable"
	case MatchesAndCacheable:
		return "MatchesAndCacheable"
	default:
		return "Unknown"
	}
}

// Strongest returns the more permissive of two verdicts.
func Strongest(a, b Verdict) Verdict {
	if a > b {
		return a
	}
	return b
}

// LeastPermissive returns the less permissive of two verdicts — used
// to aggregate multiple accesses to the same path (§4.5 last
// paragraph, §8 invariant 4): NoMatch dominates MatchesButNotCacheable
// dominates MatchesAndCacheable.
func LeastPermissive(a, b Verdict) Verdict {
	if a < b {
		return a
	}
	return b
}

// AggregateVerdict reduces a slice of verdicts to the least permissive
// one, defaulting to MatchesAndCacheable (the identity element) for an
// empty slice.
func AggregateVerdict(verdicts []Verdict) Verdict {
	return lo.Reduce(verdicts, func(acc Verdict, v Verdict, _ int) Verdict {
		return LeastPermissive(acc, v)
	}, MatchesAndCacheable)
}

// Entry is a single allow-list rule: a compiled pattern plus its
// cacheability strength and a display name.
type Entry struct {
	Name      string
	Pattern   string
	re        *regexp.Regexp
	Cacheable bool
}

func (e *Entry) strength() Verdict {
	if e.Cacheable {
		return MatchesAndCacheable
	}
	return MatchesButNotCacheable
}

func compile(pattern string) (*regexp.Regexp, error) {
	// culture-invariant, case-insensitive: regexp's (?i) flag is the
	// stdlib's case-folding mode, applied uniformly (Go's regexp
	// engine has no locale-sensitive case folding to opt out of, which
	// is exactly "culture invariant").
	return regexp.Compile("(?i)" + pattern)
}

// NewEntry compiles pattern and returns the ready-to-use Entry.
// ConfigurationError per §7: a bad pattern is fatal at admission time.
func NewEntry(name, pattern string, cacheable bool) (*Entry, error) {
	re, err := compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid allow-list pattern %q for entry %q: %w", pattern, name, err)
	}
	return &Entry{Name: name, Pattern: pattern, re: re, Cacheable: cacheable}, nil
}

// AllowList holds two indices (by task value-symbol, and by process
// image — full path or basename) plus any module-scoped shadow lists
// (§3, §4.5).
type AllowList struct {
	mu sync.RWMutex

	// CaseSensitiveBasename controls image-keyed lookups (full paths
	// and basenames share one index, so both are affected); default
	// true on Linux (§9 Open Questions — decision recorded in
	// DESIGN.md).
	CaseSensitiveBasename bool

	byValueSymbol map[string][]*Entry
	byImagePath   map[string][]*Entry // full path or basename, same index
	byModule      map[string]*AllowList
}

func New() *AllowList {
	return &AllowList{
		CaseSensitiveBasename: true,
		byValueSymbol:         make(map[string][]*Entry),
		byImagePath:           make(map[string][]*Entry),
		byModule:              make(map[string]*AllowList),
	}
}

func (a *AllowList) AddByValueSymbol(valueSymbol string, e *Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byValueSymbol[valueSymbol] = append(a.byValueSymbol[valueSymbol], e)
}

func (a *AllowList) AddByImage(image string, e *Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := a.imageKey(image)
	a.byImagePath[key] = append(a.byImagePath[key], e)
}

// AddModule attaches (or replaces) a module-scoped allow-list that
// shadows nothing — its entries simply add to whatever the root list
// contributes (§4.5 step 2).
func (a *AllowList) AddModule(moduleID string, module *AllowList) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byModule[moduleID] = module
}

func (a *AllowList) imageKey(image string) string {
	if a.CaseSensitiveBasename {
		return image
	}
	return strings.ToLower(image)
}

// candidates gathers every entry that could apply to a process
// identified by valueSymbol/fullImagePath/moduleID, per §4.5 step 1-2.
func (a *AllowList) candidates(valueSymbol, fullImagePath, moduleID string) []*Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	basename := filepath.Base(fullImagePath)

	var out []*Entry
	out = append(out, a.byValueSymbol[valueSymbol]...)
	out = append(out, a.byImagePath[a.imageKey(fullImagePath)]...)
	out = append(out, a.byImagePath[a.imageKey(basename)]...)

	if moduleID != "" {
		if module, ok := a.byModule[moduleID]; ok {
			out = append(out, module.candidates(valueSymbol, fullImagePath, moduleID)...)
		}
	}

	return lo.UniqBy(out, func(e *Entry) string { return e.Name + "\x00" + e.Pattern })
}

// Match computes the classification verdict for a single reported
// path, per §4.5. The final verdict is the strongest of all
// contributions, defaulting to NoMatch.
func (a *AllowList) Match(valueSymbol, fullImagePath, moduleID, reportedPath string) Verdict {
	candidates := a.candidates(valueSymbol, fullImagePath, moduleID)

	matching := lo.Filter(candidates, func(e *Entry, _ int) bool {
		return e.re.MatchString(reportedPath)
	})

	verdict := NoMatch
	for _, e := range matching {
		verdict = Strongest(verdict, e.strength())
	}
	return verdict
}
