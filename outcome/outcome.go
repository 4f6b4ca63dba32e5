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

// Package outcome classifies reported accesses against allow-list
// verdicts and accumulates the counters that decide cacheability
// (spec §4.5 classification rules, §8 invariants 4/5).
package outcome

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/buildxl/sandbox/allowlist"
	"github.com/buildxl/sandbox/report"
)

// ViolationRecord describes a single disallowed or escalated access,
// distinguishing restricted-temp-path violations from ordinary ones.
type ViolationRecord struct {
	Access         *report.ReportedAccess
	RestrictedTemp bool
	Escalated      bool // true if this came from a MatchesButNotCacheable escalation
}

// AllowListedRecord describes a single allow-listed access.
type AllowListedRecord struct {
	Access    *report.ReportedAccess
	Cacheable bool
}

// Counters is §3's OutcomeCounters.
type Counters struct {
	Violations               int
	AllowListedCacheable     int
	AllowListedNotCacheable  int
	ExistenceBasedViolations int
}

// HasUncacheable implements the invariant from §3:
// has_uncacheable := (violations + allow_listed_not_cacheable) - existence_based_violations > 0
func (c Counters) HasUncacheable() bool {
	return (c.Violations+c.AllowListedNotCacheable)-c.ExistenceBasedViolations > 0
}

// Classifier accumulates OutcomeCounters and the violation/allow-listed
// lists across a task's lifetime. One Classifier per task.
type Classifier struct {
	mu sync.Mutex

	// ReportAllowListedAccesses switches on "report allow-listed
	// accesses" mode (§4.5, §9 open question 1): a
	// MatchesButNotCacheable verdict escalates to a violation instead
	// of being recorded as an ordinary allow-listed hit. The criterion
	// for enabling this is external (distributed-worker) configuration
	// — this module only exposes the knob.
	ReportAllowListedAccesses bool

	// IgnoreUnsafeNtCreate, when set, downgrades an NtCreateFile-
	// equivalent NoMatch verdict to a warning instead of a violation
	// (§4.5 classification rules).
	IgnoreUnsafeNtCreate bool

	counters   Counters
	violations []ViolationRecord
	allowed    []AllowListedRecord
}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// restrictedTempPrefixes are paths the engine treats as a narrower
// violation class (temp directories the sandbox itself manages).
// Matching BuildXL's own sandbox temp-path convention from §6.
var restrictedTempPrefixes = []string{"/tmp/bxl_", "/var/tmp/bxl_"}

func isRestrictedTemp(path string) bool {
	for _, p := range restrictedTempPrefixes {
		if len(path) >= len(p) && path[:len(p)] == p {
			return true
		}
	}
	return false
}

// isExistenceProbe reports whether the access was based purely on
// file-existence probing rather than an attempt to read or write
// content.
func isExistenceProbe(a *report.ReportedAccess) bool {
	return a.RequestedAccess == report.Probe || a.Op == report.OpStat || a.Op == report.OpEnumerate
}

// isNtCreateEquivalent identifies the operation class the spec calls
// "NtCreateFile-equivalent" — on Linux, an open/create syscall.
func isNtCreateEquivalent(a *report.ReportedAccess) bool {
	return a.Op == report.OpOpen || a.Op == report.OpCreate
}

// Classify applies §4.5's classification rules for one reported access
// given its already-computed allow-list verdict, updating the
// counters and violation/allow-listed lists. It returns true if the
// event was recorded as a violation (including an escalation).
func (c *Classifier) Classify(access *report.ReportedAccess, verdict allowlist.Verdict) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch verdict {
	case allowlist.NoMatch:
		if isNtCreateEquivalent(access) && c.IgnoreUnsafeNtCreate {
			logrus.Warnf("unsafe-ignore: disallowed access to %s by pid %d treated as warning", access.Path, access.Pid)
			return false
		}

		restricted := isRestrictedTemp(access.Path)
		c.counters.Violations++
		if isExistenceProbe(access) {
			c.counters.ExistenceBasedViolations++
		}
		c.violations = append(c.violations, ViolationRecord{Access: access, RestrictedTemp: restricted})

		if restricted {
			logrus.Warnf("disallowed access to restricted temp path %s by pid %d", access.Path, access.Pid)
		} else {
			logrus.Warnf("disallowed access to %s by pid %d", access.Path, access.Pid)
		}
		return true

	case allowlist.MatchesButNotCacheable:
		if c.ReportAllowListedAccesses {
			c.counters.Violations++
			c.violations = append(c.violations, ViolationRecord{Access: access, Escalated: true})
			logrus.Warnf("allow-listed but not cacheable access to %s escalated to violation (report-allow-listed-accesses mode)", access.Path)
			return true
		}
		c.counters.AllowListedNotCacheable++
		c.allowed = append(c.allowed, AllowListedRecord{Access: access, Cacheable: false})
		return false

	case allowlist.MatchesAndCacheable:
		c.counters.AllowListedCacheable++
		c.allowed = append(c.allowed, AllowListedRecord{Access: access, Cacheable: true})
		return false

	default:
		return false
	}
}

// Counters returns a snapshot of the accumulated counters.
func (c *Classifier) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Violations returns a snapshot of the violation list.
func (c *Classifier) Violations() []ViolationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ViolationRecord, len(c.violations))
	copy(out, c.violations)
	return out
}

// AllowListed returns a snapshot of the allow-listed access list.
func (c *Classifier) AllowListed() []AllowListedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AllowListedRecord, len(c.allowed))
	copy(out, c.allowed)
	return out
}

// Cacheable reports the final cacheability verdict (§3, §8 invariant 5):
// a task with any uncacheable counters must not be cached by any
// upstream consumer.
func (c *Classifier) Cacheable() bool {
	return !c.Counters().HasUncacheable()
}
