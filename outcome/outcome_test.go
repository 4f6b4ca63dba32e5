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

package outcome

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buildxl/sandbox/allowlist"
	"github.com/buildxl/sandbox/report"
)

func TestClassifyNoMatchRecordsOrdinaryViolation(t *testing.T) {
	c := NewClassifier()
	access := &report.ReportedAccess{Op: report.OpOpen, Path: "/src/main.c", Pid: 42}

	isViolation := c.Classify(access, allowlist.NoMatch)

	assert.True(t, isViolation)
	assert.Equal(t, 1, c.Counters().Violations)
	assert.Len(t, c.Violations(), 1)
	assert.False(t, c.Violations()[0].RestrictedTemp)
}

func TestClassifyNoMatchDistinguishesRestrictedTemp(t *testing.T) {
	c := NewClassifier()
	access := &report.ReportedAccess{Op: report.OpWrite, Path: "/tmp/bxl_abc123/scratch", Pid: 7}

	c.Classify(access, allowlist.NoMatch)

	assert.Len(t, c.Violations(), 1)
	assert.True(t, c.Violations()[0].RestrictedTemp)
}

func TestClassifyNoMatchExistenceProbeCountsAsExistenceBased(t *testing.T) {
	c := NewClassifier()
	probe := &report.ReportedAccess{Op: report.OpStat, Path: "/does/not/exist", RequestedAccess: report.Probe}

	c.Classify(probe, allowlist.NoMatch)

	counters := c.Counters()
	assert.Equal(t, 1, counters.Violations)
	assert.Equal(t, 1, counters.ExistenceBasedViolations)
	assert.False(t, counters.HasUncacheable(), "an existence-based violation alone must not force uncacheable")
}

func TestClassifyIgnoreUnsafeNtCreateDowngradesToWarning(t *testing.T) {
	c := NewClassifier()
	c.IgnoreUnsafeNtCreate = true
	access := &report.ReportedAccess{Op: report.OpOpen, Path: "/src/main.c"}

	isViolation := c.Classify(access, allowlist.NoMatch)

	assert.False(t, isViolation)
	assert.Equal(t, 0, c.Counters().Violations)
	assert.Empty(t, c.Violations())
}

func TestClassifyIgnoreUnsafeNtCreateOnlyAppliesToNtCreateEquivalentOps(t *testing.T) {
	c := NewClassifier()
	c.IgnoreUnsafeNtCreate = true
	access := &report.ReportedAccess{Op: report.OpReadLink, Path: "/etc/resolv.conf"}

	isViolation := c.Classify(access, allowlist.NoMatch)

	assert.True(t, isViolation, "the downgrade is scoped to NtCreateFile-equivalent ops, not every NoMatch")
}

func TestClassifyMatchesButNotCacheableRecordsAllowListedByDefault(t *testing.T) {
	c := NewClassifier()
	access := &report.ReportedAccess{Op: report.OpRead, Path: "/usr/include/stdio.h"}

	isViolation := c.Classify(access, allowlist.MatchesButNotCacheable)

	assert.False(t, isViolation)
	assert.Equal(t, 1, c.Counters().AllowListedNotCacheable)
	assert.Len(t, c.AllowListed(), 1)
	assert.False(t, c.AllowListed()[0].Cacheable)
	assert.True(t, c.Counters().HasUncacheable())
}

func TestClassifyMatchesButNotCacheableEscalatesInReportMode(t *testing.T) {
	c := NewClassifier()
	c.ReportAllowListedAccesses = true
	access := &report.ReportedAccess{Op: report.OpRead, Path: "/usr/include/stdio.h"}

	isViolation := c.Classify(access, allowlist.MatchesButNotCacheable)

	assert.True(t, isViolation)
	assert.Equal(t, 1, c.Counters().Violations)
	assert.Equal(t, 0, c.Counters().AllowListedNotCacheable)
	assert.Len(t, c.Violations(), 1)
	assert.True(t, c.Violations()[0].Escalated)
}

func TestClassifyMatchesAndCacheableRecordsCacheableHit(t *testing.T) {
	c := NewClassifier()
	access := &report.ReportedAccess{Op: report.OpRead, Path: "/usr/include/stdlib.h"}

	isViolation := c.Classify(access, allowlist.MatchesAndCacheable)

	assert.False(t, isViolation)
	assert.Equal(t, 1, c.Counters().AllowListedCacheable)
	assert.Len(t, c.AllowListed(), 1)
	assert.True(t, c.AllowListed()[0].Cacheable)
}

func TestCacheableReflectsAccumulatedCounters(t *testing.T) {
	c := NewClassifier()
	c.Classify(&report.ReportedAccess{Op: report.OpRead, Path: "/usr/include/a.h"}, allowlist.MatchesAndCacheable)
	assert.True(t, c.Cacheable())

	c.Classify(&report.ReportedAccess{Op: report.OpRead, Path: "/usr/include/b.h"}, allowlist.MatchesButNotCacheable)
	assert.False(t, c.Cacheable())
}

func TestHasUncacheableSubtractsExistenceBasedViolations(t *testing.T) {
	counters := Counters{Violations: 3, ExistenceBasedViolations: 3}
	assert.False(t, counters.HasUncacheable())

	counters = Counters{Violations: 3, ExistenceBasedViolations: 2}
	assert.True(t, counters.HasUncacheable())
}
