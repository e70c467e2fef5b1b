// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package sizer

import (
	"testing"

	"github.com/saferwall/sizer/internal/dbi"
	"github.com/saferwall/sizer/internal/sizerlog"
)

func TestRVAResolverResolve(t *testing.T) {
	r := NewRVAResolver([]uint32{0x1000, 0x2000})

	rva, ok := r.Resolve(1, 0x10)
	if !ok || rva != 0x1010 {
		t.Errorf("Resolve(1, 0x10) = %#x, %v, want 0x1010, true", rva, ok)
	}

	rva, ok = r.Resolve(2, 0x5)
	if !ok || rva != 0x2005 {
		t.Errorf("Resolve(2, 0x5) = %#x, %v, want 0x2005, true", rva, ok)
	}

	if _, ok := r.Resolve(0, 0); ok {
		t.Errorf("Resolve(0, 0) ok = true, want false (section 0 is invalid)")
	}
	if _, ok := r.Resolve(3, 0); ok {
		t.Errorf("Resolve(3, 0) ok = true, want false (out of range section)")
	}
}

func TestRVAResolverZeroBaseIsUnresolvable(t *testing.T) {
	r := NewRVAResolver([]uint32{0})
	if _, ok := r.Resolve(1, 0x10); ok {
		t.Errorf("Resolve against a zero-base section ok = true, want false")
	}
}

func discardLog() *sizerlog.Helper {
	return sizerlog.NewHelper(sizerlog.NewFilter(sizerlog.NewStdLogger(discardWriter{}), sizerlog.LevelError))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestBuildContributionIndexAndLookup(t *testing.T) {
	raw := []dbi.SectionContribution{
		{Section: 1, Offset: 0x10, Size: 0x20, Characteristics: CntCode, ModuleIndex: 0},
		{Section: 1, Offset: 0x40, Size: 0x10, Characteristics: CntInitializedData, ModuleIndex: 1},
	}
	modules := []dbi.ModuleInfo{
		{ObjectFile: "a.obj"},
		{ObjectFile: "b.obj"},
	}
	resolver := NewRVAResolver([]uint32{0x1000})
	reg := NewRegistry()

	idx := BuildContributionIndex(raw, modules, resolver, reg, discardLog())

	if len(idx.Entries()) != 2 {
		t.Fatalf("got %d entries, want 2", len(idx.Entries()))
	}

	c := idx.Lookup(0x1015) // inside the first contribution [0x1010, 0x1030)
	if c == nil || c.Class != ClassCode {
		t.Fatalf("Lookup(0x1015) = %+v, want a ClassCode contribution", c)
	}
	if reg.ObjectFile(c.ObjectFileIndex).Path != "a.obj" {
		t.Errorf("Lookup(0x1015) attributed to %q, want a.obj", reg.ObjectFile(c.ObjectFileIndex).Path)
	}

	if idx.Lookup(0x1038) != nil {
		t.Errorf("Lookup(0x1038) in the gap between contributions should be nil")
	}

	d := idx.Lookup(0x1045) // inside the second contribution [0x1040, 0x1050)
	if d == nil || d.Class != ClassData {
		t.Fatalf("Lookup(0x1045) = %+v, want a ClassData contribution", d)
	}
}

func TestBuildContributionIndexDropsUnresolvable(t *testing.T) {
	raw := []dbi.SectionContribution{
		{Section: 5, Offset: 0, Size: 0x10}, // no such section in the resolver
	}
	idx := BuildContributionIndex(raw, nil, NewRVAResolver([]uint32{0x1000}), NewRegistry(), discardLog())
	if len(idx.Entries()) != 0 {
		t.Errorf("got %d entries, want 0 (unresolvable contribution should be dropped)", len(idx.Entries()))
	}
}
