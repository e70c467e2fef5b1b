// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package sizer

import (
	"sort"

	"github.com/saferwall/sizer/internal/dbi"
	"github.com/saferwall/sizer/internal/sizerlog"
)

// RVAResolver converts a (section, offset) pair into a relative
// virtual address using the image's section virtual-address table,
// 1-based section index matching the PDB's own convention.
type RVAResolver struct {
	virtualAddresses []uint32
}

// NewRVAResolver wraps a 0-based virtual-address table (slice index i
// is 1-based section i+1).
func NewRVAResolver(virtualAddresses []uint32) *RVAResolver {
	return &RVAResolver{virtualAddresses: virtualAddresses}
}

// Resolve returns the RVA for (section, offset), or (0, false) if the
// section index is out of range.
func (r *RVAResolver) Resolve(section uint16, offset uint32) (uint32, bool) {
	if section == 0 || int(section) > len(r.virtualAddresses) {
		return 0, false
	}
	base := r.virtualAddresses[section-1]
	if base == 0 {
		return 0, false
	}
	return base + offset, true
}

// ContributionIndex is the flat, (section, offset)-sorted array of
// section contributions, supporting the §4.2 lookup operation.
type ContributionIndex struct {
	entries []*Contribution
}

// BuildContributionIndex converts the DBI section-contribution list
// into a ContributionIndex, resolving each entry's RVA, classifying
// its section, and attributing it to an object-file slot. A
// contribution whose RVA cannot be resolved is dropped with a
// diagnostic.
func BuildContributionIndex(raw []dbi.SectionContribution, modules []dbi.ModuleInfo, resolver *RVAResolver, reg *Registry, log *sizerlog.Helper) *ContributionIndex {
	idx := &ContributionIndex{}
	for _, sc := range raw {
		rva, ok := resolver.Resolve(sc.Section, sc.Offset)
		if !ok {
			log.Warnf("sizer: contribution at section %d offset %d has an unresolvable RVA, dropped", sc.Section, sc.Offset)
			continue
		}

		objPath := ""
		if int(sc.ModuleIndex) < len(modules) {
			objPath = modules[sc.ModuleIndex].ObjectFile
		}

		c := &Contribution{
			Section:         sc.Section,
			Offset:          sc.Offset,
			Size:            sc.Size,
			Characteristics: sc.Characteristics,
			ModuleIndex:     sc.ModuleIndex,
			Class:           ClassifyCharacteristics(sc.Characteristics),
			ObjectFileIndex: reg.ObjectFileIndex(objPath),
			rva:             rva,
		}
		idx.entries = append(idx.entries, c)
	}

	// The PDB already presents contributions sorted by (section,
	// offset); sort defensively so lookup's binary search holds even
	// if a future reader relaxes that guarantee.
	sort.SliceStable(idx.entries, func(i, j int) bool {
		a, b := idx.entries[i], idx.entries[j]
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		return a.Offset < b.Offset
	})

	return idx
}

// Entries returns every surviving contribution, in (section, offset) order.
func (c *ContributionIndex) Entries() []*Contribution {
	return c.entries
}

// Lookup returns the contribution covering the point named by rva, or
// nil if none covers it.
func (c *ContributionIndex) Lookup(rva uint32) *Contribution {
	i := sort.Search(len(c.entries), func(i int) bool {
		e := c.entries[i]
		return e.rva+e.Size > rva
	})
	if i >= len(c.entries) {
		return nil
	}
	e := c.entries[i]
	if rva >= e.rva && rva < e.rva+e.Size {
		return e
	}
	return nil
}
