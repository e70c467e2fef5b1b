// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package sizer

import (
	"sort"

	"github.com/saferwall/sizer/internal/sizerlog"
	"github.com/saferwall/sizer/internal/symbols"
	"github.com/saferwall/sizer/internal/tpi"
)

// TypeSizer resolves the byte size of one instance of a CodeView type
// index; internal/tpi.Stream implements it.
type TypeSizer interface {
	Size(typeIndex uint32) uint32
}

// CollectSymbols decodes raw symbol records into the canonical,
// RVA-deduplicated, length-recovered Symbol vector described in §4.4.
// records must already be filtered to the proc/data kinds this
// pipeline cares about (internal/pdb.AllSymbolRecords does this).
func CollectSymbols(records []*symbols.Record, resolver *RVAResolver, contribs *ContributionIndex, types TypeSizer, reg *Registry, log *sizerlog.Helper) []*Symbol {
	byRVA := make(map[uint32]*Symbol)

	for _, rec := range records {
		switch {
		case rec.Kind.IsProc():
			proc, err := symbols.ParseProcSym(rec.Data)
			if err != nil {
				continue
			}
			rva, ok := resolver.Resolve(proc.Segment, proc.CodeOffset)
			if !ok || rva == 0 {
				continue
			}
			if _, exists := byRVA[rva]; exists {
				continue
			}
			name := proc.Name
			if name == "" {
				name = NoName
			}
			byRVA[rva] = &Symbol{
				Name:      name,
				Class:     ClassCode,
				RVA:       rva,
				Size:      proc.CodeSize,
				TypeIndex: 0,
			}

		case rec.Kind.IsData():
			data, err := symbols.ParseDataSym(rec.Data)
			if err != nil {
				continue
			}
			if data.Name == "" {
				// Padding entries in the LDATA32/GDATA32 path would
				// otherwise shadow named data at the same RVA.
				continue
			}
			rva, ok := resolver.Resolve(data.Segment, data.Offset)
			if !ok || rva == 0 {
				continue
			}
			if _, exists := byRVA[rva]; exists {
				continue
			}
			byRVA[rva] = &Symbol{
				Name:      data.Name,
				Class:     ClassData, // refined against the covering contribution below
				RVA:       rva,
				Size:      0,
				TypeIndex: data.Type,
			}
		}
	}

	out := make([]*Symbol, 0, len(byRVA))
	for _, s := range byRVA {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RVA < out[j].RVA })

	for i, s := range out {
		contrib := contribs.Lookup(s.RVA)

		if s.Size == 0 {
			candidates := make([]uint32, 0, 3)
			if s.TypeIndex != 0 {
				if sz := types.Size(s.TypeIndex); sz != 0 {
					candidates = append(candidates, sz)
				}
			}
			if contrib != nil && contrib.Size != 0 {
				candidates = append(candidates, contrib.Size)
			}
			if i+1 < len(out) {
				if gap := out[i+1].RVA - s.RVA; gap != 0 {
					candidates = append(candidates, gap)
				}
			}
			s.Size = smallestNonZero(candidates)
		}

		if contrib != nil {
			s.ObjectFileIndex = contrib.ObjectFileIndex
			// A procedure symbol is Code by definition; only a data
			// symbol's class is refined by its covering contribution
			// (this is how BSS vs. initialized data is told apart).
			if s.Class != ClassCode {
				s.Class = contrib.Class
			}
		} else {
			s.ObjectFileIndex = reg.ObjectFileIndex("")
		}
		s.NamespaceIndex = reg.NamespaceIndex(NamespaceKey(s.Name))
	}

	return out
}

func smallestNonZero(candidates []uint32) uint32 {
	var best uint32
	for _, c := range candidates {
		if c == 0 {
			continue
		}
		if best == 0 || c < best {
			best = c
		}
	}
	return best
}

var _ TypeSizer = (*tpi.Stream)(nil)
