// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package sizer

// TemplateFamily is a name produced by stripping every balanced
// `<...>` substring from a symbol name.
type TemplateFamily struct {
	Name  string
	Count int
	Size  int64
}

// Aggregates holds the per-report totals computed by Aggregate.
type Aggregates struct {
	Templates map[string]*TemplateFamily

	OverallSymbolCode int64
	OverallSymbolData int64
	OverallContribCode int64
	OverallContribData int64
	OverallBSS        int64
	OverallOther      int64
}

// Aggregate runs the single pass over symbols (object-file/namespace
// totals, template folding) and the second pass over contributions
// (object-file contribution totals) described in §4.5.
func Aggregate(symbols []*Symbol, contribs *ContributionIndex, reg *Registry) *Aggregates {
	agg := &Aggregates{Templates: make(map[string]*TemplateFamily)}

	for _, s := range symbols {
		of := reg.ObjectFile(s.ObjectFileIndex)
		ns := reg.Namespace(s.NamespaceIndex)

		switch s.Class {
		case ClassCode:
			of.SymbolCode += int64(s.Size)
			ns.Code += int64(s.Size)
			agg.OverallSymbolCode += int64(s.Size)
		case ClassData:
			of.SymbolData += int64(s.Size)
			ns.Data += int64(s.Size)
			agg.OverallSymbolData += int64(s.Size)
		case ClassBSS:
			agg.OverallBSS += int64(s.Size)
		default:
			agg.OverallOther += int64(s.Size)
		}

		if family, stripped := StripTemplateParams(s.Name); stripped {
			fam, ok := agg.Templates[family]
			if !ok {
				fam = &TemplateFamily{Name: family}
				agg.Templates[family] = fam
			}
			fam.Count++
			fam.Size += int64(s.Size)
		}
	}

	for _, c := range contribs.Entries() {
		of := reg.ObjectFile(c.ObjectFileIndex)
		switch c.Class {
		case ClassCode:
			of.ContribCode += int64(c.Size)
			agg.OverallContribCode += int64(c.Size)
		case ClassData:
			of.ContribData += int64(c.Size)
			agg.OverallContribData += int64(c.Size)
		}
	}

	return agg
}

// StripTemplateParams iteratively erases every balanced `<...>`
// substring from name. Returns the stripped name and whether anything
// was erased. A non-balanced left bracket (e.g. operator<, operator<<)
// terminates the strip at that point rather than erroring, since real
// symbol names carry comparison operators.
func StripTemplateParams(name string) (string, bool) {
	stripped := false
	cur := name
	for {
		next, ok := stripOneRange(cur)
		if !ok {
			break
		}
		cur = next
		stripped = true
	}
	return cur, stripped
}

// stripOneRange removes the first balanced `<...>` range from s, if
// any. An unbalanced '<' (no matching '>' before the end of the
// string) yields ok == false, leaving s untouched.
func stripOneRange(s string) (string, bool) {
	start := -1
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			if depth == 0 {
				start = i
			}
			depth++
		case '>':
			if depth == 0 {
				continue // unmatched '>': ignore, keep scanning
			}
			depth--
			if depth == 0 {
				return s[:start] + s[i+1:], true
			}
		}
	}
	return s, false
}
