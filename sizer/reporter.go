// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package sizer

import (
	"fmt"
	"sort"
	"strings"
)

// Thresholds holds every size/count cutoff the reporter applies, all
// in bytes except TemplateCount. A zero threshold includes
// zero-size entries per §8's boundary rule.
type Thresholds struct {
	Function      uint32
	Data          uint32
	Class         uint32
	File          uint32
	Template      uint32
	TemplateCount int
	Filter        string
}

// DefaultThresholds mirrors the CLI's stated defaults (§6).
func DefaultThresholds() Thresholds {
	return Thresholds{
		Function:      512,
		Data:          1024,
		Class:         2048,
		File:          2048,
		Template:      512,
		TemplateCount: 3,
	}
}

const maxLineBytes = 512

// Report renders the fixed eight-section plain-text report.
func Report(symbols []*Symbol, agg *Aggregates, reg *Registry, t Thresholds) string {
	var b strings.Builder

	reportFunctions(&b, symbols, reg, t)
	reportTemplates(&b, agg, t)
	reportData(&b, symbols, reg, t, ClassData, "Data by size:")
	reportData(&b, symbols, reg, t, ClassBSS, "BSS by size:")
	reportNamespaces(&b, reg, t)
	reportObjectFilesByCode(&b, reg, t)
	reportObjectFilesByData(&b, reg, t)
	reportTotals(&b, agg)

	return b.String()
}

// appendSizedLine formats one size-prefixed line, truncating it to
// maxLineBytes and forcing the last four bytes to "...\n" when
// truncated, per §4.6.
func appendSizedLine(b *strings.Builder, size int64, text string) {
	line := fmt.Sprintf("%s\n", text)
	kb, hundredths := splitKB(size)
	line = fmt.Sprintf("%5d.%02d: %s\n", kb, hundredths, text)
	if len(line) > maxLineBytes {
		line = line[:maxLineBytes]
		line = line[:len(line)-4] + "...\n"
	}
	b.WriteString(line)
}

func splitKB(size int64) (int64, int64) {
	if size < 0 {
		size = 0
	}
	kb := size / 1024
	hundredths := (size % 1024) * 100 / 1024
	return kb, hundredths
}

func matchesFilter(filter string, fields ...string) bool {
	if filter == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(f, filter) {
			return true
		}
	}
	return false
}

func reportFunctions(b *strings.Builder, symbols []*Symbol, reg *Registry, t Thresholds) {
	b.WriteString("Functions by size:\n")
	var rows []*Symbol
	for _, s := range symbols {
		if s.Class != ClassCode {
			continue
		}
		if uint32(s.Size) < t.Function {
			continue
		}
		rows = append(rows, s)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, bb := rows[i], rows[j]
		if a.Size != bb.Size {
			return a.Size > bb.Size
		}
		if a.ObjectFileIndex != bb.ObjectFileIndex {
			return a.ObjectFileIndex < bb.ObjectFileIndex
		}
		return a.Name < bb.Name
	})
	for _, s := range rows {
		of := reg.ObjectFile(s.ObjectFileIndex)
		desc := of.DisplayName(reg.IsAmbiguousBasename(of.Base))
		if !matchesFilter(t.Filter, s.Name, desc) {
			continue
		}
		appendSizedLine(b, int64(s.Size), fmt.Sprintf("%s\t%s", s.Name, desc))
	}
}

func reportTemplates(b *strings.Builder, agg *Aggregates, t Thresholds) {
	b.WriteString("Aggregated templates:\n")
	var rows []*TemplateFamily
	for _, fam := range agg.Templates {
		if fam.Size < int64(t.Template) {
			continue
		}
		if fam.Count < t.TemplateCount {
			continue
		}
		rows = append(rows, fam)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, bb := rows[i], rows[j]
		if a.Size != bb.Size {
			return a.Size > bb.Size
		}
		if a.Count != bb.Count {
			return a.Count > bb.Count
		}
		return a.Name < bb.Name
	})
	for _, fam := range rows {
		if !matchesFilter(t.Filter, fam.Name) {
			continue
		}
		appendSizedLine(b, fam.Size, fmt.Sprintf("%s\tcount=%d", fam.Name, fam.Count))
	}
}

func reportData(b *strings.Builder, symbols []*Symbol, reg *Registry, t Thresholds, class SectionClass, heading string) {
	b.WriteString(heading + "\n")
	var rows []*Symbol
	for _, s := range symbols {
		if s.Class != class {
			continue
		}
		if uint32(s.Size) < t.Data {
			continue
		}
		rows = append(rows, s)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, bb := rows[i], rows[j]
		if a.Size != bb.Size {
			return a.Size > bb.Size
		}
		if a.ObjectFileIndex != bb.ObjectFileIndex {
			return a.ObjectFileIndex < bb.ObjectFileIndex
		}
		return a.Name < bb.Name
	})
	for _, s := range rows {
		of := reg.ObjectFile(s.ObjectFileIndex)
		desc := of.DisplayName(reg.IsAmbiguousBasename(of.Base))
		if !matchesFilter(t.Filter, s.Name, desc) {
			continue
		}
		appendSizedLine(b, int64(s.Size), fmt.Sprintf("%s\t%s", s.Name, desc))
	}
}

func reportNamespaces(b *strings.Builder, reg *Registry, t Thresholds) {
	b.WriteString("Classes/Namespaces by code size:\n")
	var rows []*Namespace
	for _, ns := range reg.Namespaces() {
		if ns.Code < int64(t.Class) {
			continue
		}
		rows = append(rows, ns)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, bb := rows[i], rows[j]
		if a.Code != bb.Code {
			return a.Code > bb.Code
		}
		if a.Data != bb.Data {
			return a.Data > bb.Data
		}
		return a.Key < bb.Key
	})
	for _, ns := range rows {
		if !matchesFilter(t.Filter, ns.Key) {
			continue
		}
		appendSizedLine(b, ns.Code, fmt.Sprintf("%s\tdata=%s", ns.Key, kbString(ns.Data)))
	}
}

func reportObjectFilesByCode(b *strings.Builder, reg *Registry, t Thresholds) {
	b.WriteString("Object files by code size:\n")
	var rows []*ObjectFile
	for _, of := range reg.ObjectFiles() {
		if of.SymbolCode < int64(t.File) && of.ContribCode < int64(t.File) {
			continue
		}
		rows = append(rows, of)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, bb := rows[i], rows[j]
		if a.ContribCode != bb.ContribCode {
			return a.ContribCode > bb.ContribCode
		}
		if a.SymbolCode != bb.SymbolCode {
			return a.SymbolCode > bb.SymbolCode
		}
		return a.Index < bb.Index
	})
	for _, of := range rows {
		desc := of.DisplayName(reg.IsAmbiguousBasename(of.Base))
		if !matchesFilter(t.Filter, desc) {
			continue
		}
		text := desc
		if float64(of.SymbolCode) < float64(of.ContribCode)/1.2 {
			text += fmt.Sprintf(" [%s with symbols]", kbString(of.SymbolCode))
		}
		appendSizedLine(b, of.ContribCode, text)
	}
}

func reportObjectFilesByData(b *strings.Builder, reg *Registry, t Thresholds) {
	b.WriteString("Object files by data size:\n")
	var rows []*ObjectFile
	for _, of := range reg.ObjectFiles() {
		if of.SymbolData < int64(t.File) && of.ContribData < int64(t.File) {
			continue
		}
		rows = append(rows, of)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, bb := rows[i], rows[j]
		if a.ContribData != bb.ContribData {
			return a.ContribData > bb.ContribData
		}
		if a.SymbolData != bb.SymbolData {
			return a.SymbolData > bb.SymbolData
		}
		return a.Index < bb.Index
	})
	for _, of := range rows {
		desc := of.DisplayName(reg.IsAmbiguousBasename(of.Base))
		if !matchesFilter(t.Filter, desc) {
			continue
		}
		text := desc
		if float64(of.SymbolData) < float64(of.ContribData)/1.2 {
			text += fmt.Sprintf(" [%s with symbols]", kbString(of.SymbolData))
		}
		appendSizedLine(b, of.ContribData, text)
	}
}

func reportTotals(b *strings.Builder, agg *Aggregates) {
	b.WriteString("Totals:\n")
	fmt.Fprintf(b, "Overall code: %s kb (%s with symbols)\n", kbString(agg.OverallContribCode), kbString(agg.OverallSymbolCode))
	fmt.Fprintf(b, "Overall data: %s kb (%s with symbols)\n", kbString(agg.OverallContribData), kbString(agg.OverallSymbolData))
	fmt.Fprintf(b, "Overall BSS: %s kb\n", kbString(agg.OverallBSS))
	if agg.OverallOther != 0 {
		fmt.Fprintf(b, "Overall other: %s kb\n", kbString(agg.OverallOther))
	}
}

func kbString(size int64) string {
	kb, hundredths := splitKB(size)
	return fmt.Sprintf("%d.%02d", kb, hundredths)
}
