// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command sizer prints a size breakdown of a native executable by
// parsing its companion PDB debug-info file.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/spf13/cobra"

	"github.com/saferwall/sizer/internal/pe"
	"github.com/saferwall/sizer/internal/sizerlog"
	"github.com/saferwall/sizer/internal/pdb"
	"github.com/saferwall/sizer/sizer"
)

var (
	filterName    string
	all           bool
	minAll        float64
	minFunction   float64
	minData       float64
	minClass      float64
	minFile       float64
	minTemplate   float64
	minTemplateCount int
	verbose       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sizer <exe-or-pdb-path>",
		Short: "Reports a size breakdown of an executable from its PDB",
		Long:  "sizer parses a PDB (or locates one from a PE image) and prints a size breakdown by function, data, namespace, template family, and object file.",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}

	rootCmd.Flags().StringVarP(&filterName, "name", "n", "", "only include entries whose name contains this substring")
	rootCmd.Flags().BoolVarP(&all, "all", "a", false, "set every threshold to 0")
	rootCmd.Flags().Float64VarP(&minAll, "min", "m", -1, "set every threshold to this many KB")
	rootCmd.Flags().Float64VarP(&minFunction, "funcmin", "f", -1, "minimum function size in KB")
	rootCmd.Flags().Float64VarP(&minData, "datamin", "d", -1, "minimum data size in KB")
	rootCmd.Flags().Float64VarP(&minClass, "classmin", "c", -1, "minimum namespace code size in KB")
	rootCmd.Flags().Float64VarP(&minFile, "filemin", "F", -1, "minimum object-file size in KB")
	rootCmd.Flags().Float64VarP(&minTemplate, "templatemin", "t", -1, "minimum template-family size in KB")
	rootCmd.Flags().IntVarP(&minTemplateCount, "templatecount", "T", -1, "minimum template instantiation count")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose diagnostics on stderr")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := sizerlog.Default()
	if verbose {
		log = sizerlog.NewHelper(sizerlog.NewFilter(sizerlog.NewStdLogger(os.Stderr), sizerlog.LevelInfo))
	}

	thresholds := resolveThresholds()
	thresholds.Filter = filterName

	path := args[0]
	start := time.Now()

	data, closeMapping, err := mapFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sizer: %v\n", err)
		return err
	}
	defer closeMapping()

	pdbPath := path
	if pe.HasPEExtension(path) {
		located := pe.GetPDBPath(data)
		if located == "" {
			err := fmt.Errorf("no CodeView debug entry found in %s", path)
			fmt.Fprintf(os.Stderr, "sizer: %v\n", err)
			return err
		}
		pdbPath = located
		data, closeMapping, err = mapFile(pdbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sizer: failed to open companion PDB %q: %v\n", pdbPath, err)
			return err
		}
		defer closeMapping()
	}

	file, err := pdb.Open(data, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sizer: %v\n", err)
		return err
	}

	if err := file.Validate(); err != nil {
		if err == pdb.ErrFastLinkUnsupported {
			fmt.Fprintf(os.Stderr, "sizer: FASTLINK PDB is not supported: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "sizer: %v\n", err)
		}
		return err
	}

	report, err := buildReport(file, thresholds, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sizer: %v\n", err)
		return err
	}

	fmt.Print(report)
	log.Infof("sizer: report built in %s", time.Since(start))
	return nil
}

func buildReport(file *pdb.File, thresholds sizer.Thresholds, log *sizerlog.Helper) (string, error) {
	d, err := file.DBI()
	if err != nil {
		return "", fmt.Errorf("failed to read DBI stream: %w", err)
	}
	types, err := file.Types()
	if err != nil {
		return "", fmt.Errorf("failed to read TPI stream: %w", err)
	}
	sectionVAs, err := file.SectionVirtualAddresses()
	if err != nil {
		return "", fmt.Errorf("failed to read section-header stream: %w", err)
	}
	resolver := sizer.NewRVAResolver(sectionVAs)

	reg := sizer.NewRegistry()
	contribs := sizer.BuildContributionIndex(d.SectionContributions, d.Modules, resolver, reg, log)

	records, err := file.AllSymbolRecords()
	if err != nil {
		return "", fmt.Errorf("failed to decode symbol records: %w", err)
	}

	symbols := sizer.CollectSymbols(records, resolver, contribs, types, reg, log)
	agg := sizer.Aggregate(symbols, contribs, reg)

	return sizer.Report(symbols, agg, reg, thresholds), nil
}

func resolveThresholds() sizer.Thresholds {
	t := sizer.DefaultThresholds()
	if all {
		return sizer.Thresholds{}
	}
	if minAll >= 0 {
		b := kbToBytes(minAll)
		t.Function, t.Data, t.Class, t.File, t.Template = b, b, b, b, b
	}
	if minFunction >= 0 {
		t.Function = kbToBytes(minFunction)
	}
	if minData >= 0 {
		t.Data = kbToBytes(minData)
	}
	if minClass >= 0 {
		t.Class = kbToBytes(minClass)
	}
	if minFile >= 0 {
		t.File = kbToBytes(minFile)
	}
	if minTemplate >= 0 {
		t.Template = kbToBytes(minTemplate)
	}
	if minTemplateCount >= 0 {
		t.TemplateCount = minTemplateCount
	}
	return t
}

func kbToBytes(kb float64) uint32 {
	return uint32(kb * 1024)
}

// mapFile memory-maps path read-only, returning its bytes and a
// closer that unmaps it; the mapping must outlive every pointer
// derived from it, per the single shared-resource rule this pipeline
// follows.
func mapFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return []byte(m), func() {
		m.Unmap()
		f.Close()
	}, nil
}
