// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package sizer

// Registry deduplicates object-file paths and namespace keys into
// monotonically-indexed records, created lazily the first time each
// is seen and held for the lifetime of one report.
type Registry struct {
	files     []*ObjectFile
	filesByPath map[string]int
	basenames map[string]int // count of object files sharing a base name

	namespaces     []*Namespace
	namespacesByKey map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		filesByPath:     make(map[string]int),
		basenames:       make(map[string]int),
		namespacesByKey: make(map[string]int),
	}
}

// ObjectFileIndex returns the index of the object-file record for
// path, creating one if this path has not been seen before.
func (r *Registry) ObjectFileIndex(path string) int {
	if path == "" {
		path = "<unknown>"
	}
	if idx, ok := r.filesByPath[path]; ok {
		return idx
	}
	dir, base := SplitPath(path)
	idx := len(r.files)
	r.files = append(r.files, &ObjectFile{
		Index: idx,
		Path:  path,
		Dir:   dir,
		Base:  base,
	})
	r.filesByPath[path] = idx
	r.basenames[base]++
	return idx
}

// ObjectFiles returns every registered object-file record, in
// creation order.
func (r *Registry) ObjectFiles() []*ObjectFile {
	return r.files
}

// ObjectFile returns the record at idx.
func (r *Registry) ObjectFile(idx int) *ObjectFile {
	return r.files[idx]
}

// IsAmbiguousBasename reports whether more than one registered path
// shares base's base name, requiring the directory-disambiguated
// display form.
func (r *Registry) IsAmbiguousBasename(base string) bool {
	return r.basenames[base] > 1
}

// NamespaceIndex returns the index of the namespace record for key,
// creating one if this key has not been seen before.
func (r *Registry) NamespaceIndex(key string) int {
	if idx, ok := r.namespacesByKey[key]; ok {
		return idx
	}
	idx := len(r.namespaces)
	r.namespaces = append(r.namespaces, &Namespace{Index: idx, Key: key})
	r.namespacesByKey[key] = idx
	return idx
}

// Namespaces returns every registered namespace record, in creation
// order.
func (r *Registry) Namespaces() []*Namespace {
	return r.namespaces
}

// Namespace returns the record at idx.
func (r *Registry) Namespace(idx int) *Namespace {
	return r.namespaces[idx]
}
