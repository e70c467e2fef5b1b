// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package sizer

import "testing"

func TestClassifyCharacteristics(t *testing.T) {
	tests := []struct {
		characteristics uint32
		want            SectionClass
	}{
		{CntCode, ClassCode},
		{CntInitializedData, ClassData},
		{CntUninitializedData, ClassBSS},
		{CntCode | CntInitializedData, ClassUnknown},
		{0, ClassUnknown},
		{CntCode | 0x1000000, ClassCode}, // unrelated high bits don't affect classification
	}
	for _, tt := range tests {
		if got := ClassifyCharacteristics(tt.characteristics); got != tt.want {
			t.Errorf("ClassifyCharacteristics(%#x) = %v, want %v", tt.characteristics, got, tt.want)
		}
	}
}

func TestObjectFileDisplayName(t *testing.T) {
	o := &ObjectFile{Base: "foo.obj", Dir: "src/a"}

	if got := o.DisplayName(false); got != "foo.obj" {
		t.Errorf("DisplayName(false) = %q, want %q", got, "foo.obj")
	}
	if got := o.DisplayName(true); got != "foo.obj (src/a)" {
		t.Errorf("DisplayName(true) = %q, want %q", got, "foo.obj (src/a)")
	}
}

func TestNamespaceKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Foo::Bar::baz", "Foo::Bar"},
		{"Foo::bar", "Foo"},
		{"plainFunc", GlobalNamespace},
		{"", GlobalNamespace},
		{"operator<<", GlobalNamespace},
		{"A::B::C::d", "A::B::C"},
	}
	for _, tt := range tests {
		if got := NamespaceKey(tt.name); got != tt.want {
			t.Errorf("NamespaceKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSplitPath(t *testing.T) {
	dir, base := SplitPath("/home/build/obj/foo.obj")
	if dir != "/home/build/obj" || base != "foo.obj" {
		t.Errorf("SplitPath = (%q, %q), want (/home/build/obj, foo.obj)", dir, base)
	}
}
