// Package facade pairs generic chain package rows with their type-specific
// rows. One facade exists per chain package for the duration of a bind.
package facade

import (
	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/ir"
)

// PackageFacade is one chain package and exactly one of its type-specific
// rows. Type-specific processors mutate it; it is read-only afterward.
type PackageFacade struct {
	Package *ir.PackageRow
	Exe     *ir.ExePackageRow
	Msi     *ir.MsiPackageRow
	Msp     *ir.MspPackageRow
	Msu     *ir.MsuPackageRow
}

// Location returns the package's authored source location.
func (f *PackageFacade) Location() ir.SourceLocation {
	return f.Package.Location
}

// Assemble groups the section's package rows into facades. Missing or
// orphaned type-specific rows are fatal: they indicate the linker emitted an
// inconsistent section.
func Assemble(section *ir.Section, sink *diag.Sink) map[string]*PackageFacade {
	facades := make(map[string]*PackageFacade, len(section.Packages))
	for _, pkg := range section.Packages {
		facades[pkg.ID] = &PackageFacade{Package: pkg}
	}

	for _, exe := range section.ExePackages {
		if f, ok := facades[exe.PackageRef]; ok && f.Package.Type == ir.PackageExe {
			f.Exe = exe
		} else {
			sink.Error(exe.Location, "exe package row references unknown or mistyped chain package %s", exe.PackageRef)
		}
	}
	for _, msi := range section.MsiPackages {
		if f, ok := facades[msi.PackageRef]; ok && f.Package.Type == ir.PackageMsi {
			f.Msi = msi
		} else {
			sink.Error(msi.Location, "msi package row references unknown or mistyped chain package %s", msi.PackageRef)
		}
	}
	for _, msp := range section.MspPackages {
		if f, ok := facades[msp.PackageRef]; ok && f.Package.Type == ir.PackageMsp {
			f.Msp = msp
		} else {
			sink.Error(msp.Location, "msp package row references unknown or mistyped chain package %s", msp.PackageRef)
		}
	}
	for _, msu := range section.MsuPackages {
		if f, ok := facades[msu.PackageRef]; ok && f.Package.Type == ir.PackageMsu {
			f.Msu = msu
		} else {
			sink.Error(msu.Location, "msu package row references unknown or mistyped chain package %s", msu.PackageRef)
		}
	}

	for _, f := range facades {
		var hasTypeRow bool
		switch f.Package.Type {
		case ir.PackageExe:
			hasTypeRow = f.Exe != nil
		case ir.PackageMsi:
			hasTypeRow = f.Msi != nil
		case ir.PackageMsp:
			hasTypeRow = f.Msp != nil
		case ir.PackageMsu:
			hasTypeRow = f.Msu != nil
		}
		if !hasTypeRow {
			sink.Error(f.Location(), "chain package %s is missing its %s-specific row", f.Package.ID, f.Package.Type)
		}
	}

	return facades
}
