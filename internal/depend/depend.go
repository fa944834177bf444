// Package depend computes provider keys and registration records for
// ref-counted dependency tracking between installed products.
package depend

import (
	"github.com/gersonkurz/wixbind/internal/facade"
	"github.com/gersonkurz/wixbind/internal/ir"
)

// ComputeBundleProvider fills the bundle's own provider key. Explicit
// authoring wins; otherwise the bundle code is the key.
func ComputeBundleProvider(bundle *ir.BundleRow) {
	if bundle.ProviderKey == "" {
		bundle.ProviderKey = bundle.BundleID
	}
}

// ComputePackageProviders derives one provider record per package that
// participates in dependency tracking. Authored provider rows are kept as
// is; derived ones use the MSI product code when available and the package
// identifier otherwise.
func ComputePackageProviders(section *ir.Section, ordered []*facade.PackageFacade) []*ir.DependencyProviderRow {
	authored := make(map[string]bool, len(section.Providers))
	providers := make([]*ir.DependencyProviderRow, 0, len(ordered))
	for _, p := range section.Providers {
		authored[p.PackageRef] = true
		providers = append(providers, p)
	}

	for _, f := range ordered {
		pkg := f.Package
		if pkg.NoDependency || authored[pkg.ID] {
			continue
		}
		key := pkg.ID
		version := pkg.Version
		if f.Msi != nil && f.Msi.ProductCode != "" {
			key = f.Msi.ProductCode
			if version == "" {
				version = f.Msi.ProductVersion
			}
		}
		providers = append(providers, &ir.DependencyProviderRow{
			PackageRef:  pkg.ID,
			ProviderKey: key,
			Version:     version,
			DisplayName: pkg.DisplayName,
			Imported:    true,
			Location:    pkg.Location,
		})
	}
	return providers
}
