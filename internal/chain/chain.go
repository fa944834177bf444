// Package chain orders the bundle's packages and rollback boundaries into
// the final install sequence and resolves install scope.
package chain

import (
	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/facade"
	"github.com/gersonkurz/wixbind/internal/ir"
)

// Item is one slot in the final linear chain: either a package facade or a
// rollback boundary.
type Item struct {
	Package  *facade.PackageFacade
	Boundary *ir.RollbackBoundaryRow
}

// Order flattens the chain group tree into the final install sequence.
// Package groups nest; packages and boundaries are leaves. Rollback
// boundaries never referenced from the chain are dropped silently. Returns
// the ordered items and the boundaries actually used.
func Order(section *ir.Section, facades map[string]*facade.PackageFacade, sink *diag.Sink) ([]Item, []*ir.RollbackBoundaryRow) {
	children := make(map[string][]*ir.GroupRow)
	for _, g := range section.Groups {
		if g.ParentType == ir.GroupChain || g.ParentType == ir.GroupPackageGroup {
			key := g.ParentType + "/" + g.ParentID
			children[key] = append(children[key], g)
		}
	}

	var items []Item
	var used []*ir.RollbackBoundaryRow
	visiting := make(map[string]bool)

	var walk func(parentType, parentID string)
	walk = func(parentType, parentID string) {
		key := parentType + "/" + parentID
		if visiting[key] {
			sink.Error(nil, "package group %s contains itself", parentID)
			return
		}
		visiting[key] = true
		defer delete(visiting, key)

		for _, g := range children[key] {
			switch g.ChildType {
			case ir.GroupPackage:
				f, ok := facades[g.ChildID]
				if !ok {
					sink.Error(g.Location, "chain references unknown package %s", g.ChildID)
					continue
				}
				items = append(items, Item{Package: f})
			case ir.GroupBoundary:
				b := section.BoundaryByID(g.ChildID)
				if b == nil {
					sink.Error(g.Location, "chain references unknown rollback boundary %s", g.ChildID)
					continue
				}
				items = append(items, Item{Boundary: b})
				used = append(used, b)
			case ir.GroupPackageGroup:
				walk(ir.GroupPackageGroup, g.ChildID)
			}
		}
	}
	walk(ir.GroupChain, ir.ChainRootID)

	return items, used
}

// ResolveScope propagates install scope between the bundle and its packages.
//
// A bundle defaulting to per-machine flips to per-user as soon as any
// package explicitly forces per-user; the scan stops at the first match.
// Packages still at default scope then inherit the bundle's final scope.
// Per-machine packages inside a per-user bundle cannot be ref-counted
// across the scope boundary, which is worth a warning when they participate
// in dependency tracking and are not permanent.
func ResolveScope(bundle *ir.BundleRow, ordered []Item, sink *diag.Sink) {
	if bundle.PerMachine {
		for _, item := range ordered {
			if item.Package == nil {
				continue
			}
			if item.Package.Package.Scope == ir.ScopePerUser {
				bundle.PerMachine = false
				sink.Info("msg", "bundle switched to per-user scope",
					"package", item.Package.Package.ID)
				break
			}
		}
	}

	bundleScope := ir.ScopePerMachine
	if !bundle.PerMachine {
		bundleScope = ir.ScopePerUser
	}

	for _, item := range ordered {
		if item.Package == nil {
			continue
		}
		pkg := item.Package.Package
		if pkg.Scope == ir.ScopeDefault {
			pkg.Scope = bundleScope
		}
		if pkg.Scope == ir.ScopePerMachine && !bundle.PerMachine &&
			!pkg.NoDependency && !pkg.Permanent {
			sink.Warning(pkg.Location, "per-machine package %s in a per-user bundle cannot be reference-counted across scopes", pkg.ID)
		}
	}
}
