package chain

import (
	"io"
	"strings"
	"testing"

	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/facade"
	"github.com/gersonkurz/wixbind/internal/ir"
)

func messageText(sink *diag.Sink) string {
	var sb strings.Builder
	for _, m := range sink.Messages() {
		sb.WriteString(m.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func chainGroup(childType, childID string) *ir.GroupRow {
	return &ir.GroupRow{ParentType: ir.GroupChain, ParentID: ir.ChainRootID, ChildType: childType, ChildID: childID}
}

func nestedGroup(parentID, childType, childID string) *ir.GroupRow {
	return &ir.GroupRow{ParentType: ir.GroupPackageGroup, ParentID: parentID, ChildType: childType, ChildID: childID}
}

func testFacades(ids ...string) map[string]*facade.PackageFacade {
	out := make(map[string]*facade.PackageFacade, len(ids))
	for _, id := range ids {
		out[id] = &facade.PackageFacade{Package: &ir.PackageRow{ID: id, Type: ir.PackageMsi}}
	}
	return out
}

func orderedIDs(items []Item) []string {
	var out []string
	for _, item := range items {
		if item.Package != nil {
			out = append(out, item.Package.Package.ID)
		} else {
			out = append(out, "boundary:"+item.Boundary.ID)
		}
	}
	return out
}

func TestOrderFlattensNestedGroups(t *testing.T) {
	section := &ir.Section{
		Groups: []*ir.GroupRow{
			chainGroup(ir.GroupPackage, "a"),
			chainGroup(ir.GroupPackageGroup, "middle"),
			chainGroup(ir.GroupPackage, "d"),
			nestedGroup("middle", ir.GroupPackage, "b"),
			nestedGroup("middle", ir.GroupBoundary, "rb1"),
			nestedGroup("middle", ir.GroupPackage, "c"),
		},
		Boundaries: []*ir.RollbackBoundaryRow{{ID: "rb1"}, {ID: "unused"}},
	}
	sink := diag.NewSink(io.Discard)

	items, used := Order(section, testFacades("a", "b", "c", "d"), sink)
	if sink.HasErrors() {
		t.Fatalf("unexpected errors: %v", sink.Messages())
	}

	got := strings.Join(orderedIDs(items), ",")
	want := "a,b,boundary:rb1,c,d"
	if got != want {
		t.Errorf("chain order = %s, want %s", got, want)
	}

	// The boundary never referenced from the chain is dropped without
	// diagnostics.
	if len(used) != 1 || used[0].ID != "rb1" {
		t.Errorf("used boundaries = %v, want only rb1", used)
	}
	if sink.WarningCount() != 0 {
		t.Errorf("unused boundary produced warnings: %v", sink.Messages())
	}
}

func TestOrderDetectsGroupCycle(t *testing.T) {
	section := &ir.Section{
		Groups: []*ir.GroupRow{
			chainGroup(ir.GroupPackageGroup, "g1"),
			nestedGroup("g1", ir.GroupPackageGroup, "g2"),
			nestedGroup("g2", ir.GroupPackageGroup, "g1"),
		},
	}
	sink := diag.NewSink(io.Discard)

	Order(section, testFacades(), sink)
	if !sink.HasErrors() {
		t.Fatal("group cycle was not reported")
	}
	if !strings.Contains(messageText(sink), "contains itself") {
		t.Errorf("unexpected diagnostics: %v", sink.Messages())
	}
}

func TestOrderReportsUnknownReferences(t *testing.T) {
	section := &ir.Section{
		Groups: []*ir.GroupRow{
			chainGroup(ir.GroupPackage, "ghost"),
			chainGroup(ir.GroupBoundary, "phantom"),
		},
	}
	sink := diag.NewSink(io.Discard)

	items, _ := Order(section, testFacades(), sink)
	if len(items) != 0 {
		t.Errorf("unknown references produced chain items: %v", orderedIDs(items))
	}
	if sink.ErrorCount() != 2 {
		t.Errorf("ErrorCount = %d, want 2", sink.ErrorCount())
	}
}

func TestResolveScopeFlipsToPerUser(t *testing.T) {
	bundle := &ir.BundleRow{PerMachine: true}
	facades := testFacades("a", "b", "c")
	facades["b"].Package.Scope = ir.ScopePerUser
	ordered := []Item{
		{Package: facades["a"]},
		{Package: facades["b"]},
		{Package: facades["c"]},
	}
	sink := diag.NewSink(io.Discard)

	ResolveScope(bundle, ordered, sink)

	if bundle.PerMachine {
		t.Error("bundle stayed per-machine despite a per-user package")
	}
	// Default-scope packages inherit the final bundle scope.
	if facades["a"].Package.Scope != ir.ScopePerUser {
		t.Errorf("package a scope = %v, want inherited per-user", facades["a"].Package.Scope)
	}
	if facades["c"].Package.Scope != ir.ScopePerUser {
		t.Errorf("package c scope = %v, want inherited per-user", facades["c"].Package.Scope)
	}
}

func TestResolveScopeStaysPerMachine(t *testing.T) {
	bundle := &ir.BundleRow{PerMachine: true}
	facades := testFacades("a")
	ordered := []Item{{Package: facades["a"]}}
	sink := diag.NewSink(io.Discard)

	ResolveScope(bundle, ordered, sink)

	if !bundle.PerMachine {
		t.Error("bundle flipped scope with no per-user packages")
	}
	if facades["a"].Package.Scope != ir.ScopePerMachine {
		t.Errorf("package scope = %v, want inherited per-machine", facades["a"].Package.Scope)
	}
}

func TestResolveScopeWarnsOnCrossScopeRefCounting(t *testing.T) {
	bundle := &ir.BundleRow{PerMachine: false}
	facades := testFacades("m")
	facades["m"].Package.Scope = ir.ScopePerMachine
	ordered := []Item{{Package: facades["m"]}}
	sink := diag.NewSink(io.Discard)

	ResolveScope(bundle, ordered, sink)

	if sink.WarningCount() != 1 {
		t.Errorf("WarningCount = %d, want 1", sink.WarningCount())
	}
}
