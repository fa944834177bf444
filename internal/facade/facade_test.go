package facade

import (
	"io"
	"strings"
	"testing"

	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/ir"
)

func TestAssemblePairsTypeRows(t *testing.T) {
	section := &ir.Section{
		Packages: []*ir.PackageRow{
			{ID: "e1", Type: ir.PackageExe},
			{ID: "m1", Type: ir.PackageMsi},
			{ID: "p1", Type: ir.PackageMsp},
			{ID: "u1", Type: ir.PackageMsu},
		},
		ExePackages: []*ir.ExePackageRow{{PackageRef: "e1"}},
		MsiPackages: []*ir.MsiPackageRow{{PackageRef: "m1"}},
		MspPackages: []*ir.MspPackageRow{{PackageRef: "p1"}},
		MsuPackages: []*ir.MsuPackageRow{{PackageRef: "u1"}},
	}
	sink := diag.NewSink(io.Discard)

	facades := Assemble(section, sink)
	if sink.HasErrors() {
		t.Fatalf("unexpected errors: %v", sink.Messages())
	}
	if len(facades) != 4 {
		t.Fatalf("got %d facades, want 4", len(facades))
	}
	if facades["e1"].Exe == nil || facades["m1"].Msi == nil || facades["p1"].Msp == nil || facades["u1"].Msu == nil {
		t.Error("type-specific rows were not paired")
	}
}

func TestAssembleReportsMissingTypeRow(t *testing.T) {
	section := &ir.Section{
		Packages: []*ir.PackageRow{{ID: "m1", Type: ir.PackageMsi}},
	}
	sink := diag.NewSink(io.Discard)

	Assemble(section, sink)
	if !sink.HasErrors() {
		t.Fatal("missing msi row was not reported")
	}
	var msgs strings.Builder
	for _, m := range sink.Messages() {
		msgs.WriteString(m.Text)
		msgs.WriteString("\n")
	}
	if !strings.Contains(msgs.String(), "missing its") {
		t.Errorf("unexpected diagnostics: %v", sink.Messages())
	}
}

func TestAssembleReportsOrphanedTypeRow(t *testing.T) {
	tests := []struct {
		name    string
		section *ir.Section
	}{
		{
			name: "unknown package ref",
			section: &ir.Section{
				ExePackages: []*ir.ExePackageRow{{PackageRef: "ghost"}},
			},
		},
		{
			name: "mistyped package ref",
			section: &ir.Section{
				Packages:    []*ir.PackageRow{{ID: "m1", Type: ir.PackageMsi}},
				ExePackages: []*ir.ExePackageRow{{PackageRef: "m1"}},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sink := diag.NewSink(io.Discard)
			Assemble(tc.section, sink)
			if !sink.HasErrors() {
				t.Error("orphaned type row was not reported")
			}
		})
	}
}
