package binder

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/ir"
)

func writeBindFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// bindableSection builds the smallest section Bind accepts: one bundle, one
// bootstrapper application, one chain row, and one MSI package with its
// payloads on disk.
func bindableSection(t *testing.T, dir string) *ir.Section {
	t.Helper()
	return &ir.Section{
		Bundles: []*ir.BundleRow{{
			Name:        "Example Suite",
			Version:     "1.0.0.0",
			UpgradeCode: "{UC-1}",
		}},
		BAs:    []*ir.BootstrapperApplicationRow{{ID: "StandardBA", PayloadRef: "ba.dll"}},
		Chains: []*ir.ChainRow{{}},
		Packages: []*ir.PackageRow{{
			ID: "m1", Type: ir.PackageMsi, PayloadRef: "m1.msi",
		}},
		MsiPackages: []*ir.MsiPackageRow{{
			PackageRef:     "m1",
			ProductCode:    "{P1}",
			ProductName:    "Example Product",
			ProductVersion: "1.0.0.0",
		}},
		Payloads: []*ir.PayloadRow{
			{
				ID: "ba.dll", Name: "ba.dll",
				SourcePath:   writeBindFile(t, dir, "ba.dll", "bootstrapper application"),
				ContainerRef: ir.UXContainerID,
			},
			{
				ID: "m1.msi", Name: "m1.msi", PackageRef: "m1",
				SourcePath: writeBindFile(t, dir, "m1.msi", "msi database"),
				Packaging:  ir.PackagingExternal,
			},
		},
		Groups: []*ir.GroupRow{
			{ParentType: ir.GroupChain, ParentID: ir.ChainRootID, ChildType: ir.GroupPackage, ChildID: "m1"},
		},
	}
}

func bindOptions(t *testing.T, dir string) Options {
	t.Helper()
	return Options{
		IntermediateDir: filepath.Join(dir, "obj"),
		OutputDir:       filepath.Join(dir, "bin"),
		StubPath:        writeBindFile(t, dir, "stub.exe", "NATIVESTUB"),
		ExeName:         "setup.exe",
	}
}

func TestBindProducesExecutableAndManifest(t *testing.T) {
	dir := t.TempDir()
	section := bindableSection(t, dir)
	sink := diag.NewSink(io.Discard)

	result, err := Bind(section, bindOptions(t, dir), sink)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if sink.HasErrors() {
		t.Fatalf("bind recorded errors: %v", sink.Messages())
	}

	content, err := os.ReadFile(result.ExecutablePath)
	if err != nil {
		t.Fatalf("reading bundle executable: %v", err)
	}
	if !strings.HasPrefix(string(content), "NATIVESTUB") {
		t.Error("bundle executable does not start with the native stub")
	}
	if len(content) <= len("NATIVESTUB") {
		t.Error("no containers were attached to the stub")
	}

	manifestXML, err := os.ReadFile(result.ManifestPath)
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	for _, want := range []string{
		"<BurnManifest",
		"<MsiPackage Id='m1'",
		"ProductCode='{P1}'",
		"Container='WixUXContainer'",
	} {
		if !strings.Contains(string(manifestXML), want) {
			t.Errorf("manifest missing %s", want)
		}
	}

	// The manifest must describe the UX container as actually laid out:
	// slot a0 holds the manifest itself, so the BA payload lives at a1 both
	// in the written manifest and on the payload row.
	if got := section.PayloadByID("ba.dll").EmbeddedID; got != "a1" {
		t.Errorf("ba.dll EmbeddedID = %q, want a1", got)
	}
	if !strings.Contains(string(manifestXML), "Id='ba.dll'") ||
		!strings.Contains(string(manifestXML), "EmbeddedId='a1'") {
		t.Errorf("manifest does not place ba.dll at its container slot:\n%s", manifestXML)
	}

	// The bundle code is assigned fresh at bind time.
	bundle := section.Bundles[0]
	if !strings.HasPrefix(bundle.BundleID, "{") || !strings.HasSuffix(bundle.BundleID, "}") {
		t.Errorf("BundleID = %q, want a braced GUID", bundle.BundleID)
	}
	if bundle.BundleID != strings.ToUpper(bundle.BundleID) {
		t.Errorf("BundleID = %q, want upper case", bundle.BundleID)
	}
	if bundle.ProviderKey != bundle.BundleID {
		t.Errorf("ProviderKey = %q, want defaulted to the bundle code", bundle.ProviderKey)
	}

	// The external MSI payload and the final executable both transfer to
	// the output folder.
	var sawMsi, sawExe bool
	for _, tr := range result.Transfers {
		switch filepath.Base(tr.Destination) {
		case "m1.msi":
			sawMsi = true
		case "setup.exe":
			sawExe = true
		}
	}
	if !sawMsi || !sawExe {
		t.Errorf("transfers missing expected outputs: %+v", result.Transfers)
	}
}

func TestBindFailsWithoutBootstrapperApplication(t *testing.T) {
	dir := t.TempDir()
	section := bindableSection(t, dir)
	// Strip the UX payload: a bundle without a bootstrapper application
	// cannot drive an install.
	section.Payloads = section.Payloads[1:]
	sink := diag.NewSink(io.Discard)

	_, err := Bind(section, bindOptions(t, dir), sink)
	if err == nil {
		t.Fatal("expected Bind to fail")
	}
	if !strings.Contains(err.Error(), "missing bootstrapper application") {
		t.Errorf("unexpected error: %v", err)
	}
	if !sink.HasErrors() {
		t.Error("fatal condition was not recorded on the sink")
	}
}

func TestBindFailsWithoutChainPackages(t *testing.T) {
	dir := t.TempDir()
	section := bindableSection(t, dir)
	section.Packages = nil
	section.MsiPackages = nil
	sink := diag.NewSink(io.Discard)

	if _, err := Bind(section, bindOptions(t, dir), sink); err == nil {
		t.Fatal("expected Bind to fail with zero chain packages")
	}
}

func TestBindFailsOnSingletonViolations(t *testing.T) {
	dir := t.TempDir()
	section := bindableSection(t, dir)
	section.Bundles = append(section.Bundles, &ir.BundleRow{Name: "Second"})
	sink := diag.NewSink(io.Discard)

	if _, err := Bind(section, bindOptions(t, dir), sink); err == nil {
		t.Fatal("expected Bind to fail with two bundle rows")
	}
}

func TestBindCoercesUXPayloadPackaging(t *testing.T) {
	dir := t.TempDir()
	section := bindableSection(t, dir)
	section.Payloads[0].Packaging = ir.PackagingExternal
	sink := diag.NewSink(io.Discard)

	if _, err := Bind(section, bindOptions(t, dir), sink); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if section.Payloads[0].Packaging != ir.PackagingEmbedded {
		t.Error("UX payload packaging was not coerced to embedded")
	}
	if sink.WarningCount() == 0 {
		t.Error("packaging coercion was silent")
	}
}

type recordingExtension struct {
	pre, post int
}

func (e *recordingExtension) PreBind(section *ir.Section, sink *diag.Sink) error {
	e.pre++
	return nil
}

func (e *recordingExtension) PostBind(result *Result, sink *diag.Sink) error {
	e.post++
	return nil
}

func TestBindInvokesExtensions(t *testing.T) {
	dir := t.TempDir()
	section := bindableSection(t, dir)
	ext := &recordingExtension{}
	opts := bindOptions(t, dir)
	opts.Extensions = []Extension{ext}

	if _, err := Bind(section, opts, diag.NewSink(io.Discard)); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if ext.pre != 1 || ext.post != 1 {
		t.Errorf("extension hooks ran pre=%d post=%d, want 1/1", ext.pre, ext.post)
	}
}

func TestBindSlipstreamsPatchIntoTargetMsi(t *testing.T) {
	dir := t.TempDir()
	section := bindableSection(t, dir)
	section.Packages = append(section.Packages, &ir.PackageRow{
		ID: "patch1", Type: ir.PackageMsp, PayloadRef: "patch1.msp",
	})
	section.MspPackages = []*ir.MspPackageRow{{
		PackageRef:         "patch1",
		PatchCode:          "{PC-1}",
		TargetProductCodes: []string{"{p1}"}, // matches {P1} case-insensitively
	}}
	section.Payloads = append(section.Payloads, &ir.PayloadRow{
		ID: "patch1.msp", Name: "patch1.msp", PackageRef: "patch1",
		SourcePath: writeBindFile(t, dir, "patch1.msp", "patch"),
		Packaging:  ir.PackagingExternal,
	})
	section.Groups = append(section.Groups, &ir.GroupRow{
		ParentType: ir.GroupChain, ParentID: ir.ChainRootID, ChildType: ir.GroupPackage, ChildID: "patch1",
	})
	sink := diag.NewSink(io.Discard)

	result, err := Bind(section, bindOptions(t, dir), sink)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	manifestXML, err := os.ReadFile(result.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(manifestXML), "<SlipstreamMsp Id='patch1'/>") {
		t.Errorf("slipstream not serialized under the target MSI:\n%s", manifestXML)
	}
	// The patch metadata payload produced in pass 1 rides in the UX
	// container.
	if !strings.Contains(string(manifestXML), "patch1.patch.xml") {
		t.Errorf("patch metadata payload missing from manifest:\n%s", manifestXML)
	}
}

func TestBindWarnsOnUncataloguedPayloads(t *testing.T) {
	dir := t.TempDir()
	section := bindableSection(t, dir)
	section.Catalogs = []*ir.CatalogRow{{
		ID:         "cat1",
		SourcePath: writeBindFile(t, dir, "cat1.txt", "0000000000000000000000000000000000000000000000000000000000000000\n"),
	}}
	sink := diag.NewSink(io.Discard)

	if _, err := Bind(section, bindOptions(t, dir), sink); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	// The external MSI payload's hash is not in the catalog.
	if sink.WarningCount() == 0 {
		t.Error("uncatalogued external payload produced no warning")
	}
}
