// Package manifest serializes the bundle into the XML document the runtime
// bootstrapper engine consumes. Element fragments are built up directly and
// injected into a Handlebars skeleton, so the document shape stays readable
// in one place.
package manifest

import (
	"fmt"
	"strings"

	"github.com/aymerick/raymond"
	"github.com/gersonkurz/wixbind/internal/chain"
	"github.com/gersonkurz/wixbind/internal/facade"
	"github.com/gersonkurz/wixbind/internal/ir"
)

// AssertIdentifiers enables identifier-syntax assertions on extension
// authored names. Off at release; tests and debug builds turn it on.
// Extension authors own correctness of their table and attribute names.
var AssertIdentifiers = false

// Slipstream links one MSP package to the MSI package it patches.
type Slipstream struct {
	MsiRef string
	MspRef string
}

// Data is everything the manifest serializes, fully resolved and frozen.
type Data struct {
	Bundle      *ir.BundleRow
	BA          *ir.BootstrapperApplicationRow
	Chain       *ir.ChainRow
	Ordered     []chain.Item
	Section     *ir.Section
	Providers   []*ir.DependencyProviderRow
	Slipstreams []Slipstream
}

const skeleton = `<?xml version="1.0" encoding="utf-8"?>
<BurnManifest xmlns="http://wixbind.dev/schemas/2026/burn">
{{{RELATED}}}{{{SEARCHES}}}{{{PROPERTIES}}}{{{REGISTRATION}}}{{{CHAIN}}}{{{CONTAINERS}}}{{{PAYLOADS}}}{{{CUSTOM}}}</BurnManifest>
`

// Write renders the complete manifest document. Element order is fixed:
// bundle-level records first, then per-package, per-feature, per-payload,
// and finally extension-contributed custom elements.
func Write(data *Data) (string, error) {
	ctx := map[string]interface{}{
		"RELATED":      relatedXML(data),
		"SEARCHES":     searchesXML(data),
		"PROPERTIES":   propertiesXML(data),
		"REGISTRATION": registrationXML(data),
		"CHAIN":        chainXML(data),
		"CONTAINERS":   containersXML(data),
		"PAYLOADS":     payloadsXML(data),
		"CUSTOM":       customXML(data),
	}
	tpl, err := raymond.Parse(skeleton)
	if err != nil {
		return "", fmt.Errorf("parsing manifest skeleton: %w", err)
	}
	out, err := tpl.Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("rendering manifest: %w", err)
	}
	return out, nil
}

func relatedXML(data *Data) string {
	var sb strings.Builder
	seen := false
	for _, r := range data.Section.Related {
		sb.WriteString(fmt.Sprintf("  <RelatedBundle Code='%s' Action='%s'/>\n",
			escapeXMLAttr(r.Code), r.Action))
		if r.Action == ir.RelatedUpgrade && strings.EqualFold(r.Code, data.Bundle.UpgradeCode) {
			seen = true
		}
	}
	// The upgrade code is always registered so newer bundles supersede
	// this one, even without explicit authoring.
	if data.Bundle.UpgradeCode != "" && !seen {
		sb.WriteString(fmt.Sprintf("  <RelatedBundle Code='%s' Action='Upgrade'/>\n",
			escapeXMLAttr(data.Bundle.UpgradeCode)))
	}
	return sb.String()
}

func searchesXML(data *Data) string {
	var sb strings.Builder
	for _, s := range orderSearches(data.Section.Searches) {
		sb.WriteString(fmt.Sprintf("  <Search Id='%s' Type='%s' Variable='%s'",
			escapeXMLAttr(s.ID), escapeXMLAttr(s.Type), escapeXMLAttr(s.Variable)))
		if s.Condition != "" {
			sb.WriteString(fmt.Sprintf(" Condition='%s'", escapeXMLAttr(s.Condition)))
		}
		if s.Detail != "" {
			sb.WriteString(fmt.Sprintf(" Detail='%s'", escapeXMLAttr(s.Detail)))
		}
		sb.WriteString("/>\n")
	}
	return sb.String()
}

// orderSearches sorts searches so each one's After predecessor serializes
// first, keeping authored order otherwise.
func orderSearches(searches []*ir.SearchRow) []*ir.SearchRow {
	byID := make(map[string]*ir.SearchRow, len(searches))
	for _, s := range searches {
		byID[s.ID] = s
	}
	var out []*ir.SearchRow
	emitted := make(map[string]bool, len(searches))
	var emit func(s *ir.SearchRow)
	emit = func(s *ir.SearchRow) {
		if emitted[s.ID] {
			return
		}
		emitted[s.ID] = true // set before recursing; After cycles degrade to authored order
		if s.After != "" {
			if dep, ok := byID[s.After]; ok {
				emit(dep)
			}
		}
		out = append(out, s)
	}
	for _, s := range searches {
		emit(s)
	}
	return out
}

func propertiesXML(data *Data) string {
	var sb strings.Builder
	for _, p := range data.Section.Properties {
		sb.WriteString(fmt.Sprintf("  <Variable Id='%s' Value='%s'",
			escapeXMLAttr(p.ID), escapeXMLAttr(p.Value)))
		if p.Persisted {
			sb.WriteString(" Persisted='yes'")
		}
		if p.Hidden {
			sb.WriteString(" Hidden='yes'")
		}
		sb.WriteString("/>\n")
	}
	return sb.String()
}

func registrationXML(data *Data) string {
	b := data.Bundle
	scope := "perMachine"
	if !b.PerMachine {
		scope = "perUser"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  <Registration Code='%s' Version='%s' ProviderKey='%s' Scope='%s'",
		escapeXMLAttr(b.BundleID), escapeXMLAttr(b.Version), escapeXMLAttr(b.ProviderKey), scope))
	if b.UpgradeCode != "" {
		sb.WriteString(fmt.Sprintf(" UpgradeCode='%s'", escapeXMLAttr(b.UpgradeCode)))
	}
	sb.WriteString(">\n")
	sb.WriteString(fmt.Sprintf("    <Arp DisplayName='%s' DisplayVersion='%s'",
		escapeXMLAttr(b.Name), escapeXMLAttr(b.Version)))
	if b.Manufacturer != "" {
		sb.WriteString(fmt.Sprintf(" Publisher='%s'", escapeXMLAttr(b.Manufacturer)))
	}
	if b.AboutURL != "" {
		sb.WriteString(fmt.Sprintf(" AboutUrl='%s'", escapeXMLAttr(b.AboutURL)))
	}
	sb.WriteString("/>\n  </Registration>\n")
	sb.WriteString(fmt.Sprintf("  <UX Id='%s'/>\n", escapeXMLAttr(data.BA.ID)))
	return sb.String()
}

func chainXML(data *Data) string {
	providerByPackage := make(map[string][]*ir.DependencyProviderRow)
	for _, p := range data.Providers {
		providerByPackage[p.PackageRef] = append(providerByPackage[p.PackageRef], p)
	}
	slipstreamsByMsi := make(map[string][]string)
	for _, s := range data.Slipstreams {
		slipstreamsByMsi[s.MsiRef] = append(slipstreamsByMsi[s.MsiRef], s.MspRef)
	}
	featuresByPackage := make(map[string][]*ir.MsiFeatureRow)
	for _, f := range data.Section.MsiFeatures {
		featuresByPackage[f.PackageRef] = append(featuresByPackage[f.PackageRef], f)
	}
	payloadsByPackage := make(map[string][]*ir.PayloadRow)
	for _, p := range data.Section.Payloads {
		if p.PackageRef != "" {
			payloadsByPackage[p.PackageRef] = append(payloadsByPackage[p.PackageRef], p)
		}
	}

	var sb strings.Builder
	sb.WriteString("  <Chain")
	if data.Chain.DisableRollback {
		sb.WriteString(" DisableRollback='yes'")
	}
	if data.Chain.DisableSystemRestore {
		sb.WriteString(" DisableSystemRestore='yes'")
	}
	if data.Chain.ParallelCache {
		sb.WriteString(" ParallelCache='yes'")
	}
	sb.WriteString(">\n")

	for _, item := range data.Ordered {
		if item.Boundary != nil {
			b := item.Boundary
			sb.WriteString(fmt.Sprintf("    <RollbackBoundary Id='%s'", escapeXMLAttr(b.ID)))
			if b.Vital {
				sb.WriteString(" Vital='yes'")
			}
			if b.Transaction {
				sb.WriteString(" Transaction='yes'")
			}
			sb.WriteString("/>\n")
			continue
		}

		f := item.Package
		pkg := f.Package
		sb.WriteString(fmt.Sprintf("    <%sPackage Id='%s' CacheId='%s' InstallSize='%d' Size='%d'",
			pkg.Type, escapeXMLAttr(pkg.ID), escapeXMLAttr(pkg.CacheID), pkg.InstallSize, pkg.Size))
		if pkg.Version != "" {
			sb.WriteString(fmt.Sprintf(" Version='%s'", escapeXMLAttr(pkg.Version)))
		}
		if pkg.DisplayName != "" {
			sb.WriteString(fmt.Sprintf(" DisplayName='%s'", escapeXMLAttr(pkg.DisplayName)))
		}
		if pkg.InstallCondition != "" {
			sb.WriteString(fmt.Sprintf(" InstallCondition='%s'", escapeXMLAttr(pkg.InstallCondition)))
		}
		if pkg.Scope == ir.ScopePerMachine {
			sb.WriteString(" PerMachine='yes'")
		}
		if pkg.Permanent {
			sb.WriteString(" Permanent='yes'")
		}
		if pkg.Vital {
			sb.WriteString(" Vital='yes'")
		}
		sb.WriteString(typeAttrs(f))
		sb.WriteString(">\n")

		for _, feature := range featuresByPackage[pkg.ID] {
			sb.WriteString(fmt.Sprintf("      <MsiFeature Id='%s' Size='%d'/>\n",
				escapeXMLAttr(feature.Feature), feature.Size))
		}
		for _, msp := range slipstreamsByMsi[pkg.ID] {
			sb.WriteString(fmt.Sprintf("      <SlipstreamMsp Id='%s'/>\n", escapeXMLAttr(msp)))
		}
		for _, provider := range providerByPackage[pkg.ID] {
			sb.WriteString(fmt.Sprintf("      <Provides Key='%s'", escapeXMLAttr(provider.ProviderKey)))
			if provider.Version != "" {
				sb.WriteString(fmt.Sprintf(" Version='%s'", escapeXMLAttr(provider.Version)))
			}
			if provider.DisplayName != "" {
				sb.WriteString(fmt.Sprintf(" DisplayName='%s'", escapeXMLAttr(provider.DisplayName)))
			}
			if provider.Imported {
				sb.WriteString(" Imported='yes'")
			}
			sb.WriteString("/>\n")
		}
		for _, payload := range payloadsByPackage[pkg.ID] {
			sb.WriteString(fmt.Sprintf("      <PayloadRef Id='%s'/>\n", escapeXMLAttr(payload.ID)))
		}
		sb.WriteString(fmt.Sprintf("    </%sPackage>\n", pkg.Type))
	}
	sb.WriteString("  </Chain>\n")
	return sb.String()
}

// typeAttrs emits the attributes specific to one package type.
func typeAttrs(f *facade.PackageFacade) string {
	var sb strings.Builder
	switch {
	case f.Exe != nil:
		if f.Exe.DetectCondition != "" {
			sb.WriteString(fmt.Sprintf(" DetectCondition='%s'", escapeXMLAttr(f.Exe.DetectCondition)))
		}
		if f.Exe.InstallCommand != "" {
			sb.WriteString(fmt.Sprintf(" InstallArguments='%s'", escapeXMLAttr(f.Exe.InstallCommand)))
		}
		if f.Exe.RepairCommand != "" {
			sb.WriteString(fmt.Sprintf(" RepairArguments='%s'", escapeXMLAttr(f.Exe.RepairCommand)))
		}
		if f.Exe.UninstallCommand != "" {
			sb.WriteString(fmt.Sprintf(" UninstallArguments='%s'", escapeXMLAttr(f.Exe.UninstallCommand)))
		}
	case f.Msi != nil:
		sb.WriteString(fmt.Sprintf(" ProductCode='%s'", escapeXMLAttr(f.Msi.ProductCode)))
		if f.Msi.UpgradeCode != "" {
			sb.WriteString(fmt.Sprintf(" UpgradeCode='%s'", escapeXMLAttr(f.Msi.UpgradeCode)))
		}
		if f.Msi.ProductLanguage != "" {
			sb.WriteString(fmt.Sprintf(" Language='%s'", escapeXMLAttr(f.Msi.ProductLanguage)))
		}
	case f.Msp != nil:
		sb.WriteString(fmt.Sprintf(" PatchCode='%s'", escapeXMLAttr(f.Msp.PatchCode)))
	case f.Msu != nil:
		if f.Msu.DetectCondition != "" {
			sb.WriteString(fmt.Sprintf(" DetectCondition='%s'", escapeXMLAttr(f.Msu.DetectCondition)))
		}
		if f.Msu.KB != "" {
			sb.WriteString(fmt.Sprintf(" KB='%s'", escapeXMLAttr(f.Msu.KB)))
		}
	}
	return sb.String()
}

func containersXML(data *Data) string {
	var sb strings.Builder
	for _, c := range data.Section.Containers {
		// The manifest rides inside the UX container, so a size or hash
		// written here could never match the container it ships in. The
		// engine locates the UX container by position, not by this element.
		if c.ID == ir.UXContainerID {
			continue
		}
		sb.WriteString(fmt.Sprintf("  <Container Id='%s' FileSize='%d' Hash='%s'",
			escapeXMLAttr(c.ID), c.FileSize, escapeXMLAttr(c.Hash)))
		if c.Type == ir.ContainerAttached {
			sb.WriteString(fmt.Sprintf(" Attached='yes' AttachedIndex='%d'", c.AttachedIndex))
		}
		if c.Name != "" {
			sb.WriteString(fmt.Sprintf(" FilePath='%s'", escapeXMLAttr(c.Name)))
		}
		sb.WriteString("/>\n")
	}
	return sb.String()
}

func payloadsXML(data *Data) string {
	var sb strings.Builder
	for _, p := range data.Section.Payloads {
		sb.WriteString(fmt.Sprintf("  <Payload Id='%s' FilePath='%s' FileSize='%d' Hash='%s' Packaging='%s'",
			escapeXMLAttr(p.ID), escapeXMLAttr(p.Name), p.FileSize, escapeXMLAttr(p.Hash), p.Packaging))
		if p.ContainerRef != "" {
			sb.WriteString(fmt.Sprintf(" Container='%s' EmbeddedId='%s'",
				escapeXMLAttr(p.ContainerRef), escapeXMLAttr(p.EmbeddedID)))
		}
		if p.DownloadURL != "" {
			sb.WriteString(fmt.Sprintf(" DownloadUrl='%s'", escapeXMLAttr(p.DownloadURL)))
		}
		if p.LayoutOnly {
			sb.WriteString(" LayoutOnly='yes'")
		}
		sb.WriteString("/>\n")
	}
	return sb.String()
}

// customXML emits extension-contributed rows grouped by table, one sibling
// element per row named after the table, one attribute per non-empty field.
func customXML(data *Data) string {
	byTable := make(map[string][]*ir.CustomRow)
	var tables []string
	for _, row := range data.Section.Custom {
		if _, ok := byTable[row.Table]; !ok {
			tables = append(tables, row.Table)
		}
		byTable[row.Table] = append(byTable[row.Table], row)
	}

	var sb strings.Builder
	for _, table := range tables {
		assertIdentifier(table)
		for _, row := range byTable[table] {
			sb.WriteString(fmt.Sprintf("  <%s", table))
			for _, field := range row.Fields {
				if field.Value == "" {
					continue
				}
				assertIdentifier(field.Name)
				sb.WriteString(fmt.Sprintf(" %s='%s'", field.Name, escapeXMLAttr(field.Value)))
			}
			sb.WriteString("/>\n")
		}
	}
	return sb.String()
}

// assertIdentifier panics on a malformed extension name when assertions are
// enabled. Release builds skip the check entirely.
func assertIdentifier(name string) {
	if !AssertIdentifiers {
		return
	}
	if !validIdentifier(name) {
		panic(fmt.Sprintf("extension element name %q is not a valid identifier", name))
	}
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		letter := (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || r == '_'
		digit := r >= '0' && r <= '9'
		if i == 0 && !letter {
			return false
		}
		if !letter && !digit && r != '.' {
			return false
		}
	}
	return true
}

// escapeXMLAttr escapes special characters for XML attribute values.
func escapeXMLAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
