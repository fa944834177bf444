// Package ir defines the linked intermediate representation consumed by the
// binder. Rows arrive from the linker in .wixird files (msgpack encoded) and
// cross-reference each other by string identifier.
package ir

import "fmt"

// SourceLocation identifies where a row was authored, for diagnostics.
type SourceLocation struct {
	File string `msgpack:"file"`
	Line int    `msgpack:"line"`
}

func (l SourceLocation) String() string {
	if l.File == "" {
		return ""
	}
	return fmt.Sprintf("%s(%d)", l.File, l.Line)
}

// Packaging describes how a payload travels with the bundle.
type Packaging int

const (
	PackagingDefault Packaging = iota
	PackagingEmbedded
	PackagingExternal
	PackagingDownload
)

func (p Packaging) String() string {
	switch p {
	case PackagingEmbedded:
		return "embedded"
	case PackagingExternal:
		return "external"
	case PackagingDownload:
		return "download"
	default:
		return "default"
	}
}

// Scope is the install scope of a package or bundle.
type Scope int

const (
	ScopeDefault Scope = iota
	ScopePerMachine
	ScopePerUser
)

func (s Scope) String() string {
	switch s {
	case ScopePerMachine:
		return "perMachine"
	case ScopePerUser:
		return "perUser"
	default:
		return "default"
	}
}

// PackageType distinguishes the four chain package kinds.
type PackageType int

const (
	PackageExe PackageType = iota
	PackageMsi
	PackageMsp
	PackageMsu
)

func (t PackageType) String() string {
	switch t {
	case PackageExe:
		return "Exe"
	case PackageMsi:
		return "Msi"
	case PackageMsp:
		return "Msp"
	case PackageMsu:
		return "Msu"
	default:
		return "Unknown"
	}
}

// BundleRow is the singleton bundle identity for one bind.
type BundleRow struct {
	BundleID         string         `msgpack:"bundle_id"` // assigned fresh at bind time
	Name             string         `msgpack:"name"`
	Version          string         `msgpack:"version"`
	Manufacturer     string         `msgpack:"manufacturer"`
	UpgradeCode      string         `msgpack:"upgrade_code"`
	ProviderKey      string         `msgpack:"provider_key"` // authored override, else computed
	PerMachine       bool           `msgpack:"per_machine"`
	DefaultPackaging Packaging      `msgpack:"default_packaging"`
	Condition        string         `msgpack:"condition"`
	IconPath         string         `msgpack:"icon_path"`
	AboutURL         string         `msgpack:"about_url"`
	Location         SourceLocation `msgpack:"location"`
}

// BootstrapperApplicationRow names the UX application driving the install.
type BootstrapperApplicationRow struct {
	ID         string         `msgpack:"id"`
	PayloadRef string         `msgpack:"payload_ref"` // primary BA payload
	Location   SourceLocation `msgpack:"location"`
}

// ChainRow is the singleton chain configuration.
type ChainRow struct {
	DisableRollback      bool           `msgpack:"disable_rollback"`
	DisableSystemRestore bool           `msgpack:"disable_system_restore"`
	ParallelCache        bool           `msgpack:"parallel_cache"`
	Location             SourceLocation `msgpack:"location"`
}

// PackageRow is the generic record shared by all chain package types.
// The type-specific rows below pair with it via PackageRef.
type PackageRow struct {
	ID               string         `msgpack:"id"`
	Type             PackageType    `msgpack:"type"`
	PayloadRef       string         `msgpack:"payload_ref"` // primary payload
	CacheID          string         `msgpack:"cache_id"`
	InstallCondition string         `msgpack:"install_condition"`
	DisplayName      string         `msgpack:"display_name"`
	Description      string         `msgpack:"description"`
	Version          string         `msgpack:"version"`
	Language         string         `msgpack:"language"`
	Scope            Scope          `msgpack:"scope"`
	Permanent        bool           `msgpack:"permanent"`
	Vital            bool           `msgpack:"vital"`
	NoDependency     bool           `msgpack:"no_dependency"` // excluded from ref-count tracking
	Size             int64          `msgpack:"size"`
	InstallSize      int64          `msgpack:"install_size"`
	LogPathVariable  string         `msgpack:"log_path_variable"`
	Location         SourceLocation `msgpack:"location"`
}

// ExePackageRow carries the Exe-specific package columns.
type ExePackageRow struct {
	PackageRef       string         `msgpack:"package_ref"`
	DetectCondition  string         `msgpack:"detect_condition"`
	InstallCommand   string         `msgpack:"install_command"`
	RepairCommand    string         `msgpack:"repair_command"`
	UninstallCommand string         `msgpack:"uninstall_command"`
	Location         SourceLocation `msgpack:"location"`
}

// MsiPackageRow carries the Msi-specific package columns.
type MsiPackageRow struct {
	PackageRef      string         `msgpack:"package_ref"`
	ProductCode     string         `msgpack:"product_code"`
	UpgradeCode     string         `msgpack:"upgrade_code"`
	ProductName     string         `msgpack:"product_name"`
	ProductVersion  string         `msgpack:"product_version"`
	ProductLanguage string         `msgpack:"product_language"`
	Manufacturer    string         `msgpack:"manufacturer"`
	Location        SourceLocation `msgpack:"location"`
}

// MspPackageRow carries the Msp-specific package columns.
type MspPackageRow struct {
	PackageRef         string         `msgpack:"package_ref"`
	PatchCode          string         `msgpack:"patch_code"`
	TargetProductCodes []string       `msgpack:"target_product_codes"`
	Location           SourceLocation `msgpack:"location"`
}

// MsuPackageRow carries the Msu-specific package columns.
type MsuPackageRow struct {
	PackageRef      string         `msgpack:"package_ref"`
	DetectCondition string         `msgpack:"detect_condition"`
	KB              string         `msgpack:"kb"`
	Location        SourceLocation `msgpack:"location"`
}

// PayloadRow is any single file transported by the bundle.
type PayloadRow struct {
	ID           string         `msgpack:"id"`
	Name         string         `msgpack:"name"` // destination name inside container/layout
	SourcePath   string         `msgpack:"source_path"`
	DownloadURL  string         `msgpack:"download_url"`
	Packaging    Packaging      `msgpack:"packaging"`
	PackageRef   string         `msgpack:"package_ref"`
	ContainerRef string         `msgpack:"container_ref"`
	LayoutOnly   bool           `msgpack:"layout_only"`
	FileSize     int64          `msgpack:"file_size"`
	Hash         string         `msgpack:"hash"` // hex SHA-256
	EmbeddedID   string         `msgpack:"embedded_id"`
	CatalogRef   string         `msgpack:"catalog_ref"`
	Location     SourceLocation `msgpack:"location"`
}

// UXContainerID is the well-known identifier of the container holding the
// bootstrapper application and the manifest.
const UXContainerID = "WixUXContainer"

// ContainerType distinguishes how a container ships.
type ContainerType int

const (
	ContainerAttached ContainerType = iota
	ContainerDetached
)

// ContainerRow is one payload archive inside (or beside) the bundle exe.
type ContainerRow struct {
	ID            string         `msgpack:"id"`
	Name          string         `msgpack:"name"`
	Type          ContainerType  `msgpack:"type"`
	FileSize      int64          `msgpack:"file_size"`
	Hash          string         `msgpack:"hash"`
	AttachedIndex int            `msgpack:"attached_index"`
	Location      SourceLocation `msgpack:"location"`
}

// Group parent/child type names used by GroupRow.
const (
	GroupChain        = "Chain"
	GroupPackageGroup = "PackageGroup"
	GroupPackage      = "Package"
	GroupBoundary     = "RollbackBoundary"
	GroupPayload      = "Payload"
	GroupPayloadGroup = "PayloadGroup"
	GroupContainer    = "Container"
	GroupLayout       = "Layout"
)

// ChainRootID is the parent identifier of the top-level chain group.
const ChainRootID = "WixChain"

// GroupRow records ordered membership of a child in a parent group.
type GroupRow struct {
	ParentType string         `msgpack:"parent_type"`
	ParentID   string         `msgpack:"parent_id"`
	ChildType  string         `msgpack:"child_type"`
	ChildID    string         `msgpack:"child_id"`
	Location   SourceLocation `msgpack:"location"`
}

// RollbackBoundaryRow marks a rollback boundary in the chain.
type RollbackBoundaryRow struct {
	ID          string         `msgpack:"id"`
	Vital       bool           `msgpack:"vital"`
	Transaction bool           `msgpack:"transaction"`
	Location    SourceLocation `msgpack:"location"`
}

// PropertyRow is a bundle variable. Property values are the only authored
// sources of cross-references between delayed fields.
type PropertyRow struct {
	ID        string         `msgpack:"id"`
	Value     string         `msgpack:"value"`
	Persisted bool           `msgpack:"persisted"`
	Hidden    bool           `msgpack:"hidden"`
	Location  SourceLocation `msgpack:"location"`
}

// DependencyProviderRow registers a package for install ref-counting.
type DependencyProviderRow struct {
	PackageRef  string         `msgpack:"package_ref"`
	ProviderKey string         `msgpack:"provider_key"`
	Version     string         `msgpack:"version"`
	DisplayName string         `msgpack:"display_name"`
	Imported    bool           `msgpack:"imported"` // harvested from the package, not authored
	Location    SourceLocation `msgpack:"location"`
}

// RelatedBundleAction names how a related bundle is treated at detect time.
type RelatedBundleAction int

const (
	RelatedDetect RelatedBundleAction = iota
	RelatedUpgrade
	RelatedAddon
	RelatedPatch
)

func (a RelatedBundleAction) String() string {
	switch a {
	case RelatedUpgrade:
		return "Upgrade"
	case RelatedAddon:
		return "Addon"
	case RelatedPatch:
		return "Patch"
	default:
		return "Detect"
	}
}

// RelatedBundleRow links this bundle to another by code.
type RelatedBundleRow struct {
	Code     string              `msgpack:"code"`
	Action   RelatedBundleAction `msgpack:"action"`
	Location SourceLocation      `msgpack:"location"`
}

// SearchRow is a detect-time search (file, registry, component, directory).
type SearchRow struct {
	ID        string         `msgpack:"id"`
	Type      string         `msgpack:"type"`
	Variable  string         `msgpack:"variable"`
	Condition string         `msgpack:"condition"`
	After     string         `msgpack:"after"` // search that must run first
	Detail    string         `msgpack:"detail"`
	Location  SourceLocation `msgpack:"location"`
}

// CatalogRow names an authored signature catalog file.
type CatalogRow struct {
	ID         string         `msgpack:"id"`
	SourcePath string         `msgpack:"source_path"`
	PayloadRef string         `msgpack:"payload_ref"`
	Location   SourceLocation `msgpack:"location"`
}

// MediaRow is one row per physical cabinet disk. DiskIDs are unique and
// contiguous ascending; LastSequence is non-decreasing in DiskID order.
type MediaRow struct {
	DiskID           int            `msgpack:"disk_id"`
	Cabinet          string         `msgpack:"cabinet"` // "#name" marks an embedded stream
	LastSequence     int            `msgpack:"last_sequence"`
	CompressionLevel string         `msgpack:"compression_level"`
	Location         SourceLocation `msgpack:"location"`
}

// FileRow is the per-file row referencing its disk by DiskID.
type FileRow struct {
	FileID     string         `msgpack:"file_id"`
	DiskID     int            `msgpack:"disk_id"`
	Sequence   int            `msgpack:"sequence"`
	SourcePath string         `msgpack:"source_path"`
	Location   SourceLocation `msgpack:"location"`
}

// MsiFeatureRow is one installable feature of an MSI chain package.
type MsiFeatureRow struct {
	PackageRef string         `msgpack:"package_ref"`
	Feature    string         `msgpack:"feature"`
	Size       int64          `msgpack:"size"`
	Title      string         `msgpack:"title"`
	Location   SourceLocation `msgpack:"location"`
}

// CustomField is one attribute of a custom extension row.
type CustomField struct {
	Name  string `msgpack:"name"`
	Value string `msgpack:"value"`
}

// CustomRow is an extension-contributed record emitted verbatim into the
// manifest, grouped by Table. Extension authors own name correctness.
type CustomRow struct {
	Table    string         `msgpack:"table"`
	Fields   []CustomField  `msgpack:"fields"`
	Location SourceLocation `msgpack:"location"`
}

// DelayedField pairs an unresolved field (its text still contains ${bind.*}
// references) with a closure writing the resolved value back in place. The
// closure is reconstructed after loading; it never serializes.
type DelayedField struct {
	PropertyID string // non-empty when the owning row is a PropertyRow
	Text       string
	Location   SourceLocation
	Apply      func(resolved string)
}
