package ir

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// Section is one linked intermediate section: every row the linker resolved
// for a single output. Slices keep the linker's order.
type Section struct {
	Bundles     []*BundleRow                  `msgpack:"bundles"`
	BAs         []*BootstrapperApplicationRow `msgpack:"bas"`
	Chains      []*ChainRow                   `msgpack:"chains"`
	Packages    []*PackageRow                 `msgpack:"packages"`
	ExePackages []*ExePackageRow              `msgpack:"exe_packages"`
	MsiPackages []*MsiPackageRow              `msgpack:"msi_packages"`
	MspPackages []*MspPackageRow              `msgpack:"msp_packages"`
	MsuPackages []*MsuPackageRow              `msgpack:"msu_packages"`
	MsiFeatures []*MsiFeatureRow              `msgpack:"msi_features"`
	Payloads    []*PayloadRow                 `msgpack:"payloads"`
	Containers  []*ContainerRow               `msgpack:"containers"`
	Groups      []*GroupRow                   `msgpack:"groups"`
	Boundaries  []*RollbackBoundaryRow        `msgpack:"boundaries"`
	Properties  []*PropertyRow                `msgpack:"properties"`
	Providers   []*DependencyProviderRow      `msgpack:"providers"`
	Related     []*RelatedBundleRow           `msgpack:"related"`
	Searches    []*SearchRow                  `msgpack:"searches"`
	Catalogs    []*CatalogRow                 `msgpack:"catalogs"`
	Media       []*MediaRow                   `msgpack:"media"`
	Files       []*FileRow                    `msgpack:"files"`
	Custom      []*CustomRow                  `msgpack:"custom"`
}

// Load reads a linked intermediate (.wixird) file.
func Load(path string) (*Section, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading intermediate: %w", err)
	}
	var s Section
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding intermediate %s: %w", path, err)
	}
	return &s, nil
}

// Save writes the section back out, for intermediate inspection tooling.
func (s *Section) Save(path string) error {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding intermediate: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing intermediate: %w", err)
	}
	return nil
}

// OneBundle returns the singleton bundle row. The linker guarantees exactly
// one; a violation is an internal consistency bug, not user error.
func (s *Section) OneBundle() (*BundleRow, error) {
	if len(s.Bundles) != 1 {
		return nil, fmt.Errorf("expected exactly one bundle row, found %d", len(s.Bundles))
	}
	return s.Bundles[0], nil
}

// OneBA returns the singleton bootstrapper application row.
func (s *Section) OneBA() (*BootstrapperApplicationRow, error) {
	if len(s.BAs) != 1 {
		return nil, fmt.Errorf("expected exactly one bootstrapper application row, found %d", len(s.BAs))
	}
	return s.BAs[0], nil
}

// OneChain returns the singleton chain row.
func (s *Section) OneChain() (*ChainRow, error) {
	if len(s.Chains) != 1 {
		return nil, fmt.Errorf("expected exactly one chain row, found %d", len(s.Chains))
	}
	return s.Chains[0], nil
}

// PayloadByID returns the payload with the given identifier, or nil.
func (s *Section) PayloadByID(id string) *PayloadRow {
	for _, p := range s.Payloads {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ContainerByID returns the container with the given identifier, or nil.
func (s *Section) ContainerByID(id string) *ContainerRow {
	for _, c := range s.Containers {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// PackageByID returns the chain package with the given identifier, or nil.
func (s *Section) PackageByID(id string) *PackageRow {
	for _, p := range s.Packages {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// BoundaryByID returns the rollback boundary with the given identifier, or nil.
func (s *Section) BoundaryByID(id string) *RollbackBoundaryRow {
	for _, b := range s.Boundaries {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// UXContainer returns the UX container row, or nil when not authored.
func (s *Section) UXContainer() *ContainerRow {
	return s.ContainerByID(UXContainerID)
}
