// Package resolve handles binder variable caching and delayed field
// resolution. Fields whose values depend on data only known after hashing
// and sizing carry ${bind.*} references; resolution runs in two passes so
// property fields can be referenced by everything else.
package resolve

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/ir"
)

// Cache holds the resolution-key to value mappings for one bind.
// Keys are dotted paths such as "property.ProductVersion.Major" or
// "packageVersion.MainPackage". Lifetime is a single bind invocation.
type Cache map[string]string

// NewCache creates an empty variable cache.
func NewCache() Cache {
	return Cache{}
}

// Get returns the value for a key, or empty string if not cached.
func (c Cache) Get(key string) string {
	return c[key]
}

// Set caches a value.
func (c Cache) Set(key, value string) {
	c[key] = value
}

// Has returns true if the key has been cached.
func (c Cache) Has(key string) bool {
	_, ok := c[key]
	return ok
}

const (
	tokenPrefix = "${bind."
	tokenClose  = "}"
	// tokenDefaultSep separates a token's key from its authored default
	// value: ${bind.key??default}.
	tokenDefaultSep = "??"

	// maxSplices bounds token expansion per field. A cached value whose
	// text contains its own token would otherwise loop forever, since the
	// scan resumes at the splice point.
	maxSplices = 100
)

// ContainsBindToken reports whether s holds at least one ${bind.*} reference.
func ContainsBindToken(s string) bool {
	return strings.Contains(s, tokenPrefix)
}

// ResolveDelayedFields resolves every delayed field in two passes.
//
// Pass 1 visits only fields owned by property rows, caching each resolved
// value under "property.<id>" so later fields can reference it. Pass 2
// visits everything else against the then-complete cache. Errors are
// reported per field through the sink; one field's failure does not stop
// resolution of the others.
func ResolveDelayedFields(fields []*ir.DelayedField, cache Cache, sink *diag.Sink) {
	for _, f := range fields {
		if f.PropertyID == "" {
			continue
		}
		resolved, ok := resolveText(f.Text, cache, sink, f.Location)
		if ok {
			f.Apply(resolved)
			cache.Set("property."+f.PropertyID, resolved)
			if f.PropertyID == "ProductVersion" {
				seedVersionParts(resolved, cache)
			}
		}
	}

	for _, f := range fields {
		if f.PropertyID != "" {
			continue
		}
		if resolved, ok := resolveText(f.Text, cache, sink, f.Location); ok {
			f.Apply(resolved)
		}
	}
}

// resolveText replaces every ${bind.*} token in text left to right. After a
// splice the scan resumes at the splice point, so a resolved value may
// itself contain further tokens. Returns false when any token could not be
// resolved; the error has already been reported.
func resolveText(text string, cache Cache, sink *diag.Sink, loc ir.SourceLocation) (string, bool) {
	ok := true
	pos := 0
	splices := 0
	for {
		if splices > maxSplices {
			sink.Error(loc, "binder variable expansion did not terminate after %d substitutions; a variable's value references itself", maxSplices)
			return text, false
		}
		start := strings.Index(text[pos:], tokenPrefix)
		if start < 0 {
			break
		}
		start += pos
		end := strings.Index(text[start:], tokenClose)
		if end < 0 {
			sink.Error(loc, "unterminated binder variable reference in %q", text)
			return text, false
		}
		end += start

		token := text[start+len(tokenPrefix) : end]
		key, def, hasDefault := strings.Cut(token, tokenDefaultSep)

		var value string
		switch {
		case cache.Has(key):
			value = cache.Get(key)
		case hasDefault:
			value = def
		default:
			sink.Error(loc, "unresolved binder variable ${bind.%s}", key)
			ok = false
			pos = end + len(tokenClose)
			continue
		}

		text = text[:start] + value + text[end+len(tokenClose):]
		pos = start
		splices++
	}
	return text, ok
}

// seedVersionParts expands a four-part ProductVersion into
// property.ProductVersion.{Major,Minor,Build,Revision}. Authored properties
// with the same names are never overwritten.
func seedVersionParts(version string, cache Cache) {
	major, minor, build, revision, ok := ParseFourPartVersion(version)
	if !ok {
		return
	}
	parts := map[string]int{
		"property.ProductVersion.Major":    major,
		"property.ProductVersion.Minor":    minor,
		"property.ProductVersion.Build":    build,
		"property.ProductVersion.Revision": revision,
	}
	for key, v := range parts {
		if !cache.Has(key) {
			cache.Set(key, strconv.Itoa(v))
		}
	}
}

// ParseFourPartVersion parses a Windows Installer style
// Major.Minor.Build.Revision version. Fewer than four parts default the
// missing parts to zero; more than four, or any non-numeric part, fails.
func ParseFourPartVersion(s string) (major, minor, build, revision int, ok bool) {
	if s == "" {
		return 0, 0, 0, 0, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return 0, 0, 0, 0, false
	}
	nums := [4]int{}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, 0, false
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nums[3], true
}

// CollectDelayedFields scans the fields the linker allows binder variables
// in and returns one DelayedField per field still holding a token. Property
// rows are tagged so pass 1 can find them.
func CollectDelayedFields(section *ir.Section) []*ir.DelayedField {
	var fields []*ir.DelayedField

	for _, prop := range section.Properties {
		if !ContainsBindToken(prop.Value) {
			continue
		}
		p := prop
		fields = append(fields, &ir.DelayedField{
			PropertyID: p.ID,
			Text:       p.Value,
			Location:   p.Location,
			Apply:      func(resolved string) { p.Value = resolved },
		})
	}

	for _, pkg := range section.Packages {
		p := pkg
		for _, tf := range []struct {
			text  string
			apply func(string)
		}{
			{p.DisplayName, func(v string) { p.DisplayName = v }},
			{p.Description, func(v string) { p.Description = v }},
			{p.InstallCondition, func(v string) { p.InstallCondition = v }},
		} {
			if ContainsBindToken(tf.text) {
				fields = append(fields, &ir.DelayedField{
					Text:     tf.text,
					Location: p.Location,
					Apply:    tf.apply,
				})
			}
		}
	}

	for _, exe := range section.ExePackages {
		e := exe
		for _, tf := range []struct {
			text  string
			apply func(string)
		}{
			{e.InstallCommand, func(v string) { e.InstallCommand = v }},
			{e.RepairCommand, func(v string) { e.RepairCommand = v }},
			{e.UninstallCommand, func(v string) { e.UninstallCommand = v }},
		} {
			if ContainsBindToken(tf.text) {
				fields = append(fields, &ir.DelayedField{
					Text:     tf.text,
					Location: e.Location,
					Apply:    tf.apply,
				})
			}
		}
	}

	if len(section.Bundles) == 1 {
		b := section.Bundles[0]
		if ContainsBindToken(b.Version) {
			fields = append(fields, &ir.DelayedField{
				Text:     b.Version,
				Location: b.Location,
				Apply:    func(v string) { b.Version = v },
			})
		}
		if ContainsBindToken(b.Name) {
			fields = append(fields, &ir.DelayedField{
				Text:     b.Name,
				Location: b.Location,
				Apply:    func(v string) { b.Name = v },
			})
		}
	}

	return fields
}

// FormatKey builds a resolution key from dotted segments, skipping empties.
func FormatKey(segments ...string) string {
	kept := segments[:0:0]
	for _, s := range segments {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, ".")
}

// Describe returns a short human-readable summary of the cache, used by
// verbose build logs.
func Describe(cache Cache) string {
	return fmt.Sprintf("%d cached binder variables", len(cache))
}
