// Package casetype resolves per-case-type behaviour once, at the state machine boundary.
package casetype

import (
	"fmt"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/reference"
)

// Behavior is everything that differs between import, export and access cases.
type Behavior struct {
	CaseType     domain.CaseType
	CaseCategory reference.Category
	CaseFormat   reference.Format

	// DocumentKind is empty for case types that issue nothing.
	DocumentKind     domain.DocumentKind
	DocumentCategory reference.Category
	DocumentFormat   reference.Format
	// ProcessPrefixes overrides DocumentFormat.Prefix per process type.
	ProcessPrefixes map[string]string
	Electronic      bool
}

func (b Behavior) IssuesDocuments() bool {
	return b.DocumentKind != ""
}

// CaseReference renders an allocated case number.
func (b Behavior) CaseReference(n reference.Number, year int) string {
	return b.CaseFormat.Render(n, year)
}

// DocumentReference renders an allocated licence or certificate number.
func (b Behavior) DocumentReference(processType string, n reference.Number, year int, paperOnly bool) string {
	prefix := b.DocumentFormat.Prefix
	if p, ok := b.ProcessPrefixes[processType]; ok {
		prefix = p
	}
	if b.DocumentKind == domain.DocumentLicence {
		return reference.LicenceReference(prefix, n, b.Electronic && !paperOnly)
	}
	f := b.DocumentFormat
	f.Prefix = prefix
	return f.Render(n, year)
}

type Table map[domain.CaseType]Behavior

// Resolve returns the behaviour for ct or an error for unknown case types.
func (t Table) Resolve(ct domain.CaseType) (Behavior, error) {
	b, ok := t[ct]
	if !ok {
		return Behavior{}, fmt.Errorf("unknown case type %q", ct)
	}
	return b, nil
}

// Default is the built-in table.
func Default() Table {
	return Table{
		domain.CaseTypeImport: {
			CaseType:         domain.CaseTypeImport,
			CaseCategory:     reference.CategoryCase,
			CaseFormat:       reference.Format{Prefix: "IMA", UseYear: true, MinDigits: 5},
			DocumentKind:     domain.DocumentLicence,
			DocumentCategory: reference.CategoryLicence,
			DocumentFormat:   reference.Format{Prefix: "SIL", MinDigits: 7},
			Electronic:       true,
		},
		domain.CaseTypeExport: {
			CaseType:         domain.CaseTypeExport,
			CaseCategory:     reference.CategoryCase,
			CaseFormat:       reference.Format{Prefix: "CA", UseYear: true, MinDigits: 5},
			DocumentKind:     domain.DocumentCertificate,
			DocumentCategory: reference.CategoryCertificate,
			DocumentFormat:   reference.Format{Prefix: "CFS", UseYear: true, MinDigits: 5},
		},
		domain.CaseTypeAccess: {
			CaseType:     domain.CaseTypeAccess,
			CaseCategory: reference.CategoryAccessRequest,
			CaseFormat:   reference.Format{Prefix: "IAR", MinDigits: 1},
		},
	}
}

// FromConfig overlays cfg.CaseTypes on the default table.
func FromConfig(cfg *config.Config) (Table, error) {
	t := Default()
	if cfg == nil {
		return t, nil
	}
	for name, ct := range cfg.CaseTypes {
		key := domain.CaseType(name)
		b, ok := t[key]
		if !ok {
			return nil, fmt.Errorf("unknown case type %q", name)
		}
		if ct.DocumentKind != "" {
			b.DocumentKind = domain.DocumentKind(ct.DocumentKind)
			switch b.DocumentKind {
			case domain.DocumentLicence:
				b.DocumentCategory = reference.CategoryLicence
			case domain.DocumentCertificate:
				b.DocumentCategory = reference.CategoryCertificate
			}
		}
		b.CaseFormat = overlay(b.CaseFormat, ct.Case)
		b.DocumentFormat = overlay(b.DocumentFormat, ct.Document)
		if len(ct.ProcessPrefixes) > 0 {
			b.ProcessPrefixes = make(map[string]string, len(ct.ProcessPrefixes))
			for k, v := range ct.ProcessPrefixes {
				b.ProcessPrefixes[k] = v
			}
		}
		if ct.Electronic != nil {
			b.Electronic = *ct.Electronic
		}
		t[key] = b
	}
	return t, nil
}

func overlay(f reference.Format, c config.ReferenceFormat) reference.Format {
	if c.Prefix != "" {
		f.Prefix = c.Prefix
	}
	if c.UseYear != nil {
		f.UseYear = *c.UseYear
	}
	if c.MinDigits > 0 {
		f.MinDigits = c.MinDigits
	}
	return f
}
