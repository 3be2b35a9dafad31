package models

import (
	"regexp"
	"strings"
)

// Input validation shared by the admin service. Structural graph rules
// (cycles, dangling references) live with the graph; this file covers
// field shape only.

const (
	maxNameLength    = 100
	maxEmailLength   = 254
	maxTenantLength  = 128
	maxPatternLength = 512
)

var (
	acsEmailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	acsVerbRegex  = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,31}$`)
)

// ValidateTenantID accepts any opaque non-empty string within bounds.
func ValidateTenantID(tenantID string) error {
	if tenantID == "" {
		return NewValidationError("tenantId", "must not be empty")
	}
	if len(tenantID) > maxTenantLength {
		return NewValidationError("tenantId", "exceeds maximum length")
	}
	if strings.ContainsAny(tenantID, " \t\n") {
		return NewValidationError("tenantId", "must not contain whitespace")
	}
	return nil
}

// ValidateEmail checks a principal email address.
func ValidateEmail(email string) error {
	if email == "" {
		return NewValidationError("email", "must not be empty")
	}
	if len(email) > maxEmailLength {
		return NewValidationError("email", "exceeds maximum length")
	}
	if !acsEmailRegex.MatchString(email) {
		return NewValidationError("email", "malformed email address")
	}
	return nil
}

// ValidateName checks group and role names.
func ValidateName(field, name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return NewValidationError(field, "must not be empty")
	}
	if trimmed != name {
		return NewValidationError(field, "must not have leading or trailing whitespace")
	}
	if len(name) > maxNameLength {
		return NewValidationError(field, "exceeds maximum length")
	}
	return nil
}

// ValidateVerbName checks a verb after upper-casing.
func ValidateVerbName(name string) error {
	if name == "" {
		return NewValidationError("verb", "must not be empty")
	}
	if !acsVerbRegex.MatchString(strings.ToUpper(name)) {
		return NewValidationError("verb", "must be alphanumeric starting with a letter")
	}
	return nil
}

// ValidateURIPatternShape checks bounds and brace pairing. The full grammar
// is enforced when the graph compiles the pattern.
func ValidateURIPatternShape(pattern string) error {
	if pattern == "" {
		return NewValidationError("uriPattern", "must not be empty")
	}
	if len(pattern) > maxPatternLength {
		return NewValidationError("uriPattern", "exceeds maximum length")
	}
	depth := 0
	for _, r := range pattern {
		switch r {
		case '{':
			depth++
			if depth > 1 {
				return NewValidationError("uriPattern", "nested braces are not allowed")
			}
		case '}':
			depth--
			if depth < 0 {
				return NewValidationError("uriPattern", "unbalanced braces")
			}
		}
	}
	if depth != 0 {
		return NewValidationError("uriPattern", "unbalanced braces")
	}
	return nil
}

func (u *User) Validate() error {
	if err := ValidateTenantID(u.TenantID); err != nil {
		return err
	}
	return ValidateEmail(u.Email)
}

func (g *Group) Validate() error {
	if err := ValidateTenantID(g.TenantID); err != nil {
		return err
	}
	return ValidateName("name", g.Name)
}

func (r *Role) Validate() error {
	if err := ValidateTenantID(r.TenantID); err != nil {
		return err
	}
	return ValidateName("name", r.Name)
}

func (r *Resource) Validate() error {
	if err := ValidateTenantID(r.TenantID); err != nil {
		return err
	}
	return ValidateURIPatternShape(r.URIPattern)
}

func (v *Verb) Validate() error {
	if err := ValidateTenantID(v.TenantID); err != nil {
		return err
	}
	return ValidateVerbName(v.Name)
}

func (e *AuditEvent) Validate() error {
	if err := ValidateTenantID(e.TenantID); err != nil {
		return err
	}
	switch e.Category {
	case AuditAuthDecision, AuditAdminMutation, AuditSecurityAnomaly:
	default:
		return NewValidationError("category", "unknown audit category")
	}
	if e.When.IsZero() {
		return NewValidationError("when", "must be set")
	}
	return nil
}
