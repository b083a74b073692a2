package auth

// Scopes guarding the audit API. Tokens carry a scope list; the admin scope
// implies everything.
const (
	ScopeAuditRead   = "audit:read"
	ScopeAuditVerify = "audit:verify"
	ScopeAuditAdmin  = "audit:admin"
	ScopeAdmin       = "admin"
)

// HasScope reports whether the claims grant the required scope.
func (c *Claims) HasScope(required string) bool {
	for _, s := range c.Scopes {
		if s == required || s == ScopeAdmin {
			return true
		}
		if s == ScopeAuditAdmin && (required == ScopeAuditRead || required == ScopeAuditVerify) {
			return true
		}
	}
	return false
}
