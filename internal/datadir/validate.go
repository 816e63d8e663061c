package datadir

import (
	"fmt"
	"regexp"
)

var tenantRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateTenantID checks that a tenant id conforms to naming rules. Tenant
// ids become directory names, so the character set is deliberately narrow.
func ValidateTenantID(tenantID string) error {
	if !tenantRegexp.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant id %q: must match ^[a-z0-9_-]{1,64}$", tenantID)
	}
	return nil
}
