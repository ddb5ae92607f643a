// Package rbac decides which activity events a caller may read.
package rbac

import (
	"strings"

	"github.com/CaioWing/Watchtower/internal/domain"
)

var targetAllowList = map[string][]string{
	domain.RoleSales:      {"Client", "Lead", "Quotation", "Order", "Payment"},
	domain.RoleProduction: {"Order", "Machine", "QA", "File"},
	domain.RoleAccountant: {"Payment", "Quotation", "Order", "Client"},
	domain.RoleHR:         {"User", "Attendance", "Employee"},
	domain.RoleManager: {
		"Client", "Lead", "Quotation", "Order", "Payment", "Machine", "QA", "File",
		"Task", "Report", "Employee", "Attendance",
	},
}

// AllowedTargetTypes returns the static allow-list for role. Unknown roles get none.
func AllowedTargetTypes(role string) []string {
	types := targetAllowList[strings.ToUpper(role)]
	out := make([]string, len(types))
	copy(out, types)
	return out
}

// ScopeFor returns the caller's visibility: everything for admins, otherwise
// their own events plus the role's allow-listed target types.
func ScopeFor(p domain.Principal) domain.VisibilityScope {
	if strings.EqualFold(p.Role, domain.RoleAdmin) {
		return domain.VisibilityScope{All: true}
	}
	return domain.VisibilityScope{
		ActorID:     p.UserID,
		TargetTypes: AllowedTargetTypes(p.Role),
	}
}

func Visible(scope domain.VisibilityScope, e *domain.ActivityEvent) bool {
	if scope.All {
		return true
	}
	if scope.ActorID != "" && e.ActorID != nil && *e.ActorID == scope.ActorID {
		return true
	}
	for _, t := range scope.TargetTypes {
		if t == e.TargetType {
			return true
		}
	}
	return false
}
