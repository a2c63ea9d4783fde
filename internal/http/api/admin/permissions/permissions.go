// Package permissions maps admin routes to the capability they require.
package permissions

import (
	"sort"
	"strings"

	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/security"
)

// Definition describes one protected admin route.
type Definition struct {
	Key      string
	Method   string
	Path     string
	Label    string
	Module   string
	Requires security.AdminRole
}

func def(method, path, label, module string, requires security.AdminRole) Definition {
	return Definition{
		Key:      Key(method, path),
		Method:   method,
		Path:     path,
		Label:    label,
		Module:   module,
		Requires: requires,
	}
}

var definitions = []Definition{
	def("GET", "/v0/admin/permissions", "List permissions", "Admins", security.RoleReviewer),
	def("GET", "/v0/admin/me", "Current admin", "Admins", security.RoleReviewer),
	def("GET", "/v0/admin/admins", "List admins", "Admins", security.RoleManager),
	def("POST", "/v0/admin/admins", "Create admin", "Admins", security.RoleManager),
	def("PUT", "/v0/admin/admins/:id", "Update admin", "Admins", security.RoleManager),
	def("POST", "/v0/admin/admins/:id/disable", "Disable admin", "Admins", security.RoleManager),
	def("POST", "/v0/admin/admins/:id/enable", "Enable admin", "Admins", security.RoleManager),

	def("GET", "/v0/admin/plans", "List plans", "Plans", security.RoleReviewer),
	def("GET", "/v0/admin/plans/:id", "Get plan", "Plans", security.RoleReviewer),
	def("POST", "/v0/admin/plans", "Create plan", "Plans", security.RoleManager),
	def("PUT", "/v0/admin/plans/:id", "Update plan", "Plans", security.RoleManager),

	def("GET", "/v0/admin/applications", "List applications", "Applications", security.RoleReviewer),
	def("GET", "/v0/admin/applications/:id", "Get application", "Applications", security.RoleReviewer),
	def("POST", "/v0/admin/applications/:id/approve", "Approve application", "Applications", security.RoleReviewer),
	def("POST", "/v0/admin/applications/:id/reject", "Reject application", "Applications", security.RoleReviewer),
	def("POST", "/v0/admin/applications/:id/cancel", "Cancel application", "Applications", security.RoleReviewer),

	def("GET", "/v0/admin/records", "List records", "Records", security.RoleReviewer),
	def("GET", "/v0/admin/records/:id", "Get record", "Records", security.RoleReviewer),

	def("GET", "/v0/admin/payments", "List payments", "Payments", security.RoleReviewer),
	def("GET", "/v0/admin/payments/:id", "Get payment", "Payments", security.RoleReviewer),

	def("GET", "/v0/admin/settings", "List settings", "Settings", security.RoleManager),
	def("PUT", "/v0/admin/settings/:key", "Update setting", "Settings", security.RoleManager),

	def("POST", "/v0/admin/sweeps/installments", "Run installment sweep", "Sweeps", security.RoleManager),
	def("POST", "/v0/admin/sweeps/reminders", "Run reminder sweep", "Sweeps", security.RoleManager),
	def("POST", "/v0/admin/sweeps/approvals", "Run auto-approval sweep", "Sweeps", security.RoleManager),
}

// Key builds the permission key for a method and gin route path.
func Key(method, path string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(path)
}

// Definitions returns all definitions sorted by module then key.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// DefinitionMap indexes definitions by key.
func DefinitionMap() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, d := range definitions {
		out[d.Key] = d
	}
	return out
}

// RoleOf returns the widest role an admin holds, or "" when it holds none.
func RoleOf(admin models.Admin) security.AdminRole {
	switch {
	case admin.CanManage:
		return security.RoleManager
	case admin.CanReview:
		return security.RoleReviewer
	default:
		return ""
	}
}

// Allowed reports whether admin may call the route described by d. Managers
// may do everything reviewers may.
func Allowed(admin models.Admin, d Definition) bool {
	if !admin.Active {
		return false
	}
	switch d.Requires {
	case security.RoleManager:
		return admin.CanManage
	case security.RoleReviewer:
		return admin.CanReview || admin.CanManage
	default:
		return false
	}
}
