package auth

// Permission is an atomic capability an operation requires.
type Permission string

const (
	PermCreateAnalysis Permission = "analysis.create"
	PermViewAnalysis   Permission = "analysis.view"
	PermEditAnalysis   Permission = "analysis.edit"
	PermDeleteAnalysis Permission = "analysis.delete"
	PermExportAnalysis Permission = "analysis.export"

	PermViewUsers   Permission = "users.view"
	PermInviteUsers Permission = "users.invite"
	PermManageUsers Permission = "users.manage"
	PermRemoveUsers Permission = "users.remove"

	PermViewOrganization Permission = "organization.view"
	PermEditOrganization Permission = "organization.edit"

	PermViewBilling   Permission = "billing.view"
	PermManageBilling Permission = "billing.manage"

	PermViewAnalytics         Permission = "analytics.view"
	PermViewAdvancedAnalytics Permission = "analytics.view_advanced"

	PermViewAuditLogs Permission = "audit_logs.view"
)

// AllPermissions lists the closed permission set.
var AllPermissions = []Permission{
	PermCreateAnalysis, PermViewAnalysis, PermEditAnalysis, PermDeleteAnalysis, PermExportAnalysis,
	PermViewUsers, PermInviteUsers, PermManageUsers, PermRemoveUsers,
	PermViewOrganization, PermEditOrganization,
	PermViewBilling, PermManageBilling,
	PermViewAnalytics, PermViewAdvancedAnalytics,
	PermViewAuditLogs,
}

// ParsePermission reports whether s names a known permission.
func ParsePermission(s string) (Permission, bool) {
	for _, p := range AllPermissions {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}
