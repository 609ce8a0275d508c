package auth

// Permission names a capability granted to a role.
type Permission string

const (
	PermManageUsers          Permission = "manage_users"
	PermManageAdmins         Permission = "manage_admins"
	PermManageWasteManagers  Permission = "manage_waste_managers"
	PermManageBins           Permission = "manage_bins"
	PermManageRewards        Permission = "manage_rewards"
	PermManageCampaigns      Permission = "manage_campaigns"
	PermViewReports          Permission = "view_reports"
	PermManageReports        Permission = "manage_reports"
	PermVerifyDisposals      Permission = "verify_disposals"
	PermViewAnalytics        Permission = "view_analytics"
	PermManageSystemSettings Permission = "manage_system_settings"
	PermDisposeWaste         Permission = "dispose_waste"
	PermRedeemRewards        Permission = "redeem_rewards"
	PermCreateReports        Permission = "create_reports"
)

// AllPermissions lists every known permission.
func AllPermissions() []Permission {
	return []Permission{
		PermManageUsers, PermManageAdmins, PermManageWasteManagers, PermManageBins,
		PermManageRewards, PermManageCampaigns, PermViewReports, PermManageReports,
		PermVerifyDisposals, PermViewAnalytics, PermManageSystemSettings,
		PermDisposeWaste, PermRedeemRewards, PermCreateReports,
	}
}

// RolePermissions returns permissions granted to a role. Each role's set is
// listed on its own; there is no inheritance from lower roles.
func RolePermissions(role Role) []Permission {
	switch role {
	case RoleSuperadmin:
		return []Permission{
			PermManageUsers,
			PermManageAdmins,
			PermManageWasteManagers,
			PermManageBins,
			PermManageRewards,
			PermManageCampaigns,
			PermViewReports,
			PermManageReports,
			PermVerifyDisposals,
			PermViewAnalytics,
			PermManageSystemSettings,
		}
	case RoleAdmin:
		return []Permission{
			PermManageUsers,
			PermManageWasteManagers,
			PermManageBins,
			PermManageRewards,
			PermManageCampaigns,
			PermViewReports,
			PermManageReports,
			PermVerifyDisposals,
			PermViewAnalytics,
		}
	case RoleWasteManager:
		return []Permission{
			PermManageBins,
			PermViewReports,
			PermManageReports,
			PermVerifyDisposals,
		}
	case RoleUser:
		return []Permission{
			PermDisposeWaste,
			PermRedeemRewards,
			PermCreateReports,
		}
	default:
		return []Permission{}
	}
}

// HasPermission reports whether perm is in role's permission set.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range RolePermissions(role) {
		if p == perm {
			return true
		}
	}
	return false
}
