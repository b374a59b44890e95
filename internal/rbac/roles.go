package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner           = "owner"
	RoleFlowEditor      = "flow_editor"
	RoleAnalyst         = "analyst"
	RoleAgent           = "agent"
	RoleSuperAdmin      = "super_admin"
	RoleNetworkOperator = "network_operator" // hidden role
)

// Permission is an action on a tenant's resources.
type Permission string

const (
	PermFlowsRead     Permission = "flows:read"
	PermFlowsWrite    Permission = "flows:write"
	PermFlowsPublish  Permission = "flows:publish"
	PermCallsRead     Permission = "calls:read"
	PermCallsControl  Permission = "calls:control"
	PermEventsRead    Permission = "events:read"
	PermRoutingRead   Permission = "routing:read"
	PermAuditRead     Permission = "audit:read"
	PermRoutingManage Permission = "routing:manage"
)

var grants = map[string][]Permission{
	RoleOwner: {
		PermFlowsRead, PermFlowsWrite, PermFlowsPublish,
		PermCallsRead, PermCallsControl, PermEventsRead,
		PermRoutingRead, PermAuditRead,
	},
	RoleFlowEditor: {PermFlowsRead, PermFlowsWrite, PermFlowsPublish, PermCallsRead, PermEventsRead},
	RoleAnalyst:    {PermFlowsRead, PermCallsRead, PermEventsRead, PermRoutingRead, PermAuditRead},
	RoleAgent:      {PermCallsRead, PermCallsControl},
	// Overrides are managed out of band; the hidden role only gets what it asks for.
	RoleNetworkOperator: {PermRoutingManage, PermRoutingRead},
}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleNetworkOperator }

// Can reports whether role holds p. super_admin holds everything.
func Can(role string, p Permission) bool {
	if IsSuperAdmin(role) {
		return true
	}
	for _, g := range grants[role] {
		if g == p {
			return true
		}
	}
	return false
}
