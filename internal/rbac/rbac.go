package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer     Role = "lecture"
	RoleTechnician Role = "technicien"
	RoleSurveyor   Role = "arpenteur"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead Action = "read"
	// ActionEdit covers field edits and adding mandates.
	ActionEdit          Action = "edit"
	ActionRemoveMandate Action = "remove_mandate"
	ActionManageMinutes Action = "manage_minutes"
	ActionAdmin         Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleSurveyor:
		return action == ActionRead || action == ActionEdit || action == ActionRemoveMandate || action == ActionManageMinutes
	case RoleTechnician:
		return action == ActionRead || action == ActionEdit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleViewer, RoleTechnician, RoleSurveyor, RoleAdmin:
		return r
	default:
		return RoleViewer
	}
}
