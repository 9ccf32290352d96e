package rbac

import "strings"

type Role string
type Capability string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	CanView    Capability = "canView"
	CanComment Capability = "canComment"
	CanEdit    Capability = "canEdit"
	CanShare   Capability = "canShare"
	CanDelete  Capability = "canDelete"
)

type Permissions struct {
	CanView    bool `json:"canView"`
	CanComment bool `json:"canComment"`
	CanEdit    bool `json:"canEdit"`
	CanShare   bool `json:"canShare"`
	CanDelete  bool `json:"canDelete"`
}

func PermissionsFor(role Role) Permissions {
	switch role {
	case RoleAdmin:
		return Permissions{CanView: true, CanComment: true, CanEdit: true, CanShare: true, CanDelete: true}
	case RoleEditor:
		return Permissions{CanView: true, CanComment: true, CanEdit: true}
	case RoleViewer:
		return Permissions{CanView: true, CanComment: true}
	default:
		return Permissions{}
	}
}

func (p Permissions) Allows(capability Capability) bool {
	switch capability {
	case CanView:
		return p.CanView
	case CanComment:
		return p.CanComment
	case CanEdit:
		return p.CanEdit
	case CanShare:
		return p.CanShare
	case CanDelete:
		return p.CanDelete
	default:
		return false
	}
}

func Can(role Role, capability Capability) bool {
	return PermissionsFor(role).Allows(capability)
}

func ParseRole(role string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// ParseCapability accepts both "canEdit" and the bare "edit".
func ParseCapability(capability string) (Capability, bool) {
	value := strings.TrimSpace(capability)
	if !strings.HasPrefix(value, "can") && value != "" {
		value = "can" + strings.ToUpper(value[:1]) + value[1:]
	}
	switch c := Capability(value); c {
	case CanView, CanComment, CanEdit, CanShare, CanDelete:
		return c, true
	default:
		return "", false
	}
}
