package models

import "time"

// Workspace roles allowed to manage billing.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
)

// Workspace carries the denormalized active plan slug. Creation and
// membership management belong to the builder collaborator; the gateway
// only refreshes the plan cache.
type Workspace struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(200);default:''" json:"name"`
	Plan      string    `gorm:"type:varchar(50);not null;default:'free'" json:"plan"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Workspace) TableName() string {
	return "workspaces"
}

// WorkspaceMember links an authenticated user to a workspace with a role.
type WorkspaceMember struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID string    `gorm:"type:uuid;not null;index:ux_workspace_members_ws_user,unique,priority:1" json:"workspace_id"`
	UserID      string    `gorm:"type:uuid;not null;index:ux_workspace_members_ws_user,unique,priority:2" json:"user_id"`
	Role        string    `gorm:"type:varchar(20);not null;default:'member'" json:"role"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (WorkspaceMember) TableName() string {
	return "workspace_members"
}

// CanManageBilling reports whether the member may create checkout or portal
// sessions for the workspace.
func (m *WorkspaceMember) CanManageBilling() bool {
	return m.Role == RoleOwner || m.Role == RoleAdmin
}
