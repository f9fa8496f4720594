// internal/model/contact.go
package model

type Contact struct {
	ID          int    `db:"id" json:"id"`
	WorkspaceID int    `db:"workspace_id" json:"workspace_id"`
	Username    string `db:"username" json:"username"`
	DisplayName string `db:"display_name" json:"display_name"`
}
