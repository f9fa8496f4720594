// internal/model/account.go
package model

// Account is a sending identity. Only active accounts may be attached to a
// campaign's sending pool.
type Account struct {
	ID          int    `db:"id" json:"id"`
	WorkspaceID int    `db:"workspace_id" json:"workspace_id"`
	Username    string `db:"username" json:"username"`
	IsActive    bool   `db:"is_active" json:"is_active"`
}
