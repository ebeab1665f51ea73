package models

import (
	"time"

	"github.com/google/uuid"
)

// User role stored on the users row
// The role claim inside an access token snapshots this value at issue time
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin
}

type User struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	Username       string
	HashedPassword string
	Role           Role
	Active         bool
}
