package entity

import (
	"SupportChat/internal/lib/validate"
)

type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleCustomer
}

// Identity is the resolved caller of a connection. It is immutable for the
// lifetime of that connection.
type Identity struct {
	UserID      string `json:"user_id" bson:"user_id" validate:"required"`
	DisplayName string `json:"display_name" bson:"display_name" validate:"required"`
	Role        Role   `json:"role" bson:"role" validate:"required,oneof=agent customer"`
	Contact     string `json:"contact,omitempty" bson:"contact,omitempty" validate:"omitempty"`
}

func (i *Identity) Validate() error {
	return validate.Struct(i)
}

func (i *Identity) IsAgent() bool {
	return i != nil && i.Role == RoleAgent
}

func (i *Identity) IsCustomer() bool {
	return i != nil && i.Role == RoleCustomer
}
