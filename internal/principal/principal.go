// Package principal reads the identities that can sign in: patients and
// doctors. The tables belong to the clinic application; this package only
// reads them.
package principal

import (
	"net/http"

	commonerrors "github.com/AlibekovAA/clinic-auth/internal/common/errors"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

type Kind string

const (
	KindPatient Kind = "patient"
	KindDoctor  Kind = "doctor"
)

type Principal struct {
	ID           string
	Email        string
	Name         string
	Role         Role
	Kind         Kind
	PasswordHash string
}

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// KindForRole maps a token role back to the table that holds the principal.
// Admins are doctors with the admin flag.
func KindForRole(role Role) (Kind, bool) {
	switch role {
	case RolePatient:
		return KindPatient, true
	case RoleDoctor, RoleAdmin:
		return KindDoctor, true
	}
	return "", false
}

// RolesForKind lists the token roles a principal of kind can hold.
func RolesForKind(kind Kind) []Role {
	switch kind {
	case KindPatient:
		return []Role{RolePatient}
	case KindDoctor:
		return []Role{RoleDoctor, RoleAdmin}
	}
	return nil
}

var ErrNotFound = commonerrors.ErrPrincipalNotFound

var ErrUnknownRole = commonerrors.NewDomainError(
	"UNKNOWN_ROLE",
	commonerrors.CategoryValidation,
	http.StatusBadRequest,
	"unknown principal role",
)
