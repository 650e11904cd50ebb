package authz

import "brokercrm/internal/apperr"

// Actor is the authenticated caller of an engine operation. It is supplied
// by the transport layer; the engine never looks a session up on its own.
type Actor struct {
	UserID   int
	RoleID   int
	OfficeID int
}

func (a Actor) IsZero() bool {
	return a.UserID == 0
}

func (a Actor) Elevated() bool { return IsElevated(a.RoleID) }

func (a Actor) ReadOnly() bool { return IsReadOnly(a.RoleID) }

// Owns reports whether the actor is the owner of an entity.
func (a Actor) Owns(ownerID int) bool {
	return ownerID != 0 && a.UserID == ownerID
}

// OfficeScope returns the office a listing must be restricted to, or 0 for
// no restriction. Only admins see across offices.
func (a Actor) OfficeScope() int {
	if a.RoleID == RoleAdmin {
		return 0
	}
	return a.OfficeID
}

// OwnerScope returns the owner a listing must be restricted to, or 0 for
// no restriction. Sales agents only see their own entities.
func (a Actor) OwnerScope() int {
	if a.Elevated() || a.ReadOnly() {
		return 0
	}
	return a.UserID
}

// Authenticated fails when there is no actor or the role is unknown.
func Authenticated(a Actor) error {
	if a.IsZero() {
		return apperr.Unauthorized("no session")
	}
	if !IsKnownRole(a.RoleID) {
		return apperr.Unauthorized("unknown role")
	}
	return nil
}

// CanRead checks read access to an entity owned by ownerID.
func CanRead(a Actor, ownerID int) error {
	if err := Authenticated(a); err != nil {
		return err
	}
	if a.Elevated() || a.ReadOnly() || a.Owns(ownerID) {
		return nil
	}
	return apperr.Unauthorized("not the owner of this record")
}

// CanCreate checks that the actor may create records at all.
func CanCreate(a Actor) error {
	if err := Authenticated(a); err != nil {
		return err
	}
	if a.ReadOnly() {
		return apperr.Unauthorized("read-only role")
	}
	return nil
}

// CanMutate checks write access to an entity owned by ownerID.
func CanMutate(a Actor, ownerID int) error {
	if err := CanCreate(a); err != nil {
		return err
	}
	if a.Elevated() || a.Owns(ownerID) {
		return nil
	}
	return apperr.Unauthorized("not the owner of this record")
}

// RequireElevated is used by purge-style operations.
func RequireElevated(a Actor) error {
	if err := Authenticated(a); err != nil {
		return err
	}
	if !a.Elevated() {
		return apperr.Unauthorized("elevated role required")
	}
	return nil
}
