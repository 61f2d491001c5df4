// Package sharding determines which authority owns a shard-scoped entity.
package sharding

import (
	"errors"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/store"
)

// Lookup loads global entities by uuid. *store.Tx satisfies it.
type Lookup interface {
	Entity(scope resource.Scope, uuid string) (store.Record, error)
}

// Resolve returns the authority of record: its own health_center when present,
// otherwise the health_center of the clinic of its session.
func Resolve(lookup Lookup, record store.Record) (string, error) {
	if authority := record.String(resource.AuthorityAttribute); authority != "" {
		return authority, nil
	}

	sessionID := record.String("session")
	if sessionID == "" {
		return "", apperr.BadRequestf("entity %s carries neither %s nor session", record.String("uuid"), resource.AuthorityAttribute)
	}

	session, err := lookupLink(lookup, "session", sessionID)
	if err != nil {
		return "", err
	}
	clinicID := session.String("clinic")
	if clinicID == "" {
		return "", apperr.NotFoundf("session %s has no clinic", sessionID)
	}

	clinic, err := lookupLink(lookup, "clinic", clinicID)
	if err != nil {
		return "", err
	}
	authority := clinic.String(resource.AuthorityAttribute)
	if authority == "" {
		return "", apperr.NotFoundf("clinic %s has no %s", clinicID, resource.AuthorityAttribute)
	}
	return authority, nil
}

func lookupLink(lookup Lookup, kind, uuid string) (store.Record, error) {
	record, err := lookup.Entity(resource.ScopeGlobal, uuid)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.NotFoundf("could not find %s: %s", kind, uuid)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}
