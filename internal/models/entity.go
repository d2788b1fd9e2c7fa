// Package models defines domain models for the alert engine.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// EntityKind is the type of a monitored inventory entity.
type EntityKind int

const (
	EntityPlatform    EntityKind = 1
	EntityServer      EntityKind = 2
	EntityService     EntityKind = 3
	EntityApplication EntityKind = 4
	EntityGroup       EntityKind = 5
)

// EntityID identifies an inventory entity by kind and instance id.
type EntityID struct {
	Kind EntityKind `json:"kind"`
	ID   int        `json:"id"`
}

// NewEntityID creates an entity id.
func NewEntityID(kind EntityKind, id int) EntityID {
	return EntityID{Kind: kind, ID: id}
}

// ParseEntityID parses the "<kind>:<id>" form.
func ParseEntityID(s string) (EntityID, error) {
	kindStr, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return EntityID{}, fmt.Errorf("invalid entity id %q", s)
	}
	kind, err := strconv.Atoi(kindStr)
	if err != nil || kind < int(EntityPlatform) || kind > int(EntityGroup) {
		return EntityID{}, fmt.Errorf("invalid entity kind in %q", s)
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return EntityID{}, fmt.Errorf("invalid entity instance in %q", s)
	}
	return EntityID{Kind: EntityKind(kind), ID: id}, nil
}

// String returns the "<kind>:<id>" form, also used as the resource key in storage.
func (e EntityID) String() string {
	return fmt.Sprintf("%d:%d", e.Kind, e.ID)
}

func (e EntityID) IsPlatform() bool { return e.Kind == EntityPlatform }
func (e EntityID) IsServer() bool   { return e.Kind == EntityServer }
func (e EntityID) IsService() bool  { return e.Kind == EntityService }

// Resource is the authorization view of an inventory entity.
type Resource struct {
	Entity  EntityID `json:"entity"`
	Name    string   `json:"name"`
	OwnerID string   `json:"owner_id,omitempty"`
}

// ResourceGroup is a named collection of resources that grants are attached to.
type ResourceGroup struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}
