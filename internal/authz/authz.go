// Package authz decides whether a subject may manage the alerts of an entity.
package authz

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazealert/internal/metrics"
	"github.com/good-yellow-bee/blazealert/internal/models"
	"github.com/good-yellow-bee/blazealert/internal/storage"
)

// ErrPermissionDenied is matched by every AccessDeniedError.
var ErrPermissionDenied = errors.New("permission denied")

// AccessDeniedError reports which subject was refused on which target.
type AccessDeniedError struct {
	SubjectID string
	Target    Target
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("permission denied: subject %q cannot manage alerts of %s", e.SubjectID, e.Target)
}

// Is reports whether target is ErrPermissionDenied.
func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Target is what a permission check is made against: an entity, or an alert
// definition through the entity it belongs to.
type Target struct {
	Entity       models.EntityID
	DefinitionID string
}

// EntityTarget returns a target for the entity.
func EntityTarget(entity models.EntityID) Target {
	return Target{Entity: entity}
}

// DefinitionTarget returns a target for the definition's entity.
func DefinitionTarget(def *models.AlertDefinition) Target {
	return Target{Entity: def.Entity, DefinitionID: def.ID}
}

func (t Target) String() string {
	if t == (Target{}) {
		return "all alerts"
	}
	if t.DefinitionID != "" {
		return "definition " + t.DefinitionID + " (" + t.Entity.String() + ")"
	}
	return "entity " + t.Entity.String()
}

// Gate is consulted before every entity or definition scoped operation.
// It returns nil when allowed and an *AccessDeniedError when not.
type Gate interface {
	CanManage(ctx context.Context, subjectID string, target Target) error
	// CanManageAll allows only subjects that manage every entity.
	CanManageAll(ctx context.Context, subjectID string) error
}

// StoreGate is a Gate backed by subjects, resources and group grants in storage.
//
// Admins manage everything, owners manage their own resources, and writers
// manage resources in groups where they hold the manageAlerts grant.
type StoreGate struct {
	store  storage.Storage
	logger *zap.Logger
}

// NewStoreGate creates a gate over the store.
func NewStoreGate(store storage.Storage, logger *zap.Logger) *StoreGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreGate{store: store, logger: logger}
}

// CanManage implements Gate.
func (g *StoreGate) CanManage(ctx context.Context, subjectID string, target Target) error {
	if subjectID == "" {
		return g.deny(subjectID, target, "anonymous subject")
	}

	subject, err := g.store.Subjects().GetByID(ctx, subjectID)
	if errors.Is(err, storage.ErrNotFound) {
		return g.deny(subjectID, target, "unknown subject")
	}
	if err != nil {
		return fmt.Errorf("get subject: %w", err)
	}
	if subject.IsAdmin() {
		return nil
	}

	res, err := g.store.Resources().Get(ctx, target.Entity)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// No inventory record, so no owner and no group membership.
		return g.deny(subjectID, target, "unknown resource")
	case err != nil:
		return fmt.Errorf("get resource: %w", err)
	}
	if res.OwnerID != "" && res.OwnerID == subject.ID {
		return nil
	}

	if subject.CanWrite() {
		ok, err := g.store.Subjects().HasGroupGrant(ctx, subject.ID, target.Entity, models.OpManageAlerts)
		if err != nil {
			return fmt.Errorf("check group grant: %w", err)
		}
		if ok {
			return nil
		}
	}

	return g.deny(subjectID, target, "no grant")
}

// CanManageAll implements Gate. Only admins pass.
func (g *StoreGate) CanManageAll(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return g.deny(subjectID, Target{}, "anonymous subject")
	}
	subject, err := g.store.Subjects().GetByID(ctx, subjectID)
	if errors.Is(err, storage.ErrNotFound) {
		return g.deny(subjectID, Target{}, "unknown subject")
	}
	if err != nil {
		return fmt.Errorf("get subject: %w", err)
	}
	if !subject.IsAdmin() {
		return g.deny(subjectID, Target{}, "not an admin")
	}
	return nil
}

func (g *StoreGate) deny(subjectID string, target Target, reason string) error {
	metrics.PermissionDeniedTotal.Inc()
	g.logger.Debug("permission denied",
		zap.String("subject_id", subjectID),
		zap.Stringer("target", target),
		zap.String("reason", reason))
	return &AccessDeniedError{SubjectID: subjectID, Target: target}
}
