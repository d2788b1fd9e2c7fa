// Package storage provides database storage interfaces and implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazealert/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConditionNotFound is returned when a condition log references an
	// unknown condition. The whole append is aborted.
	ErrConditionNotFound = errors.New("condition not found")
)

// Error wraps a failure of the underlying database.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Storage is the main interface for database operations.
type Storage interface {
	// Open initializes the database connection.
	Open() error
	// Close closes the database connection.
	Close() error
	// Migrate runs database migrations.
	Migrate() error
	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Repository accessors
	Alerts() AlertRepository
	Definitions() DefinitionRepository
	Conditions() ConditionRepository
	Resources() ResourceRepository
	Measurements() MeasurementRepository
	Subjects() SubjectRepository
	Escalations() EscalationRepository
}

// AlertRepository defines operations on fired alerts and their logs.
type AlertRepository interface {
	// Create inserts an unfixed alert, assigning an id when empty.
	Create(ctx context.Context, alert *models.Alert) error
	// AddConditionLogs appends one log per entry in a single transaction and
	// returns the stored logs in entry order.
	AddConditionLogs(ctx context.Context, alertID string, entries []models.ConditionLogEntry) ([]models.AlertConditionLog, error)
	AddActionLog(ctx context.Context, log *models.ActionLog) error
	// SetFixed marks the alert fixed and, when its definition recovers and is
	// disabled, re-enables the definition in the same transaction.
	SetFixed(ctx context.Context, alertID string) (FixResult, error)
	GetByID(ctx context.Context, id string) (*models.Alert, error)
	// FindLastByDefinition returns the most recent alert with the given fixed
	// flag, or nil when there is none.
	FindLastByDefinition(ctx context.Context, definitionID string, fixed bool) (*models.Alert, error)
	Count(ctx context.Context) (int64, error)
	CountByEntity(ctx context.Context, entity models.EntityID) (int64, error)
	// FindByEntity lists alerts of an entity created in [begin, end). Zero
	// times leave that side of the range open.
	FindByEntity(ctx context.Context, entity models.EntityID, begin, end time.Time, pc models.PageControl) (*models.PageList[*models.Alert], error)
	FindWindow(ctx context.Context, q WindowQuery) ([]*models.Alert, error)
	CountWindow(ctx context.Context, q WindowQuery) (int64, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	DeleteByEntity(ctx context.Context, entity models.EntityID) (int64, error)
	DeleteByDefinition(ctx context.Context, definitionID string) (int64, error)
	DeleteInRange(ctx context.Context, begin, end time.Time) (int64, error)
	// DetachSubject clears the subject from every action log it acted in.
	DetachSubject(ctx context.Context, subjectID string) (int64, error)
}

// DefinitionRepository defines operations on alert definitions.
type DefinitionRepository interface {
	Create(ctx context.Context, def *models.AlertDefinition) error
	GetByID(ctx context.Context, id string) (*models.AlertDefinition, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// ConditionRepository defines operations on alert conditions.
type ConditionRepository interface {
	Create(ctx context.Context, cond *models.AlertCondition) error
	GetByID(ctx context.Context, id string) (*models.AlertCondition, error)
	ListByDefinition(ctx context.Context, definitionID string) ([]*models.AlertCondition, error)
}

// ResourceRepository defines operations on inventory resources and groups.
type ResourceRepository interface {
	Create(ctx context.Context, res *models.Resource) error
	Get(ctx context.Context, entity models.EntityID) (*models.Resource, error)
	DisplayName(ctx context.Context, entity models.EntityID) (string, error)
	CreateGroup(ctx context.Context, group *models.ResourceGroup) error
	AddToGroup(ctx context.Context, groupID int, entity models.EntityID) error
	GroupsFor(ctx context.Context, entity models.EntityID) ([]int, error)
	// DeleteEntities removes the alerts defined on the entities, their group
	// memberships and the resources themselves in a single transaction.
	DeleteEntities(ctx context.Context, entities []models.EntityID) (EntityDeleteResult, error)
}

// MeasurementRepository defines operations on measurements.
type MeasurementRepository interface {
	Create(ctx context.Context, m *models.Measurement) error
	Measurement(ctx context.Context, id string) (*models.Measurement, error)
}

// SubjectRepository defines operations on subjects and their group grants.
type SubjectRepository interface {
	Create(ctx context.Context, subject *models.Subject) error
	GetByID(ctx context.Context, id string) (*models.Subject, error)
	Delete(ctx context.Context, id string) error
	Grant(ctx context.Context, groupID int, subjectID, operation string) error
	// HasGroupGrant reports whether the subject holds the operation on any
	// group containing the entity.
	HasGroupGrant(ctx context.Context, subjectID string, entity models.EntityID, operation string) (bool, error)
}

// EscalationRepository tracks which alerts are currently being escalated.
type EscalationRepository interface {
	Mark(ctx context.Context, alertID string, at time.Time) error
	Unmark(ctx context.Context, alertID string) error
	IsInEscalation(ctx context.Context, alertID string) (bool, error)
}

// FixResult reports what SetFixed changed.
type FixResult struct {
	// AlreadyFixed is true when the alert was fixed before the call.
	AlreadyFixed bool
	// Recovered is true when the owning definition was re-enabled.
	Recovered bool
	// DefinitionID is the id of the alert's definition.
	DefinitionID string
}

// EntityDeleteResult reports what DeleteEntities removed.
type EntityDeleteResult struct {
	Alerts    int64
	Resources int64
}

// Cursor is a keyset position in a window listing ordered by ctime then id,
// both descending.
type Cursor struct {
	CTime time.Time
	ID    string
}

// CursorAfter returns the cursor positioned after the alert.
func CursorAfter(a *models.Alert) *Cursor {
	return &Cursor{CTime: a.CTime, ID: a.ID}
}

// WindowQuery selects alerts created in [Begin, End).
type WindowQuery struct {
	// SubjectID scopes results to what the subject may see. Empty disables
	// scoping.
	SubjectID    string
	Priority     models.Priority // floor; 0 matches all
	Begin        time.Time
	End          time.Time
	InEscalation bool
	NotFixed     bool
	GroupID      int // 0 matches any group
	Limit        int // 0 means unbounded
	After        *Cursor
}

// key renders the query as a cache key.
func (q WindowQuery) key() string {
	var b strings.Builder
	b.WriteString(q.SubjectID)
	for _, v := range []int64{
		int64(q.Priority), toMillis(q.Begin), toMillis(q.End),
		boolToInt64(q.InEscalation), boolToInt64(q.NotFixed),
		int64(q.GroupID), int64(q.Limit),
	} {
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(v, 10))
	}
	if q.After != nil {
		fmt.Fprintf(&b, "|%d/%s", toMillis(q.After.CTime), q.After.ID)
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
