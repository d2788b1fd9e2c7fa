package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/blazealert/internal/models"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlDefinitionRepo struct {
	repo
}

// sortName is the precomputed key name-sorted listings order by.
func sortName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func (r *sqlDefinitionRepo) Create(ctx context.Context, def *models.AlertDefinition) error {
	defer r.observe("create_definition")()

	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.Priority == 0 {
		def.Priority = models.PriorityMedium
	}

	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO alert_definitions (id, name, sort_name, priority, enabled, will_recover, entity_kind, entity_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), def.ID, def.Name, sortName(def.Name), int(def.Priority), boolToInt(def.Enabled),
		boolToInt(def.WillRecover), int(def.Entity.Kind), def.Entity.ID)
	if err != nil {
		return r.fail("insert definition", err)
	}
	r.written()
	return nil
}

func (r *sqlDefinitionRepo) GetByID(ctx context.Context, id string) (*models.AlertDefinition, error) {
	defer r.observe("get_definition")()

	var (
		def                            models.AlertDefinition
		enabled, willRecover           int
		priority, entityKind, entityID int
	)
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT id, name, priority, enabled, will_recover, entity_kind, entity_id
		FROM alert_definitions WHERE id = ?
	`), id).Scan(&def.ID, &def.Name, &priority, &enabled, &willRecover, &entityKind, &entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, r.fail("get definition", err)
	}

	def.Priority = models.Priority(priority)
	def.Enabled = enabled != 0
	def.WillRecover = willRecover != 0
	def.Entity = models.NewEntityID(models.EntityKind(entityKind), entityID)
	return &def, nil
}

func (r *sqlDefinitionRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	defer r.observe("set_definition_enabled")()

	result, err := r.db.ExecContext(ctx,
		r.q("UPDATE alert_definitions SET enabled = ? WHERE id = ?"), boolToInt(enabled), id)
	if err != nil {
		return r.fail("set definition enabled", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	r.written()
	return nil
}

type sqlConditionRepo struct {
	repo
}

const conditionColumns = `c.id, c.definition_id, c.kind, c.name, c.comparator, c.threshold,
	c.option_status, c.measurement_id, c.required`

// conditionScanTargets returns scan destinations for conditionColumns and a
// func assembling the condition once the row has been scanned.
func conditionScanTargets() (func() *models.AlertCondition, []any) {
	var (
		cond          models.AlertCondition
		kind          int
		measurementID sql.NullString
		required      int
	)
	dest := []any{
		&cond.ID, &cond.DefinitionID, &kind, &cond.Name, &cond.Comparator, &cond.Threshold,
		&cond.OptionStatus, &measurementID, &required,
	}
	return func() *models.AlertCondition {
		cond.Kind = models.ConditionKind(kind)
		cond.MeasurementID = measurementID.String
		cond.Required = required != 0
		c := cond
		return &c
	}, dest
}

func getCondition(ctx context.Context, db queryer, r repo, id string) (*models.AlertCondition, error) {
	build, dest := conditionScanTargets()
	err := db.QueryRowContext(ctx, r.q(`
		SELECT `+conditionColumns+` FROM alert_conditions c WHERE c.id = ?
	`), id).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("condition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, r.fail("get condition", err)
	}
	return build(), nil
}

func (r *sqlConditionRepo) Create(ctx context.Context, cond *models.AlertCondition) error {
	defer r.observe("create_condition")()

	if cond.ID == "" {
		cond.ID = uuid.New().String()
	}

	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO alert_conditions (id, definition_id, kind, name, comparator, threshold,
			option_status, measurement_id, required)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), cond.ID, cond.DefinitionID, int(cond.Kind), cond.Name, cond.Comparator, cond.Threshold,
		cond.OptionStatus, nullString(cond.MeasurementID), boolToInt(cond.Required))
	if err != nil {
		return r.fail("insert condition", err)
	}
	r.written()
	return nil
}

func (r *sqlConditionRepo) GetByID(ctx context.Context, id string) (*models.AlertCondition, error) {
	defer r.observe("get_condition")()
	return getCondition(ctx, r.db, r.repo, id)
}

func (r *sqlConditionRepo) ListByDefinition(ctx context.Context, definitionID string) ([]*models.AlertCondition, error) {
	defer r.observe("list_conditions")()

	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT `+conditionColumns+` FROM alert_conditions c
		WHERE c.definition_id = ? ORDER BY c.id
	`), definitionID)
	if err != nil {
		return nil, r.fail("list conditions", err)
	}
	defer rows.Close()

	var conds []*models.AlertCondition
	for rows.Next() {
		build, dest := conditionScanTargets()
		if err := rows.Scan(dest...); err != nil {
			return nil, r.fail("scan condition", err)
		}
		conds = append(conds, build())
	}
	if err := rows.Err(); err != nil {
		return nil, r.fail("scan conditions", err)
	}
	return conds, nil
}
