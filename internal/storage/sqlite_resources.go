package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/blazealert/internal/models"
)

type sqlResourceRepo struct {
	repo
}

func (r *sqlResourceRepo) Create(ctx context.Context, res *models.Resource) error {
	defer r.observe("create_resource")()

	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO resources (kind, instance_id, name, sort_name, owner_id)
		VALUES (?, ?, ?, ?, ?)
	`), int(res.Entity.Kind), res.Entity.ID, res.Name, sortName(res.Name), nullString(res.OwnerID))
	if err != nil {
		return r.fail("insert resource", err)
	}
	r.written()
	return nil
}

func (r *sqlResourceRepo) Get(ctx context.Context, entity models.EntityID) (*models.Resource, error) {
	defer r.observe("get_resource")()

	res := &models.Resource{Entity: entity}
	var ownerID sql.NullString
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT name, owner_id FROM resources WHERE kind = ? AND instance_id = ?
	`), int(entity.Kind), entity.ID).Scan(&res.Name, &ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s: %w", entity, ErrNotFound)
	}
	if err != nil {
		return nil, r.fail("get resource", err)
	}
	res.OwnerID = ownerID.String
	return res, nil
}

// DisplayName returns the resource name shown in alert reasons.
func (r *sqlResourceRepo) DisplayName(ctx context.Context, entity models.EntityID) (string, error) {
	res, err := r.Get(ctx, entity)
	if err != nil {
		return "", err
	}
	return res.Name, nil
}

func (r *sqlResourceRepo) CreateGroup(ctx context.Context, group *models.ResourceGroup) error {
	defer r.observe("create_group")()

	_, err := r.db.ExecContext(ctx,
		r.q("INSERT INTO resource_groups (id, name) VALUES (?, ?)"), group.ID, group.Name)
	if err != nil {
		return r.fail("insert group", err)
	}
	r.written()
	return nil
}

func (r *sqlResourceRepo) AddToGroup(ctx context.Context, groupID int, entity models.EntityID) error {
	defer r.observe("add_group_member")()

	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO resource_group_members (group_id, resource_kind, resource_id)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`), groupID, int(entity.Kind), entity.ID)
	if err != nil {
		return r.fail("insert group member", err)
	}
	r.written()
	return nil
}

func (r *sqlResourceRepo) GroupsFor(ctx context.Context, entity models.EntityID) ([]int, error) {
	defer r.observe("groups_for_resource")()

	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT group_id FROM resource_group_members
		WHERE resource_kind = ? AND resource_id = ?
		ORDER BY group_id
	`), int(entity.Kind), entity.ID)
	if err != nil {
		return nil, r.fail("query resource groups", err)
	}
	defer rows.Close()

	var groups []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, r.fail("scan resource group", err)
		}
		groups = append(groups, id)
	}
	if err := rows.Err(); err != nil {
		return nil, r.fail("scan resource groups", err)
	}
	return groups, nil
}

// DeleteEntities deletes per kind: alerts of definitions on the entities,
// then membership rows, then the resources. Nothing is kept from a failed
// call.
func (r *sqlResourceRepo) DeleteEntities(ctx context.Context, entities []models.EntityID) (EntityDeleteResult, error) {
	var result EntityDeleteResult
	if len(entities) == 0 {
		return result, nil
	}
	defer r.observe("delete_entities")()

	byKind := make(map[models.EntityKind][]any)
	var kinds []models.EntityKind
	for _, e := range entities {
		if _, ok := byKind[e.Kind]; !ok {
			kinds = append(kinds, e.Kind)
		}
		byKind[e.Kind] = append(byKind[e.Kind], e.ID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return result, r.fail("begin transaction", err)
	}
	defer tx.Rollback()

	for _, kind := range kinds {
		args := append([]any{int(kind)}, byKind[kind]...)
		in := placeholders(len(byKind[kind]))

		res, err := tx.ExecContext(ctx, r.q(`
			DELETE FROM alerts WHERE definition_id IN (
				SELECT id FROM alert_definitions
				WHERE entity_kind = ? AND entity_id IN (`+in+`)
			)
		`), args...)
		if err != nil {
			return EntityDeleteResult{}, r.fail("delete entity alerts", err)
		}
		n, _ := res.RowsAffected()
		result.Alerts += n

		if _, err := tx.ExecContext(ctx, r.q(`
			DELETE FROM resource_group_members
			WHERE resource_kind = ? AND resource_id IN (`+in+`)
		`), args...); err != nil {
			return EntityDeleteResult{}, r.fail("delete group members", err)
		}

		res, err = tx.ExecContext(ctx, r.q(`
			DELETE FROM resources WHERE kind = ? AND instance_id IN (`+in+`)
		`), args...)
		if err != nil {
			return EntityDeleteResult{}, r.fail("delete resources", err)
		}
		n, _ = res.RowsAffected()
		result.Resources += n
	}

	if err := tx.Commit(); err != nil {
		return EntityDeleteResult{}, r.fail("commit delete entities", err)
	}
	r.written()
	return result, nil
}

type sqlMeasurementRepo struct {
	repo
}

func (r *sqlMeasurementRepo) Create(ctx context.Context, m *models.Measurement) error {
	defer r.observe("create_measurement")()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO measurements (id, entity_kind, entity_id, name, units)
		VALUES (?, ?, ?, ?, ?)
	`), m.ID, int(m.Entity.Kind), m.Entity.ID, m.Name, m.Units)
	if err != nil {
		return r.fail("insert measurement", err)
	}
	r.written()
	return nil
}

// Measurement returns the measurement with the given id.
func (r *sqlMeasurementRepo) Measurement(ctx context.Context, id string) (*models.Measurement, error) {
	defer r.observe("get_measurement")()

	m := &models.Measurement{}
	var kind, entityID int
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT id, entity_kind, entity_id, name, units FROM measurements WHERE id = ?
	`), id).Scan(&m.ID, &kind, &entityID, &m.Name, &m.Units)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("measurement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, r.fail("get measurement", err)
	}
	m.Entity = models.NewEntityID(models.EntityKind(kind), entityID)
	return m, nil
}

type sqlSubjectRepo struct {
	repo
}

func (r *sqlSubjectRepo) Create(ctx context.Context, subject *models.Subject) error {
	defer r.observe("create_subject")()

	if subject.ID == "" {
		subject.ID = uuid.New().String()
	}
	if subject.Role == "" {
		subject.Role = models.RoleViewer
	}
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO subjects (id, name, role, created_at) VALUES (?, ?, ?, ?)
	`), subject.ID, subject.Name, string(subject.Role), time.Now().UnixMilli())
	if err != nil {
		return r.fail("insert subject", err)
	}
	r.written()
	return nil
}

func (r *sqlSubjectRepo) GetByID(ctx context.Context, id string) (*models.Subject, error) {
	defer r.observe("get_subject")()

	subject := &models.Subject{}
	var role string
	err := r.db.QueryRowContext(ctx,
		r.q("SELECT id, name, role FROM subjects WHERE id = ?"), id,
	).Scan(&subject.ID, &subject.Name, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, r.fail("get subject", err)
	}
	subject.Role = models.ParseRole(role)
	return subject, nil
}

func (r *sqlSubjectRepo) Delete(ctx context.Context, id string) error {
	defer r.observe("delete_subject")()

	result, err := r.db.ExecContext(ctx, r.q("DELETE FROM subjects WHERE id = ?"), id)
	if err != nil {
		return r.fail("delete subject", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	r.written()
	return nil
}

func (r *sqlSubjectRepo) Grant(ctx context.Context, groupID int, subjectID, operation string) error {
	defer r.observe("grant")()

	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO group_grants (group_id, subject_id, operation)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`), groupID, subjectID, operation)
	if err != nil {
		return r.fail("insert grant", err)
	}
	r.written()
	return nil
}

func (r *sqlSubjectRepo) HasGroupGrant(ctx context.Context, subjectID string, entity models.EntityID, operation string) (bool, error) {
	defer r.observe("has_group_grant")()

	var n int64
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT COUNT(*) FROM resource_group_members m
		JOIN group_grants g ON g.group_id = m.group_id
		WHERE m.resource_kind = ? AND m.resource_id = ?
			AND g.subject_id = ? AND g.operation = ?
	`), int(entity.Kind), entity.ID, subjectID, operation).Scan(&n)
	if err != nil {
		return false, r.fail("check group grant", err)
	}
	return n > 0, nil
}

type sqlEscalationRepo struct {
	repo
}

func (r *sqlEscalationRepo) Mark(ctx context.Context, alertID string, at time.Time) error {
	defer r.observe("mark_escalation")()

	result, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO escalation_states (alert_id, ctime)
		SELECT ?, CAST(? AS BIGINT)
		WHERE EXISTS (SELECT 1 FROM alerts WHERE id = ?)
		ON CONFLICT DO NOTHING
	`), alertID, toMillis(at), alertID)
	if err != nil {
		return r.fail("mark escalation", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var one int
		err := r.db.QueryRowContext(ctx, r.q("SELECT 1 FROM alerts WHERE id = ?"), alertID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
		}
	}
	r.written()
	return nil
}

func (r *sqlEscalationRepo) Unmark(ctx context.Context, alertID string) error {
	defer r.observe("unmark_escalation")()

	if _, err := r.db.ExecContext(ctx,
		r.q("DELETE FROM escalation_states WHERE alert_id = ?"), alertID); err != nil {
		return r.fail("unmark escalation", err)
	}
	r.written()
	return nil
}

func (r *sqlEscalationRepo) IsInEscalation(ctx context.Context, alertID string) (bool, error) {
	defer r.observe("is_in_escalation")()

	var n int64
	err := r.db.QueryRowContext(ctx,
		r.q("SELECT COUNT(*) FROM escalation_states WHERE alert_id = ?"), alertID,
	).Scan(&n)
	if err != nil {
		return false, r.fail("check escalation", err)
	}
	return n > 0, nil
}
