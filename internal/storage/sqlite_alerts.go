package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/blazealert/internal/models"
)

// hydrateChunk bounds the number of ids bound into one IN list.
const hydrateChunk = 500

const alertSelect = `
	SELECT a.id, a.ctime, a.fixed,
		d.id, d.name, d.priority, d.enabled, d.will_recover, d.entity_kind, d.entity_id
	FROM alerts a
	JOIN alert_definitions d ON d.id = a.definition_id
`

type sqlAlertRepo struct {
	repo
	// afterQuery, when set, runs after a window query and before its
	// result is cached. Tests use it to interleave writes.
	afterQuery func()
}

func (r *sqlAlertRepo) queried() {
	if r.afterQuery != nil {
		r.afterQuery()
	}
}

func (r *sqlAlertRepo) Create(ctx context.Context, alert *models.Alert) error {
	if alert.Definition == nil {
		return errors.New("alert has no definition")
	}
	defer r.observe("create_alert")()

	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	alert.CTime = fromMillis(toMillis(alert.CTime))

	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO alerts (id, definition_id, ctime, fixed) VALUES (?, ?, ?, ?)
	`), alert.ID, alert.Definition.ID, toMillis(alert.CTime), boolToInt(alert.Fixed))
	if err != nil {
		return r.fail("insert alert", err)
	}
	r.written()
	return nil
}

func (r *sqlAlertRepo) AddConditionLogs(ctx context.Context, alertID string, entries []models.ConditionLogEntry) ([]models.AlertConditionLog, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	defer r.observe("add_condition_logs")()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, r.fail("begin transaction", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, r.q("SELECT 1 FROM alerts WHERE id = ?"), alertID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return nil, r.fail("get alert", err)
	}

	// Resolve every condition before writing anything.
	conds := make(map[string]*models.AlertCondition, len(entries))
	for _, e := range entries {
		if _, ok := conds[e.ConditionID]; ok {
			continue
		}
		cond, err := getCondition(ctx, tx, r.repo, e.ConditionID)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("condition %s: %w", e.ConditionID, ErrConditionNotFound)
		}
		if err != nil {
			return nil, err
		}
		conds[e.ConditionID] = cond
	}

	var seq int
	err = tx.QueryRowContext(ctx,
		r.q("SELECT COALESCE(MAX(seq), 0) FROM alert_condition_logs WHERE alert_id = ?"), alertID,
	).Scan(&seq)
	if err != nil {
		return nil, r.fail("get condition log sequence", err)
	}

	insert := r.q(`
		INSERT INTO alert_condition_logs (id, alert_id, condition_id, value, seq)
		VALUES (?, ?, ?, ?, ?)
	`)
	logs := make([]models.AlertConditionLog, 0, len(entries))
	for _, e := range entries {
		seq++
		log := models.AlertConditionLog{
			ID:        uuid.New().String(),
			AlertID:   alertID,
			Condition: conds[e.ConditionID],
			Value:     e.Value,
			Seq:       seq,
		}
		if _, err := tx.ExecContext(ctx, insert, log.ID, alertID, e.ConditionID, e.Value, seq); err != nil {
			return nil, r.fail("insert condition log", err)
		}
		logs = append(logs, log)
	}

	if err := tx.Commit(); err != nil {
		return nil, r.fail("commit condition logs", err)
	}
	r.written()
	return logs, nil
}

func (r *sqlAlertRepo) AddActionLog(ctx context.Context, log *models.ActionLog) error {
	defer r.observe("add_action_log")()

	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CTime = fromMillis(toMillis(log.CTime))

	result, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO alert_action_logs (id, alert_id, action_id, subject_id, detail, ctime)
		SELECT ?, ?, ?, ?, ?, CAST(? AS BIGINT)
		WHERE EXISTS (SELECT 1 FROM alerts WHERE id = ?)
	`), log.ID, log.AlertID, log.ActionID, nullString(log.SubjectID), log.Detail, toMillis(log.CTime), log.AlertID)
	if err != nil {
		return r.fail("insert action log", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("alert %s: %w", log.AlertID, ErrNotFound)
	}
	r.written()
	return nil
}

func (r *sqlAlertRepo) SetFixed(ctx context.Context, alertID string) (FixResult, error) {
	defer r.observe("set_fixed")()

	var res FixResult
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, r.fail("begin transaction", err)
	}
	defer tx.Rollback()

	var fixed, enabled, willRecover int
	err = tx.QueryRowContext(ctx, r.q(`
		SELECT a.fixed, d.id, d.enabled, d.will_recover
		FROM alerts a JOIN alert_definitions d ON d.id = a.definition_id
		WHERE a.id = ?
	`), alertID).Scan(&fixed, &res.DefinitionID, &enabled, &willRecover)
	if errors.Is(err, sql.ErrNoRows) {
		return res, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return res, r.fail("get alert", err)
	}

	res.AlreadyFixed = fixed != 0
	if !res.AlreadyFixed {
		if _, err := tx.ExecContext(ctx, r.q("UPDATE alerts SET fixed = 1 WHERE id = ?"), alertID); err != nil {
			return res, r.fail("update alert fixed", err)
		}
		// A fixed alert is no longer escalated.
		if _, err := tx.ExecContext(ctx, r.q("DELETE FROM escalation_states WHERE alert_id = ?"), alertID); err != nil {
			return res, r.fail("end escalation", err)
		}
	}

	if willRecover != 0 && enabled == 0 {
		if _, err := tx.ExecContext(ctx,
			r.q("UPDATE alert_definitions SET enabled = 1 WHERE id = ?"), res.DefinitionID,
		); err != nil {
			return res, r.fail("enable definition", err)
		}
		res.Recovered = true
	}

	if err := tx.Commit(); err != nil {
		return res, r.fail("commit fix", err)
	}
	r.written()
	return res, nil
}

func (r *sqlAlertRepo) GetByID(ctx context.Context, id string) (*models.Alert, error) {
	defer r.observe("get_alert")()

	alerts, err := r.queryAlerts(ctx, "get alert", alertSelect+" WHERE a.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return alerts[0], nil
}

func (r *sqlAlertRepo) FindLastByDefinition(ctx context.Context, definitionID string, fixed bool) (*models.Alert, error) {
	defer r.observe("find_last_by_definition")()

	alerts, err := r.queryAlerts(ctx, "find last alert",
		alertSelect+` WHERE a.definition_id = ? AND a.fixed = ?
			ORDER BY a.ctime DESC, a.id DESC LIMIT 1`,
		definitionID, boolToInt(fixed))
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, nil
	}
	return alerts[0], nil
}

func (r *sqlAlertRepo) Count(ctx context.Context) (int64, error) {
	defer r.observe("count_alerts")()

	var count int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts").Scan(&count); err != nil {
		return 0, r.fail("count alerts", err)
	}
	return count, nil
}

func (r *sqlAlertRepo) CountByEntity(ctx context.Context, entity models.EntityID) (int64, error) {
	defer r.observe("count_entity_alerts")()

	var count int64
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT COUNT(*) FROM alerts a
		JOIN alert_definitions d ON d.id = a.definition_id
		WHERE d.entity_kind = ? AND d.entity_id = ?
	`), int(entity.Kind), entity.ID).Scan(&count)
	if err != nil {
		return 0, r.fail("count entity alerts", err)
	}
	return count, nil
}

func (r *sqlAlertRepo) FindByEntity(ctx context.Context, entity models.EntityID, begin, end time.Time, pc models.PageControl) (*models.PageList[*models.Alert], error) {
	defer r.observe("find_entity_alerts")()

	where := " WHERE d.entity_kind = ? AND d.entity_id = ?"
	args := []any{int(entity.Kind), entity.ID}
	if !begin.IsZero() {
		where += " AND a.ctime >= ?"
		args = append(args, toMillis(begin))
	}
	if !end.IsZero() {
		where += " AND a.ctime < ?"
		args = append(args, toMillis(end))
	}

	var total int64
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT COUNT(*) FROM alerts a JOIN alert_definitions d ON d.id = a.definition_id`+where,
	), args...).Scan(&total)
	if err != nil {
		return nil, r.fail("count entity alerts", err)
	}

	dir := "ASC"
	if pc.Descending {
		dir = "DESC"
	}
	var order string
	switch pc.SortBy {
	case models.SortByName:
		order = " ORDER BY d.sort_name " + dir + ", a.ctime DESC, a.id DESC"
	default:
		order = " ORDER BY a.ctime " + dir + ", a.id " + dir
	}

	query := alertSelect + where + order
	if pc.PageSize > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, pc.PageSize, pc.Offset())
	}

	alerts, err := r.queryAlerts(ctx, "find entity alerts", query, args...)
	if err != nil {
		return nil, err
	}
	return &models.PageList[*models.Alert]{Items: alerts, Total: total}, nil
}

func (r *sqlAlertRepo) FindWindow(ctx context.Context, q WindowQuery) ([]*models.Alert, error) {
	key := q.key()
	if alerts, ok := r.cache.window(key); ok {
		return alerts, nil
	}
	gen := r.cache.generation()
	defer r.observe("find_window")()

	where, args := windowWhere(q)
	query := alertSelect + where + " ORDER BY a.ctime DESC, a.id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	alerts, err := r.queryAlerts(ctx, "find window alerts", query, args...)
	if err != nil {
		return nil, err
	}
	r.queried()
	r.cache.storeWindow(key, gen, alerts)
	return alerts, nil
}

func (r *sqlAlertRepo) CountWindow(ctx context.Context, q WindowQuery) (int64, error) {
	q.Limit, q.After = 0, nil
	key := q.key()
	if n, ok := r.cache.count(key); ok {
		return n, nil
	}
	gen := r.cache.generation()
	defer r.observe("count_window")()

	where, args := windowWhere(q)
	var count int64
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT COUNT(*) FROM alerts a JOIN alert_definitions d ON d.id = a.definition_id`+where,
	), args...).Scan(&count)
	if err != nil {
		return 0, r.fail("count window alerts", err)
	}
	r.queried()
	r.cache.storeCount(key, gen, count)
	return count, nil
}

// windowWhere builds the filter shared by window listings and counts.
func windowWhere(q WindowQuery) (string, []any) {
	var b strings.Builder
	b.WriteString(" WHERE a.ctime >= ? AND a.ctime < ?")
	args := []any{toMillis(q.Begin), toMillis(q.End)}

	if q.Priority > 0 {
		b.WriteString(" AND d.priority >= ?")
		args = append(args, int(q.Priority))
	}
	if q.NotFixed {
		b.WriteString(" AND a.fixed = 0")
	}
	if q.InEscalation {
		b.WriteString(" AND EXISTS (SELECT 1 FROM escalation_states e WHERE e.alert_id = a.id)")
	}
	if q.GroupID != 0 {
		b.WriteString(` AND EXISTS (SELECT 1 FROM resource_group_members m
			WHERE m.group_id = ? AND m.resource_kind = d.entity_kind AND m.resource_id = d.entity_id)`)
		args = append(args, q.GroupID)
	}
	if q.SubjectID != "" {
		b.WriteString(` AND (
			EXISTS (SELECT 1 FROM subjects s WHERE s.id = ? AND s.role = 'admin')
			OR EXISTS (SELECT 1 FROM resources r
				WHERE r.kind = d.entity_kind AND r.instance_id = d.entity_id AND r.owner_id = ?)
			OR EXISTS (SELECT 1 FROM resource_group_members m
				JOIN group_grants g ON g.group_id = m.group_id
				WHERE m.resource_kind = d.entity_kind AND m.resource_id = d.entity_id
					AND g.subject_id = ? AND g.operation IN (?, ?)))`)
		args = append(args, q.SubjectID, q.SubjectID, q.SubjectID, models.OpViewAlerts, models.OpManageAlerts)
	}
	if q.After != nil {
		b.WriteString(" AND (a.ctime < ? OR (a.ctime = ? AND a.id < ?))")
		ms := toMillis(q.After.CTime)
		args = append(args, ms, ms, q.After.ID)
	}
	return b.String(), args
}

func (r *sqlAlertRepo) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	defer r.observe("delete_alerts")()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, r.fail("begin transaction", err)
	}
	defer tx.Rollback()

	var deleted int64
	for _, chunk := range chunkIDs(ids, hydrateChunk) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		result, err := tx.ExecContext(ctx,
			r.q("DELETE FROM alerts WHERE id IN ("+placeholders(len(chunk))+")"), args...)
		if err != nil {
			return 0, r.fail("delete alerts", err)
		}
		n, _ := result.RowsAffected()
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, r.fail("commit delete alerts", err)
	}
	r.written()
	return deleted, nil
}

func (r *sqlAlertRepo) DeleteByEntity(ctx context.Context, entity models.EntityID) (int64, error) {
	defer r.observe("delete_entity_alerts")()
	return r.deleteWhere(ctx, "delete entity alerts", `
		DELETE FROM alerts WHERE definition_id IN (
			SELECT id FROM alert_definitions WHERE entity_kind = ? AND entity_id = ?
		)`, int(entity.Kind), entity.ID)
}

func (r *sqlAlertRepo) DeleteByDefinition(ctx context.Context, definitionID string) (int64, error) {
	defer r.observe("delete_definition_alerts")()
	return r.deleteWhere(ctx, "delete definition alerts",
		"DELETE FROM alerts WHERE definition_id = ?", definitionID)
}

func (r *sqlAlertRepo) DeleteInRange(ctx context.Context, begin, end time.Time) (int64, error) {
	defer r.observe("delete_alerts_in_range")()
	return r.deleteWhere(ctx, "delete alerts in range",
		"DELETE FROM alerts WHERE ctime >= ? AND ctime < ?", toMillis(begin), toMillis(end))
}

func (r *sqlAlertRepo) deleteWhere(ctx context.Context, op, query string, args ...any) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return 0, r.fail(op, err)
	}
	n, _ := result.RowsAffected()
	r.written()
	return n, nil
}

func (r *sqlAlertRepo) DetachSubject(ctx context.Context, subjectID string) (int64, error) {
	defer r.observe("detach_subject")()

	result, err := r.db.ExecContext(ctx,
		r.q("UPDATE alert_action_logs SET subject_id = NULL WHERE subject_id = ?"), subjectID)
	if err != nil {
		return 0, r.fail("detach subject", err)
	}
	n, _ := result.RowsAffected()
	r.written()
	return n, nil
}

// queryAlerts runs an alertSelect query and hydrates the logs of every
// alert. Rows repeating an alert id are dropped, keeping first-seen order.
func (r *sqlAlertRepo) queryAlerts(ctx context.Context, op, query string, args ...any) ([]*models.Alert, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, r.fail(op, err)
	}
	alerts, err := scanAlerts(rows)
	rows.Close()
	if err != nil {
		return nil, r.fail(op, err)
	}

	if err := r.hydrate(ctx, alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func scanAlerts(rows *sql.Rows) ([]*models.Alert, error) {
	alerts := []*models.Alert{}
	seen := make(map[string]bool)
	defs := make(map[string]*models.AlertDefinition)

	for rows.Next() {
		var (
			alert                          models.Alert
			def                            models.AlertDefinition
			ctime                          int64
			fixed, enabled, willRecover    int
			priority, entityKind, entityID int
		)
		err := rows.Scan(
			&alert.ID, &ctime, &fixed,
			&def.ID, &def.Name, &priority, &enabled, &willRecover, &entityKind, &entityID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if seen[alert.ID] {
			continue
		}
		seen[alert.ID] = true

		if shared, ok := defs[def.ID]; ok {
			alert.Definition = shared
		} else {
			def.Priority = models.Priority(priority)
			def.Enabled = enabled != 0
			def.WillRecover = willRecover != 0
			def.Entity = models.NewEntityID(models.EntityKind(entityKind), entityID)
			defs[def.ID] = &def
			alert.Definition = &def
		}
		alert.CTime = fromMillis(ctime)
		alert.Fixed = fixed != 0
		alert.ConditionLogs = []models.AlertConditionLog{}
		alert.ActionLogs = []models.ActionLog{}
		alerts = append(alerts, &alert)
	}
	return alerts, rows.Err()
}

// hydrate loads condition and action logs for the alerts.
func (r *sqlAlertRepo) hydrate(ctx context.Context, alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	byID := make(map[string]*models.Alert, len(alerts))
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	for _, chunk := range chunkIDs(ids, hydrateChunk) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		in := placeholders(len(chunk))

		if err := r.loadConditionLogs(ctx, in, args, byID); err != nil {
			return err
		}
		if err := r.loadActionLogs(ctx, in, args, byID); err != nil {
			return err
		}
	}
	return nil
}

func (r *sqlAlertRepo) loadConditionLogs(ctx context.Context, in string, args []any, byID map[string]*models.Alert) error {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT l.id, l.alert_id, l.value, l.seq, `+conditionColumns+`
		FROM alert_condition_logs l
		JOIN alert_conditions c ON c.id = l.condition_id
		WHERE l.alert_id IN (`+in+`)
		ORDER BY l.alert_id, l.seq, l.id
	`), args...)
	if err != nil {
		return r.fail("query condition logs", err)
	}
	defer rows.Close()

	conds := make(map[string]*models.AlertCondition)
	for rows.Next() {
		var log models.AlertConditionLog
		dest := []any{&log.ID, &log.AlertID, &log.Value, &log.Seq}
		cond, condDest := conditionScanTargets()
		if err := rows.Scan(append(dest, condDest...)...); err != nil {
			return r.fail("scan condition log", err)
		}
		c := cond()
		if shared, ok := conds[c.ID]; ok {
			c = shared
		} else {
			conds[c.ID] = c
		}
		log.Condition = c
		if a, ok := byID[log.AlertID]; ok {
			a.ConditionLogs = append(a.ConditionLogs, log)
		}
	}
	if err := rows.Err(); err != nil {
		return r.fail("scan condition logs", err)
	}
	return nil
}

func (r *sqlAlertRepo) loadActionLogs(ctx context.Context, in string, args []any, byID map[string]*models.Alert) error {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT id, alert_id, action_id, subject_id, detail, ctime
		FROM alert_action_logs
		WHERE alert_id IN (`+in+`)
		ORDER BY ctime, id
	`), args...)
	if err != nil {
		return r.fail("query action logs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			log       models.ActionLog
			subjectID sql.NullString
			ctime     int64
		)
		if err := rows.Scan(&log.ID, &log.AlertID, &log.ActionID, &subjectID, &log.Detail, &ctime); err != nil {
			return r.fail("scan action log", err)
		}
		log.SubjectID = subjectID.String
		log.CTime = fromMillis(ctime)
		if a, ok := byID[log.AlertID]; ok {
			a.ActionLogs = append(a.ActionLogs, log)
		}
	}
	if err := rows.Err(); err != nil {
		return r.fail("scan action logs", err)
	}
	return nil
}

func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}
