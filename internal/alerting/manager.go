// Package alerting drives the alert lifecycle and answers alert queries on
// behalf of a subject.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazealert/internal/authz"
	"github.com/good-yellow-bee/blazealert/internal/escalation"
	"github.com/good-yellow-bee/blazealert/internal/metrics"
	"github.com/good-yellow-bee/blazealert/internal/models"
	"github.com/good-yellow-bee/blazealert/internal/storage"
)

// ErrInvalidCount is returned by FindAlerts when count is not positive.
var ErrInvalidCount = errors.New("count must be positive")

// WindowBucket is the granularity window end times are rounded up to.
const WindowBucket = time.Minute

// Options configures the Manager.
type Options struct {
	// Logger receives lifecycle events.
	Logger *zap.Logger
	// Now returns the current time (default: time.Now).
	Now func() time.Time
	// EscalationWorkers bounds parallel reason rendering (default: GOMAXPROCS).
	EscalationWorkers int
}

// DefaultOptions returns default manager options.
func DefaultOptions() *Options {
	return &Options{
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

// Manager is the entry point of the alert engine.
type Manager struct {
	store   storage.Storage
	gate    authz.Gate
	reasons escalation.Reasoner
	adapter *escalation.Adapter
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates a manager over the given store. reasons renders alert
// explanations; gate decides what subjects may manage.
func NewManager(store storage.Storage, gate authz.Gate, reasons escalation.Reasoner, opts *Options) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:   store,
		gate:    gate,
		reasons: reasons,
		adapter: escalation.NewAdapter(reasons, opts.EscalationWorkers, logger),
		logger:  logger.Named("alerting"),
		now:     now,
	}
}

// CreateAlert records a new unfixed alert for def. A zero ctime uses the
// current time.
func (m *Manager) CreateAlert(ctx context.Context, def *models.AlertDefinition, ctime time.Time) (*models.Alert, error) {
	if def == nil {
		return nil, errors.New("create alert: definition is required")
	}
	if ctime.IsZero() {
		ctime = m.now()
	}
	alert := models.NewAlert(def, ctime)
	if err := m.store.Alerts().Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	metrics.AlertsCreatedTotal.Inc()
	m.logger.Debug("alert created",
		zap.String("alert_id", alert.ID),
		zap.String("definition_id", def.ID))
	return alert, nil
}

// AddConditionLogs appends the condition evaluations that fired alert. Either
// every entry is stored or none is.
func (m *Manager) AddConditionLogs(ctx context.Context, alert *models.Alert, entries []models.ConditionLogEntry) error {
	logs, err := m.store.Alerts().AddConditionLogs(ctx, alert.ID, entries)
	if err != nil {
		return fmt.Errorf("add condition logs: %w", err)
	}
	alert.ConditionLogs = append(alert.ConditionLogs, logs...)
	metrics.ConditionLogsTotal.Add(float64(len(logs)))
	return nil
}

// LogActionDetail records that an escalation action ran against alert.
// subjectID may be empty for actions not attributed to a subject.
func (m *Manager) LogActionDetail(ctx context.Context, alert *models.Alert, actionID, detail, subjectID string) error {
	log := &models.ActionLog{
		AlertID:   alert.ID,
		ActionID:  actionID,
		SubjectID: subjectID,
		Detail:    detail,
		CTime:     m.now(),
	}
	if err := m.store.Alerts().AddActionLog(ctx, log); err != nil {
		return fmt.Errorf("log action detail: %w", err)
	}
	alert.ActionLogs = append(alert.ActionLogs, *log)
	return nil
}

// SetAlertFixed marks alert fixed. When its definition is configured to
// recover and is currently disabled, the definition is re-enabled in the
// same transaction. Calling it again is harmless.
func (m *Manager) SetAlertFixed(ctx context.Context, alert *models.Alert) error {
	res, err := m.store.Alerts().SetFixed(ctx, alert.ID)
	if err != nil {
		return fmt.Errorf("set alert fixed: %w", err)
	}
	alert.Fixed = true
	if !res.AlreadyFixed {
		metrics.AlertsFixedTotal.Inc()
	}
	if res.Recovered {
		metrics.DefinitionsRecoveredTotal.Inc()
		if alert.Definition != nil {
			alert.Definition.Enabled = true
		}
		m.logger.Info("alert definition recovered",
			zap.String("alert_id", alert.ID),
			zap.String("definition_id", res.DefinitionID))
	}
	return nil
}

// MarkEscalated records that the alerts were handed to escalation. The mark
// is cleared when an alert is fixed.
func (m *Manager) MarkEscalated(ctx context.Context, items []models.Escalatable) error {
	at := m.now()
	for _, item := range items {
		if item.Alert == nil || item.Alert.Fixed {
			continue
		}
		if err := m.store.Escalations().Mark(ctx, item.Alert.ID, at); err != nil {
			return fmt.Errorf("mark escalated %s: %w", item.Alert.ID, err)
		}
	}
	return nil
}

// HandleSubjectRemoval detaches the removed subject from the action logs
// that name it.
func (m *Manager) HandleSubjectRemoval(ctx context.Context, subjectID string) error {
	n, err := m.store.Alerts().DetachSubject(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("detach subject: %w", err)
	}
	if n > 0 {
		m.logger.Info("detached removed subject from action logs",
			zap.String("subject_id", subjectID),
			zap.Int64("action_logs", n))
	}
	return nil
}

// GetByID returns the alert if subjectID may manage its definition. Only
// subjects that manage everything learn that an id does not exist; everyone
// else is denied.
func (m *Manager) GetByID(ctx context.Context, subjectID, id string) (*models.Alert, error) {
	alert, err := m.store.Alerts().GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		if gateErr := m.gate.CanManageAll(ctx, subjectID); gateErr != nil {
			return nil, gateErr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	if err := m.gate.CanManage(ctx, subjectID, authz.DefinitionTarget(alert.Definition)); err != nil {
		return nil, err
	}
	return alert, nil
}

// GetDefinition returns an alert definition by id.
func (m *Manager) GetDefinition(ctx context.Context, id string) (*models.AlertDefinition, error) {
	def, err := m.store.Definitions().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return def, nil
}

// FindLastUnfixedByDefinition returns the newest unfixed alert of the
// definition, or nil when there is none.
func (m *Manager) FindLastUnfixedByDefinition(ctx context.Context, subjectID, definitionID string) (*models.Alert, error) {
	def, err := m.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if err := m.gate.CanManage(ctx, subjectID, authz.DefinitionTarget(def)); err != nil {
		return nil, err
	}
	alert, err := m.store.Alerts().FindLastByDefinition(ctx, definitionID, false)
	if err != nil {
		return nil, fmt.Errorf("find last unfixed alert: %w", err)
	}
	return alert, nil
}

// FindLastFixedByDefinition returns the newest fixed alert of def, or nil
// when there is none.
func (m *Manager) FindLastFixedByDefinition(ctx context.Context, def *models.AlertDefinition) (*models.Alert, error) {
	alert, err := m.store.Alerts().FindLastByDefinition(ctx, def.ID, true)
	if err != nil {
		return nil, fmt.Errorf("find last fixed alert: %w", err)
	}
	return alert, nil
}

// AlertCount returns the total number of alerts.
func (m *Manager) AlertCount(ctx context.Context) (int64, error) {
	n, err := m.store.Alerts().Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return n, nil
}

// AlertCounts returns the alert count of each entity, position for position.
// Only platforms, servers and services carry alerts; other kinds count 0.
func (m *Manager) AlertCounts(ctx context.Context, entities []models.EntityID) ([]int64, error) {
	counts := make([]int64, len(entities))
	for i, e := range entities {
		if !e.IsPlatform() && !e.IsServer() && !e.IsService() {
			continue
		}
		n, err := m.store.Alerts().CountByEntity(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("count alerts for %s: %w", e, err)
		}
		counts[i] = n
	}
	return counts, nil
}

// FindEntityAlerts lists the alerts of an entity.
func (m *Manager) FindEntityAlerts(ctx context.Context, subjectID string, entity models.EntityID, pc models.PageControl) (*models.PageList[*models.Alert], error) {
	return m.FindEntityAlertsInRange(ctx, subjectID, entity, time.Time{}, time.Time{}, pc)
}

// FindEntityAlertsInRange lists the alerts of an entity created in
// [begin, end). A zero bound is open.
func (m *Manager) FindEntityAlertsInRange(ctx context.Context, subjectID string, entity models.EntityID, begin, end time.Time, pc models.PageControl) (*models.PageList[*models.Alert], error) {
	if err := m.gate.CanManage(ctx, subjectID, authz.EntityTarget(entity)); err != nil {
		return nil, err
	}
	list, err := m.store.Alerts().FindByEntity(ctx, entity, begin, end, pc)
	if err != nil {
		return nil, fmt.Errorf("find entity alerts: %w", err)
	}
	return list, nil
}

// RoundUpTime returns the first window bucket boundary strictly after t.
// All times within the same bucket round to the same value.
func RoundUpTime(t time.Time) time.Time {
	const bucket = int64(WindowBucket / time.Millisecond)
	ms := t.UnixMilli()
	q := ms / bucket
	if ms%bucket < 0 {
		q--
	}
	return time.UnixMilli((q + 1) * bucket).UTC()
}

// WindowRequest selects alerts created within Range before the rounded End.
type WindowRequest struct {
	SubjectID    string
	Priority     models.Priority
	Range        time.Duration // <= 0 leaves the window open at the start
	End          time.Time
	InEscalation bool
	NotFixed     bool
	GroupID      int
	Limit        int
	After        *storage.Cursor
}

func (r WindowRequest) query() storage.WindowQuery {
	end := RoundUpTime(r.End)
	var begin time.Time
	if r.Range > 0 {
		begin = end.Add(-r.Range)
	}
	return storage.WindowQuery{
		SubjectID:    r.SubjectID,
		Priority:     r.Priority,
		Begin:        begin,
		End:          end,
		InEscalation: r.InEscalation,
		NotFixed:     r.NotFixed,
		GroupID:      r.GroupID,
		Limit:        r.Limit,
		After:        r.After,
	}
}

// FindWindow lists the alerts the subject can see in the window, newest first.
func (m *Manager) FindWindow(ctx context.Context, req WindowRequest) ([]*models.Alert, error) {
	alerts, err := m.store.Alerts().FindWindow(ctx, req.query())
	if err != nil {
		return nil, fmt.Errorf("find window alerts: %w", err)
	}
	return alerts, nil
}

// UnfixedCount counts the unfixed alerts the subject can see in the window.
func (m *Manager) UnfixedCount(ctx context.Context, subjectID string, timeRange time.Duration, endTime time.Time, groupID int) (int64, error) {
	q := WindowRequest{
		SubjectID: subjectID,
		Range:     timeRange,
		End:       endTime,
		NotFixed:  true,
		GroupID:   groupID,
	}.query()
	n, err := m.store.Alerts().CountWindow(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("count unfixed alerts: %w", err)
	}
	return n, nil
}

// FindAlerts collects up to count alerts from the window whose entity is in
// includes, paging newest first. A nil includes returns the first page as is.
// The window end is fixed for the whole scan so alerts created meanwhile
// never shift pages.
func (m *Manager) FindAlerts(ctx context.Context, subjectID string, count int, priority models.Priority,
	timeRange time.Duration, endTime time.Time, includes []models.EntityID) ([]*models.Alert, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}

	q := WindowRequest{
		SubjectID: subjectID,
		Priority:  priority,
		Range:     timeRange,
		End:       endTime,
		Limit:     count,
	}.query()

	var wanted map[models.EntityID]struct{}
	if includes != nil {
		wanted = make(map[models.EntityID]struct{}, len(includes))
		for _, e := range includes {
			wanted[e] = struct{}{}
		}
	}

	result := make([]*models.Alert, 0, count)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := m.store.Alerts().FindWindow(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("find alerts: %w", err)
		}
		metrics.PageFetchesTotal.Inc()

		if wanted == nil {
			return page, nil
		}
		for _, a := range page {
			if _, ok := wanted[a.Definition.Entity]; ok {
				result = append(result, a)
				if len(result) == count {
					return result, nil
				}
			}
		}
		if len(page) < count {
			return result, nil
		}
		q.After = storage.CursorAfter(page[len(page)-1])
	}
}

// FindEscalatables is FindAlerts with each alert packaged for escalation.
func (m *Manager) FindEscalatables(ctx context.Context, subjectID string, count int, priority models.Priority,
	timeRange time.Duration, endTime time.Time, includes []models.EntityID) ([]models.Escalatable, error) {
	alerts, err := m.FindAlerts(ctx, subjectID, count, priority, timeRange, endTime, includes)
	if err != nil {
		return nil, err
	}
	return m.adapter.ToEscalatables(ctx, alerts), nil
}

// DeleteAlerts deletes alerts by id and returns how many were removed.
func (m *Manager) DeleteAlerts(ctx context.Context, ids []string) (int64, error) {
	n, err := m.store.Alerts().DeleteByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	metrics.AlertsDeletedTotal.WithLabelValues("ids").Add(float64(n))
	return n, nil
}

// DeleteEntityAlerts deletes every alert of an entity.
func (m *Manager) DeleteEntityAlerts(ctx context.Context, subjectID string, entity models.EntityID) (int64, error) {
	if err := m.gate.CanManage(ctx, subjectID, authz.EntityTarget(entity)); err != nil {
		return 0, err
	}
	n, err := m.store.Alerts().DeleteByEntity(ctx, entity)
	if err != nil {
		return 0, fmt.Errorf("delete entity alerts: %w", err)
	}
	metrics.AlertsDeletedTotal.WithLabelValues("entity").Add(float64(n))
	return n, nil
}

// DeleteDefinitionAlerts deletes every alert of a definition.
func (m *Manager) DeleteDefinitionAlerts(ctx context.Context, subjectID string, def *models.AlertDefinition) (int64, error) {
	if err := m.gate.CanManage(ctx, subjectID, authz.DefinitionTarget(def)); err != nil {
		return 0, err
	}
	n, err := m.store.Alerts().DeleteByDefinition(ctx, def.ID)
	if err != nil {
		return 0, fmt.Errorf("delete definition alerts: %w", err)
	}
	metrics.AlertsDeletedTotal.WithLabelValues("definition").Add(float64(n))
	return n, nil
}

// DeleteAlertsInRange deletes alerts created in [begin, end).
func (m *Manager) DeleteAlertsInRange(ctx context.Context, begin, end time.Time) (int64, error) {
	n, err := m.store.Alerts().DeleteInRange(ctx, begin, end)
	if err != nil {
		return 0, fmt.Errorf("delete alerts in range: %w", err)
	}
	metrics.AlertsDeletedTotal.WithLabelValues("range").Add(float64(n))
	if n > 0 {
		m.logger.Info("purged alerts",
			zap.Time("begin", begin),
			zap.Time("end", end),
			zap.Int64("alerts", n))
	}
	return n, nil
}

// RemoveEntities deletes the alerts of each entity and then the entities
// themselves, all in one transaction. Nothing is deleted unless the subject
// may manage all of them.
func (m *Manager) RemoveEntities(ctx context.Context, subjectID string, entities []models.EntityID) (int64, error) {
	for _, e := range entities {
		if err := m.gate.CanManage(ctx, subjectID, authz.EntityTarget(e)); err != nil {
			return 0, err
		}
	}

	res, err := m.store.Resources().DeleteEntities(ctx, entities)
	if err != nil {
		return 0, fmt.Errorf("remove entities: %w", err)
	}
	metrics.AlertsDeletedTotal.WithLabelValues("entity").Add(float64(res.Alerts))
	m.logger.Info("removed entities",
		zap.Int("entities", len(entities)),
		zap.Int64("resources", res.Resources),
		zap.Int64("alerts", res.Alerts))
	return res.Alerts, nil
}

// ShortReason renders the one-line explanation of alert.
func (m *Manager) ShortReason(ctx context.Context, alert *models.Alert) string {
	return m.reasons.ShortReason(ctx, alert)
}

// LongReason renders the per-condition explanation of alert.
func (m *Manager) LongReason(ctx context.Context, alert *models.Alert) string {
	return m.reasons.LongReason(ctx, alert)
}
