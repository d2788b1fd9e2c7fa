package alerting

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazealert/internal/authz"
	"github.com/good-yellow-bee/blazealert/internal/models"
	"github.com/good-yellow-bee/blazealert/internal/reason"
	"github.com/good-yellow-bee/blazealert/internal/storage"
)

// countingStore wraps a store and counts window page fetches.
type countingStore struct {
	storage.Storage
	alerts *countingAlerts
}

func (s *countingStore) Alerts() storage.AlertRepository { return s.alerts }

type countingAlerts struct {
	storage.AlertRepository
	windowCalls int
}

func (c *countingAlerts) FindWindow(ctx context.Context, q storage.WindowQuery) ([]*models.Alert, error) {
	c.windowCalls++
	return c.AlertRepository.FindWindow(ctx, q)
}

var (
	t0      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	web01   = models.NewEntityID(models.EntityPlatform, 10001)
	db01    = models.NewEntityID(models.EntityServer, 10002)
	cache01 = models.NewEntityID(models.EntityService, 10003)
)

type testEnv struct {
	store   *countingStore
	manager *Manager
	webDef  *models.AlertDefinition
	dbDef   *models.AlertDefinition
	cpu     *models.AlertCondition
	memory  *models.AlertCondition
}

func setupManager(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "alerting.db"))
	if err := db.Open(); err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate database: %v", err)
	}

	for _, s := range []*models.Subject{
		{ID: "admin", Name: "admin", Role: models.RoleAdmin},
		{ID: "owner", Name: "owner", Role: models.RoleOperator},
		{ID: "stranger", Name: "stranger", Role: models.RoleOperator},
	} {
		if err := db.Subjects().Create(ctx, s); err != nil {
			t.Fatalf("create subject: %v", err)
		}
	}
	for _, r := range []*models.Resource{
		{Entity: web01, Name: "web-01", OwnerID: "owner"},
		{Entity: db01, Name: "db-01", OwnerID: "owner"},
		{Entity: cache01, Name: "cache-01"},
	} {
		if err := db.Resources().Create(ctx, r); err != nil {
			t.Fatalf("create resource: %v", err)
		}
	}
	if err := db.Measurements().Create(ctx, &models.Measurement{ID: "m-cpu", Entity: web01, Name: "CPU Usage", Units: "percent"}); err != nil {
		t.Fatalf("create measurement: %v", err)
	}

	env := &testEnv{
		webDef: &models.AlertDefinition{ID: "def-web", Name: "High CPU", Priority: models.PriorityHigh, Entity: web01},
		dbDef:  &models.AlertDefinition{ID: "def-db", Name: "Low memory", Priority: models.PriorityLow, Entity: db01, WillRecover: true},
	}
	for _, d := range []*models.AlertDefinition{env.webDef, env.dbDef} {
		if err := db.Definitions().Create(ctx, d); err != nil {
			t.Fatalf("create definition: %v", err)
		}
	}
	env.cpu = &models.AlertCondition{ID: "c-cpu", DefinitionID: env.webDef.ID, Kind: models.ConditionThreshold,
		Name: "CPU Usage", Comparator: ">", Threshold: 90, MeasurementID: "m-cpu"}
	env.memory = &models.AlertCondition{ID: "c-mem", DefinitionID: env.dbDef.ID, Kind: models.ConditionControl,
		Name: "Memory exhausted", Required: true}
	for _, c := range []*models.AlertCondition{env.cpu, env.memory} {
		if err := db.Conditions().Create(ctx, c); err != nil {
			t.Fatalf("create condition: %v", err)
		}
	}

	env.store = &countingStore{Storage: db, alerts: &countingAlerts{AlertRepository: db.Alerts()}}
	composer := reason.NewComposer(db.Measurements(), db.Resources(), nil)
	env.manager = NewManager(env.store, authz.NewStoreGate(db, nil), composer, &Options{
		Now:               func() time.Time { return t0 },
		EscalationWorkers: 2,
	})
	return env
}

func TestSetAlertFixedIsIdempotentAndRecovers(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	alert, err := env.manager.CreateAlert(ctx, env.dbDef, t0)
	if err != nil {
		t.Fatalf("CreateAlert() error = %v", err)
	}
	if alert.Fixed {
		t.Fatal("new alert should be unfixed")
	}

	for i := 0; i < 2; i++ {
		if err := env.manager.SetAlertFixed(ctx, alert); err != nil {
			t.Fatalf("SetAlertFixed() call %d error = %v", i, err)
		}
	}
	if !alert.Fixed || !alert.Definition.Enabled {
		t.Errorf("alert fixed = %v, definition enabled = %v", alert.Fixed, alert.Definition.Enabled)
	}

	stored, err := env.store.Definitions().GetByID(ctx, env.dbDef.ID)
	if err != nil {
		t.Fatalf("get definition: %v", err)
	}
	if !stored.Enabled {
		t.Error("recovering definition should be re-enabled")
	}

	last, err := env.manager.FindLastFixedByDefinition(ctx, env.dbDef)
	if err != nil || last == nil || last.ID != alert.ID {
		t.Errorf("FindLastFixedByDefinition() = %v, %v", last, err)
	}
	unfixed, err := env.manager.FindLastUnfixedByDefinition(ctx, "owner", env.dbDef.ID)
	if err != nil || unfixed != nil {
		t.Errorf("FindLastUnfixedByDefinition() = %v, %v, want nil, nil", unfixed, err)
	}
}

func TestSetAlertFixedLeavesNonRecoveringDefinitionDisabled(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	alert, err := env.manager.CreateAlert(ctx, env.webDef, t0)
	if err != nil {
		t.Fatalf("CreateAlert() error = %v", err)
	}
	if err := env.manager.SetAlertFixed(ctx, alert); err != nil {
		t.Fatalf("SetAlertFixed() error = %v", err)
	}
	stored, err := env.store.Definitions().GetByID(ctx, env.webDef.ID)
	if err != nil {
		t.Fatalf("get definition: %v", err)
	}
	if stored.Enabled {
		t.Error("definition without will_recover must stay disabled")
	}
}

func TestAddConditionLogsIsAtomic(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	alert, err := env.manager.CreateAlert(ctx, env.webDef, t0)
	if err != nil {
		t.Fatalf("CreateAlert() error = %v", err)
	}

	err = env.manager.AddConditionLogs(ctx, alert, []models.ConditionLogEntry{
		{ConditionID: env.cpu.ID, Value: "95.2"},
		{ConditionID: "missing", Value: "1"},
	})
	if !errors.Is(err, storage.ErrConditionNotFound) {
		t.Fatalf("AddConditionLogs() error = %v, want ErrConditionNotFound", err)
	}
	if len(alert.ConditionLogs) != 0 {
		t.Errorf("in-memory logs = %d, want 0", len(alert.ConditionLogs))
	}
	stored, err := env.manager.GetByID(ctx, "admin", alert.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if len(stored.ConditionLogs) != 0 {
		t.Errorf("stored logs = %d, want 0", len(stored.ConditionLogs))
	}

	err = env.manager.AddConditionLogs(ctx, alert, []models.ConditionLogEntry{
		{ConditionID: env.cpu.ID, Value: "95.2"},
		{ConditionID: env.cpu.ID, Value: "97"},
	})
	if err != nil {
		t.Fatalf("AddConditionLogs() error = %v", err)
	}
	if len(alert.ConditionLogs) != 2 || alert.ConditionLogs[1].Value != "97" {
		t.Errorf("in-memory logs = %+v", alert.ConditionLogs)
	}
	stored, err = env.manager.GetByID(ctx, "admin", alert.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if len(stored.ConditionLogs) != 2 || stored.ConditionLogs[0].Value != "95.2" {
		t.Errorf("stored logs = %+v", stored.ConditionLogs)
	}
}

func TestLogActionDetailAndSubjectRemoval(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	alert, err := env.manager.CreateAlert(ctx, env.webDef, t0)
	if err != nil {
		t.Fatalf("CreateAlert() error = %v", err)
	}
	if err := env.manager.LogActionDetail(ctx, alert, "page-oncall", "paged on-call", "owner"); err != nil {
		t.Fatalf("LogActionDetail() error = %v", err)
	}
	if len(alert.ActionLogs) != 1 || !alert.ActionLogs[0].CTime.Equal(t0) {
		t.Errorf("action logs = %+v", alert.ActionLogs)
	}

	if err := env.manager.HandleSubjectRemoval(ctx, "owner"); err != nil {
		t.Fatalf("HandleSubjectRemoval() error = %v", err)
	}
	stored, err := env.manager.GetByID(ctx, "admin", alert.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if len(stored.ActionLogs) != 1 || stored.ActionLogs[0].SubjectID != "" {
		t.Errorf("action logs after removal = %+v", stored.ActionLogs)
	}

	missing := &models.Alert{ID: "missing"}
	if err := env.manager.LogActionDetail(ctx, missing, "a", "d", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("LogActionDetail() on missing alert error = %v, want ErrNotFound", err)
	}
}

func TestGetByIDIsGated(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	alert, err := env.manager.CreateAlert(ctx, env.webDef, t0)
	if err != nil {
		t.Fatalf("CreateAlert() error = %v", err)
	}
	if _, err := env.manager.GetByID(ctx, "owner", alert.ID); err != nil {
		t.Errorf("owner GetByID() error = %v", err)
	}
	if _, err := env.manager.GetByID(ctx, "stranger", alert.ID); !errors.Is(err, authz.ErrPermissionDenied) {
		t.Errorf("stranger GetByID() error = %v, want ErrPermissionDenied", err)
	}
	if _, err := env.manager.GetByID(ctx, "admin", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetByID() missing error = %v, want ErrNotFound", err)
	}
	// Non-admins cannot tell a missing id from one they may not see.
	for _, subject := range []string{"owner", "stranger"} {
		_, err := env.manager.GetByID(ctx, subject, "missing")
		if !errors.Is(err, authz.ErrPermissionDenied) || errors.Is(err, storage.ErrNotFound) {
			t.Errorf("%s GetByID() missing error = %v, want only ErrPermissionDenied", subject, err)
		}
	}
}

func TestRoundUpTime(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"on boundary", t0, t0.Add(time.Minute)},
		{"one ms in", t0.Add(time.Millisecond), t0.Add(time.Minute)},
		{"last ms of bucket", t0.Add(time.Minute - time.Millisecond), t0.Add(time.Minute)},
		{"next bucket", t0.Add(time.Minute + 30*time.Second), t0.Add(2 * time.Minute)},
		{"before epoch", time.UnixMilli(-30_000), time.UnixMilli(0).UTC()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoundUpTime(tt.in); !got.Equal(tt.want) {
				t.Errorf("RoundUpTime(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRoundUpTimeBucketProperty(t *testing.T) {
	base := RoundUpTime(t0.Add(5 * time.Second))
	for ms := int64(0); ms < 60_000; ms += 997 {
		got := RoundUpTime(t0.Add(time.Duration(ms) * time.Millisecond))
		if !got.Equal(base) {
			t.Fatalf("RoundUpTime(t0+%dms) = %v, want %v", ms, got, base)
		}
		if got.UnixMilli()%60_000 != 0 {
			t.Fatalf("RoundUpTime(t0+%dms) = %v is not on a boundary", ms, got)
		}
	}
}

func TestFindWindowSameBucketSameResult(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.manager.CreateAlert(ctx, env.webDef, t0.Add(-time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("CreateAlert() error = %v", err)
		}
	}

	first, err := env.manager.FindWindow(ctx, WindowRequest{SubjectID: "admin", Range: time.Hour, End: t0.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("FindWindow() error = %v", err)
	}
	second, err := env.manager.FindWindow(ctx, WindowRequest{SubjectID: "admin", Range: time.Hour, End: t0.Add(59 * time.Second)})
	if err != nil {
		t.Fatalf("FindWindow() error = %v", err)
	}
	if len(first) != 3 || len(second) != len(first) {
		t.Fatalf("window sizes = %d and %d, want 3", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("result %d differs: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}

	n, err := env.manager.UnfixedCount(ctx, "stranger", time.Hour, t0, 0)
	if err != nil {
		t.Fatalf("UnfixedCount() error = %v", err)
	}
	if n != 0 {
		t.Errorf("stranger UnfixedCount() = %d, want 0", n)
	}
	n, err = env.manager.UnfixedCount(ctx, "owner", time.Hour, t0, 0)
	if err != nil {
		t.Fatalf("UnfixedCount() error = %v", err)
	}
	if n != 3 {
		t.Errorf("owner UnfixedCount() = %d, want 3", n)
	}
}

func TestMarkEscalatedUntilFixed(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	alerts := seedAlternating(t, env, 3)

	items := []models.Escalatable{{Alert: alerts[0]}, {Alert: alerts[1]}}
	if err := env.manager.MarkEscalated(ctx, items); err != nil {
		t.Fatalf("MarkEscalated() error = %v", err)
	}

	req := WindowRequest{SubjectID: "admin", Range: time.Hour, End: t0, InEscalation: true}
	got, err := env.manager.FindWindow(ctx, req)
	if err != nil {
		t.Fatalf("FindWindow() error = %v", err)
	}
	if want := []string{alerts[0].ID, alerts[1].ID}; !equalIDs(ids(got), want) {
		t.Errorf("in escalation = %v, want %v", ids(got), want)
	}

	if err := env.manager.SetAlertFixed(ctx, alerts[0]); err != nil {
		t.Fatalf("SetAlertFixed() error = %v", err)
	}
	got, err = env.manager.FindWindow(ctx, req)
	if err != nil {
		t.Fatalf("FindWindow() error = %v", err)
	}
	if want := []string{alerts[1].ID}; !equalIDs(ids(got), want) {
		t.Errorf("in escalation after fix = %v, want %v", ids(got), want)
	}
}

// seedAlternating creates n alerts ten seconds apart, newest first,
// alternating between the web and db definitions.
func seedAlternating(t *testing.T, env *testEnv, n int) []*models.Alert {
	t.Helper()
	alerts := make([]*models.Alert, n)
	for i := 0; i < n; i++ {
		def := env.webDef
		if i%2 == 1 {
			def = env.dbDef
		}
		a, err := env.manager.CreateAlert(context.Background(), def, t0.Add(-time.Duration(i)*10*time.Second))
		if err != nil {
			t.Fatalf("CreateAlert() error = %v", err)
		}
		alerts[i] = a
	}
	return alerts
}

func TestFindAlertsPaging(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		count     int
		includes  []models.EntityID
		wantIDs   func(all []*models.Alert) []string
		wantCalls int
	}{
		{
			name: "nil includes returns first page", total: 12, count: 5,
			wantIDs: func(all []*models.Alert) []string {
				return ids(all[:5])
			},
			wantCalls: 1,
		},
		{
			name: "filter collects across pages", total: 30, count: 5, includes: []models.EntityID{db01},
			wantIDs: func(all []*models.Alert) []string {
				return ids([]*models.Alert{all[1], all[3], all[5], all[7], all[9]})
			},
			wantCalls: 2,
		},
		{
			name: "no matches stops on short page", total: 30, count: 7, includes: []models.EntityID{cache01},
			wantIDs:   func(all []*models.Alert) []string { return nil },
			wantCalls: 5,
		},
		{
			name: "no matches stops on empty page", total: 21, count: 7, includes: []models.EntityID{cache01},
			wantIDs:   func(all []*models.Alert) []string { return nil },
			wantCalls: 4,
		},
		{
			name: "fewer matches than requested", total: 6, count: 10, includes: []models.EntityID{web01},
			wantIDs: func(all []*models.Alert) []string {
				return ids([]*models.Alert{all[0], all[2], all[4]})
			},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupManager(t)
			all := seedAlternating(t, env, tt.total)

			got, err := env.manager.FindAlerts(context.Background(), "admin", tt.count, 0, time.Hour, t0, tt.includes)
			if err != nil {
				t.Fatalf("FindAlerts() error = %v", err)
			}
			want := tt.wantIDs(all)
			if gotIDs := ids(got); !equalIDs(gotIDs, want) {
				t.Errorf("FindAlerts() = %v, want %v", gotIDs, want)
			}
			calls := env.store.alerts.windowCalls
			if calls != tt.wantCalls {
				t.Errorf("page fetches = %d, want %d", calls, tt.wantCalls)
			}
			if bound := (tt.total+tt.count-1)/tt.count + 1; calls > bound {
				t.Errorf("page fetches = %d exceed bound %d", calls, bound)
			}
		})
	}
}

func TestFindAlertsPriorityFloor(t *testing.T) {
	env := setupManager(t)
	seedAlternating(t, env, 6)

	got, err := env.manager.FindAlerts(context.Background(), "admin", 10, models.PriorityHigh, time.Hour, t0, nil)
	if err != nil {
		t.Fatalf("FindAlerts() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for _, a := range got {
		if a.Definition.Priority < models.PriorityHigh {
			t.Errorf("alert %s has priority %v below the floor", a.ID, a.Definition.Priority)
		}
	}
}

func TestFindAlertsCancellation(t *testing.T) {
	env := setupManager(t)
	seedAlternating(t, env, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.manager.FindAlerts(ctx, "admin", 2, 0, time.Hour, t0, []models.EntityID{cache01})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("FindAlerts() error = %v, want context.Canceled", err)
	}
	if env.store.alerts.windowCalls != 0 {
		t.Errorf("page fetches = %d, want 0", env.store.alerts.windowCalls)
	}
}

func TestFindAlertsInvalidCount(t *testing.T) {
	env := setupManager(t)
	for _, count := range []int{0, -1} {
		if _, err := env.manager.FindAlerts(context.Background(), "admin", count, 0, time.Hour, t0, nil); !errors.Is(err, ErrInvalidCount) {
			t.Errorf("FindAlerts(count=%d) error = %v, want ErrInvalidCount", count, err)
		}
	}
}

func TestFindEscalatables(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	alert, err := env.manager.CreateAlert(ctx, env.webDef, t0)
	if err != nil {
		t.Fatalf("CreateAlert() error = %v", err)
	}
	if err := env.manager.AddConditionLogs(ctx, alert, []models.ConditionLogEntry{{ConditionID: env.cpu.ID, Value: "95.2"}}); err != nil {
		t.Fatalf("AddConditionLogs() error = %v", err)
	}

	items, err := env.manager.FindEscalatables(ctx, "owner", 10, 0, time.Hour, t0, nil)
	if err != nil {
		t.Fatalf("FindEscalatables() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len = %d, want 1", len(items))
	}
	if got, want := items[0].ShortReason, "High CPU web-01 CPU Usage (95.2%) "; got != want {
		t.Errorf("ShortReason = %q, want %q", got, want)
	}
	if got, want := items[0].LongReason, "\n    If CPU Usage > 90.0% (actual value = 95.2%)"; got != want {
		t.Errorf("LongReason = %q, want %q", got, want)
	}
	if got := env.manager.ShortReason(ctx, items[0].Alert); got != items[0].ShortReason {
		t.Errorf("ShortReason() passthrough = %q", got)
	}
}

func TestDeniedDeleteLeavesAlerts(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	seedAlternating(t, env, 4)

	if _, err := env.manager.DeleteEntityAlerts(ctx, "stranger", web01); !errors.Is(err, authz.ErrPermissionDenied) {
		t.Fatalf("DeleteEntityAlerts() error = %v, want ErrPermissionDenied", err)
	}
	if _, err := env.manager.DeleteDefinitionAlerts(ctx, "stranger", env.dbDef); !errors.Is(err, authz.ErrPermissionDenied) {
		t.Fatalf("DeleteDefinitionAlerts() error = %v, want ErrPermissionDenied", err)
	}
	// cache01 is unowned, so the whole removal is refused before anything is deleted.
	if _, err := env.manager.RemoveEntities(ctx, "owner", []models.EntityID{web01, cache01}); !errors.Is(err, authz.ErrPermissionDenied) {
		t.Fatalf("RemoveEntities() error = %v, want ErrPermissionDenied", err)
	}
	if n, err := env.manager.AlertCount(ctx); err != nil || n != 4 {
		t.Errorf("AlertCount() = %d, %v, want 4", n, err)
	}
	if _, err := env.store.Resources().Get(ctx, web01); err != nil {
		t.Errorf("resource should survive a refused removal: %v", err)
	}
}

func TestDeletes(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	all := seedAlternating(t, env, 8)

	n, err := env.manager.DeleteAlerts(ctx, []string{all[0].ID, all[1].ID, "missing"})
	if err != nil || n != 2 {
		t.Fatalf("DeleteAlerts() = %d, %v, want 2", n, err)
	}
	n, err = env.manager.DeleteDefinitionAlerts(ctx, "owner", env.dbDef)
	if err != nil || n != 3 {
		t.Fatalf("DeleteDefinitionAlerts() = %d, %v, want 3", n, err)
	}
	n, err = env.manager.DeleteAlertsInRange(ctx, t0.Add(-35*time.Second), t0)
	if err != nil || n != 1 {
		t.Fatalf("DeleteAlertsInRange() = %d, %v, want 1", n, err)
	}

	counts, err := env.manager.AlertCounts(ctx, []models.EntityID{web01, db01, models.NewEntityID(models.EntityGroup, 1)})
	if err != nil {
		t.Fatalf("AlertCounts() error = %v", err)
	}
	if counts[0] != 2 || counts[1] != 0 || counts[2] != 0 {
		t.Errorf("AlertCounts() = %v, want [2 0 0]", counts)
	}

	n, err = env.manager.RemoveEntities(ctx, "owner", []models.EntityID{web01, db01})
	if err != nil || n != 2 {
		t.Fatalf("RemoveEntities() = %d, %v, want 2", n, err)
	}
	if _, err := env.store.Resources().Get(ctx, web01); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("resource after removal error = %v, want ErrNotFound", err)
	}
	if total, _ := env.manager.AlertCount(ctx); total != 0 {
		t.Errorf("AlertCount() = %d, want 0", total)
	}
}

func TestRemoveEntitiesIsAllOrNothing(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	seedAlternating(t, env, 4)

	db := env.store.Storage.(*storage.SQLStorage).DB()
	if _, err := db.ExecContext(ctx, `
		CREATE TRIGGER resources_locked BEFORE DELETE ON resources
		BEGIN SELECT RAISE(ABORT, 'resources locked'); END
	`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	if _, err := env.manager.RemoveEntities(ctx, "owner", []models.EntityID{web01, db01}); err == nil {
		t.Fatal("RemoveEntities() should fail when resources cannot be deleted")
	}
	counts, err := env.manager.AlertCounts(ctx, []models.EntityID{web01, db01})
	if err != nil {
		t.Fatalf("AlertCounts() error = %v", err)
	}
	if counts[0] != 2 || counts[1] != 2 {
		t.Errorf("AlertCounts() after failed removal = %v, want [2 2]", counts)
	}
	if _, err := env.store.Resources().Get(ctx, web01); err != nil {
		t.Errorf("resource should survive a failed removal: %v", err)
	}
}

func TestFindEntityAlerts(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	all := seedAlternating(t, env, 6)

	list, err := env.manager.FindEntityAlerts(ctx, "owner", web01, models.PageControl{PageSize: 2})
	if err != nil {
		t.Fatalf("FindEntityAlerts() error = %v", err)
	}
	if list.Total != 3 || len(list.Items) != 2 {
		t.Fatalf("FindEntityAlerts() = %d items of %d", len(list.Items), list.Total)
	}

	ranged, err := env.manager.FindEntityAlertsInRange(ctx, "owner", web01, t0.Add(-25*time.Second), t0.Add(time.Second),
		models.PageControl{Descending: true})
	if err != nil {
		t.Fatalf("FindEntityAlertsInRange() error = %v", err)
	}
	if got, want := ids(ranged.Items), ids([]*models.Alert{all[0], all[2]}); !equalIDs(got, want) {
		t.Errorf("FindEntityAlertsInRange() = %v, want %v", got, want)
	}

	if _, err := env.manager.FindEntityAlerts(ctx, "stranger", web01, models.PageControl{}); !errors.Is(err, authz.ErrPermissionDenied) {
		t.Errorf("stranger FindEntityAlerts() error = %v, want ErrPermissionDenied", err)
	}
}

func ids(alerts []*models.Alert) []string {
	var out []string
	for _, a := range alerts {
		out = append(out, a.ID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
