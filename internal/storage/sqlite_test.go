package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazealert/internal/models"
)

func setupTestDB(t *testing.T) *SQLStorage {
	t.Helper()

	store := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err := store.Open(); err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate database: %v", err)
	}
	return store
}

var (
	web01 = models.NewEntityID(models.EntityPlatform, 10001)
	db01  = models.NewEntityID(models.EntityServer, 10002)
	t0    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	webDef  *models.AlertDefinition
	dbDef   *models.AlertDefinition
	cpu     *models.AlertCondition
	memory  *models.AlertCondition
	admin   *models.Subject
	owner   *models.Subject
	granted *models.Subject
	other   *models.Subject
}

// seed creates two resources, a definition on each, a group containing db01
// granted to one operator, and one subject of each kind.
func seed(t *testing.T, store *SQLStorage) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		admin:   &models.Subject{Name: "admin", Role: models.RoleAdmin},
		owner:   &models.Subject{Name: "owner", Role: models.RoleOperator},
		granted: &models.Subject{Name: "granted", Role: models.RoleOperator},
		other:   &models.Subject{Name: "other", Role: models.RoleOperator},
	}
	for _, s := range []*models.Subject{f.admin, f.owner, f.granted, f.other} {
		if err := store.Subjects().Create(ctx, s); err != nil {
			t.Fatalf("create subject: %v", err)
		}
	}

	if err := store.Resources().Create(ctx, &models.Resource{Entity: web01, Name: "web-01", OwnerID: f.owner.ID}); err != nil {
		t.Fatalf("create resource: %v", err)
	}
	if err := store.Resources().Create(ctx, &models.Resource{Entity: db01, Name: "db-01"}); err != nil {
		t.Fatalf("create resource: %v", err)
	}
	if err := store.Resources().CreateGroup(ctx, &models.ResourceGroup{ID: 7, Name: "databases"}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := store.Resources().AddToGroup(ctx, 7, db01); err != nil {
		t.Fatalf("add to group: %v", err)
	}
	if err := store.Subjects().Grant(ctx, 7, f.granted.ID, models.OpManageAlerts); err != nil {
		t.Fatalf("grant: %v", err)
	}

	f.webDef = &models.AlertDefinition{Name: "High CPU", Priority: models.PriorityHigh, Enabled: true, Entity: web01}
	f.dbDef = &models.AlertDefinition{Name: "low memory", Priority: models.PriorityLow, Enabled: true, Entity: db01}
	for _, d := range []*models.AlertDefinition{f.webDef, f.dbDef} {
		if err := store.Definitions().Create(ctx, d); err != nil {
			t.Fatalf("create definition: %v", err)
		}
	}

	f.cpu = &models.AlertCondition{DefinitionID: f.webDef.ID, Kind: models.ConditionThreshold, Name: "CPU Usage", Comparator: ">", Threshold: 90}
	f.memory = &models.AlertCondition{DefinitionID: f.dbDef.ID, Kind: models.ConditionThreshold, Name: "Free Memory", Comparator: "<", Threshold: 10, Required: true}
	for _, c := range []*models.AlertCondition{f.cpu, f.memory} {
		if err := store.Conditions().Create(ctx, c); err != nil {
			t.Fatalf("create condition: %v", err)
		}
	}
	return f
}

func createAlert(t *testing.T, store *SQLStorage, def *models.AlertDefinition, ctime time.Time) *models.Alert {
	t.Helper()
	alert := models.NewAlert(def, ctime)
	if err := store.Alerts().Create(context.Background(), alert); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	return alert
}

func alertIDs(alerts []*models.Alert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}
	return ids
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

func TestSQLStorage_Migrate(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	tables := []string{
		"subjects", "resources", "resource_groups", "resource_group_members", "group_grants",
		"measurements", "alert_definitions", "alert_conditions", "alerts",
		"alert_condition_logs", "alert_action_logs", "escalation_states", "schema_migrations",
	}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s should exist: %v", table, err)
		}
	}

	// Re-running is a no-op
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var applied int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != len(migrations) {
		t.Errorf("applied migrations = %d, want %d", applied, len(migrations))
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if err := New(Config{Driver: "oracle"}).Open(); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if err := New(Config{Driver: DriverPostgres}).Open(); err == nil {
		t.Fatal("expected error for missing dsn")
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		in     string
		want   string
	}{
		{DriverSQLite, "SELECT * FROM a WHERE x = ? AND y = ?", "SELECT * FROM a WHERE x = ? AND y = ?"},
		{DriverPostgres, "SELECT * FROM a WHERE x = ? AND y = ?", "SELECT * FROM a WHERE x = $1 AND y = $2"},
		{DriverPostgres, "SELECT 1", "SELECT 1"},
		{DriverPostgres, "IN (" + placeholders(3) + ")", "IN ($1, $2, $3)"},
	}
	for _, tt := range tests {
		if got := rebind(tt.driver, tt.in); got != tt.want {
			t.Errorf("rebind(%s, %q) = %q, want %q", tt.driver, tt.in, got, tt.want)
		}
	}
}

func TestAlertRepository_CreateAndGet(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	alert := createAlert(t, store, f.webDef, t0)
	if alert.ID == "" {
		t.Fatal("create should assign an id")
	}

	logs, err := store.Alerts().AddConditionLogs(ctx, alert.ID, []models.ConditionLogEntry{
		{ConditionID: f.cpu.ID, Value: "95.2"},
		{ConditionID: f.cpu.ID, Value: "97.0"},
	})
	if err != nil {
		t.Fatalf("add condition logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Seq != 1 || logs[1].Seq != 2 {
		t.Fatalf("logs = %+v, want sequence 1,2", logs)
	}

	err = store.Alerts().AddActionLog(ctx, &models.ActionLog{
		AlertID: alert.ID, ActionID: "email", SubjectID: f.owner.ID, Detail: "notified ops", CTime: t0.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("add action log: %v", err)
	}

	got, err := store.Alerts().GetByID(ctx, alert.ID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if !got.CTime.Equal(t0) {
		t.Errorf("ctime = %v, want %v", got.CTime, t0)
	}
	if got.Fixed {
		t.Error("new alert should be unfixed")
	}
	if got.Definition.Name != "High CPU" || got.Definition.Entity != web01 {
		t.Errorf("definition = %+v", got.Definition)
	}
	if len(got.ConditionLogs) != 2 {
		t.Fatalf("condition logs = %d, want 2", len(got.ConditionLogs))
	}
	if got.ConditionLogs[0].Value != "95.2" || got.ConditionLogs[1].Value != "97.0" {
		t.Errorf("condition logs out of order: %+v", got.ConditionLogs)
	}
	if got.ConditionLogs[0].Condition.Name != "CPU Usage" || got.ConditionLogs[0].Condition.Threshold != 90 {
		t.Errorf("condition not hydrated: %+v", got.ConditionLogs[0].Condition)
	}
	if len(got.ActionLogs) != 1 || got.ActionLogs[0].SubjectID != f.owner.ID {
		t.Errorf("action logs = %+v", got.ActionLogs)
	}

	if _, err := store.Alerts().GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get missing alert: err = %v, want ErrNotFound", err)
	}
	if err := store.Alerts().AddActionLog(ctx, &models.ActionLog{AlertID: "missing", ActionID: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("action log on missing alert: err = %v, want ErrNotFound", err)
	}
}

func TestAlertRepository_AddConditionLogsIsAtomic(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	alert := createAlert(t, store, f.webDef, t0)
	if _, err := store.Alerts().AddConditionLogs(ctx, alert.ID, []models.ConditionLogEntry{{ConditionID: f.cpu.ID, Value: "91"}}); err != nil {
		t.Fatalf("add condition logs: %v", err)
	}

	_, err := store.Alerts().AddConditionLogs(ctx, alert.ID, []models.ConditionLogEntry{
		{ConditionID: f.cpu.ID, Value: "95"},
		{ConditionID: "no-such-condition", Value: "1"},
	})
	if !errors.Is(err, ErrConditionNotFound) {
		t.Fatalf("err = %v, want ErrConditionNotFound", err)
	}

	got, err := store.Alerts().GetByID(ctx, alert.ID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if len(got.ConditionLogs) != 1 || got.ConditionLogs[0].Value != "91" {
		t.Errorf("condition logs changed after failed append: %+v", got.ConditionLogs)
	}

	if _, err := store.Alerts().AddConditionLogs(ctx, "missing", []models.ConditionLogEntry{{ConditionID: f.cpu.ID}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("append to missing alert: err = %v, want ErrNotFound", err)
	}
}

func TestAlertRepository_SetFixed(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	if err := store.Definitions().SetEnabled(ctx, f.webDef.ID, false); err != nil {
		t.Fatalf("disable definition: %v", err)
	}
	recovering := &models.AlertDefinition{Name: "Recovering", Priority: models.PriorityHigh, WillRecover: true, Entity: web01}
	if err := store.Definitions().Create(ctx, recovering); err != nil {
		t.Fatalf("create definition: %v", err)
	}

	plain := createAlert(t, store, f.webDef, t0)
	res, err := store.Alerts().SetFixed(ctx, plain.ID)
	if err != nil {
		t.Fatalf("set fixed: %v", err)
	}
	if res.AlreadyFixed || res.Recovered {
		t.Errorf("result = %+v, want fresh fix without recovery", res)
	}
	def, _ := store.Definitions().GetByID(ctx, f.webDef.ID)
	if def.Enabled {
		t.Error("non-recovering definition should stay disabled")
	}

	alert := createAlert(t, store, recovering, t0)
	if err := store.Escalations().Mark(ctx, alert.ID, t0); err != nil {
		t.Fatalf("mark escalation: %v", err)
	}
	res, err = store.Alerts().SetFixed(ctx, alert.ID)
	if err != nil {
		t.Fatalf("set fixed: %v", err)
	}
	if !res.Recovered || res.DefinitionID != recovering.ID {
		t.Errorf("result = %+v, want recovery of %s", res, recovering.ID)
	}
	def, _ = store.Definitions().GetByID(ctx, recovering.ID)
	if !def.Enabled {
		t.Error("recovering definition should be re-enabled")
	}
	if in, _ := store.Escalations().IsInEscalation(ctx, alert.ID); in {
		t.Error("fixed alert should leave escalation")
	}

	res, err = store.Alerts().SetFixed(ctx, alert.ID)
	if err != nil {
		t.Fatalf("second set fixed: %v", err)
	}
	if !res.AlreadyFixed || res.Recovered {
		t.Errorf("second result = %+v, want no-op", res)
	}
	got, _ := store.Alerts().GetByID(ctx, alert.ID)
	if !got.Fixed {
		t.Error("alert should be fixed")
	}

	if _, err := store.Alerts().SetFixed(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("fix missing alert: err = %v, want ErrNotFound", err)
	}
}

func TestAlertRepository_FindLastByDefinition(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	got, err := store.Alerts().FindLastByDefinition(ctx, f.webDef.ID, false)
	if err != nil || got != nil {
		t.Fatalf("empty store: got %v, %v; want nil, nil", got, err)
	}

	createAlert(t, store, f.webDef, t0)
	latest := createAlert(t, store, f.webDef, t0.Add(time.Hour))
	fixed := createAlert(t, store, f.webDef, t0.Add(2*time.Hour))
	if _, err := store.Alerts().SetFixed(ctx, fixed.ID); err != nil {
		t.Fatalf("set fixed: %v", err)
	}

	got, err = store.Alerts().FindLastByDefinition(ctx, f.webDef.ID, false)
	if err != nil {
		t.Fatalf("find last unfixed: %v", err)
	}
	if got == nil || got.ID != latest.ID {
		t.Errorf("last unfixed = %v, want %s", got, latest.ID)
	}

	got, err = store.Alerts().FindLastByDefinition(ctx, f.webDef.ID, true)
	if err != nil {
		t.Fatalf("find last fixed: %v", err)
	}
	if got == nil || got.ID != fixed.ID {
		t.Errorf("last fixed = %v, want %s", got, fixed.ID)
	}
}

func TestAlertRepository_Counts(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	createAlert(t, store, f.webDef, t0)
	createAlert(t, store, f.webDef, t0.Add(time.Minute))
	createAlert(t, store, f.dbDef, t0)

	total, err := store.Alerts().Count(ctx)
	if err != nil || total != 3 {
		t.Errorf("count = %d, %v; want 3", total, err)
	}
	n, err := store.Alerts().CountByEntity(ctx, web01)
	if err != nil || n != 2 {
		t.Errorf("count web01 = %d, %v; want 2", n, err)
	}
	n, err = store.Alerts().CountByEntity(ctx, models.NewEntityID(models.EntityService, 1))
	if err != nil || n != 0 {
		t.Errorf("count unknown = %d, %v; want 0", n, err)
	}
}

func TestAlertRepository_FindByEntity(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	disk := &models.AlertDefinition{Name: "disk full", Priority: models.PriorityMedium, Enabled: true, Entity: web01}
	if err := store.Definitions().Create(ctx, disk); err != nil {
		t.Fatalf("create definition: %v", err)
	}

	a1 := createAlert(t, store, f.webDef, t0)
	a2 := createAlert(t, store, disk, t0.Add(time.Minute))
	a3 := createAlert(t, store, f.webDef, t0.Add(2*time.Minute))
	createAlert(t, store, f.dbDef, t0)

	tests := []struct {
		name  string
		begin time.Time
		end   time.Time
		pc    models.PageControl
		want  []string
		total int64
	}{
		{
			name:  "date ascending",
			pc:    models.PageControl{SortBy: models.SortByDate},
			want:  []string{a1.ID, a2.ID, a3.ID},
			total: 3,
		},
		{
			name:  "date descending",
			pc:    models.PageControl{SortBy: models.SortByDate, Descending: true},
			want:  []string{a3.ID, a2.ID, a1.ID},
			total: 3,
		},
		{
			// "disk full" sorts before "HIGH CPU" on the upper-cased key
			name:  "name ascending",
			pc:    models.PageControl{SortBy: models.SortByName},
			want:  []string{a2.ID, a3.ID, a1.ID},
			total: 3,
		},
		{
			name:  "name descending",
			pc:    models.PageControl{SortBy: models.SortByName, Descending: true},
			want:  []string{a3.ID, a1.ID, a2.ID},
			total: 3,
		},
		{
			name:  "second page",
			pc:    models.PageControl{SortBy: models.SortByDate, Page: 1, PageSize: 2},
			want:  []string{a3.ID},
			total: 3,
		},
		{
			name:  "range",
			begin: t0.Add(time.Minute),
			end:   t0.Add(2 * time.Minute),
			pc:    models.PageControl{SortBy: models.SortByDate},
			want:  []string{a2.ID},
			total: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := store.Alerts().FindByEntity(ctx, web01, tt.begin, tt.end, tt.pc)
			if err != nil {
				t.Fatalf("find by entity: %v", err)
			}
			if page.Total != tt.total {
				t.Errorf("total = %d, want %d", page.Total, tt.total)
			}
			if got := alertIDs(page.Items); !equalIDs(got, tt.want) {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAlertRepository_FindWindow(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	web1 := createAlert(t, store, f.webDef, t0)
	web2 := createAlert(t, store, f.webDef, t0.Add(time.Minute))
	db1 := createAlert(t, store, f.dbDef, t0.Add(2*time.Minute))
	createAlert(t, store, f.webDef, t0.Add(time.Hour)) // outside the window

	if _, err := store.Alerts().SetFixed(ctx, web1.ID); err != nil {
		t.Fatalf("set fixed: %v", err)
	}
	if err := store.Escalations().Mark(ctx, web2.ID, t0); err != nil {
		t.Fatalf("mark escalation: %v", err)
	}

	base := WindowQuery{Begin: t0, End: t0.Add(10 * time.Minute)}
	tests := []struct {
		name   string
		modify func(q *WindowQuery)
		want   []string
	}{
		{name: "all", modify: func(q *WindowQuery) {}, want: []string{db1.ID, web2.ID, web1.ID}},
		{name: "priority floor", modify: func(q *WindowQuery) { q.Priority = models.PriorityHigh }, want: []string{web2.ID, web1.ID}},
		{name: "not fixed", modify: func(q *WindowQuery) { q.NotFixed = true }, want: []string{db1.ID, web2.ID}},
		{name: "in escalation", modify: func(q *WindowQuery) { q.InEscalation = true }, want: []string{web2.ID}},
		{name: "group", modify: func(q *WindowQuery) { q.GroupID = 7 }, want: []string{db1.ID}},
		{name: "end is exclusive", modify: func(q *WindowQuery) { q.End = t0.Add(2 * time.Minute) }, want: []string{web2.ID, web1.ID}},
		{name: "admin sees all", modify: func(q *WindowQuery) { q.SubjectID = f.admin.ID }, want: []string{db1.ID, web2.ID, web1.ID}},
		{name: "owner", modify: func(q *WindowQuery) { q.SubjectID = f.owner.ID }, want: []string{web2.ID, web1.ID}},
		{name: "group grant", modify: func(q *WindowQuery) { q.SubjectID = f.granted.ID }, want: []string{db1.ID}},
		{name: "no access", modify: func(q *WindowQuery) { q.SubjectID = f.other.ID }, want: []string{}},
		{name: "limit", modify: func(q *WindowQuery) { q.Limit = 2 }, want: []string{db1.ID, web2.ID}},
		{
			name:   "after cursor",
			modify: func(q *WindowQuery) { q.After = &Cursor{CTime: web2.CTime, ID: web2.ID} },
			want:   []string{web1.ID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := base
			tt.modify(&q)

			alerts, err := store.Alerts().FindWindow(ctx, q)
			if err != nil {
				t.Fatalf("find window: %v", err)
			}
			if got := alertIDs(alerts); !equalIDs(got, tt.want) {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}

			q.Limit, q.After = 0, nil
			if tt.name == "limit" || tt.name == "after cursor" {
				return
			}
			n, err := store.Alerts().CountWindow(ctx, q)
			if err != nil {
				t.Fatalf("count window: %v", err)
			}
			if n != int64(len(tt.want)) {
				t.Errorf("count = %d, want %d", n, len(tt.want))
			}
		})
	}
}

func TestAlertRepository_FindWindowSameTimestamps(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		createAlert(t, store, f.webDef, t0)
	}

	q := WindowQuery{Begin: t0, End: t0.Add(time.Minute), Limit: 2}
	seen := make(map[string]bool)
	for pages := 0; pages < 10; pages++ {
		page, err := store.Alerts().FindWindow(ctx, q)
		if err != nil {
			t.Fatalf("find window: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, a := range page {
			if seen[a.ID] {
				t.Fatalf("alert %s returned twice", a.ID)
			}
			seen[a.ID] = true
		}
		q.After = CursorAfter(page[len(page)-1])
	}
	if len(seen) != 5 {
		t.Errorf("paged %d alerts, want 5", len(seen))
	}
}

func TestAlertRepository_WindowCachePurgedOnWrite(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	q := WindowQuery{Begin: t0, End: t0.Add(time.Hour)}
	createAlert(t, store, f.webDef, t0)

	first, err := store.Alerts().FindWindow(ctx, q)
	if err != nil {
		t.Fatalf("find window: %v", err)
	}
	again, err := store.Alerts().FindWindow(ctx, q)
	if err != nil {
		t.Fatalf("find window: %v", err)
	}
	if !equalIDs(alertIDs(first), alertIDs(again)) {
		t.Errorf("repeated query differs: %v vs %v", alertIDs(first), alertIDs(again))
	}

	createAlert(t, store, f.webDef, t0.Add(time.Minute))
	after, err := store.Alerts().FindWindow(ctx, q)
	if err != nil {
		t.Fatalf("find window: %v", err)
	}
	if len(after) != 2 {
		t.Errorf("after write got %d alerts, want 2", len(after))
	}
}

func TestAlertRepository_WindowCacheDropsResultReadBeforeWrite(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	q := WindowQuery{Begin: t0, End: t0.Add(time.Hour)}
	createAlert(t, store, f.webDef, t0)

	// A write commits after the reader queried but before it caches.
	interleaved := false
	store.alerts.afterQuery = func() {
		if interleaved {
			return
		}
		interleaved = true
		createAlert(t, store, f.webDef, t0.Add(time.Minute))
	}

	stale, err := store.Alerts().FindWindow(ctx, q)
	if err != nil {
		t.Fatalf("find window: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("interleaved read got %d alerts, want the pre-write 1", len(stale))
	}
	n, err := store.Alerts().CountWindow(ctx, q)
	if err != nil || n != 2 {
		t.Fatalf("count window = %d, %v; want 2", n, err)
	}
	store.alerts.afterQuery = nil

	fresh, err := store.Alerts().FindWindow(ctx, q)
	if err != nil {
		t.Fatalf("find window: %v", err)
	}
	if len(fresh) != 2 {
		t.Errorf("read after write got %d alerts, want 2", len(fresh))
	}
}

func TestQueryCache_StoreAfterPurgeIsDropped(t *testing.T) {
	c := newQueryCache(8, time.Minute)

	gen := c.generation()
	c.purge()
	c.storeWindow("w", gen, []*models.Alert{{ID: "a1"}})
	c.storeCount("c", gen, 1)
	if _, ok := c.window("w"); ok {
		t.Error("window stored across a purge")
	}
	if _, ok := c.count("c"); ok {
		t.Error("count stored across a purge")
	}

	gen = c.generation()
	c.storeWindow("w", gen, []*models.Alert{{ID: "a1"}})
	c.storeCount("c", gen, 1)
	if got, ok := c.window("w"); !ok || len(got) != 1 {
		t.Errorf("window(w) = %v, %v; want one cached alert", got, ok)
	}
	if n, ok := c.count("c"); !ok || n != 1 {
		t.Errorf("count(c) = %d, %v; want 1", n, ok)
	}

	var nilCache *queryCache
	nilCache.storeWindow("w", nilCache.generation(), nil)
	nilCache.purge()
}

func TestAlertRepository_Deletes(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	a1 := createAlert(t, store, f.webDef, t0)
	a2 := createAlert(t, store, f.webDef, t0.Add(time.Minute))
	createAlert(t, store, f.webDef, t0.Add(2*time.Minute))
	d1 := createAlert(t, store, f.dbDef, t0)
	createAlert(t, store, f.dbDef, t0.Add(48*time.Hour))

	if _, err := store.Alerts().AddConditionLogs(ctx, a1.ID, []models.ConditionLogEntry{{ConditionID: f.cpu.ID, Value: "99"}}); err != nil {
		t.Fatalf("add condition logs: %v", err)
	}

	n, err := store.Alerts().DeleteByIDs(ctx, []string{a1.ID, a2.ID, "missing"})
	if err != nil || n != 2 {
		t.Fatalf("delete by ids = %d, %v; want 2", n, err)
	}
	var logs int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alert_condition_logs").Scan(&logs); err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if logs != 0 {
		t.Errorf("condition logs left after delete = %d, want 0", logs)
	}

	n, err = store.Alerts().DeleteInRange(ctx, t0, t0.Add(24*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("delete in range = %d, %v; want 2 (web third alert and %s)", n, err, d1.ID)
	}

	n, err = store.Alerts().DeleteByDefinition(ctx, f.dbDef.ID)
	if err != nil || n != 1 {
		t.Fatalf("delete by definition = %d, %v; want 1", n, err)
	}

	createAlert(t, store, f.webDef, t0)
	n, err = store.Alerts().DeleteByEntity(ctx, web01)
	if err != nil || n != 1 {
		t.Fatalf("delete by entity = %d, %v; want 1", n, err)
	}

	total, _ := store.Alerts().Count(ctx)
	if total != 0 {
		t.Errorf("alerts left = %d, want 0", total)
	}
}

func TestAlertRepository_DetachSubject(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	alert := createAlert(t, store, f.webDef, t0)
	for _, subject := range []string{f.owner.ID, f.owner.ID, f.admin.ID} {
		if err := store.Alerts().AddActionLog(ctx, &models.ActionLog{AlertID: alert.ID, ActionID: "page", SubjectID: subject, Detail: "paged"}); err != nil {
			t.Fatalf("add action log: %v", err)
		}
	}

	n, err := store.Alerts().DetachSubject(ctx, f.owner.ID)
	if err != nil || n != 2 {
		t.Fatalf("detach subject = %d, %v; want 2", n, err)
	}

	got, _ := store.Alerts().GetByID(ctx, alert.ID)
	if len(got.ActionLogs) != 3 {
		t.Fatalf("action logs = %d, want 3", len(got.ActionLogs))
	}
	for _, log := range got.ActionLogs {
		if log.SubjectID == f.owner.ID {
			t.Errorf("action log %s still references detached subject", log.ID)
		}
	}
}

func TestResourceRepository_DeleteEntities(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	createAlert(t, store, f.dbDef, t0)
	createAlert(t, store, f.dbDef, t0.Add(time.Minute))
	createAlert(t, store, f.webDef, t0)

	if ok, _ := store.Subjects().HasGroupGrant(ctx, f.granted.ID, db01, models.OpManageAlerts); !ok {
		t.Fatal("grant should apply before delete")
	}

	missing := models.NewEntityID(models.EntityServer, 99999)
	res, err := store.Resources().DeleteEntities(ctx, []models.EntityID{db01, missing})
	if err != nil {
		t.Fatalf("delete entities: %v", err)
	}
	if res.Alerts != 2 || res.Resources != 1 {
		t.Errorf("delete entities = %+v, want 2 alerts and 1 resource", res)
	}

	if _, err := store.Resources().Get(ctx, db01); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted resource: err = %v, want ErrNotFound", err)
	}
	groups, err := store.Resources().GroupsFor(ctx, db01)
	if err != nil {
		t.Fatalf("groups for: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("membership rows left: %v", groups)
	}
	if ok, _ := store.Subjects().HasGroupGrant(ctx, f.granted.ID, db01, models.OpManageAlerts); ok {
		t.Error("grant should no longer reach the deleted resource")
	}

	// Resources of another kind are untouched
	if name, err := store.Resources().DisplayName(ctx, web01); err != nil || name != "web-01" {
		t.Errorf("display name = %q, %v", name, err)
	}
	if n, _ := store.Alerts().CountByEntity(ctx, web01); n != 1 {
		t.Errorf("web01 alerts = %d, want 1", n)
	}
}

func TestResourceRepository_DeleteEntitiesRollsBack(t *testing.T) {
	store := setupTestDB(t)
	f := seed(t, store)
	ctx := context.Background()

	createAlert(t, store, f.webDef, t0)
	createAlert(t, store, f.dbDef, t0)

	// The resource delete is the last statement; make it fail after the
	// alert and membership deletes already ran.
	if _, err := store.db.ExecContext(ctx, `
		CREATE TRIGGER resources_locked BEFORE DELETE ON resources
		BEGIN SELECT RAISE(ABORT, 'resources locked'); END
	`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err := store.Resources().DeleteEntities(ctx, []models.EntityID{db01, web01})
	var storageErr *Error
	if !errors.As(err, &storageErr) || storageErr.Op != "delete resources" {
		t.Fatalf("delete entities error = %v, want a delete resources failure", err)
	}

	for _, e := range []models.EntityID{web01, db01} {
		if n, err := store.Alerts().CountByEntity(ctx, e); err != nil || n != 1 {
			t.Errorf("%s alerts after failed delete = %d, %v; want 1", e, n, err)
		}
		if _, err := store.Resources().Get(ctx, e); err != nil {
			t.Errorf("%s resource after failed delete: %v", e, err)
		}
	}
	groups, err := store.Resources().GroupsFor(ctx, db01)
	if err != nil || len(groups) != 1 {
		t.Errorf("db01 groups after failed delete = %v, %v; want [7]", groups, err)
	}
}

func TestMeasurementRepository(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	m := &models.Measurement{Entity: web01, Name: "CPU Usage", Units: "percent"}
	if err := store.Measurements().Create(ctx, m); err != nil {
		t.Fatalf("create measurement: %v", err)
	}
	got, err := store.Measurements().Measurement(ctx, m.ID)
	if err != nil {
		t.Fatalf("get measurement: %v", err)
	}
	if got.Units != "percent" || got.Entity != web01 {
		t.Errorf("measurement = %+v", got)
	}
	if _, err := store.Measurements().Measurement(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWindowQueryKey(t *testing.T) {
	a := WindowQuery{SubjectID: "s", Begin: t0, End: t0.Add(time.Hour)}
	b := a
	if a.key() != b.key() {
		t.Error("identical queries should share a key")
	}
	b.NotFixed = true
	if a.key() == b.key() {
		t.Error("different filters should not share a key")
	}
	c := a
	c.After = &Cursor{CTime: t0, ID: "x"}
	if a.key() == c.key() {
		t.Error("cursor should be part of the key")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := error(&Error{Op: "insert alert", Err: cause})
	if !errors.Is(err, cause) {
		t.Error("storage error should unwrap to its cause")
	}
	if err.Error() != "storage: insert alert: disk I/O error" {
		t.Errorf("Error() = %q", err.Error())
	}
}
