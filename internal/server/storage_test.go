package server

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigia-electoral/vigia/internal/auth"
	"github.com/vigia-electoral/vigia/internal/database"
	"github.com/vigia-electoral/vigia/internal/schools"
	"go.uber.org/zap"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "vigia-test.db"), zap.NewNop(),
		&SchoolRecord{}, &OperatorAccount{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	storage, err := NewStorage(StorageConfig{Database: db})
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return storage
}

func seedSchool(t *testing.T, storage *Storage, school schools.School) {
	t.Helper()
	if err := storage.CreateSchool(context.Background(), school); err != nil {
		t.Fatalf("create school: %v", err)
	}
}

func boolPtr(value bool) *bool { return &value }
func intPtr(value int) *int    { return &value }

func TestOperatorRoundTrip(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.CreateOperator(ctx, "cria1", "secreto", auth.RoleStation, "station-1", "Comisaría 1ra"); err != nil {
		t.Fatalf("create operator: %v", err)
	}

	account, err := storage.FindOperator(ctx, "cria1", "secreto")
	if err != nil {
		t.Fatalf("find operator: %v", err)
	}
	if account.Role != auth.RoleStation || account.StationID != "station-1" {
		t.Fatalf("unexpected account %+v", account)
	}
	if account.PasswordHash == "secreto" {
		t.Fatalf("password stored in clear text")
	}
	if account.OperatorID == "" {
		t.Fatalf("operator id missing")
	}

	if _, err := storage.FindOperator(ctx, "cria1", "wrong"); !errors.Is(err, ErrOperatorNotFound) {
		t.Fatalf("expected ErrOperatorNotFound for bad password, got %v", err)
	}
	if _, err := storage.FindOperator(ctx, "ghost", "secreto"); !errors.Is(err, ErrOperatorNotFound) {
		t.Fatalf("expected ErrOperatorNotFound for unknown user, got %v", err)
	}
}

func TestListSchoolsScopedAndSorted(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	seedSchool(t, storage, schools.School{ID: "school-b", Name: "Beta", Station: schools.Station{ID: "station-1"}})
	seedSchool(t, storage, schools.School{ID: "school-a", Name: "Alfa", Station: schools.Station{ID: "station-1"}})
	seedSchool(t, storage, schools.School{ID: "school-c", Name: "Gamma", Station: schools.Station{ID: "station-2"}})

	all, err := storage.ListSchools(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].Name != "Alfa" || all[1].Name != "Beta" {
		t.Fatalf("unexpected full listing %+v", all)
	}

	scoped, err := storage.ListSchools(ctx, "station-1")
	if err != nil {
		t.Fatalf("list scoped: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("expected 2 schools for station-1, got %d", len(scoped))
	}
}

func TestApplyPatchPartialUpdate(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	seedSchool(t, storage, schools.School{
		ID: "school-1", Name: "Alfa", Station: schools.Station{ID: "station-1"},
		MesasAssigned: 10, PendingVoters: 40,
	})

	updated, err := storage.ApplyPatch(ctx, "school-1", schools.Patch{
		IsOpen:    boolPtr(true),
		MesasOpen: intPtr(8),
	})
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	if !updated.IsOpen || updated.MesasOpen != 8 {
		t.Fatalf("patched fields missing %+v", updated)
	}
	// Untouched fields keep their stored values.
	if updated.MesasAssigned != 10 || updated.PendingVoters != 40 {
		t.Fatalf("unpatched fields changed %+v", updated)
	}

	if _, err := storage.ApplyPatch(ctx, "ghost", schools.Patch{}); !errors.Is(err, ErrSchoolNotFound) {
		t.Fatalf("expected ErrSchoolNotFound, got %v", err)
	}
}

func TestApplyPatchHourlyLocking(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	seedSchool(t, storage, schools.School{ID: "school-1", Name: "Alfa", Station: schools.Station{ID: "station-1"}})

	updated, err := storage.ApplyPatch(ctx, "school-1", schools.Patch{
		HourlyReports: []schools.HourlyEntry{{Hour: "14", Percent: 22.5}},
	})
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	report, ok := updated.HourlyReportFor("14")
	if !ok || report.Percent == nil || *report.Percent != 22.5 || !report.Locked {
		t.Fatalf("report not stored locked: %+v", report)
	}

	_, err = storage.ApplyPatch(ctx, "school-1", schools.Patch{
		HourlyReports: []schools.HourlyEntry{{Hour: "14", Percent: 30}},
	})
	if !errors.Is(err, ErrHourlyLocked) {
		t.Fatalf("expected ErrHourlyLocked, got %v", err)
	}

	_, err = storage.ApplyPatch(ctx, "school-1", schools.Patch{
		HourlyReports: []schools.HourlyEntry{{Hour: "15", Percent: 140}},
	})
	if !errors.Is(err, ErrPercentOutOfRange) {
		t.Fatalf("expected ErrPercentOutOfRange, got %v", err)
	}

	// The rejected writes must not have altered the stored report.
	stored, err := storage.GetSchool(ctx, "school-1")
	if err != nil {
		t.Fatalf("get school: %v", err)
	}
	report, _ = stored.HourlyReportFor("14")
	if report.Percent == nil || *report.Percent != 22.5 {
		t.Fatalf("locked report changed: %+v", report)
	}
}

func TestApplyPatchEffectivesCap(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	seedSchool(t, storage, schools.School{ID: "school-1", Name: "Alfa", Station: schools.Station{ID: "station-1"}})

	_, err := storage.ApplyPatch(ctx, "school-1", schools.Patch{
		Effectives: []schools.Effective{{Name: "a"}, {Name: "b"}, {Name: "c"}},
	})
	if !errors.Is(err, ErrTooManyEffectives) {
		t.Fatalf("expected ErrTooManyEffectives, got %v", err)
	}

	updated, err := storage.ApplyPatch(ctx, "school-1", schools.Patch{
		Effectives: []schools.Effective{{Name: "a", FileNumber: "1234"}},
	})
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	if len(updated.Effectives) != 1 || updated.Effectives[0].FileNumber != "1234" {
		t.Fatalf("effectives not stored: %+v", updated.Effectives)
	}
}

func TestAddNoveltyPrepends(t *testing.T) {
	now := time.Date(2026, 8, 30, 15, 30, 0, 0, time.UTC)
	storage := newTestStorage(t)
	storage.clock = func() time.Time { return now }
	ctx := context.Background()
	seedSchool(t, storage, schools.School{ID: "school-1", Name: "Alfa", Station: schools.Station{ID: "station-1"}})

	if _, err := storage.AddNovelty(ctx, "school-1", schools.NoveltyInfo, "primera", "cria1"); err != nil {
		t.Fatalf("add novelty: %v", err)
	}
	created, err := storage.AddNovelty(ctx, "school-1", schools.NoveltyIncident, "segunda", "cria1")
	if err != nil {
		t.Fatalf("add novelty: %v", err)
	}
	if created.Type != schools.NoveltyIncident || !created.At.Equal(now) {
		t.Fatalf("unexpected created novelty %+v", created)
	}

	stored, err := storage.GetSchool(ctx, "school-1")
	if err != nil {
		t.Fatalf("get school: %v", err)
	}
	if len(stored.Novelties) != 2 || stored.Novelties[0].Text != "segunda" {
		t.Fatalf("novelties not newest-first: %+v", stored.Novelties)
	}
}

func TestResetKeepsRequestedData(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	seedSchool(t, storage, schools.School{
		ID: "school-1", Name: "Alfa", Address: "Calle 1",
		Station: schools.Station{ID: "station-1", Name: "Comisaría 1ra"},
		IsOpen:  true, MesasAssigned: 12, MesasOpen: 12, PendingVoters: 30,
		DoorsClosed: true,
		Effectives:  []schools.Effective{{Name: "a"}, {Name: "b"}},
		HourlyReports: []schools.HourlyReport{
			{Hour: "14", Locked: true},
		},
		Novelties: []schools.Novelty{{Type: schools.NoveltyInfo, Text: "x"}},
	})

	reset, err := storage.Reset(ctx, "school-1", true, true)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.IsOpen || reset.DoorsClosed || reset.MesasOpen != 0 || reset.PendingVoters != 0 {
		t.Fatalf("state not cleared: %+v", reset)
	}
	if len(reset.HourlyReports) != 0 || len(reset.Novelties) != 0 {
		t.Fatalf("reports or novelties survived reset: %+v", reset)
	}
	if reset.MesasAssigned != 12 || len(reset.Effectives) != 2 {
		t.Fatalf("kept data lost: %+v", reset)
	}
	if reset.Name != "Alfa" || reset.Station.ID != "station-1" {
		t.Fatalf("identity fields lost: %+v", reset)
	}

	full, err := storage.Reset(ctx, "school-1", false, false)
	if err != nil {
		t.Fatalf("full reset: %v", err)
	}
	if full.MesasAssigned != 0 || len(full.Effectives) != 0 {
		t.Fatalf("full reset kept data: %+v", full)
	}
}
