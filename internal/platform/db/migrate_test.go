package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_billing_core.sql": {Data: []byte("CREATE TABLE billing_case (id UUID PRIMARY KEY);")},
		"002_receipts.sql":     {Data: []byte("CREATE TABLE receipt (id UUID PRIMARY KEY);")},
		"003_insurance.sql":    {Data: []byte("CREATE TABLE insurance_policy (id UUID PRIMARY KEY);")},
	}

	migrator := NewMigratorFS(nil, fsys)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 {
		t.Errorf("expected version 1, got %d", migrations[0].Version)
	}
	if migrations[0].Name != "001_billing_core.sql" {
		t.Errorf("expected name 001_billing_core.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE billing_case (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigratorFS(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	want := []int{1, 2, 5, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":       {Data: []byte("SELECT 1;")},
		"README.md":           {Data: []byte("docs")},
		"nounderscore.sql":    {Data: []byte("SELECT 2;")},
		"abc_notnumeric.sql":  {Data: []byte("SELECT 3;")},
		"nested/002_deep.sql": {Data: []byte("SELECT 4;")},
	}

	migrations, err := NewMigratorFS(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migrations))
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"001_second.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigratorFS(nil, fsys).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate migration version")
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	migrator := NewMigrator(nil, "/nonexistent/path/to/migrations")
	if _, err := migrator.LoadMigrations(); err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestLoadMigrations_Checksum(t *testing.T) {
	fsys := fstest.MapFS{"001_billing_core.sql": {Data: []byte("SELECT 1;")}}
	migrations, err := NewMigratorFS(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if got := migrations[0].Checksum; got != checksum("SELECT 1;") || len(got) != 64 {
		t.Errorf("unexpected checksum %q", got)
	}
}

func TestMergeStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_billing_core.sql", Checksum: checksum("a")},
		{Version: 2, Name: "002_indexes.sql", Checksum: checksum("b")},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	statuses := mergeStatus(migrations, map[int]appliedRecord{1: {At: at, Checksum: checksum("a")}})

	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 1 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[0].Modified {
		t.Error("expected migration 1 unmodified")
	}
	if statuses[1].Applied {
		t.Error("expected migration 2 pending")
	}
	if got := Pending(statuses); got != 1 {
		t.Errorf("expected 1 pending, got %d", got)
	}
}

func TestModified(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_billing_core.sql", Checksum: checksum("edited")},
		{Version: 2, Name: "002_indexes.sql", Checksum: checksum("b")},
		{Version: 3, Name: "003_receipts.sql", Checksum: checksum("c")},
	}
	applied := map[int]appliedRecord{
		1: {Checksum: checksum("original")},
		2: {Checksum: ""},
	}
	got := modified(migrations, applied)
	if len(got) != 1 || got[0] != "001_billing_core.sql" {
		t.Errorf("expected only 001 modified, got %v", got)
	}
	if !mergeStatus(migrations, applied)[0].Modified {
		t.Error("expected status to flag the edited file")
	}
}
