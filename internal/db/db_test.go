package db

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/grid"
	"github.com/banshee-data/beacon.report/internal/testutil"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

var epoch = testutil.Epoch

func setupTestDB(t *testing.T) (*DB, *timeutil.MockClock) {
	t.Helper()
	testutil.MuteLogs(t)
	db, err := NewDB(filepath.Join(t.TempDir(), "beacon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	clock := timeutil.NewMockClock(epoch)
	db.SetClock(clock)
	return db, clock
}

func TestNewDB_MigratesFreshDatabase(t *testing.T) {
	db, _ := setupTestDB(t)

	st, err := db.GetMigrationStatus(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), st.CurrentVersion)
	assert.Equal(t, uint(2), st.LatestVersion)
	assert.False(t, st.Dirty)
	assert.True(t, st.SchemaMigrationsExists)
	assert.False(t, st.Pending())

	for _, table := range []string{"layouts", "layout_beacons", "beacon_readings"} {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}

	var fk int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrateDownAndUp(t *testing.T) {
	db, _ := setupTestDB(t)
	fsys := MigrationsFS()

	require.NoError(t, db.MigrateDown(fsys))
	v, dirty, err := db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateTo(fsys, 2))
	require.NoError(t, db.MigrateUp(fsys), "no change is not an error")
	v, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func TestGetLatestMigrationVersion(t *testing.T) {
	v, err := GetLatestMigrationVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func TestLayouts_SaveLoadRoundTrip(t *testing.T) {
	db, clock := setupTestDB(t)

	l := &Layout{
		Name:        " office ",
		Width:       "10",
		Height:      "8",
		GridSize:    "0.5",
		ImageWidth:  1000,
		ImageHeight: 800,
		Floorplan:   []byte("\x89PNG fake"),
		Beacons:     map[string]grid.Coord{"A": {Row: 2, Col: 3}, "B": {Row: 5, Col: 1}},
	}
	require.NoError(t, db.SaveLayout(l))
	require.NotEmpty(t, l.ID)
	assert.Equal(t, "office", l.Name)
	assert.Equal(t, epoch, l.CreatedAt)

	got, err := db.GetLayout(l.ID)
	require.NoError(t, err)
	assert.Equal(t, l, got)

	// saving under the same name replaces the layout in place
	clock.Advance(time.Hour)
	l2 := &Layout{Name: "office", Width: "12", Height: "8", GridSize: "1", ImageWidth: 1000, ImageHeight: 800,
		Beacons: map[string]grid.Coord{"C": {Row: 0, Col: 0}}}
	require.NoError(t, db.SaveLayout(l2))
	assert.Equal(t, l.ID, l2.ID)
	assert.Equal(t, epoch, l2.CreatedAt)
	assert.Equal(t, epoch.Add(time.Hour), l2.UpdatedAt)

	got, err = db.GetLayout(l.ID)
	require.NoError(t, err)
	assert.Equal(t, "12", got.Width)
	assert.Nil(t, got.Floorplan)
	assert.Equal(t, map[string]grid.Coord{"C": {Row: 0, Col: 0}}, got.Beacons)

	list, err := db.ListLayouts()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, LayoutSummary{ID: l.ID, Name: "office", BeaconCount: 1, UpdatedAt: epoch.Add(time.Hour)}, list[0])
}

func TestLayouts_Errors(t *testing.T) {
	db, _ := setupTestDB(t)

	assert.ErrorIs(t, db.SaveLayout(&Layout{Name: "  "}), ErrLayoutName)
	_, err := db.GetLayout("missing")
	assert.ErrorIs(t, err, ErrLayoutNotFound)
	assert.ErrorIs(t, db.DeleteLayout("missing"), ErrLayoutNotFound)

	err = db.SaveLayout(&Layout{Name: "clash", Beacons: map[string]grid.Coord{"A": {Row: 1, Col: 1}, "B": {Row: 1, Col: 1}}})
	assert.Error(t, err)
	list, err := db.ListLayouts()
	require.NoError(t, err)
	assert.Empty(t, list, "failed save must roll back")
}

func TestLayouts_Delete(t *testing.T) {
	db, _ := setupTestDB(t)
	l := &Layout{Name: "lab", Width: "1", Height: "1", GridSize: "1", Beacons: map[string]grid.Coord{"A": {}}}
	require.NoError(t, db.SaveLayout(l))
	require.NoError(t, db.DeleteLayout(l.ID))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM layout_beacons`).Scan(&n))
	assert.Zero(t, n)
}

func TestReadings(t *testing.T) {
	db, _ := setupTestDB(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.RecordReadings(frame.FormatSimple, epoch.Add(time.Duration(i)*time.Second), []frame.BeaconReading{
			{BeaconID: "A", DistanceMeters: float64(i)},
			{BeaconID: "B", DistanceMeters: 10},
		}))
	}
	require.NoError(t, db.RecordReadings(frame.FormatText, epoch, nil))

	got, err := db.RecentReadings("A", epoch, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 2.0, got[0].DistanceMeters, "the latest three, oldest first")
	assert.Equal(t, 4.0, got[2].DistanceMeters)
	assert.Equal(t, epoch.Add(4*time.Second), got[2].Received)
	assert.Equal(t, frame.FormatSimple, got[2].Format)

	got, err = db.RecentReadings("A", epoch.Add(3*time.Second), 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	ids, err := db.ReadingBeaconIDs(epoch)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids)

	n, err := db.PruneReadings(epoch.Add(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestRecorder(t *testing.T) {
	db, _ := setupTestDB(t)
	r := NewRecorder(db, 2)

	assert.True(t, r.Enqueue(frame.FormatSimple, epoch, []frame.BeaconReading{{BeaconID: "A", DistanceMeters: 1}}))
	assert.True(t, r.Enqueue(frame.FormatSimple, epoch, []frame.BeaconReading{{BeaconID: "A", DistanceMeters: 2}}))
	assert.False(t, r.Enqueue(frame.FormatSimple, epoch, []frame.BeaconReading{{BeaconID: "A", DistanceMeters: 3}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)

	got, err := db.RecentReadings("A", epoch, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2, "queued batches are drained on shutdown")
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db, _ := setupTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	rec := testutil.ServeDebug(mux, "/debug/backup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "SQLite format 3"))
}

func TestRunMigrateCommand(t *testing.T) {
	testutil.MuteLogs(t)
	path := filepath.Join(t.TempDir(), "cli.db")
	var out bytes.Buffer

	require.NoError(t, RunMigrateCommand([]string{"status"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 0")
	assert.Contains(t, out.String(), "2 version(s) behind")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"up"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 2 (dirty: false)")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"version", "1"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 1")

	assert.ErrorIs(t, RunMigrateCommand(nil, path, &out), ErrUsage)
	assert.ErrorIs(t, RunMigrateCommand([]string{"version", "x"}, path, &out), ErrUsage)
	assert.ErrorIs(t, RunMigrateCommand([]string{"sideways"}, path, &out), ErrUsage)
	require.NoError(t, RunMigrateCommand([]string{"help"}, path, &out))
}
