package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/we-ensemble/pkg/config"
	apperrors "github.com/we-ensemble/pkg/errors"
)

// setupMockDB wires a gorm handle onto a sqlmock connection, standing in for
// a real postgres server.
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return gdb, mock
}

func TestGormRunLogRepository_GetRunSQL(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewGormRunLogRepository(gdb)

	start := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "archive_path", "status", "status_info", "current_iter", "start_time", "end_time",
	}).AddRow(int64(7), "/data/wemd.db", string(RunStatusRunning), "", int64(3), start, nil)

	mock.ExpectQuery(`SELECT \* FROM "wemd_run"`).WillReturnRows(rows)

	run, err := repo.GetRun(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), run.ID)
	assert.Equal(t, "/data/wemd.db", run.ArchivePath)
	assert.Equal(t, int64(3), run.CurrentIter)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormRunLogRepository_GetIterSummariesSQL(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewGormRunLogRepository(gdb)

	rows := sqlmock.NewRows([]string{"id", "run_id", "n_iter", "n_particles", "norm", "status"}).
		AddRow(int64(1), int64(7), int64(1), int64(10), 1.0, uint8(1)).
		AddRow(int64(2), int64(7), int64(2), int64(12), 1.0, uint8(0))

	mock.ExpectQuery(`SELECT \* FROM "wemd_iter_summary"`).WillReturnRows(rows)

	summaries, err := repo.GetIterSummaries(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, int64(10), summaries[0].NParticles)
	assert.Equal(t, int64(2), summaries[1].NIter)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewGormDB_UnsupportedType(t *testing.T) {
	_, err := NewGormDB(&config.DatabaseConfig{Type: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
	assert.Equal(t, apperrors.CodeConfigError, apperrors.GetErrorCode(err))
}

func TestNewGormDB_SQLite(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Type:     "sqlite",
		Database: ":memory:",
	}

	db, err := NewGormDB(cfg)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()
	assert.NoError(t, sqlDB.Ping())
}

func TestNewRunLog_SQLite(t *testing.T) {
	repo, err := NewRunLog(&config.DatabaseConfig{Type: "sqlite", Database: ":memory:"})
	require.NoError(t, err)
	defer repo.Close()

	assert.NoError(t, repo.HealthCheck(context.Background()))

	runID, err := repo.CreateRun(context.Background(), "/data/wemd.db")
	require.NoError(t, err)
	assert.NotZero(t, runID)
}
