package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db, DialectPostgres), mock
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pq unique", &pq.Error{Code: "23505"}, true},
		{"pq foreign key", &pq.Error{Code: "23503"}, false},
		{"wrapped pq unique", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, true},
		{"sqlite primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, true},
		{"sqlite not null", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func TestRepository_PostgresUniqueViolationIsConflict(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("INSERT INTO permissions").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := repo.CreatePermission(context.Background(), &rbac.Permission{ResourceType: "report", Action: "view"})
	assert.ErrorIs(t, err, rbac.ErrConflict)
	assert.Contains(t, err.Error(), "report:view:global")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_QueryErrorsAreWrapped(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("SELECT (.+) FROM permissions WHERE id = \\$1").
		WithArgs(int64(7)).
		WillReturnError(errors.New("connection reset by peer"))

	_, err := repo.GetPermission(context.Background(), 7)
	require.Error(t, err)
	assert.Equal(t, "error", rbac.Category(err))
	assert.Contains(t, err.Error(), "failed to get permission")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ToggleRollsBackOnFailure(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM roles WHERE id = \\$1 FOR UPDATE").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("SELECT 1 FROM permissions WHERE id = \\$1").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec("DELETE FROM role_permissions").
		WithArgs(int64(1), int64(2)).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := repo.ToggleRoleGrant(context.Background(), 1, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GrantRefsNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM roles").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectRollback()

	err := repo.InsertRoleGrant(context.Background(), 9, 2)
	assert.ErrorIs(t, err, rbac.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SnapshotBeginFailure(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err := repo.PrincipalSnapshot(context.Background(), "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many connections")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_IncrementMissingTemplate(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("UPDATE permission_templates SET usage_count = usage_count \\+ 1").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"usage_count"}))

	_, err := repo.IncrementTemplateUsage(context.Background(), 3)
	assert.ErrorIs(t, err, rbac.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_Failures(t *testing.T) {
	logger, _ := test.NewNullLogger()

	t.Run("tracking table", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS accessgrid_migrations").
			WillReturnError(errors.New("permission denied for schema public"))

		_, err = Migrate(context.Background(), db, DialectPostgres, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create migrations table")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("migration statement", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS accessgrid_migrations").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT version FROM accessgrid_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS role_permissions").
			WillReturnError(errors.New("syntax error"))
		mock.ExpectRollback()

		n, err := Migrate(context.Background(), db, DialectPostgres, logger)
		require.Error(t, err)
		assert.Zero(t, n)
		assert.Contains(t, err.Error(), "failed to execute migration 2")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
