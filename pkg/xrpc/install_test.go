package xrpc

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestRenderSchema_Destination(t *testing.T) {
	t.Parallel()

	script, err := RenderSchema(InstallParams{CurrentDatabase: "provider"})
	require.NoError(t, err)

	require.Contains(t, script, `CREATE SCHEMA IF NOT EXISTS "xrpc";`)
	require.Contains(t, script, `CREATE TABLE IF NOT EXISTS "xrpc".batches`)
	require.Contains(t, script, `FUNCTION "xrpc".check_batch(i_source text, i_queue text, i_batch_id bigint)`)
	require.Contains(t, script, `FUNCTION "xrpc".set_batch_done(i_source text, i_queue text, i_batch_id bigint)`)
	require.Contains(t, script, `FUNCTION "xrpc".do_call(`)
	require.Contains(t, script, `SELECT 'provider'::text;`)
	require.NotContains(t, script, "pgq.")
}

func TestRenderSchema_SourceWithQueue(t *testing.T) {
	t.Parallel()

	script, err := RenderSchema(InstallParams{Schema: "replay", CurrentDatabase: "o'brien", Queue: "xrpc_q"})
	require.NoError(t, err)

	require.Contains(t, script, `CREATE SCHEMA IF NOT EXISTS "replay";`)
	require.Contains(t, script, `SELECT pgq.create_queue('xrpc_q');`)
	require.Contains(t, script, `FUNCTION "replay".x_qname()`)
	require.Contains(t, script, `FUNCTION "replay"._call(i_destination text, i_func text, i_args hstore)`)
	require.Contains(t, script, `SELECT 'o''brien'::text;`)
}

func TestRenderSchema_RequiresProviderName(t *testing.T) {
	t.Parallel()

	_, err := RenderSchema(InstallParams{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInstall_CommitsScript(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE EXTENSION IF NOT EXISTS hstore;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, Install(context.Background(), db, InstallParams{CurrentDatabase: "provider"}, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstall_RollsBackOnError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE SCHEMA").WillReturnError(errors.New(`permission denied for database provider`))
	mock.ExpectRollback()

	err = Install(context.Background(), db, InstallParams{CurrentDatabase: "provider"}, nil)
	require.ErrorIs(t, err, ErrInstall)
	require.ErrorContains(t, err, "permission denied")
	require.NoError(t, mock.ExpectationsWereMet())

	require.ErrorIs(t, Install(context.Background(), nil, InstallParams{CurrentDatabase: "p"}, nil), ErrInvalidConfig)
}
