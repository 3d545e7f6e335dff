package dberror_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/dberror"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want dberror.Class
	}{
		{name: "nil", err: nil, want: dberror.ClassNone},
		{name: "undefined table", err: &pgconn.PgError{Code: "42P01", Message: `relation "xyz_h" does not exist`}, want: dberror.ClassQuery},
		{name: "undefined column", err: &pgconn.PgError{Code: "42703"}, want: dberror.ClassQuery},
		{name: "syntax error", err: &pgconn.PgError{Code: "42601"}, want: dberror.ClassQuery},
		{name: "invalid datetime", err: &pgconn.PgError{Code: "22007"}, want: dberror.ClassQuery},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: dberror.ClassTransient},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, want: dberror.ClassTransient},
		{name: "wrapped pg error", err: fmt.Errorf("failed to query: %w", &pgconn.PgError{Code: "42P01"}), want: dberror.ClassQuery},
		{name: "eof", err: io.EOF, want: dberror.ClassTransient},
		{name: "unexpected eof", err: fmt.Errorf("read: %w", io.ErrUnexpectedEOF), want: dberror.ClassTransient},
		{name: "closed network conn", err: &net.OpError{Op: "read", Net: "tcp", Err: net.ErrClosed}, want: dberror.ClassTransient},
		{name: "connection reset", err: fmt.Errorf("write: %w", syscall.ECONNRESET), want: dberror.ClassTransient},
		{name: "deadline", err: context.DeadlineExceeded, want: dberror.ClassTransient},
		{name: "pgx conn closed", err: errors.New("conn closed"), want: dberror.ClassTransient},
		{name: "ssh failure", err: errors.New("ssh: rejected: connect failed"), want: dberror.ClassTransient},
		{name: "encode failure", err: errors.New("failed to encode args[0]: unable to encode"), want: dberror.ClassQuery},
		{name: "unknown", err: errors.New("something odd"), want: dberror.ClassTransient},
		{name: "already classified", err: &dberror.Error{Class: dberror.ClassQuery, Err: io.EOF}, want: dberror.ClassQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, dberror.Classify(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()

	require.NoError(t, dberror.Wrap(nil))

	err := dberror.Wrap(&pgconn.PgError{Code: "42703"})
	require.ErrorIs(t, err, dberror.ErrQuery)
	require.NotErrorIs(t, err, dberror.ErrTransient)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "42703", pgErr.Code)

	err = dberror.Wrap(io.EOF)
	require.ErrorIs(t, err, dberror.ErrTransient)
	require.ErrorIs(t, err, io.EOF)

	again := dberror.Wrap(err)
	assert.Same(t, err, again)
}

func TestOutcomeOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, dberror.OutcomeOK, dberror.OutcomeOf(3, nil))
	assert.Equal(t, dberror.OutcomeEmpty, dberror.OutcomeOf(0, nil))
	assert.Equal(t, dberror.OutcomeTransient, dberror.OutcomeOf(0, io.EOF))
	assert.Equal(t, dberror.OutcomeQueryError, dberror.OutcomeOf(0, &pgconn.PgError{Code: "42P01"}))
	assert.Equal(t, "empty", dberror.OutcomeEmpty.String())
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	assert.Empty(t, dberror.UserMessage(nil))
	assert.Contains(t, dberror.UserMessage(io.EOF), "Reconnect")
	assert.Contains(t, dberror.UserMessage(&pgconn.PgError{Code: "42P01"}), "query failed")
}
