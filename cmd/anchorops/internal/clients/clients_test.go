// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clients

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
)

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newMySQL(rt infra.Runtime, addr string) *MySQLClient {
	return NewMySQLClient(MySQLConfig{
		Addr:        addr,
		Admin:       Credentials{Username: "root", Password: "r00t-Secret"},
		DialTimeout: time.Second,
	}, rt, nil)
}

func TestMySQLClient_DSN(t *testing.T) {
	c := newMySQL(nil, "db.internal:3306")
	dsn := c.DSN(Credentials{Username: "app", Password: "p@ss:word/x", Database: "anchor"})

	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "app", parsed.User)
	assert.Equal(t, "p@ss:word/x", parsed.Passwd)
	assert.Equal(t, "db.internal:3306", parsed.Addr)
	assert.Equal(t, "anchor", parsed.DBName)
	assert.True(t, parsed.InterpolateParams)
}

func TestMySQLClient_ProvisionRejectsUnsafeIdentifiers(t *testing.T) {
	c := newMySQL(nil, closedAddr(t))
	for _, creds := range []Credentials{
		{Username: "app'; DROP", Password: "x", Database: "anchor"},
		{Username: "app", Password: "x", Database: "anchor`db"},
		{Username: "", Password: "x", Database: "anchor"},
		{Username: "app", Password: "", Database: "anchor"},
	} {
		err := c.Provision(context.Background(), creds)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, "%+v", creds)
	}
}

func TestMySQLClient_PingRefused(t *testing.T) {
	c := newMySQL(nil, closedAddr(t))
	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)

	ok, err := c.CanAuthenticate(context.Background(), Credentials{Username: "app", Password: "x"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestMySQLClient_RotateAdminPassword(t *testing.T) {
	c := newMySQL(nil, closedAddr(t))
	assert.ErrorIs(t, c.RotateAdminPassword(context.Background(), ""), ErrInvalidIdentifier)
	assert.ErrorIs(t, c.RotateAdminPassword(context.Background(), "N3w-root-password"), ErrUnreachable)
}

func TestClassifyDBError(t *testing.T) {
	denied := &mysql.MySQLError{Number: 1045, Message: "Access denied for user 'app'@'%'"}
	assert.ErrorIs(t, classifyDBError("db:3306", denied), ErrAuthFailed)
	assert.ErrorIs(t, classifyDBError("db:3306", context.DeadlineExceeded), ErrTimeout)

	other := &mysql.MySQLError{Number: 1064, Message: "syntax"}
	assert.Equal(t, other, classifyDBError("db:3306", other))
}

func TestMySQLClient_DumpStreamsThroughRuntime(t *testing.T) {
	rt := infra.NewMockRuntime(infra.ServiceDatabase)
	var gotOpts infra.ExecOptions
	rt.ExecFunc = func(ctx context.Context, opts infra.ExecOptions) (*infra.ExecResult, error) {
		gotOpts = opts
		_, _ = io.WriteString(opts.Stdout, "CREATE TABLE users (id INT);\n")
		return &infra.ExecResult{}, nil
	}

	var buf bytes.Buffer
	n, err := newMySQL(rt, "db:3306").Dump(context.Background(), "anchor", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, infra.ServiceDatabase, gotOpts.Service)
	assert.Equal(t, "mysqldump", gotOpts.Command[0])
	assert.Equal(t, "anchor", gotOpts.Command[len(gotOpts.Command)-1])
	assert.Equal(t, "r00t-Secret", gotOpts.Env["MYSQL_PWD"])
	assert.NotContains(t, strings.Join(gotOpts.Command, " "), "r00t-Secret")
}

func TestMySQLClient_DumpFailures(t *testing.T) {
	t.Run("empty output", func(t *testing.T) {
		rt := infra.NewMockRuntime(infra.ServiceDatabase)
		_, err := newMySQL(rt, "db:3306").Dump(context.Background(), "anchor", io.Discard)
		assert.ErrorIs(t, err, ErrDumpEmpty)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		rt := infra.NewMockRuntime(infra.ServiceDatabase)
		rt.ExecFunc = func(ctx context.Context, opts infra.ExecOptions) (*infra.ExecResult, error) {
			return &infra.ExecResult{ExitCode: 2, Stderr: "Got error: 1049: Unknown database"}, nil
		}
		_, err := newMySQL(rt, "db:3306").Dump(context.Background(), "anchor", io.Discard)
		var cmdErr *infra.CommandError
		require.True(t, errors.As(err, &cmdErr))
		assert.Equal(t, 2, cmdErr.ExitCode)
	})

	t.Run("bad name", func(t *testing.T) {
		_, err := newMySQL(infra.NewMockRuntime(), "db:3306").Dump(context.Background(), "a b", io.Discard)
		assert.ErrorIs(t, err, ErrInvalidIdentifier)
	})
}

func TestMySQLClient_RestoreFeedsStdin(t *testing.T) {
	rt := infra.NewMockRuntime(infra.ServiceDatabase)
	var fed string
	rt.ExecFunc = func(ctx context.Context, opts infra.ExecOptions) (*infra.ExecResult, error) {
		b, _ := io.ReadAll(opts.Stdin)
		fed = string(b)
		return &infra.ExecResult{}, nil
	}
	err := newMySQL(rt, "db:3306").Restore(context.Background(), "anchor", strings.NewReader("INSERT 1;"))
	require.NoError(t, err)
	assert.Equal(t, "INSERT 1;", fed)
}

func TestRedisClient_PingRefused(t *testing.T) {
	c := NewRedisClient(RedisConfig{Addr: closedAddr(t), DialTimeout: time.Second}, nil)
	defer c.Close()
	assert.ErrorIs(t, c.Ping(context.Background()), ErrUnreachable)
}

func TestClassifyCacheError(t *testing.T) {
	assert.ErrorIs(t, classifyCacheError("cache:6379", errors.New("NOAUTH Authentication required.")), ErrAuthFailed)
	assert.ErrorIs(t, classifyCacheError("cache:6379", errors.New("WRONGPASS invalid username-password pair")), ErrAuthFailed)
	assert.ErrorIs(t, classifyCacheError("cache:6379", context.DeadlineExceeded), ErrTimeout)
}
