// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clients provides typed clients for the stack's database and cache.
//
// Connection-level checks go over the network with the real drivers so a
// timeout, a refused connection and an authentication failure come back as
// different errors. Dumps and restores stream through infra.Runtime so they
// work the same against a container and a host install.
package clients

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrUnreachable is returned when the server refused or dropped the
	// connection.
	ErrUnreachable = errors.New("service unreachable")

	// ErrTimeout is returned when the server did not answer in time.
	ErrTimeout = errors.New("service did not answer in time")

	// ErrAuthFailed is returned when the server rejected the credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrInvalidIdentifier is returned for database or user names that
	// cannot be used safely in DDL.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrDumpEmpty is returned when a dump produced no output.
	ErrDumpEmpty = errors.New("dump produced no data")
)

// mysqlAccessDenied is ER_ACCESS_DENIED_ERROR.
const mysqlAccessDenied = 1045

var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// Credentials are a database user and the database it owns.
type Credentials struct {
	Username string
	Password string
	Database string
}

// =============================================================================
// Interface Definition
// =============================================================================

// DatabaseClient talks to the relational database.
type DatabaseClient interface {
	// Ping checks the server answers with the admin credentials.
	Ping(ctx context.Context) error

	// CanAuthenticate reports whether app credentials open their database.
	// A rejected login is (false, nil); transport failures are errors.
	CanAuthenticate(ctx context.Context, app Credentials) (bool, error)

	// Provision creates the database and user if missing and sets the
	// user's password and grants. Safe to re-run.
	Provision(ctx context.Context, app Credentials) error

	// RotateAdminPassword changes the admin account's own password.
	RotateAdminPassword(ctx context.Context, password string) error

	// Dump streams a logical dump of database to w and returns its size.
	Dump(ctx context.Context, database string, w io.Writer) (int64, error)

	// Restore replays a logical dump from r into database.
	Restore(ctx context.Context, database string, r io.Reader) error
}

// =============================================================================
// MySQL Implementation
// =============================================================================

// MySQLConfig configures a MySQLClient.
type MySQLConfig struct {
	// Addr is host:port as seen from anchorops.
	Addr string

	// Admin is the privileged account used for provisioning and dumps.
	Admin Credentials

	// DialTimeout bounds each connection attempt. Default: 5s
	DialTimeout time.Duration
}

// MySQLClient implements DatabaseClient for MySQL and MariaDB.
type MySQLClient struct {
	cfg    MySQLConfig
	rt     infra.Runtime
	open   func(dsn string) (*sql.DB, error)
	logger *slog.Logger
}

// NewMySQLClient creates a client. rt runs mysqldump and mysql in the
// database service.
func NewMySQLClient(cfg MySQLConfig, rt infra.Runtime, logger *slog.Logger) *MySQLClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MySQLClient{
		cfg:    cfg,
		rt:     rt,
		open:   func(dsn string) (*sql.DB, error) { return sql.Open("mysql", dsn) },
		logger: logger,
	}
}

// DSN builds the driver DSN for creds.
func (c *MySQLClient) DSN(creds Credentials) string {
	mc := mysql.NewConfig()
	mc.User = creds.Username
	mc.Passwd = creds.Password
	mc.Net = "tcp"
	mc.Addr = c.cfg.Addr
	mc.DBName = creds.Database
	mc.Timeout = c.cfg.DialTimeout
	mc.ReadTimeout = 30 * time.Second
	mc.WriteTimeout = 30 * time.Second
	// Passwords in CREATE/ALTER USER cannot be server-side placeholders.
	mc.InterpolateParams = true
	return mc.FormatDSN()
}

func (c *MySQLClient) connect(ctx context.Context, creds Credentials) (*sql.DB, error) {
	db, err := c.open(c.DSN(creds))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classifyDBError(c.cfg.Addr, err)
	}
	return db, nil
}

// Ping implements DatabaseClient.
func (c *MySQLClient) Ping(ctx context.Context) error {
	admin := c.cfg.Admin
	admin.Database = ""
	db, err := c.connect(ctx, admin)
	if err != nil {
		return err
	}
	return db.Close()
}

// CanAuthenticate implements DatabaseClient.
func (c *MySQLClient) CanAuthenticate(ctx context.Context, app Credentials) (bool, error) {
	db, err := c.connect(ctx, app)
	if errors.Is(err, ErrAuthFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, db.Close()
}

// Provision implements DatabaseClient.
//
// # Description
//
// Runs, as the admin account:
//
//	CREATE DATABASE IF NOT EXISTS `db` CHARACTER SET utf8mb4
//	CREATE USER IF NOT EXISTS 'user'@'%' IDENTIFIED BY ?
//	ALTER USER 'user'@'%' IDENTIFIED BY ?
//	GRANT ALL PRIVILEGES ON `db`.* TO 'user'@'%'
//	FLUSH PRIVILEGES
//
// The ALTER makes a re-run converge on the current password.
func (c *MySQLClient) Provision(ctx context.Context, app Credentials) error {
	for _, id := range []string{app.Username, app.Database} {
		if !identifierRegex.MatchString(id) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
		}
	}
	if app.Password == "" {
		return fmt.Errorf("%w: empty password for %s", ErrInvalidIdentifier, app.Username)
	}

	admin := c.cfg.Admin
	admin.Database = ""
	db, err := c.connect(ctx, admin)
	if err != nil {
		return err
	}
	defer db.Close()

	account := fmt.Sprintf("'%s'@'%%'", app.Username)
	stmts := []struct {
		query string
		args  []any
	}{
		{fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", app.Database), nil},
		{"CREATE USER IF NOT EXISTS " + account + " IDENTIFIED BY ?", []any{app.Password}},
		{"ALTER USER " + account + " IDENTIFIED BY ?", []any{app.Password}},
		{fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO %s", app.Database, account), nil},
		{"FLUSH PRIVILEGES", nil},
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("provisioning %s: %w", app.Database, classifyDBError(c.cfg.Addr, err))
		}
	}
	c.logger.Info("database provisioned", "database", app.Database, "user", app.Username)
	return nil
}

// RotateAdminPassword implements DatabaseClient. It alters CURRENT_USER(),
// the account this connection matched, so no host part is guessed.
func (c *MySQLClient) RotateAdminPassword(ctx context.Context, password string) error {
	if password == "" {
		return fmt.Errorf("%w: empty admin password", ErrInvalidIdentifier)
	}
	admin := c.cfg.Admin
	admin.Database = ""
	db, err := c.connect(ctx, admin)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "ALTER USER CURRENT_USER() IDENTIFIED BY ?", password); err != nil {
		return fmt.Errorf("rotating %s password: %w", admin.Username, classifyDBError(c.cfg.Addr, err))
	}
	c.logger.Info("admin password rotated", "user", admin.Username)
	return nil
}

// Dump implements DatabaseClient.
func (c *MySQLClient) Dump(ctx context.Context, database string, w io.Writer) (int64, error) {
	if !identifierRegex.MatchString(database) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIdentifier, database)
	}
	cw := &countingWriter{w: w}
	_, err := infra.ExecChecked(ctx, c.rt, infra.ExecOptions{
		Service: infra.ServiceDatabase,
		Command: []string{
			"mysqldump", "--single-transaction", "--routines", "--triggers",
			"--no-tablespaces", "-u", c.cfg.Admin.Username, database,
		},
		Env:    map[string]string{"MYSQL_PWD": c.cfg.Admin.Password},
		Stdout: cw,
	})
	if err != nil {
		return cw.n, fmt.Errorf("mysqldump %s: %w", database, err)
	}
	if cw.n == 0 {
		return 0, ErrDumpEmpty
	}
	return cw.n, nil
}

// Restore implements DatabaseClient.
func (c *MySQLClient) Restore(ctx context.Context, database string, r io.Reader) error {
	if !identifierRegex.MatchString(database) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, database)
	}
	_, err := infra.ExecChecked(ctx, c.rt, infra.ExecOptions{
		Service: infra.ServiceDatabase,
		Command: []string{"mysql", "-u", c.cfg.Admin.Username, database},
		Env:     map[string]string{"MYSQL_PWD": c.cfg.Admin.Password},
		Stdin:   r,
	})
	if err != nil {
		return fmt.Errorf("restoring %s: %w", database, err)
	}
	return nil
}

// classifyDBError maps driver errors onto the package sentinels.
func classifyDBError(addr string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if myErr.Number == mysqlAccessDenied {
			return fmt.Errorf("%w: %s", ErrAuthFailed, myErr.Message)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, addr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, addr, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, mysql.ErrInvalidConn) {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockDatabaseClient is a test double for DatabaseClient.
type MockDatabaseClient struct {
	PingFunc            func(ctx context.Context) error
	CanAuthenticateFunc func(ctx context.Context, app Credentials) (bool, error)
	ProvisionFunc       func(ctx context.Context, app Credentials) error
	RotateFunc          func(ctx context.Context, password string) error
	DumpFunc            func(ctx context.Context, database string, w io.Writer) (int64, error)
	RestoreFunc         func(ctx context.Context, database string, r io.Reader) error

	Calls []string
}

// Ping implements DatabaseClient.
func (m *MockDatabaseClient) Ping(ctx context.Context) error {
	m.Calls = append(m.Calls, "Ping")
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// CanAuthenticate implements DatabaseClient.
func (m *MockDatabaseClient) CanAuthenticate(ctx context.Context, app Credentials) (bool, error) {
	m.Calls = append(m.Calls, "CanAuthenticate")
	if m.CanAuthenticateFunc != nil {
		return m.CanAuthenticateFunc(ctx, app)
	}
	return true, nil
}

// Provision implements DatabaseClient.
func (m *MockDatabaseClient) Provision(ctx context.Context, app Credentials) error {
	m.Calls = append(m.Calls, "Provision")
	if m.ProvisionFunc != nil {
		return m.ProvisionFunc(ctx, app)
	}
	return nil
}

// RotateAdminPassword implements DatabaseClient.
func (m *MockDatabaseClient) RotateAdminPassword(ctx context.Context, password string) error {
	m.Calls = append(m.Calls, "RotateAdminPassword")
	if m.RotateFunc != nil {
		return m.RotateFunc(ctx, password)
	}
	return nil
}

// Dump implements DatabaseClient. The default writes a small valid dump.
func (m *MockDatabaseClient) Dump(ctx context.Context, database string, w io.Writer) (int64, error) {
	m.Calls = append(m.Calls, "Dump")
	if m.DumpFunc != nil {
		return m.DumpFunc(ctx, database, w)
	}
	n, err := io.WriteString(w, "-- dump of "+database+"\nCREATE TABLE t (id INT);\n")
	return int64(n), err
}

// Restore implements DatabaseClient. The default drains r.
func (m *MockDatabaseClient) Restore(ctx context.Context, database string, r io.Reader) error {
	m.Calls = append(m.Calls, "Restore")
	if m.RestoreFunc != nil {
		return m.RestoreFunc(ctx, database, r)
	}
	_, err := io.Copy(io.Discard, r)
	return err
}

// Compile-time interface checks
var (
	_ DatabaseClient = (*MySQLClient)(nil)
	_ DatabaseClient = (*MockDatabaseClient)(nil)
)
