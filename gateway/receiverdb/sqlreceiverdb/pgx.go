// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package sqlreceiverdb implements the gateway receiver database on top of
// PostgreSQL via pgx.
package sqlreceiverdb

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx"
	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/core/log"
	"github.com/tapgate/tapgate/gateway/receiverdb"
)

const (
	pgxTagReceiverGet   = "receiver_get"
	pgxTagReceiverStore = "receiver_store"
	pgxTagReceiverList  = "receiver_list"

	pgxSchemaVersion = 0
	minConns         = 5

	schema = `
CREATE TABLE IF NOT EXISTS tapgate_metadata (
	schema_version smallint NOT NULL
);
CREATE TABLE IF NOT EXISTS receivers (
	receiver_id text PRIMARY KEY,
	public_key  text NOT NULL,
	address     text,
	created_at  bigint NOT NULL,
	last_seen   bigint NOT NULL,
	is_active   boolean NOT NULL DEFAULT true,
	metadata    jsonb
);
INSERT INTO tapgate_metadata (schema_version)
	SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM tapgate_metadata);`

	selectColumns = `receiver_id, public_key, COALESCE(address, ''), created_at, last_seen, is_active, COALESCE(metadata::text, '')`
)

type pgxReceiverDB struct {
	log  *logging.Logger
	pool *pgx.ConnPool
}

// Log implements pgx.Logger.
func (p *pgxReceiverDB) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug, pgx.LogLevelTrace:
		p.log.Debug(mStr)
	case pgx.LogLevelInfo:
		p.log.Info(mStr)
	case pgx.LogLevelWarn:
		p.log.Warning(mStr)
	default:
		p.log.Error(mStr)
	}
}

func (p *pgxReceiverDB) initSchema() error {
	if _, err := p.pool.Exec(schema); err != nil {
		return fmt.Errorf("sql/pgx: failed to create schema: %v", err)
	}

	var schemaVersion int
	err := p.pool.QueryRow("SELECT schema_version FROM tapgate_metadata LIMIT 1;").Scan(&schemaVersion)
	switch {
	case err == pgx.ErrNoRows:
		return fmt.Errorf("sql/pgx: database missing metadata row?")
	case err != nil:
		return fmt.Errorf("sql/pgx: metadata query failed: %v", err)
	case schemaVersion != pgxSchemaVersion:
		return fmt.Errorf("sql/pgx: invalid schema version: %v", schemaVersion)
	}
	return nil
}

func (p *pgxReceiverDB) initStatements() error {
	stmts := []struct {
		tag, query string
	}{
		{pgxTagReceiverGet, "SELECT " + selectColumns + " FROM receivers WHERE receiver_id = $1;"},
		{pgxTagReceiverStore, `INSERT INTO receivers (receiver_id, public_key, address, created_at, last_seen, is_active, metadata)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7::text, '')::jsonb)
	ON CONFLICT (receiver_id) DO UPDATE SET
		public_key = EXCLUDED.public_key,
		address = EXCLUDED.address,
		last_seen = EXCLUDED.last_seen,
		is_active = EXCLUDED.is_active,
		metadata = EXCLUDED.metadata;`},
		{pgxTagReceiverList, "SELECT " + selectColumns + " FROM receivers ORDER BY receiver_id;"},
	}

	for _, v := range stmts {
		if _, err := p.pool.Prepare(v.tag, v.query); err != nil {
			p.log.Errorf("Failed to prepare statement %v -> %v: %v", v.tag, v.query, err)
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInfo(row scanner) (*receiverdb.ReceiverInfo, error) {
	info := new(receiverdb.ReceiverInfo)
	var metadata string
	if err := row.Scan(&info.ReceiverID, &info.PublicKey, &info.Address, &info.CreatedAt, &info.LastSeen, &info.IsActive, &metadata); err != nil {
		return nil, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &info.Metadata); err != nil {
			return nil, fmt.Errorf("sql/pgx: corrupted metadata for %q: %v", info.ReceiverID, err)
		}
	}
	return info, nil
}

func (p *pgxReceiverDB) Lookup(id string) (*receiverdb.ReceiverInfo, error) {
	if err := receiverdb.CheckReceiverID(id); err != nil {
		return nil, err
	}
	info, err := scanInfo(p.pool.QueryRow(pgxTagReceiverGet, id))
	if err != nil {
		if isPgNoDataFound(err) {
			return nil, receiverdb.ErrNoSuchReceiver
		}
		return nil, err
	}
	return info, nil
}

func (p *pgxReceiverDB) Store(info *receiverdb.ReceiverInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	var metadata string
	if len(info.Metadata) != 0 {
		b, err := json.Marshal(info.Metadata)
		if err != nil {
			return fmt.Errorf("sql/pgx: failed to encode metadata: %v", err)
		}
		metadata = string(b)
	}
	_, err := p.pool.Exec(pgxTagReceiverStore, info.ReceiverID, info.PublicKey, info.Address,
		info.CreatedAt, info.LastSeen, info.IsActive, metadata)
	return err
}

func (p *pgxReceiverDB) ForEach(fn func(*receiverdb.ReceiverInfo) error) error {
	rows, err := p.pool.Query(pgxTagReceiverList)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (p *pgxReceiverDB) Close() {
	p.pool.Close()
}

// New connects to the PostgreSQL database named by dataSourceName, creating
// the receivers table if needed.
func New(dataSourceName string, logBackend *log.Backend, logLevel string) (receiverdb.ReceiverDB, error) {
	p := &pgxReceiverDB{
		log: logBackend.GetLogger("receiverdb/pgx"),
	}

	connCfg, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return nil, err
	}
	connCfg.Logger = p
	connCfg.LogLevel = toPgxLogLevel(logLevel)
	poolCfg := pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: minConns,
	}

	isOk := false
	defer func() {
		if !isOk && p.pool != nil {
			p.pool.Close()
		}
	}()

	if p.pool, err = pgx.NewConnPool(poolCfg); err != nil {
		return nil, err
	}
	if err = p.initSchema(); err != nil {
		return nil, err
	}
	if err = p.initStatements(); err != nil {
		return nil, err
	}

	isOk = true
	return p, nil
}

func toPgxLogLevel(cfgLevel string) pgx.LogLevel {
	switch strings.ToUpper(cfgLevel) {
	case "ERROR":
		return pgx.LogLevelError
	case "DEBUG":
		return pgx.LogLevelDebug
	default:
		// pgx.LogLevelInfo logs query arguments, which include receiver
		// identities.
		return pgx.LogLevelWarn
	}
}

func isPgNoDataFound(err error) bool {
	return err == pgx.ErrNoRows
}
