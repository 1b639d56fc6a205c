package db

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle/store"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/utils"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	PostgresDriver = "postgres"
	SqliteDriver   = "sqlite3"
)

var schemas = map[string]string{
	PostgresDriver: `
	CREATE TABLE IF NOT EXISTS export_store (
		id SERIAL PRIMARY KEY,
		runId TEXT NOT NULL,
		line INTEGER NOT NULL,
		commonName TEXT NOT NULL,
		status TEXT NOT NULL,
		failureKind TEXT NOT NULL,
		failureMsg TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		createdAt TIMESTAMP NOT NULL
	);`,
	SqliteDriver: `
	CREATE TABLE IF NOT EXISTS export_store (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		runId TEXT NOT NULL,
		line INTEGER NOT NULL,
		commonName TEXT NOT NULL,
		status TEXT NOT NULL,
		failureKind TEXT NOT NULL,
		failureMsg TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		createdAt TIMESTAMP NOT NULL
	);`,
}

var ErrUnsupportedDriver = errors.New("unsupported ledger driver")

type DB struct {
	*sql.DB
	logger log.Logger
}

// NewDB opens the ledger, waits for the database to accept queries and makes
// sure the export table exists.
func NewDB(driverName string, dataSourceName string, logger log.Logger) (store.DB, error) {
	schema, ok := schemas[driverName]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedDriver, "%q", driverName)
	}
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == SqliteDriver {
		// Every connection to an in-memory database is a different database.
		db.SetMaxOpenConns(1)
	}

	err = checkDBAlive(db)
	for retries := 0; err != nil; retries++ {
		if retries >= maxRetries {
			db.Close()
			return nil, errors.Wrap(err, "ledger database is not reachable")
		}
		level.Warn(logger).Log("msg", "Trying to connect to export ledger DB")
		time.Sleep(retryInterval)
		err = checkDBAlive(db)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not create export ledger table")
	}

	return &DB{db, logger}, nil
}

const (
	maxRetries    = 5
	retryInterval = 5 * time.Second
)

func checkDBAlive(db *sql.DB) error {
	sqlStatement := `
	SELECT 1 WHERE 1=0`
	rows, err := db.Query(sqlStatement)
	if err != nil {
		return err
	}
	return rows.Close()
}

func (db *DB) Insert(ctx context.Context, r bundle.Record) (int, error) {
	logger := utils.LoggerFromContext(ctx, db.logger)
	span, ctx := opentracing.StartSpanFromContext(ctx, "lamassu-dms-keystore-exporter: insert export result for "+r.CommonName+" in database")
	defer span.Finish()

	sqlStatement := `
	INSERT INTO export_store(runId, line, commonName, status, failureKind, failureMsg, fingerprint, createdAt)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id;
	`
	id := 0
	err := db.QueryRowContext(ctx, sqlStatement, r.RunID, r.Line, r.CommonName, r.Status, r.FailureKind, r.FailureMsg, r.Fingerprint, r.CreatedAt.UTC()).Scan(&id)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not insert export result for line "+strconv.Itoa(r.Line)+" of run "+r.RunID+" in database")
		return -1, err
	}
	level.Debug(logger).Log("msg", "Export result with ID "+strconv.Itoa(id)+" inserted in database")
	return id, nil
}

func (db *DB) SelectAll(ctx context.Context) ([]bundle.Record, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "lamassu-dms-keystore-exporter: obtain export results from database")
	defer span.Finish()

	sqlStatement := `
	SELECT id, runId, line, commonName, status, failureKind, failureMsg, fingerprint, createdAt
	FROM export_store
	ORDER BY id;
	`
	return db.query(ctx, sqlStatement)
}

func (db *DB) SelectByRunID(ctx context.Context, runID string) ([]bundle.Record, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "lamassu-dms-keystore-exporter: obtain export results of run "+runID+" from database")
	defer span.Finish()

	sqlStatement := `
	SELECT id, runId, line, commonName, status, failureKind, failureMsg, fingerprint, createdAt
	FROM export_store
	WHERE runId = $1
	ORDER BY line;
	`
	return db.query(ctx, sqlStatement, runID)
}

func (db *DB) query(ctx context.Context, sqlStatement string, args ...interface{}) ([]bundle.Record, error) {
	logger := utils.LoggerFromContext(ctx, db.logger)
	rows, err := db.QueryContext(ctx, sqlStatement, args...)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not obtain export results from database")
		return []bundle.Record{}, err
	}
	defer rows.Close()

	records := make([]bundle.Record, 0)
	for rows.Next() {
		var r bundle.Record
		err := rows.Scan(&r.Id, &r.RunID, &r.Line, &r.CommonName, &r.Status, &r.FailureKind, &r.FailureMsg, &r.Fingerprint, &r.CreatedAt)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Unable to read database export result row")
			return []bundle.Record{}, err
		}
		records = append(records, r)
	}
	if err = rows.Err(); err != nil {
		level.Error(logger).Log("err", err)
		return []bundle.Record{}, err
	}
	level.Debug(logger).Log("msg", strconv.Itoa(len(records))+" export results read from database")
	return records, nil
}
