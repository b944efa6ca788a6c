package process

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	// Drivers for connections opened from a URL. Other engines must be
	// injected as opened pools.
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const defaultMaxRows = 1000

// dbOpenMu serializes lazy pool opening across parallel branches.
var dbOpenMu sync.Mutex

// databaseQueryExecutor runs a query or statement against a named
// connection from the dependency bundle.
//
// Config:
//
//	connection  connection name (required)
//	query       SQL text template (required)
//	params      positional parameters, interpolated
//	mode        "query" or "exec"; default inferred from the SQL verb
//	max_rows    row cap for queries, default 1000
type databaseQueryExecutor struct {
	deps *Dependencies
}

func (x *databaseQueryExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "connection", "") == "" {
		return NewValidationError("MISSING_CONFIG", "database node %s needs a connection name", node.ID)
	}
	if configString(node.Config, "query", "") == "" {
		return NewValidationError("MISSING_CONFIG", "database node %s needs a query", node.ID)
	}
	return nil
}

func (x *databaseQueryExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	name := configString(node.Config, "connection", "")
	db, err := x.pool(name)
	if err != nil {
		return Failure(err)
	}

	query, ierr := st.InterpolateString(configString(node.Config, "query", ""))
	if ierr != nil {
		return Failure(ierr)
	}
	var params []interface{}
	for _, raw := range configSlice(node.Config, "params") {
		v, perr := st.InterpolateValue(raw)
		if perr != nil {
			return Failure(perr)
		}
		params = append(params, v)
	}

	mode := configString(node.Config, "mode", "")
	if mode == "" {
		verb := strings.ToUpper(firstWord(query))
		if verb == "SELECT" || verb == "WITH" || verb == "SHOW" || verb == "PRAGMA" {
			mode = "query"
		} else {
			mode = "exec"
		}
	}

	switch mode {
	case "query":
		return x.runQuery(ctx, db, query, params, configInt(node.Config, "max_rows", defaultMaxRows))
	case "exec":
		result, execErr := db.ExecContext(ctx, query, params...)
		if execErr != nil {
			return Failure(wrapError(CategoryExternal, "DB_QUERY_FAILED", execErr,
				"statement failed: %v", execErr).Retryable())
		}
		affected, _ := result.RowsAffected()
		return Success(map[string]interface{}{"rows_affected": affected})
	default:
		return Failure(NewValidationError("INVALID_CONFIG", "database node %s has unknown mode %q", node.ID, mode))
	}
}

func (x *databaseQueryExecutor) runQuery(ctx context.Context, db *sql.DB, query string, params []interface{}, maxRows int) *NodeResult {
	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return Failure(wrapError(CategoryExternal, "DB_QUERY_FAILED", err, "query failed: %v", err).Retryable())
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Failure(wrapError(CategoryExternal, "DB_QUERY_FAILED", err, "failed to read columns: %v", err))
	}

	var out []map[string]interface{}
	truncated := false
	for rows.Next() {
		if len(out) >= maxRows {
			truncated = true
			break
		}
		values := make([]interface{}, len(columns))
		scan := make([]interface{}, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return Failure(wrapError(CategoryExternal, "DB_QUERY_FAILED", err, "failed to scan row: %v", err))
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeDBValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return Failure(wrapError(CategoryExternal, "DB_QUERY_FAILED", err, "row iteration failed: %v", err))
	}

	return Success(map[string]interface{}{
		"rows":      out,
		"count":     len(out),
		"truncated": truncated,
	})
}

// pool resolves the named connection, opening a URL-configured pool on
// first use for the natively supported engines.
func (x *databaseQueryExecutor) pool(name string) (*sql.DB, *ExecutionError) {
	dbOpenMu.Lock()
	defer dbOpenMu.Unlock()

	conn, ok := x.deps.Databases[name]
	if !ok {
		return nil, NewConfigurationError("CONNECTION_NOT_FOUND", "database connection %s is not configured", name)
	}
	if conn.DB != nil {
		return conn.DB, nil
	}

	var driver string
	switch conn.Type {
	case "mysql":
		driver = "mysql"
	case "sqlite":
		driver = "sqlite"
	default:
		return nil, NewConfigurationError("UNSUPPORTED_STORAGE",
			"database engine %q needs an injected connection pool", conn.Type)
	}
	db, err := sql.Open(driver, conn.URL)
	if err != nil {
		return nil, wrapError(CategoryConnection, "DB_OPEN_FAILED", err, "failed to open %s connection %s: %v", conn.Type, name, err)
	}
	conn.DB = db
	x.deps.Databases[name] = conn
	return db, nil
}

func firstWord(s string) string {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// normalizeDBValue turns driver-specific scan results into JSON-friendly
// values.
func normalizeDBValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return v
	}
}
