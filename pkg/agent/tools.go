package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Toolbox executes data dictionary tools against a SQLite database.
// Only tables on the allowlist are reachable; everything else is
// rejected before any SQL runs.
type Toolbox struct {
	db     *sql.DB
	tables []string
}

// NewToolbox opens the database read-only. An empty path yields a
// catalog-only toolbox that can list the allowlist but not inspect it.
func NewToolbox(dbPath string, tables []string) (*Toolbox, error) {
	tb := &Toolbox{tables: tables}

	if dbPath != "" {
		db, err := sql.Open("sqlite3", dbPath+"?mode=ro")
		if err != nil {
			return nil, fmt.Errorf("failed to open data database: %w", err)
		}
		tb.db = db
	}
	return tb, nil
}

// Close releases the database handle
func (tb *Toolbox) Close() error {
	if tb.db != nil {
		return tb.db.Close()
	}
	return nil
}

// Definitions returns the tool schemas offered to the model
func (tb *Toolbox) Definitions() []ToolDefinition {
	tableParam := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"table": map[string]interface{}{
				"type":        "string",
				"description": "Name of the table to inspect",
			},
		},
		"required": []string{"table"},
	}

	return []ToolDefinition{
		{
			Name:        "list_tables",
			Description: "List the tables available for inspection",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "describe_table",
			Description: "Describe the columns of a table, including types and nullability",
			InputSchema: tableParam,
		},
		{
			Name:        "count_rows",
			Description: "Count the rows in a table",
			InputSchema: tableParam,
		},
	}
}

// Execute runs one tool call and returns its result as text
func (tb *Toolbox) Execute(ctx context.Context, call ToolCall) (string, error) {
	switch call.Name {
	case "list_tables":
		return tb.listTables()
	case "describe_table":
		table, err := tb.tableArg(call)
		if err != nil {
			return "", err
		}
		return tb.describeTable(ctx, table)
	case "count_rows":
		table, err := tb.tableArg(call)
		if err != nil {
			return "", err
		}
		return tb.countRows(ctx, table)
	default:
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}
}

func (tb *Toolbox) tableArg(call ToolCall) (string, error) {
	raw, ok := call.Parameters["table"]
	if !ok {
		return "", fmt.Errorf("%s requires a table argument", call.Name)
	}
	table, ok := raw.(string)
	if !ok || table == "" {
		return "", fmt.Errorf("table argument must be a non-empty string")
	}
	if !tb.allowed(table) {
		return "", fmt.Errorf("table %q is not on the allowlist", table)
	}
	return table, nil
}

func (tb *Toolbox) allowed(table string) bool {
	for _, t := range tb.tables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

func (tb *Toolbox) listTables() (string, error) {
	data, err := json.Marshal(map[string]interface{}{"tables": tb.tables})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (tb *Toolbox) describeTable(ctx context.Context, table string) (string, error) {
	if tb.db == nil {
		return "", fmt.Errorf("no data database configured")
	}

	// The table name passed the allowlist, so interpolation is safe;
	// PRAGMA does not accept bind parameters.
	rows, err := tb.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return "", fmt.Errorf("failed to describe %s: %w", table, err)
	}
	defer rows.Close()

	type column struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Nullable bool   `json:"nullable"`
		Primary  bool   `json:"primary_key"`
	}

	var columns []column
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, ctype      string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return "", err
		}
		columns = append(columns, column{
			Name:     name,
			Type:     ctype,
			Nullable: notNull == 0,
			Primary:  pk > 0,
		})
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("table %q does not exist", table)
	}

	data, err := json.Marshal(map[string]interface{}{"table": table, "columns": columns})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (tb *Toolbox) countRows(ctx context.Context, table string) (string, error) {
	if tb.db == nil {
		return "", fmt.Errorf("no data database configured")
	}

	var count int64
	if err := tb.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %q", table)).Scan(&count); err != nil {
		return "", fmt.Errorf("failed to count rows in %s: %w", table, err)
	}

	data, err := json.Marshal(map[string]interface{}{"table": table, "rows": count})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
