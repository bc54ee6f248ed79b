package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestToolbox(t *testing.T) *Toolbox {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL, name TEXT);
		CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER NOT NULL);
		INSERT INTO users (email, name) VALUES ('a@example.com', 'a'), ('b@example.com', 'b');`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	tb, err := NewToolbox(path, []string{"users", "orders"})
	require.NoError(t, err)
	t.Cleanup(func() { tb.Close() })
	return tb
}

func TestToolbox_Definitions(t *testing.T) {
	tb := setupTestToolbox(t)

	defs := tb.Definitions()
	require.Len(t, defs, 3)

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
		assert.NotEmpty(t, d.Description)
		assert.NotNil(t, d.InputSchema)
	}
	assert.Equal(t, []string{"list_tables", "describe_table", "count_rows"}, names)
}

func TestToolbox_ListTables(t *testing.T) {
	tb := setupTestToolbox(t)

	out, err := tb.Execute(context.Background(), ToolCall{Name: "list_tables"})
	require.NoError(t, err)

	var result struct {
		Tables []string `json:"tables"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, []string{"users", "orders"}, result.Tables)
}

func TestToolbox_DescribeTable(t *testing.T) {
	tb := setupTestToolbox(t)

	out, err := tb.Execute(context.Background(), ToolCall{
		Name:       "describe_table",
		Parameters: map[string]interface{}{"table": "users"},
	})
	require.NoError(t, err)

	var result struct {
		Table   string `json:"table"`
		Columns []struct {
			Name     string `json:"name"`
			Type     string `json:"type"`
			Nullable bool   `json:"nullable"`
			Primary  bool   `json:"primary_key"`
		} `json:"columns"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "users", result.Table)
	require.Len(t, result.Columns, 3)
	assert.Equal(t, "id", result.Columns[0].Name)
	assert.True(t, result.Columns[0].Primary)
	assert.False(t, result.Columns[1].Nullable)
	assert.True(t, result.Columns[2].Nullable)
}

func TestToolbox_CountRows(t *testing.T) {
	tb := setupTestToolbox(t)

	out, err := tb.Execute(context.Background(), ToolCall{
		Name:       "count_rows",
		Parameters: map[string]interface{}{"table": "users"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, `"rows":2`)
}

func TestToolbox_Allowlist(t *testing.T) {
	tb := setupTestToolbox(t)

	_, err := tb.Execute(context.Background(), ToolCall{
		Name:       "describe_table",
		Parameters: map[string]interface{}{"table": "sqlite_master"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowlist")
}

func TestToolbox_ArgumentValidation(t *testing.T) {
	tb := setupTestToolbox(t)
	ctx := context.Background()

	_, err := tb.Execute(ctx, ToolCall{Name: "describe_table"})
	assert.Error(t, err)

	_, err = tb.Execute(ctx, ToolCall{Name: "describe_table", Parameters: map[string]interface{}{"table": 7}})
	assert.Error(t, err)

	_, err = tb.Execute(ctx, ToolCall{Name: "drop_table", Parameters: map[string]interface{}{"table": "users"}})
	assert.Error(t, err)
}

func TestToolbox_CatalogOnly(t *testing.T) {
	tb, err := NewToolbox("", []string{"users"})
	require.NoError(t, err)
	defer tb.Close()
	ctx := context.Background()

	out, err := tb.Execute(ctx, ToolCall{Name: "list_tables"})
	require.NoError(t, err)
	assert.Contains(t, out, "users")

	_, err = tb.Execute(ctx, ToolCall{
		Name:       "describe_table",
		Parameters: map[string]interface{}{"table": "users"},
	})
	assert.Error(t, err)
}
