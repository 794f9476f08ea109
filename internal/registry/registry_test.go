package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name: "DuplicateName",
			input: `
up:
  query: "SELECT 1 one"
  metrics:
    - one:
        usage: "GAUGE"
        description: "one"
up:
  query: "SELECT 2 two"
  metrics:
    - two:
        usage: "GAUGE"
        description: "two"
`,
			wantErr: "duplicate query name",
		},
		{
			name: "UnknownUsage",
			input: `
up:
  query: "SELECT 1 one"
  metrics:
    - one:
        usage: "HISTOGRAM"
        description: "one"
`,
			wantErr: "unknown usage",
		},
		{
			name: "MissingQuery",
			input: `
up:
  metrics:
    - one:
        usage: "GAUGE"
        description: "one"
`,
			wantErr: "missing query text",
		},
		{
			name: "MissingMetrics",
			input: `
up:
  query: "SELECT 1 one"
`,
			wantErr: "at least one metric mapping",
		},
		{
			name: "DuplicateColumn",
			input: `
up:
  query: "SELECT 1 one"
  metrics:
    - one:
        usage: "GAUGE"
        description: "one"
    - one:
        usage: "GAUGE"
        description: "again"
`,
			wantErr: "duplicate column",
		},
		{
			name: "MultiKeyMetricEntry",
			input: `
up:
  query: "SELECT 1 one, 2 two"
  metrics:
    - one:
        usage: "GAUGE"
        description: "one"
      two:
        usage: "GAUGE"
        description: "two"
`,
			wantErr: "single-key mappings",
		},
		{
			name: "UnknownDefinitionKey",
			input: `
up:
  query: "SELECT 1 one"
  interval: 60
  metrics:
    - one:
        usage: "GAUGE"
        description: "one"
`,
			wantErr: "unknown key",
		},
		{
			name:    "NotAMapping",
			input:   "- just\n- a\n- list\n",
			wantErr: "must be a mapping",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadPreservesOrder(t *testing.T) {
	input := `
zeta:
  query: "SELECT 1 v"
  metrics:
    - v:
        usage: "GAUGE"
        description: "v"
alpha:
  query: "SELECT 2 v"
  metrics:
    - v:
        usage: "GAUGE"
        description: "v"
mid:
  query: "SELECT 3 v"
  metrics:
    - v:
        usage: "GAUGE"
        description: "v"
`
	reg, err := Load(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, 3, reg.Len())

	var names []string
	for _, def := range reg.All() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
}

func TestShippedQueriesFile(t *testing.T) {
	reg, err := LoadFile("../../queries.yaml")
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Len())

	table, err := reg.Get("pg_table")
	require.NoError(t, err)
	require.Len(t, table.Metrics, 4)
	assert.Equal(t, "datname", table.Metrics[0].Column)
	assert.Equal(t, Label, table.Metrics[0].Usage)
	assert.Equal(t, "table_name", table.Metrics[1].Column)
	assert.Equal(t, Label, table.Metrics[1].Usage)
	assert.Equal(t, "row_estimate", table.Metrics[2].Column)
	assert.Equal(t, Gauge, table.Metrics[2].Usage)
	assert.Equal(t, "size_bytes", table.Metrics[3].Column)
	assert.Equal(t, Gauge, table.Metrics[3].Usage)

	stat, err := reg.Get("pg_stat")
	require.NoError(t, err)
	require.Len(t, stat.Metrics, 11)
	var counters []string
	for _, m := range stat.Metrics {
		if m.Usage == Counter {
			counters = append(counters, m.Column)
		}
	}
	assert.Equal(t, []string{"inserts", "updates", "deletes", "autovacuum_count", "autoanalyze_count"}, counters)

	room, err := reg.Get("synapse_room")
	require.NoError(t, err)
	assert.Equal(t, []string{"room_name", "room_id"}, room.LabelColumns())
	require.Len(t, room.ValueColumns(), 1)
	assert.Equal(t, "state_group_rows", room.ValueColumns()[0].Column)

	_, err = reg.Get("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarshalRoundTrip(t *testing.T) {
	reg, err := LoadFile("../../queries.yaml")
	require.NoError(t, err)

	data, err := reg.Marshal()
	require.NoError(t, err)

	again, err := Load(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, reg.All(), again.All())
}

func TestLoadEmptyInput(t *testing.T) {
	reg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.All())
}

func TestColumnAccessors(t *testing.T) {
	def := QueryDefinition{
		Name: "q",
		Metrics: []ColumnMapping{
			{Column: "a", Usage: Label},
			{Column: "b", Usage: Gauge},
			{Column: "c", Usage: Counter},
			{Column: "d", Usage: Label},
		},
	}
	assert.Equal(t, []string{"a", "d"}, def.LabelColumns())
	values := def.ValueColumns()
	require.Len(t, values, 2)
	assert.Equal(t, "b", values[0].Column)
	assert.Equal(t, "c", values[1].Column)
}
