package workspace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graphWorkspace(deps map[string][]string) *Workspace {
	ws := &Workspace{Units: make(map[string]*Unit)}
	for name, d := range deps {
		ws.Units[name] = &Unit{Name: name, DependsOn: d}
	}
	return ws
}

func TestOrder(t *testing.T) {
	ws := graphWorkspace(map[string][]string{
		"integration-tests": {"server"},
		"server":            {"shared"},
		"shared":            nil,
		"tools":             nil,
	})

	order, err := ws.Order(ws.UnitNames())
	require.NoError(t, err)
	assert.Equal(t, "shared", order[0])

	pos := make(map[string]int)
	for i, n := range order {
		pos[n] = i
	}
	assert.Less(t, pos["shared"], pos["server"])
	assert.Less(t, pos["server"], pos["integration-tests"])
	assert.Len(t, order, 4)

	again, err := ws.Order(ws.UnitNames())
	require.NoError(t, err)
	assert.Equal(t, order, again, "order must be stable")
}

func TestOrder_Cycle(t *testing.T) {
	ws := graphWorkspace(map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
		"d": nil,
	})

	_, err := ws.Order(ws.UnitNames())
	require.Error(t, err)

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "b", "c"}, cycle.Units)
}

func TestOrder_UnknownUnit(t *testing.T) {
	ws := graphWorkspace(map[string][]string{"server": nil})
	_, err := ws.Order([]string{"server", "ghost"})
	assert.ErrorContains(t, err, "unknown unit 'ghost'")
}

func TestSelect(t *testing.T) {
	ws := graphWorkspace(map[string][]string{
		"integration-tests": {"server"},
		"server":            {"shared"},
		"shared":            nil,
		"tools":             nil,
	})

	tests := []struct {
		name    string
		input   []string
		want    []string
		wantErr bool
	}{
		{"empty selects all", nil, []string{"integration-tests", "server", "shared", "tools"}, false},
		{"transitive deps", []string{"integration-tests"}, []string{"integration-tests", "server", "shared"}, false},
		{"leaf only", []string{"tools"}, []string{"tools"}, false},
		{"trims spaces", []string{" server "}, []string{"server", "shared"}, false},
		{"unknown", []string{"ghost"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ws.Select(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDependents(t *testing.T) {
	ws := graphWorkspace(map[string][]string{
		"integration-tests": {"server"},
		"smoke":             {"server"},
		"server":            nil,
	})
	assert.Equal(t, []string{"integration-tests", "smoke"}, ws.Dependents("server"))
	assert.Empty(t, ws.Dependents("smoke"))
}
