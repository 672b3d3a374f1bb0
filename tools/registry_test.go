package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxstream/duplex/shared"
)

func echoHandler(ctx context.Context, args map[string]any) (any, error) {
	return args, nil
}

func weatherSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city":    map[string]any{"type": "string"},
			"days":    map[string]any{"type": "integer"},
			"metric":  map[string]any{"type": "boolean"},
			"bounds":  map[string]any{"type": "object"},
			"extras":  map[string]any{"type": "array"},
			"note":    map[string]any{"type": "null"},
			"factor":  map[string]any{"type": "number"},
			"anyType": map[string]any{},
		},
		"required": []any{"city"},
	}
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("get_weather", weatherSchema(), echoHandler))
	require.NoError(t, reg.Register("get_time", nil, echoHandler))

	assert.ErrorIs(t, reg.Register("get_weather", nil, echoHandler), shared.ErrToolAlreadyDefined)
	assert.Error(t, reg.Register("", nil, echoHandler))
	assert.Error(t, reg.Register("broken", nil, nil))

	assert.Equal(t, []string{"get_weather", "get_time"}, reg.Names())

	_, ok := reg.Lookup("get_weather")
	assert.True(t, ok)
	_, ok = reg.Lookup("get_stock_price")
	assert.False(t, ok)
}

func TestRegistryConfiguration(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("get_weather", weatherSchema(), echoHandler))
	require.NoError(t, reg.Register("get_time", nil, echoHandler))

	cfg := reg.Configuration()
	specs, ok := cfg["tools"].([]any)
	require.True(t, ok)
	require.Len(t, specs, 2)

	first := specs[0].(map[string]any)
	assert.Equal(t, "get_weather", first["name"])
	assert.Equal(t, weatherSchema(), first["inputSchema"])

	second := specs[1].(map[string]any)
	assert.Equal(t, "get_time", second["name"])
	assert.NotContains(t, second, "inputSchema")
}

func TestToolValidate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("get_weather", weatherSchema(), echoHandler))
	tool, ok := reg.Lookup("get_weather")
	require.True(t, ok)

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{
			name: "valid full args",
			args: map[string]any{
				"city":   "Lisbon",
				"days":   float64(3), // JSON numbers decode as float64
				"metric": true,
				"bounds": map[string]any{"n": 1.0},
				"extras": []any{"wind"},
				"note":   nil,
				"factor": 1.5,
			},
		},
		{
			name: "required only",
			args: map[string]any{"city": "Lisbon"},
		},
		{
			name:    "missing required",
			args:    map[string]any{"days": float64(3)},
			wantErr: true,
		},
		{
			name:    "unexpected argument",
			args:    map[string]any{"city": "Lisbon", "zip": "1000"},
			wantErr: true,
		},
		{
			name:    "wrong string type",
			args:    map[string]any{"city": 42},
			wantErr: true,
		},
		{
			name:    "fractional integer",
			args:    map[string]any{"city": "Lisbon", "days": 2.5},
			wantErr: true,
		},
		{
			name: "whole float as integer",
			args: map[string]any{"city": "Lisbon", "days": float64(4)},
		},
		{
			name:    "wrong boolean type",
			args:    map[string]any{"city": "Lisbon", "metric": "yes"},
			wantErr: true,
		},
		{
			name: "untyped property accepts anything",
			args: map[string]any{"city": "Lisbon", "anyType": []any{1, "two"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tool.Validate(tt.args)
			if tt.wantErr {
				assert.ErrorIs(t, err, shared.ErrToolInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestToolValidateNilSchema(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("get_time", nil, echoHandler))
	tool, _ := reg.Lookup("get_time")

	assert.NoError(t, tool.Validate(map[string]any{"anything": "goes"}))
}
