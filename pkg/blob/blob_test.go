package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
	}{
		{"string", "hello"},
		{"int", 42},
		{"float", 3.25},
		{"bool", true},
		{"nil", nil},
		{"bytes", []byte{0x01, 0x02, 0xff}},
		{"list", []interface{}{1, "two", 3.0}},
		{"nested map", map[string]interface{}{
			"a": 1,
			"b": []interface{}{"x", "y"},
			"c": map[string]interface{}{"d": true},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.in)
			require.NoError(t, err)

			var out interface{}
			require.NoError(t, Decode(data, &out))

			if b, ok := tt.in.([]byte); ok {
				assert.Equal(t, b, out)
				return
			}
			assert.EqualValues(t, tt.in, out)
		})
	}
}

type taskEnvelope struct {
	TaskID   string                 `cbor:"task_id"`
	Expr     map[string]interface{} `cbor:"expr"`
	Globals  map[string]interface{} `cbor:"globals"`
	Packages []string               `cbor:"packages"`
}

func TestRoundTripStruct(t *testing.T) {
	in := taskEnvelope{
		TaskID:   "task-abc123",
		Expr:     map[string]interface{}{"func": "square", "args": []interface{}{4}},
		Globals:  map[string]interface{}{"seed": 1},
		Packages: []string{"math"},
	}

	data, err := Encode(in)
	require.NoError(t, err)

	var out taskEnvelope
	require.NoError(t, Decode(data, &out))
	assert.Equal(t, in, out)
}
