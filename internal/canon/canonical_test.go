package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"null", Null{}, "null"},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"zero", Int(0), "0"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"bool true", Bool(true), "true"},
		{"bool false", Bool(false), "false"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array of strings", Array{String("a"), String("b")}, `["a","b"]`},
		{"simple object", Object{"a": Int(1)}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalSortedKeys(t *testing.T) {
	obj := Object{
		"zebra": Int(1),
		"alpha": Int(2),
		"beta":  Int(3),
	}

	result, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":3,"zebra":1}`, string(result))
}

func TestMarshalNestedSortedKeys(t *testing.T) {
	obj := Object{
		"z": Object{
			"b": Int(1),
			"a": Int(2),
		},
		"a": Int(3),
	}

	result, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(result))
}

func TestMarshalArrayOrderPreserved(t *testing.T) {
	// Contact entries are order-significant: [b, a] must not sort.
	arr := Array{
		Object{"type": String("work"), "value": String("b@x.com")},
		Object{"type": String("home"), "value": String("a@x.com")},
	}

	result, err := Marshal(arr)
	require.NoError(t, err)
	assert.Equal(t,
		`[{"type":"work","value":"b@x.com"},{"type":"home","value":"a@x.com"}]`,
		string(result))
}

func TestMarshalNullDistinctFromEmptyString(t *testing.T) {
	withNull, err := Marshal(Object{"email": Null{}})
	require.NoError(t, err)

	withEmpty, err := Marshal(Object{"email": String("")})
	require.NoError(t, err)

	assert.NotEqual(t, string(withNull), string(withEmpty))
	assert.Equal(t, `{"email":null}`, string(withNull))
	assert.Equal(t, `{"email":""}`, string(withEmpty))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	result, err := Marshal(String("a<b>&c"))
	require.NoError(t, err)
	assert.Equal(t, `"a<b>&c"`, string(result))
}

func TestMarshalNilValueRejected(t *testing.T) {
	_, err := Marshal(nil)
	assert.Error(t, err)
}

func TestFromAnyRejectsFloats(t *testing.T) {
	_, err := FromAny(map[string]any{"dues": 12.50})
	assert.Error(t, err)
}

func TestFromAnyRoundTrip(t *testing.T) {
	v, err := FromAny(map[string]any{
		"name":  "Ada",
		"email": nil,
		"contacts": []any{
			map[string]any{"type": "home", "value": "ada@x.com"},
		},
	})
	require.NoError(t, err)

	data, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t,
		`{"contacts":[{"type":"home","value":"ada@x.com"}],"email":null,"name":"Ada"}`,
		string(data))
}

func TestUnmarshalRoundTrip(t *testing.T) {
	original := Object{
		"name":   String("Ada"),
		"email":  Null{},
		"active": Bool(true),
		"count":  Int(3),
		"tags":   Array{String("a"), String("b")},
	}

	data, err := Marshal(original)
	require.NoError(t, err)

	parsed, err := Unmarshal(data)
	require.NoError(t, err)

	reencoded, err := Marshal(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(reencoded))
}
