package interceptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFunctionArgs(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "parameter list",
			raw:  `[["query",[null,null,"weather"]],["limit",[null,7]]]`,
			want: `{"limit":7,"query":"weather"}`,
		},
		{
			name: "keys come back sorted",
			raw:  `[["b",[null,1]],["a",[null,2]]]`,
			want: `{"a":2,"b":1}`,
		},
		{
			name: "tagged object",
			raw:  `[null,null,null,null,[["flag",[null,null,null,1]]]]`,
			want: `{"flag":true}`,
		},
		{
			name: "boolean false",
			raw:  `[["flag",[null,null,null,0]]]`,
			want: `{"flag":false}`,
		},
		{
			name: "tagged array",
			raw:  `[null,null,null,null,null,[[null,1],[null,2]]]`,
			want: `[1,2]`,
		},
		{
			name: "object nested in array",
			raw:  `[null,null,null,null,null,[[["k",[null,1]]],[null,2]]]`,
			want: `[{"k":1},2]`,
		},
		{
			name: "parameter list beats single-string dispatch",
			raw:  `[["x",[null,null,"value"]]]`,
			want: `{"x":"value"}`,
		},
		{
			name: "single wrapper unwraps",
			raw:  `[[["a",[null,5]]]]`,
			want: `{"a":5}`,
		},
		{
			name: "null payload",
			raw:  `[null]`,
			want: `{}`,
		},
		{
			name: "empty fragment",
			raw:  ``,
			want: `{}`,
		},
		{
			name: "nested parameter lists",
			raw:  `[["outer",[["inner",[null,3]]]]]`,
			want: `{"outer":{"inner":3}}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeFunctionArgs([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeFunctionArgsMalformed(t *testing.T) {
	_, err := DecodeFunctionArgs([]byte(`[["broken"`))
	require.Error(t, err)
}

func TestDecodeWireValueUnknownArity(t *testing.T) {
	// Lists longer than the known tags pass through untouched so nothing
	// is silently lost.
	got, err := DecodeFunctionArgs([]byte(`[null,1,2,3,4,5,6]`))
	require.NoError(t, err)
	assert.Equal(t, `[null,1,2,3,4,5,6]`, got)
}
