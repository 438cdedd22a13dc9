package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsKeys(t *testing.T) {
	got, err := Canonical(map[string]any{
		"b": int64(2),
		"a": "x",
		"c": []any{true, nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2,"c":[true,null]}`, string(got))
}

func TestCanonical_UTF16KeyOrder(t *testing.T) {
	// U+FF61 sorts before U+1F600 in UTF-8 but after it in UTF-16.
	got, err := Canonical(map[string]any{
		"\U0001F600": int64(1),
		"\uFF61":     int64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":1,\"\uFF61\":2}", string(got))
}

func TestCanonical_NoHTMLEscape(t *testing.T) {
	got, err := Canonical("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got))
}

func TestCanonical_EscapesControl(t *testing.T) {
	got, err := Canonical("a\nb\x01\"")
	require.NoError(t, err)
	assert.Equal(t, `"a\nb\u0001\""`, string(got))
}

func TestCanonical_NFC(t *testing.T) {
	decomposed := "e\u0301"
	got, err := Canonical(decomposed)
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(got))
}

func TestCanonical_RejectsFloats(t *testing.T) {
	_, err := Canonical(map[string]any{"n": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats")

	_, err = Canonical(map[string]any{"n": json.Number("1.5")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-integer")
}

func TestCanonical_UnsupportedType(t *testing.T) {
	_, err := Canonical(struct{}{})
	require.Error(t, err)
}

func TestDecodePayload_KeepsIntegers(t *testing.T) {
	p, err := DecodePayload([]byte(`{"rev": 9007199254740993, "ops": [{"path": "a/b"}]}`))
	require.NoError(t, err)

	got, err := Canonical(p)
	require.NoError(t, err)
	assert.Equal(t, `{"ops":[{"path":"a/b"}],"rev":9007199254740993}`, string(got))
}

func TestDecodePayload_Null(t *testing.T) {
	p, err := DecodePayload([]byte(`null`))
	require.NoError(t, err)
	assert.Empty(t, p)
}
