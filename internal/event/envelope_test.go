package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	env, err := Parse([]byte(`{"type":"Knowledge.Observatory.Published.V1","source":"  semantAH  ","payload":{"url":"https://example.com"}}`))
	require.NoError(t, err)

	assert.Equal(t, "knowledge.observatory.published.v1", env.Type)
	assert.Equal(t, "semantAH", env.Source)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(env.Payload))
}

func TestParse_PayloadKinds(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "null", payload: `null`},
		{name: "array", payload: `[1,2,3]`},
		{name: "string", payload: `"hello"`},
		{name: "number", payload: `42`},
		{name: "bool", payload: `true`},
		{name: "object", payload: `{"nested":{"deep":true}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"type":"t","source":"s","payload":` + tt.payload + `}`
			env, err := Parse([]byte(body))
			require.NoError(t, err)
			assert.JSONEq(t, tt.payload, string(env.Payload))
		})
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "not an object", body: `[1,2,3]`},
		{name: "bare string", body: `"hello"`},
		{name: "top-level null", body: `null`},
		{name: "type missing", body: `{"source":"s","payload":null}`, field: "type"},
		{name: "type not a string", body: `{"type":7,"source":"s","payload":null}`, field: "type"},
		{name: "type empty", body: `{"type":"","source":"s","payload":null}`, field: "type"},
		{name: "type whitespace only", body: `{"type":"   ","source":"s","payload":null}`, field: "type"},
		{name: "source missing", body: `{"type":"t","payload":null}`, field: "source"},
		{name: "source not a string", body: `{"type":"t","source":{},"payload":null}`, field: "source"},
		{name: "source empty after trim", body: `{"type":"t","source":"  ","payload":null}`, field: "source"},
		{name: "payload missing", body: `{"type":"t","source":"s"}`, field: "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			if tt.field != "" {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
				assert.Equal(t, tt.field, verr.Field)
			}
		})
	}
}

func TestParse_LengthBoundary(t *testing.T) {
	exact := strings.Repeat("a", 256)
	over := strings.Repeat("a", 257)

	// 256 non-whitespace runes padded with whitespace are accepted.
	padded := "  " + exact + "  "
	env, err := Parse([]byte(`{"type":"` + padded + `","source":"` + padded + `","payload":null}`))
	require.NoError(t, err)
	assert.Equal(t, exact, env.Type)
	assert.Equal(t, exact, env.Source)

	// 257 non-whitespace runes are rejected on either field.
	_, err = Parse([]byte(`{"type":"` + over + `","source":"s","payload":null}`))
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "type", verr.Field)

	_, err = Parse([]byte(`{"type":"t","source":"` + over + `","payload":null}`))
	require.Error(t, err)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "source", verr.Field)
}

func TestParse_LengthCountsRunes(t *testing.T) {
	// 256 multi-byte runes are within the limit even though the byte count
	// is far larger.
	runes := strings.Repeat("ü", 256)
	_, err := Parse([]byte(`{"type":"` + runes + `","source":"s","payload":null}`))
	require.NoError(t, err)

	_, err = Parse([]byte(`{"type":"` + runes + `x","source":"s","payload":null}`))
	require.Error(t, err)
}

func TestBody_ExactShape(t *testing.T) {
	env, err := Parse([]byte(`{"type":"T","source":"s","payload":{"k":"v"},"extra":"dropped"}`))
	require.NoError(t, err)

	body, err := env.Body()
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Len(t, decoded, 3)
	assert.Contains(t, decoded, "type")
	assert.Contains(t, decoded, "source")
	assert.Contains(t, decoded, "payload")
}

func TestBody_NullPayloadSurvives(t *testing.T) {
	env, err := Parse([]byte(`{"type":"t","source":"s","payload":null}`))
	require.NoError(t, err)

	body, err := env.Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"t","source":"s","payload":null}`, string(body))
}

func TestPayloadObjectKey(t *testing.T) {
	env, err := Parse([]byte(`{"type":"t","source":"s","payload":{"repo":"heimgewebe/plexer","n":1}}`))
	require.NoError(t, err)

	repo, ok := env.PayloadObjectKey("repo")
	require.True(t, ok)
	assert.Equal(t, "heimgewebe/plexer", repo)

	_, ok = env.PayloadObjectKey("missing")
	assert.False(t, ok)

	// Non-object payloads never expose keys.
	env, err = Parse([]byte(`{"type":"t","source":"s","payload":[1,2]}`))
	require.NoError(t, err)
	_, ok = env.PayloadObjectKey("repo")
	assert.False(t, ok)

	// Non-string values are ignored.
	env, err = Parse([]byte(`{"type":"t","source":"s","payload":{"repo":42}}`))
	require.NoError(t, err)
	_, ok = env.PayloadObjectKey("repo")
	assert.False(t, ok)
}
