package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminarhq/laminar/pkg/schema"
)

func findHashTool(name string) Tool {
	for _, tool := range HashTools() {
		if tool.Name() == name {
			return tool
		}
	}
	return nil
}

func execHash(t *testing.T, name string, params map[string]any) (map[string]any, error) {
	t.Helper()
	tool := findHashTool(name)
	require.NotNil(t, tool, "tool %s not found", name)
	out, err := tool.Execute(context.Background(), ToolInput{Args: params})
	if err != nil {
		return nil, err
	}
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	return result, nil
}

func TestHashDigest_SHA256Default(t *testing.T) {
	result, err := execHash(t, "hash.digest", map[string]any{"data": "hello"})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), result["hash"])
	assert.Equal(t, "sha256", result["algorithm"])
}

func TestHashDigest_Algorithms(t *testing.T) {
	for _, algo := range []string{"sha256", "sha384", "sha512", "sha1", "md5"} {
		t.Run(algo, func(t *testing.T) {
			result, err := execHash(t, "hash.digest", map[string]any{"data": "abc", "algorithm": algo})
			require.NoError(t, err)
			assert.Equal(t, algo, result["algorithm"])
			assert.NotEmpty(t, result["hash"])
		})
	}
}

func TestHashDigest_UnknownAlgorithm(t *testing.T) {
	_, err := execHash(t, "hash.digest", map[string]any{"data": "abc", "algorithm": "rot13"})
	requireEngineError(t, err, schema.ErrCodeValidation)
}

func TestHashDigest_Validate(t *testing.T) {
	tool := findHashTool("hash.digest")
	requireEngineError(t, tool.Validate(map[string]any{}), schema.ErrCodeValidation)
	require.NoError(t, tool.Validate(map[string]any{"data": ""}))
}

func TestHashHMAC_Deterministic(t *testing.T) {
	params := map[string]any{"data": "payload", "key": "secret"}

	first, err := execHash(t, "hash.hmac", params)
	require.NoError(t, err)
	second, err := execHash(t, "hash.hmac", params)
	require.NoError(t, err)

	assert.Equal(t, first["hmac"], second["hmac"])
	assert.Equal(t, "sha256", first["algorithm"])
}

func TestHashHMAC_KeyChangesDigest(t *testing.T) {
	a, err := execHash(t, "hash.hmac", map[string]any{"data": "payload", "key": "k1"})
	require.NoError(t, err)
	b, err := execHash(t, "hash.hmac", map[string]any{"data": "payload", "key": "k2"})
	require.NoError(t, err)
	assert.NotEqual(t, a["hmac"], b["hmac"])
}

func TestHashHMAC_Validate(t *testing.T) {
	tool := findHashTool("hash.hmac")
	requireEngineError(t, tool.Validate(map[string]any{"data": "x"}), schema.ErrCodeValidation)
	requireEngineError(t, tool.Validate(map[string]any{"key": "x"}), schema.ErrCodeValidation)
	require.NoError(t, tool.Validate(map[string]any{"data": "x", "key": "y"}))
}

func TestHashUUID_Valid(t *testing.T) {
	result, err := execHash(t, "hash.uuid", nil)
	require.NoError(t, err)

	id, parseErr := uuid.Parse(result["uuid"].(string))
	require.NoError(t, parseErr)
	assert.Equal(t, uuid.Version(4), id.Version())
}

func TestHashUUID_Unique(t *testing.T) {
	a, err := execHash(t, "hash.uuid", nil)
	require.NoError(t, err)
	b, err := execHash(t, "hash.uuid", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a["uuid"], b["uuid"])
}
