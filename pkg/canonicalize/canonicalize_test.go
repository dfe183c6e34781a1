package canonicalize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Castellan-Labs/quorum/core/pkg/canonicalize"
)

func TestJCS_SortsKeys(t *testing.T) {
	out, err := canonicalize.JCS(map[string]interface{}{
		"zeta":  1,
		"alpha": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"zeta":1}`, string(out))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := canonicalize.JCS(map[string]interface{}{"k": "<a>&</a>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a>&</a>"}`, string(out))
}

func TestCanonicalHash_OrderIndependent(t *testing.T) {
	h1, err := canonicalize.CanonicalHash(map[string]interface{}{"a": 1, "b": "x"})
	require.NoError(t, err)
	h2, err := canonicalize.CanonicalHash(map[string]interface{}{"b": "x", "a": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCanonicalRawHash_EquivalentDocuments(t *testing.T) {
	h1, err := canonicalize.CanonicalRawHash([]byte(`{"b": 2, "a": 1}`))
	require.NoError(t, err)
	h2, err := canonicalize.CanonicalRawHash([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCanonicalRawHash_RejectsInvalidJSON(t *testing.T) {
	_, err := canonicalize.CanonicalRawHash([]byte(`{not json`))
	assert.Error(t, err)
}
