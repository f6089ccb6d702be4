package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRow_DecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	row := map[string]any{"value": 0.5, "epoch": int64(1), "_ts": 1.0}

	require.NoError(t, EncodeRow(&buf, row))

	got, err := DecodeAll(&buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.5, got[0]["value"])
	assert.Equal(t, 1.0, got[0]["_ts"])
}

func TestEncodeBatch_DecodeExpandsRows(t *testing.T) {
	var buf bytes.Buffer
	rows := []map[string]any{
		{"v": 1.0, "_ts": 1.0},
		{"v": 2.0, "_ts": 2.0},
		{"v": 3.0, "_ts": 3.0},
	}

	require.NoError(t, EncodeBatch(&buf, rows))

	got, err := DecodeAll(&buf)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1.0, got[0]["v"])
	assert.Equal(t, 2.0, got[1]["v"])
	assert.Equal(t, 3.0, got[2]["v"])
}

func TestEncodeBatch_MissingFieldsBecomeNull(t *testing.T) {
	var buf bytes.Buffer
	rows := []map[string]any{
		{"q": []any{0.1, 0.2}, "_ts": 1.0},
		{"v": []any{0.01, 0.02}, "_ts": 1.0},
	}
	require.NoError(t, EncodeBatch(&buf, rows))

	got, err := DecodeAll(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	_, hasV := got[0]["v"]
	assert.False(t, hasV)
	_, hasQ := got[1]["q"]
	assert.False(t, hasQ)
}

func TestDecodeAll_MixedRowsAndBatchesPreserveWriteOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeRow(&buf, map[string]any{"v": 1.0, "_ts": 1.0}))
	require.NoError(t, EncodeBatch(&buf, []map[string]any{
		{"v": 2.0, "_ts": 2.0},
		{"v": 3.0, "_ts": 3.0},
	}))
	require.NoError(t, EncodeRow(&buf, map[string]any{"v": 4.0, "_ts": 4.0}))

	got, err := DecodeAll(&buf)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, want := range []float64{1.0, 2.0, 3.0, 4.0} {
		assert.Equal(t, want, got[i]["v"])
	}
}

func TestEncodeRow_RowOfAllEqualLengthListsIsNotMistakenForColumnar(t *testing.T) {
	var buf bytes.Buffer
	// This row's fields happen to all be equal-length lists — the exact
	// structural-ambiguity edge case the __cols sentinel exists to resolve.
	row := map[string]any{
		"a":   []any{1.0, 2.0},
		"b":   []any{3.0, 4.0},
		"_ts": 1.0,
	}
	require.NoError(t, EncodeRow(&buf, row))

	got, err := DecodeAll(&buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []any{1.0, 2.0}, got[0]["a"])
}

func TestDecodeAll_EmptyStreamYieldsNoSamples(t *testing.T) {
	got, err := DecodeAll(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}
