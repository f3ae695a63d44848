package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueryMatchesKeywordsAndTags(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "gas", Content: "EIP-1559 fee cap", Keywords: []string{"Gas"}},
		{Title: "reorg", Content: "wait for finality", Tags: []string{"chain"}},
		{Title: "general", Content: "always relevant"},
	}, 5)

	got := p.Query("How much GAS does a transfer use?")
	require.Len(t, got, 2)
	require.Equal(t, "gas", got[0].Title)
	require.Equal(t, "general", got[1].Title)

	got = p.Query("unrelated", "chain")
	require.Len(t, got, 2)
	require.Equal(t, "reorg", got[0].Title)
}

func TestQueryHonoursMaxResults(t *testing.T) {
	p := NewStaticProvider([]Snippet{{Title: "a"}, {Title: "b"}, {Title: "c"}}, 2)
	require.Len(t, p.Query("anything"), 2)

	var nilProvider *StaticProvider
	require.Empty(t, nilProvider.Query("anything"))
	require.Zero(t, nilProvider.Len())
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"title":"nonce","content":"one per account","keywords":["nonce"]}]`), 0o600))

	p, err := LoadStaticProvider(path, 0)
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())
	require.Len(t, p.Query("stuck nonce"), 1)

	_, err = LoadStaticProvider("", 1)
	require.Error(t, err)
	_, err = LoadStaticProvider(filepath.Join(t.TempDir(), "missing.json"), 1)
	require.Error(t, err)
}
