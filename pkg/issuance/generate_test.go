package issuance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samternent/concord/pkg/merkle"
)

func TestGeneratePack_Deterministic(t *testing.T) {
	k := testKit(t)
	params := GenerateParams{PackSeed: "abc", SeriesID: "s1", ThemeID: "t1", Count: 12, AlgoVersion: AlgoVersion, Kit: k}

	a := GeneratePack(params)
	b := GeneratePack(params)
	require.Len(t, a, 12)
	assert.Equal(t, a, b)

	da, err := Summarize(a)
	require.NoError(t, err)
	db, err := Summarize(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)

	params.PackSeed = "abd"
	c := GeneratePack(params)
	dc, err := Summarize(c)
	require.NoError(t, err)
	assert.NotEqual(t, da.PackRoot, dc.PackRoot)
}

func TestGeneratePack_InputOrderDoesNotMatter(t *testing.T) {
	a := testKit(t)
	b, err := ParseKit([]byte(`{"id":"t1","version":"2.0.0","bodies":["angular","round","Blob"],"eyes":["wide","dot"],"identities":["hero"],"accessories":["scarf","hat"],"frames":["gold"],"fx":["sparkle"],"palettes":["ocean","sunset"]}`))
	require.NoError(t, err)
	params := GenerateParams{PackSeed: "abc", SeriesID: "s1", ThemeID: "t1", Count: 20, AlgoVersion: AlgoVersion}

	params.Kit = a
	ia := GeneratePack(params)
	params.Kit = b
	ib := GeneratePack(params)
	assert.Equal(t, ia, ib)
}

func TestGeneratePack_ArchetypesFallBackToBodies(t *testing.T) {
	k, err := ParseKit([]byte(`{"bodies":["only"],"palettes":["p"],"rarityWeights":{"common":1}}`))
	require.NoError(t, err)
	items := GeneratePack(GenerateParams{PackSeed: "x", SeriesID: "s", ThemeID: "t", Count: 5, AlgoVersion: AlgoVersion, Kit: k})
	for i, it := range items {
		assert.Equal(t, i, it.Index)
		assert.Equal(t, "common", it.Rarity)
		require.NotNil(t, it.ArchetypeID)
		assert.Equal(t, "only", *it.ArchetypeID)
		assert.Equal(t, "only", *it.BodyID)
		assert.Equal(t, "p", *it.PaletteID)
		assert.Nil(t, it.EyesID)
		// common never rolls optional traits
		assert.Nil(t, it.AccessoryID)
		assert.Nil(t, it.FrameID)
	}
}

func TestGeneratePack_EmptyArchetypesDoNotFallBack(t *testing.T) {
	k, err := ParseKit([]byte(`{"archetypes":[],"bodies":["only"]}`))
	require.NoError(t, err)
	items := GeneratePack(GenerateParams{PackSeed: "x", Count: 3, AlgoVersion: AlgoVersion, Kit: k})
	for _, it := range items {
		assert.Nil(t, it.ArchetypeID)
		assert.Equal(t, "only", *it.BodyID)
	}
}

func TestGeneratePack_CandidatesFixTraits(t *testing.T) {
	k, err := ParseKit([]byte(`{
	  "bodies": ["never"],
	  "candidates": [
	    {"archetypeId":"a1","bodyId":"b1","eyesId":"e1","identityId":null,"accessoryId":null,"frameId":null,"fxId":null,"paletteId":"p1"},
	    {"archetypeId":"a2","bodyId":"b2","eyesId":"e2","identityId":null,"accessoryId":null,"frameId":null,"fxId":null,"paletteId":"p2"}
	  ]
	}`))
	require.NoError(t, err)
	items := GeneratePack(GenerateParams{PackSeed: "x", Count: 10, AlgoVersion: AlgoVersion, Kit: k})
	for _, it := range items {
		require.NotNil(t, it.BodyID)
		assert.NotEqual(t, "never", *it.BodyID)
		suffix := (*it.BodyID)[1:]
		assert.Equal(t, "a"+suffix, *it.ArchetypeID)
		assert.Equal(t, "p"+suffix, *it.PaletteID)
	}
}

func TestGeneratePack_ZeroCount(t *testing.T) {
	assert.Empty(t, GeneratePack(GenerateParams{PackSeed: "x", Count: 0, Kit: testKit(t)}))
}

func TestSummarize_RootMatchesMerkle(t *testing.T) {
	items := GeneratePack(GenerateParams{PackSeed: "abc", SeriesID: "s1", ThemeID: "t1", Count: 5, AlgoVersion: AlgoVersion, Kit: testKit(t)})
	d, err := Summarize(items)
	require.NoError(t, err)
	require.Len(t, d.ItemHashes, 5)

	tree, err := merkle.Build(d.ItemHashes)
	require.NoError(t, err)
	assert.Equal(t, d.PackRoot, tree.Root)

	proof, err := tree.Proof(3)
	require.NoError(t, err)
	assert.True(t, merkle.VerifyProof(d.ItemHashes[3], proof, d.PackRoot))
}

func TestStickerID_DependsOnIndex(t *testing.T) {
	a, err := StickerID("root", 0)
	require.NoError(t, err)
	b, err := StickerID("root", 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
}
