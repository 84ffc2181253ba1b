package content

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/studyflow/internal/model"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.Len(t, c.Categories, 4)
	assert.Len(t, c.Version, 64)
}

func TestAssignPicksDistinctCategories(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(1, 2))

	for range 200 {
		indices, variations := c.Assign(rng)
		require.Len(t, indices, QuestionsPerSection)
		require.Len(t, variations, QuestionsPerSection)
		assert.NotEqual(t, indices[0], indices[1])
		for i, idx := range indices {
			cat := c.Categories[idx]
			assert.Less(t, variations[i].Practice, len(cat.Practice))
			assert.Less(t, variations[i].Test, len(cat.Test))
		}
	}
}

func TestSlot(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	meta := model.StudyMetadata{
		CategoryIndices:    []int{2, 0},
		CategoryVariations: []model.CategoryVariation{{Practice: 1, Test: 0}, {Practice: 0, Test: 1}},
	}

	s, err := c.Slot(meta, model.SectionPractice, 0)
	require.NoError(t, err)
	assert.Equal(t, "ratios", s.CategoryID)
	assert.Equal(t, "27", s.Answer)

	s, err = c.Slot(meta, model.SectionTest, 1)
	require.NoError(t, err)
	assert.Equal(t, "fractions", s.CategoryID)
	assert.Equal(t, "0.35", s.Answer)

	_, err = c.Slot(meta, model.SectionTest, 2)
	assert.Error(t, err)
	meta.CategoryIndices[0] = 9
	_, err = c.Slot(meta, model.SectionTest, 0)
	assert.Error(t, err)
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"too few categories", `{"categories":[{"id":"a","practice":[{"text":"q","answer":"1"}],"test":[{"text":"q","answer":"1"}]}]}`},
		{"duplicate id", `{"categories":[
			{"id":"a","practice":[{"text":"q","answer":"1"}],"test":[{"text":"q","answer":"1"}]},
			{"id":"a","practice":[{"text":"q","answer":"1"}],"test":[{"text":"q","answer":"1"}]}]}`},
		{"empty test list", `{"categories":[
			{"id":"a","practice":[{"text":"q","answer":"1"}],"test":[{"text":"q","answer":"1"}]},
			{"id":"b","practice":[{"text":"q","answer":"1"}],"test":[]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, defaultCatalog, 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	d, err := Default()
	require.NoError(t, err)
	assert.Equal(t, d.Version, c.Version)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
