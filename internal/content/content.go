// Package content serves the read-only question catalog and assigns each participant
// the categories and question variants they will see.
package content

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/pavelanni/studyflow/internal/model"
)

// QuestionsPerSection is the number of categories, and so questions, in each section.
const QuestionsPerSection = 2

//go:embed catalog.json
var defaultCatalog []byte

// Question is one question variant.
type Question struct {
	Text   string `json:"text"`
	Answer string `json:"answer"`
}

// Category groups the practice and test variants of one skill.
type Category struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Practice []Question `json:"practice"`
	Test     []Question `json:"test"`
}

// Catalog is the full set of categories.
type Catalog struct {
	Categories []Category `json:"categories"`
	// Version is the sha256 of the source document.
	Version string `json:"-"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file, or the embedded catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and checks a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if len(c.Categories) < QuestionsPerSection {
		return nil, fmt.Errorf("catalog needs at least %d categories, has %d", QuestionsPerSection, len(c.Categories))
	}
	seen := map[string]bool{}
	for i, cat := range c.Categories {
		if cat.ID == "" {
			return nil, fmt.Errorf("category %d has no id", i)
		}
		if seen[cat.ID] {
			return nil, fmt.Errorf("duplicate category id %q", cat.ID)
		}
		seen[cat.ID] = true
		if len(cat.Practice) == 0 || len(cat.Test) == 0 {
			return nil, fmt.Errorf("category %q needs practice and test questions", cat.ID)
		}
	}
	sum := sha256.Sum256(data)
	c.Version = hex.EncodeToString(sum[:])
	return &c, nil
}

// Assign picks distinct categories and a variant of each for both sections.
// A nil rng uses the global source.
func (c *Catalog) Assign(rng *rand.Rand) ([]int, []model.CategoryVariation) {
	intN := rand.IntN
	if rng != nil {
		intN = rng.IntN
	}
	perm := make([]int, len(c.Categories))
	for i := range perm {
		perm[i] = i
	}
	for i := len(perm) - 1; i > 0; i-- {
		j := intN(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}

	indices := perm[:QuestionsPerSection:QuestionsPerSection]
	variations := make([]model.CategoryVariation, len(indices))
	for i, idx := range indices {
		cat := c.Categories[idx]
		variations[i] = model.CategoryVariation{
			Practice: intN(len(cat.Practice)),
			Test:     intN(len(cat.Test)),
		}
	}
	return indices, variations
}

// Slot is the question shown at one position of a section.
type Slot struct {
	Section       model.Section `json:"section"`
	QuestionIndex int           `json:"question_index"`
	CategoryID    string        `json:"category_id"`
	CategoryName  string        `json:"category_name"`
	Text          string        `json:"text"`
	// Answer is withheld from participants.
	Answer string `json:"-"`
}

// Slot resolves the question at index of section for an assignment.
func (c *Catalog) Slot(meta model.StudyMetadata, section model.Section, index int) (Slot, error) {
	if index < 0 || index >= len(meta.CategoryIndices) || index >= len(meta.CategoryVariations) {
		return Slot{}, fmt.Errorf("question index %d out of range", index)
	}
	ci := meta.CategoryIndices[index]
	if ci < 0 || ci >= len(c.Categories) {
		return Slot{}, fmt.Errorf("category index %d not in catalog", ci)
	}
	cat := c.Categories[ci]
	questions, variant := cat.Practice, meta.CategoryVariations[index].Practice
	if section == model.SectionTest {
		questions, variant = cat.Test, meta.CategoryVariations[index].Test
	}
	if variant < 0 || variant >= len(questions) {
		return Slot{}, fmt.Errorf("variant %d of %s/%s not in catalog", variant, cat.ID, section)
	}
	q := questions[variant]
	return Slot{
		Section:       section,
		QuestionIndex: index,
		CategoryID:    cat.ID,
		CategoryName:  cat.Name,
		Text:          q.Text,
		Answer:        q.Answer,
	}, nil
}
