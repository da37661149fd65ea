package antidetect

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Variation is one suffix candidate. Weight is relative to the rest of the pool.
type Variation struct {
	Text   string  `yaml:"text"`
	Weight float64 `yaml:"weight"`
}

func DefaultVariations() []Variation {
	return []Variation{
		{Text: "", Weight: 6},
		{Text: " ", Weight: 1},
		{Text: "\n", Weight: 1},
		{Text: "\n\nTerima kasih", Weight: 1},
		{Text: "\n\nThanks!", Weight: 1},
		{Text: " 🙏", Weight: 1},
		{Text: " ✨", Weight: 1},
		{Text: " 😊", Weight: 1},
	}
}

type variationFile struct {
	Variations []Variation `yaml:"variations"`
}

// LoadVariations reads a pool from YAML:
//
//	variations:
//	  - text: ""
//	    weight: 6
//	  - text: " 🙏"
//	    weight: 1
func LoadVariations(path string) ([]Variation, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read variations: %w", err)
	}
	var f variationFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse variations: %w", err)
	}
	out := make([]Variation, 0, len(f.Variations))
	for _, v := range f.Variations {
		if v.Weight <= 0 {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("variations file %s has no positive weights", path)
	}
	return out, nil
}

func pickWeighted(r float64, items []Variation) string {
	var total float64
	for _, it := range items {
		if it.Weight > 0 {
			total += it.Weight
		}
	}
	if total <= 0 {
		return items[0].Text
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		if it.Weight <= 0 {
			continue
		}
		cumulative += it.Weight
		if target <= cumulative {
			return it.Text
		}
	}
	return items[len(items)-1].Text
}
