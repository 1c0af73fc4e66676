package perturb

import (
	"fmt"
	"strings"

	"github.com/kalambet/dejavu/internal/engine"
)

const systemPromptTemplate = `You are a privacy rewriting engine. Rewrite the user's message so it describes a believable different person in the same situation. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Replace these details:
%s

Rules:
- Each replacement must be the same kind of thing and equally plausible.
- Keep the core problem and the emotions exactly as written.
- Keep the language, tone and length of the original.
- List every replacement in "substitutions" using the exact original wording.
- Topics are short abstract tags (for example "career change", "burnout"). Never include names, places or ages in topics.
- %s`

var categoryRules = map[Category]string{
	CategoryLocation:   `- location: cities, regions, countries, schools and workplaces (e.g. "Seattle" -> "Austin").`,
	CategoryAgeDate:    `- age_date: ages, years and specific dates (e.g. "28" -> "31").`,
	CategoryProfession: `- profession: job titles, fields and employers (e.g. "software engineer" -> "backend developer").`,
}

// profile steers one variant toward a different region of the space of
// plausible alternatives.
type profile struct {
	guidance    string
	temperature float32
}

var profiles = []profile{
	{"Prefer close alternatives: a similar city, an age within a few years, a neighbouring role.", 0.7},
	{"Prefer alternatives from a different region or country and a role in an adjacent field.", 0.85},
	{"Prefer contrasting but still realistic alternatives: a different kind of place, a different decade of life if it does not change the problem, a role in another industry.", 1.0},
}

func profileFor(variant int) profile {
	if variant < 0 {
		variant = -variant
	}
	return profiles[variant%len(profiles)]
}

// BuildPrompt constructs the chat messages for one rewrite.
func BuildPrompt(text string, categories []Category, variant int) []engine.Message {
	prof := profileFor(variant)
	rules := make([]string, 0, len(categories))
	for _, c := range categories {
		rules = append(rules, categoryRules[c])
	}
	return []engine.Message{
		{Role: "system", Content: fmt.Sprintf(systemPromptTemplate, strings.Join(rules, "\n"), prof.guidance)},
		{Role: "user", Content: text},
	}
}
