// Package prompt renders retrieved perfumes into the assistant's system
// prompt. Rendering is deterministic: the same items and hints always yield
// the same text.
package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xaenox/perfume-chat/internal/models"
)

const (
	// Separator joins the rendered perfume blocks
	Separator = "\n\n---\n\n"

	// NotFound replaces the context block when the search returned nothing
	NotFound = "No perfumes in the catalog matched this request. Tell the user you could not find a matching perfume and ask what scents, occasions or brands they enjoy so you can search again."
)

const systemTemplate = `You are Scentsei, a friendly and knowledgeable perfume consultant.

Rules:
- Recommend only perfumes that appear in the catalog context below. Never invent perfumes, brands, notes or ratings.
- Explain each recommendation by referring to its notes, season, longevity and sillage when they are available.
- Keep answers concise: at most three recommendations unless the user asks for more.
- If the user asks about something unrelated to fragrance, politely steer the conversation back to perfumes.
- Answer in the language the user writes in.

Catalog context:
%s`

// RequestHints describe where the request came from. Empty fields are
// omitted from the prompt.
type RequestHints struct {
	City    string
	Country string
}

func (h RequestHints) render() string {
	var lines []string
	if h.City != "" {
		lines = append(lines, "- city: "+h.City)
	}
	if h.Country != "" {
		lines = append(lines, "- country: "+h.Country)
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n\nAbout the origin of the user's request:\n" + strings.Join(lines, "\n")
}

// RenderPerfume emits the present attributes of p in a fixed order
func RenderPerfume(p *models.Perfume) string {
	var b strings.Builder
	field := func(label, value string) {
		if value == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(value)
	}
	optional := func(v *string) string {
		if v == nil {
			return ""
		}
		return *v
	}
	list := func(v []string) string {
		return strings.Join(v, ", ")
	}

	field("Name", p.Name)
	field("Brand", p.Brand)
	field("Description", optional(p.Description))
	if p.Rating != nil {
		field("Rating", strconv.FormatFloat(*p.Rating, 'f', -1, 64))
	}
	field("Notes", list(p.Notes))
	field("Season", list(p.Season))
	field("Gender", optional(p.Gender))
	field("Longevity", optional(p.Longevity))
	field("Sillage", optional(p.Sillage))
	field("Pros", list(p.Pros))
	field("Cons", list(p.Cons))
	field("Similar perfumes", list(p.Similar))
	return b.String()
}

// BuildContext joins the rendered perfumes, or returns NotFound when there
// are none
func BuildContext(perfumes []*models.Perfume) string {
	blocks := make([]string, 0, len(perfumes))
	for _, p := range perfumes {
		if p == nil {
			continue
		}
		if block := RenderPerfume(p); block != "" {
			blocks = append(blocks, block)
		}
	}
	if len(blocks) == 0 {
		return NotFound
	}
	return strings.Join(blocks, Separator)
}

// System assembles the full system prompt
func System(perfumes []*models.Perfume, hints RequestHints) string {
	return fmt.Sprintf(systemTemplate, BuildContext(perfumes)) + hints.render()
}
