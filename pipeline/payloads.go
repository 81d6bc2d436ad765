// ABOUTME: Stage-specific payload shapes carried in the data field of pipeline events.
// ABOUTME: One struct per stage family, each with a short human summary for chat messages.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PlanPayload carries the backend's plan for the run.
type PlanPayload struct {
	Steps   []string `json:"steps,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

func (PlanPayload) PayloadType() string { return "plan" }

// ScrapePayload describes the scraped product page.
type ScrapePayload struct {
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	Description string `json:"description,omitempty"`
}

func (ScrapePayload) PayloadType() string { return "page_scrape" }

// ImageExtractionPayload lists product images found on the page.
type ImageExtractionPayload struct {
	ImageURLs []string `json:"image_urls,omitempty"`
	Count     int      `json:"count,omitempty"`
}

func (ImageExtractionPayload) PayloadType() string { return "image_extraction" }

// ResearchPayload carries market research findings.
type ResearchPayload struct {
	Summary     string   `json:"summary,omitempty"`
	Audience    string   `json:"audience,omitempty"`
	Insights    []string `json:"insights,omitempty"`
	Competitors []string `json:"competitors,omitempty"`
}

func (ResearchPayload) PayloadType() string { return "research" }

// Concept is one creative direction.
type Concept struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ConceptsPayload carries the creative concepts.
type ConceptsPayload struct {
	Concepts []Concept `json:"concepts,omitempty"`
}

func (ConceptsPayload) PayloadType() string { return "concepts" }

// Idea is one concrete ad idea.
type Idea struct {
	Headline string `json:"headline"`
	Body     string `json:"body,omitempty"`
	Concept  string `json:"concept,omitempty"`
}

// IdeasPayload carries the generated ad ideas.
type IdeasPayload struct {
	Ideas []Idea `json:"ideas,omitempty"`
}

func (IdeasPayload) PayloadType() string { return "ideas" }

// ImagesPayload opens or closes the image generation step.
type ImagesPayload struct {
	Total     int      `json:"total_images,omitempty"`
	ImageURLs []string `json:"imageUrls,omitempty"`
}

func (ImagesPayload) PayloadType() string { return "images" }

// ImageProgressPayload reports one generated image.
type ImageProgressPayload struct {
	ImageURL string `json:"image_url,omitempty"`
	Current  int    `json:"current_image,omitempty"`
	Total    int    `json:"total_images,omitempty"`
}

func (ImageProgressPayload) PayloadType() string { return "image_generation_progress" }

// DonePayload closes the job with its final images.
type DonePayload struct {
	ImageURLs []string `json:"imageUrls,omitempty"`
}

func (DonePayload) PayloadType() string { return "done" }

// ErrorPayload carries server-side failure details.
type ErrorPayload struct {
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (ErrorPayload) PayloadType() string { return "error" }

// GenericPayload holds the data of stages without a dedicated shape.
type GenericPayload struct {
	Fields map[string]any
}

func (GenericPayload) PayloadType() string { return "generic" }

// MarshalJSON writes the raw fields.
func (g GenericPayload) MarshalJSON() ([]byte, error) {
	if g.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(g.Fields)
}

// Summary renders a payload as a short chat line. Empty when there is nothing to add.
func Summary(p Payload) string {
	switch v := p.(type) {
	case PlanPayload:
		if v.Summary != "" {
			return v.Summary
		}
		if len(v.Steps) > 0 {
			return "Plan: " + strings.Join(v.Steps, " → ")
		}
	case ScrapePayload:
		name := v.ProductName
		if name == "" {
			name = v.Title
		}
		if name != "" {
			return fmt.Sprintf("Found product: %s", name)
		}
	case ImageExtractionPayload:
		n := v.Count
		if n == 0 {
			n = len(v.ImageURLs)
		}
		if n > 0 {
			return fmt.Sprintf("Extracted %d product image%s", n, plural(n))
		}
	case ResearchPayload:
		var b strings.Builder
		if v.Summary != "" {
			b.WriteString(v.Summary)
		}
		for _, in := range v.Insights {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("• " + in)
		}
		return b.String()
	case ConceptsPayload:
		if len(v.Concepts) == 0 {
			return ""
		}
		lines := make([]string, 0, len(v.Concepts))
		for _, c := range v.Concepts {
			line := "• " + c.Title
			if c.Description != "" {
				line += ": " + c.Description
			}
			lines = append(lines, line)
		}
		return "Concepts:\n" + strings.Join(lines, "\n")
	case IdeasPayload:
		if len(v.Ideas) == 0 {
			return ""
		}
		lines := make([]string, 0, len(v.Ideas))
		for _, idea := range v.Ideas {
			lines = append(lines, "• "+idea.Headline)
		}
		return "Ad ideas:\n" + strings.Join(lines, "\n")
	case ImageProgressPayload:
		if v.Total > 0 {
			return fmt.Sprintf("Generated image %d of %d", v.Current, v.Total)
		}
	case DonePayload:
		n := len(v.ImageURLs)
		return fmt.Sprintf("Generated %d ad image%s", n, plural(n))
	}
	return ""
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
