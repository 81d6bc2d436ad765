// ABOUTME: Scripted ad-generation pipeline that the dev server plays back as SSE events.
// ABOUTME: Emits the full happy path with a fixed step delay; cancellation ends the run with an error event.
package devserver

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/2389-research/adcanvas/pipeline"
)

var adSizes = [][2]int{{1080, 1080}, {1200, 628}, {1080, 1350}, {1080, 1920}}

// Script returns the events of one simulated job. imageBase is the absolute
// URL prefix under which synthetic images are served.
func Script(jobID, productURL string, n int, imageBase string) []pipeline.Event {
	product := productName(productURL)
	ev := func(stage pipeline.WireStage, p pipeline.Payload) pipeline.Event {
		return pipeline.Event{Stage: stage, JobID: jobID, Payload: p}
	}
	pct := func(v float64) *float64 { return &v }

	productImages := []string{
		imageURL(imageBase, 800, 800, product+"-front"),
		imageURL(imageBase, 800, 800, product+"-side"),
	}

	events := []pipeline.Event{
		ev(pipeline.StagePlan, pipeline.PlanPayload{Steps: []string{"Analyze product", "Research market", "Develop concepts", "Create ads"}}),
		ev(pipeline.StagePageScrapeStarted, pipeline.ScrapePayload{URL: productURL}),
		ev(pipeline.StagePageScrapeDone, pipeline.ScrapePayload{
			URL:         productURL,
			Title:       product + " | Shop",
			ProductName: product,
			Description: "A well-made " + product + " for everyday use.",
		}),
		ev(pipeline.StageImageExtractionStarted, nil),
		ev(pipeline.StageImageExtractionDone, pipeline.ImageExtractionPayload{ImageURLs: productImages, Count: len(productImages)}),
		ev(pipeline.StageResearchStarted, nil),
		ev(pipeline.StageResearchDone, pipeline.ResearchPayload{
			Summary:     "Buyers of " + product + " value quality and convenience.",
			Audience:    "Young professionals, 25-40",
			Insights:    []string{"Gifting spikes in Q4", "Reviews praise durability"},
			Competitors: []string{"Generic Co", "Brand X"},
		}),
		ev(pipeline.StageConceptsStarted, nil),
		ev(pipeline.StageConceptsDone, pipeline.ConceptsPayload{Concepts: []pipeline.Concept{
			{Title: "Everyday hero", Description: "The " + product + " in daily routines"},
			{Title: "Gift it", Description: "Seasonal gifting angle"},
		}}),
		ev(pipeline.StageIdeasStarted, nil),
		ev(pipeline.StageIdeasDone, pipeline.IdeasPayload{Ideas: []pipeline.Idea{
			{Headline: "Made for every day", Concept: "Everyday hero"},
			{Headline: "The gift they will use", Concept: "Gift it"},
		}}),
		ev(pipeline.StageImagesStarted, pipeline.ImagesPayload{Total: n}),
	}

	var generated []string
	for i := 0; i < n; i++ {
		size := adSizes[i%len(adSizes)]
		u := imageURL(imageBase, size[0], size[1], fmt.Sprintf("%s-ad-%d", product, i+1))
		generated = append(generated, u)
		e := ev(pipeline.StageImageGenerationProgress, pipeline.ImageProgressPayload{ImageURL: u, Current: i + 1, Total: n})
		e.Pct = pct(float64(i+1) * 100 / float64(n))
		events = append(events, e)
	}
	events = append(events,
		ev(pipeline.StageImagesDone, pipeline.ImagesPayload{Total: n, ImageURLs: generated}),
		ev(pipeline.StageDone, pipeline.DonePayload{ImageURLs: generated}),
	)
	return events
}

// play publishes the script with delay between events. Cancellation publishes
// an error event with code "cancelled" and stops.
func play(ctx context.Context, j *job, events []pipeline.Event, delay time.Duration) error {
	for _, evt := range events {
		select {
		case <-ctx.Done():
			return publishEvent(j, pipeline.Event{
				Stage:     pipeline.StageError,
				JobID:     j.ID,
				Message:   "Generation cancelled",
				ErrorCode: "cancelled",
				Payload:   pipeline.ErrorPayload{Code: "cancelled", Detail: "Generation cancelled"},
			})
		case <-time.After(delay):
		}
		if err := publishEvent(j, evt); err != nil {
			return err
		}
	}
	return nil
}

func publishEvent(j *job, evt pipeline.Event) error {
	data, err := pipeline.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.Stage, err)
	}
	j.publish(data, evt.Info().IsTerminal())
	return nil
}

func imageURL(base string, w, h int, label string) string {
	return fmt.Sprintf("%s/images/%dx%d/%s.png", strings.TrimRight(base, "/"), w, h, url.PathEscape(label))
}

// productName derives a display name from the last path segment of a product URL.
func productName(productURL string) string {
	u, err := url.Parse(productURL)
	if err != nil {
		return "product"
	}
	name := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	if name == "" || name == "/" || name == "." {
		name = strings.TrimPrefix(u.Hostname(), "www.")
	}
	if name == "" {
		return "product"
	}
	return name
}
