// ABOUTME: Stage Mapper translating backend wire stage names into display phases and step kinds.
// ABOUTME: Pure lookup with a suffix convention; unknown stages degrade to a generic processing update.
package pipeline

import "strings"

// WireStage is the stage tag carried on every inbound pipeline event.
type WireStage string

const (
	StagePlan                    WireStage = "plan"
	StagePageScrapeStarted       WireStage = "page_scrape_started"
	StagePageScrapeDone          WireStage = "page_scrape_done"
	StageImageExtractionStarted  WireStage = "image_extraction_started"
	StageImageExtractionDone     WireStage = "image_extraction_done"
	StageResearchStarted         WireStage = "research_started"
	StageResearchDone            WireStage = "research_done"
	StageConceptsStarted         WireStage = "concepts_started"
	StageConceptsDone            WireStage = "concepts_done"
	StageIdeasStarted            WireStage = "ideas_started"
	StageIdeasDone               WireStage = "ideas_done"
	StageImagesStarted           WireStage = "images_started"
	StageImageGenerationProgress WireStage = "image_generation_progress"
	StageImagesDone              WireStage = "images_done"
	StageDone                    WireStage = "done"
	StageError                   WireStage = "error"
	StageHeartbeat               WireStage = "heartbeat"
)

// Phase is one stage of the ad-generation pipeline as shown to the user.
type Phase string

const (
	PhasePlan             Phase = "plan"
	PhaseProductAnalysis  Phase = "product_analysis"
	PhaseResearch         Phase = "research"
	PhaseCreativeStrategy Phase = "creative_strategy"
	PhaseAdCreation       Phase = "ad_creation"

	// PhaseJob covers job-level terminal stages (done, error).
	PhaseJob Phase = "job"
	// PhaseNone is the heartbeat phase; it never mutates UI state.
	PhaseNone Phase = "none"
	// PhaseProcessing absorbs stages this client does not recognize.
	PhaseProcessing Phase = "processing"
)

// Phases lists the displayable phases in pipeline order.
var Phases = []Phase{PhasePlan, PhaseProductAnalysis, PhaseResearch, PhaseCreativeStrategy, PhaseAdCreation}

// Kind is the sub-kind of a stage within its phase.
type Kind int

const (
	KindProgress Kind = iota
	KindStart
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindDone:
		return "done"
	default:
		return "progress"
	}
}

// StageInfo is the classification of one wire stage.
type StageInfo struct {
	Stage WireStage
	Phase Phase
	Kind  Kind
	Step  string // section key within the phase, e.g. "page_scrape"
	Label string // human-readable status line
}

// IsStart reports whether the stage opens a step.
func (i StageInfo) IsStart() bool { return i.Kind == KindStart }

// IsDone reports whether the stage closes a step.
func (i StageInfo) IsDone() bool { return i.Kind == KindDone }

// IsHeartbeat reports whether the stage only exists to keep the connection alive.
func (i StageInfo) IsHeartbeat() bool { return i.Phase == PhaseNone }

// IsTerminal reports whether the stage ends the job.
func (i StageInfo) IsTerminal() bool { return i.Stage == StageDone || i.Stage == StageError }

type stepDef struct {
	phase       Phase
	title       string
	description string
	startLabel  string
	doneLabel   string
}

var steps = map[string]stepDef{
	"plan": {PhasePlan, "Campaign plan", "Outlining the steps for this product",
		"Planning the campaign", "Plan ready"},
	"page_scrape": {PhaseProductAnalysis, "Product page", "Reading the product page",
		"Reading the product page", "Product page analyzed"},
	"image_extraction": {PhaseProductAnalysis, "Product images", "Collecting product imagery",
		"Extracting product images", "Product images extracted"},
	"research": {PhaseResearch, "Market research", "Studying audience and competitors",
		"Researching the market", "Market research complete"},
	"concepts": {PhaseCreativeStrategy, "Creative concepts", "Developing ad concepts",
		"Developing creative concepts", "Concepts ready"},
	"ideas": {PhaseCreativeStrategy, "Ad ideas", "Turning concepts into ad copy",
		"Writing ad ideas", "Ad ideas ready"},
	"images": {PhaseAdCreation, "Ad images", "Rendering the final creatives",
		"Generating ad images", "Images generated"},
}

var phaseSteps = map[Phase][]string{
	PhasePlan:             {"plan"},
	PhaseProductAnalysis:  {"page_scrape", "image_extraction"},
	PhaseResearch:         {"research"},
	PhaseCreativeStrategy: {"concepts", "ideas"},
	PhaseAdCreation:       {"images"},
}

var phaseTitles = map[Phase]string{
	PhasePlan:             "Plan",
	PhaseProductAnalysis:  "Product Analysis",
	PhaseResearch:         "Research",
	PhaseCreativeStrategy: "Creative Strategy",
	PhaseAdCreation:       "Ad Creation",
	PhaseJob:              "Job",
	PhaseProcessing:       "Processing",
}

// Steps returns the ordered step keys of the phase.
func (p Phase) Steps() []string {
	return append([]string(nil), phaseSteps[p]...)
}

// Title returns the display title of the phase.
func (p Phase) Title() string {
	if t, ok := phaseTitles[p]; ok {
		return t
	}
	return string(p)
}

// Index returns the position of the phase in pipeline order, or -1.
func (p Phase) Index() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

// FinalStep returns the step whose completion closes the phase.
func (p Phase) FinalStep() string {
	s := phaseSteps[p]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

// StepTitle returns the section title for a step key.
func StepTitle(step string) string {
	if d, ok := steps[step]; ok {
		return d.title
	}
	return step
}

// StepDescription returns the section description for a step key.
func StepDescription(step string) string {
	return steps[step].description
}

// StageToPhase classifies a wire stage. It never fails: unknown stages come back
// as a processing progress update.
func StageToPhase(stage WireStage) StageInfo {
	switch stage {
	case StageHeartbeat:
		return StageInfo{Stage: stage, Phase: PhaseNone, Kind: KindProgress}
	case StageDone:
		return StageInfo{Stage: stage, Phase: PhaseJob, Kind: KindProgress, Label: "Your ads are ready"}
	case StageError:
		return StageInfo{Stage: stage, Phase: PhaseJob, Kind: KindProgress, Label: "Generation failed"}
	case StagePlan:
		d := steps["plan"]
		return StageInfo{Stage: stage, Phase: d.phase, Kind: KindProgress, Step: "plan", Label: d.startLabel}
	case StageImageGenerationProgress:
		return StageInfo{Stage: stage, Phase: PhaseAdCreation, Kind: KindProgress, Step: "images", Label: "Generating image"}
	}

	name := string(stage)
	if base, ok := strings.CutSuffix(name, "_started"); ok {
		if d, known := steps[base]; known {
			return StageInfo{Stage: stage, Phase: d.phase, Kind: KindStart, Step: base, Label: d.startLabel}
		}
	}
	if base, ok := strings.CutSuffix(name, "_done"); ok {
		if d, known := steps[base]; known {
			return StageInfo{Stage: stage, Phase: d.phase, Kind: KindDone, Step: base, Label: d.doneLabel}
		}
	}
	return StageInfo{Stage: stage, Phase: PhaseProcessing, Kind: KindProgress, Label: "Processing"}
}
