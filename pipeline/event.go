// ABOUTME: Pipeline event model with a stage-keyed tagged union of payload types.
// ABOUTME: Decodes SSE frames into validated events, rejecting malformed frames with ErrMalformedEvent.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/2389-research/adcanvas/sse"
)

// ErrMalformedEvent marks a frame that could not be turned into a usable event.
var ErrMalformedEvent = errors.New("malformed pipeline event")

// Event is one decoded unit from a job's event stream.
type Event struct {
	Stage     WireStage
	JobID     string
	Pct       *float64
	Message   string
	ErrorCode string
	Payload   Payload

	// Seq is the server-assigned per-job sequence number taken from the SSE id.
	Seq    uint64
	HasSeq bool
}

// Info returns the stage classification of the event.
func (e Event) Info() StageInfo {
	return StageToPhase(e.Stage)
}

// Payload is the stage-specific body of an event.
type Payload interface {
	PayloadType() string
}

// Heartbeat returns a heartbeat event.
func Heartbeat() Event {
	return Event{Stage: StageHeartbeat, Payload: GenericPayload{}}
}

// envelope is the JSON wire shape of an event.
type envelope struct {
	JobID      string          `json:"jobId"`
	LegacyJob  string          `json:"job_id"`
	Stage      string          `json:"stage"`
	Pct        *float64        `json:"pct"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	ErrorCode  string          `json:"errorCode"`
	LegacyCode string          `json:"error_code"`
}

// Decode turns an SSE frame into a pipeline event. Comment frames and frames
// named "heartbeat" decode as heartbeats. Every other frame must carry a JSON
// body with non-empty jobId and stage.
func Decode(frame sse.Event) (Event, error) {
	if frame.IsComment() || frame.Type == string(StageHeartbeat) {
		return Heartbeat(), nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(frame.Data), &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	stage := WireStage(strings.TrimSpace(env.Stage))
	if stage == StageHeartbeat {
		return Heartbeat(), nil
	}
	if stage == "" {
		return Event{}, fmt.Errorf("%w: missing stage", ErrMalformedEvent)
	}

	jobID := env.JobID
	if jobID == "" {
		jobID = env.LegacyJob
	}
	if jobID == "" {
		return Event{}, fmt.Errorf("%w: missing jobId for stage %s", ErrMalformedEvent, stage)
	}

	payload, err := decodePayload(stage, env.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: stage %s: %v", ErrMalformedEvent, stage, err)
	}

	evt := Event{
		Stage:     stage,
		JobID:     jobID,
		Pct:       clampPct(env.Pct),
		Message:   env.Message,
		ErrorCode: env.ErrorCode,
		Payload:   payload,
	}
	if evt.ErrorCode == "" {
		evt.ErrorCode = env.LegacyCode
	}
	if seq, err := strconv.ParseUint(frame.ID, 10, 64); err == nil {
		evt.Seq = seq
		evt.HasSeq = true
	}
	return evt, nil
}

// Encode renders an event back into its JSON wire shape. Used by the dev server.
func Encode(evt Event) ([]byte, error) {
	env := struct {
		JobID     string   `json:"jobId"`
		Stage     string   `json:"stage"`
		Pct       *float64 `json:"pct,omitempty"`
		Message   string   `json:"message,omitempty"`
		Data      Payload  `json:"data,omitempty"`
		ErrorCode string   `json:"errorCode,omitempty"`
	}{
		JobID:     evt.JobID,
		Stage:     string(evt.Stage),
		Pct:       evt.Pct,
		Message:   evt.Message,
		Data:      evt.Payload,
		ErrorCode: evt.ErrorCode,
	}
	return json.Marshal(env)
}

func clampPct(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return &v
}

func decodePayload(stage WireStage, raw json.RawMessage) (Payload, error) {
	empty := len(raw) == 0 || string(raw) == "null"

	var target Payload
	switch stage {
	case StagePlan:
		target = &PlanPayload{}
	case StagePageScrapeStarted, StagePageScrapeDone:
		target = &ScrapePayload{}
	case StageImageExtractionStarted, StageImageExtractionDone:
		target = &ImageExtractionPayload{}
	case StageResearchStarted, StageResearchDone:
		target = &ResearchPayload{}
	case StageConceptsStarted, StageConceptsDone:
		target = &ConceptsPayload{}
	case StageIdeasStarted, StageIdeasDone:
		target = &IdeasPayload{}
	case StageImagesStarted, StageImagesDone:
		target = &ImagesPayload{}
	case StageImageGenerationProgress:
		target = &ImageProgressPayload{}
	case StageDone:
		target = &DonePayload{}
	case StageError:
		target = &ErrorPayload{}
	default:
		g := GenericPayload{}
		if !empty {
			if err := json.Unmarshal(raw, &g.Fields); err != nil {
				return nil, err
			}
		}
		return g, nil
	}

	if !empty {
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, err
		}
	}
	return deref(target), nil
}

// deref returns the value form of a decoded payload so handlers switch on values.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *PlanPayload:
		return *v
	case *ScrapePayload:
		return *v
	case *ImageExtractionPayload:
		return *v
	case *ResearchPayload:
		return *v
	case *ConceptsPayload:
		return *v
	case *IdeasPayload:
		return *v
	case *ImagesPayload:
		return *v
	case *ImageProgressPayload:
		return *v
	case *DonePayload:
		return *v
	case *ErrorPayload:
		return *v
	}
	return p
}
