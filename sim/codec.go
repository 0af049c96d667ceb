package sim

import (
	"encoding/json"
	"fmt"
)

// Kind is the wire discriminator carried in every message body.
type Kind string

const (
	KindModel        Kind = "model"
	KindScenario     Kind = "scenario"
	KindFinalization Kind = "finalization"
	KindResult       Kind = "result"
	KindSummary      Kind = "summary"
)

// Message is a decoded body. Exactly one payload field is set, matching Kind.
type Message struct {
	Kind         Kind
	Model        *Model
	Scenario     *Scenario
	Finalization *FinalizationSignal
	Result       *ResultRecord
	Summary      *SummaryRecord
}

// ModelID returns the model identifier of whichever payload is set.
func (m Message) ModelID() string {
	switch m.Kind {
	case KindModel:
		return m.Model.ModelID
	case KindScenario:
		return m.Scenario.ModelID
	case KindFinalization:
		return m.Finalization.ModelID
	case KindResult:
		return m.Result.ModelID
	case KindSummary:
		return m.Summary.ModelID
	}
	return ""
}

// Encode marshals a payload to JSON with its kind discriminator.
// Accepted payloads are the five message types, by value or pointer.
func Encode(v any) ([]byte, error) {
	switch p := v.(type) {
	case Model:
		return Encode(&p)
	case Scenario:
		return Encode(&p)
	case FinalizationSignal:
		return Encode(&p)
	case ResultRecord:
		return Encode(&p)
	case SummaryRecord:
		return Encode(&p)
	case *Model:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*Model
		}{KindModel, p})
	case *Scenario:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*Scenario
		}{KindScenario, p})
	case *FinalizationSignal:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*FinalizationSignal
		}{KindFinalization, p})
	case *ResultRecord:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*ResultRecord
		}{KindResult, p})
	case *SummaryRecord:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*SummaryRecord
		}{KindSummary, p})
	}
	return nil, fmt.Errorf("encode: unsupported payload type %T", v)
}

// header is decoded first to pick the payload type.
type header struct {
	Kind    Kind   `json:"kind"`
	ModelID string `json:"model_id"`
}

// Decode parses a message body. Any body that is not valid JSON, lacks a
// known kind, or misses a required field yields ErrMalformedMessage.
func Decode(body []byte) (Message, error) {
	var h header
	if err := json.Unmarshal(body, &h); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if h.Kind == "" {
		return Message{}, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	if h.ModelID == "" {
		return Message{}, fmt.Errorf("%w: %s message without model_id", ErrMalformedMessage, h.Kind)
	}

	msg := Message{Kind: h.Kind}
	var target any
	switch h.Kind {
	case KindModel:
		msg.Model = &Model{}
		target = msg.Model
	case KindScenario:
		msg.Scenario = &Scenario{}
		target = msg.Scenario
	case KindFinalization:
		msg.Finalization = &FinalizationSignal{}
		target = msg.Finalization
	case KindResult:
		msg.Result = &ResultRecord{}
		target = msg.Result
	case KindSummary:
		msg.Summary = &SummaryRecord{}
		target = msg.Summary
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, h.Kind)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, h.Kind, err)
	}
	if err := msg.check(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) check() error {
	switch m.Kind {
	case KindModel:
		if m.Model.Expression == "" {
			return fmt.Errorf("%w: model without expression", ErrMalformedMessage)
		}
		if m.Model.TotalScenarios <= 0 {
			return fmt.Errorf("%w: model with non-positive total_scenarios", ErrMalformedMessage)
		}
	case KindScenario:
		if m.Scenario.Variables == nil {
			return fmt.Errorf("%w: scenario without variables", ErrMalformedMessage)
		}
	case KindResult:
		if m.Result.WorkerID == "" {
			return fmt.Errorf("%w: result without worker_id", ErrMalformedMessage)
		}
	case KindSummary:
		if m.Summary.WorkerID == "" {
			return fmt.Errorf("%w: summary without worker_id", ErrMalformedMessage)
		}
	}
	return nil
}
