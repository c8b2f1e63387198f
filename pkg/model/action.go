package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionType tags the shape of a record-action data payload.
type ActionType string

const (
	ActionContentChange ActionType = "CONTENT_CHANGE"
	ActionQuery         ActionType = "QUERY"
	ActionTaskStop      ActionType = "TASK_STOP"
	ActionRoadmapEdit   ActionType = "ROADMAP_EDIT"
)

// ChangeRecord carries a content edit made by the user.
type ChangeRecord struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// QueryRecord carries a search or question issued by the user.
type QueryRecord struct {
	Query string `json:"query"`
}

// OperationRecord carries a tool invocation outcome, reported when an agent
// run stops.
type OperationRecord struct {
	ToolName   string     `json:"tool_name"`
	Input      string     `json:"input"`
	Output     string     `json:"output"`
	Status     ToolStatus `json:"status"`
	TimeCostMs int64      `json:"time_cost_ms"`
}

// RoadmapEdit carries an edit to a user's roadmap document.
type RoadmapEdit struct {
	RoadmapID string `json:"roadmap_id"`
	Summary   string `json:"summary"`
}

// ActionData is the decoded tagged union for a record-action payload.
// Exactly one field is non-nil, matching the action type.
type ActionData struct {
	Change    *ChangeRecord    `json:"change,omitempty"`
	Query     *QueryRecord     `json:"query,omitempty"`
	Operation *OperationRecord `json:"operation,omitempty"`
	Roadmap   *RoadmapEdit     `json:"roadmap,omitempty"`
}

// RecordActionInput is the external contract of the record-action operation.
// Data is decoded and validated at submission time via Validate.
type RecordActionInput struct {
	UserID        string          `json:"user_id"`
	SessionID     string          `json:"session_id"`
	ActionType    ActionType      `json:"action_type"`
	MessageID     string          `json:"message_id"`
	ReferenceTime time.Time       `json:"reference_time"`
	Data          json.RawMessage `json:"data"`
}

// Validate checks required fields and decodes Data according to ActionType.
func (in RecordActionInput) Validate() (*ActionData, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: data is required", ErrValidation)
	}
	return DecodeActionData(in.ActionType, in.Data)
}

// DecodeActionData decodes raw payload bytes into the variant selected by the
// action type. Unknown types and missing required fields are validation errors.
func DecodeActionData(t ActionType, raw json.RawMessage) (*ActionData, error) {
	switch t {
	case ActionContentChange:
		var rec ChangeRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: decode change record: %v", ErrValidation, err)
		}
		if strings.TrimSpace(rec.Current) == "" {
			return nil, fmt.Errorf("%w: change record requires current content", ErrValidation)
		}
		return &ActionData{Change: &rec}, nil
	case ActionQuery:
		var rec QueryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: decode query record: %v", ErrValidation, err)
		}
		if strings.TrimSpace(rec.Query) == "" {
			return nil, fmt.Errorf("%w: query record requires query text", ErrValidation)
		}
		return &ActionData{Query: &rec}, nil
	case ActionTaskStop:
		var rec OperationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: decode operation record: %v", ErrValidation, err)
		}
		if strings.TrimSpace(rec.ToolName) == "" {
			return nil, fmt.Errorf("%w: operation record requires tool_name", ErrValidation)
		}
		if rec.Status != ToolSuccess && rec.Status != ToolFailure {
			return nil, fmt.Errorf("%w: operation status must be success or failure", ErrValidation)
		}
		return &ActionData{Operation: &rec}, nil
	case ActionRoadmapEdit:
		var rec RoadmapEdit
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: decode roadmap edit: %v", ErrValidation, err)
		}
		if strings.TrimSpace(rec.Summary) == "" {
			return nil, fmt.Errorf("%w: roadmap edit requires summary", ErrValidation)
		}
		return &ActionData{Roadmap: &rec}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrValidation, t)
	}
}
