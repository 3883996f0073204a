package client

import "encoding/json"

// ExecuteRequest is the body of a workflow execution.
type ExecuteRequest struct {
	Vars any `json:"vars"`
}

// ExecutionStatus is the worker's answer to a workflow execution. Output is
// left raw so callers can decode it into the workflow's own result type.
type ExecutionStatus struct {
	Error  string          `json:"error,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Decode unmarshals Output into v.
func (s ExecutionStatus) Decode(v any) error {
	if len(s.Output) == 0 {
		return nil
	}
	return json.Unmarshal(s.Output, v)
}

// ImproveTextVars are the variables of the improve_text workflow.
type ImproveTextVars struct {
	TextToRewrite string `json:"text_to_rewrite"`
	WholeDocument string `json:"whole_document"`
}

// ImproveTextResponse is the output of the improve_text workflow.
type ImproveTextResponse struct {
	GivenText     string   `json:"given_text"`
	RewrittenText string   `json:"rewritten_text"`
	ChangesMade   []string `json:"changes_made"`
}

// PromptRequest registers a prompt template.
type PromptRequest struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// WorkflowRequest registers a workflow script.
type WorkflowRequest struct {
	Name     string `json:"name"`
	Workflow string `json:"workflow"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
