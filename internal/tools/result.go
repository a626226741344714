package tools

import "encoding/json"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the LLM
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	IsError bool   `json:"is_error"`           // marks error
	Err     error  `json:"-"`                  // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// errorEnvelope is the persisted shape of an error result in a
// conversation tool message.
type errorEnvelope struct {
	IsError bool   `json:"isError"`
	Error   string `json:"error"`
}

// MessageContent renders the result as the content of a role=tool
// conversation message. Errors use a JSON envelope so the model can tell
// a failure apart from output that merely looks like one.
func (r *Result) MessageContent() string {
	if !r.IsError {
		return r.ForLLM
	}
	data, err := json.Marshal(errorEnvelope{IsError: true, Error: r.ForLLM})
	if err != nil {
		return r.ForLLM
	}
	return string(data)
}
