package tools

import "fmt"

// OrchestratorError is the typed error for the tool orchestration layer.
type OrchestratorError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *OrchestratorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

func NewOrchestratorError(component, action, message string, err error) *OrchestratorError {
	return &OrchestratorError{
		Component: component,
		Action:    action,
		Message:   message,
		Err:       err,
	}
}
