package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/h1v3-io/coworker/internal/asker"
	"github.com/h1v3-io/coworker/pkg/protocol"
)

// ErrNoReply is the tool failure reported when a question times out.
var ErrNoReply = errors.New("The user did not reply within the timeout period.")

// Asker is the service behind the coworker tools.
type Asker interface {
	Ask(ctx context.Context, in asker.AskInput) (*asker.Result, error)
	ListPeople(ctx context.Context, query string, limit int) ([]protocol.Person, error)
}

// AskCoworkerTool sends a question to a person and waits for the answer.
type AskCoworkerTool struct {
	Asker Asker
}

func (t *AskCoworkerTool) Name() string { return "ask_a_coworker" }
func (t *AskCoworkerTool) Description() string {
	return "Ask a question to a coworker through their chat app and wait for the answer."
}
func (t *AskCoworkerTool) Parameters() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"question", "targetEmail"},
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "The question to ask",
			},
			"targetEmail": map[string]any{
				"type":        "string",
				"format":      "email",
				"description": "The email address of the coworker",
			},
			"timeout": map[string]any{
				"type":        "number",
				"default":     300000,
				"description": "Timeout in milliseconds (default 5 minutes)",
			},
		},
	}
}

func (t *AskCoworkerTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	q, _ := params["question"].(string)
	if q == "" {
		return "", fmt.Errorf("question is required")
	}
	email, _ := params["targetEmail"].(string)
	if email == "" {
		return "", fmt.Errorf("targetEmail is required")
	}
	var timeout time.Duration
	switch v := params["timeout"].(type) {
	case nil:
	case float64:
		timeout = time.Duration(v) * time.Millisecond
	case int:
		timeout = time.Duration(v) * time.Millisecond
	default:
		return "", fmt.Errorf("timeout must be a number of milliseconds")
	}

	res, err := t.Asker.Ask(ctx, asker.AskInput{Question: q, TargetEmail: email, Timeout: timeout})
	if err != nil {
		return "", describe(err)
	}
	if res.Status != protocol.QuestionReplied {
		return "", ErrNoReply
	}

	out, err := json.MarshalIndent(map[string]string{
		"status":    string(res.Status),
		"reply":     res.Reply,
		"responder": res.Responder,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ListPeopleTool searches the directory for people to ask.
type ListPeopleTool struct {
	Asker Asker
}

func (t *ListPeopleTool) Name() string { return "list_available_people" }
func (t *ListPeopleTool) Description() string {
	return "Search the organization directory for coworkers by name or email."
}
func (t *ListPeopleTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Name or email prefix to search for",
			},
			"limit": map[string]any{
				"type":        "number",
				"default":     10,
				"description": "Maximum number of people to return",
			},
		},
	}
}

func (t *ListPeopleTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	query, _ := params["query"].(string)
	limit := 0
	if v, ok := params["limit"].(float64); ok {
		limit = int(v)
	}

	people, err := t.Asker.ListPeople(ctx, query, limit)
	if err != nil {
		return "", describe(err)
	}
	if people == nil {
		people = []protocol.Person{}
	}
	out, err := json.MarshalIndent(map[string]any{"people": people}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// describe turns a service error into the text shown to the calling agent.
func describe(err error) error {
	if prompt, ok := asker.AuthPrompt(err); ok {
		return fmt.Errorf("Authentication required: %s\n\nPlease complete the authentication and then run this tool again.", prompt)
	}
	var e *asker.Error
	if errors.As(err, &e) && e.Reason != "" {
		return errors.New(e.Reason)
	}
	return err
}
