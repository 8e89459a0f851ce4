// Package tools maps model function calls onto the closed set of tools the
// relay can execute.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/realtime"
)

const KnowledgeBaseName = "query_knowledge_base"

// ErrMalformedCall is returned by Malformed.Err.
var ErrMalformedCall = errors.New("malformed tool call")

// Call is one decoded function call. The concrete type is one of
// KnowledgeQuery, Malformed or Unknown.
type Call interface {
	CallID() string
	isCall()
}

// KnowledgeQuery asks the knowledge base a question.
type KnowledgeQuery struct {
	ID    string
	Query string
}

// Malformed is a call whose arguments could not be used.
type Malformed struct {
	ID     string
	Name   string
	Reason string
}

// Unknown is a call to a tool the relay does not offer.
type Unknown struct {
	ID   string
	Name string
}

func (c KnowledgeQuery) CallID() string { return c.ID }
func (c Malformed) CallID() string      { return c.ID }
func (c Unknown) CallID() string        { return c.ID }

func (KnowledgeQuery) isCall() {}
func (Malformed) isCall()      {}
func (Unknown) isCall()        {}

func (c Malformed) Err() error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedCall, c.Name, c.Reason)
}

// Parse decodes a function call. An empty name is treated as the knowledge
// base tool since it is the only one declared.
func Parse(callID, name, arguments string) Call {
	switch name {
	case KnowledgeBaseName, "":
		if name == "" {
			name = KnowledgeBaseName
		}
		var args struct {
			Query *string `json:"query"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return Malformed{ID: callID, Name: name, Reason: "invalid arguments: " + err.Error()}
		}
		if args.Query == nil || strings.TrimSpace(*args.Query) == "" {
			return Malformed{ID: callID, Name: name, Reason: "missing query"}
		}
		return KnowledgeQuery{ID: callID, Query: *args.Query}
	default:
		return Unknown{ID: callID, Name: name}
	}
}

// Definitions returns the tools declared to the model in session.update.
func Definitions() []realtime.Tool {
	return []realtime.Tool{{
		Type:        "function",
		Name:        KnowledgeBaseName,
		Description: "Look up company, product or policy information in the knowledge base. Use it whenever the caller asks something you cannot answer from the conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The caller's question, rephrased as a standalone search query.",
				},
			},
			"required": []string{"query"},
		},
	}}
}
