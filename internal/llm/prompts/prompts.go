// Package prompts builds the system prompts of the chat agents shown in each study condition.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/studyflow/internal/model"
)

//go:embed templates/*.tmpl
var embedded embed.FS

var (
	workTagRegex     = regexp.MustCompile(`(?i)</?\s*participant-work\b[^>]*>`)
	questionTagRegex = regexp.MustCompile(`(?i)</?\s*question\b[^>]*>`)
)

const maxScratchboardRunes = 4000

// ErrUnknownAgent is returned for an agent id the registry does not hold.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent is one chat persona.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Data is the template input for a system prompt.
type Data struct {
	AgentName    string
	CategoryName string
	QuestionText string
	Scratchboard string
}

// Registry maps conditions to agents and agents to prompt templates.
type Registry struct {
	agents      map[string]Agent
	byCondition map[model.Condition][]string
	templates   map[string]*template.Template
}

var defaultAgents = []Agent{
	{ID: "tutor", Name: "Ms. Rivera"},
	{ID: "peer", Name: "Sam"},
}

var defaultAssignment = map[model.Condition][]string{
	model.ConditionControl: nil,
	model.ConditionTutor:   {"tutor"},
	model.ConditionPeer:    {"peer"},
	model.ConditionGroup:   {"tutor", "peer"},
}

// NewRegistry returns the registry built from the embedded templates.
func NewRegistry() (*Registry, error) {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// Load reads one <agent id>.tmpl file per agent from fsys.
func Load(fsys fs.FS) (*Registry, error) {
	r := &Registry{
		agents:      make(map[string]Agent),
		byCondition: make(map[model.Condition][]string),
		templates:   make(map[string]*template.Template),
	}
	for _, a := range defaultAgents {
		file := a.ID + ".tmpl"
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read prompt file %s: %w", file, err)
		}
		tmpl, err := template.New(a.ID).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse prompt template %s: %w", file, err)
		}
		r.agents[a.ID] = a
		r.templates[a.ID] = tmpl
	}
	for cond, ids := range defaultAssignment {
		r.byCondition[cond] = append([]string(nil), ids...)
	}
	return r, nil
}

// Agents returns the agents that chat with participants in condition c, in display order.
// The control condition has none.
func (r *Registry) Agents(c model.Condition) []Agent {
	ids := r.byCondition[c]
	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.agents[id])
	}
	return out
}

// Agent returns the agent with id.
func (r *Registry) Agent(id string) (Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// Allowed reports whether agent id may chat in condition c.
func (r *Registry) Allowed(c model.Condition, id string) bool {
	for _, a := range r.byCondition[c] {
		if a == id {
			return true
		}
	}
	return false
}

// Build renders the system prompt of agent id.
func (r *Registry) Build(id string, data Data) (string, error) {
	tmpl, ok := r.templates[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if data.AgentName == "" {
		data.AgentName = r.agents[id].Name
	}
	data.Scratchboard = sanitize(data.Scratchboard)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitize(work string) string {
	work = workTagRegex.ReplaceAllString(work, "")
	work = questionTagRegex.ReplaceAllString(work, "")
	work = strings.TrimSpace(work)

	if work == "" {
		return "[empty]"
	}
	if utf8.RuneCountInString(work) > maxScratchboardRunes {
		runes := []rune(work)
		work = string(runes[:maxScratchboardRunes]) + "\n[truncated]"
	}
	return work
}
