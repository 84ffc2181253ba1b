// Package validate checks submission payloads against the CUE wire schema
// and the cross-field business rules, reporting every violation at once.
package validate

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/pavelanni/studyflow/internal/model"
)

//go:embed schema.cue
var schemaSource []byte

// RequiredFields are the top-level payload fields that must be present and non-empty.
var RequiredFields = []string{
	"user_id",
	"condition",
	"pre_survey",
	"practice_section",
	"test_section",
	"submitted_at",
	"metadata",
}

// Violation is one failed rule.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" || strings.HasPrefix(v.Message, v.Field) {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// ValidationError lists every hard violation found in a payload.
type ValidationError struct {
	Violations []Violation `json:"violations"`
	Warnings   []string    `json:"warnings,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Messages(), "; "))
}

// Messages returns the human-readable form of each violation.
func (e *ValidationError) Messages() []string {
	out := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		out[i] = v.String()
	}
	return out
}

// Has reports whether any violation concerns field or a field nested below it.
func (e *ValidationError) Has(field string) bool {
	for _, v := range e.Violations {
		if v.Field == field || strings.HasPrefix(v.Field, field+".") {
			return true
		}
	}
	return false
}

// Validator holds the compiled schema. It is safe for concurrent use.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// New compiles the embedded schema.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	def := v.LookupPath(cue.ParsePath("#Submission"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("lookup #Submission: %w", err)
	}
	return &Validator{ctx: ctx, schema: def}, nil
}

// Validate checks a typed submission. It returns soft warnings, and a *ValidationError
// when at least one hard rule fails.
func (v *Validator) Validate(sub model.Submission) ([]string, error) {
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("marshal submission: %w", err)
	}
	return v.ValidateJSON(raw)
}

// ValidateJSON checks a raw payload as received on the wire.
func (v *Validator) ValidateJSON(raw []byte) ([]string, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Violations: []Violation{{Message: "payload is not a JSON object: " + err.Error()}}}
	}

	var violations []Violation
	violations = append(violations, checkRequired(doc)...)
	violations = append(violations, checkSections(doc)...)
	violations = append(violations, checkTimestamps(doc)...)
	violations = append(violations, v.checkSchema(raw)...)
	warnings := collectWarnings(doc)

	if len(violations) > 0 {
		return warnings, &ValidationError{Violations: dedupe(violations), Warnings: warnings}
	}
	return warnings, nil
}

func (v *Validator) checkSchema(raw []byte) []Violation {
	v.mu.Lock()
	defer v.mu.Unlock()

	data := v.ctx.CompileBytes(raw, cue.Filename("payload.json"))
	if err := data.Err(); err != nil {
		return []Violation{{Message: "payload does not parse: " + err.Error()}}
	}
	err := v.schema.Unify(data).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var out []Violation
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		out = append(out, Violation{
			Field:   fieldPath(e.Path()),
			Message: fmt.Sprintf(format, args...),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// fieldPath drops the schema definition (#Submission) that prefixes CUE error paths,
// leaving the wire path of the offending field.
func fieldPath(path []string) string {
	for len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return strings.Join(path, ".")
}

func checkRequired(doc map[string]any) []Violation {
	var out []Violation
	for _, f := range RequiredFields {
		val, ok := doc[f]
		if !ok || val == nil || val == "" {
			out = append(out, Violation{Field: f, Message: f + " is required"})
		}
	}
	return out
}

// checkSections enforces two questions per section with indices {0,1}, and that
// both sections ask about the same category at each index.
func checkSections(doc map[string]any) []Violation {
	var out []Violation
	categories := map[string]map[int]string{}

	for _, name := range []string{"practice_section", "test_section"} {
		sec, ok := doc[name].(map[string]any)
		if !ok {
			continue
		}
		questions, _ := sec["questions"].([]any)
		if len(questions) != 2 {
			out = append(out, Violation{Field: name, Message: name + " must have exactly 2 questions"})
			continue
		}

		byIndex := map[int]string{}
		for _, q := range questions {
			qm, ok := q.(map[string]any)
			if !ok {
				continue
			}
			idx, ok := qm["question_index"].(float64)
			if !ok || idx != float64(int(idx)) {
				continue
			}
			cat, _ := qm["category_id"].(string)
			byIndex[int(idx)] = cat
		}
		_, has0 := byIndex[0]
		_, has1 := byIndex[1]
		if len(byIndex) != 2 || !has0 || !has1 {
			out = append(out, Violation{Field: name, Message: name + " question indices must be exactly {0,1}"})
			continue
		}
		categories[name] = byIndex
	}

	practice, test := categories["practice_section"], categories["test_section"]
	if practice != nil && test != nil {
		for i := 0; i < 2; i++ {
			if practice[i] != test[i] {
				msg := fmt.Sprintf("category_id mismatch at question_index %d: practice %q, test %q", i, practice[i], test[i])
				out = append(out, Violation{Field: "test_section.questions", Message: msg})
			}
		}
	}
	return out
}

func checkTimestamps(doc map[string]any) []Violation {
	var out []Violation
	check := func(path string, val any, optional bool) {
		if val == nil && optional {
			return
		}
		s, ok := val.(string)
		if !ok {
			// Missing or mistyped values are reported by the required-field and schema checks.
			return
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			out = append(out, Violation{Field: path, Message: fmt.Sprintf("%s must be an RFC 3339 timestamp, got %q", path, s)})
		}
	}

	if v, ok := doc["submitted_at"]; ok {
		check("submitted_at", v, false)
	}
	for _, name := range []string{"practice_section", "test_section"} {
		for i, qm := range sectionQuestions(doc, name) {
			base := fmt.Sprintf("%s.questions.%d", name, i)
			for _, f := range []string{"load_time", "submit_time"} {
				if v, ok := qm[f]; ok {
					check(base+"."+f, v, false)
				}
			}
			check(base+".skip_time", qm["skip_time"], true)
			msgs, _ := qm["chat_messages"].([]any)
			for j, m := range msgs {
				mm, ok := m.(map[string]any)
				if !ok {
					continue
				}
				if v, ok := mm["timestamp"]; ok {
					check(fmt.Sprintf("%s.chat_messages.%d.timestamp", base, j), v, false)
				}
			}
		}
	}
	return out
}

func collectWarnings(doc map[string]any) []string {
	var out []string
	for i, qm := range sectionQuestions(doc, "test_section") {
		if msgs, _ := qm["chat_messages"].([]any); len(msgs) > 0 {
			out = append(out, fmt.Sprintf("test_section.questions.%d has %d chat messages; test questions are answered without help", i, len(msgs)))
		}
	}
	return out
}

func sectionQuestions(doc map[string]any, name string) []map[string]any {
	sec, ok := doc[name].(map[string]any)
	if !ok {
		return nil
	}
	questions, _ := sec["questions"].([]any)
	out := make([]map[string]any, 0, len(questions))
	for _, q := range questions {
		if qm, ok := q.(map[string]any); ok {
			out = append(out, qm)
		}
	}
	return out
}

func dedupe(in []Violation) []Violation {
	seen := make(map[Violation]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
