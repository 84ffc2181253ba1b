// Package checkpoint keeps a durable copy of an in-progress flow session: one
// full snapshot plus per-entity shadow copies used to rebuild a damaged snapshot.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/studyflow/internal/model"
	"github.com/pavelanni/studyflow/internal/store"
)

const rootPrefix = "checkpoint/"

// PersistError reports a checkpoint slot that could not be written or removed.
type PersistError struct {
	Key string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("checkpoint persist %s: %v", e.Key, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Store reads and writes the checkpoint of one scope (a participant's browser session).
type Store struct {
	kv    store.KV
	scope string
	log   *slog.Logger
}

// New returns the checkpoint store for scope. A nil logger uses slog.Default().
func New(kv store.KV, scope string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: kv, scope: scope, log: log.With("scope", scope)}
}

// Scope returns the scope this store writes under.
func (s *Store) Scope() string { return s.scope }

func (s *Store) prefix() string       { return rootPrefix + s.scope + "/" }
func (s *Store) fullKey() string      { return s.prefix() + "full" }
func (s *Store) shadowPrefix() string { return s.prefix() + "shadow/" }

// shadow is the envelope of every shadow slot.
type shadow struct {
	Revision int64           `json:"revision"`
	// Session ties the copy to one started session so a restart never inherits its predecessor's data.
	Session string          `json:"session"`
	Data    json.RawMessage `json:"data"`
}

// sessionTag identifies a started session within a scope.
func sessionTag(sess model.FlowSession) string {
	return sess.UserID + "@" + sess.StartedAt.UTC().Format(time.RFC3339Nano)
}

// meta carries everything in a session that is not a response or a survey.
type meta struct {
	UserID      string              `json:"user_id"`
	Stage       model.Stage         `json:"stage"`
	Condition   model.Condition     `json:"condition"`
	Metadata    model.StudyMetadata `json:"metadata"`
	StartedAt   time.Time           `json:"started_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	SubmittedAt time.Time           `json:"submitted_at,omitzero"`
}

func responseSlot(section model.Section, index int) string {
	return "response/" + string(section) + "/" + strconv.Itoa(index)
}

const (
	slotMeta       = "meta"
	slotPreSurvey  = "survey/pre"
	slotPostSurvey = "survey/post"
)

// Save writes the full snapshot and then every shadow slot. Writes are independent:
// a failed slot does not stop the others. The returned error joins one *PersistError per failed slot.
func (s *Store) Save(sess model.FlowSession) error {
	var errs []error

	if raw, err := json.Marshal(sess); err != nil {
		errs = append(errs, &PersistError{Key: s.fullKey(), Err: err})
	} else if err := s.kv.Set(s.fullKey(), raw); err != nil {
		errs = append(errs, &PersistError{Key: s.fullKey(), Err: err})
	}

	tag := sessionTag(sess)
	write := func(slot string, v any) {
		key := s.shadowPrefix() + slot
		data, err := json.Marshal(v)
		if err == nil {
			data, err = json.Marshal(shadow{Revision: sess.Revision, Session: tag, Data: data})
		}
		if err == nil {
			err = s.kv.Set(key, data)
		}
		if err != nil {
			errs = append(errs, &PersistError{Key: key, Err: err})
		}
	}

	for _, section := range []model.Section{model.SectionPractice, model.SectionTest} {
		for _, r := range sess.Responses(section) {
			write(responseSlot(section, r.QuestionIndex), r)
		}
	}
	if sess.PreSurvey != nil {
		write(slotPreSurvey, sess.PreSurvey)
	}
	if sess.PostSurvey != nil {
		write(slotPostSurvey, sess.PostSurvey)
	}
	write(slotMeta, meta{
		UserID:      sess.UserID,
		Stage:       sess.Stage,
		Condition:   sess.Condition,
		Metadata:    sess.Metadata,
		StartedAt:   sess.StartedAt,
		UpdatedAt:   sess.UpdatedAt,
		SubmittedAt: sess.SubmittedAt,
	})

	return errors.Join(errs...)
}

// Load returns the checkpointed session. The full snapshot is preferred; shadow copies
// written at a later revision replace the snapshot's copy of that entity. If the snapshot is
// missing or unreadable the session is rebuilt from shadows, which requires the meta slot.
func (s *Store) Load() (model.FlowSession, bool, error) {
	var sess model.FlowSession
	haveFull := false

	raw, ok, err := s.kv.Get(s.fullKey())
	if err != nil {
		return sess, false, fmt.Errorf("read %s: %w", s.fullKey(), err)
	}
	if ok {
		if err := json.Unmarshal(raw, &sess); err != nil {
			s.log.Warn("checkpoint snapshot unreadable, rebuilding from shadows", "error", err)
			sess = model.FlowSession{}
		} else {
			haveFull = true
		}
	}

	shadows, err := s.loadShadows()
	if err != nil {
		return model.FlowSession{}, false, err
	}
	if !haveFull {
		m, ok := shadows[slotMeta]
		if !ok {
			if len(shadows) > 0 {
				s.log.Warn("checkpoint has shadows but no snapshot or meta slot, ignoring", "slots", len(shadows))
			}
			return model.FlowSession{}, false, nil
		}
		var md meta
		if err := json.Unmarshal(m.Data, &md); err != nil {
			s.log.Warn("checkpoint meta slot unreadable", "error", err)
			return model.FlowSession{}, false, nil
		}
		sess = model.FlowSession{
			UserID:      md.UserID,
			Stage:       md.Stage,
			Condition:   md.Condition,
			Metadata:    md.Metadata,
			Revision:    m.Revision,
			StartedAt:   md.StartedAt,
			UpdatedAt:   md.UpdatedAt,
			SubmittedAt: md.SubmittedAt,
		}
	}

	tag := sessionTag(sess)
	base := sess.Revision
	merged, foreign := 0, 0
	for _, slot := range sortedSlots(shadows) {
		sh := shadows[slot]
		if sh.Session != tag {
			foreign++
			continue
		}
		if haveFull && sh.Revision <= base {
			continue
		}
		if err := apply(&sess, slot, sh.Data); err != nil {
			s.log.Warn("skipping unreadable shadow slot", "slot", slot, "error", err)
			continue
		}
		merged++
		if sh.Revision > sess.Revision {
			sess.Revision = sh.Revision
		}
	}
	if foreign > 0 {
		s.log.Warn("ignoring shadow slots from another session", "slots", foreign, "user_id", sess.UserID)
	}
	if !haveFull || merged > 0 {
		s.log.Info("checkpoint reconstructed from shadows", "from_snapshot", haveFull, "slots_applied", merged, "stage", sess.Stage)
	}
	return sess, true, nil
}

func (s *Store) loadShadows() (map[string]shadow, error) {
	keys, err := s.kv.ListKeys(s.shadowPrefix())
	if err != nil {
		return nil, fmt.Errorf("list shadows: %w", err)
	}
	out := make(map[string]shadow, len(keys))
	for _, key := range keys {
		raw, ok, err := s.kv.Get(key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var sh shadow
		if err := json.Unmarshal(raw, &sh); err != nil {
			s.log.Warn("skipping unreadable shadow slot", "key", key, "error", err)
			continue
		}
		out[strings.TrimPrefix(key, s.shadowPrefix())] = sh
	}
	return out, nil
}

// sortedSlots orders meta first so later slots override nothing it sets.
func sortedSlots(m map[string]shadow) []string {
	slots := make([]string, 0, len(m))
	for k := range m {
		slots = append(slots, k)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i] == slotMeta || slots[j] == slotMeta {
			return slots[i] == slotMeta && slots[j] != slotMeta
		}
		return slots[i] < slots[j]
	})
	return slots
}

func apply(sess *model.FlowSession, slot string, data json.RawMessage) error {
	switch {
	case slot == slotMeta:
		// Stage and identity come from the snapshot when there is one; the meta slot only
		// fills identity fields the snapshot left empty.
		var md meta
		if err := json.Unmarshal(data, &md); err != nil {
			return err
		}
		if sess.UserID == "" {
			sess.UserID = md.UserID
		}
		if sess.Condition == "" {
			sess.Condition = md.Condition
		}
		if sess.Stage == "" {
			sess.Stage = md.Stage
		}
		if sess.SubmittedAt.IsZero() {
			sess.SubmittedAt = md.SubmittedAt
		}
		return nil
	case slot == slotPreSurvey:
		var ps model.PreSurvey
		if err := json.Unmarshal(data, &ps); err != nil {
			return err
		}
		sess.PreSurvey = &ps
		return nil
	case slot == slotPostSurvey:
		var ps model.PostSurvey
		if err := json.Unmarshal(data, &ps); err != nil {
			return err
		}
		sess.PostSurvey = &ps
		return nil
	case strings.HasPrefix(slot, "response/"):
		var r model.QuestionResponse
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		parts := strings.Split(slot, "/")
		if len(parts) != 3 {
			return fmt.Errorf("malformed response slot %q", slot)
		}
		upsertResponse(sess, model.Section(parts[1]), r)
		return nil
	default:
		return fmt.Errorf("unknown slot %q", slot)
	}
}

func upsertResponse(sess *model.FlowSession, section model.Section, r model.QuestionResponse) {
	list := &sess.PracticeResponses
	if section == model.SectionTest {
		list = &sess.TestResponses
	}
	for i := range *list {
		if (*list)[i].QuestionIndex == r.QuestionIndex {
			(*list)[i] = r
			return
		}
	}
	*list = append(*list, r)
	sort.SliceStable(*list, func(i, j int) bool { return (*list)[i].QuestionIndex < (*list)[j].QuestionIndex })
}

// Clear removes every slot of the scope.
func (s *Store) Clear() error {
	keys, err := s.kv.ListKeys(s.prefix())
	if err != nil {
		return fmt.Errorf("list checkpoint keys: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if err := s.kv.Delete(key); err != nil {
			errs = append(errs, &PersistError{Key: key, Err: err})
		}
	}
	return errors.Join(errs...)
}

// ValidScope reports whether scope is usable as a key segment: 1 to 64 characters
// from [A-Za-z0-9_-].
func ValidScope(scope string) bool {
	if scope == "" || len(scope) > 64 {
		return false
	}
	for _, c := range scope {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// Scopes lists every scope that has at least one checkpoint slot.
func Scopes(kv store.KV) ([]string, error) {
	keys, err := kv.ListKeys(rootPrefix)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, rootPrefix)
		scope, _, ok := strings.Cut(rest, "/")
		if !ok || seen[scope] {
			continue
		}
		seen[scope] = true
		out = append(out, scope)
	}
	return out, nil
}
