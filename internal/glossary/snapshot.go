package glossary

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dativo-io/anonimiza/internal/pii"
)

// Snapshot is the persisted form of a glossary.
type Snapshot struct {
	ProjectID         string               `json:"project_id"`
	VocabularyVersion int                  `json:"vocabulary_version"`
	Mappings          []Mapping            `json:"mappings"`
	Counters          map[pii.Category]int `json:"counters"`
}

// Snapshot captures the glossary under the read lock.
func (g *Glossary) Snapshot() Snapshot {
	g.mu.RLock()
	s := Snapshot{
		ProjectID:         g.projectID,
		VocabularyVersion: pii.VocabularyVersion,
		Mappings:          make([]Mapping, 0, len(g.byKey)),
		Counters:          make(map[pii.Category]int, len(g.counters)),
	}
	for _, m := range g.byKey {
		s.Mappings = append(s.Mappings, *m)
	}
	for c, n := range g.counters {
		s.Counters[c] = n
	}
	g.mu.RUnlock()
	sortMappings(s.Mappings)
	return s
}

// Restore replaces the glossary contents with s. Both indexes are built and
// checked first and swapped in only if s is consistent; on error the
// glossary is unchanged. Counters are raised to at least the highest
// sequence already minted so restored aliases are never minted again.
func (g *Glossary) Restore(s Snapshot) error {
	byKey := make(map[lookupKey]*Mapping, len(s.Mappings))
	byAlias := make(map[string]lookupKey, len(s.Mappings))
	counters := make(map[pii.Category]int, len(s.Counters))

	for c, n := range s.Counters {
		if !c.Known() || n < 0 {
			return fmt.Errorf("%w: counter %s=%d", ErrInvalidSnapshot, c, n)
		}
		counters[c] = n
	}
	for i, m := range s.Mappings {
		if !m.Category.Known() {
			return fmt.Errorf("%w: mapping %d has unknown category %q", ErrInvalidSnapshot, i, m.Category)
		}
		alias := strings.TrimSpace(m.Alias)
		if alias == "" || m.Value == "" {
			return fmt.Errorf("%w: mapping %d has an empty value or alias", ErrInvalidSnapshot, i)
		}
		// Stored values are already normalized and Normalize is a fixpoint on
		// them; hand-written imports may carry surface forms.
		k := lookupKey{category: m.Category, value: Normalize(m.Category, m.Value)}
		if k.value == "" {
			return fmt.Errorf("%w: mapping %d value %q normalizes to nothing", ErrInvalidSnapshot, i, m.Value)
		}
		if _, dup := byKey[k]; dup {
			return fmt.Errorf("%w: %s %q appears twice", ErrInvalidSnapshot, m.Category, k.value)
		}
		if _, dup := byAlias[alias]; dup {
			return fmt.Errorf("%w: alias %s is bound to two values", ErrInvalidSnapshot, alias)
		}
		entry := m
		entry.Alias = alias
		entry.Value = k.value
		if entry.Occurrences < 0 {
			entry.Occurrences = 0
		}
		if entry.Version < 1 {
			entry.Version = 1
		}
		byKey[k] = &entry
		byAlias[alias] = k
		if n, ok := aliasSequence(m.Category, alias); ok && n > counters[m.Category] {
			counters[m.Category] = n
		}
	}

	g.mu.Lock()
	g.byKey, g.byAlias, g.counters = byKey, byAlias, counters
	g.mu.Unlock()
	return nil
}

const snapshotSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["mappings", "counters"],
  "properties": {
    "project_id": {"type": "string"},
    "vocabulary_version": {"type": "integer", "minimum": 1},
    "mappings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["category", "value", "alias"],
        "properties": {
          "category": {"type": "string", "pattern": "^[A-Z_]+$"},
          "value": {"type": "string", "minLength": 1},
          "alias": {"type": "string", "minLength": 1},
          "occurrences": {"type": "integer", "minimum": 0},
          "first_document_id": {"type": "string"},
          "version": {"type": "integer", "minimum": 1}
        }
      }
    },
    "counters": {
      "type": "object",
      "additionalProperties": {"type": "integer", "minimum": 0}
    }
  }
}`

// DecodeSnapshot validates data against the snapshot JSON schema and
// decodes it.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(snapshotSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if !result.Valid() {
		var msg strings.Builder
		for _, verr := range result.Errors() {
			fmt.Fprintf(&msg, "\n- %s", verr)
		}
		return Snapshot{}, fmt.Errorf("%w:%s", ErrInvalidSnapshot, msg.String())
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	return s, nil
}

// EncodeSnapshot renders s as indented JSON.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
