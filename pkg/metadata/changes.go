package metadata

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ChangeSet maps a field path to its new value.
//
// Recognized paths:
//   - "pairedEntries", "unpairedPrimary", "unpairedSecondary",
//     "hasSpecialFolders": replace the whole field
//   - "pairedEntries.<id>": set one pair record; a nil value removes it
//
// Values may be typed (e.g. []string, PairRecord) or generic JSON-shaped
// values (e.g. []any, map[string]any) as produced by encoding/json.
type ChangeSet map[string]any

// Change is one normalized field mutation.
type Change struct {
	// Path is the original field path
	Path string

	// Field is the top-level document field the change targets
	Field string

	// EntryID is set for "pairedEntries.<id>" paths
	EntryID string

	// Value is the decoded value (nil when Delete is set)
	Value any

	// Delete removes a single pair record
	Delete bool

	// Seq orders changes inside a pending buffer
	Seq uint64
}

// IsEntry reports whether the change targets a single pair record.
func (c Change) IsEntry() bool {
	return c.EntryID != ""
}

// Supersedes reports whether applying c makes an earlier change o irrelevant.
// A whole-field replacement of pairedEntries supersedes every single-entry
// change.
func (c Change) Supersedes(o Change) bool {
	if c.Path == o.Path {
		return true
	}
	return !c.IsEntry() && c.Field == FieldPairedEntries && o.IsEntry()
}

var (
	errUnknownPath = errors.New("unknown field path")
	errNilValue    = errors.New("value must not be nil")
)

const entryPrefix = FieldPairedEntries + "."

// Normalize decodes and validates every change in the set. On success the
// returned changes are ordered deterministically: whole-field replacements
// first, then single-entry changes, each group sorted by path.
//
// Each change is validated on its own by applying it to an empty document and
// running v over the result, so a change is rejected exactly when it would
// make a document invalid.
func (cs ChangeSet) Normalize(v Validator) ([]Change, error) {
	if len(cs) == 0 {
		return nil, nil
	}

	changes := make([]Change, 0, len(cs))
	for path, value := range cs {
		c, err := normalizeChange(path, value)
		if err != nil {
			return nil, err
		}
		if v != nil {
			candidate := NewDocument()
			Apply(&candidate, []Change{c})
			if err := v.ValidateDocument(&candidate); err != nil {
				return nil, &FieldError{Field: path, Err: err}
			}
		}
		changes = append(changes, c)
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].IsEntry() != changes[j].IsEntry() {
			return !changes[i].IsEntry()
		}
		return changes[i].Path < changes[j].Path
	})

	return changes, nil
}

func normalizeChange(path string, value any) (Change, error) {
	c := Change{Path: path, Field: path}

	switch {
	case path == FieldUnpairedPrimary || path == FieldUnpairedSecondary:
		var ids []string
		if err := decodeValue(value, &ids); err != nil {
			return Change{}, &FieldError{Field: path, Err: err}
		}
		c.Value = ids

	case path == FieldHasSpecialFolders:
		var flag bool
		if err := decodeValue(value, &flag); err != nil {
			return Change{}, &FieldError{Field: path, Err: err}
		}
		c.Value = flag

	case path == FieldPairedEntries:
		var entries map[string]PairRecord
		if err := decodeValue(value, &entries); err != nil {
			return Change{}, &FieldError{Field: path, Err: err}
		}
		c.Value = entries

	case strings.HasPrefix(path, entryPrefix):
		id := strings.TrimPrefix(path, entryPrefix)
		if id == "" {
			return Change{}, &FieldError{Field: path, Err: errors.New("empty entry identifier")}
		}
		c.Field = FieldPairedEntries
		c.EntryID = id
		if value == nil {
			c.Delete = true
			return c, nil
		}
		var rec PairRecord
		if err := decodeValue(value, &rec); err != nil {
			return Change{}, &FieldError{Field: path, Err: err}
		}
		c.Value = rec

	default:
		return Change{}, &FieldError{Field: path, Err: errUnknownPath}
	}

	return c, nil
}

// decodeValue converts a caller-supplied value into the typed target,
// rejecting unknown keys and type mismatches.
func decodeValue(value any, target any) error {
	if value == nil {
		return errNilValue
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      target,
		ErrorUnused: true,
		TagName:     "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(value); err != nil {
		return err
	}
	return nil
}

// Apply mutates doc by applying changes in order. Collections are copied so
// doc never aliases a change value.
func Apply(doc *Document, changes []Change) {
	for _, c := range changes {
		switch c.Field {
		case FieldUnpairedPrimary:
			doc.UnpairedPrimary = slices.Clone(c.Value.([]string))
			if doc.UnpairedPrimary == nil {
				doc.UnpairedPrimary = []string{}
			}
		case FieldUnpairedSecondary:
			doc.UnpairedSecondary = slices.Clone(c.Value.([]string))
			if doc.UnpairedSecondary == nil {
				doc.UnpairedSecondary = []string{}
			}
		case FieldHasSpecialFolders:
			doc.HasSpecialFolders = c.Value.(bool)
		case FieldPairedEntries:
			if doc.PairedEntries == nil {
				doc.PairedEntries = make(map[string]PairRecord)
			}
			if !c.IsEntry() {
				entries := c.Value.(map[string]PairRecord)
				doc.PairedEntries = make(map[string]PairRecord, len(entries))
				for id, rec := range entries {
					doc.PairedEntries[id] = rec.clone()
				}
				continue
			}
			if c.Delete {
				delete(doc.PairedEntries, c.EntryID)
				continue
			}
			doc.PairedEntries[c.EntryID] = c.Value.(PairRecord).clone()
		}
	}
}
