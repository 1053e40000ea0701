// Package metadata defines the per-directory metadata document, the change
// sets that mutate it, the validator contract and the error taxonomy shared by
// the writer, cache, buffer and store layers.
//
// The document is a small JSON sidecar kept next to a directory of managed
// assets. It records which primary assets (archives, models) are paired with
// which secondary assets (previews), which ones are still unpaired, and a
// handful of folder-level flags.
package metadata

import (
	"encoding/json"
	"maps"
	"slices"
)

// Top-level document field names as they appear on disk.
const (
	FieldPairedEntries     = "pairedEntries"
	FieldUnpairedPrimary   = "unpairedPrimary"
	FieldUnpairedSecondary = "unpairedSecondary"
	FieldHasSpecialFolders = "hasSpecialFolders"
)

// RequiredFields lists the fields every persisted document must carry.
var RequiredFields = []string{
	FieldPairedEntries,
	FieldUnpairedPrimary,
	FieldUnpairedSecondary,
	FieldHasSpecialFolders,
}

// PairRecord describes one pairing between a primary asset and its secondary
// asset.
type PairRecord struct {
	// Primary is the identifier of the primary asset (e.g. an archive)
	Primary string `json:"primary" mapstructure:"primary" validate:"required"`

	// Secondary is the identifier of the paired asset (e.g. a preview image)
	Secondary string `json:"secondary" mapstructure:"secondary" validate:"required"`

	// Attributes carries free-form data owned by the pairing collaborator
	Attributes map[string]any `json:"attributes,omitempty" mapstructure:"attributes"`
}

// Document is the complete persisted metadata snapshot for one directory.
//
// A Document is always written as a whole. Fields the engine does not know
// about are kept in Extra and written back unchanged, so documents produced
// by newer tools survive a round trip through this engine.
type Document struct {
	PairedEntries     map[string]PairRecord `json:"pairedEntries" validate:"required,dive,keys,required,endkeys"`
	UnpairedPrimary   []string              `json:"unpairedPrimary" validate:"required,unique,dive,required"`
	UnpairedSecondary []string              `json:"unpairedSecondary" validate:"required,unique,dive,required"`
	HasSpecialFolders bool                  `json:"hasSpecialFolders"`

	// Extra holds unknown top-level fields verbatim.
	Extra map[string]json.RawMessage `json:"-" validate:"-"`
}

// NewDocument returns the default empty document.
func NewDocument() Document {
	return Document{
		PairedEntries:     make(map[string]PairRecord),
		UnpairedPrimary:   []string{},
		UnpairedSecondary: []string{},
	}
}

// Clone returns a deep copy of the document. Attribute maps inside pair
// records are copied one level deep.
func (d Document) Clone() Document {
	out := Document{
		HasSpecialFolders: d.HasSpecialFolders,
	}

	if d.PairedEntries != nil {
		out.PairedEntries = make(map[string]PairRecord, len(d.PairedEntries))
		for id, rec := range d.PairedEntries {
			out.PairedEntries[id] = rec.clone()
		}
	}
	if d.UnpairedPrimary != nil {
		out.UnpairedPrimary = slices.Clone(d.UnpairedPrimary)
	}
	if d.UnpairedSecondary != nil {
		out.UnpairedSecondary = slices.Clone(d.UnpairedSecondary)
	}
	if d.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = slices.Clone(v)
		}
	}

	return out
}

func (r PairRecord) clone() PairRecord {
	out := r
	if r.Attributes != nil {
		out.Attributes = maps.Clone(r.Attributes)
	}
	return out
}

// MarshalJSON writes the known fields together with any preserved unknown
// fields. Keys come out sorted, so equal documents encode to equal bytes.
func (d Document) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(d.Extra)+len(RequiredFields))
	for k, v := range d.Extra {
		fields[k] = v
	}

	entries := d.PairedEntries
	if entries == nil {
		entries = map[string]PairRecord{}
	}
	primary := d.UnpairedPrimary
	if primary == nil {
		primary = []string{}
	}
	secondary := d.UnpairedSecondary
	if secondary == nil {
		secondary = []string{}
	}

	fields[FieldPairedEntries] = entries
	fields[FieldUnpairedPrimary] = primary
	fields[FieldUnpairedSecondary] = secondary
	fields[FieldHasSpecialFolders] = d.HasSpecialFolders

	return json.Marshal(fields)
}

// UnmarshalJSON reads the known fields and keeps everything else in Extra.
// It does not check that required fields are present; see Decode.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*d = Document{}
	for key, value := range raw {
		var err error
		switch key {
		case FieldPairedEntries:
			err = json.Unmarshal(value, &d.PairedEntries)
		case FieldUnpairedPrimary:
			err = json.Unmarshal(value, &d.UnpairedPrimary)
		case FieldUnpairedSecondary:
			err = json.Unmarshal(value, &d.UnpairedSecondary)
		case FieldHasSpecialFolders:
			err = json.Unmarshal(value, &d.HasSpecialFolders)
		default:
			if d.Extra == nil {
				d.Extra = make(map[string]json.RawMessage)
			}
			d.Extra[key] = slices.Clone(value)
		}
		if err != nil {
			return &FieldError{Field: key, Err: err}
		}
	}

	return nil
}

// Encode serializes the document in its on-disk form.
func Encode(doc Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decode parses an on-disk document. It fails when the data is not a JSON
// object, when a known field has the wrong type, or when a required field is
// missing.
func Decode(data []byte) (Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, err
	}

	for _, field := range RequiredFields {
		value, ok := raw[field]
		if !ok || string(value) == "null" {
			return Document{}, &FieldError{Field: field, Err: errMissingField}
		}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}
