package metadata

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validator decides whether a document has an acceptable shape.
//
// The engine only relies on the yes/no answer: an invalid document read from
// disk is treated as absent, and an invalid candidate is never written.
type Validator interface {
	ValidateDocument(doc *Document) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(doc *Document) error

func (f ValidatorFunc) ValidateDocument(doc *Document) error {
	return f(doc)
}

// DefaultValidator checks the struct-tag rules declared on Document and
// PairRecord: collections present, identifiers non-empty, unpaired lists free
// of duplicates, and every pair record naming both assets.
type DefaultValidator struct {
	validate *validator.Validate
}

// NewDefaultValidator creates a validator backed by go-playground/validator.
func NewDefaultValidator() *DefaultValidator {
	return &DefaultValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ValidateDocument implements Validator.
func (v *DefaultValidator) ValidateDocument(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("document is nil")
	}
	if err := v.validate.Struct(doc); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// formatValidationError converts validator errors into a short message naming
// the first offending field.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return &FieldError{
			Field: e.Namespace(),
			Err:   fmt.Errorf("validation failed on '%s' tag (value: %v)", e.Tag(), e.Value()),
		}
	}
	return err
}
