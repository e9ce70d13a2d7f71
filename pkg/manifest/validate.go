package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/gofielding/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

// SchemaID identifies the competition manifest schema.
const SchemaID = "gofielding/v1.0.0/competition-manifest"

var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single validation issue.
type ValidationError struct {
	// Path is a JSON pointer to the offending field, e.g. "/targets/0/name".
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every issue found in one manifest.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks a typed manifest against the schema and its cross
// references. Unknown fields are already lost in the typed form; use
// ValidateRaw on the original document for strict checks.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	return validateReferences(m)
}

// ValidateRaw checks raw JSON against the embedded manifest schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// validateReferences checks what the schema cannot express: unique round
// numbers and target names, and parents that name an earlier artifact of the
// same target.
func validateReferences(m *Manifest) error {
	var errs ValidationErrors

	rounds := make(map[int64]struct{}, len(m.Rounds))
	for i, r := range m.Rounds {
		if _, dup := rounds[r.Num]; dup {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/rounds/%d/num", i),
				Message: fmt.Sprintf("duplicate round number %d", r.Num),
			})
		}
		rounds[r.Num] = struct{}{}
	}

	targets := make(map[string]struct{}, len(m.Targets))
	hashes := make(map[string]string)
	for i, t := range m.Targets {
		if _, dup := targets[t.Name]; dup {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/targets/%d/name", i),
				Message: fmt.Sprintf("duplicate target %q", t.Name),
			})
		}
		targets[t.Name] = struct{}{}

		seen := make(map[string]struct{}, len(t.Artifacts))
		for j, a := range t.Artifacts {
			path := fmt.Sprintf("/targets/%d/artifacts/%d", i, j)
			if a.Parent != "" {
				if _, ok := seen[a.Parent]; !ok {
					errs = append(errs, ValidationError{
						Path:    path + "/parent",
						Message: fmt.Sprintf("parent %q must be listed earlier in target %q", a.Parent, t.Name),
					})
				}
			}
			sum := strings.ToLower(a.SHA256)
			if prev, dup := hashes[sum]; dup {
				errs = append(errs, ValidationError{
					Path:    path + "/sha256",
					Message: fmt.Sprintf("sha256 already used by %s", prev),
				})
			}
			hashes[sum] = path
			seen[a.Name] = struct{}{}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.CompetitionManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded competition-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.CompetitionManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
