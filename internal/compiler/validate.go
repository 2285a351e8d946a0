package compiler

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/expr"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
	"github.com/roach88/recsync/internal/transform"
)

// Validation error codes (E100-E199)
const (
	// DocType errors (E100-E109)
	ErrDocTypeNoFields  = "E100" // doctype declares no fields
	ErrInvalidFieldName = "E101" // field name not usable in filters
	ErrDuplicateField   = "E102" // field declared twice
	ErrReservedField    = "E103" // "name" declared explicitly

	// Mapping errors (E110-E129)
	ErrMappingNoFields     = "E110" // fields must be non-empty
	ErrInvalidDirection    = "E111" // direction not Push or Pull
	ErrUnknownDocType      = "E112" // local_type not declared
	ErrUnknownLocalField   = "E113" // rule names a field the doctype lacks
	ErrMigrationKeyMissing = "E114" // migration key not on the doctype
	ErrMigrationKeyMapped  = "E115" // migration key also mapped as a field
	ErrInvalidTarget       = "E116" // target side is not a plain field
	ErrUnsafeExpression    = "E117" // expression fails the sandbox check
	ErrMissingRemoteObject = "E118" // remote_object empty
	ErrInvalidPrimaryKey   = "E119" // local_primary_key not on the doctype
	ErrInvalidPageSize     = "E120" // page_size negative

	// Plan errors (E130-E139)
	ErrPlanEmpty            = "E130" // plan lists no mappings
	ErrPlanUnknownMapping   = "E131" // plan references an undefined mapping
	ErrPlanDuplicateMapping = "E132" // mapping listed twice

	// Connector errors (E140-E149)
	ErrConnectorNoType      = "E140" // type is required
	ErrConnectorUnknownType = "E141" // no factory for type
	ErrConnectorLimits      = "E142" // negative rate limit, burst or timeout
)

// ValidationError represents a definition validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// DocTypeLookup resolves a doctype by name.
type DocTypeLookup func(name string) (ir.DocType, bool)

// Validator checks definitions. Expressions are checked against the
// evaluator's sandbox; KnownTypes, when set, restricts connector types.
type Validator struct {
	Evaluator  *transform.Evaluator
	KnownTypes func(string) bool
}

// NewValidator returns a validator with its own sandbox.
func NewValidator() *Validator {
	return &Validator{Evaluator: transform.New(nil)}
}

// Validate checks every definition and returns all errors found, ordered
// by kind then name.
func (v *Validator) Validate(defs *ir.Definitions) []ValidationError {
	var errs []ValidationError
	lookup := func(name string) (ir.DocType, bool) {
		dt, ok := defs.DocTypes[name]
		return dt, ok
	}
	for _, name := range sortedKeys(defs.DocTypes) {
		errs = append(errs, ValidateDocType(defs.DocTypes[name])...)
	}
	for _, name := range sortedKeys(defs.Mappings) {
		errs = append(errs, v.ValidateMapping(defs.Mappings[name], lookup)...)
	}
	for _, name := range sortedKeys(defs.Plans) {
		errs = append(errs, ValidatePlan(defs.Plans[name], defs.Mappings)...)
	}
	for _, name := range sortedKeys(defs.Connectors) {
		errs = append(errs, v.ValidateConnector(defs.Connectors[name])...)
	}
	return errs
}

// ValidateDocType checks field declarations.
func ValidateDocType(dt ir.DocType) []ValidationError {
	var errs []ValidationError
	prefix := "doctype." + dt.Name
	if len(dt.Fields) == 0 {
		errs = append(errs, ValidationError{Field: prefix + ".fields", Message: "at least one field is required", Code: ErrDocTypeNoFields})
	}
	seen := map[string]bool{}
	for i, f := range dt.Fields {
		field := fmt.Sprintf("%s.fields[%d]", prefix, i)
		switch {
		case f == ir.NameField:
			errs = append(errs, ValidationError{Field: field, Message: `"name" is implicit and cannot be declared`, Code: ErrReservedField})
		case !queryir.ValidField(f):
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid field name %q", f), Code: ErrInvalidFieldName})
		case seen[f]:
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate field %q", f), Code: ErrDuplicateField})
		}
		seen[f] = true
	}
	return errs
}

// ValidateMapping checks a mapping against its local doctype.
func (v *Validator) ValidateMapping(m ir.Mapping, lookup DocTypeLookup) []ValidationError {
	var errs []ValidationError
	prefix := "mapping." + m.Name
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: prefix + field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	if !ir.ValidDirections[m.Direction] {
		add(".direction", ErrInvalidDirection, `invalid direction %q, must be "Push" or "Pull"`, m.Direction)
	}
	if m.RemoteObject == "" {
		add(".remote_object", ErrMissingRemoteObject, "remote_object is required")
	}
	if len(m.Fields) == 0 {
		add(".fields", ErrMappingNoFields, "at least one field rule is required")
	}
	if m.PageSize < 0 {
		add(".page_size", ErrInvalidPageSize, "page_size must not be negative")
	}

	dt, ok := lookup(m.LocalType)
	if !ok {
		add(".local_type", ErrUnknownDocType, "unknown doctype %q", m.LocalType)
	} else {
		if !dt.HasField(m.MigrationKeyField) || m.MigrationKeyField == ir.NameField {
			add(".migration_key_field", ErrMigrationKeyMissing, "field %q is not declared on %s", m.MigrationKeyField, dt.Name)
		}
		if m.LocalPrimaryKey != "" && !dt.HasField(m.LocalPrimaryKey) {
			add(".local_primary_key", ErrInvalidPrimaryKey, "field %q is not declared on %s", m.LocalPrimaryKey, dt.Name)
		}
	}

	for i, r := range m.Fields {
		field := fmt.Sprintf(".fields[%d]", i)
		target := m.Target(r)
		if kind, _ := ir.ClassifyRule(target); kind != ir.RuleField || !queryir.ValidField(target) {
			add(field, ErrInvalidTarget, "target %q must be a plain field name", target)
		}
		localKind, local := ir.ClassifyRule(r.Local)
		if localKind != ir.RuleField {
			continue
		}
		if local == m.MigrationKeyField {
			add(field, ErrMigrationKeyMapped, "migration key field %q cannot be mapped", local)
			continue
		}
		if ok && !dt.HasField(local) {
			add(field, ErrUnknownLocalField, "field %q is not declared on %s", local, dt.Name)
		}
	}

	if v.Evaluator != nil {
		if err := v.Evaluator.Check(m); err != nil {
			var te *transform.TransformError
			field := ""
			if errors.As(err, &te) {
				field = "." + te.Field
			}
			var unsafe *expr.UnsafeExpressionError
			if errors.As(err, &unsafe) {
				add(field, ErrUnsafeExpression, "%s", unsafe.Error())
			} else {
				add(field, ErrUnsafeExpression, "%v", err)
			}
		}
	}
	return errs
}

// ValidatePlan checks that a plan lists existing mappings once each.
func ValidatePlan(p ir.Plan, mappings map[string]ir.Mapping) []ValidationError {
	var errs []ValidationError
	prefix := "plan." + p.Name
	if len(p.Mappings) == 0 {
		errs = append(errs, ValidationError{Field: prefix + ".mappings", Message: "at least one mapping is required", Code: ErrPlanEmpty})
	}
	seen := map[string]bool{}
	for i, name := range p.Mappings {
		field := fmt.Sprintf("%s.mappings[%d]", prefix, i)
		if _, ok := mappings[name]; !ok {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("unknown mapping %q", name), Code: ErrPlanUnknownMapping})
		}
		if seen[name] {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("mapping %q listed twice", name), Code: ErrPlanDuplicateMapping})
		}
		seen[name] = true
	}
	return errs
}

// ValidateConnector checks connector configuration.
func (v *Validator) ValidateConnector(c ir.ConnectorConfig) []ValidationError {
	var errs []ValidationError
	prefix := "connector." + c.Name
	switch {
	case c.Type == "":
		errs = append(errs, ValidationError{Field: prefix + ".type", Message: "type is required", Code: ErrConnectorNoType})
	case v.KnownTypes != nil && !v.KnownTypes(c.Type):
		errs = append(errs, ValidationError{Field: prefix + ".type", Message: fmt.Sprintf("unknown connector type %q", c.Type), Code: ErrConnectorUnknownType})
	}
	if c.RateLimit < 0 || c.Burst < 0 || c.Timeout < 0 {
		errs = append(errs, ValidationError{Field: prefix, Message: "rate_limit, burst and timeout must not be negative", Code: ErrConnectorLimits})
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
