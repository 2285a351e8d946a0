package ir

import (
	"strings"
	"time"
)

// Direction is the side a mapping writes to.
type Direction string

const (
	// Push reads local records and writes remote objects.
	Push Direction = "Push"
	// Pull reads remote objects and writes local records.
	Pull Direction = "Pull"
)

// ValidDirections lists accepted directions.
var ValidDirections = map[Direction]bool{
	Push: true,
	Pull: true,
}

// DocType is a local record type: a name and its declared fields.
// Every record also carries the implicit "name" field.
type DocType struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// NameField is the implicit primary key of every local record.
const NameField = "name"

// HasField reports whether field is declared on the doctype or is "name".
func (d DocType) HasField(field string) bool {
	if field == NameField {
		return true
	}
	for _, f := range d.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// FieldRule pairs a remote field with a local field or rule text.
// For Push the remote side is the target and the local side is the rule;
// for Pull the local side is the target and the remote side is the rule.
type FieldRule struct {
	Remote string `json:"remote"`
	Local  string `json:"local"`
}

// Mapping declares how one local doctype relates to one remote object type.
type Mapping struct {
	Name              string      `json:"name"`
	Direction         Direction   `json:"direction"`
	LocalType         string      `json:"local_type"`
	RemoteObject      string      `json:"remote_object"`
	LocalPrimaryKey   string      `json:"local_primary_key,omitempty"`
	RemotePrimaryKey  string      `json:"remote_primary_key,omitempty"`
	MigrationKeyField string      `json:"migration_key_field"`
	Condition         string      `json:"condition,omitempty"`
	PreProcess        string      `json:"pre_process,omitempty"`
	Fields            []FieldRule `json:"fields"`
	SkipUnchanged     bool        `json:"skip_unchanged,omitempty"`
	PageSize          int         `json:"page_size,omitempty"`
}

// Target returns the field a rule writes for this mapping's direction.
func (m Mapping) Target(r FieldRule) string {
	if m.Direction == Pull {
		return r.Local
	}
	return r.Remote
}

// Rule returns the rule text evaluated against the source record.
func (m Mapping) Rule(r FieldRule) string {
	if m.Direction == Pull {
		return r.Remote
	}
	return r.Local
}

// RemoteKey returns the remote field holding object ids, defaulting to "name".
func (m Mapping) RemoteKey() string {
	if m.RemotePrimaryKey == "" {
		return NameField
	}
	return m.RemotePrimaryKey
}

func (m Mapping) irObject() IRObject {
	rules := make(IRArray, len(m.Fields))
	for i, r := range m.Fields {
		rules[i] = IRObject{"remote": IRString(r.Remote), "local": IRString(r.Local)}
	}
	return IRObject{
		"name":                IRString(m.Name),
		"direction":           IRString(m.Direction),
		"local_type":          IRString(m.LocalType),
		"remote_object":       IRString(m.RemoteObject),
		"local_primary_key":   IRString(m.LocalPrimaryKey),
		"remote_primary_key":  IRString(m.RemotePrimaryKey),
		"migration_key_field": IRString(m.MigrationKeyField),
		"condition":           IRString(m.Condition),
		"pre_process":         IRString(m.PreProcess),
		"fields":              rules,
		"skip_unchanged":      IRBool(m.SkipUnchanged),
		"page_size":           IRInt(m.PageSize),
	}
}

// RuleKind classifies field rule text.
type RuleKind int

const (
	// RuleField copies a source field by name.
	RuleField RuleKind = iota
	// RuleLiteral is a quoted constant.
	RuleLiteral
	// RuleExpression is evaluated in the expression sandbox.
	RuleExpression
)

// ExpressionPrefix marks rule text as an expression.
const ExpressionPrefix = "eval:"

// ClassifyRule reports the kind of rule text and its payload: the expression
// source, the unquoted literal, or the field name. Expression wins over literal.
func ClassifyRule(rule string) (RuleKind, string) {
	if strings.HasPrefix(rule, ExpressionPrefix) {
		return RuleExpression, strings.TrimSpace(strings.TrimPrefix(rule, ExpressionPrefix))
	}
	if len(rule) >= 2 {
		first, last := rule[0], rule[len(rule)-1]
		if (first == '"' || first == '\'') && first == last {
			return RuleLiteral, rule[1 : len(rule)-1]
		}
	}
	return RuleField, rule
}

// Plan is an ordered list of mapping names executed as one run.
type Plan struct {
	Name     string   `json:"name"`
	Mappings []string `json:"mappings"`
}

// ConnectorConfig names a remote endpoint. Type selects the connector factory.
// Credentials and Options are opaque to the engine.
type ConnectorConfig struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	RateLimit   float64           `json:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	Burst       int               `json:"burst,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"` // per operation, 0 = none
}

// Definitions is everything compiled from a definitions directory.
type Definitions struct {
	DocTypes   map[string]DocType         `json:"doctypes"`
	Mappings   map[string]Mapping         `json:"mappings"`
	Plans      map[string]Plan            `json:"plans"`
	Connectors map[string]ConnectorConfig `json:"connectors"`
}

// NewDefinitions returns empty, non-nil definitions.
func NewDefinitions() *Definitions {
	return &Definitions{
		DocTypes:   map[string]DocType{},
		Mappings:   map[string]Mapping{},
		Plans:      map[string]Plan{},
		Connectors: map[string]ConnectorConfig{},
	}
}

// Record is a stored local record.
type Record struct {
	DocType  string   `json:"doctype"`
	Name     string   `json:"name"`
	Fields   IRObject `json:"fields"`
	Modified int64    `json:"modified"`
}

// Link ties a local record to a remote id through a migration key field.
type Link struct {
	DocType      string    `json:"doctype"`
	Name         string    `json:"name"`
	KeyField     string    `json:"key_field"`
	RemoteID     string    `json:"remote_id"`
	RemoteObject string    `json:"remote_object"`
	Mapping      string    `json:"mapping"`
	Direction    Direction `json:"direction"`
	Fingerprint  string    `json:"fingerprint"`
	RunID        string    `json:"run_id"`
}
