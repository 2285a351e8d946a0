package store

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/ir"
)

// marshalFields stores a record document as canonical JSON, without "name".
func marshalFields(fields ir.IRObject) (string, error) {
	doc := make(ir.IRObject, len(fields))
	for k, v := range fields {
		if k == ir.NameField {
			continue
		}
		doc[k] = v
	}
	data, err := ir.MarshalCanonical(doc)
	if err != nil {
		return "", errors.Wrap(err, "marshal fields")
	}
	return string(data), nil
}

// unmarshalFields decodes a stored document and adds back "name".
func unmarshalFields(name, data string) (ir.IRObject, error) {
	fields, err := ir.ParseObject([]byte(data))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal fields")
	}
	fields[ir.NameField] = ir.IRString(name)
	return fields, nil
}

func marshalFieldNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "", errors.Wrap(err, "marshal field names")
	}
	return string(data), nil
}

func unmarshalFieldNames(data string) ([]string, error) {
	var names []string
	if err := json.Unmarshal([]byte(data), &names); err != nil {
		return nil, errors.Wrap(err, "unmarshal field names")
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// formatTime stores times as UTC RFC 3339; the zero time is stored as "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", s)
	}
	return t, nil
}
