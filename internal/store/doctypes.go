package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/ir"
)

// PutDocType declares or redeclares a doctype. Existing records are kept;
// the record counter is preserved.
func (s *Store) PutDocType(ctx context.Context, dt ir.DocType) error {
	if dt.Name == "" {
		return errors.New("put doctype: name is required")
	}
	fields, err := marshalFieldNames(dt.Fields)
	if err != nil {
		return errors.Wrap(err, "put doctype")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO doctypes (name, fields) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET fields = excluded.fields
	`, dt.Name, fields)
	if err != nil {
		return errors.Wrapf(err, "put doctype %s", dt.Name)
	}
	return nil
}

// DocType returns a declared doctype, or ErrNotFound.
func (s *Store) DocType(ctx context.Context, name string) (ir.DocType, error) {
	var fields string
	err := s.db.QueryRowContext(ctx, `SELECT fields FROM doctypes WHERE name = ?`, name).Scan(&fields)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.DocType{}, errors.Wrapf(ErrNotFound, "doctype %s", name)
	}
	if err != nil {
		return ir.DocType{}, errors.Wrapf(err, "read doctype %s", name)
	}
	names, err := unmarshalFieldNames(fields)
	if err != nil {
		return ir.DocType{}, err
	}
	return ir.DocType{Name: name, Fields: names}, nil
}

// DocTypes returns every declared doctype ordered by name.
func (s *Store) DocTypes(ctx context.Context) ([]ir.DocType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, fields FROM doctypes ORDER BY name COLLATE BINARY ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "query doctypes")
	}
	defer rows.Close()

	out := []ir.DocType{}
	for rows.Next() {
		var name, fields string
		if err := rows.Scan(&name, &fields); err != nil {
			return nil, errors.Wrap(err, "scan doctype")
		}
		names, err := unmarshalFieldNames(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, ir.DocType{Name: name, Fields: names})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate doctypes")
	}
	return out, nil
}

// docTypeTx loads a doctype inside a transaction.
func docTypeTx(ctx context.Context, tx *sql.Tx, name string) (ir.DocType, error) {
	var fields string
	err := tx.QueryRowContext(ctx, `SELECT fields FROM doctypes WHERE name = ?`, name).Scan(&fields)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.DocType{}, errors.Wrapf(ErrUnknownDocType, "%s", name)
	}
	if err != nil {
		return ir.DocType{}, errors.Wrapf(err, "read doctype %s", name)
	}
	names, err := unmarshalFieldNames(fields)
	if err != nil {
		return ir.DocType{}, err
	}
	return ir.DocType{Name: name, Fields: names}, nil
}

// checkFields rejects fields the doctype does not declare.
func checkFields(dt ir.DocType, fields ir.IRObject) error {
	for _, k := range fields.SortedKeys() {
		if !dt.HasField(k) {
			return errors.Wrapf(ErrUnknownField, "%s.%s", dt.Name, k)
		}
	}
	return nil
}
