package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
)

// InsertRecord creates a record and returns its name. A non-empty "name"
// field is used as given; otherwise the name is <doctype>-<nnnnnn> from the
// doctype's counter.
func (s *Store) InsertRecord(ctx context.Context, doctype string, fields ir.IRObject) (string, error) {
	var name string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		name, err = s.insertRecordTx(ctx, tx, doctype, fields)
		return err
	})
	if err != nil {
		return "", errors.Wrap(err, "insert record")
	}
	return name, nil
}

func (s *Store) insertRecordTx(ctx context.Context, tx *sql.Tx, doctype string, fields ir.IRObject) (string, error) {
	dt, err := docTypeTx(ctx, tx, doctype)
	if err != nil {
		return "", err
	}
	if err := checkFields(dt, fields); err != nil {
		return "", err
	}

	name, _ := fields.StringField(ir.NameField)
	if name == "" {
		var seq int64
		err := tx.QueryRowContext(ctx,
			`UPDATE doctypes SET next_seq = next_seq + 1 WHERE name = ? RETURNING next_seq`,
			doctype).Scan(&seq)
		if err != nil {
			return "", errors.Wrap(err, "allocate name")
		}
		name = autoName(doctype, seq)
	}

	data, err := marshalFields(fields)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (doctype, name, data, modified) VALUES (?, ?, ?, ?)`,
		doctype, name, data, s.clock.Next())
	if isUniqueViolation(err) {
		return "", errors.Newf("record %s/%s already exists", doctype, name)
	}
	if err != nil {
		return "", errors.Wrapf(err, "insert %s/%s", doctype, name)
	}
	return name, nil
}

// autoName derives a record name from the doctype and counter,
// e.g. "Sales Order", 7 -> "sales-order-000007".
func autoName(doctype string, seq int64) string {
	slug := strings.ToLower(strings.Join(strings.Fields(doctype), "-"))
	return fmt.Sprintf("%s-%06d", slug, seq)
}

// GetRecord returns one record, or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, doctype, name string) (ir.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, data, modified FROM records WHERE doctype = ? AND name = ?`,
		doctype, name)
	rec, err := scanRecord(doctype, row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Record{}, errors.Wrapf(ErrNotFound, "record %s/%s", doctype, name)
	}
	if err != nil {
		return ir.Record{}, errors.Wrapf(err, "get record %s/%s", doctype, name)
	}
	return rec, nil
}

// Query returns records matching q in stable order. When q.Fields is set only
// those fields (plus "name") are returned.
func (s *Store) Query(ctx context.Context, q queryir.Select) ([]ir.Record, error) {
	query, params, err := s.compiler.Compile(q)
	if err != nil {
		return nil, errors.Wrap(err, "query records")
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, errors.Wrap(err, "query records")
	}
	defer rows.Close()

	out := []ir.Record{}
	for rows.Next() {
		rec, err := scanRecord(q.DocType, rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		if len(q.Fields) > 0 {
			rec.Fields = project(rec.Fields, q.Fields)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate records")
	}
	return out, nil
}

// project keeps only the listed fields and "name". Listed fields missing
// from the record are omitted, not nulled.
func project(fields ir.IRObject, keep []string) ir.IRObject {
	out := ir.IRObject{ir.NameField: fields.Get(ir.NameField)}
	for _, k := range keep {
		if v, ok := fields[k]; ok {
			out[k] = v
		}
	}
	return out
}

// UpdateRecord merges fields into an existing record. A "name" field is ignored.
func (s *Store) UpdateRecord(ctx context.Context, doctype, name string, fields ir.IRObject) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateRecordTx(ctx, tx, doctype, name, fields)
	})
	if err != nil {
		return errors.Wrap(err, "update record")
	}
	return nil
}

func (s *Store) updateRecordTx(ctx context.Context, tx *sql.Tx, doctype, name string, fields ir.IRObject) error {
	dt, err := docTypeTx(ctx, tx, doctype)
	if err != nil {
		return err
	}
	if err := checkFields(dt, fields); err != nil {
		return err
	}
	current, err := readFieldsTx(ctx, tx, doctype, name)
	if err != nil {
		return err
	}
	for k, v := range fields {
		if k == ir.NameField {
			continue
		}
		current[k] = v
	}
	return writeFieldsTx(ctx, tx, s.clock.Next(), doctype, name, current)
}

// DeleteRecord removes a record and, by cascade, its links.
func (s *Store) DeleteRecord(ctx context.Context, doctype, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE doctype = ? AND name = ?`, doctype, name)
	if err != nil {
		return errors.Wrapf(err, "delete record %s/%s", doctype, name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "record %s/%s", doctype, name)
	}
	return nil
}

func readFieldsTx(ctx context.Context, tx *sql.Tx, doctype, name string) (ir.IRObject, error) {
	var data string
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM records WHERE doctype = ? AND name = ?`, doctype, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "record %s/%s", doctype, name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read record %s/%s", doctype, name)
	}
	fields, err := ir.ParseObject([]byte(data))
	if err != nil {
		return nil, errors.Wrapf(err, "decode record %s/%s", doctype, name)
	}
	return fields, nil
}

func writeFieldsTx(ctx context.Context, tx *sql.Tx, modified int64, doctype, name string, fields ir.IRObject) error {
	data, err := marshalFields(fields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE records SET data = ?, modified = ? WHERE doctype = ? AND name = ?`,
		data, modified, doctype, name)
	if err != nil {
		return errors.Wrapf(err, "write record %s/%s", doctype, name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(doctype string, row rowScanner) (ir.Record, error) {
	var (
		name, data string
		modified   int64
	)
	if err := row.Scan(&name, &data, &modified); err != nil {
		return ir.Record{}, err
	}
	fields, err := unmarshalFields(name, data)
	if err != nil {
		return ir.Record{}, err
	}
	return ir.Record{DocType: doctype, Name: name, Fields: fields, Modified: modified}, nil
}
