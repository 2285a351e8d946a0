package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/ir"
)

const linkColumns = `doctype, name, key_field, remote_id, remote_object, mapping, direction, fingerprint, run_id`

// FindLink looks up the local record linked to remoteID through keyField.
func (s *Store) FindLink(ctx context.Context, doctype, keyField, remoteID string) (ir.Link, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links
		WHERE doctype = ? AND key_field = ? AND remote_id = ?`,
		doctype, keyField, remoteID)
	return scanLinkRow(row)
}

// LinkFor returns the link of a local record through keyField, if any.
func (s *Store) LinkFor(ctx context.Context, doctype, name, keyField string) (ir.Link, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links
		WHERE doctype = ? AND name = ? AND key_field = ?`,
		doctype, name, keyField)
	return scanLinkRow(row)
}

// LinksForRun returns links last written by a run, in stable order.
func (s *Store) LinksForRun(ctx context.Context, runID string) ([]ir.Link, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+linkColumns+` FROM links
		WHERE run_id = ?
		ORDER BY doctype COLLATE BINARY ASC, name COLLATE BINARY ASC, key_field COLLATE BINARY ASC`,
		runID)
	if err != nil {
		return nil, errors.Wrap(err, "query links")
	}
	defer rows.Close()

	out := []ir.Link{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan link")
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate links")
	}
	return out, nil
}

// CreateLinked inserts a record whose migration key is already known and
// records its link, in one transaction. link.DocType and link.Name are
// filled in from the insert. Returns the new record's name.
func (s *Store) CreateLinked(ctx context.Context, doctype string, fields ir.IRObject, link ir.Link) (string, error) {
	var name string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		doc := fields.Clone()
		doc[link.KeyField] = ir.IRString(link.RemoteID)

		var err error
		name, err = s.insertRecordTx(ctx, tx, doctype, doc)
		if err != nil {
			return err
		}
		link.DocType, link.Name = doctype, name
		return insertLinkTx(ctx, tx, link)
	})
	if err != nil {
		return "", errors.Wrap(err, "create linked record")
	}
	return name, nil
}

// UpdateLinked merges fields into a record and links it, in one
// transaction. An existing link to the same remote id keeps its origin
// (mapping and direction) and gets the new fingerprint and run; an unlinked
// record is linked as by Link.
func (s *Store) UpdateLinked(ctx context.Context, doctype, name string, fields ir.IRObject, link ir.Link) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateRecordTx(ctx, tx, doctype, name, fields); err != nil {
			return err
		}
		link.DocType, link.Name = doctype, name
		return s.linkTx(ctx, tx, link)
	})
	if err != nil {
		return errors.Wrap(err, "update linked record")
	}
	return nil
}

// Link sets the migration key on an existing record and records the link,
// in one transaction.
//
// A key is set once: linking a record whose key already holds a different
// remote id, or a remote id already linked to another record, returns
// ErrLinkConflict. Re-linking to the same remote id refreshes the link.
func (s *Store) Link(ctx context.Context, link ir.Link) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.linkTx(ctx, tx, link)
	})
	if err != nil {
		return errors.Wrap(err, "link record")
	}
	return nil
}

func (s *Store) linkTx(ctx context.Context, tx *sql.Tx, link ir.Link) error {
	current, err := readFieldsTx(ctx, tx, link.DocType, link.Name)
	if err != nil {
		return err
	}
	if existing, ok := current.StringField(link.KeyField); ok && existing != link.RemoteID {
		return errors.Wrapf(ErrLinkConflict, "%s/%s.%s is %q", link.DocType, link.Name, link.KeyField, existing)
	}

	prev, found, err := linkForTx(ctx, tx, link.DocType, link.Name, link.KeyField)
	if err != nil {
		return err
	}
	if found {
		if prev.RemoteID != link.RemoteID {
			return errors.Wrapf(ErrLinkConflict, "%s/%s linked to %q", link.DocType, link.Name, prev.RemoteID)
		}
		return touchLinkTx(ctx, tx, link)
	}

	if _, ok := current.StringField(link.KeyField); !ok {
		current[link.KeyField] = ir.IRString(link.RemoteID)
		if err := writeFieldsTx(ctx, tx, s.clock.Next(), link.DocType, link.Name, current); err != nil {
			return err
		}
	}
	return insertLinkTx(ctx, tx, link)
}

// TouchLink records a new fingerprint and run on an existing link without
// touching the record.
func (s *Store) TouchLink(ctx context.Context, link ir.Link) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return touchLinkTx(ctx, tx, link)
	})
	if err != nil {
		return errors.Wrap(err, "touch link")
	}
	return nil
}

func insertLinkTx(ctx context.Context, tx *sql.Tx, l ir.Link) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.DocType, l.Name, l.KeyField, l.RemoteID, l.RemoteObject,
		l.Mapping, string(l.Direction), l.Fingerprint, l.RunID)
	if isUniqueViolation(err) {
		return errors.Wrapf(ErrLinkConflict, "%s.%s = %q already linked", l.DocType, l.KeyField, l.RemoteID)
	}
	if err != nil {
		return errors.Wrap(err, "insert link")
	}
	return nil
}

func touchLinkTx(ctx context.Context, tx *sql.Tx, l ir.Link) error {
	res, err := tx.ExecContext(ctx, `UPDATE links SET fingerprint = ?, run_id = ?
		WHERE doctype = ? AND name = ? AND key_field = ? AND remote_id = ?`,
		l.Fingerprint, l.RunID, l.DocType, l.Name, l.KeyField, l.RemoteID)
	if err != nil {
		return errors.Wrap(err, "update link")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "link %s/%s.%s -> %q", l.DocType, l.Name, l.KeyField, l.RemoteID)
	}
	return nil
}

func linkForTx(ctx context.Context, tx *sql.Tx, doctype, name, keyField string) (ir.Link, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links
		WHERE doctype = ? AND name = ? AND key_field = ?`,
		doctype, name, keyField)
	return scanLinkRow(row)
}

func scanLinkRow(row rowScanner) (ir.Link, bool, error) {
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Link{}, false, nil
	}
	if err != nil {
		return ir.Link{}, false, errors.Wrap(err, "read link")
	}
	return l, true, nil
}

func scanLink(row rowScanner) (ir.Link, error) {
	var (
		l         ir.Link
		direction string
	)
	err := row.Scan(&l.DocType, &l.Name, &l.KeyField, &l.RemoteID, &l.RemoteObject,
		&l.Mapping, &direction, &l.Fingerprint, &l.RunID)
	if err != nil {
		return ir.Link{}, err
	}
	l.Direction = ir.Direction(direction)
	return l, nil
}
