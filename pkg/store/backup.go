package store

import (
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// Backup writes an xz-compressed full backup of the store to w.
func (s *Store) Backup(w io.Writer) error { // A
	zw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("xz writer: %w", err)
	}
	if _, err := s.db.Backup(zw, 0); err != nil {
		_ = zw.Close()
		return fmt.Errorf("backup: %w", s.mapErr(err))
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush backup: %w", err)
	}
	s.log.Info("store backup written")
	return nil
}

// Restore loads a stream written by Backup. Existing keys are
// overwritten; keys absent from the backup are kept.
func (s *Store) Restore(r io.Reader) error { // A
	zr, err := xz.NewReader(r)
	if err != nil {
		return fmt.Errorf("xz reader: %w", err)
	}
	if err := s.db.Load(zr, 256); err != nil {
		return fmt.Errorf("restore: %w", s.mapErr(err))
	}
	s.log.Info("store restored from backup")
	return nil
}
