package heaven

import (
	"io"
	"strings"

	"github.com/dotheaven/heaven-content/pkg/access"
	"github.com/dotheaven/heaven-content/pkg/store"
)

// TrackState is a track as the library sees it.
type TrackState struct {
	access.Track
	// ContentID is set once the track has one; it keys the download
	// cache.
	ContentID string
}

// Actions derives the legal actions for track as seen by owner. An
// empty owner means the configured identity, if any.
func (s *Service) Actions(track TrackState, owner string) Result[access.ActionSet] {
	return guard(s, "actions", func() (access.ActionSet, error) {
		st, err := s.handle()
		if err != nil {
			return access.ActionSet{}, err
		}
		if strings.TrimSpace(owner) == "" && s.config.Signer != nil {
			owner = s.config.Signer.Address().Hex()
		}
		downloaded := false
		if strings.TrimSpace(track.ContentID) != "" {
			_, downloaded, err = st.DownloadedEntry(track.ContentID)
			if err != nil {
				return access.ActionSet{}, err
			}
		}
		return access.Resolve(track.Track, owner, downloaded), nil
	})
}

// RecordDownload remembers that a decrypted copy of a track now lives at
// entry.MediaURI.
func (s *Service) RecordDownload(entry store.DownloadedEntry) Result[struct{}] {
	return guard(s, "record_download", func() (struct{}, error) {
		st, err := s.handle()
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, st.UpsertDownloadedEntry(entry)
	})
}

// Downloads lists downloaded tracks whose media still exists, keyed by
// normalized content id.
func (s *Service) Downloads() Result[map[string]store.DownloadedEntry] {
	return guard(s, "downloads", func() (map[string]store.DownloadedEntry, error) {
		st, err := s.handle()
		if err != nil {
			return nil, err
		}
		return st.LoadDownloadedEntries()
	})
}

// RemoveDownload forgets a downloaded copy.
func (s *Service) RemoveDownload(contentID string) Result[struct{}] {
	return guard(s, "remove_download", func() (struct{}, error) {
		st, err := s.handle()
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, st.RemoveDownloadedEntry(contentID)
	})
}

// ResolveRef lists the gateway URLs for ref in preference order.
func (s *Service) ResolveRef(ref string) Result[[]string] {
	return guard(s, "resolve_ref", func() ([]string, error) {
		if _, err := s.handle(); err != nil {
			return nil, err
		}
		return s.refs.Candidates(ref)
	})
}

// CoverImageURL returns a resized cover URL for ref.
func (s *Service) CoverImageURL(ref string, width, height, quality int) Result[string] {
	return guard(s, "cover_image_url", func() (string, error) {
		if _, err := s.handle(); err != nil {
			return "", err
		}
		return s.refs.CoverImageURL(ref, width, height, quality)
	})
}

// Backup writes a compressed snapshot of the local store to w.
func (s *Service) Backup(w io.Writer) Result[struct{}] {
	return guard(s, "backup", func() (struct{}, error) {
		st, err := s.handle()
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, st.Backup(w)
	})
}

// Restore loads a snapshot written by Backup into the local store.
func (s *Service) Restore(r io.Reader) Result[struct{}] {
	return guard(s, "restore", func() (struct{}, error) {
		st, err := s.handle()
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, st.Restore(r)
	})
}
