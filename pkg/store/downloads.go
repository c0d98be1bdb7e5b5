package store

import (
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"strings"

	"github.com/dotheaven/heaven-content/pkg/ids"
	"github.com/sirupsen/logrus"
)

// DownloadedEntry records a decrypted track persisted on this device.
type DownloadedEntry struct {
	ContentID      string `json:"contentId"`
	MediaURI       string `json:"mediaUri"`
	Title          string `json:"title,omitempty"`
	Artist         string `json:"artist,omitempty"`
	Album          string `json:"album,omitempty"`
	PieceCID       string `json:"pieceCid,omitempty"`
	DatasetOwner   string `json:"datasetOwner,omitempty"`
	Algo           uint8  `json:"algo,omitempty"`
	DownloadedAtMs int64  `json:"downloadedAtMs"`
}

// URIChecker reports whether a device media URI still resolves.
type URIChecker interface {
	Exists(uri string) bool
}

// URICheckerFunc adapts a function to URIChecker.
type URICheckerFunc func(uri string) bool

func (f URICheckerFunc) Exists(uri string) bool { return f(uri) }

// FileURIChecker resolves bare paths and file:// URIs with os.Stat. URIs
// of other schemes belong to a platform media store this process cannot
// query and are assumed to exist.
type FileURIChecker struct{}

func (FileURIChecker) Exists(uri string) bool {
	u := strings.TrimSpace(uri)
	if u == "" {
		return false
	}
	path := u
	if strings.Contains(u, "://") {
		parsed, err := url.Parse(u)
		if err != nil {
			return false
		}
		if parsed.Scheme != "file" {
			return true
		}
		path = parsed.Path
	}
	_, err := os.Stat(path)
	return err == nil
}

// UpsertDownloadedEntry stores e, keyed by its normalized content id.
// Fields left empty in e keep their previous value.
func (s *Store) UpsertDownloadedEntry(e DownloadedEntry) error { // A
	norm := ids.NormalizeContentKey(e.ContentID)
	unlock := s.locks.lock(norm)
	defer unlock()

	var prev DownloadedEntry
	ok, err := s.getJSON(prefixDownload+norm, &prev)
	if errors.Is(err, ErrCorrupt) {
		s.log.WithField("contentId", norm).WithError(err).Warn("overwriting unreadable download entry")
		ok, err = false, nil
	}
	if err != nil {
		return err
	}
	if ok {
		e = mergeEntry(prev, e)
	}
	e.ContentID = norm
	if e.DownloadedAtMs == 0 {
		e.DownloadedAtMs = s.clock.Now().UnixMilli()
	}
	return s.putJSON(prefixDownload+norm, e)
}

// RemoveDownloadedEntry deletes the entry for contentID if present.
func (s *Store) RemoveDownloadedEntry(contentID string) error {
	norm := ids.NormalizeContentKey(contentID)
	unlock := s.locks.lock(norm)
	defer unlock()
	return s.delete(prefixDownload + norm)
}

// DownloadedEntry returns one entry. An entry whose media URI no longer
// resolves, or that cannot be decoded, is purged and reported as absent.
func (s *Store) DownloadedEntry(contentID string) (DownloadedEntry, bool, error) { // A
	norm := ids.NormalizeContentKey(contentID)
	var e DownloadedEntry
	ok, err := s.getJSON(prefixDownload+norm, &e)
	if errors.Is(err, ErrCorrupt) {
		s.log.WithField("contentId", norm).WithError(err).Warn("dropping unreadable download entry")
		s.purge([]string{norm})
		return DownloadedEntry{}, false, nil
	}
	if err != nil || !ok {
		return DownloadedEntry{}, false, err
	}
	if !s.uris.Exists(e.MediaURI) {
		s.purge([]string{norm})
		return DownloadedEntry{}, false, nil
	}
	return e, true, nil
}

// LoadDownloadedEntries returns every live entry keyed by normalized
// content id. Dangling entries are purged as a side effect.
func (s *Store) LoadDownloadedEntries() (map[string]DownloadedEntry, error) { // A
	out := make(map[string]DownloadedEntry)
	var dangling []string
	err := s.scan(prefixDownload, func(key string, val []byte) error {
		norm := strings.TrimPrefix(key, prefixDownload)
		var e DownloadedEntry
		if err := json.Unmarshal(val, &e); err != nil {
			s.log.WithField("contentId", norm).WithError(err).Warn("dropping unreadable download entry")
			dangling = append(dangling, norm)
			return nil
		}
		if !s.uris.Exists(e.MediaURI) {
			dangling = append(dangling, norm)
			return nil
		}
		out[norm] = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.purge(dangling)
	return out, nil
}

// purge removes dangling entries. Failures are logged; the entries will
// be retried on the next read.
func (s *Store) purge(norms []string) {
	for _, norm := range norms {
		unlock := s.locks.lock(norm)
		var e DownloadedEntry
		ok, err := s.getJSON(prefixDownload+norm, &e)
		// re-check under the lock: a concurrent upsert may have fixed it
		if err == nil && ok && s.uris.Exists(e.MediaURI) {
			unlock()
			continue
		}
		if err := s.delete(prefixDownload + norm); err != nil {
			s.log.WithField("contentId", norm).WithError(err).Warn("purge download entry failed")
		} else {
			s.log.WithFields(logrus.Fields{
				"contentId": norm,
				"mediaUri":  e.MediaURI,
			}).Info("purged dangling download entry")
		}
		unlock()
	}
}

func mergeEntry(prev, next DownloadedEntry) DownloadedEntry {
	pick := func(n, p string) string {
		if strings.TrimSpace(n) == "" {
			return p
		}
		return n
	}
	next.MediaURI = pick(next.MediaURI, prev.MediaURI)
	next.Title = pick(next.Title, prev.Title)
	next.Artist = pick(next.Artist, prev.Artist)
	next.Album = pick(next.Album, prev.Album)
	next.PieceCID = pick(next.PieceCID, prev.PieceCID)
	next.DatasetOwner = pick(next.DatasetOwner, prev.DatasetOwner)
	if next.Algo == 0 {
		next.Algo = prev.Algo
	}
	if next.DownloadedAtMs == 0 {
		next.DownloadedAtMs = prev.DownloadedAtMs
	}
	return next
}
