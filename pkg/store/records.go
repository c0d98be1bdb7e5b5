package store

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/dotheaven/heaven-content/pkg/ids"
)

var ErrNotFound = errors.New("store: not found")

// UploadRecord is one track this device encrypted and uploaded.
type UploadRecord struct {
	Owner           string `json:"owner"`
	FilePath        string `json:"filePath"`
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	Album           string `json:"album,omitempty"`
	TrackID         string `json:"trackId"`
	ContentID       string `json:"contentId"`
	PieceCID        string `json:"pieceCid"`
	GatewayURL      string `json:"gatewayUrl,omitempty"`
	RegisterVersion string `json:"registerVersion,omitempty"`
	CreatedAtMs     int64  `json:"createdAtMs"`
	SavedForever    bool   `json:"savedForever"`
}

// GrantRecord is one share this device published.
type GrantRecord struct {
	Owner      string `json:"owner"`
	Grantee    string `json:"grantee"`
	ContentID  string `json:"contentId"`
	EnvelopeID string `json:"envelopeId"`
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	SharedAtMs int64  `json:"sharedAtMs"`
}

func lowerKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func uploadKey(owner, contentID string) string {
	return prefixUpload + lowerKey(owner) + "/" + ids.NormalizeContentKey(contentID)
}

func grantKey(owner, grantee, contentID string) string {
	return prefixGrant + lowerKey(owner) + "/" + lowerKey(grantee) + "/" + ids.NormalizeContentKey(contentID)
}

// SaveUpload stores r keyed by (owner, content id), replacing any
// previous record for the pair.
func (s *Store) SaveUpload(r UploadRecord) error { // A
	if strings.TrimSpace(r.Owner) == "" || strings.TrimSpace(r.ContentID) == "" {
		return errors.New("store: upload record needs owner and content id")
	}
	r.Owner = lowerKey(r.Owner)
	r.ContentID = ids.NormalizeContentKey(r.ContentID)
	if r.CreatedAtMs == 0 {
		r.CreatedAtMs = s.clock.Now().UnixMilli()
	}
	unlock := s.locks.lock(r.ContentID)
	defer unlock()
	return s.putJSON(uploadKey(r.Owner, r.ContentID), r)
}

// Uploads lists owner's uploads, newest first.
func (s *Store) Uploads(owner string) ([]UploadRecord, error) {
	var out []UploadRecord
	err := s.scan(prefixUpload+lowerKey(owner)+"/", func(key string, val []byte) error {
		var r UploadRecord
		if err := json.Unmarshal(val, &r); err != nil {
			s.log.WithField("key", key).WithError(err).Warn("skipping unreadable upload record")
			return nil
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAtMs > out[j].CreatedAtMs })
	return out, nil
}

// MarkSavedForever flags an upload as permanently stored.
func (s *Store) MarkSavedForever(owner, contentID string) error { // A
	norm := ids.NormalizeContentKey(contentID)
	unlock := s.locks.lock(norm)
	defer unlock()

	key := uploadKey(owner, norm)
	var r UploadRecord
	ok, err := s.getJSON(key, &r)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	r.SavedForever = true
	return s.putJSON(key, r)
}

// SaveGrant records a published share. Sharing the same content with the
// same grantee again replaces the previous record.
func (s *Store) SaveGrant(g GrantRecord) error {
	if strings.TrimSpace(g.Owner) == "" || strings.TrimSpace(g.Grantee) == "" ||
		strings.TrimSpace(g.ContentID) == "" {
		return errors.New("store: grant record needs owner, grantee and content id")
	}
	g.Owner = lowerKey(g.Owner)
	g.Grantee = lowerKey(g.Grantee)
	g.ContentID = ids.NormalizeContentKey(g.ContentID)
	if g.SharedAtMs == 0 {
		g.SharedAtMs = s.clock.Now().UnixMilli()
	}
	return s.putJSON(grantKey(g.Owner, g.Grantee, g.ContentID), g)
}

// Grants lists owner's shares, newest first.
func (s *Store) Grants(owner string) ([]GrantRecord, error) {
	var out []GrantRecord
	err := s.scan(prefixGrant+lowerKey(owner)+"/", func(key string, val []byte) error {
		var g GrantRecord
		if err := json.Unmarshal(val, &g); err != nil {
			s.log.WithField("key", key).WithError(err).Warn("skipping unreadable grant record")
			return nil
		}
		out = append(out, g)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SharedAtMs > out[j].SharedAtMs })
	return out, nil
}

// MarkPendingSync remembers that contentID has metadata not yet pushed
// to the network.
func (s *Store) MarkPendingSync(contentID string) error {
	norm := ids.NormalizeContentKey(contentID)
	return s.putJSON(prefixPending+norm, s.clock.Now().UnixMilli())
}

// PendingSyncs returns the content ids with a pending marker, oldest
// first.
func (s *Store) PendingSyncs() ([]string, error) {
	type pending struct {
		id string
		at int64
	}
	var all []pending
	err := s.scan(prefixPending, func(key string, val []byte) error {
		var at int64
		_ = json.Unmarshal(val, &at)
		all = append(all, pending{id: strings.TrimPrefix(key, prefixPending), at: at})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].at < all[j].at })
	out := make([]string, len(all))
	for i, p := range all {
		out[i] = p.id
	}
	return out, nil
}

func (s *Store) ClearPendingSync(contentID string) error {
	return s.delete(prefixPending + ids.NormalizeContentKey(contentID))
}

// Upload returns the upload record for (owner, contentID).
func (s *Store) Upload(owner, contentID string) (UploadRecord, bool, error) {
	var r UploadRecord
	ok, err := s.getJSON(uploadKey(owner, contentID), &r)
	if err != nil || !ok {
		return UploadRecord{}, false, err
	}
	return r, true, nil
}
