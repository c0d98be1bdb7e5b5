package heaven

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotheaven/heaven-content/pkg/contentcrypt"
	"github.com/dotheaven/heaven-content/pkg/envelope"
	"github.com/dotheaven/heaven-content/pkg/ids"
	"github.com/dotheaven/heaven-content/pkg/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Tag values carried by published audio blobs.
const (
	BlobType        = "encrypted-audio"
	BlobContentType = "application/octet-stream"
)

// TrackMeta describes the audio being uploaded. When Title is empty it
// is inferred from FilePath.
type TrackMeta struct {
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album,omitempty"`
	FilePath string `json:"filePath,omitempty"`
}

// EncryptedUpload is the result of encrypting one track for its owner.
type EncryptedUpload struct {
	TrackID   string `json:"trackId"`
	ContentID string `json:"contentId"`
	Blob      []byte `json:"-"`
}

// UploadReceipt is the result of Upload.
type UploadReceipt struct {
	TrackID    string `json:"trackId"`
	ContentID  string `json:"contentId"`
	PieceCID   string `json:"pieceCid"`
	GatewayURL string `json:"gatewayUrl,omitempty"`
}

// EncryptForUpload encrypts audio under a fresh content key, keeps the
// key wrapped to this device and records the upload locally. owner may
// be empty to mean the configured identity.
func (s *Service) EncryptForUpload(
	ctx context.Context,
	owner string,
	meta TrackMeta,
	audio []byte,
) Result[EncryptedUpload] {
	return guard(s, "encrypt_for_upload", func() (EncryptedUpload, error) {
		st, err := s.handle()
		if err != nil {
			return EncryptedUpload{}, err
		}
		return s.encryptForUpload(ctx, st, owner, meta, audio)
	})
}

func (s *Service) encryptForUpload(
	ctx context.Context,
	st *store.Store,
	owner string,
	meta TrackMeta,
	audio []byte,
) (EncryptedUpload, error) {
	if err := ctx.Err(); err != nil {
		return EncryptedUpload{}, err
	}
	ownerAddr, err := s.ownerAddress(owner)
	if err != nil {
		return EncryptedUpload{}, err
	}
	meta = completeMeta(meta)
	if meta.Title == "" {
		return EncryptedUpload{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if len(audio) == 0 {
		return EncryptedUpload{}, fmt.Errorf("%w: audio is empty", ErrInvalidInput)
	}

	trackID := ids.DeriveTrackID(meta.Title, meta.Artist, meta.Album)
	contentID, err := ids.DeriveContentID(trackID, ownerAddr.Hex())
	if err != nil {
		return EncryptedUpload{}, err
	}

	enc, err := contentcrypt.EncryptFile(audio)
	if err != nil {
		return EncryptedUpload{}, fmt.Errorf("encrypt: %w", err)
	}
	wk, err := s.keyPair.Wrap(enc.RawKey[:])
	contentcrypt.Zero(enc.RawKey[:])
	if err != nil {
		return EncryptedUpload{}, fmt.Errorf("wrap content key: %w", err)
	}
	if err := st.SaveWrappedKey(contentID.Hex(), wk); err != nil {
		return EncryptedUpload{}, fmt.Errorf("save wrapped key: %w", err)
	}
	if err := st.SaveUpload(store.UploadRecord{
		Owner:     ownerAddr.Hex(),
		FilePath:  meta.FilePath,
		Title:     meta.Title,
		Artist:    meta.Artist,
		Album:     meta.Album,
		TrackID:   trackID.Hex(),
		ContentID: contentID.Hex(),
	}); err != nil {
		return EncryptedUpload{}, fmt.Errorf("save upload record: %w", err)
	}
	if err := st.MarkPendingSync(contentID.Hex()); err != nil {
		s.log.WithError(err).Warn("could not mark pending sync")
	}

	if s.isSelf(ownerAddr) && !s.keyPublished.Load() {
		// best effort; sharing needs it later but encryption does not
		if err := s.publishContentKey(ctx); err != nil {
			s.log.WithError(err).Debug("content public key not published")
		}
	}

	s.log.WithFields(logrus.Fields{
		"contentId": contentID.Hex(),
		"trackId":   trackID.Hex(),
		"bytes":     len(audio),
	}).Info("encrypted track for upload")
	return EncryptedUpload{
		TrackID:   trackID.Hex(),
		ContentID: contentID.Hex(),
		Blob:      enc.Blob(),
	}, nil
}

// Upload encrypts audio for the configured identity and publishes the
// blob to the network as a signed record. The returned PieceCID is an
// ls3:// reference.
func (s *Service) Upload(ctx context.Context, meta TrackMeta, audio []byte) Result[UploadReceipt] {
	return guard(s, "upload", func() (UploadReceipt, error) {
		st, err := s.handle()
		if err != nil {
			return UploadReceipt{}, err
		}
		signer := s.config.Signer
		if signer == nil {
			return UploadReceipt{}, ErrNoIdentity
		}
		up, err := s.encryptForUpload(ctx, st, "", meta, audio)
		if err != nil {
			return UploadReceipt{}, err
		}

		owner := signer.Address()
		tags := []envelope.Tag{
			{Name: envelope.TagContentType, Value: BlobContentType},
			{Name: envelope.TagAppName, Value: envelope.AppName},
			{Name: envelope.TagHeavenType, Value: BlobType},
			{Name: envelope.TagContentID, Value: up.ContentID},
			{Name: envelope.TagOwner, Value: strings.ToLower(owner.Hex())},
			{Name: envelope.TagUploadSource, Value: envelope.UploadSource},
		}
		rec, err := envelope.SignRecord(ctx, signer, up.Blob, tags)
		if err != nil {
			return UploadReceipt{}, fmt.Errorf("sign blob: %w", err)
		}
		id, err := s.network.Publish(ctx, rec.Marshal())
		if err != nil {
			return UploadReceipt{}, fmt.Errorf("%w: blob: %w", envelope.ErrPublishFailed, err)
		}

		receipt := UploadReceipt{
			TrackID:   up.TrackID,
			ContentID: up.ContentID,
			PieceCID:  "ls3://" + id,
		}
		if g, ok := s.network.(interface{ GatewayURL(string) string }); ok {
			receipt.GatewayURL = g.GatewayURL(id)
		}

		rs, found, err := st.Upload(owner.Hex(), up.ContentID)
		if err != nil {
			return receipt, fmt.Errorf("load upload record: %w", err)
		}
		if found {
			rs.PieceCID = receipt.PieceCID
			rs.GatewayURL = receipt.GatewayURL
			if err := st.SaveUpload(rs); err != nil {
				return receipt, fmt.Errorf("save upload record: %w", err)
			}
		}
		if err := st.ClearPendingSync(up.ContentID); err != nil {
			s.log.WithError(err).Warn("could not clear pending sync")
		}
		s.log.WithFields(logrus.Fields{
			"contentId": up.ContentID,
			"pieceCid":  receipt.PieceCID,
		}).Info("uploaded encrypted track")
		return receipt, nil
	})
}

// Uploads lists the configured identity's uploads, newest first.
func (s *Service) Uploads() Result[[]store.UploadRecord] {
	return guard(s, "uploads", func() ([]store.UploadRecord, error) {
		st, err := s.handle()
		if err != nil {
			return nil, err
		}
		owner, err := s.ownerAddress("")
		if err != nil {
			return nil, err
		}
		return st.Uploads(owner.Hex())
	})
}

// MarkSavedForever flags one of the identity's uploads as permanently
// stored.
func (s *Service) MarkSavedForever(contentID string) Result[struct{}] {
	return guard(s, "mark_saved_forever", func() (struct{}, error) {
		st, err := s.handle()
		if err != nil {
			return struct{}{}, err
		}
		owner, err := s.ownerAddress("")
		if err != nil {
			return struct{}{}, err
		}
		cid, err := ids.ParseContentID(contentID)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, st.MarkSavedForever(owner.Hex(), cid.Hex())
	})
}

// PendingSyncs lists content ids whose upload has not been published yet.
func (s *Service) PendingSyncs() Result[[]string] {
	return guard(s, "pending_syncs", func() ([]string, error) {
		st, err := s.handle()
		if err != nil {
			return nil, err
		}
		return st.PendingSyncs()
	})
}

func completeMeta(m TrackMeta) TrackMeta {
	m.Title = strings.TrimSpace(m.Title)
	m.Artist = strings.TrimSpace(m.Artist)
	m.Album = strings.TrimSpace(m.Album)
	if m.Title == "" && strings.TrimSpace(m.FilePath) != "" {
		title, artist, album := ids.InferTitleArtistAlbum(m.FilePath)
		m.Title = title
		if m.Artist == "" {
			m.Artist = artist
		}
		if m.Album == "" {
			m.Album = album
		}
	}
	return m
}

// ownerAddress parses owner, falling back to the configured identity.
func (s *Service) ownerAddress(owner string) (common.Address, error) {
	if strings.TrimSpace(owner) != "" {
		return ids.ParseAddress(owner)
	}
	if s.config.Signer == nil {
		return common.Address{}, ErrNoIdentity
	}
	return s.config.Signer.Address(), nil
}

func (s *Service) isSelf(addr common.Address) bool {
	return s.config.Signer != nil && s.config.Signer.Address() == addr
}
