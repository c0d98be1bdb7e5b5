// Package access decides which actions are legal for a track in its
// current state. Everything here is pure and cheap; callers re-derive
// the action set on every state change instead of caching it.
package access

import (
	"strings"
)

// Track is the subset of track state the policy looks at.
type Track struct {
	// URI is where the audio currently lives: a device path, file:// or
	// content:// URI, or a remote stream URL.
	URI string
	// PieceCID locates the encrypted copy on storage. Empty if the track
	// was never uploaded.
	PieceCID string
	// DatasetOwner is the wallet that uploaded PieceCID. Empty means the
	// current owner.
	DatasetOwner string
	// PermanentRef is set once the track was saved forever.
	PermanentRef string
}

// ActionSet is the derived set of legal actions.
type ActionSet struct {
	CanUpload      bool `json:"canUpload"`
	CanSaveForever bool `json:"canSaveForever"`
	CanDownload    bool `json:"canDownload"`
	CanShare       bool `json:"canShare"`
}

// Facts are the classified inputs the rules are written against.
type Facts struct {
	HasOwner            bool
	HasRemoteKeyPointer bool
	HasPermanentRef     bool
	IsRemoteStream      bool
	IsLocalDeviceFile   bool
	OwnsTrack           bool
}

var remoteSchemes = []string{
	"http://", "https://", "ipfs://", "ar://", "ls3://", "load-s3://",
}

var localSchemes = []string{
	"file://", "content://",
}

// Classify derives Facts for track as seen by owner.
func Classify(track Track, owner string) Facts { // A
	owner = strings.TrimSpace(owner)
	datasetOwner := strings.TrimSpace(track.DatasetOwner)
	return Facts{
		HasOwner:            owner != "",
		HasRemoteKeyPointer: strings.TrimSpace(track.PieceCID) != "",
		HasPermanentRef:     strings.TrimSpace(track.PermanentRef) != "",
		IsRemoteStream:      IsRemoteStream(track.URI),
		IsLocalDeviceFile:   IsLocalDeviceFile(track.URI),
		OwnsTrack:           datasetOwner == "" || strings.EqualFold(datasetOwner, owner),
	}
}

// Resolve maps track state to legal actions. The four rules are
// evaluated independently.
func Resolve(track Track, owner string, alreadyDownloaded bool) ActionSet { // A
	return Decide(Classify(track, owner), alreadyDownloaded)
}

// Decide applies the rules to already classified facts.
func Decide(f Facts, alreadyDownloaded bool) ActionSet { // A
	if !f.HasOwner {
		return ActionSet{}
	}
	return ActionSet{
		CanUpload: !f.HasRemoteKeyPointer && !f.IsRemoteStream,
		CanSaveForever: !f.HasPermanentRef &&
			((f.HasRemoteKeyPointer && f.OwnsTrack) ||
				(!f.HasRemoteKeyPointer && !f.IsRemoteStream)),
		CanDownload: f.HasRemoteKeyPointer && !f.IsLocalDeviceFile && !alreadyDownloaded,
		CanShare:    f.HasRemoteKeyPointer && f.OwnsTrack,
	}
}

// IsRemoteStream reports whether uri names a network location.
func IsRemoteStream(uri string) bool {
	return hasAnyPrefix(uri, remoteSchemes)
}

// IsLocalDeviceFile reports whether uri names a file on this device:
// file:// and content:// URIs and bare paths.
func IsLocalDeviceFile(uri string) bool {
	u := strings.TrimSpace(uri)
	if u == "" {
		return false
	}
	if hasAnyPrefix(u, localSchemes) {
		return true
	}
	return !strings.Contains(u, "://")
}

func hasAnyPrefix(s string, prefixes []string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
