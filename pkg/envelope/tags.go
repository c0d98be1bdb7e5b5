package envelope

import (
	"github.com/dotheaven/heaven-content/pkg/ids"
	"github.com/ethereum/go-ethereum/common"
)

// Tag names and fixed values.
const (
	TagContentType  = "Content-Type"
	TagAppName      = "App-Name"
	TagHeavenType   = "Heaven-Type"
	TagContentID    = "Content-Id"
	TagOwner        = "Owner"
	TagGrantee      = "Grantee"
	TagUploadSource = "Upload-Source"

	AppName      = "Heaven"
	EnvelopeType = "content-key-envelope"
	ContentJSON  = "application/json"
	UploadSource = "heaven-desktop"
)

// Tag is a name/value pair attached to a published record. The same type
// is used for query filters.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// QueryTags returns the five filters that identify the envelope for one
// (content, owner, grantee) triple.
func QueryTags( // A
	contentID ids.ContentID,
	owner common.Address,
	grantee common.Address,
) []Tag {
	return []Tag{
		{Name: TagAppName, Value: AppName},
		{Name: TagHeavenType, Value: EnvelopeType},
		{Name: TagContentID, Value: contentID.Hex()},
		{Name: TagOwner, Value: addressKey(owner)},
		{Name: TagGrantee, Value: addressKey(grantee)},
	}
}

// PublishTags is QueryTags plus the content type and upload source.
func PublishTags( // A
	contentID ids.ContentID,
	owner common.Address,
	grantee common.Address,
) []Tag {
	tags := make([]Tag, 0, 7)
	tags = append(tags, Tag{Name: TagContentType, Value: ContentJSON})
	tags = append(tags, QueryTags(contentID, owner, grantee)...)
	return append(tags, Tag{Name: TagUploadSource, Value: UploadSource})
}

// MatchTags reports whether every filter appears in tags with an equal
// value.
func MatchTags(tags []Tag, filters []Tag) bool {
	for _, f := range filters {
		found := false
		for _, t := range tags {
			if t.Name == f.Name && t.Value == f.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
