package heaven

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dotheaven/heaven-content/internal/memnet"
	"github.com/dotheaven/heaven-content/internal/testutil"
	"github.com/dotheaven/heaven-content/pkg/access"
	"github.com/dotheaven/heaven-content/pkg/envelope"
	"github.com/dotheaven/heaven-content/pkg/identity"
	"github.com/dotheaven/heaven-content/pkg/ids"
	"github.com/dotheaven/heaven-content/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type world struct {
	net   *memnet.Network
	names *memnet.Names
}

func newWorld() *world {
	return &world{net: memnet.New(), names: memnet.NewNames()}
}

// service starts an in-memory Service for a fresh wallet registered as
// name. A nil signer is used when name is empty.
func (w *world) service(t *testing.T, name string) *Service {
	t.Helper()
	cfg := Config{
		InMemory:        true,
		Logger:          testutil.Logger(t),
		Network:         w.net,
		Names:           w.names,
		Blobs:           NetworkBlobs(w.net),
		URIChecker:      store.URICheckerFunc(func(string) bool { return true }),
		MachineMaterial: "test-machine-" + name,
		Clock:           testutil.NewClock(time.UnixMilli(1_700_000_000_000)),
	}
	if name != "" {
		signer, err := identity.GenerateKeySigner()
		require.NoError(t, err)
		cfg.Signer = signer
		w.names.Register(name, signer.Address())
	}
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func addr(s *Service) string {
	return s.config.Signer.Address().Hex()
}

var song = TrackMeta{Title: "Blue Monday", Artist: "New Order", Album: "Power, Corruption & Lies"}

func TestNewRequiresDataDir(t *testing.T) { // A
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without data dir")
	}
	s, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.logger == nil {
		t.Fatal("expected default logger")
	}
}

func TestLifecycle(t *testing.T) { // A
	t.Parallel()

	w := newWorld()
	s, err := New(Config{
		InMemory: true,
		Logger:   testutil.Logger(t),
		Network:  w.net,
		Names:    w.names,
	})
	require.NoError(t, err)

	res := s.ContentPublicKey()
	assert.False(t, res.Success)
	assert.Equal(t, KindNotStarted, res.Kind)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx), "second Start is a no-op")
	res = s.ContentPublicKey()
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.Value, 2+130)

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	res = s.ContentPublicKey()
	assert.Equal(t, KindClosed, res.Kind)

	batch := s.EnsureWrappedKeys(ctx, []KeyRequest{{}, {}})
	require.Len(t, batch, 2)
	for _, r := range batch {
		assert.Equal(t, KindClosed, r.Kind)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	w := newWorld()
	s, err := New(Config{InMemory: true, Logger: testutil.Logger(t), Network: w.net, Names: w.names})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, KindClosed, s.ContentPublicKey().Kind)
}

func TestEncryptForUpload(t *testing.T) {
	w := newWorld()
	alice := w.service(t, "alice.heaven")
	ctx := context.Background()

	res := alice.EncryptForUpload(ctx, "", song, []byte("audio bytes"))
	require.True(t, res.Success, res.Error)

	track := ids.DeriveTrackID(song.Title, song.Artist, song.Album)
	content, err := ids.DeriveContentID(track, addr(alice))
	require.NoError(t, err)
	assert.Equal(t, track.Hex(), res.Value.TrackID)
	assert.Equal(t, content.Hex(), res.Value.ContentID)
	assert.Len(t, res.Value.Blob, 12+len("audio bytes")+16)

	ups := alice.Uploads()
	require.True(t, ups.Success, ups.Error)
	require.Len(t, ups.Value, 1)
	assert.Equal(t, "Blue Monday", ups.Value[0].Title)

	pending := alice.PendingSyncs()
	require.True(t, pending.Success)
	assert.Equal(t, []string{ids.NormalizeContentKey(content.Hex())}, pending.Value)

	// first encrypt offers the content public key
	pub, ok, err := w.names.ContentPublicKey(ctx, alice.config.Signer.Address())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, alice.keyPair.PublicKey(), pub)
}

func TestEncryptForUploadInvalid(t *testing.T) {
	w := newWorld()
	alice := w.service(t, "alice.heaven")
	anon := w.service(t, "")
	ctx := context.Background()

	res := alice.EncryptForUpload(ctx, "", song, nil)
	assert.Equal(t, KindInvalidInput, res.Kind)

	res = alice.EncryptForUpload(ctx, "", TrackMeta{}, []byte("x"))
	assert.Equal(t, KindInvalidInput, res.Kind)

	res = alice.EncryptForUpload(ctx, "not-an-address", song, []byte("x"))
	assert.Equal(t, KindInvalidInput, res.Kind)

	res = anon.EncryptForUpload(ctx, "", song, []byte("x"))
	assert.Equal(t, KindNoIdentity, res.Kind)

	// explicit owner works without an identity
	res = anon.EncryptForUpload(ctx, addr(alice), song, []byte("x"))
	require.True(t, res.Success, res.Error)

	// title inferred from the file name
	res = alice.EncryptForUpload(ctx, "", TrackMeta{FilePath: "/music/Boards of Canada - Roygbiv.flac"}, []byte("x"))
	require.True(t, res.Success, res.Error)
	want := ids.DeriveTrackID("Roygbiv", "Boards of Canada", "")
	assert.Equal(t, want.Hex(), res.Value.TrackID)
}

func TestUploadShareDecrypt(t *testing.T) {
	w := newWorld()
	alice := w.service(t, "alice.heaven")
	bob := w.service(t, "bob.heaven")
	ctx := context.Background()
	audio := bytes.Repeat([]byte("pcm"), 4096)

	pub := bob.PublishContentPublicKey(ctx)
	require.True(t, pub.Success, pub.Error)

	up := alice.Upload(ctx, song, audio)
	require.True(t, up.Success, up.Error)
	assert.Regexp(t, `^ls3://[A-Za-z0-9_-]{43}$`, up.Value.PieceCID)

	ups := alice.Uploads().Value
	require.Len(t, ups, 1)
	assert.Equal(t, up.Value.PieceCID, ups[0].PieceCID)
	assert.Empty(t, alice.PendingSyncs().Value)

	// bob has nothing yet
	key := bob.EnsureWrappedKey(ctx, KeyRequest{ContentID: up.Value.ContentID, Owner: addr(alice)})
	require.True(t, key.Success, key.Error)
	assert.Equal(t, "not_found", key.Value.Outcome)

	req := DecryptRequest{ContentID: up.Value.ContentID, PieceCID: up.Value.PieceCID, Owner: addr(alice)}
	dec := bob.DecryptShared(ctx, req)
	assert.Equal(t, KindEnvelopeNotFound, dec.Kind)

	share := alice.Share(ctx, up.Value.ContentID, "Bob.heaven")
	require.True(t, share.Success, share.Error)
	assert.Equal(t, addr(bob), share.Value.Grantee)

	grants := alice.Grants()
	require.True(t, grants.Success)
	require.Len(t, grants.Value, 1)
	assert.Equal(t, "Blue Monday", grants.Value[0].Title)
	assert.Equal(t, share.Value.EnvelopeID, grants.Value[0].EnvelopeID)

	dec = bob.DecryptShared(ctx, req)
	require.True(t, dec.Success, dec.Error)
	assert.Equal(t, audio, dec.Value)

	key = bob.EnsureWrappedKey(ctx, KeyRequest{ContentID: up.Value.ContentID, Owner: addr(alice)})
	require.True(t, key.Success)
	assert.Equal(t, "cached", key.Value.Outcome)

	// the owner decrypts from its own cached key
	req.Grantee = addr(alice)
	dec = alice.DecryptShared(ctx, req)
	require.True(t, dec.Success, dec.Error)
	assert.Equal(t, audio, dec.Value)
}

func TestShareFailures(t *testing.T) {
	w := newWorld()
	alice := w.service(t, "alice.heaven")
	bob := w.service(t, "bob.heaven")
	anon := w.service(t, "")
	ctx := context.Background()

	up := alice.EncryptForUpload(ctx, "", song, []byte("x"))
	require.True(t, up.Success, up.Error)
	cid := up.Value.ContentID

	cases := []struct {
		name      string
		svc       *Service
		contentID string
		recipient string
		want      Kind
	}{
		{"self", alice, cid, "alice.heaven", KindSelfShare},
		{"unknown name", alice, cid, "nobody.heaven", KindRecipientUnresolved},
		{"no public key", alice, cid, addr(bob), KindRecipientNoPublicKey},
		{"bad content id", alice, "0x1234", addr(bob), KindInvalidInput},
		{"no identity", anon, cid, addr(bob), KindNoIdentity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := tc.svc.Share(ctx, tc.contentID, tc.recipient)
			assert.False(t, res.Success)
			assert.Equal(t, tc.want, res.Kind, res.Error)
			assert.NotEmpty(t, res.Error)
		})
	}

	other := ids.DeriveTrackID("other", "artist", "")
	missing, err := ids.DeriveContentID(other, addr(alice))
	require.NoError(t, err)
	// the owner key is looked up before the recipient key
	res := alice.Share(ctx, missing.Hex(), addr(bob))
	assert.Equal(t, KindMissingOwnerKey, res.Kind, res.Error)

	require.True(t, bob.PublishContentPublicKey(ctx).Success)
	res = alice.Share(ctx, missing.Hex(), "bob.heaven")
	assert.Equal(t, KindMissingOwnerKey, res.Kind)

	w.net.SetOffline(true)
	res = alice.Share(ctx, cid, "bob.heaven")
	assert.Equal(t, KindPublishFailed, res.Kind)
	assert.Empty(t, alice.Grants().Value)
}

func TestShareBatchPartial(t *testing.T) {
	w := newWorld()
	alice := w.service(t, "alice.heaven")
	bob := w.service(t, "bob.heaven")
	ctx := context.Background()
	require.True(t, bob.PublishContentPublicKey(ctx).Success)

	a := alice.EncryptForUpload(ctx, "", song, []byte("a")).Value.ContentID
	b := alice.EncryptForUpload(ctx, "", TrackMeta{Title: "Age of Consent", Artist: "New Order"}, []byte("b")).Value.ContentID
	missing, err := ids.DeriveContentID(ids.DeriveTrackID("x", "y", ""), addr(alice))
	require.NoError(t, err)

	res := alice.ShareBatch(ctx, []string{a, a, b}, "bob.heaven")
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Value, 2)

	res = alice.ShareBatch(ctx, []string{a, missing.Hex(), b}, "bob.heaven")
	assert.False(t, res.Success)
	assert.Equal(t, KindMissingOwnerKey, res.Kind)
	require.Len(t, res.Value, 1, "receipts published before the failure are kept")
}

func TestEnsureWrappedKeysBatch(t *testing.T) {
	w := newWorld()
	alice := w.service(t, "alice.heaven")
	bob := w.service(t, "bob.heaven")
	ctx := context.Background()
	require.True(t, bob.PublishContentPublicKey(ctx).Success)

	var reqs []KeyRequest
	for i := 0; i < 6; i++ {
		up := alice.EncryptForUpload(ctx, "", TrackMeta{Title: fmt.Sprintf("track %d", i), Artist: "a"}, []byte{byte(i)})
		require.True(t, up.Success, up.Error)
		if i%2 == 0 {
			require.True(t, alice.Share(ctx, up.Value.ContentID, "bob.heaven").Success)
		}
		reqs = append(reqs, KeyRequest{ContentID: up.Value.ContentID, Owner: addr(alice)})
	}
	reqs = append(reqs, KeyRequest{ContentID: "junk", Owner: addr(alice)})

	out := bob.EnsureWrappedKeys(ctx, reqs)
	require.Len(t, out, len(reqs))
	for i := 0; i < 6; i++ {
		require.True(t, out[i].Success, out[i].Error)
		assert.Equal(t, reqs[i].ContentID, out[i].Value.ContentID)
		if i%2 == 0 {
			assert.Equal(t, "found", out[i].Value.Outcome)
		} else {
			assert.Equal(t, "not_found", out[i].Value.Outcome)
		}
	}
	assert.Equal(t, KindInvalidInput, out[6].Kind)
}

func TestDiscoveryTransportFailure(t *testing.T) {
	w := newWorld()
	bob := w.service(t, "bob.heaven")
	alice := w.service(t, "alice.heaven")
	ctx := context.Background()

	cid, err := ids.DeriveContentID(ids.DeriveTrackID("t", "a", ""), addr(alice))
	require.NoError(t, err)
	w.net.SetOffline(true)
	res := bob.EnsureWrappedKey(ctx, KeyRequest{ContentID: cid.Hex(), Owner: addr(alice)})
	assert.Equal(t, KindTransportFailed, res.Kind)
}

func TestDecryptWithTamperedBlob(t *testing.T) {
	w := newWorld()
	alice := w.service(t, "alice.heaven")
	ctx := context.Background()

	up := alice.EncryptForUpload(ctx, "", song, []byte("secret audio"))
	require.True(t, up.Success)
	blob := append([]byte(nil), up.Value.Blob...)
	blob[len(blob)-1] ^= 0xff
	id := "jq8b3cKXyD3q8J2n1xY0zQm5T9rL4wA6pE7uH_sG-fk"
	require.NoError(t, w.net.PutRaw(id, blob, nil))

	res := alice.DecryptShared(ctx, DecryptRequest{
		ContentID: up.Value.ContentID,
		PieceCID:  "ls3://" + id,
		Owner:     addr(alice),
	})
	assert.Equal(t, KindAuthenticationFailed, res.Kind)

	res = alice.DecryptShared(ctx, DecryptRequest{ContentID: up.Value.ContentID, Owner: addr(alice)})
	assert.Equal(t, KindInvalidInput, res.Kind)
}

func TestActionsAndDownloads(t *testing.T) {
	w := newWorld()
	alice := w.service(t, "alice.heaven")
	cid := "0x" + string(bytes.Repeat([]byte("ab"), 32))

	track := TrackState{
		Track:     access.Track{URI: "https://example.com/stream.mp3", PieceCID: "ls3://x"},
		ContentID: cid,
	}
	res := alice.Actions(track, "")
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Value.CanDownload)
	assert.False(t, res.Value.CanUpload)

	noOwner := w.service(t, "")
	assert.Equal(t, access.ActionSet{}, noOwner.Actions(track, "").Value)

	rec := alice.RecordDownload(store.DownloadedEntry{ContentID: cid, MediaURI: "file:///music/x.mp3"})
	require.True(t, rec.Success, rec.Error)
	res = alice.Actions(track, "")
	require.True(t, res.Success)
	assert.False(t, res.Value.CanDownload)

	dl := alice.Downloads()
	require.True(t, dl.Success)
	assert.Len(t, dl.Value, 1)

	require.True(t, alice.RemoveDownload(cid).Success)
	assert.Empty(t, alice.Downloads().Value)

	bad := alice.RecordDownload(store.DownloadedEntry{ContentID: "nope", MediaURI: "file:///x"})
	assert.False(t, bad.Success)
}

func TestResolveRef(t *testing.T) {
	w := newWorld()
	s := w.service(t, "")

	res := s.ResolveRef("ipfs://QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"https://ipfs.io/ipfs/QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"}, res.Value)

	res = s.ResolveRef("ftp://nowhere")
	assert.Equal(t, KindUnresolvable, res.Kind)

	cover := s.CoverImageURL("ipfs://QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG", 96, 96, 80)
	require.True(t, cover.Success, cover.Error)
	assert.Contains(t, cover.Value, "img-width=96")
}

func TestBackupRestore(t *testing.T) {
	w := newWorld()
	alice := w.service(t, "alice.heaven")
	ctx := context.Background()
	up := alice.EncryptForUpload(ctx, "", song, []byte("x"))
	require.True(t, up.Success)

	var buf bytes.Buffer
	require.True(t, alice.Backup(&buf).Success)

	fresh := w.service(t, "")
	res := fresh.Restore(&buf)
	require.True(t, res.Success, res.Error)
	_, ok, err := fresh.store.LoadWrappedKey(up.Value.ContentID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = fresh.store.Upload(addr(alice), up.Value.ContentID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestForeignGranteeLookupKeepsCacheClean(t *testing.T) {
	w := newWorld()
	alice := w.service(t, "alice.heaven")
	bob := w.service(t, "bob.heaven")
	carol := w.service(t, "carol.heaven")
	ctx := context.Background()
	audio := []byte("only for the grantee")
	require.True(t, bob.PublishContentPublicKey(ctx).Success)
	require.True(t, carol.PublishContentPublicKey(ctx).Success)

	up := alice.Upload(ctx, song, audio)
	require.True(t, up.Success, up.Error)
	require.True(t, alice.Share(ctx, up.Value.ContentID, "bob.heaven").Success)

	// carol can see that bob holds a key, without caching it
	key := carol.EnsureWrappedKey(ctx, KeyRequest{ContentID: up.Value.ContentID, Owner: addr(alice), Grantee: addr(bob)})
	require.True(t, key.Success, key.Error)
	assert.Equal(t, "found", key.Value.Outcome)

	// the owner's cached key does not answer for carol
	key = alice.EnsureWrappedKey(ctx, KeyRequest{ContentID: up.Value.ContentID, Owner: addr(alice), Grantee: addr(carol)})
	require.True(t, key.Success, key.Error)
	assert.Equal(t, "not_found", key.Value.Outcome)

	req := DecryptRequest{ContentID: up.Value.ContentID, PieceCID: up.Value.PieceCID, Owner: addr(alice)}
	foreign := req
	foreign.Grantee = addr(bob)
	assert.Equal(t, KindInvalidInput, carol.DecryptShared(ctx, foreign).Kind)

	require.True(t, alice.Share(ctx, up.Value.ContentID, "carol.heaven").Success)
	dec := carol.DecryptShared(ctx, req)
	require.True(t, dec.Success, dec.Error)
	assert.Equal(t, audio, dec.Value)
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("share: %w", envelope.ErrSelfShare), KindSelfShare},
		{fmt.Errorf("%w: %w", envelope.ErrPublishFailed, envelope.ErrTransport), KindPublishFailed},
		{fmt.Errorf("%w: x", envelope.ErrTransport), KindTransportFailed},
		{fmt.Errorf("wrap: %w", ids.ErrInvalidAddress), KindInvalidInput},
		{context.Canceled, KindCancelled},
		{store.ErrInsufficientSpace, KindInsufficientSpace},
		{errors.New("something else"), KindInternal},
	}
	for _, tc := range cases {
		if got := kindOf(tc.err); got != tc.want {
			t.Errorf("kindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestGuardRecoversPanic(t *testing.T) {
	s, err := New(Config{InMemory: true, Logger: testutil.Logger(t)})
	require.NoError(t, err)
	res := guard(s, "boom", func() (int, error) {
		var m map[string]int
		m["x"] = 1
		return 0, nil
	})
	assert.False(t, res.Success)
	assert.Equal(t, KindInternal, res.Kind)
	assert.Error(t, res.Err())
	assert.NoError(t, ok(1).Err())
}

func TestConcurrentShares(t *testing.T) {
	n := 4
	if testutil.IsLongEnabled() {
		n = 64
	}
	w := newWorld()
	alice := w.service(t, "alice.heaven")
	bob := w.service(t, "bob.heaven")
	ctx := context.Background()
	require.True(t, bob.PublishContentPublicKey(ctx).Success)

	contentIDs := make([]string, n)
	for i := range contentIDs {
		up := alice.EncryptForUpload(ctx, "", TrackMeta{Title: fmt.Sprintf("song %d", i), Artist: "x"}, []byte{byte(i)})
		require.True(t, up.Success, up.Error)
		contentIDs[i] = up.Value.ContentID
	}

	errs := make(chan string, n)
	for _, id := range contentIDs {
		go func(id string) {
			errs <- alice.Share(ctx, id, "bob.heaven").Error
		}(id)
	}
	for range contentIDs {
		assert.Empty(t, <-errs)
	}

	reqs := make([]KeyRequest, n)
	for i, id := range contentIDs {
		reqs[i] = KeyRequest{ContentID: id, Owner: addr(alice)}
	}
	for _, r := range bob.EnsureWrappedKeys(ctx, reqs) {
		require.True(t, r.Success, r.Error)
		assert.Equal(t, "found", r.Value.Outcome)
	}
	assert.Len(t, alice.Grants().Value, n)
}
