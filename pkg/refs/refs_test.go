package refs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dotheaven/heaven-content/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cidV0  = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	cidV1  = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
	itemID = "jq8b3cKXyD3q8J2n1xY0zQm5T9rL4wA6pE7uH_sG-fk"
)

func TestParse(t *testing.T) { // A
	cases := []struct {
		in   string
		kind Kind
		id   string
		rest string
	}{
		{"ipfs://" + cidV1, KindIPFS, cidV1, ""},
		{" ipfs://" + cidV1 + "/cover.jpg ", KindIPFS, cidV1, "cover.jpg"},
		{"/ipfs/" + cidV0, KindIPFS, cidV0, ""},
		{cidV0, KindIPFS, cidV0, ""},
		{cidV1, KindIPFS, cidV1, ""},
		{"ar://" + itemID, KindArweave, itemID, ""},
		{"ls3://" + itemID, KindLoad, itemID, ""},
		{"load-s3://" + itemID, KindLoad, itemID, ""},
		{itemID, KindDataItem, itemID, ""},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got.Kind != c.kind || got.ID != c.id || got.Rest != c.rest {
			t.Errorf("Parse(%q) = %+v, want kind %v id %s rest %q", c.in, got, c.kind, c.id, c.rest)
		}
	}

	h, err := Parse("https://example.com/a.mp3")
	if err != nil || h.Kind != KindHTTP || h.URL != "https://example.com/a.mp3" {
		t.Fatalf("http passthrough: %+v %v", h, err)
	}
}

func TestParseRejects(t *testing.T) { // A
	for _, in := range []string{"", "   ", "ftp://x", "ipfs://notacid", "ar://", "ls3://a/b", "hello", "/ipfs/"} {
		if _, err := Parse(in); !errors.Is(err, ErrUnresolvable) {
			t.Errorf("Parse(%q): err = %v, want ErrUnresolvable", in, err)
		}
	}
}

func TestCandidatesOrder(t *testing.T) { // A
	r := New(Config{
		IPFSGateways:    []string{"https://a.example/ipfs", "https://b.example/"},
		LoadGateways:    []string{"https://load.example/"},
		ArweaveGateways: []string{"https://ar.example"},
		Logger:          testutil.Logger(t),
	})

	got, err := r.Candidates("ipfs://" + cidV1)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://a.example/ipfs/" + cidV1,
		"https://b.example/ipfs/" + cidV1,
	}, got)

	got, err = r.Candidates(itemID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://load.example/resolve/" + itemID,
		"https://ar.example/" + itemID,
	}, got)

	got, err = r.Candidates("ar://" + itemID)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ar.example/" + itemID}, got)
}

func TestDefaults(t *testing.T) { // A
	r := New(Config{Logger: testutil.Logger(t)})
	got, err := r.Candidates("ls3://" + itemID)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultLoadGateway + "/resolve/" + itemID}, got)
	got, err = r.Candidates(cidV0)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultIPFSGateway + "/ipfs/" + cidV0}, got)
}

func TestFetchFallsThrough(t *testing.T) { // A
	var brokenHits, emptyHits int32
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&brokenHits, 1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer broken.Close()
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&emptyHits, 1)
	}))
	defer empty.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasSuffix(req.URL.Path, "/ipfs/"+cidV1) {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write([]byte("blob"))
	}))
	defer good.Close()

	r := New(Config{
		IPFSGateways: []string{broken.URL, empty.URL, good.URL},
		Logger:       testutil.Logger(t),
	})
	body, err := r.Fetch(context.Background(), "ipfs://"+cidV1)
	require.NoError(t, err)
	assert.Equal(t, "blob", string(body))
	assert.EqualValues(t, 1, atomic.LoadInt32(&brokenHits))
	assert.EqualValues(t, 1, atomic.LoadInt32(&emptyHits))
}

func TestFetchStopsAtFirstSuccess(t *testing.T) { // A
	var second int32
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("first"))
	}))
	defer first.Close()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&second, 1)
	}))
	defer other.Close()

	r := New(Config{LoadGateways: []string{first.URL, other.URL}, Logger: testutil.Logger(t)})
	body, err := r.Fetch(context.Background(), "ls3://"+itemID)
	require.NoError(t, err)
	assert.Equal(t, "first", string(body))
	assert.Zero(t, atomic.LoadInt32(&second))
}

func TestFetchAllFail(t *testing.T) { // A
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := New(Config{ArweaveGateways: []string{srv.URL}, Logger: testutil.Logger(t)})
	_, err := r.Fetch(context.Background(), "ar://"+itemID)
	require.ErrorIs(t, err, ErrTransport)

	_, err = r.Fetch(context.Background(), "nonsense")
	require.ErrorIs(t, err, ErrUnresolvable)
}

func TestFetchBodyLimit(t *testing.T) { // A
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	r := New(Config{ArweaveGateways: []string{srv.URL}, MaxBodyBytes: 4, Logger: testutil.Logger(t)})
	_, err := r.Fetch(context.Background(), "ar://"+itemID)
	require.ErrorIs(t, err, ErrTransport)
}

func TestCoverImageURL(t *testing.T) { // A
	r := New(Config{
		IPFSGateways:    []string{"https://img.example"},
		ArweaveGateways: []string{"https://ar.example"},
		Logger:          testutil.Logger(t),
	})
	got, err := r.CoverImageURL(cidV0, 300, 300, 80)
	require.NoError(t, err)
	assert.Equal(t,
		"https://img.example/ipfs/"+cidV0+"?img-format=jpeg&img-height=300&img-quality=80&img-width=300",
		got)

	got, err = r.CoverImageURL("ar://"+itemID, 300, 300, 80)
	require.NoError(t, err)
	assert.Equal(t, "https://ar.example/"+itemID, got)

	got, err = r.CoverImageURL("https://cdn.example/c.jpg", 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/c.jpg", got)
}
