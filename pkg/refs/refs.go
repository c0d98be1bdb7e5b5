// Package refs turns the storage references carried by track metadata
// (ipfs://, ar://, ls3:// and friends) into gateway URLs and fetches
// them with ordered gateway fallback.
package refs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ipfs/boxo/path"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnresolvable = errors.New("refs: unresolvable reference")
	ErrTransport    = errors.New("refs: transport failed")
)

const (
	DefaultIPFSGateway    = "https://ipfs.io"
	DefaultLoadGateway    = "https://gateway.s3-node-1.load.network"
	DefaultArweaveGateway = "https://arweave.net"

	defaultMaxBody = 1 << 30
)

// Kind is the storage network a reference points into.
type Kind int

const (
	KindIPFS Kind = iota + 1
	KindArweave
	KindLoad
	// KindDataItem is a bare data item id served by both Load and Arweave.
	KindDataItem
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindIPFS:
		return "ipfs"
	case KindArweave:
		return "arweave"
	case KindLoad:
		return "load"
	case KindDataItem:
		return "dataitem"
	case KindHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// Ref is a parsed reference.
type Ref struct {
	Kind Kind
	// ID is the CID (string form) or data item id. Empty for KindHTTP.
	ID string
	// Rest is the path below an IPFS root, without leading slash.
	Rest string
	// URL is set for KindHTTP.
	URL string
}

var dataItemID = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)

// Parse classifies raw. Whitespace is trimmed.
func Parse(raw string) (Ref, error) { // A
	s := strings.TrimSpace(raw)
	if s == "" {
		return Ref{}, fmt.Errorf("%w: empty", ErrUnresolvable)
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		if _, err := url.Parse(s); err != nil {
			return Ref{}, fmt.Errorf("%w: %v", ErrUnresolvable, err)
		}
		return Ref{Kind: KindHTTP, URL: s}, nil
	case strings.HasPrefix(lower, "ipfs://"):
		return parseIPFSPath("/ipfs/" + s[len("ipfs://"):])
	case strings.HasPrefix(s, "/ipfs/"):
		return parseIPFSPath(s)
	case strings.HasPrefix(lower, "ar://"):
		return dataItem(KindArweave, s[len("ar://"):])
	case strings.HasPrefix(lower, "ls3://"):
		return dataItem(KindLoad, s[len("ls3://"):])
	case strings.HasPrefix(lower, "load-s3://"):
		return dataItem(KindLoad, s[len("load-s3://"):])
	}
	if c, err := cid.Decode(s); err == nil {
		return Ref{Kind: KindIPFS, ID: c.String()}, nil
	}
	if dataItemID.MatchString(s) {
		return Ref{Kind: KindDataItem, ID: s}, nil
	}
	return Ref{}, fmt.Errorf("%w: %q", ErrUnresolvable, s)
}

func parseIPFSPath(p string) (Ref, error) {
	parsed, err := path.NewPath(strings.TrimRight(p, "/"))
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	imm, err := path.NewImmutablePath(parsed)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	segs := imm.Segments()
	rest := ""
	if len(segs) > 2 {
		rest = strings.Join(segs[2:], "/")
	}
	return Ref{Kind: KindIPFS, ID: imm.RootCid().String(), Rest: rest}, nil
}

func dataItem(kind Kind, id string) (Ref, error) {
	id = strings.Trim(strings.TrimSpace(id), "/")
	if id == "" || strings.ContainsAny(id, "/?#") {
		return Ref{}, fmt.Errorf("%w: bad data item id %q", ErrUnresolvable, id)
	}
	return Ref{Kind: kind, ID: id}, nil
}

// Config configures a Resolver. Empty gateway lists fall back to the
// Default* gateways.
type Config struct {
	IPFSGateways    []string
	LoadGateways    []string
	ArweaveGateways []string
	Client          *http.Client
	// MaxBodyBytes caps a fetched body. Zero means 1 GiB.
	MaxBodyBytes int64
	Logger       *logrus.Logger
}

// Resolver maps references to gateway URLs. It is safe for concurrent
// use.
type Resolver struct {
	ipfs    []string
	load    []string
	arweave []string
	client  *http.Client
	maxBody int64
	log     *logrus.Entry
}

func New(cfg Config) *Resolver {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Resolver{
		ipfs:    ipfsBases(orDefault(cfg.IPFSGateways, DefaultIPFSGateway)),
		load:    trimBases(orDefault(cfg.LoadGateways, DefaultLoadGateway)),
		arweave: trimBases(orDefault(cfg.ArweaveGateways, DefaultArweaveGateway)),
		client:  cfg.Client,
		maxBody: cfg.MaxBodyBytes,
		log:     cfg.Logger.WithField("component", "refs"),
	}
}

func orDefault(list []string, def string) []string {
	var out []string
	for _, g := range list {
		if strings.TrimSpace(g) != "" {
			out = append(out, strings.TrimSpace(g))
		}
	}
	if len(out) == 0 {
		return []string{def}
	}
	return out
}

func trimBases(list []string) []string {
	out := make([]string, len(list))
	for i, g := range list {
		out[i] = strings.TrimRight(g, "/")
	}
	return out
}

// ipfsBases normalizes gateways to end in "/ipfs/".
func ipfsBases(list []string) []string {
	out := trimBases(list)
	for i, g := range out {
		if strings.HasSuffix(g, "/ipfs") {
			out[i] = g + "/"
		} else {
			out[i] = g + "/ipfs/"
		}
	}
	return out
}

// Candidates returns every URL that may serve ref, in preference order.
func (r *Resolver) Candidates(ref string) ([]string, error) { // A
	parsed, err := Parse(ref)
	if err != nil {
		return nil, err
	}
	return r.candidates(parsed), nil
}

func (r *Resolver) candidates(ref Ref) []string {
	var out []string
	switch ref.Kind {
	case KindHTTP:
		out = append(out, ref.URL)
	case KindIPFS:
		suffix := ref.ID
		if ref.Rest != "" {
			suffix += "/" + ref.Rest
		}
		for _, g := range r.ipfs {
			out = append(out, g+suffix)
		}
	case KindArweave:
		for _, g := range r.arweave {
			out = append(out, g+"/"+ref.ID)
		}
	case KindLoad:
		for _, g := range r.load {
			out = append(out, g+"/resolve/"+ref.ID)
		}
	case KindDataItem:
		for _, g := range r.load {
			out = append(out, g+"/resolve/"+ref.ID)
		}
		for _, g := range r.arweave {
			out = append(out, g+"/"+ref.ID)
		}
	}
	return out
}

// Fetch downloads ref, trying each candidate in order. A candidate that
// errors or returns an empty body is skipped.
func (r *Resolver) Fetch(ctx context.Context, ref string) ([]byte, error) { // A
	urls, err := r.Candidates(ref)
	if err != nil {
		return nil, err
	}
	var last error
	for _, u := range urls {
		body, err := r.get(ctx, u)
		if err == nil && len(body) > 0 {
			return body, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransport, ctxErr)
		}
		if err == nil {
			err = errors.New("empty body")
		}
		r.log.WithFields(logrus.Fields{
			"ref": ref,
			"url": u,
		}).WithError(err).Debug("gateway candidate failed")
		last = err
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrTransport, ref, last)
}

func (r *Resolver) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > r.maxBody {
		return nil, fmt.Errorf("GET %s: body exceeds %d bytes", u, r.maxBody)
	}
	return body, nil
}

// CoverImageURL returns a display URL for a cover ref. IPFS gateways get
// image transform parameters; other networks are served untransformed.
func (r *Resolver) CoverImageURL(ref string, width, height, quality int) (string, error) { // A
	parsed, err := Parse(ref)
	if err != nil {
		return "", err
	}
	if parsed.Kind != KindIPFS {
		return r.candidates(parsed)[0], nil
	}
	base := r.candidates(parsed)[0]
	q := url.Values{}
	q.Set("img-width", fmt.Sprint(width))
	q.Set("img-height", fmt.Sprint(height))
	q.Set("img-format", "jpeg")
	q.Set("img-quality", fmt.Sprint(quality))
	return base + "?" + q.Encode(), nil
}
