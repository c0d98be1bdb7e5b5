package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	heaven "github.com/dotheaven/heaven-content"
	"github.com/dotheaven/heaven-content/internal/config"
	"github.com/dotheaven/heaven-content/internal/memnet"
	"github.com/dotheaven/heaven-content/pkg/access"
	"github.com/dotheaven/heaven-content/pkg/identity"
	"github.com/dotheaven/heaven-content/pkg/ids"
	"github.com/dotheaven/heaven-content/pkg/store"
)

const usage = `Usage: heaven-keys <command> [flags]
Commands:
  ids       derive track and content ids from metadata
  keypair   print (and optionally publish) the device content public key
  encrypt   encrypt an audio file for upload
  share     share content ids with a wallet, .heaven or .eth name
  discover  look for a key shared with this wallet
  decrypt   fetch and decrypt a shared track
  actions   list the legal actions for a track
  resolve   list gateway URLs for a reference
  backup    write a compressed snapshot of the local store
  restore   load a snapshot written by backup
Run "heaven-keys <command> -h" for the flags of a command.`

// common holds the flags every service-backed command accepts.
type common struct {
	configPath string
	keyHex     string
	offline    bool
}

func addCommon(fs *flag.FlagSet) *common {
	c := &common{}
	fs.StringVar(&c.configPath, "config", "", "config file (default ./"+config.DefaultFile+" if present)")
	fs.StringVar(&c.keyHex, "key", "", "wallet private key hex (default $HEAVEN_PRIVATE_KEY)")
	fs.BoolVar(&c.offline, "offline", false, "use an in-memory network instead of the real one")
	return c
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "heaven-keys: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "ids":
		return cmdIDs(args, out)
	case "keypair":
		return cmdKeypair(ctx, args, out)
	case "encrypt":
		return cmdEncrypt(ctx, args, out)
	case "share":
		return cmdShare(ctx, args, out)
	case "discover":
		return cmdDiscover(ctx, args, out)
	case "decrypt":
		return cmdDecrypt(ctx, args, out)
	case "actions":
		return cmdActions(ctx, args, out)
	case "resolve":
		return cmdResolve(ctx, args, out)
	case "backup":
		return cmdBackup(ctx, args, out)
	case "restore":
		return cmdRestore(ctx, args, out)
	case "help", "-h", "--help":
		fmt.Fprintln(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

// open loads the config and starts a service for one command.
func open(ctx context.Context, c *common) (*heaven.Service, error) {
	fc, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	cfg := heaven.FromFile(fc)

	keyHex := strings.TrimSpace(c.keyHex)
	if keyHex == "" {
		keyHex = strings.TrimSpace(os.Getenv("HEAVEN_PRIVATE_KEY"))
	}
	if keyHex != "" {
		signer, err := identity.KeySignerFromHex(keyHex)
		if err != nil {
			return nil, err
		}
		cfg.Signer = signer
	}
	if c.offline {
		n := memnet.New()
		cfg.Network = n
		cfg.Names = memnet.NewNames()
		cfg.Blobs = heaven.NetworkBlobs(n)
	}

	svc, err := heaven.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// emit prints r as JSON and turns a failed result into an error.
func emit[T any](out io.Writer, r heaven.Result[T]) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return err
	}
	return r.Err()
}

func cmdIDs(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ids", flag.ExitOnError)
	title := fs.String("title", "", "track title")
	artist := fs.String("artist", "", "track artist")
	album := fs.String("album", "", "album")
	file := fs.String("file", "", "infer metadata from an \"Artist - Title.ext\" file name")
	owner := fs.String("owner", "", "owner address; prints the content id too")
	_ = fs.Parse(args)

	if *title == "" && *file != "" {
		*title, *artist, *album = ids.InferTitleArtistAlbum(*file)
	}
	if strings.TrimSpace(*title) == "" {
		return errors.New("ids: -title or -file is required")
	}
	track := ids.DeriveTrackID(*title, *artist, *album)
	res := map[string]string{"trackId": track.Hex()}
	if *owner != "" {
		content, err := ids.DeriveContentID(track, *owner)
		if err != nil {
			return err
		}
		res["contentId"] = content.Hex()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func cmdKeypair(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keypair", flag.ExitOnError)
	c := addCommon(fs)
	publish := fs.Bool("publish", false, "publish the key to the name service")
	_ = fs.Parse(args)

	svc, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)
	if *publish {
		return emit(out, svc.PublishContentPublicKey(ctx))
	}
	return emit(out, svc.ContentPublicKey())
}

func cmdEncrypt(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	c := addCommon(fs)
	in := fs.String("in", "", "audio file")
	blobOut := fs.String("out", "", "write the encrypted blob here")
	title := fs.String("title", "", "track title (default inferred from -in)")
	artist := fs.String("artist", "", "track artist")
	album := fs.String("album", "", "album")
	owner := fs.String("owner", "", "owner address (default the wallet of -key)")
	upload := fs.Bool("upload", false, "publish the blob to the network")
	_ = fs.Parse(args)

	if *in == "" {
		return errors.New("encrypt: -in is required")
	}
	audio, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	meta := heaven.TrackMeta{Title: *title, Artist: *artist, Album: *album, FilePath: *in}

	svc, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)

	if *upload {
		return emit(out, svc.Upload(ctx, meta, audio))
	}
	res := svc.EncryptForUpload(ctx, *owner, meta, audio)
	if res.Success && *blobOut != "" {
		if err := os.WriteFile(*blobOut, res.Value.Blob, 0o600); err != nil {
			return err
		}
	}
	return emit(out, res)
}

func cmdShare(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("share", flag.ExitOnError)
	c := addCommon(fs)
	content := fs.String("content", "", "comma separated content ids")
	to := fs.String("to", "", "recipient address or name")
	_ = fs.Parse(args)

	list := splitList(*content)
	if len(list) == 0 || *to == "" {
		return errors.New("share: -content and -to are required")
	}
	svc, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)
	if len(list) == 1 {
		return emit(out, svc.Share(ctx, list[0], *to))
	}
	return emit(out, svc.ShareBatch(ctx, list, *to))
}

func cmdDiscover(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	c := addCommon(fs)
	content := fs.String("content", "", "comma separated content ids")
	owner := fs.String("owner", "", "owner address")
	grantee := fs.String("grantee", "", "grantee address (default the wallet of -key); other wallets are never cached")
	_ = fs.Parse(args)

	list := splitList(*content)
	if len(list) == 0 || *owner == "" {
		return errors.New("discover: -content and -owner are required")
	}
	svc, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)
	if len(list) == 1 {
		return emit(out, svc.EnsureWrappedKey(ctx, heaven.KeyRequest{
			ContentID: list[0], Owner: *owner, Grantee: *grantee,
		}))
	}
	reqs := make([]heaven.KeyRequest, len(list))
	for i, id := range list {
		reqs[i] = heaven.KeyRequest{ContentID: id, Owner: *owner, Grantee: *grantee}
	}
	var failed error
	for _, r := range svc.EnsureWrappedKeys(ctx, reqs) {
		if err := emit(out, r); err != nil && failed == nil {
			failed = err
		}
	}
	return failed
}

func cmdDecrypt(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	c := addCommon(fs)
	content := fs.String("content", "", "content id")
	piece := fs.String("piece", "", "encrypted blob reference (ls3://, ipfs://, CID ...)")
	owner := fs.String("owner", "", "owner address")
	dst := fs.String("out", "", "write the decrypted audio here")
	_ = fs.Parse(args)

	if *content == "" || *piece == "" || *owner == "" || *dst == "" {
		return errors.New("decrypt: -content, -piece, -owner and -out are required")
	}
	svc, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)

	res := svc.DecryptShared(ctx, heaven.DecryptRequest{
		ContentID: *content, PieceCID: *piece, Owner: *owner,
	})
	if !res.Success {
		return emit(out, res)
	}
	if err := os.WriteFile(*dst, res.Value, 0o600); err != nil {
		return err
	}
	if rec := svc.RecordDownload(downloadEntry(*content, *dst, *piece, *owner)); !rec.Success {
		return emit(out, rec)
	}
	return emit(out, heaven.Result[string]{Success: true, Value: *dst})
}

func cmdActions(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("actions", flag.ExitOnError)
	c := addCommon(fs)
	uri := fs.String("uri", "", "where the audio lives")
	piece := fs.String("piece", "", "encrypted copy reference")
	datasetOwner := fs.String("dataset-owner", "", "wallet that uploaded -piece")
	permanent := fs.String("permanent", "", "permanent reference, if saved forever")
	content := fs.String("content", "", "content id, to check the download cache")
	owner := fs.String("owner", "", "viewer address (default the wallet of -key)")
	_ = fs.Parse(args)

	svc, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)
	return emit(out, svc.Actions(heaven.TrackState{
		Track: access.Track{
			URI:          *uri,
			PieceCID:     *piece,
			DatasetOwner: *datasetOwner,
			PermanentRef: *permanent,
		},
		ContentID: *content,
	}, *owner))
}

func cmdResolve(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	c := addCommon(fs)
	cover := fs.Int("cover", 0, "print a square cover URL of this size instead")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("resolve: exactly one reference is required")
	}

	svc, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)
	if *cover > 0 {
		return emit(out, svc.CoverImageURL(fs.Arg(0), *cover, *cover, 80))
	}
	return emit(out, svc.ResolveRef(fs.Arg(0)))
}

func cmdBackup(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	c := addCommon(fs)
	dst := fs.String("out", "", "snapshot file")
	_ = fs.Parse(args)
	if *dst == "" {
		return errors.New("backup: -out is required")
	}

	svc, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)
	f, err := os.OpenFile(*dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	res := svc.Backup(f)
	if err := f.Close(); err != nil && res.Success {
		return err
	}
	return emit(out, res)
}

func cmdRestore(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	c := addCommon(fs)
	src := fs.String("in", "", "snapshot file")
	_ = fs.Parse(args)
	if *src == "" {
		return errors.New("restore: -in is required")
	}

	svc, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)
	f, err := os.Open(*src)
	if err != nil {
		return err
	}
	defer f.Close()
	return emit(out, svc.Restore(f))
}

func downloadEntry(contentID, path, piece, owner string) store.DownloadedEntry {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return store.DownloadedEntry{
		ContentID:    contentID,
		MediaURI:     "file://" + filepath.ToSlash(path),
		PieceCID:     piece,
		DatasetOwner: owner,
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
