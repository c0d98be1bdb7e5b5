package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotheaven/heaven-content/pkg/ids"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
const testAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func offlineArgs(t *testing.T, args ...string) []string {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "heaven.yaml")
	if err := os.WriteFile(cfg, []byte("dataDir: "+filepath.Join(dir, "data")+"\nlogLevel: error\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return append([]string{"-config", cfg, "-offline", "-key", testKey}, args...)
}

func TestIDs(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), "ids", []string{
		"-title", "Blue Monday", "-artist", "New Order", "-owner", testAddr,
	}, &out)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	track := ids.DeriveTrackID("Blue Monday", "New Order", "")
	content, _ := ids.DeriveContentID(track, testAddr)
	if got["trackId"] != track.Hex() || got["contentId"] != content.Hex() {
		t.Fatalf("unexpected ids: %v", got)
	}

	if err := run(context.Background(), "ids", nil, &out); err == nil {
		t.Fatal("expected error without a title")
	}
}

func TestUnknownCommand(t *testing.T) {
	err := run(context.Background(), "frobnicate", nil, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("got %v", err)
	}
}

func TestKeypairOffline(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), "keypair", offlineArgs(t, "-publish"), &out); err != nil {
		t.Fatalf("keypair: %v", err)
	}
	var res struct {
		Success bool
		Value   string
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || !strings.HasPrefix(res.Value, "0x04") {
		t.Fatalf("unexpected result: %s", out.String())
	}
}

func TestEncryptOffline(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "New Order - Blue Monday.mp3")
	if err := os.WriteFile(in, []byte("not really audio"), 0o600); err != nil {
		t.Fatal(err)
	}
	blob := filepath.Join(dir, "blob.bin")

	var out bytes.Buffer
	err := run(context.Background(), "encrypt", offlineArgs(t, "-in", in, "-out", blob), &out)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	var res struct {
		Success bool
		Value   struct {
			TrackID   string `json:"trackId"`
			ContentID string `json:"contentId"`
		}
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := ids.DeriveTrackID("Blue Monday", "New Order", "")
	if res.Value.TrackID != want.Hex() {
		t.Fatalf("trackId = %s, want %s", res.Value.TrackID, want.Hex())
	}
	data, err := os.ReadFile(blob)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if len(data) != 12+len("not really audio")+16 {
		t.Fatalf("blob has %d bytes", len(data))
	}
}

func TestResolveOffline(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), "resolve", offlineArgs(t, "ar://jq8b3cKXyD3q8J2n1xY0zQm5T9rL4wA6pE7uH_sG-fk"), &out)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out.String(), "https://arweave.net/jq8b3cKXyD3q8J2n1xY0zQm5T9rL4wA6pE7uH_sG-fk") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	err = run(context.Background(), "resolve", offlineArgs(t, "gopher://x"), &out)
	if err == nil || !strings.Contains(err.Error(), "unresolvable") {
		t.Fatalf("got %v", err)
	}
}
