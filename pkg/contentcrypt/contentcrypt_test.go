package contentcrypt

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestEncryptDecryptRoundTrip(t *testing.T) { // A
	plaintext := []byte("ID3 header followed by audio frames")
	enc, err := EncryptFile(plaintext)
	if err != nil {
		t.Fatalf("EncryptFile: %v", err)
	}
	if len(enc.Ciphertext) != len(plaintext)+TagSize {
		t.Fatalf("ciphertext len = %d, want %d", len(enc.Ciphertext), len(plaintext)+TagSize)
	}
	got, err := DecryptFile(enc.RawKey[:], enc.IV[:], enc.Ciphertext)
	if err != nil {
		t.Fatalf("DecryptFile: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip = %q, want %q", got, plaintext)
	}
}

func TestEncryptFileFreshKeys(t *testing.T) { // A
	a, err := EncryptFile([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncryptFile([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if a.RawKey == b.RawKey {
		t.Fatal("two encryptions reused a content key")
	}
	if a.IV == b.IV {
		t.Fatal("two encryptions reused an iv")
	}
}

func TestDecryptFlippedBitFails(t *testing.T) { // A
	enc, err := EncryptFile([]byte("do not tamper"))
	if err != nil {
		t.Fatal(err)
	}
	for i := range enc.Ciphertext {
		tampered := append([]byte(nil), enc.Ciphertext...)
		tampered[i] ^= 0x01
		_, err := DecryptFile(enc.RawKey[:], enc.IV[:], tampered)
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("flip at %d: err = %v, want ErrAuthenticationFailed", i, err)
		}
	}
}

func TestDecryptWrongKeyFails(t *testing.T) { // A
	enc, err := EncryptFile([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	wrong := enc.RawKey
	wrong[0] ^= 0xff
	if _, err := DecryptFile(wrong[:], enc.IV[:], enc.Ciphertext); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
	if _, err := DecryptFile(enc.RawKey[:16], enc.IV[:], enc.Ciphertext); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("short key: err = %v, want ErrInvalidKey", err)
	}
}

func TestParseBlobRejectsShortInput(t *testing.T) { // A
	for n := 0; n < MinBlobSize; n++ {
		if _, err := ParseBlob(make([]byte, n)); !errors.Is(err, ErrBlobTooShort) {
			t.Fatalf("len %d: err = %v, want ErrBlobTooShort", n, err)
		}
		if _, err := DecryptBlob(make([]byte, KeySize), make([]byte, n)); !errors.Is(err, ErrBlobTooShort) {
			t.Fatalf("DecryptBlob len %d: err = %v, want ErrBlobTooShort", n, err)
		}
	}
	b, err := ParseBlob(make([]byte, MinBlobSize))
	if err != nil {
		t.Fatalf("len %d rejected: %v", MinBlobSize, err)
	}
	if len(b.IV) != IVSize || len(b.Ciphertext) != 1 {
		t.Fatalf("split at wrong offset: iv %d ct %d", len(b.IV), len(b.Ciphertext))
	}
}

func TestBlobLayout(t *testing.T) { // A
	enc, err := EncryptFile([]byte("layout"))
	if err != nil {
		t.Fatal(err)
	}
	blob := enc.Blob()
	if !bytes.Equal(blob[:IVSize], enc.IV[:]) {
		t.Fatal("blob must start with the iv")
	}
	parsed, err := ParseBlob(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(parsed.Bytes(), blob) {
		t.Fatal("Bytes did not rebuild the blob")
	}
	got, err := DecryptBlob(enc.RawKey[:], blob)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "layout" {
		t.Fatalf("DecryptBlob = %q", got)
	}
}

func TestEciesRoundTrip(t *testing.T) { // A
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(t, "rawKey")
		wk, err := kp.Wrap(raw)
		if err != nil {
			t.Fatalf("Wrap: %v", err)
		}
		if len(wk.EphemeralPub) != PublicKeySize || len(wk.IV) != IVSize {
			t.Fatalf("field lengths %d/%d", len(wk.EphemeralPub), len(wk.IV))
		}
		got, err := kp.Unwrap(wk)
		if err != nil {
			t.Fatalf("Unwrap: %v", err)
		}
		if !bytes.Equal(got, raw) {
			t.Fatal("unwrapped key differs")
		}
	})
}

func TestEciesWrongRecipient(t *testing.T) { // A
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	wk, err := alice.Wrap(make([]byte, KeySize))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Unwrap(wk); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
}

func TestWrappedKeyValidate(t *testing.T) { // A
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	good, err := kp.Wrap(make([]byte, KeySize))
	if err != nil {
		t.Fatal(err)
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}

	bad := []WrappedKey{
		{EphemeralPub: good.EphemeralPub[:64], IV: good.IV, Ciphertext: good.Ciphertext},
		{EphemeralPub: good.EphemeralPub, IV: good.IV[:11], Ciphertext: good.Ciphertext},
		{EphemeralPub: good.EphemeralPub, IV: good.IV},
	}
	for i, w := range bad {
		if err := w.Validate(); !errors.Is(err, ErrInvalidWrappedKey) {
			t.Errorf("case %d: err = %v, want ErrInvalidWrappedKey", i, err)
		}
	}
}

func TestHexWrappedKeyRoundTrip(t *testing.T) { // A
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	wk, err := kp.Wrap(make([]byte, KeySize))
	if err != nil {
		t.Fatal(err)
	}
	h := wk.Hex()
	if h.IV != strings.ToLower(h.IV) {
		t.Fatal("hex must be lowercase")
	}
	h.EphemeralPub = "0x" + h.EphemeralPub
	back, err := h.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(back.Ciphertext, wk.Ciphertext) {
		t.Fatal("ciphertext changed")
	}
	h.IV = "zz"
	if _, err := h.Decode(); !errors.Is(err, ErrInvalidWrappedKey) {
		t.Fatalf("bad hex: err = %v", err)
	}
}

func TestKeyPairFromPrivateHex(t *testing.T) { // A
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	back, err := KeyPairFromPrivateHex("0x" + kp.PrivateKeyHex())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back.PublicKey(), kp.PublicKey()) {
		t.Fatal("restored key pair has a different public key")
	}
	if !strings.HasPrefix(kp.PublicKeyHex(), "0x04") {
		t.Fatalf("public key hex = %s", kp.PublicKeyHex())
	}
	if _, err := KeyPairFromPrivateHex("nothex"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

func TestSealOpen(t *testing.T) { // A
	key := SealKey("machine-a")
	sealed, err := Seal(key, "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("sealed value %q not recognised", sealed)
	}
	got, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "deadbeef" {
		t.Fatalf("Open = %q", got)
	}

	if _, err := Open(SealKey("machine-b"), sealed); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("other machine: err = %v, want ErrAuthenticationFailed", err)
	}
	for _, bad := range []string{"deadbeef", "enc:v2:00:00", "enc:v1::", "enc:v1:00:00"} {
		if _, err := Open(key, bad); !errors.Is(err, ErrSealedFormat) {
			t.Errorf("Open(%q): err = %v, want ErrSealedFormat", bad, err)
		}
	}
}

func TestParsePublicKey(t *testing.T) { // A
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParsePublicKey(" " + kp.PublicKeyHex() + " ")
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !bytes.Equal(got, kp.PublicKey()) {
		t.Fatal("parsed key differs")
	}
	bad := []string{
		"",
		"0x02" + strings.Repeat("11", 32),
		"0x04" + strings.Repeat("00", 64),
		"zz",
	}
	for _, b := range bad {
		if _, err := ParsePublicKey(b); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParsePublicKey(%q): err = %v, want ErrInvalidKey", b, err)
		}
	}
}
