package envelope

import (
	"context"
	"fmt"

	"github.com/dotheaven/heaven-content/pkg/identity"
	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the signed record message.
const (
	fieldData      protowire.Number = 1
	fieldTag       protowire.Number = 2
	fieldSigner    protowire.Number = 3
	fieldSignature protowire.Number = 4

	fieldTagName  protowire.Number = 1
	fieldTagValue protowire.Number = 2
)

// SignedRecord is the unit submitted to the content-addressed network:
// a payload, its tags, and the signer's EIP-191 signature over both.
type SignedRecord struct {
	Data      []byte
	Tags      []Tag
	Signer    common.Address
	Signature []byte
}

// SignRecord signs data and tags with s.
func SignRecord( // A
	ctx context.Context,
	s identity.Signer,
	data []byte,
	tags []Tag,
) (*SignedRecord, error) {
	rec := &SignedRecord{
		Data:   data,
		Tags:   append([]Tag(nil), tags...),
		Signer: s.Address(),
	}
	sig, err := s.Sign(ctx, rec.signingBytes())
	if err != nil {
		return nil, fmt.Errorf("sign record: %w", err)
	}
	rec.Signature = sig
	return rec, nil
}

// Verify checks that Signature was produced by Signer over fields 1..3.
func (r *SignedRecord) Verify() error { // A
	if err := identity.Verify(r.signingBytes(), r.Signature, r.Signer); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignedRecord, err)
	}
	return nil
}

// Tag returns the first value for name.
func (r *SignedRecord) Tag(name string) (string, bool) {
	for _, t := range r.Tags {
		if t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}

// Marshal encodes the record in wire order.
func (r *SignedRecord) Marshal() []byte { // A
	b := r.signingBytes()
	b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
	return protowire.AppendBytes(b, r.Signature)
}

func (r *SignedRecord) signingBytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Data)
	for _, t := range r.Tags {
		var inner []byte
		inner = protowire.AppendTag(inner, fieldTagName, protowire.BytesType)
		inner = protowire.AppendString(inner, t.Name)
		inner = protowire.AppendTag(inner, fieldTagValue, protowire.BytesType)
		inner = protowire.AppendString(inner, t.Value)
		b = protowire.AppendTag(b, fieldTag, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	b = protowire.AppendTag(b, fieldSigner, protowire.BytesType)
	return protowire.AppendBytes(b, r.Signer.Bytes())
}

// UnmarshalSignedRecord decodes a record. Unknown fields are rejected;
// the signature is not checked here, call Verify.
func UnmarshalSignedRecord(b []byte) (*SignedRecord, error) { // A
	rec := &SignedRecord{}
	var sawSigner bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: field %d has wire type %d", ErrInvalidSignedRecord, num, typ)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignedRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldData:
			rec.Data = append([]byte(nil), v...)
		case fieldTag:
			tag, err := unmarshalTag(v)
			if err != nil {
				return nil, err
			}
			rec.Tags = append(rec.Tags, tag)
		case fieldSigner:
			if len(v) != common.AddressLength {
				return nil, fmt.Errorf("%w: signer is %d bytes", ErrInvalidSignedRecord, len(v))
			}
			rec.Signer = common.BytesToAddress(v)
			sawSigner = true
		case fieldSignature:
			if len(v) != identity.SignatureSize {
				return nil, fmt.Errorf("%w: signature is %d bytes", ErrInvalidSignedRecord, len(v))
			}
			rec.Signature = append([]byte(nil), v...)
		default:
			return nil, fmt.Errorf("%w: unknown field %d", ErrInvalidSignedRecord, num)
		}
	}
	if !sawSigner || rec.Signature == nil {
		return nil, fmt.Errorf("%w: missing signer or signature", ErrInvalidSignedRecord)
	}
	return rec, nil
}

func unmarshalTag(b []byte) (Tag, error) {
	var t Tag
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return Tag{}, fmt.Errorf("%w: malformed tag", ErrInvalidSignedRecord)
		}
		b = b[n:]
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return Tag{}, fmt.Errorf("%w: malformed tag value", ErrInvalidSignedRecord)
		}
		b = b[n:]
		switch num {
		case fieldTagName:
			t.Name = v
		case fieldTagValue:
			t.Value = v
		default:
			return Tag{}, fmt.Errorf("%w: unknown tag field %d", ErrInvalidSignedRecord, num)
		}
	}
	return t, nil
}
