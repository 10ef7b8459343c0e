package vm

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/spaolacci/murmur3"
)

var (
	ErrNoMetadata          = errors.New("image carries no metadata")
	ErrNoEntryPoint        = errors.New("image has no entry point")
	ErrNoFingerprints      = errors.New("image carries no fingerprints")
	ErrFingerprintMismatch = errors.New("blob fingerprint mismatch")
)

// CBOR codec modes, canonical so identical metadata always encodes to
// identical bytes.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// ImageMetadata is the CBOR map the header's metadata offset points at.
// It describes the image without affecting execution semantics.
type ImageMetadata struct {
	Creator   string `cbor:"creator,omitempty"`
	CreatedAt string `cbor:"created,omitempty"` // RFC 3339

	// EntryPoint is a code table index, meaningful only when the
	// header carries FlagEntrypoint.
	EntryPoint uint32 `cbor:"entry,omitempty"`

	// BlobFingerprints is parallel to the blob table, present when the
	// header carries FlagFingerprints.
	BlobFingerprints []uint64 `cbor:"blobfp,omitempty"`
}

// Metadata decodes the metadata section, at most once per image.
func (img *Image) Metadata() (*ImageMetadata, error) {
	img.metaOnce.Do(func() {
		if img.header.MetadataOffset == 0 {
			img.metaErr = ErrNoMetadata
			return
		}
		// The metadata section always runs to the end of the image,
		// so trailing garbage shows up as a decode error here.
		raw := img.data[img.header.MetadataOffset:img.header.TotalSize]
		meta := &ImageMetadata{}
		if err := cborDec.Unmarshal(raw, meta); err != nil {
			img.metaErr = fmt.Errorf("%w: metadata: %v", ErrCorruptData, err)
			return
		}
		img.meta = meta
	})
	return img.meta, img.metaErr
}

// EntryCode returns the code object the image names as its entry point.
func (img *Image) EntryCode() (*CodeObject, error) {
	if img.header.Flags&FlagEntrypoint == 0 {
		return nil, ErrNoEntryPoint
	}
	meta, err := img.Metadata()
	if err != nil {
		return nil, err
	}
	return img.Code(meta.EntryPoint)
}

// BlobFingerprint computes the 64-bit content fingerprint stored for
// each blob section.
func BlobFingerprint(b []byte) uint64 {
	return murmur3.Sum64(b)
}

// VerifyFingerprints recomputes every blob's fingerprint and compares
// it against the recorded one.
func (img *Image) VerifyFingerprints() error {
	if img.header.Flags&FlagFingerprints == 0 {
		return ErrNoFingerprints
	}
	meta, err := img.Metadata()
	if err != nil {
		return err
	}
	if len(meta.BlobFingerprints) != len(img.blobOffsets) {
		return fmt.Errorf("%w: %d fingerprints for %d blobs",
			ErrCorruptData, len(meta.BlobFingerprints), len(img.blobOffsets))
	}
	for i := range img.blobOffsets {
		b, err := img.BlobAt(uint32(i))
		if err != nil {
			return err
		}
		if got := BlobFingerprint(b); got != meta.BlobFingerprints[i] {
			return fmt.Errorf("%w: blob %d: computed %016x, recorded %016x",
				ErrFingerprintMismatch, i, got, meta.BlobFingerprints[i])
		}
	}
	return nil
}
