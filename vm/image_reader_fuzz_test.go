package vm

import (
	"bytes"
	"testing"
)

// ---------------------------------------------------------------------------
// FuzzImageReader: ensure the image parser never panics or OOMs on
// arbitrary input. Errors are expected and acceptable; panics are bugs.
// ---------------------------------------------------------------------------

// buildSeedImage serializes a real program so the fuzzer starts from a
// well-formed image to mutate.
func buildSeedImage(t testing.TB) []byte {
	t.Helper()
	in := NewInterpreter(Options{})
	outer := imageProgram(t, in)
	var buf bytes.Buffer
	if err := in.SaveImageTo(&buf, outer); err != nil {
		t.Fatalf("SaveImageTo failed: %v", err)
	}
	return buf.Bytes()
}

func FuzzImageReader(f *testing.F) {
	valid := buildSeedImage(f)

	// Seed 1: fully valid image.
	f.Add(valid)

	// Seed 2: magic bytes only.
	f.Add(append([]byte(nil), ImageMagic[:]...))

	// Seed 3: header only, no tables.
	f.Add(append([]byte(nil), valid[:ImageHeaderSize]...))

	// Seed 4: truncated inside the offset tables.
	f.Add(append([]byte(nil), valid[:ImageHeaderSize+6]...))

	// Seed 5: truncated inside the records.
	f.Add(append([]byte(nil), valid[:len(valid)/2]...))

	// Seed 6: implausible code table count.
	func() {
		data := append([]byte(nil), valid...)
		WriteUint32(data[ImageHeaderSize:], 0xFFFFFFFF)
		f.Add(data)
	}()

	// Seed 7: metadata offset inside the header.
	func() {
		data := append([]byte(nil), valid...)
		WriteUint32(data[8:], 1)
		f.Add(data)
	}()

	// Seed 8: empty input.
	f.Add([]byte{})

	// Seed 9: single zero byte.
	f.Add([]byte{0})

	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("image parser panicked on %d bytes of input: %v", len(data), r)
			}
		}()

		img, err := NewImageFromBytes(data)
		if err != nil {
			return // corrupt images must fail cleanly
		}

		// A parsed image must survive every read path.
		_, _ = img.Metadata()
		_ = img.VerifyLayout()
		_ = img.VerifyFingerprints()
		for i := 0; i < img.StringCount(); i++ {
			_, _ = img.StringAt(uint32(i))
		}
		for i := 0; i < img.BlobCount(); i++ {
			_, _ = img.BlobAt(uint32(i))
		}

		in := NewInterpreter(Options{})
		for i := 0; i < img.CodeCount(); i++ {
			co, err := img.Code(uint32(i))
			if err != nil {
				continue
			}
			_ = in.Hydrate(co)
		}
		if entry, err := img.EntryCode(); err == nil {
			_ = in.Hydrate(entry)
		}
	})
}
