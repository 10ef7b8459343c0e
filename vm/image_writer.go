package vm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ---------------------------------------------------------------------------
// Image format constants
// ---------------------------------------------------------------------------

// ImageMagic is the magic number identifying a Loon image file.
var ImageMagic = [4]byte{'L', 'O', 'O', 'N'}

// Image format version
// v1: initial format
const ImageVersion uint16 = 1

// Image header size in bytes
// magic(4) + version(2) + flags(2) + metadataOffset(4) + totalSize(4) = 16
const ImageHeaderSize = 16

// Image flags
const (
	FlagFingerprints uint16 = 1 << 0 // metadata carries blob fingerprints
	FlagEntrypoint   uint16 = 1 << 1 // metadata names an entry code object
)

const knownImageFlags = FlagFingerprints | FlagEntrypoint

// ErrWriterFinished is returned when a finished writer is reused.
var ErrWriterFinished = errors.New("image writer already finished")

// ---------------------------------------------------------------------------
// ImageWriter: serializes code objects to a binary image
// ---------------------------------------------------------------------------

// ImageWriter builds an image in three phases: collect (AddCode walks
// the object graph and assigns table indexes), write (records land in
// the buffer and their offsets are captured), patch (the offset tables
// and header fields are filled in).
type ImageWriter struct {
	buf     *bytes.Buffer
	encoder *ImageEncoder

	// Byte positions of the four offset arrays, for back-patching.
	codeTablePos   int
	constTablePos  int
	stringTablePos int
	blobTablePos   int

	// Record offsets captured while writing.
	codeOffsets   []uint32
	constOffsets  []uint32
	stringOffsets []uint32
	blobOffsets   []uint32

	flags      uint16
	entryPoint uint32
	metaOffset uint32
	meta       ImageMetadata
	finished   bool
}

// NewImageWriter creates a writer resolving interned names through in.
func NewImageWriter(in *Interpreter) *ImageWriter {
	return &ImageWriter{
		buf:     bytes.NewBuffer(nil),
		encoder: NewImageEncoder(in),
	}
}

// ---------------------------------------------------------------------------
// Collect phase
// ---------------------------------------------------------------------------

// AddCode registers a code object and everything it references,
// recursively through code-valued constants. Dehydrated objects are
// hydrated first. Returns the object's code table index.
func (w *ImageWriter) AddCode(co *CodeObject) (uint32, error) {
	if w.finished {
		return 0, ErrWriterFinished
	}
	if idx, ok := w.encoder.LookupCode(co); ok {
		return idx, nil
	}
	if !co.IsHydrated() {
		if err := w.encoder.interp.Hydrate(co); err != nil {
			return 0, err
		}
	}

	// Assign the index before walking constants so self and mutual
	// references resolve instead of recursing forever.
	idx := w.encoder.RegisterCode(co)

	w.encoder.RegisterString(co.Name)
	w.encoder.RegisterString(co.Filename)
	for _, id := range co.Names {
		w.encoder.RegisterSymbol(id)
	}
	for _, id := range co.LocalsPlusNames {
		w.encoder.RegisterSymbol(id)
	}

	// The original stream is serialized, never the quickened copy.
	w.encoder.RegisterBlob(codeUnitsToBytes(co.code))
	if len(co.Linetable) > 0 {
		w.encoder.RegisterBlob(co.Linetable)
	}
	if len(co.Exceptiontable) > 0 {
		w.encoder.RegisterBlob(co.Exceptiontable)
	}

	for _, v := range co.Consts {
		switch {
		case v.IsCode():
			if _, err := w.AddCode(v.Code()); err != nil {
				return 0, err
			}
		case v.IsStr():
			w.encoder.RegisterSymbol(v.StrID())
		}
		w.encoder.RegisterConst(v)
	}
	return idx, nil
}

// SetEntryPoint marks the code table index executed by default.
func (w *ImageWriter) SetEntryPoint(idx uint32) {
	w.entryPoint = idx
	w.flags |= FlagEntrypoint
}

// SetCreator records the producing tool in the metadata.
func (w *ImageWriter) SetCreator(creator string) {
	w.meta.Creator = creator
}

// SetCreatedAt records the build time in the metadata.
func (w *ImageWriter) SetCreatedAt(t time.Time) {
	w.meta.CreatedAt = t.UTC().Format(time.RFC3339)
}

// ---------------------------------------------------------------------------
// Write phases
// ---------------------------------------------------------------------------

// writeHeader writes the fixed-size header with placeholder metadata
// offset and total size; patch fills them in.
func (w *ImageWriter) writeHeader() {
	w.buf.Write(ImageMagic[:])

	buf2 := make([]byte, 2)
	WriteUint16(buf2, ImageVersion)
	w.buf.Write(buf2)
	WriteUint16(buf2, w.flags)
	w.buf.Write(buf2)

	buf4 := make([]byte, 4)
	WriteUint32(buf4, 0) // metadata offset (patched)
	w.buf.Write(buf4)
	WriteUint32(buf4, 0) // total size (patched)
	w.buf.Write(buf4)
}

// writeTables reserves the four offset tables. Counts are final once
// the collect phase is done; the offsets are zero until patched.
func (w *ImageWriter) writeTables() {
	buf := make([]byte, 4)
	table := func(count int) int {
		WriteUint32(buf, uint32(count))
		w.buf.Write(buf)
		pos := w.buf.Len()
		w.buf.Write(make([]byte, 4*count))
		return pos
	}
	w.codeTablePos = table(w.encoder.CodeCount())
	w.constTablePos = table(w.encoder.ConstCount())
	w.stringTablePos = table(w.encoder.StringCount())
	w.blobTablePos = table(w.encoder.BlobCount())
}

func (w *ImageWriter) writeCodeRecords() error {
	for _, co := range w.encoder.codes {
		w.codeOffsets = append(w.codeOffsets, uint32(w.buf.Len()))
		if err := w.writeCodeRecord(co); err != nil {
			return err
		}
	}
	return nil
}

func (w *ImageWriter) writeCodeRecord(co *CodeObject) error {
	in := w.encoder.interp
	buf := make([]byte, 4)
	u32 := func(v uint32) {
		WriteUint32(buf, v)
		w.buf.Write(buf)
	}
	strIdx := func(s string) (uint32, error) {
		idx, ok := w.encoder.LookupString(s)
		if !ok {
			return 0, fmt.Errorf("unregistered string %q in code record for %s", s, co.Name)
		}
		return idx, nil
	}

	nameIdx, err := strIdx(co.Name)
	if err != nil {
		return err
	}
	fileIdx, err := strIdx(co.Filename)
	if err != nil {
		return err
	}
	u32(nameIdx)
	u32(fileIdx)
	u32(uint32(co.Flags))
	WriteInt32(buf, int32(co.FirstLineno))
	w.buf.Write(buf)

	u32(uint32(co.Argcount))
	u32(uint32(co.Posonlyargcount))
	u32(uint32(co.Kwonlyargcount))
	u32(uint32(co.Stacksize))

	// Blob content was registered during collect; these lookups reuse
	// the existing indexes.
	u32(w.encoder.RegisterBlob(codeUnitsToBytes(co.code)))
	if len(co.Linetable) > 0 {
		u32(w.encoder.RegisterBlob(co.Linetable))
	} else {
		u32(noIndex)
	}
	if len(co.Exceptiontable) > 0 {
		u32(w.encoder.RegisterBlob(co.Exceptiontable))
	} else {
		u32(noIndex)
	}

	u32(uint32(len(co.Names)))
	for _, id := range co.Names {
		idx, err := strIdx(in.SymbolName(id))
		if err != nil {
			return err
		}
		u32(idx)
	}

	u32(uint32(len(co.LocalsPlusNames)))
	for i, id := range co.LocalsPlusNames {
		idx, err := strIdx(in.SymbolName(id))
		if err != nil {
			return err
		}
		u32(idx)
		w.buf.WriteByte(byte(co.LocalsPlusKinds[i]))
	}

	u32(uint32(len(co.Consts)))
	for _, v := range co.Consts {
		u32(w.encoder.RegisterConst(v))
	}
	return nil
}

func (w *ImageWriter) writeConstRecords() error {
	scratch := make([]byte, EncodedConstSize)
	for i, v := range w.encoder.consts {
		w.constOffsets = append(w.constOffsets, uint32(w.buf.Len()))
		if err := w.encoder.EncodeConstTo(v, scratch); err != nil {
			return fmt.Errorf("constant %d: %w", i, err)
		}
		w.buf.Write(scratch)
	}
	return nil
}

func (w *ImageWriter) writeStringRecords() {
	scratch := make([]byte, 10)
	for _, s := range w.encoder.strings {
		w.stringOffsets = append(w.stringOffsets, uint32(w.buf.Len()))
		n := WriteVarInt(scratch, uint64(len(s)))
		w.buf.Write(scratch[:n])
		w.buf.WriteString(s)
	}
}

// writeBlobRecords writes the blob sections and computes the content
// fingerprints recorded in the metadata.
func (w *ImageWriter) writeBlobRecords() {
	scratch := make([]byte, 10)
	fps := make([]uint64, 0, len(w.encoder.blobs))
	for _, b := range w.encoder.blobs {
		w.blobOffsets = append(w.blobOffsets, uint32(w.buf.Len()))
		n := WriteVarInt(scratch, uint64(len(b)))
		w.buf.Write(scratch[:n])
		w.buf.Write(b)
		fps = append(fps, BlobFingerprint(b))
	}
	w.meta.BlobFingerprints = fps
}

// writeMetadata writes the CBOR metadata map. It is always the last
// section, running to the end of the image.
func (w *ImageWriter) writeMetadata() error {
	w.metaOffset = uint32(w.buf.Len())
	if w.flags&FlagEntrypoint != 0 {
		w.meta.EntryPoint = w.entryPoint
	}
	raw, err := cborEnc.Marshal(&w.meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	w.buf.Write(raw)
	return nil
}

// patch fills in the offset tables and the header's metadata offset
// and total size.
func (w *ImageWriter) patch() {
	data := w.buf.Bytes()
	patchTable := func(pos int, offsets []uint32) {
		for i, off := range offsets {
			WriteUint32(data[pos+4*i:], off)
		}
	}
	patchTable(w.codeTablePos, w.codeOffsets)
	patchTable(w.constTablePos, w.constOffsets)
	patchTable(w.stringTablePos, w.stringOffsets)
	patchTable(w.blobTablePos, w.blobOffsets)

	WriteUint16(data[6:], w.flags)
	WriteUint32(data[8:], w.metaOffset)
	WriteUint32(data[12:], uint32(len(data)))
}

// ---------------------------------------------------------------------------
// Main serialization API
// ---------------------------------------------------------------------------

// Finish serializes everything collected so far. The writer accepts no
// further additions afterwards.
func (w *ImageWriter) Finish() error {
	if w.finished {
		return ErrWriterFinished
	}
	w.flags |= FlagFingerprints

	w.writeHeader()
	w.writeTables()
	if err := w.writeCodeRecords(); err != nil {
		return err
	}
	if err := w.writeConstRecords(); err != nil {
		return err
	}
	w.writeStringRecords()
	w.writeBlobRecords()
	if err := w.writeMetadata(); err != nil {
		return err
	}
	w.patch()
	w.finished = true
	return nil
}

// WriteTo writes the image to the given writer, finishing it first if
// needed.
func (w *ImageWriter) WriteTo(out io.Writer) (int64, error) {
	if !w.finished {
		if err := w.Finish(); err != nil {
			return 0, err
		}
	}
	n, err := out.Write(w.buf.Bytes())
	return int64(n), err
}

// Bytes returns the serialized image. Valid after Finish.
func (w *ImageWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// ---------------------------------------------------------------------------
// Interpreter integration
// ---------------------------------------------------------------------------

// SaveImage serializes entry and everything reachable from it to a
// file, with entry as the image's entry point.
func (in *Interpreter) SaveImage(path string, entry *CodeObject) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return in.SaveImageTo(f, entry)
}

// SaveImageTo serializes entry and everything reachable from it.
func (in *Interpreter) SaveImageTo(out io.Writer, entry *CodeObject) error {
	w := NewImageWriter(in)
	idx, err := w.AddCode(entry)
	if err != nil {
		return err
	}
	w.SetEntryPoint(idx)
	w.SetCreator("loon")
	w.SetCreatedAt(time.Now())
	if err := w.Finish(); err != nil {
		return err
	}
	_, err = w.WriteTo(out)
	return err
}
