package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/btree"
)

// ---------------------------------------------------------------------------
// Image errors
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic      = errors.New("invalid magic number: expected LOON")
	ErrVersionMismatch   = errors.New("image version mismatch")
	ErrCorruptHeader     = errors.New("corrupt image header")
	ErrCorruptData       = errors.New("corrupt image data")
	ErrUnexpectedEOF     = errors.New("unexpected end of image data")
	ErrInvalidCodeIndex  = errors.New("invalid code object index")
	ErrInvalidConstIndex = errors.New("invalid constant index")
	ErrInvalidStringIndex = errors.New("invalid string index")
	ErrInvalidBlobIndex  = errors.New("invalid blob index")
)

// noIndex marks an absent optional table reference inside a record.
const noIndex = 0xFFFFFFFF

// ---------------------------------------------------------------------------
// ImageHeader: parsed header information
// ---------------------------------------------------------------------------

// ImageHeader contains the parsed fixed-size header of an image.
type ImageHeader struct {
	Magic          string // "LOON"
	Version        uint16
	Flags          uint16
	MetadataOffset uint32 // 0 when the image carries no metadata
	TotalSize      uint32
}

// ---------------------------------------------------------------------------
// Image: a parsed container, hydration source for code objects
// ---------------------------------------------------------------------------

// Image is an opened container. Opening parses and validates the header
// and the four offset tables only; records are decoded on demand, so a
// large image costs little until its code objects are hydrated.
//
// The constant pool is image-wide: it is materialized at most once and
// every code object hydrated from this image references entries of that
// one pool.
type Image struct {
	data   []byte
	header ImageHeader

	codeOffsets   []uint32
	constOffsets  []uint32
	stringOffsets []uint32
	blobOffsets   []uint32

	tablesEnd uint32 // first byte past the offset tables

	mu       sync.Mutex
	codeObjs []*CodeObject // dehydrated stubs, created on first request
	interned []uint32      // string index -> intern ID; 0 = not yet

	constsOnce sync.Once
	consts     []Value
	constsErr  error

	metaOnce sync.Once
	meta     *ImageMetadata
	metaErr  error
}

// OpenImage opens and parses an image file.
func OpenImage(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image file: %w", err)
	}
	return NewImageFromBytes(data)
}

// ReadImage parses an image from a reader.
func ReadImage(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return NewImageFromBytes(data)
}

// NewImageFromBytes parses an image from a byte slice. The slice is
// retained; the caller must not mutate it afterwards.
func NewImageFromBytes(data []byte) (*Image, error) {
	img := &Image{data: data}
	if err := img.parseHeader(); err != nil {
		return nil, err
	}
	if err := img.parseTables(); err != nil {
		return nil, err
	}
	img.codeObjs = make([]*CodeObject, len(img.codeOffsets))
	img.interned = make([]uint32, len(img.stringOffsets))
	return img, nil
}

// Header returns the parsed header.
func (img *Image) Header() ImageHeader { return img.header }

// CodeCount returns the number of code object records.
func (img *Image) CodeCount() int { return len(img.codeOffsets) }

// ConstCount returns the number of constant records.
func (img *Image) ConstCount() int { return len(img.constOffsets) }

// StringCount returns the number of string records.
func (img *Image) StringCount() int { return len(img.stringOffsets) }

// BlobCount returns the number of blob records.
func (img *Image) BlobCount() int { return len(img.blobOffsets) }

// ---------------------------------------------------------------------------
// Header and table parsing
// ---------------------------------------------------------------------------

func (img *Image) parseHeader() error {
	data := img.data
	if len(data) < ImageHeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptHeader, len(data))
	}

	magic := string(data[0:4])
	if magic != string(ImageMagic[:]) {
		return fmt.Errorf("%w: got %q", ErrInvalidMagic, magic)
	}

	version := ReadUint16(data[4:])
	if version != ImageVersion {
		return fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, ImageVersion, version)
	}

	flags := ReadUint16(data[6:])
	if flags&^knownImageFlags != 0 {
		return fmt.Errorf("%w: unknown flag bits %#x", ErrCorruptHeader, flags&^knownImageFlags)
	}

	metaOffset := ReadUint32(data[8:])
	totalSize := ReadUint32(data[12:])

	if uint32(len(data)) < totalSize {
		return fmt.Errorf("%w: header claims %d bytes, have %d", ErrUnexpectedEOF, totalSize, len(data))
	}
	if uint32(len(data)) > totalSize {
		return fmt.Errorf("%w: %d trailing bytes past the declared size", ErrCorruptData, uint32(len(data))-totalSize)
	}
	if metaOffset != 0 && (metaOffset < ImageHeaderSize || metaOffset >= totalSize) {
		return fmt.Errorf("%w: metadata offset %d out of range", ErrCorruptHeader, metaOffset)
	}

	img.header = ImageHeader{
		Magic:          magic,
		Version:        version,
		Flags:          flags,
		MetadataOffset: metaOffset,
		TotalSize:      totalSize,
	}
	return nil
}

// parseTables reads the four parallel offset tables that follow the
// header: code objects, constants, strings, blobs. Every offset is
// range-checked here; record contents are validated on decode.
func (img *Image) parseTables() error {
	cur := &cursor{data: img.data, off: ImageHeaderSize}

	readTable := func(what string) ([]uint32, error) {
		count, err := cur.u32()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s table count: %w", what, err)
		}
		if count > uint32(len(img.data))/4 {
			return nil, fmt.Errorf("%w: implausible %s table count %d", ErrCorruptData, what, count)
		}
		offsets := make([]uint32, count)
		for i := range offsets {
			off, err := cur.u32()
			if err != nil {
				return nil, fmt.Errorf("failed to read %s table entry %d: %w", what, i, err)
			}
			offsets[i] = off
		}
		return offsets, nil
	}

	var err error
	if img.codeOffsets, err = readTable("code"); err != nil {
		return err
	}
	if img.constOffsets, err = readTable("constant"); err != nil {
		return err
	}
	if img.stringOffsets, err = readTable("string"); err != nil {
		return err
	}
	if img.blobOffsets, err = readTable("blob"); err != nil {
		return err
	}
	img.tablesEnd = uint32(cur.off)

	// Records live strictly between the tables and the end of the
	// image; an offset pointing into the header or tables is corrupt.
	check := func(what string, offsets []uint32) error {
		for i, off := range offsets {
			if off < img.tablesEnd || off >= img.header.TotalSize {
				return fmt.Errorf("%w: %s record %d offset %d out of range", ErrCorruptData, what, i, off)
			}
		}
		return nil
	}
	if err := check("code", img.codeOffsets); err != nil {
		return err
	}
	if err := check("constant", img.constOffsets); err != nil {
		return err
	}
	if err := check("string", img.stringOffsets); err != nil {
		return err
	}
	if err := check("blob", img.blobOffsets); err != nil {
		return err
	}
	if img.header.MetadataOffset != 0 && img.header.MetadataOffset < img.tablesEnd {
		return fmt.Errorf("%w: metadata offset %d inside the tables", ErrCorruptData, img.header.MetadataOffset)
	}
	return nil
}

// cursor is a bounds-checked sequential reader over image data.
type cursor struct {
	data []byte
	off  int
}

func (c *cursor) u32() (uint32, error) {
	if c.off+4 > len(c.data) {
		return 0, ErrUnexpectedEOF
	}
	v := ReadUint32(c.data[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) i32() (int32, error) {
	if c.off+4 > len(c.data) {
		return 0, ErrUnexpectedEOF
	}
	v := ReadInt32(c.data[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) u8() (byte, error) {
	if c.off >= len(c.data) {
		return 0, ErrUnexpectedEOF
	}
	b := c.data[c.off]
	c.off++
	return b, nil
}

// ---------------------------------------------------------------------------
// Record access
// ---------------------------------------------------------------------------

// StringAt returns the string record at the given table index.
func (img *Image) StringAt(i uint32) (string, error) {
	if int(i) >= len(img.stringOffsets) {
		return "", fmt.Errorf("%w: %d of %d", ErrInvalidStringIndex, i, len(img.stringOffsets))
	}
	off := int(img.stringOffsets[i])
	length, n := ReadVarInt(img.data[off:])
	if length > uint64(len(img.data)) {
		return "", fmt.Errorf("%w: string record %d runs past the image", ErrUnexpectedEOF, i)
	}
	end := off + n + int(length)
	if end > len(img.data) {
		return "", fmt.Errorf("%w: string record %d runs past the image", ErrUnexpectedEOF, i)
	}
	return string(img.data[off+n : end]), nil
}

// BlobAt returns the blob record at the given table index. The returned
// slice aliases the image data; callers must not mutate it.
func (img *Image) BlobAt(i uint32) ([]byte, error) {
	if int(i) >= len(img.blobOffsets) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidBlobIndex, i, len(img.blobOffsets))
	}
	off := int(img.blobOffsets[i])
	length, n := ReadVarInt(img.data[off:])
	if length > uint64(len(img.data)) {
		return nil, fmt.Errorf("%w: blob record %d runs past the image", ErrUnexpectedEOF, i)
	}
	end := off + n + int(length)
	if end > len(img.data) {
		return nil, fmt.Errorf("%w: blob record %d runs past the image", ErrUnexpectedEOF, i)
	}
	return img.data[off+n : end], nil
}

// Code returns the code object for record i. Until hydrated it is a
// dehydrated stub: the image reference and record index, nothing else.
// Repeated calls return the same object.
func (img *Image) Code(i uint32) (*CodeObject, error) {
	if int(i) >= len(img.codeOffsets) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidCodeIndex, i, len(img.codeOffsets))
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.codeObjs[i] == nil {
		img.codeObjs[i] = newDehydratedCode(img, i)
	}
	return img.codeObjs[i], nil
}

// internString resolves a string record to an intern ID, memoized per
// image so hydrating many code objects re-interns each string once.
func (img *Image) internString(in *Interpreter, i uint32) (uint32, error) {
	if int(i) >= len(img.stringOffsets) {
		return 0, fmt.Errorf("%w: %d of %d", ErrInvalidStringIndex, i, len(img.stringOffsets))
	}
	img.mu.Lock()
	if id := img.interned[i]; id != 0 {
		img.mu.Unlock()
		return id, nil
	}
	img.mu.Unlock()

	s, err := img.StringAt(i)
	if err != nil {
		return 0, err
	}
	id := in.Intern(s)

	img.mu.Lock()
	img.interned[i] = id
	img.mu.Unlock()
	return id, nil
}

// constPool materializes the image-wide constant pool at most once.
// Code constants resolve to dehydrated stubs, not hydrated objects.
func (img *Image) constPool(in *Interpreter) ([]Value, error) {
	img.constsOnce.Do(func() {
		img.consts, img.constsErr = img.buildConsts(in)
	})
	return img.consts, img.constsErr
}

func (img *Image) buildConsts(in *Interpreter) ([]Value, error) {
	pool := make([]Value, len(img.constOffsets))
	for i, off := range img.constOffsets {
		if int(off)+EncodedConstSize > len(img.data) {
			return nil, fmt.Errorf("%w: constant record %d runs past the image", ErrUnexpectedEOF, i)
		}
		rec := img.data[off : int(off)+EncodedConstSize]
		v, err := img.decodeConst(in, rec)
		if err != nil {
			return nil, fmt.Errorf("constant record %d: %w", i, err)
		}
		pool[i] = v
	}
	return pool, nil
}

func (img *Image) decodeConst(in *Interpreter, rec []byte) (Value, error) {
	switch rec[0] {
	case constTagNone:
		return None, nil
	case constTagTrue:
		return True, nil
	case constTagFalse:
		return False, nil
	case constTagInt:
		n := ReadInt64(rec[1:])
		v, ok := TryFromSmallInt(n)
		if !ok {
			return None, fmt.Errorf("%w: integer constant %d out of range", ErrCorruptData, n)
		}
		return v, nil
	case constTagFloat:
		return FromFloat64(ReadFloat64(rec[1:])), nil
	case constTagString:
		id, err := img.internString(in, ReadUint32(rec[1:]))
		if err != nil {
			return None, err
		}
		return FromStrID(id), nil
	case constTagCode:
		co, err := img.Code(ReadUint32(rec[1:]))
		if err != nil {
			return None, err
		}
		return FromCode(co), nil
	default:
		return None, fmt.Errorf("%w: unknown constant tag %#x", ErrCorruptData, rec[0])
	}
}

// ---------------------------------------------------------------------------
// Code record decoding
// ---------------------------------------------------------------------------

// codeRecord is the decoded on-disk form of one code object, still in
// table-index terms.
type codeRecord struct {
	name        uint32
	filename    uint32
	flags       uint32
	firstLineno int32

	argcount  uint32
	posonly   uint32
	kwonly    uint32
	stacksize uint32

	codeBlob      uint32
	linetableBlob uint32 // noIndex when absent
	exctableBlob  uint32 // noIndex when absent

	names      []uint32 // string indexes
	localNames []uint32 // string indexes
	localKinds []LocalKind
	consts     []uint32 // image-wide constant indexes, in oparg order

	end uint32 // offset just past the record
}

// codeRecord decodes record i. Structural validation happens here;
// semantic validation happens on hydration through CodeDef.Validate.
func (img *Image) codeRecord(i uint32) (*codeRecord, error) {
	if int(i) >= len(img.codeOffsets) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidCodeIndex, i, len(img.codeOffsets))
	}
	cur := &cursor{data: img.data, off: int(img.codeOffsets[i])}
	rec := &codeRecord{}

	fail := func(field string, err error) (*codeRecord, error) {
		return nil, fmt.Errorf("code record %d %s: %w", i, field, err)
	}

	var err error
	if rec.name, err = cur.u32(); err != nil {
		return fail("name", err)
	}
	if rec.filename, err = cur.u32(); err != nil {
		return fail("filename", err)
	}
	if rec.flags, err = cur.u32(); err != nil {
		return fail("flags", err)
	}
	if rec.firstLineno, err = cur.i32(); err != nil {
		return fail("first line", err)
	}
	if rec.argcount, err = cur.u32(); err != nil {
		return fail("argcount", err)
	}
	if rec.posonly, err = cur.u32(); err != nil {
		return fail("posonlyargcount", err)
	}
	if rec.kwonly, err = cur.u32(); err != nil {
		return fail("kwonlyargcount", err)
	}
	if rec.stacksize, err = cur.u32(); err != nil {
		return fail("stacksize", err)
	}
	if rec.codeBlob, err = cur.u32(); err != nil {
		return fail("code blob", err)
	}
	if rec.linetableBlob, err = cur.u32(); err != nil {
		return fail("line table blob", err)
	}
	if rec.exctableBlob, err = cur.u32(); err != nil {
		return fail("exception table blob", err)
	}

	readIndexes := func(what string) ([]uint32, error) {
		count, err := cur.u32()
		if err != nil {
			return nil, fmt.Errorf("code record %d %s count: %w", i, what, err)
		}
		if count > uint32(len(img.data)-cur.off)/4 {
			return nil, fmt.Errorf("%w: code record %d implausible %s count %d", ErrCorruptData, i, what, count)
		}
		out := make([]uint32, count)
		for j := range out {
			if out[j], err = cur.u32(); err != nil {
				return nil, fmt.Errorf("code record %d %s entry %d: %w", i, what, j, err)
			}
		}
		return out, nil
	}

	if rec.names, err = readIndexes("names"); err != nil {
		return nil, err
	}

	localCount, err := cur.u32()
	if err != nil {
		return fail("locals-plus count", err)
	}
	if localCount > uint32(len(img.data)-cur.off)/5 {
		return nil, fmt.Errorf("%w: code record %d implausible locals-plus count %d", ErrCorruptData, i, localCount)
	}
	rec.localNames = make([]uint32, localCount)
	rec.localKinds = make([]LocalKind, localCount)
	for j := uint32(0); j < localCount; j++ {
		if rec.localNames[j], err = cur.u32(); err != nil {
			return fail("locals-plus name", err)
		}
		kind, err := cur.u8()
		if err != nil {
			return fail("locals-plus kind", err)
		}
		rec.localKinds[j] = LocalKind(kind)
	}

	if rec.consts, err = readIndexes("constants"); err != nil {
		return nil, err
	}
	rec.end = uint32(cur.off)

	// Cross-table index checks.
	if int(rec.codeBlob) >= len(img.blobOffsets) {
		return fail("code blob", ErrInvalidBlobIndex)
	}
	if rec.linetableBlob != noIndex && int(rec.linetableBlob) >= len(img.blobOffsets) {
		return fail("line table blob", ErrInvalidBlobIndex)
	}
	if rec.exctableBlob != noIndex && int(rec.exctableBlob) >= len(img.blobOffsets) {
		return fail("exception table blob", ErrInvalidBlobIndex)
	}
	for _, s := range [][]uint32{{rec.name, rec.filename}, rec.names, rec.localNames} {
		for _, idx := range s {
			if int(idx) >= len(img.stringOffsets) {
				return fail("string reference", ErrInvalidStringIndex)
			}
		}
	}
	for _, idx := range rec.consts {
		if int(idx) >= len(img.constOffsets) {
			return fail("constant reference", ErrInvalidConstIndex)
		}
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// Layout verification
// ---------------------------------------------------------------------------

// extent is one claimed byte range inside the image.
type extent struct {
	start, end uint32
	what       string
}

// VerifyLayout decodes every record and checks that no two claimed byte
// ranges overlap and none runs past the image. Gaps are permitted; the
// writer packs densely but the format does not require it.
func (img *Image) VerifyLayout() error {
	tr := btree.NewG(2, func(a, b extent) bool { return a.start < b.start })

	add := func(start, end uint32, what string) error {
		if end > img.header.TotalSize {
			return fmt.Errorf("%w: %s extent [%d,%d) runs past the image", ErrCorruptData, what, start, end)
		}
		if prev, dup := tr.ReplaceOrInsert(extent{start: start, end: end, what: what}); dup {
			return fmt.Errorf("%w: %s extent starts at %d, already claimed by %s", ErrCorruptData, what, start, prev.what)
		}
		return nil
	}

	if err := add(0, ImageHeaderSize, "header"); err != nil {
		return err
	}
	if err := add(ImageHeaderSize, img.tablesEnd, "offset tables"); err != nil {
		return err
	}

	for i, off := range img.codeOffsets {
		rec, err := img.codeRecord(uint32(i))
		if err != nil {
			return err
		}
		if err := add(off, rec.end, fmt.Sprintf("code record %d", i)); err != nil {
			return err
		}
	}
	for i, off := range img.constOffsets {
		if err := add(off, off+EncodedConstSize, fmt.Sprintf("constant record %d", i)); err != nil {
			return err
		}
	}
	for i, off := range img.stringOffsets {
		if _, err := img.StringAt(uint32(i)); err != nil {
			return err
		}
		length, n := ReadVarInt(img.data[off:])
		if err := add(off, off+uint32(n)+uint32(length), fmt.Sprintf("string record %d", i)); err != nil {
			return err
		}
	}
	for i, off := range img.blobOffsets {
		if _, err := img.BlobAt(uint32(i)); err != nil {
			return err
		}
		length, n := ReadVarInt(img.data[off:])
		if err := add(off, off+uint32(n)+uint32(length), fmt.Sprintf("blob record %d", i)); err != nil {
			return err
		}
	}
	if img.header.MetadataOffset != 0 {
		if err := add(img.header.MetadataOffset, img.header.TotalSize, "metadata"); err != nil {
			return err
		}
	}

	var verr error
	prev := extent{}
	havePrev := false
	tr.Ascend(func(e extent) bool {
		if havePrev && prev.end > e.start {
			verr = fmt.Errorf("%w: %s overlaps %s", ErrCorruptData, prev.what, e.what)
			return false
		}
		prev, havePrev = e, true
		return true
	})
	return verr
}
