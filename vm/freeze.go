package vm

import (
	"fmt"
	"strings"
)

// Freezer translates an image's code records to Go source. The
// generated file rebuilds every code object at startup through
// NewCode, so a frozen program links into a binary and runs without
// parsing the container again.
type Freezer struct {
	sb     strings.Builder
	indent int
	img    *Image

	// Cross-record code constants cannot be expressed as literals;
	// they are collected here and patched after every record exists.
	patches []constPatch
}

type constPatch struct {
	owner  uint32 // record holding the constant
	slot   int    // index into that record's constant list
	target uint32 // record the constant refers to
}

// NewFreezer creates a freezer for the given image.
func NewFreezer(img *Image) *Freezer {
	return &Freezer{img: img}
}

// FreezeModule generates a complete Go file that thaws every code
// record of the image. The file declares:
//
//   - FrozenCodeCount: the number of records
//   - FrozenEntryPoint: the entry record index (only when the image
//     declares an entry point)
//   - Thaw: rebuilds all records inside an interpreter
//   - ThawEntry: Thaw plus entry-point lookup (only with an entry point)
func (f *Freezer) FreezeModule(packageName string) (string, error) {
	if !validPackageName(packageName) {
		return "", fmt.Errorf("invalid package name %q", packageName)
	}

	n := f.img.CodeCount()
	if n == 0 {
		return "", fmt.Errorf("image has no code records")
	}
	entry, hasEntry, err := f.entryRecord()
	if err != nil {
		return "", err
	}

	f.sb.Reset()
	f.indent = 0
	f.patches = f.patches[:0]

	f.writeLine("// Frozen code objects: %d records", n)
	f.writeLine("// Generated by loon -freeze")
	f.writeLine("// DO NOT EDIT - this file is auto-generated")
	f.writeLine("")
	f.writeLine("package %s", packageName)
	f.writeLine("")
	f.writeLine("import (")
	f.writeLine("\t\"fmt\"")
	f.writeLine("\t\"math\"")
	f.writeLine("")
	f.writeLine("\t. \"github.com/loon-lang/loon/vm\"")
	f.writeLine(")")
	f.writeLine("")
	f.writeLine("var _ = math.Float64frombits // silence unused import")
	f.writeLine("")
	f.writeLine("// FrozenCodeCount is the number of thawed records.")
	f.writeLine("const FrozenCodeCount = %d", n)
	if hasEntry {
		f.writeLine("")
		f.writeLine("// FrozenEntryPoint is the record executed by default.")
		f.writeLine("const FrozenEntryPoint = %d", entry)
	}
	f.writeLine("")
	f.writeLine("// Thaw rebuilds every frozen code object inside in. The returned")
	f.writeLine("// slice is indexed by the original image record number.")
	f.writeLine("func Thaw(in *Interpreter) ([]*CodeObject, error) {")
	f.indent++
	f.writeLine("objs := make([]*CodeObject, 0, %d)", n)

	for i := uint32(0); int(i) < n; i++ {
		f.writeLine("")
		if err := f.freezeRecord(i); err != nil {
			return "", err
		}
	}

	if len(f.patches) > 0 {
		f.writeLine("")
		f.writeLine("// Resolve cross-record code constants.")
		for _, p := range f.patches {
			f.writeLine("objs[%d].Consts[%d] = FromCode(objs[%d])", p.owner, p.slot, p.target)
		}
	}

	f.writeLine("")
	f.writeLine("return objs, nil")
	f.indent--
	f.writeLine("}")

	if hasEntry {
		f.writeLine("")
		f.writeLine("// ThawEntry rebuilds the frozen records and returns the entry point.")
		f.writeLine("func ThawEntry(in *Interpreter) (*CodeObject, error) {")
		f.indent++
		f.writeLine("objs, err := Thaw(in)")
		f.writeLine("if err != nil {")
		f.writeLine("\treturn nil, err")
		f.writeLine("}")
		f.writeLine("return objs[FrozenEntryPoint], nil")
		f.indent--
		f.writeLine("}")
	}

	return f.sb.String(), nil
}

// entryRecord resolves the image's entry point, if it declares one.
func (f *Freezer) entryRecord() (uint32, bool, error) {
	if f.img.header.Flags&FlagEntrypoint == 0 {
		return 0, false, nil
	}
	meta, err := f.img.Metadata()
	if err != nil {
		return 0, false, err
	}
	if int(meta.EntryPoint) >= f.img.CodeCount() {
		return 0, false, fmt.Errorf("%w: entry point %d of %d", ErrCorruptData, meta.EntryPoint, f.img.CodeCount())
	}
	return meta.EntryPoint, true, nil
}

// freezeRecord emits one record's CodeDef literal and NewCode call.
func (f *Freezer) freezeRecord(i uint32) error {
	rec, err := f.img.codeRecord(i)
	if err != nil {
		return err
	}
	name, err := f.img.StringAt(rec.name)
	if err != nil {
		return err
	}
	filename, err := f.img.StringAt(rec.filename)
	if err != nil {
		return err
	}
	code, err := f.img.BlobAt(rec.codeBlob)
	if err != nil {
		return err
	}

	f.writeLine("// record %d: %s (%s)", i, name, filename)
	f.writeLine("{")
	f.indent++
	f.writeLine("def := &CodeDef{")
	f.indent++
	f.writeLine("Filename: %q,", filename)
	f.writeLine("Name:     %q,", name)
	if rec.flags != 0 {
		f.writeLine("Flags:    %s,", codeFlagsExpr(CodeFlags(rec.flags)))
	}
	if rec.firstLineno != 0 {
		f.writeLine("FirstLineno: %d,", rec.firstLineno)
	}
	f.writeByteField("Code", code)
	if rec.linetableBlob != noIndex {
		lt, err := f.img.BlobAt(rec.linetableBlob)
		if err != nil {
			return err
		}
		f.writeByteField("Linetable", lt)
	}
	if rec.exctableBlob != noIndex {
		et, err := f.img.BlobAt(rec.exctableBlob)
		if err != nil {
			return err
		}
		f.writeByteField("Exceptiontable", et)
	}
	if err := f.writeConsts(i, rec.consts); err != nil {
		return err
	}
	if err := f.writeStringField("Names", rec.names); err != nil {
		return err
	}
	if err := f.writeStringField("LocalsPlusNames", rec.localNames); err != nil {
		return err
	}
	if len(rec.localKinds) > 0 {
		kinds := make([]string, len(rec.localKinds))
		for k, kind := range rec.localKinds {
			kinds[k] = localKindExpr(kind)
		}
		f.writeLine("LocalsPlusKinds: []LocalKind{%s},", strings.Join(kinds, ", "))
	}
	if rec.argcount != 0 {
		f.writeLine("Argcount: %d,", rec.argcount)
	}
	if rec.posonly != 0 {
		f.writeLine("Posonlyargcount: %d,", rec.posonly)
	}
	if rec.kwonly != 0 {
		f.writeLine("Kwonlyargcount: %d,", rec.kwonly)
	}
	f.writeLine("Stacksize: %d,", rec.stacksize)
	f.indent--
	f.writeLine("}")
	f.writeLine("co, err := in.NewCode(def)")
	f.writeLine("if err != nil {")
	f.writeLine("\treturn nil, fmt.Errorf(%q, err)", fmt.Sprintf("thawing record %d (%s): %%w", i, name))
	f.writeLine("}")
	f.writeLine("objs = append(objs, co)")
	f.indent--
	f.writeLine("}")
	return nil
}

// writeConsts emits the constant list. Code references go in as None
// placeholders and are patched once every record has been thawed.
func (f *Freezer) writeConsts(owner uint32, consts []uint32) error {
	if len(consts) == 0 {
		return nil
	}
	f.writeLine("Consts: []Value{")
	f.indent++
	for slot, ci := range consts {
		expr, target, err := f.constExpr(ci)
		if err != nil {
			return err
		}
		if target != nil {
			f.patches = append(f.patches, constPatch{owner: owner, slot: slot, target: *target})
			f.writeLine("None, // patched below: record %d", *target)
			continue
		}
		f.writeLine("%s,", expr)
	}
	f.indent--
	f.writeLine("},")
	return nil
}

// constExpr renders one constant record as a Go expression. A code
// constant returns its target record instead of an expression.
func (f *Freezer) constExpr(i uint32) (string, *uint32, error) {
	if int(i) >= len(f.img.constOffsets) {
		return "", nil, fmt.Errorf("%w: %d of %d", ErrInvalidConstIndex, i, len(f.img.constOffsets))
	}
	off := int(f.img.constOffsets[i])
	if off+EncodedConstSize > len(f.img.data) {
		return "", nil, fmt.Errorf("%w: constant record %d runs past the image", ErrUnexpectedEOF, i)
	}
	rec := f.img.data[off : off+EncodedConstSize]
	switch rec[0] {
	case constTagNone:
		return "None", nil, nil
	case constTagTrue:
		return "True", nil, nil
	case constTagFalse:
		return "False", nil, nil
	case constTagInt:
		return fmt.Sprintf("FromSmallInt(%d)", ReadInt64(rec[1:])), nil, nil
	case constTagFloat:
		return fmt.Sprintf("FromFloat64(math.Float64frombits(%#x))", ReadUint64(rec[1:])), nil, nil
	case constTagString:
		s, err := f.img.StringAt(ReadUint32(rec[1:]))
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("FromStrID(in.Intern(%q))", s), nil, nil
	case constTagCode:
		target := ReadUint32(rec[1:])
		if int(target) >= f.img.CodeCount() {
			return "", nil, fmt.Errorf("%w: %d of %d", ErrInvalidCodeIndex, target, f.img.CodeCount())
		}
		return "", &target, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown constant tag %#x", ErrCorruptData, rec[0])
	}
}

// writeStringField emits a []string field resolved from the string table.
func (f *Freezer) writeStringField(field string, idxs []uint32) error {
	if len(idxs) == 0 {
		return nil
	}
	quoted := make([]string, len(idxs))
	for i, si := range idxs {
		s, err := f.img.StringAt(si)
		if err != nil {
			return err
		}
		quoted[i] = fmt.Sprintf("%q", s)
	}
	f.writeLine("%s: []string{%s},", field, strings.Join(quoted, ", "))
	return nil
}

// writeByteField emits a []byte field, wrapped at twelve bytes per line.
func (f *Freezer) writeByteField(field string, data []byte) {
	f.writeLine("%s: []byte{", field)
	f.indent++
	for row := 0; row < len(data); row += 12 {
		end := row + 12
		if end > len(data) {
			end = len(data)
		}
		parts := make([]string, end-row)
		for i, b := range data[row:end] {
			parts[i] = fmt.Sprintf("0x%02x", b)
		}
		f.writeLine("%s,", strings.Join(parts, ", "))
	}
	f.indent--
	f.writeLine("},")
}

func codeFlagsExpr(flags CodeFlags) string {
	var parts []string
	if flags&FlagOptimized != 0 {
		parts = append(parts, "FlagOptimized")
	}
	if flags&FlagVarargs != 0 {
		parts = append(parts, "FlagVarargs")
	}
	if flags&FlagVarKeywords != 0 {
		parts = append(parts, "FlagVarKeywords")
	}
	if flags&FlagNested != 0 {
		parts = append(parts, "FlagNested")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("CodeFlags(%#x)", uint32(flags))
	}
	return strings.Join(parts, " | ")
}

func localKindExpr(kind LocalKind) string {
	var parts []string
	if kind&LocalFast != 0 {
		parts = append(parts, "LocalFast")
	}
	if kind&LocalCell != 0 {
		parts = append(parts, "LocalCell")
	}
	if kind&LocalFree != 0 {
		parts = append(parts, "LocalFree")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("LocalKind(%#x)", uint8(kind))
	}
	return strings.Join(parts, " | ")
}

// validPackageName accepts a plain lower-case Go package identifier.
func validPackageName(name string) bool {
	if name == "" {
		return false
	}
	for i, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch == '_':
		case ch >= '0' && ch <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// writeLine writes an indented line to the output.
func (f *Freezer) writeLine(format string, args ...interface{}) {
	if format != "" {
		for i := 0; i < f.indent; i++ {
			f.sb.WriteString("\t")
		}
		f.sb.WriteString(fmt.Sprintf(format, args...))
	}
	f.sb.WriteString("\n")
}
