package vm

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrDehydrated is returned when an operation needs a materialized
	// instruction stream and the code object has none.
	ErrDehydrated = errors.New("code object is not hydrated")

	// ErrNoBackingImage means a dehydrated code object has nowhere to
	// hydrate from. Only hand-built objects can get into this state.
	ErrNoBackingImage = errors.New("dehydrated code object has no backing image")
)

// newDehydratedCode builds the stub for an image record: the image
// reference and the record index, nothing else materialized.
func newDehydratedCode(img *Image, index uint32) *CodeObject {
	return &CodeObject{
		warmup:     warmupInitial,
		image:      img,
		imageIndex: index,
	}
}

// Hydrate materializes a dehydrated code object from its image record.
// Hydrating a hydrated object is a no-op. On error the object is left
// untouched, still dehydrated, and a later call may retry.
//
// Hydrated fields alias image data where they can (line and exception
// tables); the instruction stream and name tables are converted, and
// the constants are a view of the image-wide pool.
func (in *Interpreter) Hydrate(co *CodeObject) error {
	if co.IsHydrated() {
		return nil
	}
	img := co.image
	if img == nil {
		return ErrNoBackingImage
	}

	rec, err := img.codeRecord(co.imageIndex)
	if err != nil {
		return err
	}

	name, err := img.StringAt(rec.name)
	if err != nil {
		return err
	}
	filename, err := img.StringAt(rec.filename)
	if err != nil {
		return err
	}
	codeBlob, err := img.BlobAt(rec.codeBlob)
	if err != nil {
		return err
	}
	var linetable, exctable []byte
	if rec.linetableBlob != noIndex {
		if linetable, err = img.BlobAt(rec.linetableBlob); err != nil {
			return err
		}
	}
	if rec.exctableBlob != noIndex {
		if exctable, err = img.BlobAt(rec.exctableBlob); err != nil {
			return err
		}
	}

	names := make([]uint32, len(rec.names))
	for i, idx := range rec.names {
		if names[i], err = img.internString(in, idx); err != nil {
			return err
		}
	}
	localNames := make([]uint32, len(rec.localNames))
	for i, idx := range rec.localNames {
		if localNames[i], err = img.internString(in, idx); err != nil {
			return err
		}
	}

	// The record passes through the same semantic validation as eager
	// construction; a record that NewCode would reject does not
	// hydrate.
	def := &CodeDef{
		Filename:        filename,
		Name:            name,
		Flags:           CodeFlags(rec.flags),
		Code:            codeBlob,
		FirstLineno:     int(rec.firstLineno),
		Linetable:       linetable,
		Names:           symbolNames(in, names),
		LocalsPlusNames: symbolNames(in, localNames),
		LocalsPlusKinds: rec.localKinds,
		Argcount:        int(rec.argcount),
		Posonlyargcount: int(rec.posonly),
		Kwonlyargcount:  int(rec.kwonly),
		Stacksize:       int(rec.stacksize),
		Exceptiontable:  exctable,
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("code record %d: %w", co.imageIndex, err)
	}

	pool, err := img.constPool(in)
	if err != nil {
		return err
	}
	view := make([]Value, len(rec.consts))
	for i, idx := range rec.consts {
		view[i] = pool[idx]
	}

	// Everything resolved; from here on nothing can fail. The
	// instruction stream is assigned last, flipping IsHydrated.
	co.Filename = filename
	co.Name = name
	co.Flags = def.Flags
	co.FirstLineno = def.FirstLineno
	co.Linetable = linetable
	co.Consts = view
	co.Names = names
	co.LocalsPlusNames = localNames
	co.LocalsPlusKinds = rec.localKinds
	co.Argcount = def.Argcount
	co.Posonlyargcount = def.Posonlyargcount
	co.Kwonlyargcount = def.Kwonlyargcount
	co.Stacksize = def.Stacksize
	co.Exceptiontable = exctable
	co.interp = in
	co.code = codeUnitsFromBytes(codeBlob)

	in.metrics.Hydrated()
	in.log.Debugf("hydrated %s from record %d", co.Name, co.imageIndex)
	return nil
}

// symbolNames maps intern IDs back to their strings.
func symbolNames(in *Interpreter, ids []uint32) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = in.SymbolName(id)
	}
	return out
}

// HydrateAll hydrates every code object in the image, distinct objects
// concurrently. The first error cancels the remaining work.
func (in *Interpreter) HydrateAll(ctx context.Context, img *Image) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < img.CodeCount(); i++ {
		co, err := img.Code(uint32(i))
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return in.Hydrate(co)
		})
	}
	return g.Wait()
}
