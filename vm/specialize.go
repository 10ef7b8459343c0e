package vm

// Attribute-load specialization.
//
// A quickened site starts on its adaptive opcode with the cache entry's
// counter at zero. In the adaptive state the counter is a plain
// down-counter: zero means "attempt specialization now", anything else
// means decrement and run the generic path. A successful attempt
// rewrites the site to a specialized opcode and flips the counter over
// to its other role: a saturating confidence value updated on every
// hit and miss.

// ---------------------------------------------------------------------------

// Saturating counters, 8 bits per site.
//
// The zero saturation point is 255, not numeric 0: a hit doubles the
// counter (shifting it toward 0, full confidence), a miss halves it and
// adds 128 (drifting it toward 255, no confidence). Both ends are fixed
// points, so no run of hits or misses wraps around. Hits produce only
// even values, so a hit can never land on the zero point.
const (
	counterZero    uint8 = 255
	counterStart   uint8 = 248 // counterZero << 3, truncated to 8 bits
	counterBackoff uint8 = 64
)

func counterHit(c uint8) uint8  { return c << 1 }
func counterMiss(c uint8) uint8 { return (c >> 1) + 128 }

// tooManyMisses reports whether a site has drifted all the way to the
// zero saturation point and must give its specialization up.
func tooManyMisses(c uint8) bool { return c == counterZero }

// ---------------------------------------------------------------------------

// specializeLoadAttr attempts to rewrite the attribute-load site at
// instruction index i into a form matched to the receiver it just saw.
// On success the site's counter is reset to full confidence; on failure
// the site stays adaptive and the counter becomes a backoff delay, so
// the next attempt waits for the site to earn it.
func (in *Interpreter) specializeLoadAttr(co *CodeObject, i int, owner Value) bool {
	region := co.quick
	code := region.code
	oparg := code[i].Oparg()
	slot := OffsetFromOparg(int(oparg), i+1)
	entry := region.Entry(slot)
	aux := region.Entry(slot + 1)
	ad := entry.AsAdaptive()

	if ok, form := in.tryLoadAttrForms(co, owner, &ad, aux); ok {
		code[i] = MakeCodeUnit(form, oparg)
		ad.Counter = counterStart
		*entry = ad.Pack()
		in.metrics.Specialized()
		if in.stats != nil {
			in.stats.loadAttr.success.Add(1)
		}
		return true
	}

	ad.Counter = counterBackoff
	*entry = ad.Pack()
	if in.stats != nil {
		in.stats.loadAttr.failure.Add(1)
	}
	return false
}

// tryLoadAttrForms picks the specialized form for the receiver, filling
// in the adaptive entry's index field and the auxiliary version entry.
// Returns false when no form fits and the site must stay generic.
func (in *Interpreter) tryLoadAttrForms(co *CodeObject, owner Value, ad *AdaptiveEntry, aux *CacheEntry) (bool, Opcode) {
	if !owner.IsObject() {
		return false, 0
	}
	obj := owner.Object()
	cls := obj.class
	if cls.version == 0 {
		// Version tag space exhausted for this class; nothing to
		// validate against.
		return false, 0
	}
	name := co.Names[ad.OriginalOparg]

	if idx, ok := cls.fieldIndex[name]; ok {
		ad.Index = idx
		*aux = AttrEntry{TypeVersion: cls.version, DictOrHint: 0}.Pack()
		return true, OpLoadAttrSlot
	}

	if obj.dict != nil {
		if idx, ok := obj.dict.IndexOf(name); ok && idx <= 0xFFFF {
			ad.Index = uint16(idx)
			*aux = AttrEntry{TypeVersion: cls.version, DictOrHint: obj.dict.Version()}.Pack()
			return true, OpLoadAttrDict
		}
	}

	// Class-level attributes and everything else stay on the generic
	// lookup chain.
	return false, 0
}

// deoptimizeAttrSite reverts a specialized site to its adaptive opcode
// after too many misses. The cache slots stay assigned; the restored
// adaptive entry carries a backoff delay so respecialization is not
// attempted on the very next execution.
func (in *Interpreter) deoptimizeAttrSite(co *CodeObject, i int, slot int, ad AdaptiveEntry) {
	region := co.quick
	region.code[i] = MakeCodeUnit(OpLoadAttrAdaptive, region.code[i].Oparg())
	ad.Counter = counterBackoff
	ad.Index = 0
	*region.Entry(slot) = ad.Pack()
	in.metrics.Deoptimized()
	if in.stats != nil {
		in.stats.loadAttr.deopt.Add(1)
	}
	in.log.Debugf("deoptimized attribute site %d in %s", i, co.Name)
}
