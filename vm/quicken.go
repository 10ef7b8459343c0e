package vm

// Quickening: the one-time rewrite of a warm code object's instructions
// into cache-backed adaptive forms.

// MaxSizeToQuicken is the instruction-stream length ceiling, in code
// units. Larger units never get a cache region: the allocation cost
// isn't worth it and the generic path stays correct.
const MaxSizeToQuicken = 5000

// quickSite describes one specializable instruction occurrence and the
// cache slots assigned to it.
type quickSite struct {
	index         int   // instruction index
	originalOparg uint8 // semantic oparg to preserve for generic fallback
	cacheOparg    int   // derived oparg written into the rewritten unit
	slot          int   // logical slot of the adaptive entry
	entries       int   // slots consumed (adaptive + auxiliary)
}

// quickenSites walks the stream once, assigning cache slots to every
// specializable site. Returns the sites and the total entry count
// including the header.
//
// The running cache offset tracks half the instruction index; when an
// early site falls behind the estimate the offset is bumped forward
// (wasting the skipped slots), and a site whose derived oparg cannot
// fit in 8 bits — or that carries an EXTENDED_ARG prefix — is left
// generic. Both are accepted bounded degradation, not errors.
func quickenSites(code []CodeUnit) ([]quickSite, int) {
	var sites []quickSite
	cacheOffset := 0
	prevExtended := false
	for i, u := range code {
		op := u.Opcode()
		if op.IsSpecializable() && !prevExtended {
			nexti := i + 1
			oparg, _ := OpargFromOffset(cacheOffset, nexti)
			if oparg < 0 {
				cacheOffset = nexti >> 1
				oparg = 0
			}
			if oparg <= 0xFF {
				sites = append(sites, quickSite{
					index:         i,
					originalOparg: u.Oparg(),
					cacheOparg:    oparg,
					slot:          cacheOffset,
					entries:       op.Info().CacheEntries,
				})
				cacheOffset += op.Info().CacheEntries
			}
		}
		prevExtended = op == OpExtendedArg
	}
	return sites, cacheOffset + 1
}

// entriesNeeded returns the cache-region size the stream requires.
func entriesNeeded(code []CodeUnit) int {
	_, total := quickenSites(code)
	return total
}

// Quicken performs the warm -> quickened transition: allocate the cache
// region, seed the per-site adaptive entries, and rewrite the sites to
// their adaptive opcodes. Fires at most once per code object; calling
// it on a quickened or skip-marked object is a no-op.
//
// Oversized streams are marked "quickening skipped" permanently and
// keep executing the generic path.
func (in *Interpreter) Quicken(co *CodeObject) error {
	if co.quick != nil || co.quickenSkipped {
		return nil
	}
	if !co.IsHydrated() {
		return ErrDehydrated
	}
	if len(co.code) > MaxSizeToQuicken {
		co.quickenSkipped = true
		in.metrics.QuickenSkipped()
		in.log.Debugf("quickening skipped for %s: %d code units over ceiling", co.Name, len(co.code))
		return nil
	}

	sites, total := quickenSites(co.code)
	region := newCacheRegion(total, co.code)
	for _, s := range sites {
		*region.Entry(s.slot) = AdaptiveEntry{
			OriginalOparg: s.originalOparg,
			Counter:       0, // attempt specialization on first execution
		}.Pack()
		adaptive := region.code[s.index].Opcode().Info().Adaptive
		region.code[s.index] = MakeCodeUnit(adaptive, uint8(s.cacheOparg))
	}
	co.quick = region
	in.metrics.Quickened()
	if in.stats != nil {
		in.stats.quickened.Add(1)
	}
	in.log.Debugf("quickened %s: %d sites, %d cache entries", co.Name, len(sites), total)
	return nil
}
