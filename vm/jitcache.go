package vm

import (
	"os"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// RegionRecord is one persisted hot-region promotion, keyed by the pc
// of the JMP_T/JMP_F guard whose fallthrough region was promoted (the
// region starts at PC+1 and spans RegionLen instructions). Persisting these, rather
// than recomputing them by re-running HotThreshold observations every
// process start, is the trampolining the --jit-cache flag exists for.
type RegionRecord struct {
	PC        int `cbor:"pc"`
	RegionLen int `cbor:"region_len"`
	HitCount  int `cbor:"hit_count"`
}

// jitCacheMode is the canonical CBOR encode mode used for cache files,
// so cache files diff deterministically across runs.
var jitCacheMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// LoadJITCache reads a previously-saved region cache. A missing file is
// not an error — it just means no regions are pre-seeded.
func LoadJITCache(path string) ([]RegionRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, NewLoadError("reading jit cache", err)
	}
	var records []RegionRecord
	if err := cbor.Unmarshal(data, &records); err != nil {
		return nil, NewLoadError("decoding jit cache", err)
	}
	return records, nil
}

// SaveJITCache persists the tracer's current promoted regions to path in
// canonical CBOR.
func SaveJITCache(path string, t *Tracer) error {
	regions := t.Regions()
	records := make([]RegionRecord, 0, len(regions))
	for _, r := range regions {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PC < records[j].PC })
	data, err := jitCacheMode.Marshal(records)
	if err != nil {
		return NewRuntimeError("encoding jit cache: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return NewRuntimeError("writing jit cache: %v", err)
	}
	return nil
}
