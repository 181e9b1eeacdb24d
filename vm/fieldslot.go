package vm

// FieldSlotRegistry maps (class, field) name pairs to a stable integer
// slot, preserving a stable instance layout without a compile-time
// class schema. It is owned by a VM instance, not a package-level
// global, so tests can construct two VMs with independent registries.
type FieldSlotRegistry struct {
	classes map[string]map[string]int
	next    map[string]int
}

// NewFieldSlotRegistry creates an empty registry.
func NewFieldSlotRegistry() *FieldSlotRegistry {
	return &FieldSlotRegistry{
		classes: make(map[string]map[string]int),
		next:    make(map[string]int),
	}
}

// Slot returns the stable slot index for (class, field), assigning the
// next available index on first use. Once assigned a slot never changes
// for the lifetime of the registry.
func (r *FieldSlotRegistry) Slot(class, field string) int {
	fields, ok := r.classes[class]
	if !ok {
		fields = make(map[string]int)
		r.classes[class] = fields
	}
	if slot, ok := fields[field]; ok {
		return slot
	}
	slot := r.next[class]
	fields[field] = slot
	r.next[class] = slot + 1
	return slot
}

// Fields returns a snapshot of the field->slot mapping for a class,
// mainly for tests asserting on registry contents.
func (r *FieldSlotRegistry) Fields(class string) map[string]int {
	fields, ok := r.classes[class]
	if !ok {
		return nil
	}
	out := make(map[string]int, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
