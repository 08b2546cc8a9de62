package auditlog

// Options holds the per-resource tracking configuration captured at
// registration time.
type Options struct {
	// IncludeFields, when non-empty, restricts the diff to exactly these
	// snapshot field names. All other fields are ignored.
	IncludeFields []string
	// ExcludeFields removes fields from the diff. Exclusion wins over
	// inclusion.
	ExcludeFields []string
	// MappedFields renames fields in the emitted change set, e.g.
	// {"sku": "product code"}. Filtering always happens on the raw
	// snapshot name; mapping only affects the output key.
	MappedFields map[string]string
}

func (o Options) tracked(field string) bool {
	for _, f := range o.ExcludeFields {
		if f == field {
			return false
		}
	}
	if len(o.IncludeFields) == 0 {
		return true
	}
	for _, f := range o.IncludeFields {
		if f == field {
			return true
		}
	}
	return false
}

func (o Options) displayName(field string) string {
	if mapped, ok := o.MappedFields[field]; ok && mapped != "" {
		return mapped
	}
	return field
}

// Diff compares two snapshots field by field and returns the changed fields
// as (old, new) pairs. It iterates the union of both snapshots' field names;
// a field absent on one side is compared against "null", so creations
// (old == nil) and deletions (new == nil) produce a pair for every tracked
// field. Returns an empty (non-nil) Changes when nothing differs.
func Diff(old, new Snapshot, opts Options) Changes {
	changes := make(Changes)

	fields := make(map[string]struct{}, len(old)+len(new))
	for f := range old {
		fields[f] = struct{}{}
	}
	for f := range new {
		fields[f] = struct{}{}
	}

	for f := range fields {
		if !opts.tracked(f) {
			continue
		}
		oldVal, newVal := nullValue, nullValue
		if v, ok := old[f]; ok {
			oldVal = v
		}
		if v, ok := new[f]; ok {
			newVal = v
		}
		if oldVal != newVal {
			changes[opts.displayName(f)] = FieldChange{oldVal, newVal}
		}
	}
	return changes
}
