package auditlog

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/jinzhu/inflection"
)

// nullValue is how an absent side of a comparison is rendered in a diff pair
// and how nil field values appear in snapshots.
const nullValue = "null"

// Snapshot is a flat attribute bag: field name to stringified value. It is the
// unit the diff routine operates on. Snapshots come either from reflection
// over a registered struct or directly from the JSON body of an ingest
// request.
type Snapshot map[string]string

// ResourceNamer lets a model override the resource name it is registered and
// logged under.
type ResourceNamer interface {
	AuditResource() string
}

// ResourceName resolves the resource name for a registration target. Strings
// are used verbatim. Structs (or pointers to structs) use AuditResource when
// implemented, otherwise the snake_cased, pluralized type name: Team ->
// "teams", WorkingHours -> "working_hours".
func ResourceName(model any) (string, error) {
	switch v := model.(type) {
	case nil:
		return "", errors.New("auditlog: nil registration target")
	case string:
		name := strings.TrimSpace(v)
		if name == "" {
			return "", errors.New("auditlog: empty resource name")
		}
		return name, nil
	case ResourceNamer:
		name := strings.TrimSpace(v.AuditResource())
		if name == "" {
			return "", fmt.Errorf("auditlog: AuditResource returned empty string for %T", model)
		}
		return name, nil
	}

	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return "", fmt.Errorf("auditlog: unsupported registration target %T", model)
	}
	if t.Name() == "" {
		return "", fmt.Errorf("auditlog: cannot derive resource name for anonymous struct %v", t)
	}
	return inflection.Plural(toSnakeCase(t.Name())), nil
}

// Take builds a snapshot of v by reflecting over its exported fields.
// Struct tags control capture: `audit:"-"` skips a field, `audit:"name"`
// renames it. Anonymous embedded structs are flattened into the parent
// snapshot. Nil pointers render as "null"; time values as RFC 3339.
func Take(v any) (Snapshot, error) {
	if v == nil {
		return nil, errors.New("auditlog: cannot snapshot nil")
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, errors.New("auditlog: cannot snapshot nil pointer")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("auditlog: cannot snapshot %s", rv.Kind())
	}

	snap := make(Snapshot)
	collectFields(rv, snap)
	return snap, nil
}

func collectFields(rv reflect.Value, snap Snapshot) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}

		name := toSnakeCase(sf.Name)
		if tag, ok := sf.Tag.Lookup("audit"); ok {
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}

		fv := rv.Field(i)
		if sf.Anonymous && dereference(fv).Kind() == reflect.Struct && !isLeafStruct(dereference(fv)) {
			if inner := dereference(fv); inner.IsValid() {
				collectFields(inner, snap)
			}
			continue
		}

		snap[name] = renderValue(fv)
	}
}

func dereference(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// isLeafStruct reports whether a struct value should be rendered as a single
// value rather than flattened (times and Stringer implementations).
func isLeafStruct(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	if _, ok := v.Interface().(time.Time); ok {
		return true
	}
	if _, ok := v.Interface().(fmt.Stringer); ok {
		return true
	}
	return false
}

func renderValue(v reflect.Value) string {
	if v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface ||
		v.Kind() == reflect.Map || v.Kind() == reflect.Slice {
		if v.IsNil() {
			return nullValue
		}
	}
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}

	switch val := v.Interface().(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	case []byte:
		return string(val)
	}
	return fmt.Sprintf("%v", v.Interface())
}

// metaFor derives the object identity for a dispatched instance. Repr uses
// the instance's Stringer when implemented, else the conventional
// "<resource> object (<pk>)" form.
func metaFor(resource string, obj Object) ObjectMeta {
	meta := ObjectMeta{PK: obj.ObjectPK()}
	if n, err := strconv.ParseInt(meta.PK, 10, 64); err == nil {
		meta.ID = &n
	}
	if s, ok := obj.(fmt.Stringer); ok {
		meta.Repr = s.String()
	} else {
		meta.Repr = fmt.Sprintf("%s object (%s)", resource, meta.PK)
	}
	return meta
}

func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
