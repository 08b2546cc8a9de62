package auditlog

import (
	"reflect"
	"testing"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name string
		old  Snapshot
		new  Snapshot
		opts Options
		want Changes
	}{
		{
			name: "no changes",
			old:  Snapshot{"name": "a", "email": "a@x"},
			new:  Snapshot{"name": "a", "email": "a@x"},
			want: Changes{},
		},
		{
			name: "single field changed",
			old:  Snapshot{"name": "a", "email": "a@x"},
			new:  Snapshot{"name": "a", "email": "b@x"},
			want: Changes{"email": {"a@x", "b@x"}},
		},
		{
			name: "create diff against nil old",
			old:  nil,
			new:  Snapshot{"name": "a"},
			want: Changes{"name": {"null", "a"}},
		},
		{
			name: "delete diff against nil new",
			old:  Snapshot{"name": "a"},
			new:  nil,
			want: Changes{"name": {"a", "null"}},
		},
		{
			name: "field present on one side only",
			old:  Snapshot{"name": "a"},
			new:  Snapshot{"name": "a", "nickname": "al"},
			want: Changes{"nickname": {"null", "al"}},
		},
		{
			name: "include restricts to named fields",
			old:  Snapshot{"name": "a", "email": "a@x"},
			new:  Snapshot{"name": "b", "email": "b@x"},
			opts: Options{IncludeFields: []string{"name"}},
			want: Changes{"name": {"a", "b"}},
		},
		{
			name: "exclude overrides include",
			old:  Snapshot{"name": "a", "email": "a@x"},
			new:  Snapshot{"name": "b", "email": "b@x"},
			opts: Options{IncludeFields: []string{"name", "email"}, ExcludeFields: []string{"email"}},
			want: Changes{"name": {"a", "b"}},
		},
		{
			name: "mapped field renames output key only",
			old:  Snapshot{"sku": "A-1"},
			new:  Snapshot{"sku": "A-2"},
			opts: Options{MappedFields: map[string]string{"sku": "product code"}},
			want: Changes{"product code": {"A-1", "A-2"}},
		},
		{
			name: "excluded field not resurrected by mapping",
			old:  Snapshot{"secret": "a"},
			new:  Snapshot{"secret": "b"},
			opts: Options{ExcludeFields: []string{"secret"}, MappedFields: map[string]string{"secret": "s"}},
			want: Changes{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.old, tt.new, tt.opts)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Diff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChangesString(t *testing.T) {
	c := Changes{
		"name":  {"a", "b"},
		"email": {"a@x", "b@x"},
	}
	want := `email: "a@x" -> "b@x"; name: "a" -> "b"`
	if got := c.String(); got != want {
		t.Errorf("Changes.String() = %q, want %q", got, want)
	}

	if got := (Changes{}).String(); got != "" {
		t.Errorf("empty Changes.String() = %q, want empty", got)
	}
}
