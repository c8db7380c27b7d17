package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type post struct {
	ID       string
	TenantID string
	OwnerRef string `json:"user_id"`
	Editor   *string
	private  string
}

type attrRecord map[string]any

func (a attrRecord) Attribute(name string) (any, bool) {
	v, ok := a[name]
	return v, ok
}

type stringKey string

func TestAttributeOf(t *testing.T) {
	editor := "u9"
	p := &post{ID: "p1", TenantID: "acme", OwnerRef: "u1", Editor: &editor, private: "x"}

	tests := []struct {
		name   string
		v      any
		attr   string
		want   any
		wantOK bool
	}{
		{"struct snake case", p, "tenant_id", "acme", true},
		{"struct field name", p, "TenantID", "acme", true},
		{"struct json tag", p, "user_id", "u1", true},
		{"struct value", *p, "tenant_id", "acme", true},
		{"pointer field", p, "editor", "u9", true},
		{"nil pointer field", &post{}, "editor", nil, false},
		{"unexported field", p, "private", nil, false},
		{"missing field", p, "org_id", nil, false},
		{"map", map[string]any{"tenant_id": "acme"}, "tenant_id", "acme", true},
		{"map nil value", map[string]any{"tenant_id": nil}, "tenant_id", nil, false},
		{"map missing", map[string]string{"a": "b"}, "tenant_id", nil, false},
		{"named key map", map[stringKey]int{"user_id": 42}, "user_id", 42, true},
		{"non string keys", map[int]string{1: "a"}, "1", nil, false},
		{"record", attrRecord{"tenant_id": "acme"}, "tenant_id", "acme", true},
		{"record nil attr", attrRecord{"tenant_id": nil}, "tenant_id", nil, false},
		{"nil", nil, "tenant_id", nil, false},
		{"nil pointer", (*post)(nil), "tenant_id", nil, false},
		{"scalar", "acme", "tenant_id", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AttributeOf(tt.v, tt.attr)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsRecordAndSequence(t *testing.T) {
	assert.True(t, IsRecord(&post{}))
	assert.True(t, IsRecord(map[string]any{}))
	assert.True(t, IsRecord(attrRecord{}))
	assert.False(t, IsRecord("x"))
	assert.False(t, IsRecord(nil))
	assert.False(t, IsRecord((*post)(nil)))

	assert.True(t, isSequence([]*post{}))
	assert.True(t, isSequence([2]int{}))
	assert.False(t, isSequence([]byte("abc")))
	assert.False(t, isSequence(&post{}))
}

func TestIDOf(t *testing.T) {
	id, ok := IDOf(&post{ID: "p1"})
	assert.True(t, ok)
	assert.Equal(t, "p1", id)

	id, ok = IDOf(map[string]any{"id": 7})
	assert.True(t, ok)
	assert.Equal(t, "7", id)

	_, ok = IDOf("x")
	assert.False(t, ok)
}

func TestFilterSequence(t *testing.T) {
	in := []*post{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	out := filterSequence(in, func(m any) bool { return m.(*post).ID != "b" })

	assert.IsType(t, []*post{}, out, "slice type is preserved")
	assert.Equal(t, []*post{{ID: "a"}, {ID: "c"}}, out)
	assert.Len(t, in, 3, "input is not modified")

	arr := filterSequence([2]string{"x", "y"}, func(m any) bool { return m == "y" })
	assert.Equal(t, []string{"y"}, arr)
}
