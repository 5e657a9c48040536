package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuery_Values(t *testing.T) {
	q := From("memberships").
		Eq("group_id", "g-1").
		In("user_id", []string{"u1", "u,2"}).
		Order("joined_at", false).
		Take(10)

	v := q.Values()
	assert.Equal(t, "*", v.Get("select"))
	assert.Equal(t, "eq.g-1", v.Get("group_id"))
	assert.Equal(t, `in.(u1,"u,2")`, v.Get("user_id"))
	assert.Equal(t, "joined_at.asc", v.Get("order"))
	assert.Equal(t, "10", v.Get("limit"))
	assert.Empty(t, v.Get("or"))
}

func TestQuery_OrGroupAndILike(t *testing.T) {
	q := From("groups").AnyOf(
		Filter{Column: "name", Op: OpILike, Value: "%smi th%"},
		Filter{Column: "code", Op: OpILike, Value: "%smi th%"},
	).Order("name", true)

	v := q.Values()
	assert.Equal(t, "(name.ilike.*smi th*,code.ilike.*smi th*)", v.Get("or"))
	assert.Equal(t, "name.desc", v.Get("order"))
	assert.Empty(t, v.Get("limit"))
}

func TestQuery_NestedEqIsQuoted(t *testing.T) {
	q := From("profiles").AnyOf(Filter{Column: "email", Op: OpEq, Value: "a.b@c.d"})
	assert.Equal(t, `(email.eq."a.b@c.d")`, q.Values().Get("or"))

	top := From("profiles").Eq("email", "a.b@c.d")
	assert.Equal(t, "eq.a.b@c.d", top.Values().Get("email"))
}

func TestQuery_BuildersDoNotAlias(t *testing.T) {
	base := From("groups").Eq("id", "1")
	a := base.Eq("code", "A")
	b := base.Eq("code", "B")

	assert.Len(t, base.Filters, 1)
	assert.Equal(t, "A", a.Filters[1].Value)
	assert.Equal(t, "B", b.Filters[1].Value)
}
