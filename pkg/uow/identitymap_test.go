package uow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aretw0/tilth/pkg/uow"
)

func TestIdentityMap(t *testing.T) {
	m := uow.NewIdentityMap()
	a, b := &User{ID: 1}, &User{ID: 1}

	got, added := m.Add("User", int64(1), a)
	assert.True(t, added)
	assert.Same(t, a, got)

	got, added = m.Add("User", int64(1), b)
	assert.False(t, added)
	assert.Same(t, a, got, "the first instance is never replaced")

	assert.True(t, m.Contains("User", int64(1), a))
	assert.False(t, m.Contains("User", int64(1), b))
	assert.False(t, m.Remove("User", int64(1), b))
	assert.Equal(t, 1, m.Len())

	// Identities are compared by their serialized form.
	_, ok := m.Get("User", 1)
	assert.True(t, ok)
	_, ok = m.Get("Post", int64(1))
	assert.False(t, ok)

	assert.True(t, m.Remove("User", int64(1), a))
	assert.Zero(t, m.Len())
}

func TestIdentityMap_CompositeKeys(t *testing.T) {
	type key struct {
		Tenant string
		Seq    int
	}
	m := uow.NewIdentityMap()
	doc := &Tag{Name: "x"}

	m.Add("Tag", key{"acme", 1}, doc)
	got, ok := m.Get("Tag", key{"acme", 1})
	assert.True(t, ok)
	assert.Same(t, doc, got)

	_, ok = m.Get("Tag", key{"acme", 2})
	assert.False(t, ok)

	m.Clear()
	assert.Zero(t, m.Len())
}

func TestIdentityKey(t *testing.T) {
	type pair struct {
		A, B string
	}
	assert.Equal(t, uow.IdentityKey(int64(7)), uow.IdentityKey(7))
	assert.Equal(t, uow.IdentityKey(uint8(7)), uow.IdentityKey(int32(7)))
	assert.NotEqual(t, uow.IdentityKey("7"), uow.IdentityKey(7))
	assert.NotEqual(t, uow.IdentityKey(pair{"a b", ""}), uow.IdentityKey(pair{"a", "b "}))
	assert.NotEqual(t, uow.IdentityKey(pair{"a", "b"}), uow.IdentityKey(struct{ A, B string }{"a", "b"}))
	assert.Equal(t, uow.IdentityKey(pair{"a", "b"}), uow.IdentityKey(pair{"a", "b"}))
}
