package uow

import (
	"fmt"
	"reflect"
	"strconv"
)

// IdentityMap holds the single live instance of every (type, identity) pair.
type IdentityMap struct {
	byType map[string]map[string]any
	size   int
}

// NewIdentityMap creates an empty identity map.
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{byType: make(map[string]map[string]any)}
}

// IdentityKey serializes an identity value for map lookups. Integers of any
// width share one key; other values keep their Go type and quoting, so
// distinct composite identities never collide.
func IdentityKey(id any) string {
	v := reflect.ValueOf(id)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int:" + strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "int:" + strconv.FormatUint(v.Uint(), 10)
	case reflect.String:
		return "string:" + strconv.Quote(v.String())
	}
	return fmt.Sprintf("%T:%#v", id, id)
}

// Add registers doc under (typeName, id). An existing instance is never
// replaced: it is returned with added=false.
func (m *IdentityMap) Add(typeName string, id any, doc any) (existing any, added bool) {
	docs, ok := m.byType[typeName]
	if !ok {
		docs = make(map[string]any)
		m.byType[typeName] = docs
	}
	key := IdentityKey(id)
	if prev, ok := docs[key]; ok {
		return prev, prev == doc
	}
	docs[key] = doc
	m.size++
	return doc, true
}

// Get returns the instance registered under (typeName, id).
func (m *IdentityMap) Get(typeName string, id any) (any, bool) {
	doc, ok := m.byType[typeName][IdentityKey(id)]
	return doc, ok
}

// Contains reports whether doc itself is the instance registered under (typeName, id).
func (m *IdentityMap) Contains(typeName string, id any, doc any) bool {
	prev, ok := m.Get(typeName, id)
	return ok && prev == doc
}

// Remove unregisters doc. Another instance under the same identity is left alone.
func (m *IdentityMap) Remove(typeName string, id any, doc any) bool {
	if !m.Contains(typeName, id, doc) {
		return false
	}
	delete(m.byType[typeName], IdentityKey(id))
	m.size--
	return true
}

// Len returns the number of registered instances.
func (m *IdentityMap) Len() int {
	return m.size
}

// Clear drops every entry.
func (m *IdentityMap) Clear() {
	m.byType = make(map[string]map[string]any)
	m.size = 0
}
