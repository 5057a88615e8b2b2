package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tilth/pkg/adapters/codec"
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
)

type Author struct {
	ID   int64
	Name string `tilth:"name"`
}

type Address struct {
	City string `tilth:"city"`
}

type Comment struct {
	ID   string
	Post *Post `tilth:"post,ref=Post"`
}

type Post struct {
	ID        string
	Title     string     `tilth:"title"`
	Author    *Author    `tilth:"author,ref=Author"`
	Reviewers []*Author  `tilth:"reviewers,ref=Author"`
	Venue     *Address   `tilth:"venue,embed=Address"`
	Comments  []*Comment `tilth:"comments,ref=Comment,mappedBy=Post"`
}

func registry(t *testing.T) *mapping.Registry {
	t.Helper()
	reg := mapping.NewRegistry()
	reg.MustRegisterType(&Author{})
	reg.MustRegisterType(&Address{}, mapping.AsEmbedded())
	reg.MustRegisterType(&Comment{})
	reg.MustRegisterType(&Post{})
	require.NoError(t, reg.Validate())
	return reg
}

func TestEncoder_Encode(t *testing.T) {
	enc := codec.New(registry(t))
	post := &Post{
		ID:        "p1",
		Title:     "Hello",
		Author:    &Author{ID: 1, Name: "Ann"},
		Reviewers: []*Author{{ID: 2}, nil, {ID: 3}},
		Venue:     &Address{City: "Lisbon"},
		Comments:  []*Comment{{ID: "c1"}},
	}

	rec, err := enc.Encode(post)
	require.NoError(t, err)
	assert.Equal(t, codec.Record{
		"ID":        "p1",
		"title":     "Hello",
		"author":    int64(1),
		"reviewers": []any{int64(2), int64(3)},
		"venue":     codec.Record{"city": "Lisbon"},
	}, rec)
}

func TestEncoder_NilRelations(t *testing.T) {
	enc := codec.New(registry(t))

	rec, err := enc.Encode(&Post{ID: "p2"})
	require.NoError(t, err)
	assert.Nil(t, rec["author"])
	assert.Nil(t, rec["venue"])
	assert.Equal(t, []any{}, rec["reviewers"])
	assert.NotContains(t, rec, "comments")
}

func TestEncoder_Patch(t *testing.T) {
	reg := registry(t)
	enc := codec.New(reg)
	meta, err := reg.Metadata("Post")
	require.NoError(t, err)

	post := &Post{ID: "p1", Title: "New", Author: &Author{ID: 9}}
	changes := core.ChangeSet{}
	changes.Record("Title", "Old", "New")
	changes.Record("Author", nil, post.Author)
	changes.Record("Missing", 1, 2)

	rec, err := enc.Patch(meta, post, changes)
	require.NoError(t, err)
	assert.Equal(t, codec.Record{"title": "New", "author": int64(9)}, rec)
}

func TestEncoder_UnknownType(t *testing.T) {
	enc := codec.New(registry(t))

	_, err := enc.Encode(&struct{ ID int }{})
	assert.ErrorIs(t, err, core.ErrMapping)
}
