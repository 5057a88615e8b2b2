package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tilth/pkg/core"
)

func blogRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegisterType(&Author{})
	reg.MustRegisterType(&Post{})
	reg.MustRegisterType(&Comment{})
	reg.MustRegisterType(&Address{}, AsEmbedded())
	return reg
}

func TestRegistry_Lookup(t *testing.T) {
	reg := blogRegistry(t)
	require.NoError(t, reg.Validate())

	meta, err := reg.MetadataFor(&Post{})
	require.NoError(t, err)
	assert.Equal(t, "Post", meta.Name)

	byName, err := reg.Metadata("Post")
	require.NoError(t, err)
	assert.Same(t, meta, byName)

	_, err = reg.Metadata("Ghost")
	assert.ErrorIs(t, err, core.ErrMapping)

	_, err = reg.MetadataFor(&Watched{})
	assert.ErrorContains(t, err, "unknown document type")

	_, err = reg.MetadataFor((*Post)(nil))
	assert.ErrorContains(t, err, "nil document")

	var names []string
	for _, m := range reg.Types() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"Address", "Author", "Comment", "Post"}, names)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegisterType(&Author{})

	_, err := reg.RegisterType(&Author{}, Named("Writer"))
	assert.ErrorContains(t, err, "already registered as Author")

	_, err = reg.RegisterType(&Comment{}, Named("Author"))
	assert.ErrorContains(t, err, "already registered")

	assert.Panics(t, func() { reg.MustRegisterType(&Author{}) })
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegisterType(&Author{})
	reg.MustRegisterType(&Post{})
	reg.MustRegisterType(&Address{}, WithField("City", FieldSpec{ID: true}))

	err := reg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMapping)
	assert.Contains(t, err.Error(), "unknown target Comment")
	assert.Contains(t, err.Error(), "embed target Address is not an embedded type")
}

func TestValidate_MappedBy(t *testing.T) {
	author, err := Class(&Author{})
	require.NoError(t, err)
	address, err := Class(&Address{}, AsEmbedded())
	require.NoError(t, err)
	post, err := Class(&Post{})
	require.NoError(t, err)
	comment, err := Class(&Comment{}, WithField("Post", FieldSpec{Reference: "Author"}))
	require.NoError(t, err)

	err = Validate([]*ClassMetadata{author, address, post, comment})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Comment.Post is not an owning reference to Post")
}

func TestValidate_ReferenceToEmbedded(t *testing.T) {
	address, err := Class(&Address{}, AsEmbedded())
	require.NoError(t, err)
	author, err := Class(&Author{}, WithField("Name", FieldSpec{Reference: "Address"}))
	require.NoError(t, err)

	err = Validate([]*ClassMetadata{address, author})
	assert.ErrorContains(t, err, "reference target Address is not persistable")
}

func TestRegistry_ReplaceKeepsPreviousOnError(t *testing.T) {
	reg := blogRegistry(t)

	post, err := Class(&Post{})
	require.NoError(t, err)
	err = reg.Replace([]*ClassMetadata{post})
	require.Error(t, err)

	_, err = reg.Metadata("Author")
	assert.NoError(t, err)

	author, err := Class(&Author{}, Named("Writer"))
	require.NoError(t, err)
	require.NoError(t, reg.Replace([]*ClassMetadata{author}))

	_, err = reg.Metadata("Author")
	assert.Error(t, err)
	meta, err := reg.MetadataFor(&Author{})
	require.NoError(t, err)
	assert.Equal(t, "Writer", meta.Name)
}
