package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentDeltaConvergence(t *testing.T) {
	d1 := New()
	d2 := New()

	require.NoError(t, d1.SetMeta(MetaTitle, "meeting notes"))
	delta1, err := d1.SaveUpdate()
	require.NoError(t, err)
	require.NotEmpty(t, delta1)

	require.NoError(t, d2.SetMeta(MetaIcon, "📝"))
	delta2, err := d2.SaveUpdate()
	require.NoError(t, err)

	// Cross-apply in opposite order; both replicas must converge.
	require.NoError(t, d2.ApplyUpdate(delta1))
	require.NoError(t, d1.ApplyUpdate(delta2))

	assert.Equal(t, "meeting notes", d2.Meta(MetaTitle))
	assert.Equal(t, "📝", d1.Meta(MetaIcon))
	assert.Equal(t, d1.Meta(MetaTitle), d2.Meta(MetaTitle))
	assert.Equal(t, d1.Meta(MetaIcon), d2.Meta(MetaIcon))
}

func TestDocumentDeltaIdempotent(t *testing.T) {
	d1 := New()
	require.NoError(t, d1.SetMeta(MetaTitle, "once"))
	delta, err := d1.SaveUpdate()
	require.NoError(t, err)

	d2 := New()
	require.NoError(t, d2.ApplyUpdate(delta))
	require.NoError(t, d2.ApplyUpdate(delta))

	assert.Equal(t, "once", d2.Meta(MetaTitle))
}

func TestDocumentFullStateRoundtrip(t *testing.T) {
	d1 := New()
	require.NoError(t, d1.SetMeta(MetaTitle, "persisted"))
	require.NoError(t, d1.SetMetaInt(MetaSortOrder, 7))

	d2, err := LoadState(d1.SaveState())
	require.NoError(t, err)

	assert.Equal(t, "persisted", d2.Meta(MetaTitle))
	assert.Equal(t, int64(7), d2.MetaInt(MetaSortOrder))
}

func TestDocumentApplyStateMerges(t *testing.T) {
	d1 := New()
	require.NoError(t, d1.SetMeta(MetaTitle, "local"))

	d2 := New()
	require.NoError(t, d2.SetMeta(MetaIcon, "🔒"))

	// A full remote state merges into local history instead of replacing it.
	require.NoError(t, d1.ApplyState(d2.SaveState()))

	assert.Equal(t, "local", d1.Meta(MetaTitle))
	assert.Equal(t, "🔒", d1.Meta(MetaIcon))
}

func TestDocumentApplyStateRejectsGarbage(t *testing.T) {
	d := New()
	assert.Error(t, d.ApplyState([]byte("definitely not a document")))
}

func TestDocumentApplyUpdateRejectsGarbage(t *testing.T) {
	d := New()
	assert.Error(t, d.ApplyUpdate([]byte{0xde, 0xad, 0xbe, 0xef}))
}

func TestEncryptedDocumentIsOpaque(t *testing.T) {
	cipher := []byte("opaque ciphertext blob")
	d := NewEncrypted(cipher)

	assert.True(t, d.Encrypted())
	assert.Equal(t, cipher, d.SaveState())

	assert.ErrorIs(t, d.ApplyUpdate([]byte("x")), ErrEncryptedDocument)
	assert.ErrorIs(t, d.ApplyState([]byte("x")), ErrEncryptedDocument)
	assert.ErrorIs(t, d.SetMeta(MetaTitle, "x"), ErrEncryptedDocument)
	_, err := d.SaveUpdate()
	assert.ErrorIs(t, err, ErrEncryptedDocument)
	_, err = d.RenderHTML()
	assert.ErrorIs(t, err, ErrEncryptedDocument)
	assert.ErrorIs(t, d.SeedFromHTML("<p>x</p>"), ErrEncryptedDocument)
}

func TestEncryptedDocumentCipherReplace(t *testing.T) {
	d := NewEncrypted([]byte("v1"))
	require.NoError(t, d.SetCipherState([]byte("v2-longer")))

	assert.Equal(t, []byte("v2-longer"), d.SaveState())
	assert.Equal(t, int64(len("v2-longer")), d.ApproxSize())
}

func TestPlaintextDocumentRejectsCipherState(t *testing.T) {
	d := New()
	assert.Error(t, d.SetCipherState([]byte("cipher")))
}

func TestDocumentApproxSizeAccounting(t *testing.T) {
	d := New()
	d.SetApproxSize(100)
	d.AddApproxSize(50)
	assert.Equal(t, int64(150), d.ApproxSize())

	require.NoError(t, d.SetMeta(MetaTitle, "sized"))
	delta, err := d.SaveUpdate()
	require.NoError(t, err)

	before := d.ApproxSize()
	d2 := New()
	d2.SetApproxSize(before)
	require.NoError(t, d2.ApplyUpdate(delta))
	assert.Equal(t, before+int64(len(delta)), d2.ApproxSize())
}
