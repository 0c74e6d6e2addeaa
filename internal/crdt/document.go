package crdt

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/automerge/automerge-go"
)

// ErrEncryptedDocument is returned when a plaintext operation is attempted on
// an end-to-end encrypted document. The server holds only ciphertext for
// those and must never parse it.
var ErrEncryptedDocument = errors.New("operation not supported on encrypted document")

// Metadata keys. They live directly on the document's root map: the root
// object is the one object every replica shares from birth, so first writes
// from replicas with no common history still merge instead of racing to
// create a nested map.
const (
	MetaTitle     = "meta.title"
	MetaIcon      = "meta.icon"
	MetaSortOrder = "meta.sortOrder"
	MetaParentID  = "meta.parentId"
	MetaHTML      = "meta.html"
	MetaSeeded    = "meta.seeded"
)

// Document wraps the CRDT engine for one live page. The engine (automerge)
// guarantees that updates are commutative and idempotent; this type adds the
// metadata fields, size accounting, and the ciphertext-only variant used for
// E2EE pages.
//
// Document is not safe for concurrent use; the store serializes access
// through a per-page lock.
type Document struct {
	doc        *automerge.Doc
	encrypted  bool
	cipher     []byte
	approxSize int64
}

// New creates an empty plaintext document.
func New() *Document {
	return &Document{doc: automerge.New()}
}

// LoadState reconstructs a plaintext document from a persisted full state.
func LoadState(blob []byte) (*Document, error) {
	doc, err := automerge.Load(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to load document state: %w", err)
	}
	return &Document{doc: doc, approxSize: int64(len(blob))}, nil
}

// NewEncrypted wraps a ciphertext blob. The blob is opaque: no merge, no
// snapshot derivation, no seeding.
func NewEncrypted(cipher []byte) *Document {
	return &Document{encrypted: true, cipher: cipher, approxSize: int64(len(cipher))}
}

// Encrypted reports whether this document carries ciphertext only.
func (d *Document) Encrypted() bool {
	return d.encrypted
}

// ApplyUpdate merges an incremental delta. Applying the same delta twice, or
// a set of deltas in any order, converges to the same content.
func (d *Document) ApplyUpdate(delta []byte) error {
	if d.encrypted {
		return ErrEncryptedDocument
	}
	if err := d.doc.LoadIncremental(delta); err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	atomic.AddInt64(&d.approxSize, int64(len(delta)))
	return nil
}

// ApplyState merges a complete remote state. Redundant application is
// harmless, which is what makes full-state resync safe.
func (d *Document) ApplyState(full []byte) error {
	if d.encrypted {
		return ErrEncryptedDocument
	}
	remote, err := automerge.Load(full)
	if err != nil {
		return fmt.Errorf("failed to load remote state: %w", err)
	}
	if _, err := d.doc.Merge(remote); err != nil {
		return fmt.Errorf("failed to merge remote state: %w", err)
	}
	// A full save is the honest size after absorbing an unknown amount of
	// history; state applies are rare enough to afford the encode.
	atomic.StoreInt64(&d.approxSize, int64(len(d.doc.Save())))
	return nil
}

// SaveState encodes the complete document, sufficient to reconstruct it from
// empty. For encrypted documents it returns the stored ciphertext verbatim.
func (d *Document) SaveState() []byte {
	if d.encrypted {
		return d.cipher
	}
	return d.doc.Save()
}

// SaveUpdate encodes the changes made since the previous SaveUpdate call.
// Used by the client agent to produce outgoing deltas.
func (d *Document) SaveUpdate() ([]byte, error) {
	if d.encrypted {
		return nil, ErrEncryptedDocument
	}
	return d.doc.SaveIncremental(), nil
}

// SetCipherState replaces the ciphertext blob of an encrypted document.
func (d *Document) SetCipherState(cipher []byte) error {
	if !d.encrypted {
		return errors.New("document is not encrypted")
	}
	d.cipher = cipher
	atomic.StoreInt64(&d.approxSize, int64(len(cipher)))
	return nil
}

// AddApproxSize bumps the size counter for relayed bytes the server cannot
// inspect (E2EE deltas).
func (d *Document) AddApproxSize(n int64) {
	atomic.AddInt64(&d.approxSize, n)
}

// SetApproxSize resets the counter, used right after load when the base is
// the persisted blob plus the snapshot length.
func (d *Document) SetApproxSize(n int64) {
	atomic.StoreInt64(&d.approxSize, n)
}

// ApproxSize is the running approximation of the document's byte size used by
// the DoS guard. It is a ceiling estimate, not an exact measure.
func (d *Document) ApproxSize() int64 {
	return atomic.LoadInt64(&d.approxSize)
}

// Meta returns a string metadata field, or "" when unset.
func (d *Document) Meta(key string) string {
	if d.encrypted {
		return ""
	}
	v, err := d.doc.Path(key).Get()
	if err != nil || v.Kind() != automerge.KindStr {
		return ""
	}
	return v.Str()
}

// SetMeta writes a string metadata field.
func (d *Document) SetMeta(key, value string) error {
	if d.encrypted {
		return ErrEncryptedDocument
	}
	return d.doc.Path(key).Set(value)
}

// MetaInt returns an integer metadata field, or 0 when unset.
func (d *Document) MetaInt(key string) int64 {
	if d.encrypted {
		return 0
	}
	v, err := d.doc.Path(key).Get()
	if err != nil || v.Kind() != automerge.KindInt64 {
		return 0
	}
	return v.Int64()
}

// SetMetaInt writes an integer metadata field.
func (d *Document) SetMetaInt(key string, value int64) error {
	if d.encrypted {
		return ErrEncryptedDocument
	}
	return d.doc.Path(key).Set(value)
}

// Seeded reports whether the node tree was already seeded from a legacy HTML
// snapshot. The flag is part of the document so it replicates with it and
// seeding can never run twice.
func (d *Document) Seeded() bool {
	if d.encrypted {
		return false
	}
	v, err := d.doc.Path(MetaSeeded).Get()
	if err != nil || v.Kind() != automerge.KindBool {
		return false
	}
	return v.Bool()
}
