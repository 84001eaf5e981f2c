package storage

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// RecordDescriptorName identifies the descriptor stored in a key bundle for
// transaction log records.
const RecordDescriptorName = "lra/records"

// CryptoConfig drives the creation of a Crypto helper for record encryption.
type CryptoConfig struct {
	Enabled          bool
	RootKey          keymgmt.RootKey
	RecordDescriptor keymgmt.Descriptor
	RecordContext    []byte
	Snappy           bool
}

// Crypto seals log records with kryptograf before they reach a backend.
type Crypto struct {
	kg       kryptograf.Kryptograf
	material kryptograf.Material
	bufPool  sync.Pool
}

// NewCrypto initialises a Crypto helper according to cfg. When encryption is
// disabled the returned value is nil, and a nil *Crypto passes data through.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.RecordContext) == 0 {
		return nil, fmt.Errorf("storage crypto: record context required when encryption enabled")
	}
	if cfg.RecordDescriptor == (keymgmt.Descriptor{}) {
		return nil, fmt.Errorf("storage crypto: record descriptor required when encryption enabled")
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("storage crypto: root key required when encryption enabled")
	}
	kg := kryptograf.New(cfg.RootKey)
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	mat, err := kg.ReconstructDEK(cfg.RecordContext, cfg.RecordDescriptor)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: reconstruct record DEK: %w", err)
	}
	c := &Crypto{kg: kg, material: mat}
	c.bufPool.New = func() any { return new(bytes.Buffer) }
	return c, nil
}

// Enabled reports whether encryption is active.
func (c *Crypto) Enabled() bool {
	return c != nil
}

// ContentType returns the content type records sealed by c carry.
func (c *Crypto) ContentType() string {
	if c.Enabled() {
		return ContentTypeJSONEncrypted
	}
	return ContentTypeJSON
}

// Seal encrypts plaintext with the record material.
func (c *Crypto) Seal(plaintext []byte) ([]byte, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	buf := c.bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufPool.Put(buf)
	writer, err := c.kg.EncryptWriter(buf, c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: seal: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		writer.Close()
		return nil, fmt.Errorf("storage crypto: seal write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("storage crypto: seal close: %w", err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// Open decrypts a sealed record.
func (c *Crypto) Open(ciphertext []byte) ([]byte, error) {
	if !c.Enabled() {
		return ciphertext, nil
	}
	reader, err := c.kg.DecryptReader(bytes.NewReader(ciphertext), c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: open: %w", err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: open read: %w", err)
	}
	return plaintext, nil
}

// Close zeroes the record material.
func (c *Crypto) Close() {
	if c == nil {
		return
	}
	c.material.Zero()
}

// KeyMaterial bundles the root key and descriptor required to seal records.
type KeyMaterial struct {
	Root       keymgmt.RootKey
	Descriptor keymgmt.Descriptor
}

// EnsureKeyBundle loads the PEM key bundle at path, minting a root key and
// record descriptor when they are missing, and commits the result.
func EnsureKeyBundle(path string, recordContext []byte) (KeyMaterial, error) {
	store, err := keymgmt.LoadPEM(path)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("load key bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("ensure root key: %w", err)
	}
	mat, err := store.EnsureDescriptor(RecordDescriptorName, root, recordContext)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("ensure record descriptor: %w", err)
	}
	if err := store.Commit(); err != nil {
		return KeyMaterial{}, fmt.Errorf("commit key bundle: %w", err)
	}
	return KeyMaterial{Root: root, Descriptor: mat.Descriptor}, nil
}
