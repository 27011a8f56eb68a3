// Package keystore is the default filesystem-backed implementation of the
// KeyStore capability spec §1 and §4.2 consume through an interface. Entries
// are encrypted at rest with Argon2id-derived AES-256-GCM keys, the way the
// teacher's crypto.SaveKey/LoadKey pair wraps an Ed25519 seed — generalized
// here to an arbitrary named-blob store rather than one hardcoded key.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"github.com/meshwire/meshcore/internal/identity"
)

const (
	argon2Time    = 3
	argon2Memory  = 65536
	argon2Threads = 4
	argon2KeyLen  = 32
	saltSize      = 32
	entryVersion  = 1
)

var ErrInvalidPassphrase = errors.New("keystore: invalid passphrase or corrupted entry")

type entry struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// FileKeyStore persists named blobs as encrypted JSON files under a
// directory, one file per name (slashes in name become subdirectories).
type FileKeyStore struct {
	dir        string
	passphrase []byte
}

// New creates a KeyStore rooted at dir. An empty passphrase stores blobs
// unencrypted — matches the teacher's ".insecure" escape hatch, for local
// testing only.
func New(dir string, passphrase string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: creating root %s: %w", dir, err)
	}
	return &FileKeyStore{dir: dir, passphrase: []byte(passphrase)}, nil
}

var _ identity.KeyStore = (*FileKeyStore)(nil)

func (k *FileKeyStore) pathFor(name string) string {
	return filepath.Join(k.dir, filepath.FromSlash(name)+".json")
}

func (k *FileKeyStore) Load(name string) ([]byte, error) {
	raw, err := os.ReadFile(k.pathFor(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, identity.ErrNotFound
		}
		return nil, err
	}
	if len(k.passphrase) == 0 {
		return raw, nil
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("keystore: corrupt entry %s: %w", name, err)
	}
	return decrypt(&e, k.passphrase)
}

func (k *FileKeyStore) Save(name string, data []byte) error {
	path := k.pathFor(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	var out []byte
	if len(k.passphrase) == 0 {
		out = data
	} else {
		e, err := encrypt(data, k.passphrase)
		if err != nil {
			return err
		}
		out, err = json.Marshal(e)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(path, out, 0o600)
}

func (k *FileKeyStore) Delete(name string) error {
	err := os.Remove(k.pathFor(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (k *FileKeyStore) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(k.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(k.dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		names = append(names, rel[:len(rel)-len(".json")])
		return nil
	})
	return names, err
}

func encrypt(plaintext, passphrase []byte) (*entry, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := gcm.Seal(nil, nonce, plaintext, nil)
	return &entry{Version: entryVersion, Salt: salt, Nonce: nonce, Ciphertext: ct}, nil
}

func decrypt(e *entry, passphrase []byte) ([]byte, error) {
	if e.Version != entryVersion {
		return nil, fmt.Errorf("keystore: unsupported entry version %d", e.Version)
	}
	key := argon2.IDKey(passphrase, e.Salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, e.Nonce, e.Ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return pt, nil
}
