package vault

import (
	cryptorand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"aishell/internal/fault"
)

// CredentialType distinguishes how a credential's value is validated.
type CredentialType string

const (
	TypeStandard    CredentialType = "standard"
	TypeDatabase    CredentialType = "database"
	TypeUserDefined CredentialType = "user-defined"
)

// Metadata is the non-secret part of a credential.
type Metadata struct {
	Created   time.Time `json:"created"`
	RotatedAt time.Time `json:"rotated_at,omitempty"`
	Encrypted bool      `json:"encrypted"`
}

// Schema constrains user-defined credential values. The value must be a
// JSON object containing every listed field with the declared type
// ("string" or "number").
type Schema map[string]string

// credential is the on-disk form. The value is never stored in the clear.
type credential struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       CredentialType `json:"type"`
	Nonce      string         `json:"nonce"`
	Ciphertext string         `json:"ciphertext"`
	Metadata   Metadata       `json:"metadata"`
	Schema     Schema         `json:"schema,omitempty"`
	AutoRedact bool           `json:"auto_redact"`
}

// Info is the public listing view of a credential. It carries no secret.
type Info struct {
	ID          string
	Name        string
	Type        CredentialType
	Metadata    Metadata
	AutoRedact  bool
	Quarantined bool
}

// Options configure a Vault.
type Options struct {
	// Path of the vault ciphertext file. The salt file sits beside it.
	Path          string
	KeystoreEntry string
	Iterations    int
	Logger        *zap.Logger
}

// Vault persists credentials encrypted with XChaCha20-Poly1305 under a key
// derived from the OS keystore entry. Writers hold the mutex; the redaction
// table is republished as an immutable snapshot on every mutation, so
// AutoRedact never takes a lock.
type Vault struct {
	mu          sync.RWMutex
	path        string
	key         []byte
	iterations  int
	logger      *zap.Logger
	creds       map[string]*credential
	quarantined map[string]bool
	tokens      map[string]string // anonymisation token -> name
	redactor    *Redactor
}

// Open loads (or initialises) the vault at opts.Path. The keystore entry
// must already exist: a missing entry is fatal at startup by design.
func Open(ks Keystore, opts Options) (*Vault, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	secret, err := ks.Secret(opts.KeystoreEntry)
	if err != nil {
		return nil, err
	}

	salt, err := loadOrCreateSalt(opts.Path + ".salt")
	if err != nil {
		return nil, err
	}

	v := &Vault{
		path:        opts.Path,
		key:         deriveKey(secret, salt, opts.Iterations),
		iterations:  opts.Iterations,
		logger:      opts.Logger,
		creds:       make(map[string]*credential),
		quarantined: make(map[string]bool),
		tokens:      make(map[string]string),
		redactor:    NewRedactor(),
	}

	if err := v.load(); err != nil {
		return nil, err
	}
	v.rebuildRedactionTable()
	return v, nil
}

// loadOrCreateSalt reads the persisted salt or generates one on first use.
// The salt is not secret; it only has to be stable.
func loadOrCreateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != saltLength {
			return nil, fault.Errorf(fault.KindCrypto, "salt file %s is corrupt (%d bytes)", path, len(data))
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fault.Wrap(fault.KindCrypto, err, "reading salt file")
	}

	salt := make([]byte, saltLength)
	if _, err := cryptorand.Read(salt); err != nil {
		return nil, fault.Wrap(fault.KindCrypto, err, "generating salt")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fault.Wrap(fault.KindCrypto, err, "creating vault directory")
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fault.Wrap(fault.KindCrypto, err, "writing salt file")
	}
	return salt, nil
}

// Store encrypts and persists a new credential. Names are unique; storing
// an existing name fails with DuplicateName rather than overwriting.
func (v *Vault) Store(name, value string, typ CredentialType, schema Schema) error {
	if name == "" || value == "" {
		return fault.New(fault.KindInvalidInput, "credential name and value are required")
	}
	if typ == TypeUserDefined {
		if err := validateSchema(value, schema); err != nil {
			return err
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.creds[name]; exists {
		return fault.Errorf(fault.KindDuplicateName, "credential %q already exists", name)
	}

	cred := &credential{
		ID:         uuid.NewString(),
		Name:       name,
		Type:       typ,
		Metadata:   Metadata{Created: time.Now().UTC(), Encrypted: true},
		Schema:     schema,
		AutoRedact: true,
	}
	if err := v.seal(cred, value); err != nil {
		return err
	}

	v.creds[name] = cred
	if err := v.persist(); err != nil {
		delete(v.creds, name)
		return err
	}
	v.rebuildRedactionTableLocked()
	v.logger.Info("credential stored", zap.String("name", name), zap.String("type", string(typ)))
	return nil
}

// Retrieve decrypts a credential. With anonymise set, a stable opaque token
// is returned instead; the plaintext behind it is resolvable only through
// ResolveToken inside this process.
func (v *Vault) Retrieve(name string, anonymise bool) (string, error) {
	v.mu.RLock()
	cred, ok := v.creds[name]
	quarantined := v.quarantined[name]
	v.mu.RUnlock()

	if !ok {
		return "", fault.Errorf(fault.KindNotFound, "credential %q not found", name)
	}
	if quarantined {
		return "", fault.Errorf(fault.KindCrypto, "credential %q is quarantined after a decryption failure", name)
	}

	plaintext, err := v.open(cred)
	if err != nil {
		v.mu.Lock()
		v.quarantined[name] = true
		v.mu.Unlock()
		v.logger.Error("credential quarantined", zap.String("name", name), zap.Error(err))
		return "", err
	}

	if anonymise {
		token := fmt.Sprintf("<VAULT_%s>", cred.ID[:8])
		v.mu.Lock()
		v.tokens[token] = name
		v.mu.Unlock()
		return token, nil
	}
	return plaintext, nil
}

// ResolveToken maps an anonymisation token issued by Retrieve back to the
// plaintext. Unknown tokens return NotFound.
func (v *Vault) ResolveToken(token string) (string, error) {
	v.mu.RLock()
	name, ok := v.tokens[token]
	v.mu.RUnlock()
	if !ok {
		return "", fault.Errorf(fault.KindNotFound, "unknown vault token")
	}
	return v.Retrieve(name, false)
}

// Delete removes a credential. Missing names return NotFound with no side
// effects; quarantined credentials can still be deleted.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.creds[name]; !ok {
		return fault.Errorf(fault.KindNotFound, "credential %q not found", name)
	}
	delete(v.creds, name)
	delete(v.quarantined, name)
	if err := v.persist(); err != nil {
		return err
	}
	v.rebuildRedactionTableLocked()
	v.logger.Info("credential deleted", zap.String("name", name))
	return nil
}

// Rotate re-encrypts a credential under a fresh nonce and the same key.
// The credential keeps its id.
func (v *Vault) Rotate(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	cred, ok := v.creds[name]
	if !ok {
		return fault.Errorf(fault.KindNotFound, "credential %q not found", name)
	}
	if v.quarantined[name] {
		return fault.Errorf(fault.KindCrypto, "credential %q is quarantined; delete and re-add it", name)
	}

	plaintext, err := v.open(cred)
	if err != nil {
		v.quarantined[name] = true
		return err
	}
	if err := v.seal(cred, plaintext); err != nil {
		return err
	}
	cred.Metadata.RotatedAt = time.Now().UTC()
	if err := v.persist(); err != nil {
		return err
	}
	v.logger.Info("credential rotated", zap.String("name", name))
	return nil
}

// List returns credential infos sorted by name. Values are never included.
func (v *Vault) List() []Info {
	v.mu.RLock()
	defer v.mu.RUnlock()

	infos := make([]Info, 0, len(v.creds))
	for name, c := range v.creds {
		infos = append(infos, Info{
			ID:          c.ID,
			Name:        c.Name,
			Type:        c.Type,
			Metadata:    c.Metadata,
			AutoRedact:  c.AutoRedact,
			Quarantined: v.quarantined[name],
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Names returns just the credential names, for completion sources.
func (v *Vault) Names() []string {
	infos := v.List()
	names := make([]string, len(infos))
	for i, inf := range infos {
		names[i] = inf.Name
	}
	return names
}

// AutoRedact substitutes every stored plaintext in text with ***<name>***.
// It reads a lock-free snapshot of the redaction table.
func (v *Vault) AutoRedact(text string) string {
	return v.redactor.Redact(text)
}

// SensitiveValues returns the current redaction-table plaintexts, for the
// LLM anonymiser. The caller must not retain the slice beyond one call.
func (v *Vault) SensitiveValues() []string {
	return v.redactor.Values()
}

// seal encrypts plaintext into cred with a fresh random nonce. The
// credential id is bound as additional authenticated data.
func (v *Vault) seal(cred *credential, plaintext string) error {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return fault.Wrap(fault.KindCrypto, err, "initialising cipher")
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := cryptorand.Read(nonce); err != nil {
		return fault.Wrap(fault.KindCrypto, err, "generating nonce")
	}
	ct := aead.Seal(nil, nonce, []byte(plaintext), []byte(cred.ID))
	cred.Nonce = base64.StdEncoding.EncodeToString(nonce)
	cred.Ciphertext = base64.StdEncoding.EncodeToString(ct)
	return nil
}

// open decrypts a credential. Any failure is a CryptoError; the caller
// decides whether to quarantine.
func (v *Vault) open(cred *credential) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fault.Wrap(fault.KindCrypto, err, "initialising cipher")
	}
	nonce, err := base64.StdEncoding.DecodeString(cred.Nonce)
	if err != nil {
		return "", fault.Wrap(fault.KindCrypto, err, "decoding nonce")
	}
	ct, err := base64.StdEncoding.DecodeString(cred.Ciphertext)
	if err != nil {
		return "", fault.Wrap(fault.KindCrypto, err, "decoding ciphertext")
	}
	plaintext, err := aead.Open(nil, nonce, ct, []byte(cred.ID))
	if err != nil {
		return "", fault.Wrap(fault.KindCrypto, err, fmt.Sprintf("decrypting credential %q", cred.Name))
	}
	return string(plaintext), nil
}

type vaultFile struct {
	Version     int                    `json:"version"`
	Credentials map[string]*credential `json:"credentials"`
}

func (v *Vault) load() error {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fault.Wrap(fault.KindCrypto, err, "reading vault file")
	}
	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return fault.Wrap(fault.KindCrypto, err, "parsing vault file")
	}
	if vf.Credentials != nil {
		v.creds = vf.Credentials
	}
	return nil
}

// persist writes the vault atomically: temp file then rename, 0600.
func (v *Vault) persist() error {
	data, err := json.MarshalIndent(vaultFile{Version: 1, Credentials: v.creds}, "", "  ")
	if err != nil {
		return fault.Wrap(fault.KindCrypto, err, "encoding vault")
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "writing vault file")
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "replacing vault file")
	}
	return nil
}

// rebuildRedactionTable republishes the redaction snapshot from every
// auto-redact credential that still decrypts. Quarantined entries are
// skipped rather than failing the rebuild.
func (v *Vault) rebuildRedactionTable() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rebuildRedactionTableLocked()
}

func (v *Vault) rebuildRedactionTableLocked() {
	entries := make([]RedactEntry, 0, len(v.creds))
	for name, cred := range v.creds {
		if !cred.AutoRedact || v.quarantined[name] {
			continue
		}
		plaintext, err := v.open(cred)
		if err != nil {
			v.quarantined[name] = true
			v.logger.Error("credential quarantined during redaction rebuild",
				zap.String("name", name), zap.Error(err))
			continue
		}
		entries = append(entries, RedactEntry{Name: name, Value: plaintext})
	}
	v.redactor.Replace(entries)
}

// validateSchema checks a user-defined value against its schema. The value
// must be a JSON object carrying every declared field with the right type.
func validateSchema(value string, schema Schema) error {
	if len(schema) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(value), &obj); err != nil {
		return fault.Wrap(fault.KindSchemaViolation, err, "user-defined value must be a JSON object")
	}
	for field, typ := range schema {
		raw, ok := obj[field]
		if !ok {
			return fault.Errorf(fault.KindSchemaViolation, "missing required field %q", field)
		}
		switch typ {
		case "string":
			if _, ok := raw.(string); !ok {
				return fault.Errorf(fault.KindSchemaViolation, "field %q must be a string", field)
			}
		case "number":
			if _, ok := raw.(float64); !ok {
				return fault.Errorf(fault.KindSchemaViolation, "field %q must be a number", field)
			}
		default:
			return fault.Errorf(fault.KindSchemaViolation, "unsupported schema type %q for field %q", typ, field)
		}
	}
	return nil
}
