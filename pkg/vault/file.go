package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sipeed/picogate/pkg/logger"
)

const (
	fileVersion   = 1
	cipherName    = "xchacha20-poly1305"
	kdfName       = "argon2id"
	saltSize      = 16
	totpSecretKey = "__totp_secret"
	checkKey      = "__vault_check__"
)

// KDFParams are the argon2id cost parameters stored with the vault file.
type KDFParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

// DefaultKDF is used for newly created vaults.
var DefaultKDF = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

type fileHeader struct {
	Version    int       `json:"version"`
	KDF        string    `json:"kdf"`
	Params     KDFParams `json:"params"`
	Salt       string    `json:"salt"`
	Cipher     string    `json:"cipher"`
	Nonce      string    `json:"nonce"`
	Ciphertext string    `json:"ciphertext"`
}

type record struct {
	Value    string `json:"value"`
	Username string `json:"username,omitempty"`
	Meta     *Entry `json:"meta,omitempty"`
}

// Options configure a FileVault.
type Options struct {
	// AgentAccess lets the agent read ask-policy secrets without
	// per-use approval.
	AgentAccess bool
	// KDF overrides DefaultKDF for new vault files.
	KDF *KDFParams
	// Labeler names bare secrets such as provider API keys.
	Labeler func(key string) (label, kind string, ok bool)
}

// FileVault stores every secret in one encrypted JSON file. The whole
// record map is sealed with XChaCha20-Poly1305 under an argon2id key
// derived from the vault password.
type FileVault struct {
	path string
	opts Options

	mu       sync.Mutex
	password string
	key      []byte
	salt     []byte
	params   KDFParams
	records  map[string]record
}

var _ Vault = (*FileVault)(nil)

// NewFileVault returns a locked vault backed by path. The file is created
// on first write after a password has been set.
func NewFileVault(path string, opts Options) *FileVault {
	return &FileVault{path: path, opts: opts}
}

// Path returns the vault file location.
func (v *FileVault) Path() string { return v.path }

func (v *FileVault) IsLocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.password == ""
}

// SetPassword installs the password. It is verified lazily by the next
// operation that opens the file.
func (v *FileVault) SetPassword(password string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.password = password
	v.key, v.salt, v.records = nil, nil, nil
}

func (v *FileVault) ClearPassword() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.password = ""
	v.key, v.salt, v.records = nil, nil, nil
}

// open loads and decrypts the file, or initializes an empty vault when the
// file does not exist. Callers hold mu.
func (v *FileVault) open() error {
	if v.password == "" {
		return ErrLocked
	}
	if v.records != nil {
		return nil
	}

	data, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}
		v.params = DefaultKDF
		if v.opts.KDF != nil {
			v.params = *v.opts.KDF
		}
		v.salt = salt
		v.key = deriveKey(v.password, salt, v.params)
		v.records = map[string]record{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading vault: %w", err)
	}

	var hdr fileHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return fmt.Errorf("parsing vault: %w", err)
	}
	if hdr.Version != fileVersion || hdr.KDF != kdfName || hdr.Cipher != cipherName {
		return fmt.Errorf("unsupported vault format (version %d, %s, %s)", hdr.Version, hdr.KDF, hdr.Cipher)
	}
	salt, err := base64.StdEncoding.DecodeString(hdr.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(hdr.Nonce)
	if err != nil {
		return fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(hdr.Ciphertext)
	if err != nil {
		return fmt.Errorf("decoding ciphertext: %w", err)
	}

	key := deriveKey(v.password, salt, hdr.Params)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return fmt.Errorf("invalid nonce size %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrBadPassword
	}

	records := map[string]record{}
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return fmt.Errorf("parsing vault contents: %w", err)
	}

	v.salt, v.key, v.params, v.records = salt, key, hdr.Params, records
	return nil
}

// save seals the record map and atomically replaces the file. Callers hold mu.
func (v *FileVault) save() error {
	plaintext, err := json.Marshal(v.records)
	if err != nil {
		return fmt.Errorf("encoding vault contents: %w", err)
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	hdr := fileHeader{
		Version:    fileVersion,
		KDF:        kdfName,
		Params:     v.params,
		Salt:       base64.StdEncoding.EncodeToString(v.salt),
		Cipher:     cipherName,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	}
	data, err := json.MarshalIndent(hdr, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("creating vault directory: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing vault: %w", err)
	}
	return nil
}

func deriveKey(password string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, chacha20poly1305.KeySize)
}

// GetSecret returns the value stored under key after checking its policy.
// Bare secrets without metadata use the ask policy.
func (v *FileVault) GetSecret(key string, ac AccessContext) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.open(); err != nil {
		return "", err
	}
	rec, ok := v.records[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := CheckAccess(v.entryFor(key, rec), ac, v.opts.AgentAccess); err != nil {
		logger.WarnCF("vault", "Secret access refused", map[string]any{
			"name":  key,
			"error": err.Error(),
		})
		return "", err
	}
	return rec.Value, nil
}

func (v *FileVault) StoreSecret(key, value string) error {
	if key == "" {
		return errors.New("secret name is required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.open(); err != nil {
		return err
	}
	rec := v.records[key]
	rec.Value = value
	v.records[key] = rec
	return v.save()
}

func (v *FileVault) DeleteSecret(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.open(); err != nil {
		return err
	}
	if _, ok := v.records[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(v.records, key)
	return v.save()
}

// StoreCredential stores a typed credential. For username_password the
// value is "username:password".
func (v *FileVault) StoreCredential(entry Entry, value string) error {
	if entry.Name == "" {
		return errors.New("credential name is required")
	}
	if entry.Policy == "" {
		entry.Policy = PolicyAsk
	}
	if entry.Kind == "" {
		entry.Kind = KindOther
	}
	if entry.Label == "" {
		entry.Label = humanize(entry.Name)
	}

	rec := record{Value: value, Meta: &entry}
	if entry.Kind == KindUsernamePassword {
		if user, pass, ok := strings.Cut(value, ":"); ok {
			rec.Username, rec.Value = user, pass
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.open(); err != nil {
		return err
	}
	v.records[entry.Name] = rec
	return v.save()
}

// ListEntries returns every user-visible entry sorted by name.
func (v *FileVault) ListEntries() ([]Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.open(); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(v.records))
	for name, rec := range v.records {
		if isInternal(name) {
			continue
		}
		entries = append(entries, v.entryFor(name, rec))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// PeekCredential returns the displayable values of a credential. It skips
// policy checks since the user asked directly.
func (v *FileVault) PeekCredential(name string) ([]Field, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.open(); err != nil {
		return nil, err
	}
	rec, ok := v.records[name]
	if !ok || isInternal(name) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if rec.Meta != nil && rec.Meta.Kind == KindUsernamePassword {
		return []Field{{Label: "Username", Value: rec.Username}, {Label: "Password", Value: rec.Value}}, nil
	}
	return []Field{{Label: "Value", Value: rec.Value}}, nil
}

func (v *FileVault) SetPolicy(name string, policy Policy, skills []string) error {
	return v.updateMeta(name, func(e *Entry) {
		e.Policy = policy
		e.Skills = nil
		if policy == PolicySkillOnly {
			e.Skills = append([]string(nil), skills...)
		}
	})
}

func (v *FileVault) SetDisabled(name string, disabled bool) error {
	return v.updateMeta(name, func(e *Entry) { e.Disabled = disabled })
}

// updateMeta promotes bare secrets to typed entries before applying fn.
func (v *FileVault) updateMeta(name string, fn func(*Entry)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.open(); err != nil {
		return err
	}
	rec, ok := v.records[name]
	if !ok || isInternal(name) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	entry := v.entryFor(name, rec)
	fn(&entry)
	rec.Meta = &entry
	v.records[name] = rec
	return v.save()
}

// DeleteCredential removes a credential. Deleting a missing one succeeds.
func (v *FileVault) DeleteCredential(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.open(); err != nil {
		return err
	}
	if _, ok := v.records[name]; !ok || isInternal(name) {
		return nil
	}
	delete(v.records, name)
	return v.save()
}

func (v *FileVault) entryFor(name string, rec record) Entry {
	if rec.Meta != nil {
		e := *rec.Meta
		e.Name = name
		return e
	}
	e := Entry{Name: name, Label: humanize(name), Kind: KindOther, Policy: PolicyAsk}
	if v.opts.Labeler != nil {
		if label, kind, ok := v.opts.Labeler(name); ok {
			e.Label, e.Kind = label, kind
		}
	}
	return e
}

// isInternal hides bookkeeping keys such as the TOTP secret.
func isInternal(name string) bool {
	return strings.HasPrefix(name, "__")
}
