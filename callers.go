package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// API keys read rk_<id>.<secret>. The id is public and picks the directory
// entry; only the secret is hashed, with HMAC-SHA256 keyed by a per-entry
// salt. Stored hashes read <id>:<salt>:<mac>.
const (
	apiKeyPrefix    = "rk_"
	apiKeyIDBytes   = 4
	apiKeySaltBytes = 16
)

// Caller is an authenticated API client. The account is what the ledger's
// role checks compare against.
type Caller struct {
	Name    string
	Account AccountID
}

type callerEntry struct {
	caller Caller
	salt   string
	mac    []byte
}

// CallerDirectory resolves API keys to callers.
type CallerDirectory struct {
	byID map[string]callerEntry
}

func NewCallerDirectory(configs []CallerConfig) (*CallerDirectory, error) {
	dir := &CallerDirectory{byID: make(map[string]callerEntry, len(configs))}
	for _, cfg := range configs {
		account, ok := parseAccountID(cfg.Account)
		if !ok {
			return nil, fmt.Errorf("caller %s: invalid account %q", cfg.Name, cfg.Account)
		}
		id, salt, mac, ok := parseKeyHash(cfg.KeyHash)
		if !ok {
			return nil, fmt.Errorf("caller %s: key_hash must be id:salt:hash", cfg.Name)
		}
		if _, dup := dir.byID[id]; dup {
			return nil, fmt.Errorf("caller %s: key id %s is already in use", cfg.Name, id)
		}
		dir.byID[id] = callerEntry{caller: Caller{Name: cfg.Name, Account: account}, salt: salt, mac: mac}
	}
	return dir, nil
}

// Resolve returns the caller holding key.
func (d *CallerDirectory) Resolve(key string) (Caller, bool) {
	id, secret, ok := splitAPIKey(strings.TrimSpace(key))
	if !ok {
		return Caller{}, false
	}
	entry, ok := d.byID[id]
	if !ok {
		return Caller{}, false
	}
	if !hmac.Equal(keyMAC(entry.salt, secret), entry.mac) {
		return Caller{}, false
	}
	return entry.caller, true
}

func (d *CallerDirectory) Len() int {
	return len(d.byID)
}

func splitAPIKey(key string) (id string, secret string, ok bool) {
	rest, found := strings.CutPrefix(key, apiKeyPrefix)
	if !found {
		return "", "", false
	}
	id, secret, found = strings.Cut(rest, ".")
	if !found || !isKeyID(id) || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

func isKeyID(id string) bool {
	if len(id) != hex.EncodedLen(apiKeyIDBytes) {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

func parseKeyHash(stored string) (id string, salt string, mac []byte, ok bool) {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 || !isKeyID(parts[0]) || parts[1] == "" {
		return "", "", nil, false
	}
	mac, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(mac) != sha256.Size {
		return "", "", nil, false
	}
	return parts[0], parts[1], mac, true
}

func keyMAC(salt string, secret string) []byte {
	h := hmac.New(sha256.New, []byte(salt))
	h.Write([]byte(secret))
	return h.Sum(nil)
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// newAPIKey mints a key under a fresh id and returns it with its stored hash.
func newAPIKey() (key string, keyHash string, err error) {
	id, err := randomBytes(apiKeyIDBytes)
	if err != nil {
		return "", "", err
	}
	secret, err := randomBytes(32)
	if err != nil {
		return "", "", err
	}
	key = apiKeyPrefix + hex.EncodeToString(id) + "." + base64.RawURLEncoding.EncodeToString(secret)
	keyHash, err = hashAPIKey(key)
	return key, keyHash, err
}

// hashAPIKey returns the stored form of key under a fresh salt.
func hashAPIKey(key string) (string, error) {
	id, secret, ok := splitAPIKey(key)
	if !ok {
		return "", fmt.Errorf("%w: api key must be %s<id>.<secret>", ErrMalformedInput, apiKeyPrefix)
	}
	salt, err := randomBytes(apiKeySaltBytes)
	if err != nil {
		return "", err
	}
	encodedSalt := base64.RawURLEncoding.EncodeToString(salt)
	mac := base64.RawURLEncoding.EncodeToString(keyMAC(encodedSalt, secret))
	return id + ":" + encodedSalt + ":" + mac, nil
}
