package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	callerKeyPrefix = "rk_"
	callerIDBytes   = 4
	callerKeyBytes  = 32
)

type callerEntry struct {
	Name    string `yaml:"name"`
	Account string `yaml:"account"`
	KeyHash string `yaml:"key_hash"`
}

// Mints an API key for a ledger caller and prints the config entry that
// authorizes it. Usage: go run scripts/caller_key.go NAME ACCOUNT
func main() {
	if len(os.Args) != 3 {
		fmt.Println("usage: caller_key NAME ACCOUNT")
		os.Exit(1)
	}
	name := strings.TrimSpace(os.Args[1])
	account := strings.TrimSpace(os.Args[2])
	if name == "" || account == "" {
		fmt.Println("NAME and ACCOUNT are required")
		os.Exit(1)
	}

	key, hash, err := mintKey()
	if err != nil {
		fmt.Println("Failed to generate key")
		os.Exit(1)
	}

	entry, err := yaml.Marshal([]callerEntry{{Name: name, Account: account, KeyHash: hash}})
	if err != nil {
		fmt.Println("Failed to render config entry")
		os.Exit(1)
	}

	fmt.Printf("API key (give to %s, shown once): %s\n\n", name, key)
	fmt.Println("Add under callers: in rewardd.yaml:")
	fmt.Print(string(entry))
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// mintKey returns rk_<id>.<secret> and the id:salt:mac entry rewardd checks
// it against.
func mintKey() (string, string, error) {
	id, err := randomBytes(callerIDBytes)
	if err != nil {
		return "", "", err
	}
	secret, err := randomBytes(callerKeyBytes)
	if err != nil {
		return "", "", err
	}
	salt, err := randomBytes(16)
	if err != nil {
		return "", "", err
	}

	keyID := hex.EncodeToString(id)
	encodedSecret := base64.RawURLEncoding.EncodeToString(secret)
	encodedSalt := base64.RawURLEncoding.EncodeToString(salt)

	mac := hmac.New(sha256.New, []byte(encodedSalt))
	mac.Write([]byte(encodedSecret))

	key := callerKeyPrefix + keyID + "." + encodedSecret
	hash := keyID + ":" + encodedSalt + ":" + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return key, hash, nil
}
