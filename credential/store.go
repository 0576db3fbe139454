package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// Stored keys live in the XDG data directory:
//
//	$XDG_DATA_HOME/doctranslate/keys.json  (default: ~/.local/share/doctranslate/keys.json)
//
// The file is written with 0600 permissions. Lookup order for keys is:
//  1. --api-key flag
//  2. GEMINI_API_KEY / GEMINI_API_KEYS environment variables
//  3. this file
const (
	dataDirName = "doctranslate"
	fileName    = "keys.json"
)

// storedKeys is the on-disk shape of keys.json.
type storedKeys struct {
	Keys []string `json:"keys"`
}

// ---------------------------------------------------------------------------
// File path
// ---------------------------------------------------------------------------

func dataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, dataDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", dataDirName), nil
}

// FilePath returns the keys.json path for display purposes.
func FilePath() string {
	dir, err := dataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, fileName)
}

// ---------------------------------------------------------------------------
// Load / Save
// ---------------------------------------------------------------------------

// LoadStored returns the stored keys. A missing or unreadable file yields nil.
func LoadStored() []string {
	path := FilePath()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var s storedKeys
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return s.Keys
}

func saveStored(keys []string) error {
	path := FilePath()
	if path == "" {
		return fmt.Errorf("cannot determine data directory")
	}

	data, err := json.MarshalIndent(storedKeys{Keys: keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling keys: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing keys file: %w", err)
	}
	return nil
}

// AddStored appends keys to the stored list, skipping duplicates.
// It returns the number of keys actually added.
func AddStored(keys ...string) (int, error) {
	stored := LoadStored()
	added := 0
	for _, k := range keys {
		if k == "" || slices.Contains(stored, k) {
			continue
		}
		stored = append(stored, k)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	return added, saveStored(stored)
}

// RemoveStored deletes the stored key at the 1-based position n.
func RemoveStored(n int) error {
	stored := LoadStored()
	if n < 1 || n > len(stored) {
		return fmt.Errorf("no stored key #%d (have %d)", n, len(stored))
	}
	stored = slices.Delete(stored, n-1, n)
	return saveStored(stored)
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// Resolve picks the key list for a run: the flag value wins, then the single
// environment key, then the comma-separated environment list, then the
// stored keys.
func Resolve(flag, envKey, envKeys string) []string {
	for _, raw := range []string{flag, envKey, envKeys} {
		if keys := ParseKeys(raw); len(keys) > 0 {
			return keys
		}
	}
	return LoadStored()
}
