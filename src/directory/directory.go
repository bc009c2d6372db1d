package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/square-key-labs/dialgo/src/logger"
)

// ErrNotFound is returned when a contact key does not exist.
var ErrNotFound = errors.New("contact not found")

var keyPattern = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeKey converts a display name to a directory key.
func NormalizeKey(name string) string {
	key := keyPattern.ReplaceAllString(strings.ToLower(name), "_")
	return strings.Trim(key, "_")
}

// Contact is one dialable entry.
type Contact struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Category string `json:"category"`
}

// Directory is an in-memory phone directory that syncs every mutation to a
// JSON file so contacts survive restarts. On first load it seeds from the
// provided key=phone map.
type Directory struct {
	log  *logger.Logger
	path string

	mu   sync.RWMutex
	data map[string]Contact
}

// Load opens the directory at path, seeding from seed when the file does
// not exist or cannot be read.
func Load(path string, seed map[string]string) *Directory {
	d := &Directory{
		log:  logger.WithPrefix("Directory"),
		path: path,
		data: make(map[string]Contact),
	}

	if raw, err := os.ReadFile(path); err == nil {
		var stored map[string]Contact
		if err := json.Unmarshal(raw, &stored); err == nil {
			for k, c := range stored {
				c.Key = k
				d.data[k] = c
			}
			d.log.Info("Loaded %d contacts from %s", len(d.data), path)
			return d
		}
		d.log.Warn("Failed to parse %s, reseeding", path)
	}

	for key, phone := range seed {
		d.data[key] = Contact{
			Key:      key,
			Name:     titleFromKey(key),
			Phone:    phone,
			Category: "seed",
		}
	}
	d.save()
	d.log.Info("Seeded %d contacts", len(d.data))
	return d
}

// List returns all contacts sorted by display name.
func (d *Directory) List() []Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Contact, 0, len(d.data))
	for _, c := range d.data {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks up a single contact by key.
func (d *Directory) Get(key string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.data[key]
	if !ok {
		return Contact{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return c, nil
}

// Add inserts or replaces a contact and persists the change.
func (d *Directory) Add(name, phone, category string) Contact {
	if category == "" {
		category = "other"
	}
	c := Contact{
		Key:      NormalizeKey(name),
		Name:     strings.TrimSpace(name),
		Phone:    strings.TrimSpace(phone),
		Category: strings.ToLower(strings.TrimSpace(category)),
	}

	d.mu.Lock()
	d.data[c.Key] = c
	d.save()
	d.mu.Unlock()

	d.log.Info("Added contact: %s -> %s", c.Key, c.Phone)
	return c
}

// Delete removes a contact by key, persisting the change. Deleting an
// unknown key returns ErrNotFound.
func (d *Directory) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.data[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(d.data, key)
	d.save()
	d.log.Info("Deleted contact: %s", key)
	return nil
}

// Phones returns a flat key to phone map for intent resolution.
func (d *Directory) Phones() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.data))
	for k, c := range d.data {
		out[k] = c.Phone
	}
	return out
}

// save writes the directory to disk. Callers hold d.mu.
func (d *Directory) save() {
	raw, err := json.MarshalIndent(d.data, "", "  ")
	if err != nil {
		d.log.Error("Failed to encode directory: %v", err)
		return
	}
	if err := os.WriteFile(d.path, raw, 0o644); err != nil {
		d.log.Error("Failed to write %s: %v", d.path, err)
	}
}

func titleFromKey(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
