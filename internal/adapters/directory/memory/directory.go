// Package memory es un directorio de practicantes en memoria, sembrado desde
// un archivo (YAML/JSON) en dev y en tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"patient-access/internal/ports/directory"

	"github.com/spf13/viper"
)

type Directory struct {
	mu     sync.RWMutex
	byID   map[string]directory.Practitioner
	byUser map[string]string
}

var _ directory.Directory = (*Directory)(nil)

func New(seed ...directory.Practitioner) *Directory {
	d := &Directory{
		byID:   make(map[string]directory.Practitioner),
		byUser: make(map[string]string),
	}
	for _, p := range seed {
		d.Upsert(p)
	}
	return d
}

// Upsert reemplaza el practicante completo, membresías incluidas.
func (d *Directory) Upsert(p directory.Practitioner) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.byID[p.ID]; ok && prev.UserID != "" {
		delete(d.byUser, prev.UserID)
	}
	d.byID[p.ID] = clonePractitioner(p)
	if p.UserID != "" {
		d.byUser[p.UserID] = p.ID
	}
}

func (d *Directory) GetPractitioner(ctx context.Context, id string) (directory.Practitioner, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.byID[strings.TrimSpace(id)]
	if !ok {
		return directory.Practitioner{}, directory.ErrNotFound
	}
	return clonePractitioner(p), nil
}

func (d *Directory) FindByUserID(ctx context.Context, userID string) (directory.Practitioner, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byUser[strings.TrimSpace(userID)]
	if !ok {
		return directory.Practitioner{}, directory.ErrNotFound
	}
	return clonePractitioner(d.byID[id]), nil
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// LoadSeedFile lee la clave "practitioners" de un archivo yaml/json.
func LoadSeedFile(path string) ([]directory.Practitioner, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read directory seed %s: %w", path, err)
	}

	var out []directory.Practitioner
	if err := v.UnmarshalKey("practitioners", &out); err != nil {
		return nil, fmt.Errorf("decode directory seed %s: %w", path, err)
	}
	for i, p := range out {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("directory seed %s: practitioner #%d without id", path, i)
		}
	}
	return out, nil
}

func clonePractitioner(p directory.Practitioner) directory.Practitioner {
	p.Memberships = append([]directory.Membership(nil), p.Memberships...)
	return p
}
