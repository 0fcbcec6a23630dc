// Package catalog resolves a device serial number's product name, general
// key, and friendly display name against an external static catalog file
// (§6 ECOFLOW_DEVICES_JSON), matched by SN prefix. It is a stub collaborator
// per spec §1's non-goals: no network access, no live device discovery.
package catalog

import (
	"encoding/json"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Entry is one devices.json record.
type Entry struct {
	SN         string `json:"sn"`
	Name       string `json:"name"`
	GeneralKey string `json:"generalKey"`
}

// Catalog is an immutable, loaded-once set of SN-prefix entries.
type Catalog struct {
	entries []Entry
	log     *zap.Logger
}

// Load reads and parses path. A missing file yields an empty Catalog (not
// an error): the catalog is an optional enrichment source, per
// original_source/ecoflow/devices.py's FileNotFoundError handling.
func Load(path string) (*Catalog, error) {
	log := zap.L()
	if path == "" {
		return &Catalog{log: log}, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warn("catalog: devices.json not found, proceeding without one", zap.String("path", path))
		return &Catalog{log: log}, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Error("catalog: failed to parse devices.json", zap.Error(err))
		return &Catalog{log: log}, nil
	}
	log.Info("catalog: loaded device definitions", zap.Int("count", len(entries)))
	return &Catalog{entries: entries, log: log}, nil
}

func (c *Catalog) match(sn string) (Entry, bool) {
	for _, e := range c.entries {
		if e.SN != "" && strings.HasPrefix(sn, e.SN) {
			return e, true
		}
	}
	return Entry{}, false
}

// ProductName returns the catalog's name for sn's matching prefix entry.
func (c *Catalog) ProductName(sn string) (string, bool) {
	e, ok := c.match(sn)
	if !ok || e.Name == "" {
		return "", false
	}
	return e.Name, true
}

// GeneralKey returns the catalog's general key for sn's matching prefix
// entry, defaulting to "unknown" when sn matches no entry or the matched
// entry omits one.
func (c *Catalog) GeneralKey(sn string) string {
	e, ok := c.match(sn)
	if !ok || e.GeneralKey == "" {
		return "unknown"
	}
	return e.GeneralKey
}

// DeviceName builds a friendly display name: if apiName differs from sn it
// is used as-is; otherwise the matched catalog entry's name is combined with
// the serial's last 4 characters ("<name>-<last4>"); failing that, sn
// itself is returned.
func (c *Catalog) DeviceName(sn, apiName string) string {
	if apiName != "" && apiName != sn {
		return apiName
	}
	if e, ok := c.match(sn); ok && e.Name != "" {
		suffix := sn
		if len(sn) >= 4 {
			suffix = sn[len(sn)-4:]
		}
		return e.Name + "-" + suffix
	}
	return sn
}
