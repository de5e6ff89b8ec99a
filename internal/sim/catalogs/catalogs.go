package catalogs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"plotrelay.dev/internal/sim/growth"
)

// CropCatalog is the crop metadata published by a content pack.
type CropCatalog struct {
	ByID   map[string]CropDef
	Digest string
	// Skipped counts entries dropped as malformed.
	Skipped int
}

type CropDef struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	TotalStages      int    `json:"total_stages"`
	HarvestStage     *int   `json:"harvest_stage,omitempty"`
	StageDurationSec int64  `json:"stage_duration_sec,omitempty"`
}

func (d CropDef) Meta() growth.CropMeta {
	return growth.CropMeta{
		TotalStages:      d.TotalStages,
		HarvestStage:     d.HarvestStage,
		StageDurationSec: d.StageDurationSec,
	}
}

type cropsFile struct {
	Crops []json.RawMessage `json:"crops"`
}

const maxCatalogBytes = 4 << 20

// Load reads crops.json from a file path or an http(s) URL.
func Load(ctx context.Context, source string) (*CropCatalog, error) {
	var (
		raw []byte
		err error
	)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		raw, err = fetch(ctx, source)
	} else {
		raw, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crops.json: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crops.json: %s: %s", url, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
}

// Parse decodes a crops.json document. Entries without an id or with a
// non-positive stage count are skipped, not fatal.
func Parse(raw []byte) (*CropCatalog, error) {
	var f cropsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("crops.json: %w", err)
	}
	c := &CropCatalog{ByID: map[string]CropDef{}, Digest: sha256Hex(raw)}
	for _, entry := range f.Crops {
		var d CropDef
		if err := json.Unmarshal(entry, &d); err != nil || d.ID == "" || d.TotalStages <= 0 {
			c.Skipped++
			continue
		}
		c.ByID[d.ID] = d
	}
	return c, nil
}

// Crop returns growth metadata for id. A nil catalog knows no crops.
func (c *CropCatalog) Crop(id string) (growth.CropMeta, bool) {
	if c == nil {
		return growth.CropMeta{}, false
	}
	d, ok := c.ByID[id]
	if !ok {
		return growth.CropMeta{}, false
	}
	return d.Meta(), true
}

func (c *CropCatalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.ByID))
	for id := range c.ByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
