package catalogs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"plotrelay.dev/internal/sim/growth"
)

const sample = `{"crops":[
  {"id":"carrot","total_stages":4,"harvest_stage":2,"stage_duration_sec":100},
  {"id":"","total_stages":3},
  {"id":"ghost","total_stages":0},
  {"id":"weird","total_stages":"many"},
  {"id":"radish","total_stages":3}
]}`

func TestParse_SkipsMalformedEntries(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(c.ByID) != 2 || c.Skipped != 3 {
		t.Fatalf("expected 2 crops and 3 skipped, got %v skipped=%d", c.IDs(), c.Skipped)
	}
	meta, ok := c.Crop("carrot")
	if !ok || meta.TotalStages != 4 || meta.HarvestStage == nil || *meta.HarvestStage != 2 || meta.StageDurationSec != 100 {
		t.Fatalf("carrot meta: %+v ok=%v", meta, ok)
	}
	if _, ok := c.Crop("ghost"); ok {
		t.Fatalf("zero-stage crop must be skipped")
	}
	if c.Digest == "" {
		t.Fatalf("missing digest")
	}
}

func TestParse_RejectsBrokenDocument(t *testing.T) {
	if _, err := Parse([]byte(`{"crops":`)); err == nil {
		t.Fatalf("expected error for truncated document")
	}
}

func TestCrop_ReadyTimes(t *testing.T) {
	c, _ := Parse([]byte(sample))
	carrot, _ := c.Crop("carrot")
	if at := growth.ReadyAt(1000, carrot); at != 1200 {
		t.Fatalf("carrot ready at %d", at)
	}
	radish, _ := c.Crop("radish")
	if at := growth.ReadyAt(0, radish); at != 600 {
		t.Fatalf("radish uses default duration, ready at %d", at)
	}
	if _, ok := c.Crop("unknown"); ok {
		t.Fatalf("unknown crop must not resolve")
	}
	var nilCat *CropCatalog
	if _, ok := nilCat.Crop("carrot"); ok {
		t.Fatalf("nil catalog must know nothing")
	}
}

func TestLoad_FileAndHTTP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crops.json")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fromFile, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pack/crops.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()

	fromHTTP, err := Load(context.Background(), srv.URL+"/pack/crops.json")
	if err != nil {
		t.Fatalf("load http: %v", err)
	}
	if fromFile.Digest != fromHTTP.Digest {
		t.Fatalf("digest mismatch between sources")
	}
	if _, err := Load(context.Background(), srv.URL+"/missing.json"); err == nil {
		t.Fatalf("expected error for 404")
	}
}

func TestLoad_RepoCatalog(t *testing.T) {
	c, err := Load(context.Background(), filepath.Join("..", "..", "..", "configs", "crops.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, id := range []string{"carrot", "wheat", "potato", "pumpkin"} {
		if _, ok := c.Crop(id); !ok {
			t.Fatalf("missing %s", id)
		}
	}
}
