package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("Load(\"\", \"\") = %+v, expected %+v", cfg, Default())
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "lblcsv.yaml")
	yaml := "from: csv\nlabels: in.csv\nlabels_out: out.csv\nclasses:\n  out: classes.csv\n  sort: true\n" +
		"image:\n  jpeg_quality: 75\n"
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("LBLCSV_SEED=42\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LBLCSV_LABELS_OUT", "env.csv")
	t.Cleanup(func() { _ = os.Unsetenv("LBLCSV_SEED") })

	cfg, err := Load(configPath, envPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.From != FormatCSV {
		t.Errorf("Expected from %q, got %q", FormatCSV, cfg.From)
	}
	if cfg.Labels != "in.csv" {
		t.Errorf("Expected labels %q, got %q", "in.csv", cfg.Labels)
	}
	if cfg.LabelsOut != "env.csv" {
		t.Errorf("Expected the environment to override labels_out, got %q", cfg.LabelsOut)
	}
	if cfg.Seed != 42 {
		t.Errorf("Expected seed 42 from the env file, got %d", cfg.Seed)
	}
	if !cfg.Classes.Sort || cfg.Classes.Out != "classes.csv" {
		t.Errorf("Unexpected classes config %+v", cfg.Classes)
	}
	if cfg.Image.JPEGQuality != 75 {
		t.Errorf("Expected jpeg quality 75, got %d", cfg.Image.JPEGQuality)
	}
	if cfg.Image.UpsamplingFilter != "linear" {
		t.Errorf("Expected default upsample filter, got %q", cfg.Image.UpsamplingFilter)
	}
}

func TestLoadFlagNamedEnv(t *testing.T) {
	t.Setenv("LBLCSV_FIRST_OBJECT_ONLY", "true")
	t.Setenv("LBLCSV_SORT_CLASSES", "true")
	t.Setenv("LBLCSV_SKIP_DIFFICULT", "1")
	t.Setenv("LBLCSV_IMAGES_OUT", "crops")
	t.Setenv("LBLCSV_NUM_SHARDS", "4")
	t.Setenv("LBLCSV_BBOX_SCALE_X", "1.5")
	t.Setenv("LBLCSV_DROP_EMPTY", "true")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.VOC.FirstObjectOnly || !cfg.VOC.DropEmpty {
		t.Errorf("Unexpected VOC config %+v", cfg.VOC)
	}
	if !cfg.Classes.Sort {
		t.Error("Expected LBLCSV_SORT_CLASSES to set classes.sort")
	}
	if !cfg.Filter.SkipDifficult {
		t.Error("Expected LBLCSV_SKIP_DIFFICULT to set filter.skip_difficult")
	}
	if cfg.Image.OutDir != "crops" {
		t.Errorf("Expected image out dir %q, got %q", "crops", cfg.Image.OutDir)
	}
	if cfg.TFRecord.NumShards != 4 {
		t.Errorf("Expected 4 shards, got %d", cfg.TFRecord.NumShards)
	}
	if cfg.Bbox.ScaleX != 1.5 {
		t.Errorf("Expected scale x 1.5, got %v", cfg.Bbox.ScaleX)
	}
}

func TestLoadKeyNamedEnv(t *testing.T) {
	t.Setenv("LBLCSV_CLASSES_SORT", "true")
	t.Setenv("LBLCSV_IMAGE_JPEG_QUALITY", "60")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Classes.Sort || cfg.Image.JPEGQuality != 60 {
		t.Errorf("Expected key named variables to apply, got sort=%v quality=%d", cfg.Classes.Sort,
			cfg.Image.JPEGQuality)
	}
}

func TestFlagEnv(t *testing.T) {
	tests := []struct {
		flag, expected string
	}{
		{"sort-classes", "LBLCSV_SORT_CLASSES"},
		{"tfrecord-label-map-file", "LBLCSV_TFRECORD_LABEL_MAP_FILE"},
		{"clip", "LBLCSV_CLIP"},
	}
	for _, tt := range tests {
		if result := FlagEnv(tt.flag); result != tt.expected {
			t.Errorf("FlagEnv(%q) = %q, expected %q", tt.flag, result, tt.expected)
		}
	}
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load("", filepath.Join(dir, ".env")); err != nil {
		t.Errorf("A missing env file must be ignored, got %v", err)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml"), ""); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}

func TestCumulativeSplits(t *testing.T) {
	tests := []struct {
		split    string
		expected []int
		wantErr  bool
	}{
		{"100", []int{100}, false},
		{"80,20", []int{80, 100}, false},
		{"70, 20, 10", []int{70, 90, 100}, false},
		{"50,40", nil, true},
		{"abc", nil, true},
		{"120,-20", nil, true},
	}

	for _, tt := range tests {
		cfg := Default()
		cfg.Split = tt.split
		result, err := cfg.CumulativeSplits()
		if (err != nil) != tt.wantErr {
			t.Errorf("CumulativeSplits(%q) error = %v, expected error %v", tt.split, err, tt.wantErr)
			continue
		}
		if !reflect.DeepEqual(result, tt.expected) {
			t.Errorf("CumulativeSplits(%q) = %v, expected %v", tt.split, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Labels = "annotations/"
		cfg.LabelsOut = "out/train.csv"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown input format", func(c *Config) { c.From = "kitti" }, true},
		{"unknown output format", func(c *Config) { c.To = "sloth" }, true},
		{"missing labels", func(c *Config) { c.Labels = "" }, true},
		{"missing output", func(c *Config) { c.LabelsOut = "" }, true},
		{"split mismatch", func(c *Config) { c.Split = "80,20" }, true},
		{"split match", func(c *Config) { c.Split = "80,20"; c.LabelsOut = "a.csv,b.csv" }, false},
		{"same in and out", func(c *Config) { c.LabelsOut = "annotations" }, true},
		{"classes only", func(c *Config) {
			c.To = FormatNone
			c.LabelsOut = ""
			c.Classes.Out = "classes.csv"
		}, false},
		{"classes only without class output", func(c *Config) {
			c.To = FormatNone
			c.LabelsOut = ""
		}, true},
		{"bad scale", func(c *Config) { c.Bbox.ScaleX = 0 }, true},
		{"bad aspect ratio", func(c *Config) { c.Bbox.AspectRatio = -1 }, true},
		{"crop without output dir", func(c *Config) { c.Image.CropObjects = true }, true},
		{"same image dirs", func(c *Config) {
			c.Images = "img"
			c.Image.OutDir = "img/"
			c.Image.ResizeLonger = 100
		}, true},
		{"bad jpeg quality", func(c *Config) { c.Image.JPEGQuality = 0 }, true},
		{"bad shards", func(c *Config) { c.To = FormatTFRecord; c.TFRecord.NumShards = 0 }, true},
	}

	for _, tt := range tests {
		cfg := valid()
		tt.modify(cfg)
		err := cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, expected error %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestValidateCleansPaths(t *testing.T) {
	cfg := Default()
	cfg.Labels = "annotations/"
	cfg.LabelsOut = " out//train.csv , ./val.csv"
	cfg.Split = "80,20"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Labels != "annotations" {
		t.Errorf("Expected cleaned labels path, got %q", cfg.Labels)
	}
	expected := []string{"out/train.csv", "val.csv"}
	if paths := cfg.LabelOutPaths(); !reflect.DeepEqual(paths, expected) {
		t.Errorf("LabelOutPaths() = %v, expected %v", paths, expected)
	}
}
