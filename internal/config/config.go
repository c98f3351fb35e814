// Package config holds the settings of the lblcsv command.
//
// Values are resolved in the order built-in defaults, YAML config file, environment (LBLCSV_*,
// optionally from a .env file) and finally command-line flags, which are applied by the caller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of the environment variables read by Load.
const EnvPrefix = "LBLCSV"

// Input and output formats.
const (
	FormatVOC      = "voc"
	FormatCSV      = "csv"
	FormatTFRecord = "tfrecord"
	FormatNone     = "none"
)

// Config is the complete configuration of a conversion run.
type Config struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`

	Labels    string `mapstructure:"labels"`
	Images    string `mapstructure:"images"`
	LabelsOut string `mapstructure:"labels_out"`
	Split     string `mapstructure:"split"`
	Seed      int64  `mapstructure:"seed"`
	LogMode   string `mapstructure:"log_mode"`

	Classes  ClassesConfig  `mapstructure:"classes"`
	VOC      VOCConfig      `mapstructure:"voc"`
	Filter   FilterConfig   `mapstructure:"filter"`
	Bbox     BboxConfig     `mapstructure:"bbox"`
	Image    ImageConfig    `mapstructure:"image"`
	TFRecord TFRecordConfig `mapstructure:"tfrecord"`
}

// ClassesConfig controls the class list output.
type ClassesConfig struct {
	Out  string `mapstructure:"out"`
	Sort bool   `mapstructure:"sort"`
}

// VOCConfig controls the conversion of VOC input.
type VOCConfig struct {
	FirstObjectOnly bool `mapstructure:"first_object_only"`
	DropEmpty       bool `mapstructure:"drop_empty"`
}

// FilterConfig holds the label mappings and annotation filters.
type FilterConfig struct {
	Labels         string  `mapstructure:"labels"`
	MapLabels      string  `mapstructure:"map_labels"`
	SkipDifficult  bool    `mapstructure:"skip_difficult"`
	RequireLabel   bool    `mapstructure:"require_label"`
	MinBboxWidth   float64 `mapstructure:"min_bbox_width"`
	MinBboxHeight  float64 `mapstructure:"min_bbox_height"`
	MinAspectRatio float64 `mapstructure:"min_bbox_aspect_ratio"`
	MaxAspectRatio float64 `mapstructure:"max_bbox_aspect_ratio"`
}

// BboxConfig holds the bounding box transformations.
type BboxConfig struct {
	Clip        bool    `mapstructure:"clip"`
	ScaleX      float64 `mapstructure:"scale_x"`
	ScaleY      float64 `mapstructure:"scale_y"`
	AspectRatio float64 `mapstructure:"aspect_ratio"`
}

// ImageConfig controls image resizing and object cropping.
type ImageConfig struct {
	OutDir             string `mapstructure:"out"`
	Encoding           string `mapstructure:"enc"`
	ResizeLonger       int    `mapstructure:"resize_longer"`
	ResizeShorter      int    `mapstructure:"resize_shorter"`
	DownsamplingFilter string `mapstructure:"downsample_filter"`
	UpsamplingFilter   string `mapstructure:"upsample_filter"`
	JPEGQuality        int    `mapstructure:"jpeg_quality"`
	CropObjects        bool   `mapstructure:"crop_objects"`
}

// TFRecordConfig controls TFRecord output.
type TFRecordConfig struct {
	LabelMapFile string `mapstructure:"label_map_file"`
	NumShards    int    `mapstructure:"num_shards"`
}

// Load reads the configuration. An empty configPath skips the config file; envFile, if not
// empty, is loaded into the environment first and may be missing.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		// Variables already present in the environment take precedence over the file.
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %q: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindFlagEnv(v); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// flagNames maps nested config keys to the command-line flag setting them.
var flagNames = map[string]string{
	"classes.out":                  "classes-out",
	"classes.sort":                 "sort-classes",
	"voc.first_object_only":        "first-object-only",
	"voc.drop_empty":               "drop-empty",
	"filter.labels":                "filter-labels",
	"filter.map_labels":            "map-labels",
	"filter.skip_difficult":        "skip-difficult",
	"filter.require_label":         "require-label",
	"filter.min_bbox_width":        "min-bbox-width",
	"filter.min_bbox_height":       "min-bbox-height",
	"filter.min_bbox_aspect_ratio": "min-bbox-aspect-ratio",
	"filter.max_bbox_aspect_ratio": "max-bbox-aspect-ratio",
	"bbox.clip":                    "clip",
	"bbox.scale_x":                 "bbox-scale-x",
	"bbox.scale_y":                 "bbox-scale-y",
	"bbox.aspect_ratio":            "bbox-aspect-ratio",
	"image.out":                    "images-out",
	"image.enc":                    "image-enc",
	"image.resize_longer":          "resize-longer",
	"image.resize_shorter":         "resize-shorter",
	"image.downsample_filter":      "downsample-filter",
	"image.upsample_filter":        "upsample-filter",
	"image.jpeg_quality":           "jpeg-quality",
	"image.crop_objects":           "crop-objects",
	"tfrecord.label_map_file":      "tfrecord-label-map-file",
	"tfrecord.num_shards":          "num-shards",
}

// FlagEnv returns the environment variable for a command-line flag, e.g. LBLCSV_SORT_CLASSES for
// -sort-classes.
func FlagEnv(flag string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// bindFlagEnv binds the nested keys to the flag named variables. The key derived names (e.g.
// LBLCSV_CLASSES_SORT) are accepted as well.
func bindFlagEnv(v *viper.Viper) error {
	for key, flag := range flagNames {
		keyEnv := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, FlagEnv(flag), keyEnv); err != nil {
			return fmt.Errorf("failed to bind environment for %q: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("from", d.From)
	v.SetDefault("to", d.To)
	v.SetDefault("labels", d.Labels)
	v.SetDefault("images", d.Images)
	v.SetDefault("labels_out", d.LabelsOut)
	v.SetDefault("split", d.Split)
	v.SetDefault("seed", d.Seed)
	v.SetDefault("log_mode", d.LogMode)

	v.SetDefault("classes.out", d.Classes.Out)
	v.SetDefault("classes.sort", d.Classes.Sort)

	v.SetDefault("voc.first_object_only", d.VOC.FirstObjectOnly)
	v.SetDefault("voc.drop_empty", d.VOC.DropEmpty)

	v.SetDefault("filter.labels", d.Filter.Labels)
	v.SetDefault("filter.map_labels", d.Filter.MapLabels)
	v.SetDefault("filter.skip_difficult", d.Filter.SkipDifficult)
	v.SetDefault("filter.require_label", d.Filter.RequireLabel)
	v.SetDefault("filter.min_bbox_width", d.Filter.MinBboxWidth)
	v.SetDefault("filter.min_bbox_height", d.Filter.MinBboxHeight)
	v.SetDefault("filter.min_bbox_aspect_ratio", d.Filter.MinAspectRatio)
	v.SetDefault("filter.max_bbox_aspect_ratio", d.Filter.MaxAspectRatio)

	v.SetDefault("bbox.clip", d.Bbox.Clip)
	v.SetDefault("bbox.scale_x", d.Bbox.ScaleX)
	v.SetDefault("bbox.scale_y", d.Bbox.ScaleY)
	v.SetDefault("bbox.aspect_ratio", d.Bbox.AspectRatio)

	v.SetDefault("image.out", d.Image.OutDir)
	v.SetDefault("image.enc", d.Image.Encoding)
	v.SetDefault("image.resize_longer", d.Image.ResizeLonger)
	v.SetDefault("image.resize_shorter", d.Image.ResizeShorter)
	v.SetDefault("image.downsample_filter", d.Image.DownsamplingFilter)
	v.SetDefault("image.upsample_filter", d.Image.UpsamplingFilter)
	v.SetDefault("image.jpeg_quality", d.Image.JPEGQuality)
	v.SetDefault("image.crop_objects", d.Image.CropObjects)

	v.SetDefault("tfrecord.label_map_file", d.TFRecord.LabelMapFile)
	v.SetDefault("tfrecord.num_shards", d.TFRecord.NumShards)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		From:    FormatVOC,
		To:      FormatCSV,
		Split:   "100",
		LogMode: "debug",
		Bbox: BboxConfig{
			ScaleX: 1,
			ScaleY: 1,
		},
		Image: ImageConfig{
			Encoding:           "jpg",
			DownsamplingFilter: "box",
			UpsamplingFilter:   "linear",
			JPEGQuality:        90,
		},
		TFRecord: TFRecordConfig{
			NumShards: 1,
		},
	}
}

// LabelOutPaths returns the comma-separated LabelsOut paths.
func (c *Config) LabelOutPaths() []string {
	return splitList(c.LabelsOut)
}

// FilterLabels returns the comma-separated labels to keep.
func (c *Config) FilterLabels() []string {
	return splitList(c.Filter.Labels)
}

// LabelMappings returns the comma-separated old=new label mappings.
func (c *Config) LabelMappings() []string {
	return splitList(c.Filter.MapLabels)
}

// CumulativeSplits parses Split as cumulative int percentages.
func (c *Config) CumulativeSplits() ([]int, error) {
	var splits []int
	var sum int
	for _, v := range strings.Split(c.Split, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || i < 0 || i > 100 {
			return nil, fmt.Errorf("invalid value in -split: %q", v)
		}
		sum += i
		splits = append(splits, sum)
	}
	if sum != 100 {
		return nil, fmt.Errorf("the values in -split must add up to 100%%")
	}
	return splits, nil
}

// Validate checks the configuration for consistency and cleans its paths.
func (c *Config) Validate() error {
	switch c.From {
	case FormatVOC, FormatCSV:
	default:
		return fmt.Errorf("unsupported input format %q", c.From)
	}
	switch c.To {
	case FormatCSV, FormatTFRecord, FormatNone:
	default:
		return fmt.Errorf("unsupported output format %q", c.To)
	}

	if c.Labels == "" {
		return fmt.Errorf("missing label input path argument")
	}
	c.Labels = filepath.Clean(c.Labels)
	if c.Images != "" {
		c.Images = filepath.Clean(c.Images)
	}

	outPaths := c.LabelOutPaths()
	if c.To == FormatNone {
		if len(outPaths) > 0 {
			return fmt.Errorf("-labels-out is not used with output format %q", FormatNone)
		}
		if c.Classes.Out == "" {
			return fmt.Errorf("output format %q requires -classes-out", FormatNone)
		}
	} else {
		if len(outPaths) == 0 {
			return fmt.Errorf("missing label output path argument")
		}
		splits, err := c.CumulativeSplits()
		if err != nil {
			return err
		}
		if len(splits) != len(outPaths) {
			return fmt.Errorf("the number of output datasets defined by -split and the number of" +
				" paths in -labels-out must match")
		}
		for i, p := range outPaths {
			outPaths[i] = filepath.Clean(p)
			if outPaths[i] == c.Labels {
				return fmt.Errorf("the label input and output paths cannot be identical")
			}
		}
		c.LabelsOut = strings.Join(outPaths, ",")
	}

	if c.Classes.Out != "" {
		c.Classes.Out = filepath.Clean(c.Classes.Out)
		if c.Classes.Out == c.Labels {
			return fmt.Errorf("the label input and class list paths cannot be identical")
		}
	}

	if c.Bbox.ScaleX <= 0 || c.Bbox.ScaleY <= 0 {
		return fmt.Errorf("invalid bounding box scale factor")
	}
	if c.Bbox.AspectRatio < 0 {
		return fmt.Errorf("invalid value for -bbox-aspect-ratio")
	}

	if (c.Image.ResizeLonger > 0 || c.Image.ResizeShorter > 0 || c.Image.CropObjects) &&
		c.Image.OutDir == "" {
		return fmt.Errorf("missing image output directory path")
	}
	if c.Image.OutDir != "" {
		c.Image.OutDir = filepath.Clean(c.Image.OutDir)
		if c.Images != "" && c.Images == c.Image.OutDir {
			return fmt.Errorf("the image input and output paths cannot be identical")
		}
	}
	if c.Image.JPEGQuality < 1 || c.Image.JPEGQuality > 100 {
		return fmt.Errorf("invalid -jpeg-quality, must be in [1, 100]: %d", c.Image.JPEGQuality)
	}

	if c.To == FormatTFRecord && c.TFRecord.NumShards < 1 {
		return fmt.Errorf("invalid -num-shards: %d", c.TFRecord.NumShards)
	}
	if c.TFRecord.LabelMapFile != "" {
		c.TFRecord.LabelMapFile = filepath.Clean(c.TFRecord.LabelMapFile)
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

