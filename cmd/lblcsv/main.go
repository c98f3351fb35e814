// Converts labelImg (Pascal VOC) XML annotations to the CSV format of csv based object detection
// training pipelines, derives the class list, and optionally writes TFRecord datasets.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sensorable/lblcsv/internal/config"
	"github.com/sensorable/lblcsv/internal/logging"
	"go.uber.org/zap"
)

// usage prints the per format options followed by the flag defaults.
func usage(fs *flag.FlagSet) func() {
	return func() {
		w := fs.Output()
		_, _ = fmt.Fprintf(w, "Usage of %s:\n", filepath.Base(os.Args[0]))
		_, _ = fmt.Fprintln(w, "  voc input options:\t\t-labels <dir> [-images <dir>]")
		_, _ = fmt.Fprintln(w, "  csv input options:\t\t-labels <file>")
		_, _ = fmt.Fprintln(w, "  csv output options:\t\t-labels-out <file>[,...] [-classes-out <file>]")
		_, _ = fmt.Fprintln(w, "  tfrecord output options:\t-labels-out <file>[,...]"+
			" [-tfrecord-label-map-file <file>] [-num-shards]")
		_, _ = fmt.Fprintln(w, "  none output options:\t\t-classes-out <file>")
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "  Every object is written as its own row; use -first-object-only for one row per"+
			" annotation file")
		_, _ = fmt.Fprintln(w)
		fs.PrintDefaults()
	}
}

// preParse extracts the -config and -env-file arguments, which determine the flag defaults.
func preParse(args []string) (configPath, envFile string) {
	envFile = ".env"
	for i := 0; i < len(args); i++ {
		name := strings.TrimLeft(args[i], "-")
		if name == args[i] || args[i] == "--" {
			break
		}
		value, hasValue := "", false
		if j := strings.IndexByte(name, '='); j >= 0 {
			name, value, hasValue = name[:j], name[j+1:], true
		}
		if name != "config" && name != "env-file" {
			continue
		}
		if !hasValue && i+1 < len(args) {
			i++
			value = args[i]
		}
		if name == "config" {
			configPath = value
		} else {
			envFile = value
		}
	}
	return configPath, envFile
}

// parseArgs resolves the configuration from defaults, config file, environment and args.
func parseArgs(args []string, output io.Writer) (*config.Config, error) {
	configPath, envFile := preParse(args)
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("lblcsv", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = usage(fs)

	// Config arguments, consumed by preParse.
	fs.String("config", configPath, "The YAML config file `path` providing flag defaults")
	fs.String("env-file", envFile, "The `path` to an optional .env file with LBLCSV_* variables")
	fs.StringVar(&cfg.LogMode, "log-mode", cfg.LogMode, "The log `mode` {debug, release}")

	// Format arguments.
	fs.StringVar(&cfg.From, "from", cfg.From, "The source `format` {voc, csv}")
	fs.StringVar(&cfg.To, "to", cfg.To, "The target `format` {csv, tfrecord, none}")

	// Path arguments.
	fs.StringVar(&cfg.Labels, "labels", cfg.Labels,
		"The `path` to the label input directory (voc) or file (csv)")
	fs.StringVar(&cfg.Labels, "img_folder_path", cfg.Labels, "Alias of -labels")
	fs.StringVar(&cfg.Images, "images", cfg.Images,
		"The image directory `path`; replaces the directory of the image paths recorded in the"+
			" labels (voc only)")
	fs.StringVar(&cfg.LabelsOut, "labels-out", cfg.LabelsOut,
		"The comma-separated paths (`path[,...]`) to the label output files; must be one path per"+
			" value in flag -split")
	fs.StringVar(&cfg.LabelsOut, "csv_file", cfg.LabelsOut, "Alias of -labels-out")
	fs.StringVar(&cfg.Split, "split", cfg.Split,
		"The comma-separated output split percentages (`percent[,...]`) to divide labels into;"+
			" must add up to 100%")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed,
		"The random `seed` for -split (zero seeds from the current time)")
	fs.StringVar(&cfg.Classes.Out, "classes-out", cfg.Classes.Out,
		"The class list output file `path` (class_name,id per line)")
	fs.BoolVar(&cfg.Classes.Sort, "sort-classes", cfg.Classes.Sort,
		"Sort the class list by name instead of the order of first appearance")
	fs.StringVar(&cfg.TFRecord.LabelMapFile, "tfrecord-label-map-file", cfg.TFRecord.LabelMapFile,
		"The TFRecord label map file `path`; existing IDs are kept")
	fs.IntVar(&cfg.TFRecord.NumShards, "num-shards", cfg.TFRecord.NumShards,
		"The number of shard files to create (tfrecord only)")

	// VOC arguments.
	fs.BoolVar(&cfg.VOC.FirstObjectOnly, "first-object-only", cfg.VOC.FirstObjectOnly,
		"Only convert the first object of each annotation file")
	fs.BoolVar(&cfg.VOC.DropEmpty, "drop-empty", cfg.VOC.DropEmpty,
		"Do not write rows for images without objects (csv only)")

	// Conversion and transformation arguments.
	fs.StringVar(&cfg.Filter.MapLabels, "map-labels", cfg.Filter.MapLabels,
		"Comma-separated list of old=new label (sub-)string replacements")
	fs.BoolVar(&cfg.Bbox.Clip, "clip", cfg.Bbox.Clip,
		"Clip bounding boxes to the image size recorded in the labels")
	fs.Float64Var(&cfg.Bbox.ScaleX, "bbox-scale-x", cfg.Bbox.ScaleX,
		"A scale factor for the width of all bounding boxes")
	fs.Float64Var(&cfg.Bbox.ScaleY, "bbox-scale-y", cfg.Bbox.ScaleY,
		"A scale factor for the height of all bounding boxes")
	fs.Float64Var(&cfg.Bbox.AspectRatio, "bbox-aspect-ratio", cfg.Bbox.AspectRatio,
		"The output aspect `ratio` for object bounding boxes; bounding boxes are grown (not shrunk)"+
			" to match this ratio when it is > 0")

	// Filter arguments.
	fs.StringVar(&cfg.Filter.Labels, "filter-labels", cfg.Filter.Labels,
		"Comma-separated list of labels to keep (after map-labels; empty string keeps all)")
	fs.BoolVar(&cfg.Filter.SkipDifficult, "skip-difficult", cfg.Filter.SkipDifficult,
		"Drop objects marked as difficult")
	fs.BoolVar(&cfg.Filter.RequireLabel, "require-label", cfg.Filter.RequireLabel,
		"Require at least one label (after filters) to keep the file")
	fs.Float64Var(&cfg.Filter.MinBboxWidth, "min-bbox-width", cfg.Filter.MinBboxWidth,
		"The min. required width in `pixels` for object bounding boxes (before resizing)")
	fs.Float64Var(&cfg.Filter.MinBboxHeight, "min-bbox-height", cfg.Filter.MinBboxHeight,
		"The min. required height in `pixels` for object bounding boxes (before resizing)")
	fs.Float64Var(&cfg.Filter.MinAspectRatio, "min-bbox-aspect-ratio", cfg.Filter.MinAspectRatio,
		"The min. required aspect `ratio` (width/height) for object bounding boxes (zero disables"+
			" the filter)")
	fs.Float64Var(&cfg.Filter.MaxAspectRatio, "max-bbox-aspect-ratio", cfg.Filter.MaxAspectRatio,
		"The max. required aspect `ratio` (width/height) for object bounding boxes (zero disables"+
			" the filter)")

	// Image processing arguments.
	fs.StringVar(&cfg.Image.OutDir, "images-out", cfg.Image.OutDir,
		"The `path` to the image output directory (only required when image processing"+
			" functionality is used)")
	fs.StringVar(&cfg.Image.Encoding, "image-enc", cfg.Image.Encoding,
		"The `encoding` for output images {jpg, png}")
	fs.IntVar(&cfg.Image.ResizeLonger, "resize-longer", cfg.Image.ResizeLonger,
		"The target `length` for the longer side of the image (zero to keep aspect ratio)")
	fs.IntVar(&cfg.Image.ResizeShorter, "resize-shorter", cfg.Image.ResizeShorter,
		"The target `length` for the shorter side of the image (zero to keep aspect ratio)")
	fs.StringVar(&cfg.Image.DownsamplingFilter, "downsample-filter", cfg.Image.DownsamplingFilter,
		"The filter to use when downsampling an image {nearest, box, linear, gaussian, lanczos}")
	fs.StringVar(&cfg.Image.UpsamplingFilter, "upsample-filter", cfg.Image.UpsamplingFilter,
		"The filter to use when upsampling an image {nearest, box, linear, gaussian, lanczos}")
	fs.IntVar(&cfg.Image.JPEGQuality, "jpeg-quality", cfg.Image.JPEGQuality,
		"The quality to use when encoding JPEGs [1, 100]")
	fs.BoolVar(&cfg.Image.CropObjects, "crop-objects", cfg.Image.CropObjects,
		"Crop and output objects from images (image processing flags apply to the individual crops)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if err := cfg.Validate(); err != nil {
		fs.Usage()
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := logging.Init(cfg.LogMode); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.L().Fatal("conversion failed", zap.Error(err))
	}
}
