package main

import (
	"fmt"
	"os"

	"github.com/sensorable/lblcsv"
	"github.com/sensorable/lblcsv/internal/config"
	"github.com/sensorable/lblcsv/internal/logging"
	"go.uber.org/zap"
)

// readInput parses the labels in the configured source format.
func readInput(cfg *config.Config) (lblcsv.AnnotatedFiles, error) {
	var data []lblcsv.AnnotatedFile
	var err error
	switch cfg.From {
	case config.FormatVOC:
		data, err = lblcsv.FromVOC(cfg.Labels, lblcsv.VOCOptions{
			ImageDir:        cfg.Images,
			FirstObjectOnly: cfg.VOC.FirstObjectOnly,
		})
	case config.FormatCSV:
		data, err = lblcsv.FromCSV(cfg.Labels)
	default:
		err = fmt.Errorf("unsupported input format %q", cfg.From)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse the input: %w", err)
	}
	return lblcsv.AnnotatedFiles(data), nil
}

// transform applies the label mappings, bounding box transformations, filters and image
// processing, in that order.
func transform(cfg *config.Config, af *lblcsv.AnnotatedFiles) error {
	if err := af.MapLabels(cfg.LabelMappings()); err != nil {
		return fmt.Errorf("failed to map labels: %w", err)
	}

	if cfg.Bbox.Clip {
		af.ClipToImage()
	}
	if cfg.Bbox.ScaleX != 1 || cfg.Bbox.ScaleY != 1 || cfg.Bbox.AspectRatio > 0 {
		af.TransformBboxes(cfg.Bbox.ScaleX, cfg.Bbox.ScaleY, cfg.Bbox.AspectRatio)
	}

	af.Filter(lblcsv.FilterOptions{
		Labels:         cfg.FilterLabels(),
		MinBboxWidth:   cfg.Filter.MinBboxWidth,
		MinBboxHeight:  cfg.Filter.MinBboxHeight,
		MinAspectRatio: cfg.Filter.MinAspectRatio,
		MaxAspectRatio: cfg.Filter.MaxAspectRatio,
		SkipDifficult:  cfg.Filter.SkipDifficult,
		RequireLabel:   cfg.Filter.RequireLabel,
	})

	err := af.ProcessImages(lblcsv.ImageOptions{
		OutDir:             cfg.Image.OutDir,
		LongerSide:         cfg.Image.ResizeLonger,
		ShorterSide:        cfg.Image.ResizeShorter,
		DownsamplingFilter: cfg.Image.DownsamplingFilter,
		UpsamplingFilter:   cfg.Image.UpsamplingFilter,
		Encoding:           cfg.Image.Encoding,
		JPEGQuality:        cfg.Image.JPEGQuality,
		CropObjects:        cfg.Image.CropObjects,
	})
	if err != nil {
		return fmt.Errorf("image processing failed: %w", err)
	}
	return nil
}

// split divides the data into the configured output datasets.
func split(cfg *config.Config, af lblcsv.AnnotatedFiles) ([]lblcsv.AnnotatedFiles, error) {
	splits, err := cfg.CumulativeSplits()
	if err != nil {
		return nil, err
	}
	if len(splits) == 1 {
		return []lblcsv.AnnotatedFiles{af}, nil
	}
	datasets, err := af.Split(splits, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to split the dataset: %w", err)
	}
	return datasets, nil
}

// tfRecordClasses returns the class list for TFRecord output. IDs from an existing label map are
// kept and new labels are appended.
func tfRecordClasses(cfg *config.Config, af lblcsv.AnnotatedFiles) (lblcsv.ClassList, error) {
	var classes lblcsv.ClassList
	if path := cfg.TFRecord.LabelMapFile; path != "" {
		existing, err := lblcsv.ReadTFLabelMap(path)
		if err == nil {
			logging.L().Info("label map loaded", zap.String("path", path), zap.Int("classes", len(existing)))
			classes = existing
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read the label map from %q: %w", path, err)
		}
	}

	found := lblcsv.ClassesFromRows(lblcsv.ToCSV(af, true), cfg.Classes.Sort)
	return classes.Extend(found), nil
}

// run executes the conversion described by cfg.
func run(cfg *config.Config) error {
	af, err := readInput(cfg)
	if err != nil {
		return err
	}

	if err := transform(cfg, &af); err != nil {
		return err
	}

	var classes lblcsv.ClassList
	switch cfg.To {
	case config.FormatCSV:
		datasets, err := split(cfg, af)
		if err != nil {
			return err
		}

		outPaths := cfg.LabelOutPaths()
		for i, data := range datasets {
			rows := lblcsv.ToCSV(data, cfg.VOC.DropEmpty)
			if err := lblcsv.WriteCSV(outPaths[i], rows); err != nil {
				return fmt.Errorf("conversion failed: %w", err)
			}
			logging.L().Info("Successful! CSV file saved at "+outPaths[i],
				zap.Int("rows", len(rows)), zap.Int("files", len(data)))
		}

		// The class list is derived from the CSV files just written, in the order of first
		// appearance over all files before splitting.
		if cfg.Classes.Out != "" {
			classes = lblcsv.ClassesFromRows(lblcsv.ToCSV(af, true), false)
			for _, p := range outPaths {
				c, err := lblcsv.ClassesFromCSV(p, false)
				if err != nil {
					return err
				}
				classes = classes.Extend(c)
			}
			if cfg.Classes.Sort {
				classes = classes.Sorted()
			}
		}

	case config.FormatTFRecord:
		datasets, err := split(cfg, af)
		if err != nil {
			return err
		}

		if classes, err = tfRecordClasses(cfg, af); err != nil {
			return err
		}
		outPaths := cfg.LabelOutPaths()
		for i, data := range datasets {
			err := lblcsv.WriteTFRecord(outPaths[i], "", data, classes, cfg.TFRecord.NumShards)
			if err != nil {
				return fmt.Errorf("conversion failed: %w", err)
			}
			logging.S().Infof("Successfully wrote labels for %d files to %s", len(data), outPaths[i])
		}
		if path := cfg.TFRecord.LabelMapFile; path != "" {
			if err := lblcsv.WriteTFLabelMap(path, classes); err != nil {
				return err
			}
		}

	case config.FormatNone:
		classes = lblcsv.ClassesFromRows(lblcsv.ToCSV(af, true), cfg.Classes.Sort)
	}

	if cfg.Classes.Out != "" {
		if err := lblcsv.WriteClassList(cfg.Classes.Out, classes); err != nil {
			return err
		}
		logging.S().Infof("Wrote %d classes to %s", len(classes), cfg.Classes.Out)
	}

	logging.S().Info("Total number of labelled files: ", len(af))
	return nil
}
