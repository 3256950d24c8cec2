package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/binzume/dressfit/config"
	"github.com/binzume/dressfit/fitting"
	"github.com/cheggaaa/pb/v3"
)

const progressTemplate = `{{string . "stage" | printf "%-12s"}} {{counters . }} {{bar . }} {{percent . }}`

// newProgress returns a progress bar fed by the pipeline stages.
func newProgress() (*pb.ProgressBar, fitting.ProgressFunc) {
	bar := pb.ProgressBarTemplate(progressTemplate).New(0)
	bar.SetWriter(os.Stderr)
	bar.Start()
	return bar, func(stage string, index, total int) {
		bar.Set("stage", stage)
		bar.SetTotal(int64(total))
		bar.SetCurrent(int64(index))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, showProgress bool, unlit bool) error {
	var progress fitting.ProgressFunc
	if showProgress {
		bar, f := newProgress()
		defer bar.Finish()
		progress = f
	}

	res, err := fitting.FitAndSave(ctx, cfg.Options(logger, progress))
	if err != nil {
		return err
	}
	logger.Info("dressfit.output", "path", cfg.Output, "bones", len(res.Output.Bones), "vertices", len(res.Output.Vertexes))

	if cfg.SaveMotion != "" {
		if err := saveMotion(res.Motion, cfg.SaveMotion); err != nil {
			return fmt.Errorf("save motion: %w", err)
		}
		logger.Info("dressfit.motion", "path", cfg.SaveMotion)
	}
	textureDir := filepath.Dir(cfg.Output)
	if cfg.Preview != "" {
		if err := savePreview(res, textureDir, cfg.Preview, unlit, logger); err != nil {
			return fmt.Errorf("save preview: %w", err)
		}
		logger.Info("dressfit.preview", "path", cfg.Preview)
	}
	if cfg.Thumbnail != "" {
		if err := saveThumbnail(res, textureDir, cfg.Thumbnail, cfg.ThumbnailSize, logger); err != nil {
			return fmt.Errorf("save thumbnail: %w", err)
		}
		logger.Info("dressfit.thumbnail", "path", cfg.Thumbnail)
	}
	return nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] character.pmx dress.pmx [output.pmx]\n", os.Args[0])
		flag.PrintDefaults()
	}
	configPath := flag.String("config", "", "run config (.yaml)")
	motion := flag.String("motion", "", "motion to pose the preview (.vmd)")
	previewPath := flag.String("preview", "", "write a preview (.glb)")
	thumbnail := flag.String("thumbnail", "", "write a thumbnail (.webp)")
	saveMotionPath := flag.String("save-motion", "", "write the fitting motion (.vmd)")
	unlit := flag.Bool("unlit", false, "unlit materials in the preview")
	verbose := flag.Bool("v", false, "debug log")
	quiet := flag.Bool("q", false, "hide the progress bar")
	flag.Parse()

	flags := config.Flags{
		Motion:    *motion,
		Preview:   *previewPath,
		Thumbnail: *thumbnail,
		Verbose:   *verbose,
	}
	if flag.NArg() > 0 {
		flags.Character = flag.Arg(0)
	}
	if flag.NArg() > 1 {
		flags.Dress = flag.Arg(1)
	}
	if flag.NArg() > 2 {
		flags.Output = flag.Arg(2)
	}

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	cfg.Resolve(flags)
	if *saveMotionPath != "" {
		cfg.SaveMotion = *saveMotionPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, logger, !*quiet, *unlit); err != nil {
		var missing *fitting.MissingRequiredBoneError
		if errors.As(err, &missing) {
			logger.Error("dressfit.missing_bones", "names", missing.Names)
		}
		logger.Error("dressfit.failed", "err", err)
		stop()
		os.Exit(1)
	}
}
