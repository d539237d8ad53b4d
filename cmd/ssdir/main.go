// Command ssdir trains a scene decomposition model, runs it over a directory of images and
// draws its architecture.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/gorgonia/ssdir"
	"github.com/gorgonia/ssdir/dataset"
	"github.com/gorgonia/ssdir/encoding"
	"github.com/gorgonia/ssdir/encoding/gif"
	"github.com/gorgonia/ssdir/encoding/mjpeg"
	scene "github.com/gorgonia/ssdir/scenenet"
	"github.com/pkg/errors"
)

func main() {
	parser := argparse.NewParser("ssdir", "Unsupervised scene decomposition into anchored objects")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file. Defaults apply when empty", Default: ""})

	train := parser.NewCommand("train", "Train a model")
	trainDir := train.String("d", "data", &argparse.Options{Help: "Directory of training images", Default: ""})
	valDir := train.String("v", "validation", &argparse.Options{Help: "Directory of validation images. Enables early stopping", Default: ""})
	synthetic := train.Flag("", "synthetic", &argparse.Options{Help: "Train on generated squares", Default: false})
	output := train.String("o", "output", &argparse.Options{Help: "Checkpoint file to write", Default: ""})
	resume := train.String("", "resume", &argparse.Options{Help: "Checkpoint to resume from", Default: ""})
	steps := train.Int("n", "steps", &argparse.Options{Help: "Number of steps. Overrides the configuration", Default: 0})
	statsFile := train.String("", "stats", &argparse.Options{Help: "Write the metric history to this CSV file", Default: ""})
	gifFile := train.String("", "gif", &argparse.Options{Help: "Write snapshots to this GIF file", Default: ""})
	mjpegAddr := train.String("", "mjpeg", &argparse.Options{Help: "Serve snapshots as an MJPEG stream on this address (eg :8080)", Default: ""})

	infer := parser.NewCommand("infer", "Decompose images with a trained model")
	model := infer.String("m", "model", &argparse.Options{Help: "Checkpoint file", Required: true})
	inferDir := infer.String("i", "input", &argparse.Options{Help: "Directory of images", Required: true})
	inferOut := infer.String("o", "output", &argparse.Options{Help: "JSON file of the scenes found", Default: "scenes.json"})
	pngDir := infer.String("", "png", &argparse.Options{Help: "Also render every scene into this directory", Default: ""})

	describe := parser.NewCommand("describe", "Write the model architecture as a graphviz DOT file")
	dotFile := describe.String("o", "output", &argparse.Options{Help: "DOT file", Default: "model.dot"})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	conf := ssdir.DefaultConfig()
	if *configFile != "" {
		if conf, err = ssdir.LoadConfig(*configFile); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}

	switch {
	case train.Happened():
		if *output != "" {
			conf.CheckpointPath = *output
		}
		err = runTrain(logger, conf, trainOptions{
			dir:       *trainDir,
			val:       *valDir,
			synthetic: *synthetic,
			resume:    *resume,
			steps:     *steps,
			stats:     *statsFile,
			gif:       *gifFile,
			mjpeg:     *mjpegAddr,
		})
	case infer.Happened():
		err = runInfer(logger, conf, *model, *inferDir, *inferOut, *pngDir)
	case describe.Happened():
		err = runDescribe(conf, *dotFile)
	}
	if err != nil {
		logger.Errorf("%+v", err)
		os.Exit(1)
	}
}

type trainOptions struct {
	dir       string
	val       string
	synthetic bool
	resume    string
	steps     int
	stats     string
	gif       string
	mjpeg     string
}

func runTrain(logger logs.Log, conf ssdir.Config, opts trainOptions) error {
	var src dataset.Source
	switch {
	case opts.dir != "":
		dir, err := dataset.NewDir(opts.dir, conf.Net.ImageSize, conf.Net.BatchSize, false)
		if err != nil {
			return err
		}
		logger.Infof("Training on %d images from %s", dir.Len(), opts.dir)
		src = dataset.Augment(dir, conf.Train.Seed)
	case opts.synthetic:
		sq, err := dataset.NewSquares(dataset.SquaresConfig{
			ImageSize:  conf.Net.ImageSize,
			BatchSize:  conf.Net.BatchSize,
			Batches:    100,
			MinSide:    conf.Net.ImageSize / 16,
			MaxSide:    conf.Net.ImageSize / 4,
			MaxObjects: 3,
			Seed:       conf.Train.Seed,
		})
		if err != nil {
			return err
		}
		src = sq
	default:
		return errors.New("train needs either -d or --synthetic")
	}

	s, err := ssdir.New(conf, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	if opts.resume != "" {
		if err = s.Load(opts.resume); err != nil {
			return err
		}
	}
	if opts.val != "" {
		val, err := dataset.NewDir(opts.val, conf.Net.ImageSize, conf.Net.BatchSize, true)
		if err != nil {
			return err
		}
		logger.Infof("Validating on %d images from %s every %d steps", val.Len(), opts.val, conf.ValidateEvery)
		s.SetValidation(val)
	}

	if opts.gif != "" {
		f, err := os.Create(opts.gif)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		s.AddEncoder(gif.NewGifEncoder(f, 2))
	}
	if opts.mjpeg != "" {
		enc := mjpeg.NewEncoder(2, logger)
		defer enc.Close()
		s.AddEncoder(enc)
		go func(h http.Handler) {
			mux := http.NewServeMux()
			mux.Handle("/", h)
			logger.Infof("Snapshots on http://localhost%s", opts.mjpeg)
			if err := http.ListenAndServe(opts.mjpeg, mux); err != nil {
				logger.Errorf("MJPEG server: %v", err)
			}
		}(enc)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err = s.Learn(ctx, src, opts.steps)
	if opts.stats != "" {
		if derr := s.Dump(opts.stats); derr != nil {
			logger.Errorf("Unable to write statistics: %v", derr)
		}
	}
	if errors.Is(err, context.Canceled) {
		logger.Infof("Interrupted at step %d", s.State().Step)
		return nil
	}
	return err
}

type sceneJSON struct {
	Name       string       `json:"name"`
	Objects    []objectJSON `json:"objects"`
	Background []float32    `json:"background,omitempty"`
}

type objectJSON struct {
	Anchor int       `json:"anchor"`
	Prob   float32   `json:"prob"`
	CX     float64   `json:"cx"`
	CY     float64   `json:"cy"`
	W      float64   `json:"w"`
	H      float64   `json:"h"`
	Depth  float32   `json:"depth"`
	What   []float32 `json:"what"`
}

func runInfer(logger logs.Log, conf ssdir.Config, model, input, output, pngDir string) error {
	conf.CheckpointPath = ""
	s, err := ssdir.New(conf, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	if err = s.Load(model); err != nil {
		return err
	}
	dir, err := dataset.NewDir(input, conf.Net.ImageSize, conf.Net.BatchSize, true)
	if err != nil {
		return err
	}
	if pngDir != "" {
		if err = os.MkdirAll(pngDir, 0755); err != nil {
			return errors.WithStack(err)
		}
	}

	var out []sceneJSON
	for {
		batch, err := dir.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		scenes, _, err := s.Infer(batch.Images)
		if err != nil {
			return err
		}
		for i, sc := range scenes {
			out = append(out, toJSON(batch.Names[i], sc))
		}
		if pngDir == "" {
			continue
		}
		snaps, err := s.Snapshot(batch)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			name := filepath.Base(snap.Name)
			name = name[:len(name)-len(filepath.Ext(name))] + ".png"
			if err := writePNG(filepath.Join(pngDir, name), snap); err != nil {
				return err
			}
		}
	}
	logger.Infof("Decomposed %d images", len(out))

	f, err := os.Create(output)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func toJSON(name string, sc scene.Scene) sceneJSON {
	retVal := sceneJSON{Name: name, Background: sc.Background}
	for _, o := range sc.Present() {
		retVal.Objects = append(retVal.Objects, objectJSON{
			Anchor: o.Anchor,
			Prob:   o.Prob,
			CX:     o.Box.CX,
			CY:     o.Box.CY,
			W:      o.Box.W,
			H:      o.Box.H,
			Depth:  o.Depth,
			What:   o.What,
		})
	}
	return retVal
}

func writePNG(filename string, snap encoding.Snapshot) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	return png.Encode(f, encoding.Render(snap, 2))
}

func runDescribe(conf ssdir.Config, filename string) error {
	conf.Net.FwdOnly = true
	d := scene.New(conf.Net)
	if err := d.Init(); err != nil {
		return err
	}
	dot, err := d.ToDot()
	if err != nil {
		return err
	}
	return errors.WithStack(os.WriteFile(filename, []byte(dot), 0644))
}
