// Command detect classifies image files from the command line.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/Brownie44l1/deepfake-api/internal/artifact"
	"github.com/Brownie44l1/deepfake-api/internal/config"
	"github.com/Brownie44l1/deepfake-api/internal/detector"
	"github.com/Brownie44l1/deepfake-api/internal/inference"
	"github.com/Brownie44l1/deepfake-api/internal/logging"
	"github.com/Brownie44l1/deepfake-api/internal/preprocess"
)

const flagJSON = "json"

func main() {
	app := &cli.App{
		Name:      "detect",
		Usage:     "classify images as authentic or deepfake",
		ArgsUsage: "FILE...",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{Name: flagJSON, Usage: "print verdicts as JSON"},
		}, config.DetectorFlags()...),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// result pairs a file with its verdict for output.
type result struct {
	File string `json:"file"`
	detector.Verdict
}

func run(c *cli.Context) (err error) {
	if c.NArg() == 0 {
		return errors.New("no image files given")
	}
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}
	logger := logging.NewLogger("detect", cfg.Logging())
	defer logger.Sync() //nolint:errcheck

	source := artifact.NewSource(cfg.Artifact(), logger.Named("artifact"))
	engine := inference.NewEngine(cfg.Engine(), inference.NewONNXLoader(cfg.ONNX()), logger.Named("inference"))
	det := detector.New(source, engine, cfg.Preprocess(), logger.Named("detector"))
	defer func() {
		err = multierr.Combine(err, det.Close())
	}()

	files := c.Args().Slice()
	verdicts, err := det.DetectBatch(c.Context, lo.Map(files, func(f string, _ int) preprocess.RawImage {
		return preprocess.Path(f)
	}))
	if err != nil {
		return err
	}
	results := lo.Map(verdicts, func(v detector.Verdict, i int) result {
		return result{File: files[i], Verdict: v}
	})

	if c.Bool(flagJSON) {
		return writeJSON(c.App.Writer, results)
	}
	_, err = fmt.Fprintln(c.App.Writer, render(results))
	return err
}

func writeJSON(w io.Writer, results []result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func render(results []result) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"File", "Verdict", "Fake", "Real", "Confidence"})
	for _, r := range results {
		t.AppendRow(table.Row{
			r.File,
			lo.Ternary(r.IsFake, "FAKE", "real"),
			fmt.Sprintf("%.4f", r.FakeProbability),
			fmt.Sprintf("%.4f", r.RealProbability),
			fmt.Sprintf("%.4f", r.Confidence),
		})
	}
	fakes := lo.CountBy(results, func(r result) bool { return r.IsFake })
	t.AppendFooter(table.Row{fmt.Sprintf("%d images", len(results)), fmt.Sprintf("%d fake", fakes)})
	return t.Render()
}
