// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab"
	"github.com/gomlx/cpab/pkg/cpab/grid"
	"github.com/gomlx/cpab/pkg/cpab/warp"
	"github.com/gomlx/cpab/ui/commandline"
	"github.com/gomlx/cpab/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8060C0"))

// newFlagSet creates the flag set of a command, with a usage message that includes the command name.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "Usage: %s [flags] %s [command flags]\n\nCommand flags:\n", os.Args[0], name)
		fs.PrintDefaults()
	}
	return fs
}

func runInfo(args []string) error {
	fs := newFlagSet("info")
	if err := fs.Parse(args); err != nil {
		return err
	}
	t, basisDesc, err := newTransformer()
	if err != nil {
		return err
	}
	defer t.Finalize()
	b, err := t.Basis()
	if err != nil {
		return err
	}
	k := t.Kernels()
	fmt.Println(titleStyle.Render("CPAB configuration"))
	commandline.PrintTable(
		commandline.Row{Name: "Basis", Value: basisDesc},
		commandline.Row{Name: "Tessellation", Value: fmt.Sprintf("%dx%d rectangles, %d cells", b.NumCellsX, b.NumCellsY, b.NumCells)},
		commandline.Row{Name: "Cell size", Value: fmt.Sprintf("%g x %g", b.IncX, b.IncY)},
		commandline.Row{Name: "Dimension (d)", Value: commandline.FormatCount(b.Dim())},
		commandline.Row{Name: "Basis memory", Value: commandline.FormatBytes(b.B.Memory())},
		commandline.Row{Name: "Kernels", Value: fmt.Sprintf("%s: %s", k.Name(), k.Description())},
		commandline.Row{Name: "Solver steps", Value: commandline.FormatCount(cpab.NumStepsSolver)},
	)
	return nil
}

func runTransform(args []string) error {
	fs := newFlagSet("transform")
	inputs := newInputFlags(fs)
	output := fs.String("output", "", "CSV file where to write the transformed points. If empty, they are written to stdout.")
	batchSize := fs.Int("batch", 16, "Number of parameter vectors transformed at once.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *batchSize <= 0 {
		return errors.Errorf("-batch must be positive, got %d", *batchSize)
	}
	t, _, err := newTransformer()
	if err != nil {
		return err
	}
	defer t.Finalize()
	b, err := t.Basis()
	if err != nil {
		return err
	}
	points, err := inputs.Points()
	if err != nil {
		return err
	}
	theta, err := inputs.Theta(b.Dim())
	if err != nil {
		return err
	}
	transformed, elapsed, err := transformBatches(t, points, theta, *batchSize, *output != "")
	if err != nil {
		return err
	}
	if *output == "" {
		return grid.WriteCSV(os.Stdout, transformed)
	}
	if err = grid.WriteCSVFile(*output, transformed); err != nil {
		return err
	}
	commandline.PrintTable(
		commandline.Row{Name: "Points", Value: commandline.FormatCount(points.Shape().Dim(1))},
		commandline.Row{Name: "Samples", Value: commandline.FormatCount(theta.Shape().Dim(0))},
		commandline.Row{Name: "Elapsed", Value: commandline.FormatDuration(elapsed)},
		commandline.Row{Name: "Output", Value: *output},
	)
	return nil
}

// transformBatches transforms points with theta in batches of batchSize parameter vectors, and concatenates
// the results into one [n_theta, 2, P] tensor.
func transformBatches(t *cpab.Transformer, points, theta *tensors.Tensor, batchSize int, showProgress bool) (
	*tensors.Tensor, time.Duration, error) {
	numTheta, numPoints := theta.Shape().Dim(0), points.Shape().Dim(1)
	var pBar *commandline.ProgressBar
	if showProgress {
		pBar = commandline.NewProgressBar(os.Stdout, numTheta, "transform", "samples")
		defer pBar.Done()
	}
	start := time.Now()
	flat := make([]float32, 0, numTheta*2*numPoints)
	for from := 0; from < numTheta; from += batchSize {
		to := min(from+batchSize, numTheta)
		batch, err := t.Transform(points, thetaRows(theta, from, to))
		if err != nil {
			return nil, 0, errors.WithMessagef(err, "transforming samples %d to %d", from, to)
		}
		flat = append(flat, tensors.MustCopyFlatData[float32](batch)...)
		if pBar != nil {
			pBar.Add(to - from)
		}
	}
	elapsed := time.Since(start)
	klog.V(1).Infof("transformed %d points with %d samples in %s", numPoints, numTheta, elapsed)
	return tensors.FromFlatDataAndDimensions(flat, numTheta, 2, numPoints), elapsed, nil
}

func runGrad(args []string) error {
	fs := newFlagSet("grad")
	inputs := newInputFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	t, _, err := newTransformer()
	if err != nil {
		return err
	}
	defer t.Finalize()
	b, err := t.Basis()
	if err != nil {
		return err
	}
	points, err := inputs.Points()
	if err != nil {
		return err
	}
	theta, err := inputs.Theta(b.Dim())
	if err != nil {
		return err
	}
	numTheta := theta.Shape().Dim(0)
	upstream := tensors.FromScalarAndDimensions(float32(1), numTheta, 2, points.Shape().Dim(1))
	start := time.Now()
	_, thetaGrad, err := t.Gradient(points, theta, upstream)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	fmt.Println(titleStyle.Render("Gradient of sum(transformed points) with respect to theta"))
	commandline.PrintTable(gradientRows(thetaGrad)...)
	fmt.Printf("Elapsed: %s\n", commandline.FormatDuration(elapsed))
	return nil
}

// gradientRows formats the gradient [d, n_theta] as one row per parameter component.
func gradientRows(thetaGrad *tensors.Tensor) []commandline.Row {
	dim, numTheta := thetaGrad.Shape().Dim(0), thetaGrad.Shape().Dim(1)
	rows := make([]commandline.Row, dim)
	tensors.MustConstFlatData(thetaGrad, func(flat []float32) {
		for k := range dim {
			values := make([]string, numTheta)
			for ii := range numTheta {
				values[ii] = fmt.Sprintf("%.5g", flat[k*numTheta+ii])
			}
			rows[k] = commandline.Row{Name: fmt.Sprintf("theta[%d]", k), Value: strings.Join(values, "  ")}
		}
	})
	return rows
}

func runPlot(args []string) error {
	fs := newFlagSet("plot")
	inputs := newInputFlags(fs)
	output := fs.String("output", "deformation.png", "Image file where to save the plot. The format is given by the extension.")
	kind := fs.String("kind", "deformation", "Kind of plot: \"deformation\" (grid before and after) or \"field\" (velocity field).")
	if err := fs.Parse(args); err != nil {
		return err
	}
	t, _, err := newTransformer()
	if err != nil {
		return err
	}
	defer t.Finalize()
	b, err := t.Basis()
	if err != nil {
		return err
	}
	theta, err := inputs.Theta(b.Dim())
	if err != nil {
		return err
	}
	theta = thetaRows(theta, 0, 1)
	switch *kind {
	case "deformation":
		points, err := inputs.Points()
		if err != nil {
			return err
		}
		transformed, err := t.Transform(points, theta)
		if err != nil {
			return err
		}
		p, err := plots.Deformation(points, transformed, 0)
		if err != nil {
			return err
		}
		must.M(plots.Save(p, *output))
	case "field":
		p, err := plots.VelocityField(b, theta, *inputs.gridSize)
		if err != nil {
			return err
		}
		must.M(plots.Save(p, *output))
	default:
		return errors.Errorf("unknown -kind=%q, valid values are \"deformation\" and \"field\"", *kind)
	}
	fmt.Printf("Plot saved to %s\n", *output)
	return nil
}

func runWarp(args []string) error {
	fs := newFlagSet("warp")
	inputs := newInputFlags(fs)
	input := fs.String("image", "", "Image file to warp.")
	output := fs.String("output", "warped.png", "Output image file. With more than one sample, the sample "+
		"number is appended to the file name, e.g. warped_0.png.")
	width := fs.Int("width", 0, "If set with -height, the image is resized before warping.")
	height := fs.Int("height", 0, "If set with -width, the image is resized before warping.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return errors.New("-image is required")
	}
	t, _, err := newTransformer()
	if err != nil {
		return err
	}
	defer t.Finalize()
	b, err := t.Basis()
	if err != nil {
		return err
	}
	theta, err := inputs.Theta(b.Dim())
	if err != nil {
		return err
	}
	img := must.M1(warp.Load(*input))
	images, err := warp.Warp(t, img, theta, *width, *height)
	if err != nil {
		return err
	}
	pBar := commandline.NewProgressBar(os.Stdout, len(images), "saving", "images")
	defer pBar.Done()
	for ii, warped := range images {
		if err = warp.Save(warped, outputPath(*output, ii, len(images))); err != nil {
			return err
		}
		pBar.Add(1)
	}
	return nil
}

// outputPath returns the path of the sample ii out of n: path itself if n == 1, otherwise the sample
// number is appended to the file name, before the extension.
func outputPath(path string, ii, n int) string {
	if n == 1 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(path, ext), ii, ext)
}
