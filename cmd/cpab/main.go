// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// cpab transforms points and images with CPAB transformations from the command line.
//
// Usage:
//
//	cpab [flags] <command> [command flags]
//
// Commands:
//
//	info       Prints the basis and kernels configuration.
//	transform  Transforms points (a grid or a CSV file) and writes them as CSV.
//	grad       Prints the gradient of the sum of the transformed points with respect to theta.
//	plot       Plots the deformation of a grid, or the velocity field.
//	warp       Warps an image.
//
// The basis is given by -basis, or selected from -basis_dir with the tessellation flags; for quick
// experiments -global_affine=ncx,ncy,k uses a basis where all cells share one affine map.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/gomlx/cpab/pkg/cpab"
	"github.com/gomlx/cpab/pkg/cpab/basis"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	_ "github.com/gomlx/cpab/pkg/cpab/kernels/default"
	"github.com/gomlx/cpab/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagBasis    = flag.String("basis", "", "Path to the basis .npz file. Defaults to $"+cpab.BasisEnv+".")
	flagBasisDir = flag.String("basis_dir", "", "Directory with the basis files, used if -basis is not set. "+
		"Defaults to $"+cpab.BasisDirEnv+" or "+cpab.DefaultBasisDir+".")
	flagKernels = flag.String("kernels", "", "Kernels configuration, e.g. \"go\" or \"native:/path/libcpab.so\". "+
		"Defaults to $"+kernels.ConfigEnv+".")

	flagNumCellsX = flag.Int("ncx", basis.DefaultParams.NumCellsX, "Tessellation: number of grid rectangles in x.")
	flagNumCellsY = flag.Int("ncy", basis.DefaultParams.NumCellsY, "Tessellation: number of grid rectangles in y.")
	flagValidOutside = flag.Bool("valid_outside", basis.DefaultParams.ValidOutside,
		"Tessellation: transformation defined outside the domain.")
	flagZeroBoundary = flag.Bool("zero_boundary", basis.DefaultParams.ZeroBoundary,
		"Tessellation: zero velocity on the domain boundary.")
	flagVolumePreservation = flag.Bool("volume_preservation", basis.DefaultParams.VolumePreservation,
		"Tessellation: divergence free velocity fields.")

	flagGlobalAffine = xslices.Flag(nil, "global_affine", nil,
		"If set to \"ncx,ncy,k\", use a basis where every cell shares one affine map (d=6), with a ncx x ncy "+
			"grid and k cells per rectangle. No basis file is needed.", strconv.Atoi)
)

// command is one of the subcommands.
type command struct {
	name, description string
	run               func(args []string) error
}

var commands = []command{
	{"info", "Prints the basis and kernels configuration.", runInfo},
	{"transform", "Transforms points (a grid or a CSV file) and writes them as CSV.", runTransform},
	{"grad", "Prints the gradient of the sum of the transformed points with respect to theta.", runGrad},
	{"plot", "Plots the deformation of a grid, or the velocity field.", runPlot},
	{"warp", "Warps an image.", runWarp},
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] <command> [command flags]\n\nCommands:\n", os.Args[0])
	for _, cmd := range commands {
		_, _ = fmt.Fprintf(out, "  %-10s %s\n", cmd.name, cmd.description)
	}
	_, _ = fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing command. See '%s -help'.", os.Args[0])
		os.Exit(1)
	}
	idx := slices.IndexFunc(commands, func(cmd command) bool { return cmd.name == args[0] })
	if idx < 0 {
		klog.Errorf("Unknown command %q. See '%s -help'.", args[0], os.Args[0])
		os.Exit(1)
	}
	if err := commands[idx].run(args[1:]); err != nil {
		klog.Errorf("%s failed: %+v", args[0], err)
		os.Exit(1)
	}
}

// basisProvider returns the basis provider configured by the flags.
func basisProvider() (basis.Provider, string, error) {
	if len(*flagGlobalAffine) > 0 {
		dims := *flagGlobalAffine
		if len(dims) != 3 {
			return nil, "", errors.Errorf("-global_affine takes 3 values \"ncx,ncy,k\", got %v", dims)
		}
		b, err := basis.GlobalAffine(dims[0], dims[1], dims[2])
		if err != nil {
			return nil, "", err
		}
		return basis.Static(b), fmt.Sprintf("global affine %dx%d, k=%d", dims[0], dims[1], dims[2]), nil
	}
	if *flagBasis != "" {
		p := basis.FromFile(*flagBasis)
		return p, p.Path(), nil
	}
	if path := os.Getenv(cpab.BasisEnv); path != "" && *flagBasisDir == "" {
		p := basis.FromFile(path)
		return p, p.Path(), nil
	}
	dir := *flagBasisDir
	if dir == "" {
		dir = os.Getenv(cpab.BasisDirEnv)
	}
	if dir == "" {
		dir = cpab.DefaultBasisDir
	}
	p := basis.FromParams(dir, basis.Params{
		NumCellsX:          *flagNumCellsX,
		NumCellsY:          *flagNumCellsY,
		ValidOutside:       *flagValidOutside,
		ZeroBoundary:       *flagZeroBoundary,
		VolumePreservation: *flagVolumePreservation,
	})
	return p, p.Path(), nil
}

// newTransformer creates the Transformer configured by the flags, and returns a description of its basis.
func newTransformer() (*cpab.Transformer, string, error) {
	provider, basisDesc, err := basisProvider()
	if err != nil {
		return nil, "", err
	}
	var k kernels.Kernels
	if *flagKernels != "" {
		k, err = kernels.NewWithConfig(*flagKernels)
	} else {
		k, err = kernels.New()
	}
	if err != nil {
		return nil, "", err
	}
	return cpab.New(provider, k), basisDesc, nil
}
