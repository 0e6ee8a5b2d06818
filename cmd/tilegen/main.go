// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tilegen lowers add, conv2d and matmul operators to kernel programs for the accelerator, reports their
// on-chip footprint and optionally checks them numerically on the simulator.
//
// A single operator is described with flags:
//
//	tilegen -op=matmul -x=32,64 -y=64,128 -dtype=float16 -simulate
//	tilegen -op=conv2d -x=1,1,14,14,16 -y=64,16,3,3 -pads=1 -set="cores=2;conv2d/batch_depth=1"
//
// Or many, built concurrently, with a YAML manifest (see Manifest):
//
//	tilegen -manifest=kernels.yaml -simulate -print
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

const (
	xUsage = "First input, comma-separated dimensions: the shape of x for add, the blocked " +
		"feature map [N, C1, H, W, C0] for conv2d, the original [M, K] for matmul."

	yUsage = "Second input, comma-separated dimensions: the shape of y for add, the original " +
		"weights shape (output channels first, in -format) for conv2d, the original [K, N] for matmul."

	settingsUsage = "Hardware profile and operator settings, e.g.: " +
		"\"cores=4;staging_bytes=2_097_152;matmul/n_tile=128\". Applied after the manifest settings."

	parallelismUsage = "Maximum number of kernels built, and of cores simulated, concurrently. " +
		"0 runs sequentially and a negative value means no limit."
)

var (
	flagOp        = flag.String("op", "", "Operator to lower: add, conv2d or matmul. Ignored if -manifest is set.")
	flagName      = flag.String("name", "", "Kernel name. Defaults to the operator's default kernel name.")
	flagX         = flag.String("x", "", xUsage)
	flagY         = flag.String("y", "", yUsage)
	flagDType     = flag.String("dtype", "float16", "DType of the inputs.")
	flagOutDType  = flag.String("out_dtype", "", "DType of the output. Defaults to the operator's default.")
	flagFormat    = flag.String("format", "NCHW", "Original format of the conv2d weights: NCHW or NHWC.")
	flagStrides   = flag.String("strides", "", "Conv2d strides: 1 or 2 comma-separated values (h, w).")
	flagPads      = flag.String("pads", "", "Conv2d paddings: 1 or 2 comma-separated values (h, w), applied on both sides.")
	flagDilations = flag.String("dilations", "", "Conv2d dilations: 1 or 2 comma-separated values (h, w).")

	flagManifest = flag.String("manifest", "", "YAML file with the list of kernels to build.")
	flagSettings = flag.String("set", "", settingsUsage)

	flagPrint       = flag.Bool("print", false, "Print the generated kernel programs.")
	flagSimulate    = flag.Bool("simulate", false, "Run the kernels on the simulator and check them against the reference.")
	flagParallelism = flag.Int("parallelism", -1, parallelismUsage)
	flagSeed        = flag.Uint64("seed", 42, "Seed of the random inputs used by -simulate.")
	flagNoColor     = flag.Bool("no_color", false, "Disable colors in the output.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Exitf("Unexpected arguments %q. See 'tilegen -help'.", flag.Args())
	}
	setupTerminal(*flagNoColor)

	profile := hardware.DefaultProfile()
	var specs []KernelSpec
	if *flagManifest != "" {
		manifest := must.M1(LoadManifest(*flagManifest))
		if err := profile.ParseSettings(manifest.Settings); err != nil {
			klog.Exitf("Manifest %q: %+v", *flagManifest, err)
		}
		specs = manifest.Kernels
	} else {
		spec, err := specFromFlags()
		if err != nil {
			klog.Exitf("%v. See 'tilegen -help'.", err)
		}
		specs = []KernelSpec{spec}
	}
	if err := profile.ParseSettings(*flagSettings); err != nil {
		klog.Exitf("Invalid -set: %+v", err)
	}
	if err := profile.Validate(); err != nil {
		klog.Exitf("%+v", err)
	}
	fmt.Println(titleStyle.Render("Profile"))
	fmt.Println(profileTable(profile).Render())

	kernels := BuildAll(profile, specs, *flagParallelism)
	fmt.Println(titleStyle.Render("Kernels"))
	fmt.Println(kernelsTable(kernels).Render())
	if *flagPrint {
		for _, k := range kernels {
			if k.Program != nil {
				fmt.Println(titleStyle.Render(k.Program.Name))
				fmt.Println(k.Program)
			}
		}
	}

	failed := countFailed(kernels)
	if *flagSimulate {
		checks := make([]Check, 0, len(kernels))
		stdout.HideCursor()
		for _, k := range kernels {
			if k.Program == nil {
				continue
			}
			check := Simulate(k, *flagSeed, *flagParallelism, newCoreProgress(k.Program.Name, k.Program.Cores))
			checks = append(checks, check)
			if check.Err != nil || check.Mismatches > 0 || check.Unwritten > 0 {
				failed++
			}
		}
		stdout.ShowCursor()
		fmt.Println(titleStyle.Render("Simulation"))
		fmt.Println(checksTable(checks).Render())
	}
	if failed > 0 {
		klog.Errorf("%d kernel(s) failed", failed)
		os.Exit(1)
	}
}
