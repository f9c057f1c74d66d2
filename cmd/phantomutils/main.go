// Command phantomutils analyzes diffusion-weighted images of 3D-printed
// axon-mimetic phantoms: automatic water masking, DTI/DKI scalar maps,
// ground-truth geometry maps from print metadata, and signal summaries.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tkkuehn/3am-phantom-utilities/internal/logging"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/automask"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/bselect"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/config"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/dwifit"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/geometry"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/imageio"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/nifti"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/scaninfo"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/summary"
)

const usage = `Usage: phantomutils <command> [options]

Commands:
  mask         segment the water compartment of a phantom slice
  fit          fit a diffusion model and write scalar maps
  geometry     build a ground-truth map from print metadata
  summarize    chart per-map statistics across derived images
  signal       chart mean signal per b-value shell
  init-config  write a default configuration file

Run 'phantomutils <command> -h' for command options.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "mask":
		err = runMask(os.Args[2:])
	case "fit":
		err = runFit(os.Args[2:])
	case "geometry":
		err = runGeometry(os.Args[2:])
	case "summarize":
		err = runSummarize(os.Args[2:])
	case "signal":
		err = runSignal(os.Args[2:])
	case "init-config":
		err = runInitConfig(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		log := logging.NewConsole(false)
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadPipelineConfig loads the shared YAML configuration and builds the
// logger the subcommands use.
func loadPipelineConfig(path string, verbose bool) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("loading configuration: %w", err)
	}
	log := logging.NewConsole(verbose || cfg.Output.Verbose)
	return cfg, log, nil
}

func runMask(args []string) error {
	fs := flag.NewFlagSet("mask", flag.ExitOnError)
	sliceIdx := fs.Int("slice", 0, "Slice index to segment")
	outPath := fs.String("out", "mask.nii.gz", "Output mask filename")
	configPath := fs.String("config", "phantomutils.yaml", "Configuration file")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("mask requires exactly one image argument")
	}

	cfg, log, err := loadPipelineConfig(*configPath, *verbose)
	if err != nil {
		return err
	}

	img, err := nifti.Load(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("loading image: %w", err)
	}
	log.Info().
		Str("image", fs.Arg(0)).
		Int("slice", *sliceIdx).
		Msg("segmenting water compartment")

	mask, err := automask.MaskSlice(img, *sliceIdx, cfg.Mask.ErosionRadius)
	if err != nil {
		return fmt.Errorf("masking slice: %w", err)
	}

	if err := mask.Save(*outPath); err != nil {
		return fmt.Errorf("saving mask: %w", err)
	}
	log.Info().Str("out", *outPath).Msg("mask written")
	return nil
}

func runFit(args []string) error {
	fs := flag.NewFlagSet("fit", flag.ExitOnError)
	maskPath := fs.String("mask", "", "Phantom mask image (optional)")
	model := fs.String("model", "dki", "Diffusion model to fit: dti or dki")
	blur := fs.Bool("blur", false, "Blur in-plane before the fit (dki only)")
	faPath := fs.String("fa", "", "Fractional anisotropy output path")
	mdPath := fs.String("md", "", "Mean diffusivity output path")
	adPath := fs.String("ad", "", "Axial diffusivity output path")
	rdPath := fs.String("rd", "", "Radial diffusivity output path")
	mkPath := fs.String("mk", "", "Mean kurtosis output path")
	akPath := fs.String("ak", "", "Axial kurtosis output path")
	rkPath := fs.String("rk", "", "Radial kurtosis output path")
	configPath := fs.String("config", "phantomutils.yaml", "Configuration file")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	fs.Parse(args)

	if fs.NArg() != 3 {
		return fmt.Errorf("fit requires image, bval and bvec arguments")
	}
	if *blur && *model == "dti" {
		return fmt.Errorf("-blur applies only to kurtosis fits; remove it or use -model dki")
	}

	cfg, log, err := loadPipelineConfig(*configPath, *verbose)
	if err != nil {
		return err
	}

	dwi, err := imageio.LoadDWI(fs.Arg(0), fs.Arg(1), fs.Arg(2), *maskPath, cfg.Fit.B0Threshold)
	if err != nil {
		return fmt.Errorf("loading diffusion data: %w", err)
	}
	log.Info().
		Str("image", fs.Arg(0)).
		Str("model", *model).
		Int("acquisitions", len(dwi.Gtab.Bvals)).
		Msg("fitting diffusion model")

	fitCfg := dwifit.Config{
		Workers:   cfg.Fit.Workers,
		Blur:      *blur || cfg.Fit.Blur,
		BlurSigma: cfg.Fit.BlurSigma,
	}

	switch *model {
	case "dti":
		fit, err := dwifit.FitDTI(dwi, fitCfg)
		if err != nil {
			return fmt.Errorf("tensor fit: %w", err)
		}
		paths := dwifit.DTIMapPaths{FA: *faPath, MD: *mdPath, AD: *adPath, RD: *rdPath}
		if err := dwifit.SaveDTIMaps(fit, paths); err != nil {
			return fmt.Errorf("saving maps: %w", err)
		}
	case "dki":
		fit, err := dwifit.FitDKI(dwi, fitCfg)
		if err != nil {
			return fmt.Errorf("kurtosis fit: %w", err)
		}
		paths := dwifit.DKIMapPaths{
			FA: *faPath, MD: *mdPath, AD: *adPath, RD: *rdPath,
			MK: *mkPath, AK: *akPath, RK: *rkPath,
		}
		if err := dwifit.SaveDKIMaps(fit, paths, cfg.Fit.MinKurtosis); err != nil {
			return fmt.Errorf("saving maps: %w", err)
		}
	default:
		return fmt.Errorf("unknown model %q (want dti or dki)", *model)
	}

	log.Info().Msg("scalar maps written")
	return nil
}

func runGeometry(args []string) error {
	fs := flag.NewFlagSet("geometry", flag.ExitOnError)
	maskPath := fs.String("mask", "", "Phantom mask image")
	patternPath := fs.String("pattern", "", "Infill pattern YAML file")
	metric := fs.String("metric", scaninfo.GenDirection,
		"Geometry metric: direction, crossing_angle or arc_radius")
	centroidSpec := fs.String("centroid", "", "Pattern origin as x,y in voxels (default: mask centroid)")
	angle := fs.Float64("angle", math.NaN(), "Pattern rotation in degrees (default: from fiducial)")
	scale := fs.Float64("scale", 1, "Voxel size in mm")
	outPath := fs.String("out", "geometry.nii.gz", "Output map filename")
	configPath := fs.String("config", "phantomutils.yaml", "Configuration file")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	fs.Parse(args)

	if *maskPath == "" || *patternPath == "" {
		return fmt.Errorf("geometry requires -mask and -pattern")
	}

	_, log, err := loadPipelineConfig(*configPath, *verbose)
	if err != nil {
		return err
	}

	maskImg, err := nifti.Load(*maskPath)
	if err != nil {
		return fmt.Errorf("loading mask: %w", err)
	}
	mask, err := imageio.LoadMask(*maskPath, maskImg.VolumeSize())
	if err != nil {
		return fmt.Errorf("loading mask: %w", err)
	}

	pattern, err := loadPattern(*patternPath)
	if err != nil {
		return err
	}
	gen, ok := pattern.GeometryGenerators()[*metric]
	if !ok {
		return fmt.Errorf("pattern does not define metric %q", *metric)
	}

	w, h, d := maskImg.Nx, maskImg.Ny, maskImg.Nz
	cx, cy, angleDeg, err := patternFrame(mask, w, h, d, *centroidSpec, *angle, log)
	if err != nil {
		return err
	}

	data, err := geometry.GenGeometryData(mask, w, h, d, gen, cx, cy, angleDeg, *scale)
	if err != nil {
		return fmt.Errorf("generating geometry map: %w", err)
	}

	if err := imageio.SaveMap(data, maskImg, *outPath); err != nil {
		return fmt.Errorf("saving geometry map: %w", err)
	}
	log.Info().Str("out", *outPath).Str("metric", *metric).Msg("geometry map written")
	return nil
}

// patternFrame resolves the in-plane pattern frame, locating the centroid
// and fiducial on the first populated slice when they are not given
// explicitly.
func patternFrame(mask []bool, w, h, d int, centroidSpec string, angle float64,
	log zerolog.Logger) (float64, float64, float64, error) {

	if centroidSpec != "" && !math.IsNaN(angle) {
		cx, cy, err := parsePoint(centroidSpec)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("parsing centroid: %w", err)
		}
		return cx, cy, angle, nil
	}

	z, err := geometry.FirstPopulatedSlice(mask, w, h, d)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("locating landmarks: %w", err)
	}
	slice := mask[z*w*h : (z+1)*w*h]

	var cx, cy float64
	if centroidSpec != "" {
		cx, cy, err = parsePoint(centroidSpec)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("parsing centroid: %w", err)
		}
	} else {
		cx, cy, err = geometry.FindCentroid(slice, w, h)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("locating centroid: %w", err)
		}
		log.Info().Int("slice", z).Float64("x", cx).Float64("y", cy).Msg("located centroid")
	}

	if !math.IsNaN(angle) {
		return cx, cy, angle, nil
	}

	fx, fy, err := geometry.FindFiducial(slice, w, h)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("locating fiducial: %w", err)
	}
	angleDeg := geometry.FiducialAngle(cx, cy, fx, fy)
	log.Info().
		Float64("x", fx).
		Float64("y", fy).
		Float64("angle", angleDeg).
		Msg("located fiducial")
	return cx, cy, angleDeg, nil
}

func runSummarize(args []string) error {
	fs := flag.NewFlagSet("summarize", flag.ExitOnError)
	outPath := fs.String("out", "summary.png", "Output chart filename")
	maskSpec := fs.String("masks", "", "Comma-separated mask paths, one per image")
	xvalSpec := fs.String("xvals", "", "Comma-separated x values, one per image")
	xlabel := fs.String("xlabel", "", "X axis label")
	ylabel := fs.String("ylabel", "", "Y axis label")
	configPath := fs.String("config", "phantomutils.yaml", "Configuration file")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("summarize requires at least one image argument")
	}

	cfg, log, err := loadPipelineConfig(*configPath, *verbose)
	if err != nil {
		return err
	}

	maskPaths := splitList(*maskSpec)
	if len(maskPaths) > 0 && len(maskPaths) != fs.NArg() {
		return fmt.Errorf("got %d masks for %d images", len(maskPaths), fs.NArg())
	}

	images := make([]*imageio.DerivedImage, fs.NArg())
	for i, path := range fs.Args() {
		maskPath := ""
		if len(maskPaths) > 0 {
			maskPath = maskPaths[i]
		}
		img, err := imageio.LoadDerived(path, maskPath)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		images[i] = img
	}

	xvals, err := parseFloats(*xvalSpec)
	if err != nil {
		return fmt.Errorf("parsing xvals: %w", err)
	}

	stats := summary.Describe(images)
	for i, s := range stats {
		log.Debug().
			Str("image", fs.Arg(i)).
			Float64("mean", s.Mean).
			Float64("std", s.Std).
			Int("n", s.N).
			Msg("image statistics")
	}

	opts := summary.ChartOptions{
		Width:  cfg.Charts.Width,
		Height: cfg.Charts.Height,
		XLabel: *xlabel,
		YLabel: *ylabel,
	}
	if err := summary.RenderStats(stats, xvals, opts, *outPath); err != nil {
		return fmt.Errorf("rendering chart: %w", err)
	}
	log.Info().Str("out", *outPath).Int("images", len(images)).Msg("summary chart written")
	return nil
}

func runSignal(args []string) error {
	fs := flag.NewFlagSet("signal", flag.ExitOnError)
	maskPath := fs.String("mask", "", "Phantom mask image")
	sliceIdx := fs.Int("slice", -1, "Restrict to one slice (default: whole mask)")
	phi := fs.Float64("phi", math.NaN(), "Gate direction azimuth in degrees")
	theta := fs.Float64("theta", math.NaN(), "Gate direction inclination in degrees")
	tol := fs.Float64("tol", 10, "Direction gate tolerance in degrees")
	refD := fs.Float64("ref", math.NaN(), "Overlay a mono-exponential reference decay with this diffusivity (um^2/ms)")
	outPath := fs.String("out", "signal.png", "Output chart filename")
	configPath := fs.String("config", "phantomutils.yaml", "Configuration file")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	fs.Parse(args)

	if fs.NArg() != 3 {
		return fmt.Errorf("signal requires image, bval and bvec arguments")
	}
	if *maskPath == "" {
		return fmt.Errorf("signal requires -mask")
	}

	cfg, log, err := loadPipelineConfig(*configPath, *verbose)
	if err != nil {
		return err
	}

	dwi, err := imageio.LoadDWI(fs.Arg(0), fs.Arg(1), fs.Arg(2), *maskPath, cfg.Fit.B0Threshold)
	if err != nil {
		return fmt.Errorf("loading diffusion data: %w", err)
	}

	if *sliceIdx >= 0 {
		if err := restrictMaskToSlice(dwi, *sliceIdx); err != nil {
			return err
		}
	}

	var dirGate []bool
	if !math.IsNaN(*phi) && !math.IsNaN(*theta) {
		dirGate = bselect.ByDirection(dwi.Gtab.Bvecs, *phi, *theta, *tol)
	}

	shells := bvalShells(dwi.Gtab.Bvals)
	log.Info().
		Int("shells", len(shells)).
		Bool("gated", dirGate != nil).
		Msg("summarizing shell signal")

	series, err := summary.ShellSignal(dwi, shells, dirGate)
	if err != nil {
		return fmt.Errorf("computing shell signal: %w", err)
	}

	plotted := []summary.Series{series}
	if !math.IsNaN(*refD) {
		// Anchor the reference decay at the measured b0 signal.
		plotted = append(plotted, summary.Series{
			Name: fmt.Sprintf("reference D=%g", *refD),
			X:    series.X,
			Y:    summary.MonoExponential(series.Y[0], *refD, series.X),
		})
	}

	opts := summary.ChartOptions{
		Width:  cfg.Charts.Width,
		Height: cfg.Charts.Height,
		XLabel: "b-value (s/mm^2)",
		YLabel: "signal",
		LogY:   true,
	}
	if err := summary.Render(plotted, opts, *outPath); err != nil {
		return fmt.Errorf("rendering chart: %w", err)
	}
	log.Info().Str("out", *outPath).Msg("signal chart written")
	return nil
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	fs.Parse(args)

	path := "phantomutils.yaml"
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	if err := config.CreateDefaultConfigFile(path); err != nil {
		return fmt.Errorf("writing default configuration: %w", err)
	}
	log := logging.NewConsole(false)
	log.Info().Str("path", path).Msg("default configuration written")
	return nil
}

// loadPattern reads an infill pattern description from a YAML file.
func loadPattern(path string) (scaninfo.Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}
	var spec scaninfo.PatternSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing pattern file: %w", err)
	}
	pattern, err := spec.Build()
	if err != nil {
		return nil, fmt.Errorf("building pattern: %w", err)
	}
	return pattern, nil
}

// restrictMaskToSlice keeps only the mask voxels on one z slice.
func restrictMaskToSlice(dwi *imageio.DWImage, zIdx int) error {
	nx, ny, nz := dwi.Img.Nx, dwi.Img.Ny, dwi.Img.Nz
	if zIdx >= nz {
		return fmt.Errorf("slice %d out of range for %d slices", zIdx, nz)
	}
	for z := 0; z < nz; z++ {
		if z == zIdx {
			continue
		}
		for i := z * nx * ny; i < (z+1)*nx*ny; i++ {
			dwi.Mask[i] = false
		}
	}
	return nil
}

// bvalShells groups acquisitions into half-open shells around the distinct
// b-values of the scheme.
func bvalShells(bvals []float64) []summary.Shell {
	seen := make(map[float64]bool)
	var centers []float64
	for _, b := range bvals {
		if !seen[b] {
			seen[b] = true
			centers = append(centers, b)
		}
	}
	sort.Float64s(centers)

	shells := make([]summary.Shell, len(centers))
	for i, c := range centers {
		shells[i] = summary.Shell{Center: c, Lower: c, Upper: c + 1}
	}
	return shells
}

func parsePoint(spec string) (float64, float64, error) {
	parts := splitList(spec)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want x,y but got %q", spec)
	}
	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func parseFloats(spec string) ([]float64, error) {
	parts := splitList(spec)
	if len(parts) == 0 {
		return nil, nil
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("bad value %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

func splitList(spec string) []string {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	parts := strings.Split(spec, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
