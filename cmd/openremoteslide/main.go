// Command openremoteslide is the CLI surface over pkg/slide: open a
// whole-slide image, print its properties, read a region to a PNG, walk
// a directory reporting what it finds, and serve/print process metrics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karrick/godirwalk"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huangch/openremoteslide/pkg/metrics"
	"github.com/huangch/openremoteslide/pkg/mountfs"
	"github.com/huangch/openremoteslide/pkg/slide"
)

const defaultCacheDirName = ".cache/openremoteslide"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Debug().Str("cache_dir", defaultCacheDir()).Interface("debug_flags", debugFlags()).Msg("startup")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "open":
		openCommand()
	case "properties":
		propertiesCommand()
	case "read-region":
		readRegionCommand()
	case "scan":
		scanCommand()
	case "mount":
		mountCommand()
	case "umount", "unmount":
		umountCommand()
	case "metrics":
		metricsCommand()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `openremoteslide - whole-slide image inspection tool

Usage:
  openremoteslide <command> [options]

Commands:
  open           Open a slide and print its level/vendor summary
  properties     Print all properties of a slide as JSON
  read-region    Decode a rectangular region to a PNG file
  scan           Walk a directory reporting detect_vendor for each file
  mount          Mount a slide's tiles as a browsable read-only directory
  umount         Unmount a previously mounted slide directory
  metrics        Print or serve process metrics

Environment Variables:
  OPENREMOTESLIDE_DEBUG     Comma-separated subset of detection,jpeg-markers,performance,tiles
  OPENREMOTESLIDE_CACHE_DIR Default cache/log directory (default: ~/.cache/openremoteslide)

`)
}

func openCommand() {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	path := fs.String("path", "", "slide path or URL (required)")
	fs.Parse(os.Args[2:])
	if *path == "" {
		failUsage(fs, "--path is required")
	}

	s, err := slide.Open(context.Background(), *path)
	if err != nil {
		log.Fatal().Err(err).Msg("open failed")
	}
	if s == nil {
		fmt.Println("not recognized")
		os.Exit(2)
	}
	defer s.Close()
	if err := s.Error(); err != nil {
		fmt.Printf("recognized but in error: %v\n", err)
		os.Exit(2)
	}

	w, h := s.Level0Dimensions()
	fmt.Printf("levels: %d\n", s.LevelCount())
	fmt.Printf("level0: %dx%d\n", w, h)
	for i := 0; i < s.LevelCount(); i++ {
		lw, lh := s.LevelDimensions(i)
		fmt.Printf("  level %d: %dx%d downsample=%.3f\n", i, lw, lh, s.LevelDownsample(i))
	}
}

func propertiesCommand() {
	fs := flag.NewFlagSet("properties", flag.ExitOnError)
	path := fs.String("path", "", "slide path or URL (required)")
	fs.Parse(os.Args[2:])
	if *path == "" {
		failUsage(fs, "--path is required")
	}

	s, err := slide.Open(context.Background(), *path)
	if err != nil || s == nil {
		log.Fatal().Err(err).Msg("open failed")
	}
	defer s.Close()

	out := map[string]string{}
	for _, name := range s.PropertyNames() {
		if v, ok := s.PropertyValue(name); ok {
			out[name] = v
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func readRegionCommand() {
	fs := flag.NewFlagSet("read-region", flag.ExitOnError)
	path := fs.String("path", "", "slide path or URL (required)")
	level := fs.Int("level", 0, "pyramid level")
	x := fs.Int64("x", 0, "level-0 x coordinate")
	y := fs.Int64("y", 0, "level-0 y coordinate")
	w := fs.Int("w", 256, "region width in level-local pixels")
	h := fs.Int("h", 256, "region height in level-local pixels")
	out := fs.String("out", "region.png", "output PNG path")
	fs.Parse(os.Args[2:])
	if *path == "" {
		failUsage(fs, "--path is required")
	}

	s, err := slide.Open(context.Background(), *path)
	if err != nil || s == nil {
		log.Fatal().Err(err).Msg("open failed")
	}
	defer s.Close()

	dst := make([]uint32, *w**h)
	s.ReadRegion(context.Background(), *level, *x, *y, *w, *h, dst)
	if err := s.Error(); err != nil {
		log.Fatal().Err(err).Msg("read_region failed")
	}

	img := image.NewNRGBA(image.Rect(0, 0, *w, *h))
	for i, px := range dst {
		a := byte(px >> 24)
		r := byte(px >> 16)
		g := byte(px >> 8)
		b := byte(px)
		img.Set(i%(*w), i/(*w), color.NRGBA{R: r, G: g, B: b, A: a})
	}
	f, err := os.Create(*out)
	if err != nil {
		log.Fatal().Err(err).Msg("create output file")
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		log.Fatal().Err(err).Msg("encode PNG")
	}
	fmt.Println(*out)
}

func scanCommand() {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	dir := fs.String("dir", ".", "directory to walk")
	fs.Parse(os.Args[2:])

	err := godirwalk.Walk(*dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			vendor, err := slide.DetectVendor(context.Background(), path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("detect_vendor failed")
				return nil
			}
			if vendor == "" {
				return nil
			}
			fmt.Printf("%s\t%s\n", path, vendor)
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("scan failed")
	}
}

func mountCommand() {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	path := fs.String("path", "", "slide path or URL (required)")
	mountpoint := fs.String("mountpoint", "", "directory to mount at (required)")
	fs.Parse(os.Args[2:])
	if *path == "" || *mountpoint == "" {
		failUsage(fs, "--path and --mountpoint are required")
	}

	s, err := slide.Open(context.Background(), *path)
	if err != nil || s == nil {
		log.Fatal().Err(err).Msg("open failed")
	}
	if err := s.Error(); err != nil {
		log.Fatal().Err(err).Msg("slide is in error state")
	}

	server, err := mountfs.Mount(s, *mountpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("mount failed")
	}
	log.Info().Str("mountpoint", *mountpoint).Msg("mounted, serving until unmounted")
	server.Wait()
}

func umountCommand() {
	fs := flag.NewFlagSet("umount", flag.ExitOnError)
	mountpoint := fs.String("mountpoint", "", "directory to unmount (required)")
	fs.Parse(os.Args[2:])
	if *mountpoint == "" {
		failUsage(fs, "--mountpoint is required")
	}

	mounted, err := mountinfo.Mounted(*mountpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("checking mount table")
	}
	if !mounted {
		fmt.Printf("%s is not mounted\n", *mountpoint)
		return
	}
	if err := mountfs.Unmount(*mountpoint); err != nil {
		log.Fatal().Err(err).Msg("unmount failed")
	}
	fmt.Printf("%s unmounted\n", *mountpoint)
}

func metricsCommand() {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	format := fs.String("format", "json", "output format (json, prometheus)")
	serve := fs.Bool("serve", false, "start an HTTP metrics server instead of printing once")
	port := fs.String("port", "8080", "HTTP server port")
	fs.Parse(os.Args[2:])

	if *serve {
		log.Info().Str("port", *port).Msg("serving /metrics and /health")
		if err := http.ListenAndServe(":"+*port, metrics.Global.Handler()); err != nil {
			log.Fatal().Err(err).Msg("metrics server failed")
		}
		return
	}

	if *format == "prometheus" {
		metrics.Global.WritePrometheus(os.Stdout)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(metrics.Global.Snapshot())
}

func failUsage(fs *flag.FlagSet, msg string) {
	fmt.Fprintf(os.Stderr, "error: %s\n\n", msg)
	fs.Usage()
	os.Exit(2)
}

func defaultCacheDir() string {
	if v := os.Getenv("OPENREMOTESLIDE_CACHE_DIR"); v != "" {
		return v
	}
	home, err := homedir.Dir()
	if err != nil {
		return defaultCacheDirName
	}
	return filepath.Join(home, defaultCacheDirName)
}

// debugFlags parses OPENREMOTESLIDE_DEBUG into its recognized subset,
// printing a help line for any keyword it doesn't recognize rather than
// failing, per spec.md §6.
func debugFlags() map[string]bool {
	known := map[string]bool{"detection": true, "jpeg-markers": true, "performance": true, "tiles": true}
	out := map[string]bool{}
	raw := os.Getenv("OPENREMOTESLIDE_DEBUG")
	if raw == "" {
		return out
	}
	for _, kw := range strings.Split(raw, ",") {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if !known[kw] {
			fmt.Fprintf(os.Stderr, "openremoteslide: unknown OPENREMOTESLIDE_DEBUG keyword %q (known: detection, jpeg-markers, performance, tiles)\n", kw)
			continue
		}
		out[kw] = true
	}
	return out
}
