package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	debug       bool
	showVersion bool
)

func init() {
	flag.BoolVar(&debug, "debug", false, "show debug logs (useful for tracing ep0 traffic)")
	flag.BoolVar(&debug, "d", false, "shorthand for --debug")
	flag.BoolVar(&showVersion, "version", false, "print version info and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <functionfs-mount-dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
}

func main() {
	if showVersion {
		fmt.Printf("sdr-gadget %s-%s (%s)\n", buildType, versionTag, gitCommit)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	ffsDir := flag.Arg(0)

	logger, err := sdrgadget.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if debug {
		named.Debug("Debug flag provided, all log messages will be shown")
	}

	g, err := sdrgadget.NewGadget(logger, debug)
	if err != nil {
		named.Fatalw("Failed to create gadget object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		g.SetVersion(versionString)
	}

	if err = g.Initialize(ffsDir); err != nil {
		named.Fatalw("Failed to initialize gadget", "error", err)
	}
}
