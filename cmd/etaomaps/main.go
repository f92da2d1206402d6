package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"etaomaps/pkg/config"
	"etaomaps/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "etaomaps.yml", "Path to the YAML configuration file")
	outputFile := flag.String("output", "", "Output archive (default: <analysisName>_eta-ome_maps.npz in the working directory)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (0: from config, -1: all but one, -2: half)")
	plotsDir := flag.String("plots", "", "Directory for ring plots (overrides output.plotsDir)")
	initConfig := flag.Bool("init", false, "Write a default configuration file to -config and exit")
	flag.Parse()

	if *initConfig {
		if _, err := os.Stat(*configPath); err == nil {
			log.Fatalf("Refusing to overwrite existing config file %s", *configPath)
		}
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to create config file: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	if _, err := os.Stat(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Config file %s not found; create one with -init\n", *configPath)
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("ETA-OMEGA MAP GENERATION")
	fmt.Printf("Analysis: %s\n", cfg.Base.AnalysisName)
	fmt.Println("================================")

	runner := pipeline.NewRunner(&pipeline.Params{
		Config:     cfg,
		OutputFile: *outputFile,
		NumCores:   *numCores,
		PlotsDir:   *plotsDir,
	})

	startTime := time.Now()
	if err := runner.Process(); err != nil {
		log.Fatalf("Eta-omega map generation failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nCompleted run %s in %.2f seconds\n", runner.RunID(), processingTime.Seconds())
	fmt.Printf("Eta-omega maps saved to: %s\n\n", runner.ArchivePath())

	fmt.Println("Ring Statistics:")
	fmt.Println("=======================================")
	fmt.Printf("%4s  %-7s %8s %9s %12s %12s %12s %9s %9s\n",
		"ring", "hkl", "tth", "coverage", "mean", "std", "max", "omega", "eta")
	for _, s := range runner.Summary() {
		fmt.Printf("%4d  %-7s %8.3f %8.1f%% %12s %12s %12s %9s %9s\n",
			s.Ring,
			fmt.Sprintf("%d%d%d", s.HKL[0], s.HKL[1], s.HKL[2]),
			s.TTh,
			100*s.Coverage,
			formatValue(s.Mean, "%12.2f"),
			formatValue(s.StdDev, "%12.2f"),
			formatValue(s.Max, "%12.2f"),
			formatValue(s.PeakOmega, "%9.2f"),
			formatValue(s.PeakEta, "%9.2f"))
	}
}

func formatValue(v float64, format string) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf(format, v)
}
