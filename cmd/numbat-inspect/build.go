package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/diffsec/numbat"
)

var (
	buildConfigPath string
	buildOutPath    string
)

var buildCmd = &cobra.Command{
	Use:   "build <raw-vector-file>",
	Short: "Build an index from a raw f32 vector file",
	Long: `Build reads a headerless little-endian f32 vector file, bulk-loads
it into a fresh index configured by --config, and saves the result.

The config file is YAML:

  dimensions: 384
  quantization: f32   # or i8
  metric: cos         # cos | l2sq | ip | hamming | jaccard
  m: 16
  ef_construction: 64
  ef_search: 64`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runBuild(args[0]); err != nil {
			exitError("%v", err)
		}
	},
}

func init() {
	buildCmd.Flags().StringVarP(&buildConfigPath, "config", "c", "", "YAML config file (required)")
	buildCmd.Flags().StringVarP(&buildOutPath, "out", "o", "", "output index file (required)")
	_ = buildCmd.MarkFlagRequired("config")
	_ = buildCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(vectorsPath string) error {
	cfg, err := numbat.LoadConfig(buildConfigPath)
	if err != nil {
		return err
	}

	ix, err := numbat.New(cfg.Dimensions, numbat.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer ix.Close()

	if err := ix.LoadVectorsFromFile(vectorsPath); err != nil {
		return err
	}
	for ix.IsIndexing() {
		p := ix.IndexingProgress()
		fmt.Printf("\rindexing %d/%d (%.0f%%)", p.Current, p.Total, p.Percentage)
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Println()

	res, err := ix.LastResult()
	if err != nil {
		return err
	}
	if err := ix.Save(buildOutPath); err != nil {
		return err
	}
	fmt.Printf("built %s: %d vectors in %s (isa=%s)\n", buildOutPath, res.Count, res.Duration, ix.ISA())
	return nil
}
