package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/diffsec/numbat/internal/codec"
)

var infoCmd = &cobra.Command{
	Use:   "info <index-file>",
	Short: "Decode and print a saved index header",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := printInfo(args[0]); err != nil {
			exitError("%v", err)
		}
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <index-file>",
	Short: "Verify header and body checksums",
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		if err != nil {
			exitError("%v", err)
		}
		defer f.Close()

		snap, err := codec.Read(f)
		if err != nil {
			exitError("%v", err)
		}
		fmt.Printf("ok: %d vectors, %d dimensions, metric=%s, scalar=%s\n",
			len(snap.Keys), snap.Dims, snap.Metric, snap.Scalar)
	},
}

func init() {
	verifyCmd.Args = cobra.ExactArgs(1)
	rootCmd.AddCommand(infoCmd, verifyCmd)
}

func printInfo(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr, err := codec.ReadHeader(f)
	if err != nil {
		return err
	}
	fmt.Printf("version:         %d\n", hdr.Version)
	fmt.Printf("scalar:          %s\n", hdr.Scalar)
	fmt.Printf("metric:          %s\n", hdr.Metric)
	fmt.Printf("dimensions:      %d\n", hdr.Dimensions)
	fmt.Printf("size:            %d\n", hdr.Size)
	fmt.Printf("capacity:        %d\n", hdr.Capacity)
	fmt.Printf("M:               %d\n", hdr.M)
	fmt.Printf("ef_construction: %d\n", hdr.EfConstruction)
	fmt.Printf("ef_search:       %d\n", hdr.EfSearch)
	fmt.Printf("entry_top_layer: %d\n", hdr.EntryTopLayer)
	if hdr.Scalar == "i8" {
		fmt.Printf("scale:           %g\n", hdr.Scale)
	}
	return nil
}
