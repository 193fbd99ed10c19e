// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	stackt "github.com/popcornlinux/stackt"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	verbose       bool
	sectionPrefix string
	wantFunctions bool
	wantSites     bool
	wantLive      bool
	wantArchLive  bool
	wantUnwind    bool
)

// config drives batch validation of binary pairs.
type config struct {
	SectionPrefix string `yaml:"section_prefix"`
	Pairs         []struct {
		A string `yaml:"a"`
		B string `yaml:"b"`
	} `yaml:"pairs"`
}

func prettyPrint(buff []byte) string {
	var prettyJSON bytes.Buffer
	err := json.Indent(&prettyJSON, buff, "", "\t")
	if err != nil {
		log.Println("JSON parse error: ", err)
		return string(buff)
	}

	return prettyJSON.String()
}

func openBinary(filename string) (*stackt.File, error) {
	opts := stackt.Options{SectionPrefix: sectionPrefix}
	f, err := stackt.New(filename, &opts)
	if err != nil {
		return nil, err
	}
	if err := f.Parse(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func dumpBinary(filename string) {
	f, err := openBinary(filename)
	if err != nil {
		log.Printf("error while opening file: %s, reason: %v", filename, err)
		return
	}
	defer f.Close()

	md, err := f.Dump()
	if err != nil {
		log.Printf("error while dumping %s, reason: %v", filename, err)
		return
	}

	// Trim the snapshot to the requested record kinds.
	all := !wantFunctions && !wantSites && !wantLive && !wantArchLive && !wantUnwind
	if !all && !wantFunctions {
		md.Functions = nil
	}
	if !all && !wantSites {
		md.CallSites = nil
	}
	if !all && !wantLive {
		md.LiveValues = nil
	}
	if !all && !wantArchLive {
		md.ArchLiveValues = nil
	}
	if !all && !wantUnwind {
		md.UnwindLocs = nil
	}

	buff, err := json.Marshal(md)
	if err != nil {
		log.Printf("error while marshaling %s, reason: %v", filename, err)
		return
	}
	fmt.Println(prettyPrint(buff))
}

func checkPair(a, b string) bool {
	fa, err := openBinary(a)
	if err != nil {
		log.Printf("error while opening file: %s, reason: %v", a, err)
		return false
	}
	defer fa.Close()

	fb, err := openBinary(b)
	if err != nil {
		log.Printf("error while opening file: %s, reason: %v", b, err)
		return false
	}
	defer fb.Close()

	findings, err := stackt.CheckPair(fa, fb)
	if err != nil {
		log.Printf("error while checking %s vs %s, reason: %v", a, b, err)
		return false
	}
	for _, finding := range findings {
		fmt.Printf("%s vs %s: %s\n", a, b, finding)
	}
	if len(findings) == 0 && verbose {
		fmt.Printf("%s vs %s: metadata consistent\n", a, b)
	}
	return len(findings) == 0
}

func runCheck(cmd *cobra.Command, args []string) {
	configFile, _ := cmd.Flags().GetString("config")
	ok := true

	if configFile != "" {
		data, err := ioutil.ReadFile(configFile)
		if err != nil {
			log.Fatalf("error while reading config %s, reason: %v", configFile, err)
		}
		var cfg config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("error while parsing config %s, reason: %v", configFile, err)
		}
		if cfg.SectionPrefix != "" {
			sectionPrefix = cfg.SectionPrefix
		}
		for _, pair := range cfg.Pairs {
			ok = checkPair(pair.A, pair.B) && ok
		}
	} else {
		if len(args) != 2 {
			log.Fatal("check requires two binaries or a --config file")
		}
		ok = checkPair(args[0], args[1])
	}

	if !ok {
		os.Exit(1)
	}
}

func main() {

	rootCmd := &cobra.Command{
		Use:   "stdump",
		Short: "Inspect and validate stack transformation metadata",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("You are using version 1.0.0")
		},
	}

	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump metadata sections of one or more binaries",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			for _, arg := range args {
				dumpBinary(arg)
			}
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check [binary-a binary-b]",
		Short: "Validate metadata consistency across a binary pair",
		Run:   runCheck,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Verbose output")
	rootCmd.PersistentFlags().StringVarP(&sectionPrefix, "prefix", "p",
		stackt.DefaultSectionPrefix, "Metadata section name prefix")
	dumpCmd.Flags().BoolVar(&wantFunctions, "functions", false, "Dump function records")
	dumpCmd.Flags().BoolVar(&wantSites, "sites", false, "Dump call site records")
	dumpCmd.Flags().BoolVar(&wantLive, "live", false, "Dump live value records")
	dumpCmd.Flags().BoolVar(&wantArchLive, "archlive", false, "Dump arch-specific live value records")
	dumpCmd.Flags().BoolVar(&wantUnwind, "unwind", false, "Dump unwind records")
	checkCmd.Flags().String("config", "", "YAML file listing binary pairs to check")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(checkCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
