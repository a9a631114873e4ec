// Package main provides a CLI tool for validating abuse guard pattern files.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"abuse-guard/internal/correlation"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("guard-patterns %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: guard-patterns <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate YAML pattern files or directories\n")
	fmt.Fprintf(os.Stderr, "  list      List the effective catalog (builtins merged with files)\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed pattern information")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: guard-patterns validate [--verbose] <path> [<path>...]\n")
		os.Exit(1)
	}

	os.Exit(runValidate(paths, *verbose))
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	noBuiltins := fs.Bool("no-builtins", false, "Exclude the builtin catalog")
	fs.Parse(args)

	os.Exit(runList(fs.Args(), *noBuiltins))
}

func runValidate(paths []string, verbose bool) int {
	var totalFiles, validFiles, invalidFiles int

	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			invalidFiles++
			continue
		}
		for _, f := range files {
			totalFiles++
			if validateFile(f, verbose) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Printf("\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)

	if invalidFiles > 0 {
		return 1
	}
	return 0
}

// validateFile loads path on its own so duplicate names inside the file are
// caught along with parse and field errors.
func validateFile(path string, verbose bool) bool {
	registry, err := correlation.LoadRegistry(path, true)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	fmt.Printf("  OK    %s (%d pattern(s))\n", path, registry.Len())

	if verbose {
		for _, p := range registry.All() {
			printPattern(p)
			if p.MITRE != nil {
				fmt.Printf("          mitre: %s / %s\n", p.MITRE.TacticID, p.MITRE.TechniqueID)
			}
		}
	}

	return true
}

func runList(paths []string, noBuiltins bool) int {
	if len(paths) == 0 {
		if noBuiltins {
			return 0
		}
		for _, p := range correlation.BuiltinPatterns() {
			printPattern(p)
		}
		return 0
	}

	status := 0
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			status = 1
			continue
		}
		for _, f := range files {
			registry, err := correlation.LoadRegistry(f, noBuiltins)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", f, err)
				status = 1
				continue
			}
			fmt.Printf("# %s\n", f)
			for _, p := range registry.All() {
				printPattern(p)
			}
		}
	}
	return status
}

func printPattern(p *correlation.Pattern) {
	actions := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		actions[i] = string(a)
	}
	fmt.Printf("%-28s  %-9s  >=%-4d in %-6s  %-8s  %s\n",
		p.Name, p.Kind, p.Threshold, p.Window, p.Severity, strings.Join(actions, ","))
}

// collectYAMLFiles returns path itself when it is a file, or every YAML file
// under it when it is a directory.
func collectYAMLFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
