package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
	"github.com/eugenenazirov/bundle-allocator/internal/logging"
)

// problem is the input file layout.
type problem struct {
	Inventory []allocator.Record     `yaml:"inventory"`
	Bundles   []allocator.BundleSpec `yaml:"bundles"`
}

type output struct {
	allocator.Summary
	Preview []allocator.Allocation `json:"preview,omitempty"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "allocate:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	app := kingpin.New("allocate", "Solve a bundle allocation problem offline and print the result as JSON")
	app.Terminate(nil)
	app.UsageWriter(stdout)

	solve := app.Command("solve", "Solve the problem described by a YAML file")
	input := solve.Flag("input", "YAML file with inventory and bundles").Short('i').Required().ExistingFile()
	profile := solve.Flag("profile", "Allocator profile").Default(allocator.ProfileDefault).Enum(allocator.Profiles()...)
	sortField := solve.Flag("sort-field", "Attribute to sort inventory by").Default(allocator.DefaultSortField).String()
	descending := solve.Flag("desc", "Sort in descending order").Bool()
	preview := solve.Flag("preview", "Include the first N units of the sorted deck").Default("0").Int()
	logLevel := solve.Flag("log-level", "Log level for engine logs written to stderr; debug turns on per-stage engine logs").Default("warn").String()

	profiles := app.Command("profiles", "List allocator profiles")

	cmd, err := app.Parse(args)
	if err != nil {
		return err
	}

	switch cmd {
	case profiles.FullCommand():
		for _, name := range allocator.Profiles() {
			fmt.Fprintln(stdout, name)
		}
		return nil
	case solve.FullCommand():
		if *preview < 0 {
			return fmt.Errorf("preview must not be negative")
		}
		logger, err := logging.New(*logLevel)
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
		}()
		return solveFile(*input, *profile, *sortField, *descending, *preview, logger, stdout)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func solveFile(path, profile, sortField string, descending bool, preview int, logger *zap.Logger, stdout io.Writer) error {
	p, err := loadProblem(path)
	if err != nil {
		return err
	}

	set, err := allocator.BuildBundleSet(p.Bundles)
	if err != nil {
		return fmt.Errorf("bundles: %w", err)
	}

	opts, err := allocator.ProfileOptions(profile)
	if err != nil {
		return err
	}
	opts.SortField = sortField
	opts.SortDescending = descending
	if logger.Core().Enabled(zapcore.DebugLevel) {
		opts.EnableLogging = true
	}

	inventory := make([]allocator.Item, len(p.Inventory))
	for i := range p.Inventory {
		inventory[i] = &p.Inventory[i]
	}

	res, err := allocator.New(allocator.WithOptions(opts), allocator.WithLogger(logger)).Solve(inventory, set)
	if err != nil {
		return err
	}

	out := output{Summary: res.Summary()}
	if preview > 0 {
		out.Preview = allocator.Allocations(res.SubsetItems(preview))
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func loadProblem(path string) (*problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read problem: %w", err)
	}
	var p problem
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse problem %s: %w", path, err)
	}
	return &p, nil
}
