// Package config loads the small set of configuration knobs the core
// needs: the on-disk data directory and the name-miner's worker count
// and default effort (SPEC_FULL.md §1, "Configuration"). RPC/CLI/wallet
// configuration is out of scope, so this stays far smaller than the
// teacher's per-subcommand config structs.
package config

import (
	"runtime"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// DefaultDataDir is used when -datadir is not supplied.
const DefaultDataDir = "./data"

// DefaultMinerEffort is the miner's default effort level in [0,1]
// (spec.md §4.6: "effort-gated sleep 5ms + (1-effort)*1s").
const DefaultMinerEffort = 1.0

// Config is the core's full set of configuration knobs.
type Config struct {
	DataDir      string  `long:"datadir" description:"Directory holding the UTXO store, market DB, and bitname chain" default:"./data"`
	MinerThreads int     `long:"miner-threads" description:"Number of name-miner worker threads (default: number of CPUs)"`
	MinerEffort  float64 `long:"miner-effort" description:"Name-miner effort in [0,1]; lower values sleep longer between sweeps" default:"1.0"`
}

// ErrInvalidEffort is a Configuration-class error (spec.md §7) returned
// when MinerEffort falls outside [0,1].
var ErrInvalidEffort = errors.New("config: miner effort must be within [0,1]")

// Load parses Config from command-line flags, applying defaults the way
// the teacher's *config.go helpers do, without ever calling os.Exit:
// all failures are Configuration-class errors returned to the caller
// (spec.md §7).
func Load(args []string) (*Config, error) {
	cfg := &Config{
		DataDir:     DefaultDataDir,
		MinerEffort: DefaultMinerEffort,
	}
	parser := flags.NewParser(cfg, flags.PrintErrors|flags.HelpFlag)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, errors.Wrap(err, "config: parse flags")
	}
	if cfg.MinerThreads <= 0 {
		cfg.MinerThreads = runtime.NumCPU()
	}
	if cfg.MinerEffort < 0 || cfg.MinerEffort > 1 {
		return nil, ErrInvalidEffort
	}
	return cfg, nil
}
