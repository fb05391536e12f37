// control/env.go
//
// Reads the client environment variables of spec §6: PORTALS4_SHM_NAME,
// PORTALS4_NUM_PROCS, PORTALS4_RANK, PORTALS4_COMM_SIZE (required) and
// PORTALS4_SMALL_FRAG_SIZE, PORTALS4_LARGE_FRAG_SIZE,
// PORTALS4_SMALL_FRAG_COUNT, PORTALS4_LARGE_FRAG_COUNT (optional, with
// defaults), then optionally layers a TOML file (--config) over the
// PPE-specific settings via github.com/BurntSushi/toml.
//
// Grounded on control/config.go's snapshot+listener ConfigStore shape,
// generalized here into a typed struct since §6's variables have a fixed,
// known shape rather than arbitrary key/value pairs.
package control

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/mschoenw/portals4/api"
)

// ClientEnv holds the required §6 environment variables.
type ClientEnv struct {
	ShmName  string
	NumProcs int
	Rank     int
	CommSize int

	SmallFragSize  int
	LargeFragSize  int
	SmallFragCount int
	LargeFragCount int
}

const (
	defaultSmallFragSize  = 4096
	defaultLargeFragSize  = 1 << 20
	defaultSmallFragCount = 512
	defaultLargeFragCount = 64
)

// LoadClientEnv reads the §6 environment variables, returning an error
// wrapping api.ErrNoInit if any required variable is absent or empty, and
// one wrapping api.ErrArgInvalid if a required integer is malformed.
func LoadClientEnv() (ClientEnv, error) {
	var env ClientEnv
	var err error

	if env.ShmName, err = requireEnv("PORTALS4_SHM_NAME"); err != nil {
		return env, err
	}
	if env.NumProcs, err = requireEnvInt("PORTALS4_NUM_PROCS"); err != nil {
		return env, err
	}
	if env.Rank, err = requireEnvInt("PORTALS4_RANK"); err != nil {
		return env, err
	}
	if env.CommSize, err = requireEnvInt("PORTALS4_COMM_SIZE"); err != nil {
		return env, err
	}

	env.SmallFragSize = optionalEnvInt("PORTALS4_SMALL_FRAG_SIZE", defaultSmallFragSize)
	env.LargeFragSize = optionalEnvInt("PORTALS4_LARGE_FRAG_SIZE", defaultLargeFragSize)
	env.SmallFragCount = optionalEnvInt("PORTALS4_SMALL_FRAG_COUNT", defaultSmallFragCount)
	env.LargeFragCount = optionalEnvInt("PORTALS4_LARGE_FRAG_COUNT", defaultLargeFragCount)
	return env, nil
}

func requireEnv(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("control: required environment variable %s not set: %w", name, api.ErrNoInit)
	}
	return v, nil
}

func requireEnvInt(name string) (int, error) {
	v, err := requireEnv(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("control: %s must be an integer: %w: %w", name, api.ErrArgInvalid, err)
	}
	return n, nil
}

func optionalEnvInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// PPEFileConfig is the TOML-file layer for the PPE server (spec §6 CLI
// flags given a file-based alternative, per SPEC_FULL.md §7). NPPEBufs is
// the client submission-queue capacity (spec.md §6 "--nppebufs"), not the
// shared-memory ring count, which has no file-config equivalent yet.
type PPEFileConfig struct {
	NPPEBufs      int `toml:"nppebufs"`
	NProgThreads  int `toml:"nprogthreads"`
	SegmentSizeMB int `toml:"segment_size_mb"`
}

// LoadPPEFileConfig parses a TOML file at path into a PPEFileConfig.
func LoadPPEFileConfig(path string) (PPEFileConfig, error) {
	var cfg PPEFileConfig
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}
