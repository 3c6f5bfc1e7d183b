// Package config loads the environment inputs the routegraph core consumes
// from its external collaborator (the process environment) through
// github.com/sethvargo/go-envconfig.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/routegraph/routegraph/internal/apperrors"
)

// Env holds the probing-pipeline configuration.
type Env struct {
	MaxThreads   uint16        `env:"MAX_THREADS,default=8"`
	NbIPIDs      uint8         `env:"NB_IP_IDS,default=4"`
	ProbeTimeout time.Duration `env:"PROBE_TIMEOUT,default=1s"`
	UDPPortLow   uint16        `env:"UDP_PORT_LOW,default=33434"`
	UDPPortHigh  uint16        `env:"UDP_PORT_HIGH,default=33529"`
}

// LoadEnv reads and validates the environment, mirroring the
// LoadEnv(ctx) (Env, error) shape.
func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	if err := envconfig.Process(ctx, &env); err != nil {
		return env, apperrors.Wrap(apperrors.KindConfig, err, "loading environment")
	}
	return env, env.Validate()
}

// Validate rejects configurations that can't produce a working pipeline:
// maxThreads < nbIPIDs+1 makes maxCollectors compute to zero and phase 1
// could never run a single worker.
func (e Env) Validate() error {
	if e.MaxThreads == 0 {
		return apperrors.New(apperrors.KindConfig, "MAX_THREADS must be > 0")
	}
	if uint32(e.MaxThreads) < uint32(e.NbIPIDs)+1 {
		return apperrors.New(apperrors.KindConfig,
			"MAX_THREADS (%d) must be >= NB_IP_IDS+1 (%d)", e.MaxThreads, e.NbIPIDs+1)
	}
	if e.UDPPortLow == 0 || e.UDPPortHigh < e.UDPPortLow {
		return apperrors.New(apperrors.KindConfig, "invalid UDP port range [%d,%d]", e.UDPPortLow, e.UDPPortHigh)
	}
	return nil
}

// MaxCollectors is the phase 1 IP-ID-collector concurrency cap:
// maxThreads / (nbIPIDs + 1).
func (e Env) MaxCollectors() int {
	return int(e.MaxThreads) / (int(e.NbIPIDs) + 1)
}

// PortBand returns the disjoint source-port band assigned to worker index i
// out of maxThreads total bands, for phases 2 and 3.
func (e Env) PortBand(i, maxThreads int) (low, high uint16) {
	total := uint32(e.UDPPortHigh) - uint32(e.UDPPortLow) + 1
	bandSize := total / uint32(maxThreads)
	if bandSize == 0 {
		bandSize = 1
	}
	low = e.UDPPortLow + uint16(uint32(i)*bandSize)
	if i == maxThreads-1 {
		high = e.UDPPortHigh
	} else {
		high = low + uint16(bandSize) - 1
	}
	return low, high
}
