package retrieval

import "github.com/fieldnotes/memoryengine/internal/config"

// Weights holds the scoring and diversification parameters pulled from
// config.Config. Kept as its own type so the pipeline doesn't take a
// dependency on the full application config.
type Weights struct {
	SeedK               int
	HopDepth            int
	HopFanout           int
	FinalK              int
	AlphaVec            float64
	BetaLex             float64
	GammaGraph          float64
	DeltaRecency        float64
	RecencyHalflifeDays float64
	UseMMR              bool
	MMRLambda           float64
	MMRPool             int
	GraphBonusMap       map[string]float64
}

// WeightsFromConfig copies the retrieval tuning fields out of the
// application config.
func WeightsFromConfig(cfg config.Config) Weights {
	return Weights{
		SeedK:               cfg.SeedK,
		HopDepth:            cfg.HopDepth,
		HopFanout:           cfg.HopFanout,
		FinalK:              cfg.FinalK,
		AlphaVec:            cfg.AlphaVec,
		BetaLex:             cfg.BetaLex,
		GammaGraph:          cfg.GammaGraph,
		DeltaRecency:        cfg.DeltaRecency,
		RecencyHalflifeDays: cfg.RecencyHalflifeDays,
		UseMMR:              cfg.UseMMR,
		MMRLambda:           cfg.MMRLambda,
		MMRPool:             cfg.MMRPool,
		GraphBonusMap:       cfg.GraphBonusMap,
	}
}
