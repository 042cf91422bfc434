// Package score implements scoring and selection: a weighted health
// score over rolling success rate, a latency sigmoid, security
// cleanliness and current working state, plus the "top K per protocol,
// fill to target" subset materialisation.
package score

import (
	"math"
	"sort"

	"github.com/spectremesh/spectremerge/internal/model"
)

// Config carries the scoring weights and selection bounds.
type Config struct {
	SuccessWeight  float64 // w1, rolling success rate
	LatencyWeight  float64 // w2, latency curve
	SecurityWeight float64 // w3, security bonus
	WorkingWeight  float64 // w4, currently working

	SoftCapLatencyMS float64 // sigmoid soft cap, default 5000

	TopPerProtocol int // K, default 40
	TotalTarget    int // T, default 1000
}

// DefaultConfig returns the default weights (40/30/20/10), a 5000ms soft
// cap, 40 per protocol and a 1000 total target.
func DefaultConfig() Config {
	return Config{
		SuccessWeight:    40,
		LatencyWeight:    30,
		SecurityWeight:   20,
		WorkingWeight:    10,
		SoftCapLatencyMS: 5000,
		TopPerProtocol:   40,
		TotalTarget:      1000,
	}
}

// LatencyCurve is the monotonically decreasing sigmoid mapping latency to
// [0,1], centred near 60% of the soft-cap latency. At the centre it returns
// 0.5; fast proxies approach 1, slow ones approach 0.
func (cfg Config) LatencyCurve(latencyMS float64) float64 {
	if latencyMS <= 0 {
		return 0
	}
	centre := 0.6 * cfg.SoftCapLatencyMS
	steep := cfg.SoftCapLatencyMS / 8
	return 1 / (1 + math.Exp((latencyMS-centre)/steep))
}

// HealthScore computes p's score in [0,100] from its rolling success rate,
// latency, security cleanliness and working state.
func (cfg Config) HealthScore(p *model.EnrichedProxy, rollingSuccessRate float64) float64 {
	score := cfg.SuccessWeight * clamp01(rollingSuccessRate)
	score += cfg.LatencyWeight * cfg.LatencyCurve(p.LatencyMS)
	if !p.HasSecurityIssues() {
		score += cfg.SecurityWeight
	}
	if p.IsWorking {
		score += cfg.WorkingWeight
	}
	total := cfg.SuccessWeight + cfg.LatencyWeight + cfg.SecurityWeight + cfg.WorkingWeight
	if total <= 0 {
		return 0
	}
	return 100 * score / (total)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Select materialises the chosen subset: filter to working proxies
// with no security issues and a measured latency, sort ascending by latency
// (ties broken on fingerprint for determinism), take the top K per protocol,
// then fill to T from the remaining best by latency. The input slice is not
// mutated.
func (cfg Config) Select(proxies []*model.EnrichedProxy) []*model.EnrichedProxy {
	eligible := make([]*model.EnrichedProxy, 0, len(proxies))
	for _, p := range proxies {
		if p.IsWorking && !p.HasSecurityIssues() && p.LatencyMS > 0 {
			eligible = append(eligible, p)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].LatencyMS != eligible[j].LatencyMS {
			return eligible[i].LatencyMS < eligible[j].LatencyMS
		}
		return eligible[i].Fingerprint < eligible[j].Fingerprint
	})

	k := cfg.TopPerProtocol
	target := cfg.TotalTarget
	if k <= 0 {
		k = DefaultConfig().TopPerProtocol
	}
	if target <= 0 {
		target = DefaultConfig().TotalTarget
	}

	perProto := map[model.Protocol]int{}
	chosen := make([]*model.EnrichedProxy, 0, target)
	leftover := make([]*model.EnrichedProxy, 0, len(eligible))
	for _, p := range eligible {
		if perProto[p.Protocol] < k && len(chosen) < target {
			perProto[p.Protocol]++
			chosen = append(chosen, p)
			continue
		}
		leftover = append(leftover, p)
	}
	for _, p := range leftover {
		if len(chosen) >= target {
			break
		}
		chosen = append(chosen, p)
	}

	// chosen is built from two already-sorted passes; restore the global
	// latency order after the fill.
	sort.Slice(chosen, func(i, j int) bool {
		if chosen[i].LatencyMS != chosen[j].LatencyMS {
			return chosen[i].LatencyMS < chosen[j].LatencyMS
		}
		return chosen[i].Fingerprint < chosen[j].Fingerprint
	})
	return chosen
}
