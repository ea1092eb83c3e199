package matcher

import (
	"context"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

type Params struct {
	Trials  int
	Workers int
	Seed    int64
}

var DefaultParams = Params{
	Trials:  50000,
	Workers: 1,
}

type Result struct {
	Placement Placement
	Outcome   Outcome
	Trial     int
	Params    Params
	Agents    int
}

type best struct {
	trial     int
	outcome   Outcome
	placement Placement
}

func (b best) beats(o best) bool {
	if b.outcome.Better(o.outcome) {
		return true
	}
	if o.outcome.Better(b.outcome) {
		return false
	}
	return b.trial < o.trial
}

// Draws returns the tie-break values of trial i. Each trial has its own
// generator so the outcome of a run does not depend on the worker count.
func Draws(seed int64, trial, agents int) []float64 {
	rng := rand.New(rand.NewSource(seed + int64(trial)))
	d := make([]float64, agents)
	for i := range d {
		d[i] = rng.Float64()
	}
	return d
}

// Optimize runs params.Trials independent trials and keeps the one with the
// best outcome. Trials are spread over params.Workers goroutines (0 means
// GOMAXPROCS); ties go to the earliest trial.
func Optimize(ctx context.Context, p Problem, params Params) (Result, error) {
	c, err := compile(p)
	if err != nil {
		return Result{}, err
	}
	n := len(c.agentIDs)
	if n == 0 {
		return Result{}, ErrNoAgents
	}

	params.Trials = max(params.Trials, 1)
	if params.Workers <= 0 {
		params.Workers = runtime.GOMAXPROCS(0)
	}
	params.Workers = min(params.Workers, params.Trials)

	bests := make([]best, params.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := range params.Workers {
		g.Go(func() error {
			b := best{trial: -1, outcome: SentinelOutcome()}
			for k, i := 0, w; i < params.Trials; k, i = k+1, i+params.Workers {
				if k%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				t := newTrial(c, Draws(params.Seed, i, n))
				t.run()
				o := t.outcome()
				if o.Better(b.outcome) {
					b = best{trial: i, outcome: o, placement: t.placement()}
				}
			}
			bests[w] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	winner := bests[0]
	for _, b := range bests[1:] {
		if b.beats(winner) {
			winner = b
		}
	}
	return Result{
		Placement: winner.placement,
		Outcome:   winner.outcome,
		Trial:     winner.trial,
		Params:    params,
		Agents:    n,
	}, nil
}
