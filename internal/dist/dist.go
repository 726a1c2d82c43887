// Package dist implements the inter-arrival / key-size / value-size / key
// selector distributions recognized by the agent's textual spec strings
// (spec forms like "exp:1000" or "pareto:0:1:0.5").
package dist

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// Source generates floating point samples from some probability
// distribution. Not all sources support SetAvg; those that do not return
// ErrSetAvgUnsupported from it.
type Source interface {
	// Generate returns one sample.
	Generate() float64
	// SetAvg reconfigures the source so its mean is avg. Only Fixed and
	// Exponential support this; others return ErrSetAvgUnsupported.
	SetAvg(avg float64) error
}

// ErrSetAvgUnsupported is returned by SetAvg on distributions that don't
// define a closed-form reconfiguration by mean.
var ErrSetAvgUnsupported = fmt.Errorf("dist: SetAvg not supported by this distribution")

// ErrUnknownSpec is returned by Parse when the spec string names no known
// distribution kind.
var ErrUnknownSpec = fmt.Errorf("dist: unknown distribution spec")

// rng is the interface our sources need from math/rand; lets tests inject a
// seeded generator for reproducibility.
type rng interface {
	Float64() float64
	NormFloat64() float64
}

// Parse builds a Source from a spec string of the form "kind:arg:arg...".
// r, if nil, defaults to a fresh rand.New(rand.NewSource(seed)).
func Parse(spec string, r *rand.Rand) (Source, error) {
	if r == nil {
		r = rand.New(rand.NewSource(1))
	}
	parts := strings.Split(spec, ":")
	if len(parts) == 0 {
		return nil, ErrUnknownSpec
	}
	kind := parts[0]
	args := parts[1:]

	switch kind {
	case "fixed":
		v, err := parseFloat(args, 0, "fixed")
		if err != nil {
			return nil, err
		}
		return &Fixed{Value: v}, nil
	case "rr":
		n, err := parseInt(args, 0, "rr")
		if err != nil {
			return nil, err
		}
		return &RoundRobin{N: n}, nil
	case "uni":
		n, err := parseInt(args, 0, "uni")
		if err != nil {
			return nil, err
		}
		return &Uniform{N: n, r: r}, nil
	case "exp":
		mean, err := parseFloat(args, 0, "exp")
		if err != nil {
			return nil, err
		}
		return &Exponential{Mean: mean, r: r}, nil
	case "pareto":
		a, err := parseFloats(args, 3, "pareto")
		if err != nil {
			return nil, err
		}
		return &Pareto{Loc: a[0], Scale: a[1], Shape: a[2], r: r}, nil
	case "gev":
		a, err := parseFloats(args, 3, "gev")
		if err != nil {
			return nil, err
		}
		return &GEV{Loc: a[0], Scale: a[1], Shape: a[2], r: r}, nil
	case "bimodal":
		a, err := parseFloats(args, 3, "bimodal")
		if err != nil {
			return nil, err
		}
		return &Bimodal{Low: a[0], High: a[1], ProbLow: a[2], r: r}, nil
	case "lognorm":
		a, err := parseFloats(args, 2, "lognorm")
		if err != nil {
			return nil, err
		}
		return &LogNormal{Mu: a[0], Sigma: a[1], r: r}, nil
	case "gamma":
		a, err := parseFloats(args, 2, "gamma")
		if err != nil {
			return nil, err
		}
		return &Gamma{Alpha: a[0], Beta: a[1], r: r}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpec, kind)
	}
}

func parseFloat(args []string, idx int, kind string) (float64, error) {
	if idx >= len(args) {
		return 0, fmt.Errorf("dist: %s requires %d args", kind, idx+1)
	}
	return strconv.ParseFloat(args[idx], 64)
}

func parseInt(args []string, idx int, kind string) (int, error) {
	if idx >= len(args) {
		return 0, fmt.Errorf("dist: %s requires %d args", kind, idx+1)
	}
	return strconv.Atoi(args[idx])
}

func parseFloats(args []string, n int, kind string) ([]float64, error) {
	if len(args) < n {
		return nil, fmt.Errorf("dist: %s requires %d args, got %d", kind, n, len(args))
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(args[i], 64)
		if err != nil {
			return nil, fmt.Errorf("dist: %s arg %d: %w", kind, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Fixed always returns the same constant.
type Fixed struct {
	Value float64
}

func (f *Fixed) Generate() float64 { return f.Value }
func (f *Fixed) SetAvg(avg float64) error {
	f.Value = avg
	return nil
}

// RoundRobin is a per-thread counter mod N, never shared across threads
// (see DESIGN.md Open Question Decisions #3).
type RoundRobin struct {
	N    int
	prev int
}

func (rr *RoundRobin) Generate() float64 {
	v := rr.prev
	rr.prev = (rr.prev + 1) % rr.N
	return float64(v)
}
func (rr *RoundRobin) SetAvg(float64) error { return ErrSetAvgUnsupported }

// Uniform draws an integer uniformly in [0,N).
type Uniform struct {
	N int
	r rng
}

func (u *Uniform) Generate() float64     { return math.Floor(u.r.Float64() * float64(u.N)) }
func (u *Uniform) SetAvg(float64) error { return ErrSetAvgUnsupported }

// Exponential draws from Exp(mean) via inverse-CDF: -ln(u)*mean.
type Exponential struct {
	Mean float64
	r    rng
}

func (e *Exponential) Generate() float64 {
	u := e.r.Float64()
	// Guard against log(0); reroll once rather than return +Inf.
	for u == 0 {
		u = e.r.Float64()
	}
	return -math.Log(u) * e.Mean
}
func (e *Exponential) SetAvg(avg float64) error {
	e.Mean = avg
	return nil
}

// Pareto is the generalized Pareto distribution:
// loc + scale*((1-u)^(-shape)-1)/shape
type Pareto struct {
	Loc, Scale, Shape float64
	r                 rng
}

func (p *Pareto) Generate() float64 {
	u := p.r.Float64()
	if p.Shape == 0 {
		return p.Loc - p.Scale*math.Log(1-u)
	}
	return p.Loc + p.Scale*(math.Pow(1-u, -p.Shape)-1)/p.Shape
}
func (p *Pareto) SetAvg(float64) error { return ErrSetAvgUnsupported }

// GEV is the generalized extreme value distribution, same inverse-CDF shape
// as Pareto per spec.md §4.A.
type GEV struct {
	Loc, Scale, Shape float64
	r                 rng
}

func (g *GEV) Generate() float64 {
	u := g.r.Float64()
	if g.Shape == 0 {
		return g.Loc - g.Scale*math.Log(-math.Log(u))
	}
	return g.Loc + g.Scale*(math.Pow(-math.Log(u), -g.Shape)-1)/g.Shape
}
func (g *GEV) SetAvg(float64) error { return ErrSetAvgUnsupported }

// Bimodal returns Low with probability ProbLow, else High.
type Bimodal struct {
	Low, High, ProbLow float64
	r                  rng
}

func (b *Bimodal) Generate() float64 {
	if b.r.Float64() < b.ProbLow {
		return b.Low
	}
	return b.High
}
func (b *Bimodal) SetAvg(float64) error { return ErrSetAvgUnsupported }

// LogNormal is a direct generative source: exp(mu + sigma*Z).
type LogNormal struct {
	Mu, Sigma float64
	r         rng
}

func (l *LogNormal) Generate() float64 {
	return math.Exp(l.Mu + l.Sigma*l.r.NormFloat64())
}
func (l *LogNormal) SetAvg(float64) error { return ErrSetAvgUnsupported }

// Gamma is a direct generative source using the Marsaglia-Tsang method for
// shape alpha >= 1; for alpha < 1 it boosts by one and corrects.
type Gamma struct {
	Alpha, Beta float64
	r           rng
}

func (g *Gamma) Generate() float64 {
	alpha := g.Alpha
	boost := 1.0
	if alpha < 1 {
		boost = math.Pow(g.r.Float64(), 1/alpha)
		alpha++
	}
	d := alpha - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = g.r.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := g.r.Float64()
		if u < 1-0.0331*x*x*x*x {
			return boost * d * v / g.Beta
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return boost * d * v / g.Beta
		}
	}
}
func (g *Gamma) SetAvg(float64) error { return ErrSetAvgUnsupported }
