package analyzer

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/ssa"

	"github.com/o2lab/gopor/cfa"
	"github.com/o2lab/gopor/config"
	"github.com/o2lab/gopor/depgraph"
	"github.com/o2lab/gopor/explore"
	"github.com/o2lab/gopor/preprocessor"
)

var ErrNoMain = errors.New("no package defines the entry function")

type AnalyzerConfig struct {
	Paths  []string
	Config config.Config
	// Explore runs the model checker on every analyzed package after the
	// graph is built. Full turns the reduction off.
	Explore bool
	Full    bool

	testOutput map[token.Position][]string
}

// Report is what the analyzer found for one program.
type Report struct {
	Package string
	CFA     *cfa.CFA
	Graph   *depgraph.Graph
	Result  *explore.Result
}

func NewAnalyzerConfig(paths []string, cfg config.Config) *AnalyzerConfig {
	return &AnalyzerConfig{Paths: paths, Config: cfg}
}

// SetTestOutput makes the analyzer record every reported dependence at
// the positions of both of its nodes.
func (a *AnalyzerConfig) SetTestOutput(out map[token.Position][]string) {
	a.testOutput = out
}

// Run loads the configured paths, which are either package patterns or Go
// files forming a single package, and analyzes every program among them.
func (a *AnalyzerConfig) Run(ctx context.Context) ([]Report, error) {
	log.Infof("Loading packages %s", a.Paths)
	pkgs, err := a.load()
	if err != nil {
		return nil, err
	}
	var reports []Report
	for _, pkg := range pkgs {
		if pkg.Func(a.Config.EntryFunction) == nil {
			log.Debugf("skip %s: no %s", pkg.Pkg.Path(), a.Config.EntryFunction)
			continue
		}
		r, err := a.analyze(ctx, pkg)
		if err != nil {
			return reports, fmt.Errorf("%s: %w", pkg.Pkg.Path(), err)
		}
		reports = append(reports, r)
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoMain, a.Config.EntryFunction)
	}
	return reports, nil
}

func (a *AnalyzerConfig) load() ([]*ssa.Package, error) {
	p := preprocessor.NewPreprocessor(a.Config.ExcludedPackages)
	files := len(a.Paths) > 0
	for _, path := range a.Paths {
		files = files && strings.HasSuffix(path, ".go")
	}
	if !files {
		return p.Load(a.Paths...)
	}
	pkg, err := p.FromFiles(a.Paths...)
	if err != nil {
		return nil, err
	}
	return []*ssa.Package{pkg}, nil
}

func (a *AnalyzerConfig) analyze(ctx context.Context, pkg *ssa.Package) (Report, error) {
	r := Report{Package: pkg.Pkg.Path()}
	c, err := cfa.Build(pkg, a.Config.CFAOptions())
	if err != nil {
		return r, err
	}
	r.CFA = c
	g, err := depgraph.Build(ctx, c, a.Config.GraphOptions())
	if err != nil {
		return r, err
	}
	r.Graph = g
	pairs := g.Pairs()
	for _, p := range pairs {
		a.ReportDependence(c, p)
	}
	log.Infof("Found %d dependent pair(s) in %s", len(pairs), r.Package)

	if !a.Explore {
		return r, nil
	}
	opts, err := a.Config.ExploreOptions(a.Full)
	if err != nil {
		return r, err
	}
	x, err := explore.New(g, opts)
	if err != nil {
		return r, err
	}
	if r.Result, err = x.Run(ctx); err != nil {
		return r, err
	}
	return r, nil
}

func (a *AnalyzerConfig) ReportDependence(c *cfa.CFA, p depgraph.Pair) {
	first, second := c.Position(p.A.Edge), c.Position(p.B.Edge)
	log.Debugln("========== DEPENDENCE ==========")
	log.Debugf("  %s: %s", first, p.A)
	log.Debugf("  %s: %s", second, p.B)
	log.Debugf("  %s", p.Constraint)
	log.Debugln("================================")
	if a.testOutput == nil {
		return
	}
	kind := p.Constraint.Kind
	a.testOutput[first] = append(a.testOutput[first], fmt.Sprintf("%s dependence with %s", kind, p.B.Fn.Name))
	if p.A != p.B {
		a.testOutput[second] = append(a.testOutput[second], fmt.Sprintf("%s dependence with %s", kind, p.A.Fn.Name))
	}
}
