package preprocessor

import (
	"errors"
	"fmt"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// ErrNoPackages is returned when a load produced nothing to analyze.
var ErrNoPackages = errors.New("no packages to analyze")

const builderMode = ssa.InstantiateGenerics

// Preprocessor turns Go sources into SSA packages ready for CFA construction.
type Preprocessor struct {
	ExcludedPkg map[string]bool
}

func NewPreprocessor(excluded []string) *Preprocessor {
	excludedPkg := make(map[string]bool)
	for _, pkg := range excluded {
		excludedPkg[pkg] = true
	}
	return &Preprocessor{ExcludedPkg: excludedPkg}
}

// Load resolves package patterns with go/packages and builds SSA for every
// main package that is not excluded.
func (p *Preprocessor) Load(patterns ...string) ([]*ssa.Package, error) {
	log.Infof("Loading packages %s", patterns)
	initial, err := packages.Load(&packages.Config{
		Mode:  packages.LoadAllSyntax,
		Tests: false,
	}, patterns...)
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}
	if packages.PrintErrors(initial) > 0 {
		return nil, fmt.Errorf("load packages %v: type errors", patterns)
	}
	if len(initial) == 0 {
		return nil, ErrNoPackages
	}
	for _, pkg := range initial {
		log.Debug(pkg.ID, pkg.GoFiles)
	}
	log.Infoln("Packages loaded. Building SSA...")
	prog, pkgs := ssautil.AllPackages(initial, builderMode)
	prog.Build()

	var result []*ssa.Package
	for _, pkg := range pkgs {
		if pkg == nil {
			continue
		}
		if p.ExcludedPkg[pkg.Pkg.Name()] || p.ExcludedPkg[pkg.Pkg.Path()] {
			log.Debugf("Exclude pkg %s", pkg)
			continue
		}
		if pkg.Pkg.Name() != "main" {
			log.Debugf("Skip non-main pkg %s", pkg)
			continue
		}
		result = append(result, pkg)
	}
	if len(result) == 0 {
		return nil, ErrNoPackages
	}
	log.Infof("SSA built for %d packages", len(result))
	return result, nil
}

// FromSource builds SSA for a single in-memory file. Imports are resolved
// with the default importer.
func (p *Preprocessor) FromSource(filename, src string) (*ssa.Package, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	return p.build(fset, []*ast.File{file})
}

// FromFiles builds SSA for the given files, which must form one package.
func (p *Preprocessor) FromFiles(paths ...string) (*ssa.Package, error) {
	if len(paths) == 0 {
		return nil, ErrNoPackages
	}
	fset := token.NewFileSet()
	var files []*ast.File
	for _, path := range paths {
		file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		files = append(files, file)
	}
	return p.build(fset, files)
}

func (p *Preprocessor) build(fset *token.FileSet, files []*ast.File) (*ssa.Package, error) {
	name := files[0].Name.Name
	conf := &types.Config{Importer: importer.Default()}
	pkg, _, err := ssautil.BuildPackage(conf, fset, types.NewPackage(name, name), files, builderMode)
	if err != nil {
		return nil, fmt.Errorf("build ssa for %s: %w", name, err)
	}
	return pkg, nil
}
