package recipe

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/maxdollinger/envbuild/pkg/env"
	"github.com/maxdollinger/envbuild/pkg/errdefs"
	"github.com/maxdollinger/envbuild/pkg/provision"
	"github.com/moby/buildkit/frontend/dockerfile/instructions"
	"github.com/moby/buildkit/frontend/dockerfile/parser"
	"mvdan.cc/sh/v3/syntax"
)

// Load parses the recipe file at path.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse reads a recipe. All structural problems are reported as
// *errdefs.RecipeError carrying the offending line.
func Parse(r io.Reader) (*Recipe, error) {
	result, err := parser.Parse(r)
	if err != nil {
		return nil, &errdefs.RecipeError{Msg: err.Error()}
	}

	rec := &Recipe{}
	var sawFrom, sawRun bool

	for _, node := range result.AST.Children {
		line := node.StartLine
		if len(node.Heredocs) > 0 {
			return nil, &errdefs.RecipeError{Line: line, Msg: "heredocs are not supported"}
		}

		inst, err := instructions.ParseInstruction(node)
		if err != nil {
			return nil, &errdefs.RecipeError{Line: line, Msg: err.Error()}
		}

		switch cmd := inst.(type) {
		case *instructions.Stage:
			if sawFrom {
				return nil, &errdefs.RecipeError{Line: line, Msg: "only one FROM is allowed"}
			}
			sawFrom = true
			rec.Base = cmd.BaseName
			rec.Platform = cmd.Platform

		case *instructions.EnvCommand:
			if !sawFrom {
				return nil, &errdefs.RecipeError{Line: line, Msg: "ENV before FROM"}
			}
			if sawRun {
				return nil, &errdefs.RecipeError{Line: line, Msg: "ENV after RUN is not supported"}
			}
			legacy := isLegacyEnv(node)
			for _, kv := range cmd.Env {
				value := kv.Value
				if legacy && strings.ContainsAny(value, " \t") {
					value = `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
				}
				rec.Env = append(rec.Env, env.Variable{Key: kv.Key, Value: value})
			}

		case *instructions.RunCommand:
			if !sawFrom {
				return nil, &errdefs.RecipeError{Line: line, Msg: "RUN before FROM"}
			}
			if sawRun {
				return nil, &errdefs.RecipeError{Line: line, Msg: "only one RUN is allowed"}
			}
			sawRun = true
			if !cmd.PrependShell || len(cmd.CmdLine) != 1 {
				return nil, &errdefs.RecipeError{Line: line, Msg: "RUN must use shell form"}
			}
			if err := parseScript(rec, cmd.CmdLine[0]); err != nil {
				return nil, &errdefs.RecipeError{Line: line, Msg: err.Error()}
			}

		default:
			return nil, &errdefs.RecipeError{Line: line, Msg: fmt.Sprintf("unsupported instruction %s", strings.ToUpper(node.Value))}
		}
	}

	switch {
	case !sawFrom:
		return nil, &errdefs.RecipeError{Msg: "missing FROM"}
	case rec.Base == "":
		return nil, &errdefs.RecipeError{Msg: "empty base image"}
	case !sawRun:
		return nil, &errdefs.RecipeError{Msg: "missing RUN"}
	}
	return rec, nil
}

// parseScript analyses a RUN script and fills the provisioning fields of rec.
func parseScript(rec *Recipe, script string) error {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(strings.NewReader(script), "RUN")
	if err != nil {
		return fmt.Errorf("parse RUN: %w", err)
	}

	var calls [][]string
	for _, stmt := range file.Stmts {
		if err := collect(stmt, &calls); err != nil {
			return err
		}
	}

	phase := provision.PhasePending
	advance := func(to provision.Phase, what string) error {
		if to < phase || (to == phase && to != provision.PhaseCleaned) {
			return fmt.Errorf("%s out of order", what)
		}
		if to > phase+1 {
			next, _ := phase.Next()
			return fmt.Errorf("%s requires apt-get %s first", what, next.Action())
		}
		phase = to
		return nil
	}

	var packages []string
	for _, args := range calls {
		switch {
		case isApt(args[0]) && len(args) > 1 && args[1] == "update":
			if err := checkFlags(args[2:], aptFlags); err != nil {
				return err
			}
			if err := advance(provision.PhaseIndexed, "apt-get update"); err != nil {
				return err
			}

		case isApt(args[0]) && len(args) > 1 && args[1] == "install":
			if err := advance(provision.PhaseInstalled, "apt-get install"); err != nil {
				return err
			}
			for _, arg := range args[2:] {
				switch {
				case arg == "--no-install-recommends":
					rec.NoRecommends = true
				case strings.HasPrefix(arg, "-"):
					if err := checkFlags([]string{arg}, aptFlags); err != nil {
						return err
					}
				default:
					packages = append(packages, arg)
				}
			}

		case isApt(args[0]) && len(args) > 1 && args[1] == "clean":
			if err := advance(provision.PhaseCleaned, "apt-get clean"); err != nil {
				return err
			}
			rec.AptClean = true

		case args[0] == "rm":
			if err := advance(provision.PhaseCleaned, "rm"); err != nil {
				return err
			}
			for _, arg := range args[1:] {
				if strings.HasPrefix(arg, "-") {
					if err := checkFlags([]string{arg}, rmFlags); err != nil {
						return err
					}
					continue
				}
				if !strings.HasPrefix(arg, "/") {
					return fmt.Errorf("rm path %q must be absolute", arg)
				}
				rec.CleanPaths = append(rec.CleanPaths, arg)
			}

		default:
			return fmt.Errorf("unsupported command %q", strings.Join(args, " "))
		}
	}

	if phase < provision.PhaseInstalled {
		return fmt.Errorf("RUN must run apt-get update and apt-get install")
	}
	if len(packages) == 0 {
		return fmt.Errorf("apt-get install names no packages")
	}
	set, err := provision.NewPackageSet(packages...)
	if err != nil {
		return err
	}
	rec.Packages = set
	return nil
}

// collect flattens an && chain into simple commands.
func collect(stmt *syntax.Stmt, calls *[][]string) error {
	if stmt.Negated || stmt.Background || stmt.Coprocess || len(stmt.Redirs) > 0 {
		return fmt.Errorf("only plain commands joined by && are supported")
	}

	switch cmd := stmt.Cmd.(type) {
	case *syntax.BinaryCmd:
		if cmd.Op != syntax.AndStmt {
			return fmt.Errorf("operator %s is not supported, join commands with &&", cmd.Op)
		}
		if err := collect(cmd.X, calls); err != nil {
			return err
		}
		return collect(cmd.Y, calls)

	case *syntax.CallExpr:
		if len(cmd.Assigns) > 0 {
			return fmt.Errorf("inline assignments are not supported, use ENV")
		}
		args := make([]string, 0, len(cmd.Args))
		for _, word := range cmd.Args {
			lit, err := literal(word)
			if err != nil {
				return err
			}
			args = append(args, lit)
		}
		if len(args) == 0 {
			return fmt.Errorf("empty command")
		}
		*calls = append(*calls, args)
		return nil

	default:
		return fmt.Errorf("compound commands are not supported")
	}
}

// literal returns the value of a word made only of plain and quoted text.
func literal(word *syntax.Word) (string, error) {
	var b strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", fmt.Errorf("expansions are not supported in RUN arguments")
				}
				b.WriteString(lit.Value)
			}
		default:
			return "", fmt.Errorf("expansions are not supported in RUN arguments")
		}
	}
	return b.String(), nil
}

// isLegacyEnv reports the "ENV KEY value" form, whose value runs to the end
// of the line and must be quoted to survive rendering.
func isLegacyEnv(node *parser.Node) bool {
	fields := strings.Fields(node.Original)
	return len(fields) > 1 && !strings.Contains(fields[1], "=")
}

func isApt(name string) bool {
	return name == "apt-get" || name == "apt"
}

var (
	aptFlags = map[string]bool{"-y": true, "--yes": true, "--assume-yes": true, "-q": true, "-qq": true, "--quiet": true}
	rmFlags  = map[string]bool{"-r": true, "-f": true, "-rf": true, "-fr": true, "-R": true, "-Rf": true}
)

func checkFlags(args []string, allowed map[string]bool) error {
	for _, arg := range args {
		if !allowed[arg] {
			return fmt.Errorf("unsupported option %q", arg)
		}
	}
	return nil
}
