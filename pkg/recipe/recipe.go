// Package recipe reads and writes environment recipes.
//
// A recipe is a Dockerfile subset with exactly one base image, any number of
// ENV instructions and one RUN instruction that provisions packages with apt:
//
//	FROM ubuntu:noble
//	ENV DEBIAN_FRONTEND=noninteractive
//	ENV PATH="/root/.cargo/bin:/root/.local/bin:${PATH}"
//	RUN apt-get update \
//	    && apt-get install -y --no-install-recommends ca-certificates curl \
//	    && rm -rf /var/lib/apt/lists/*
//
// The RUN script is analysed rather than executed: it must be an && chain of
// apt-get update, apt-get install, apt-get clean and rm -rf, in that order.
package recipe

import (
	"strings"

	"github.com/maxdollinger/envbuild/pkg/env"
	"github.com/maxdollinger/envbuild/pkg/provision"
	"github.com/opencontainers/go-digest"
)

type Recipe struct {
	Base     string
	Platform string // optional FROM --platform value

	// Env holds ENV assignments in declaration order, unexpanded.
	Env []env.Variable

	Packages     provision.PackageSet
	NoRecommends bool
	AptClean     bool     // script runs apt-get clean
	CleanPaths   []string // paths removed by rm -rf, globs allowed
}

// Digest identifies the recipe by its canonical rendering, so formatting
// differences do not change it.
func (r *Recipe) Digest() digest.Digest {
	return digest.FromString(r.Render())
}

// Request converts the provisioning part of the recipe.
func (r *Recipe) Request() provision.Request {
	return provision.Request{
		Packages:   r.Packages,
		Options:    provision.InstallOptions{NoRecommends: r.NoRecommends},
		CleanPaths: r.CleanPaths,
	}
}

// PhaseCommand returns the shell command that performs phase, as recorded
// in the image history.
func (r *Recipe) PhaseCommand(phase provision.Phase) string {
	switch phase {
	case provision.PhaseIndexed:
		return "apt-get update"
	case provision.PhaseInstalled:
		args := []string{"apt-get", "install", "-y"}
		if r.NoRecommends {
			args = append(args, "--no-install-recommends")
		}
		return strings.Join(append(args, r.Packages.Names()...), " ")
	case provision.PhaseCleaned:
		var cmds []string
		if r.AptClean {
			cmds = append(cmds, "apt-get clean")
		}
		if len(r.CleanPaths) > 0 {
			cmds = append(cmds, "rm -rf "+strings.Join(r.CleanPaths, " "))
		}
		return strings.Join(cmds, " && ")
	default:
		return ""
	}
}
