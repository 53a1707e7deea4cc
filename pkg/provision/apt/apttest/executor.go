// Package apttest provides a scripted stand-in for apt-get so provisioning
// can be exercised without root privileges or network access.
package apttest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/maxdollinger/envbuild/pkg/provision"
)

// Package is one entry of the simulated repository index.
type Package struct {
	Name       string
	Depends    []string
	Recommends []string
	Provides   []string // virtual names this package satisfies
	Files      []string // executables created under the rootfs on install
}

// Executor interprets apt-get invocations against an in-memory repository.
type Executor struct {
	Repository  map[string]Package
	Unreachable bool   // apt-get update cannot reach the mirror
	ReadOnly    string // image path whose removal fails with EACCES during clean

	mu    sync.Mutex
	calls [][]string
	envs  [][]string
}

// NewExecutor returns an executor serving the given packages.
func NewExecutor(pkgs ...Package) *Executor {
	repo := make(map[string]Package, len(pkgs))
	for _, p := range pkgs {
		repo[p.Name] = p
	}
	return &Executor{Repository: repo}
}

// Noble returns a small repository resembling ubuntu noble.
func Noble() *Executor {
	return NewExecutor(
		Package{Name: "curl", Depends: []string{"libcurl4t64"}, Recommends: []string{"ca-certificates"}, Files: []string{"/usr/bin/curl"}},
		Package{Name: "libcurl4t64", Depends: []string{"zlib1g"}},
		Package{Name: "zlib1g"},
		Package{Name: "ca-certificates", Depends: []string{"openssl"}, Files: []string{"/usr/sbin/update-ca-certificates"}},
		Package{Name: "openssl", Files: []string{"/usr/bin/openssl"}},
		Package{Name: "git", Depends: []string{"zlib1g"}, Recommends: []string{"less"}, Files: []string{"/usr/bin/git"}},
		Package{Name: "less", Files: []string{"/usr/bin/less"}},
		Package{Name: "mawk", Provides: []string{"awk"}, Files: []string{"/usr/bin/mawk"}},
	)
}

// Calls returns the argv of every command run so far.
func (e *Executor) Calls() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// Envs returns the environment each command was started with.
func (e *Executor) Envs() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.envs)
}

func (e *Executor) Run(ctx context.Context, rootfs string, cmd provision.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.calls = append(e.calls, slices.Clone(cmd.Args))
	e.envs = append(e.envs, slices.Clone(cmd.Env))
	e.mu.Unlock()

	stdout := cmd.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := cmd.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	if len(cmd.Args) < 2 || (cmd.Args[0] != "apt-get" && cmd.Args[0] != "apt") {
		fmt.Fprintf(stderr, "sh: 1: %s: not found\n", strings.Join(cmd.Args, " "))
		return &provision.ExitError{Command: cmd.String(), ExitCode: 127}
	}

	switch cmd.Args[1] {
	case "update":
		return e.update(rootfs, cmd, stdout, stderr)
	case "install":
		return e.install(rootfs, cmd, stdout, stderr)
	case "clean":
		return e.clean(rootfs, cmd, stderr)
	default:
		fmt.Fprintf(stderr, "E: Invalid operation %s\n", cmd.Args[1])
		return &provision.ExitError{Command: cmd.String(), ExitCode: 100}
	}
}

func (e *Executor) update(rootfs string, cmd provision.Command, stdout, stderr io.Writer) error {
	if e.Unreachable {
		fmt.Fprintln(stderr, "W: Failed to fetch http://archive.ubuntu.com/ubuntu/dists/noble/InRelease  Temporary failure resolving 'archive.ubuntu.com'")
		fmt.Fprintln(stderr, "W: Some index files failed to download. They have been ignored, or old ones used instead.")
		return nil
	}

	lists := filepath.Join(rootfs, "var", "lib", "apt", "lists")
	if err := os.MkdirAll(filepath.Join(lists, "partial"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(lists, "lock"), nil, 0o640); err != nil {
		return err
	}

	var index strings.Builder
	for _, name := range e.sortedNames() {
		fmt.Fprintf(&index, "Package: %s\n\n", name)
	}
	if err := os.WriteFile(filepath.Join(lists, "archive.ubuntu.com_ubuntu_dists_noble_main_binary-amd64_Packages"), []byte(index.String()), 0o644); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Reading package lists... Done")
	return nil
}

func (e *Executor) install(rootfs string, cmd provision.Command, stdout, stderr io.Writer) error {
	noRecommends := false
	var requested []string
	for _, arg := range cmd.Args[2:] {
		switch {
		case arg == "--no-install-recommends":
			noRecommends = true
		case strings.HasPrefix(arg, "-"):
		default:
			requested = append(requested, arg)
		}
	}

	indexed := e.indexed(rootfs)
	roots := make([]string, 0, len(requested))
	for _, name := range requested {
		concrete, ok := e.resolve(provision.BaseName(name))
		if !ok || !indexed {
			fmt.Fprintln(stdout, "Reading package lists...")
			fmt.Fprintf(stderr, "E: Unable to locate package %s\n", name)
			return &provision.ExitError{Command: cmd.String(), ExitCode: 100}
		}
		roots = append(roots, concrete)
	}

	closure := e.closure(roots, !noRecommends)
	archives := filepath.Join(rootfs, "var", "cache", "apt", "archives")
	if err := os.MkdirAll(filepath.Join(archives, "partial"), 0o755); err != nil {
		return err
	}

	var status strings.Builder
	statusPath := filepath.Join(rootfs, "var", "lib", "dpkg", "status")
	if existing, err := os.ReadFile(statusPath); err == nil {
		status.Write(existing)
	}

	for _, name := range closure {
		pkg := e.Repository[name]
		if err := os.WriteFile(filepath.Join(archives, name+"_1.0_amd64.deb"), []byte("!<arch>\n"+name), 0o644); err != nil {
			return err
		}
		for _, file := range pkg.Files {
			full := filepath.Join(rootfs, filepath.FromSlash(file))
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(full, []byte("#!/bin/sh\necho "+name+"\n"), 0o755); err != nil {
				return err
			}
		}
		fmt.Fprintf(&status, "Package: %s\nStatus: install ok installed\nVersion: 1.0\n", name)
		if len(pkg.Provides) > 0 {
			fmt.Fprintf(&status, "Provides: %s\n", strings.Join(pkg.Provides, ", "))
		}
		status.WriteString("\n")
		fmt.Fprintf(stdout, "Setting up %s (1.0) ...\n", name)
	}

	if err := os.MkdirAll(filepath.Dir(statusPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(statusPath, []byte(status.String()), 0o644)
}

func (e *Executor) clean(rootfs string, cmd provision.Command, stderr io.Writer) error {
	if e.ReadOnly != "" {
		if _, err := os.Stat(filepath.Join(rootfs, filepath.FromSlash(e.ReadOnly))); err == nil {
			fmt.Fprintf(stderr, "E: Could not open lock file %s - open (13: Permission denied)\n", e.ReadOnly)
			return &provision.ExitError{Command: cmd.String(), ExitCode: 100}
		}
	}
	archives := filepath.Join(rootfs, "var", "cache", "apt", "archives")
	debs, _ := filepath.Glob(filepath.Join(archives, "*.deb"))
	bins, _ := filepath.Glob(filepath.Join(rootfs, "var", "cache", "apt", "*.bin"))
	for _, f := range append(debs, bins...) {
		if err := os.Remove(f); err != nil {
			return err
		}
	}
	return nil
}

// resolve maps a requested name to the package apt would pick: the package
// itself, or the first provider of a virtual name.
func (e *Executor) resolve(name string) (string, bool) {
	if _, ok := e.Repository[name]; ok {
		return name, true
	}
	for _, candidate := range e.sortedNames() {
		if slices.Contains(e.Repository[candidate].Provides, name) {
			return candidate, true
		}
	}
	return "", false
}

func (e *Executor) indexed(rootfs string) bool {
	matches, _ := filepath.Glob(filepath.Join(rootfs, "var", "lib", "apt", "lists", "*_Packages"))
	return len(matches) > 0
}

func (e *Executor) closure(roots []string, withRecommends bool) []string {
	seen := map[string]bool{}
	var visit func(string)
	visit = func(name string) {
		if seen[name] {
			return
		}
		pkg, ok := e.Repository[name]
		if !ok {
			return
		}
		seen[name] = true
		for _, dep := range pkg.Depends {
			visit(dep)
		}
		if withRecommends {
			for _, rec := range pkg.Recommends {
				visit(rec)
			}
		}
	}
	for _, r := range roots {
		visit(r)
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (e *Executor) sortedNames() []string {
	names := make([]string, 0, len(e.Repository))
	for name := range e.Repository {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
