package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maxdollinger/envbuild/pkg/errdefs"
)

const devEnv = `FROM ubuntu:noble
ENV DEBIAN_FRONTEND=noninteractive
ENV PATH="/root/.cargo/bin:/root/.local/bin:${PATH}"
RUN apt-get update && apt-get install -y --no-install-recommends curl ca-certificates && rm -rf /var/lib/apt/lists/*
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())

	state := t.TempDir()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--state-dir", state}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeRecipe(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recipe")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRenderCommand(t *testing.T) {
	out, err := run(t, "render", writeRecipe(t, devEnv))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !strings.HasPrefix(out, "# sha256:") {
		t.Errorf("missing digest header:\n%s", out)
	}
	if !strings.Contains(out, "apt-get install -y --no-install-recommends ca-certificates curl") {
		t.Errorf("packages not canonicalised:\n%s", out)
	}
}

func TestRenderDigestOnly(t *testing.T) {
	out, err := run(t, "render", "--digest", writeRecipe(t, devEnv))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out); !strings.HasPrefix(got, "sha256:") || strings.Contains(got, "\n") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestInvalidRecipeExitCode(t *testing.T) {
	_, err := run(t, "build", "--tag", "dev-env", writeRecipe(t, "FROM ubuntu:noble\nCOPY . /\n"))

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != exitUsage {
		t.Errorf("exit code = %d, want %d", exitErr.Code, exitUsage)
	}
}

func TestHistoryEmpty(t *testing.T) {
	out, err := run(t, "history")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Errorf("missing table header:\n%s", out)
	}
}

func TestBuildRequiresTag(t *testing.T) {
	if _, err := run(t, "build", writeRecipe(t, devEnv)); err == nil {
		t.Error("expected missing --tag to fail")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: &errdefs.RecipeError{Msg: "x"}, want: exitUsage},
		{err: errdefs.NewPackageNotFound("nonexistent-pkg-xyz"), want: exitResolution},
		{err: &errdefs.TransportError{Err: errors.New("timeout")}, want: exitTransport},
		{err: &errdefs.PermissionError{Path: "/", Err: os.ErrPermission}, want: exitPermission},
		{err: errors.New("boom"), want: exitFailure},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
