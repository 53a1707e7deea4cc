package recipe

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/maxdollinger/envbuild/pkg/env"
	"github.com/maxdollinger/envbuild/pkg/errdefs"
	"github.com/maxdollinger/envbuild/pkg/provision"
)

const devEnv = `FROM ubuntu:noble

ENV DEBIAN_FRONTEND=noninteractive
ENV PATH="/root/.cargo/bin:/root/.local/bin:${PATH}"

RUN apt-get update && \
    apt-get install -y --no-install-recommends \
        curl ca-certificates && \
    rm -rf /var/lib/apt/lists/*
`

var recipeCmp = cmp.Comparer(func(a, b provision.PackageSet) bool { return a.Equal(b) })

func TestParse(t *testing.T) {
	got, err := Parse(strings.NewReader(devEnv))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	want := &Recipe{
		Base: "ubuntu:noble",
		Env: []env.Variable{
			{Key: "DEBIAN_FRONTEND", Value: "noninteractive"},
			{Key: "PATH", Value: `"/root/.cargo/bin:/root/.local/bin:${PATH}"`},
		},
		Packages:     provision.MustPackageSet("ca-certificates", "curl"),
		NoRecommends: true,
		CleanPaths:   []string{"/var/lib/apt/lists/*"},
	}
	if diff := cmp.Diff(want, got, recipeCmp); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func TestParseVariants(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		verify func(t *testing.T, r *Recipe)
	}{
		{
			name:  "platform and apt clean",
			input: "FROM --platform=linux/arm64 ubuntu:noble\nRUN apt-get update -q && apt-get install --yes 'git' && apt-get clean\n",
			verify: func(t *testing.T, r *Recipe) {
				if r.Platform != "linux/arm64" || !r.AptClean || r.CleanPaths != nil {
					t.Errorf("unexpected recipe %+v", r)
				}
			},
		},
		{
			name:  "legacy env syntax",
			input: "FROM ubuntu:noble\nENV GREETING hello world\nRUN apt-get update && apt-get install -y curl\n",
			verify: func(t *testing.T, r *Recipe) {
				want := []env.Variable{{Key: "GREETING", Value: `"hello world"`}}
				if diff := cmp.Diff(want, r.Env); diff != "" {
					t.Errorf("env mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name:  "digest pinned base",
			input: "FROM ubuntu@sha256:" + strings.Repeat("b", 64) + "\nRUN apt-get update && apt-get install -y curl\n",
			verify: func(t *testing.T, r *Recipe) {
				if !strings.HasSuffix(r.Base, strings.Repeat("b", 64)) {
					t.Errorf("base = %q", r.Base)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			tt.verify(t, r)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantLine int
		wantMsg  string
	}{
		{name: "missing from", input: "RUN apt-get update\n", wantLine: 1, wantMsg: "RUN before FROM"},
		{name: "two froms", input: "FROM a\nFROM b\n", wantLine: 2, wantMsg: "only one FROM"},
		{name: "no run", input: "FROM ubuntu:noble\nENV A=b\n", wantMsg: "missing RUN"},
		{name: "unsupported instruction", input: "FROM ubuntu:noble\nCOPY . /src\n", wantLine: 2, wantMsg: "unsupported instruction COPY"},
		{name: "exec form", input: "FROM ubuntu:noble\nRUN [\"apt-get\", \"update\"]\n", wantLine: 2, wantMsg: "shell form"},
		{name: "install before update", input: "FROM ubuntu:noble\nRUN apt-get install -y curl && apt-get update\n", wantLine: 2, wantMsg: "requires apt-get update first"},
		{name: "clean before install", input: "FROM ubuntu:noble\nRUN apt-get update && rm -rf /var/lib/apt/lists/* && apt-get install -y curl\n", wantLine: 2, wantMsg: "requires apt-get install first"},
		{name: "no packages", input: "FROM ubuntu:noble\nRUN apt-get update && apt-get install -y\n", wantLine: 2, wantMsg: "no packages"},
		{name: "or operator", input: "FROM ubuntu:noble\nRUN apt-get update || true\n", wantLine: 2, wantMsg: "join commands with &&"},
		{name: "variable in args", input: "FROM ubuntu:noble\nRUN apt-get update && apt-get install -y $PKGS\n", wantLine: 2, wantMsg: "expansions"},
		{name: "inline assignment", input: "FROM ubuntu:noble\nRUN apt-get update && DEBIAN_FRONTEND=noninteractive apt-get install -y curl\n", wantLine: 2, wantMsg: "use ENV"},
		{name: "foreign command", input: "FROM ubuntu:noble\nRUN apt-get update && apt-get install -y curl && curl https://x | sh\n", wantLine: 2, wantMsg: "operator |"},
		{name: "relative rm", input: "FROM ubuntu:noble\nRUN apt-get update && apt-get install -y curl && rm -rf lists\n", wantLine: 2, wantMsg: "must be absolute"},
		{name: "bad package", input: "FROM ubuntu:noble\nRUN apt-get update && apt-get install -y Curl\n", wantLine: 2, wantMsg: "Curl"},
		{name: "env after run", input: "FROM ubuntu:noble\nRUN apt-get update && apt-get install -y curl\nENV A=b\n", wantLine: 3, wantMsg: "ENV after RUN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			var rerr *errdefs.RecipeError
			if !errors.As(err, &rerr) {
				t.Fatalf("expected RecipeError, got %v", err)
			}
			if rerr.Line != tt.wantLine {
				t.Errorf("line = %d, want %d", rerr.Line, tt.wantLine)
			}
			if !strings.Contains(rerr.Msg, tt.wantMsg) {
				t.Errorf("message %q does not contain %q", rerr.Msg, tt.wantMsg)
			}
		})
	}
}

func TestRenderRoundTrip(t *testing.T) {
	first, err := Parse(strings.NewReader(devEnv))
	if err != nil {
		t.Fatal(err)
	}
	rendered := first.Render()

	second, err := Parse(strings.NewReader(rendered))
	if err != nil {
		t.Fatalf("Parse(Render()) failed: %v\n%s", err, rendered)
	}
	if diff := cmp.Diff(first, second, recipeCmp, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if rendered != second.Render() {
		t.Errorf("render is not stable:\n%s\n---\n%s", rendered, second.Render())
	}
}

func TestRenderCanonical(t *testing.T) {
	r, err := Parse(strings.NewReader(devEnv))
	if err != nil {
		t.Fatal(err)
	}
	want := `FROM ubuntu:noble
ENV DEBIAN_FRONTEND=noninteractive
ENV PATH="/root/.cargo/bin:/root/.local/bin:${PATH}"
RUN apt-get update \
    && apt-get install -y --no-install-recommends ca-certificates curl \
    && rm -rf /var/lib/apt/lists/*
`
	if diff := cmp.Diff(want, r.Render()); diff != "" {
		t.Errorf("Render mismatch (-want +got):\n%s", diff)
	}
}

func TestDigestIgnoresFormatting(t *testing.T) {
	a, err := Parse(strings.NewReader(devEnv))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse(strings.NewReader("FROM ubuntu:noble\nENV DEBIAN_FRONTEND=noninteractive PATH=\"/root/.cargo/bin:/root/.local/bin:${PATH}\"\n" +
		"RUN apt-get update && apt-get install -y --no-install-recommends curl ca-certificates curl && rm -rf /var/lib/apt/lists/*\n"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest() != b.Digest() {
		t.Errorf("digests differ: %s vs %s", a.Digest(), b.Digest())
	}

	b.Packages = provision.MustPackageSet("curl")
	if a.Digest() == b.Digest() {
		t.Error("digest ignores package set")
	}
}

func TestExpandedEnvironment(t *testing.T) {
	r, err := Parse(strings.NewReader(devEnv))
	if err != nil {
		t.Fatal(err)
	}
	environ, err := env.FromList([]string{"PATH=/usr/local/bin:/usr/bin:/bin"}).Apply(r.Env...)
	if err != nil {
		t.Fatal(err)
	}
	want := env.SearchPath{"/root/.cargo/bin", "/root/.local/bin", "/usr/local/bin", "/usr/bin", "/bin"}
	if diff := cmp.Diff(want, environ.SearchPath()); diff != "" {
		t.Errorf("search path mismatch (-want +got):\n%s", diff)
	}
	if !environ.IsNonInteractive() {
		t.Error("non-interactive flag not set")
	}
}

func TestParseEnvForms(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []env.Variable
	}{
		{name: "legacy with spaces", line: "ENV GREETING hello world", want: []env.Variable{{Key: "GREETING", Value: `"hello world"`}}},
		{name: "legacy single word", line: "ENV LANG C.UTF-8", want: []env.Variable{{Key: "LANG", Value: "C.UTF-8"}}},
		{name: "quoted assignment", line: `ENV GREETING="hello world"`, want: []env.Variable{{Key: "GREETING", Value: `"hello world"`}}},
		{name: "several assignments", line: "ENV A=1 B=2", want: []env.Variable{{Key: "A", Value: "1"}, {Key: "B", Value: "2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := "FROM ubuntu:noble\n" + tt.line + "\nRUN apt-get update && apt-get install -y curl\n"
			r, err := Parse(strings.NewReader(input))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, r.Env); diff != "" {
				t.Errorf("env mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
