package apt

import (
	"errors"
	"regexp"
	"strings"

	"github.com/maxdollinger/envbuild/pkg/errdefs"
)

var (
	unableToLocateRe = regexp.MustCompile(`E: Unable to locate package (\S+)`)
	noCandidateRe    = regexp.MustCompile(`E: Package '([^']+)' has no installation candidate`)
	noGlobMatchRe    = regexp.MustCompile(`E: Couldn't find any package by (?:glob|regex) '([^']+)'`)

	resolvingRe   = regexp.MustCompile(`(?:Temporary failure resolving|Could not resolve(?: host)?:?) '?([^'\s]+)'?`)
	failedFetchRe = regexp.MustCompile(`Failed to fetch (\S+)`)
	transportRe   = regexp.MustCompile(`Temporary failure resolving|Could not resolve|Failed to fetch|Connection timed out|Could not connect|Unable to connect|Network is unreachable|Connection refused`)

	permissionRe = regexp.MustCompile(`Permission denied|are you root\?`)
	errLineRe    = regexp.MustCompile(`(?m)^E: (.+)$`)
	lockPathRe   = regexp.MustCompile(`open \(13: Permission denied\)|Could not open lock file (\S+)`)
)

// classify turns a failed apt-get run into one of the errdefs errors.
// Resolution is checked first: apt reports unknown packages even when some
// repositories were also unreachable, and the name is the more useful cause.
func classify(stderr string, runErr error) error {
	for _, re := range []*regexp.Regexp{unableToLocateRe, noCandidateRe, noGlobMatchRe} {
		if m := re.FindStringSubmatch(stderr); m != nil {
			return errdefs.NewPackageNotFound(m[1])
		}
	}

	if transportRe.MatchString(stderr) {
		return &errdefs.TransportError{Endpoint: endpoint(stderr), Err: errors.New(firstError(stderr, runErr))}
	}

	if permissionRe.MatchString(stderr) {
		path := ""
		if m := lockPathRe.FindStringSubmatch(stderr); m != nil {
			path = m[1]
		}
		return &errdefs.PermissionError{Path: path, Err: errors.New(firstError(stderr, runErr))}
	}

	if msg := firstError(stderr, nil); msg != "" {
		return errors.Join(runErr, errors.New(msg))
	}
	return runErr
}

// updateWarnings reports repositories apt-get update could not reach.
func updateWarnings(stderr string) error {
	if !strings.Contains(stderr, "W: Failed to fetch") && !strings.Contains(stderr, "Some index files failed to download") {
		return nil
	}
	return &errdefs.TransportError{Endpoint: endpoint(stderr), Err: errors.New("some index files failed to download")}
}

func endpoint(stderr string) string {
	if m := resolvingRe.FindStringSubmatch(stderr); m != nil {
		return m[1]
	}
	if m := failedFetchRe.FindStringSubmatch(stderr); m != nil {
		return m[1]
	}
	return ""
}

func firstError(stderr string, fallback error) string {
	if m := errLineRe.FindStringSubmatch(stderr); m != nil {
		return strings.TrimSpace(m[1])
	}
	for _, line := range strings.Split(stderr, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	if fallback != nil {
		return fallback.Error()
	}
	return ""
}
