package apt

import (
	"bufio"
	"io"
	"slices"
	"strings"
)

// Status is the part of the dpkg status database a build checks.
type Status struct {
	Installed []string // package names in status-file order
	Provides  []string // virtual names provided by installed packages, sorted
}

// ReadStatus parses a dpkg status file. Only packages dpkg considers
// installed contribute to the result.
func ReadStatus(r io.Reader) (Status, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		st       Status
		pkg      string
		status   string
		provides string
		field    string
		flush    = func() {
			if pkg != "" && isInstalled(status) {
				st.Installed = append(st.Installed, pkg)
				st.Provides = append(st.Provides, parseProvides(provides)...)
			}
			pkg, status, provides, field = "", "", "", ""
		}
	)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		// continuation lines of multi-line fields
		if line[0] == ' ' || line[0] == '\t' {
			if field == "Provides" {
				provides += " " + strings.TrimSpace(line)
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = key
		switch key {
		case "Package":
			pkg = strings.TrimSpace(value)
		case "Status":
			status = strings.TrimSpace(value)
		case "Provides":
			provides = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return Status{}, err
	}
	flush()

	slices.Sort(st.Provides)
	st.Provides = slices.Compact(st.Provides)
	return st, nil
}

// parseProvides splits "awk, mawk-awk (= 1.3.4), foo:any" into bare names.
func parseProvides(value string) []string {
	var names []string
	for _, item := range strings.Split(value, ",") {
		fields := strings.Fields(item)
		if len(fields) == 0 {
			continue
		}
		name, _, _ := strings.Cut(fields[0], ":")
		names = append(names, name)
	}
	return names
}

// isInstalled checks the third word of "want flag status".
func isInstalled(status string) bool {
	fields := strings.Fields(status)
	return len(fields) == 3 && fields[2] == "installed"
}
