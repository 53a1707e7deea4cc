package recipe

import (
	"strings"

	"github.com/maxdollinger/envbuild/pkg/provision"
)

const continuation = " \\\n    && "

// Render writes the recipe in canonical form. Parse(Render(r)) yields r.
func (r *Recipe) Render() string {
	var b strings.Builder

	b.WriteString("FROM ")
	if r.Platform != "" {
		b.WriteString("--platform=" + r.Platform + " ")
	}
	b.WriteString(r.Base + "\n")

	for _, v := range r.Env {
		b.WriteString("ENV " + v.Key + "=" + v.Value + "\n")
	}

	cmds := []string{
		r.PhaseCommand(provision.PhaseIndexed),
		r.PhaseCommand(provision.PhaseInstalled),
	}
	if clean := r.PhaseCommand(provision.PhaseCleaned); clean != "" {
		cmds = append(cmds, strings.Split(clean, " && ")...)
	}
	b.WriteString("RUN " + strings.Join(cmds, continuation) + "\n")

	return b.String()
}
