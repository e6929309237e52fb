package slurm

import (
	_ "embed"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/slurmbridge/slurmbridge/pkg/model"
)

// States are embedded at compile time so state mapping works in installed
// binaries without requiring the table file to be present on disk.
//
//go:embed states.yaml
var statesYAML []byte

type stateTable struct {
	Submitted []string `yaml:"submitted"`
	Done      []string `yaml:"done"`
	Aborted   []string `yaml:"aborted"`
}

var stateClasses = func() map[string]model.Status {
	var table stateTable
	if err := yaml.Unmarshal(statesYAML, &table); err != nil {
		// The table is compiled in; a decode failure is a build defect.
		panic("slurm: embedded state table is invalid: " + err.Error())
	}

	classes := make(map[string]model.Status)
	for _, token := range table.Submitted {
		classes[token] = model.StatusSubmitted
	}
	for _, token := range table.Done {
		classes[token] = model.StatusDone
	}
	for _, token := range table.Aborted {
		classes[token] = model.StatusAborted
	}
	return classes
}()

// MapState translates a raw cluster state token into the portal status.
//
// Unrecognized tokens map to SUBMITTED: the raw token is preserved on the
// record for diagnostics and the job is never aborted solely because of
// an unparsed code. Tokens like "CANCELLED by 1000" are normalized to
// their first word.
func MapState(raw string) (model.Status, bool) {
	token := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.IndexByte(token, ' '); i > 0 {
		token = token[:i]
	}

	status, ok := stateClasses[token]
	if !ok {
		return model.StatusSubmitted, false
	}
	return status, true
}
