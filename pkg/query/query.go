// Package query evaluates filter expressions over flattened record rows
// using expr-lang/expr.
package query

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/gantryproj/gantry/pkg/model"
)

// RowEnv is the environment one flattened patient→instance row is evaluated
// against. Dense core attributes are exposed as a map keyed by "gggg,eeee";
// sparse attributes are resolved lazily through the attr() helper.
type RowEnv struct {
	Patient struct {
		ID   string `expr:"id"`
		Name string `expr:"name"`
	} `expr:"patient"`

	Study struct {
		UID  string `expr:"uid"`
		Date string `expr:"date"`
	} `expr:"study"`

	Series struct {
		UID          string `expr:"uid"`
		Modality     string `expr:"modality"`
		Manufacturer string `expr:"manufacturer"`
		ModelName    string `expr:"model"`
		Serial       string `expr:"serial"`
	} `expr:"series"`

	Instance struct {
		UID         string `expr:"uid"`
		Version     uint64 `expr:"version"`
		Quarantined bool   `expr:"quarantined"`
		PayloadSize int64  `expr:"payload_size"`
	} `expr:"instance"`

	// Core maps dense attribute tags to their string form.
	Core map[string]string `expr:"core"`

	// Attr fetches any attribute by tag, dense first then sparse.
	Attr func(tag string) string `expr:"attr"`
}

// Row is one flattened result row.
type Row struct {
	Patient  *model.Patient
	Study    *model.Study
	Series   *model.Series
	Instance *model.Instance
}

// Compiled is a filter compiled once and run per row.
type Compiled struct {
	source  string
	program *vm.Program
}

// Compile parses and type-checks a filter expression. An empty expression
// matches every row.
func Compile(filter string) (*Compiled, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return &Compiled{source: ""}, nil
	}
	program, err := expr.Compile(filter, expr.Env(RowEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", filter, err)
	}
	return &Compiled{source: filter, program: program}, nil
}

// Match evaluates the filter against one row environment. Evaluation errors
// count as non-matches, same as an absent field.
func (c *Compiled) Match(env RowEnv) bool {
	if c.program == nil {
		return true
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// Source returns the original filter text.
func (c *Compiled) Source() string { return c.source }
