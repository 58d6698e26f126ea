package workflow

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultBatchParamKey is the params slot expanded tasks receive their file
// path under when the batch clause does not name one.
const DefaultBatchParamKey = "file"

// expandBatch turns the document's template task into one concrete task per
// file matched by the batch clause. Expanded ids are "<template_id>-<k>" in
// lexicographic file order. The returned rewrites map edges pointing at the
// template id to the full expansion.
func (d *Document) expandBatch(fsys fs.FS) ([]TaskDoc, map[string][]string, error) {
	if d.Batch == nil || d.Template == nil {
		return nil, nil, NewError(CodeInvalidWorkflow, "batch document requires batch and template sections")
	}
	b := d.Batch
	if b.Directory == "" {
		return nil, nil, NewError(CodeInvalidWorkflow, "batch.directory must not be empty")
	}
	if b.Pattern == "" {
		return nil, nil, NewError(CodeInvalidWorkflow, "batch.pattern must not be empty")
	}
	if d.Template.ID == "" || !ValidTaskID(d.Template.ID) {
		return nil, nil, Errorf(CodeInvalidWorkflow, "invalid template task id %q", d.Template.ID)
	}
	if !doublestar.ValidatePattern(b.Pattern) {
		return nil, nil, Errorf(CodeInvalidWorkflow, "invalid batch.pattern %q", b.Pattern)
	}

	if fsys == nil {
		fsys = os.DirFS(b.Directory)
	}
	matches, err := doublestar.Glob(fsys, b.Pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, nil, Errorf(CodeInvalidWorkflow, "batch discovery under %q: %v", b.Directory, err)
	}
	sort.Strings(matches)
	if b.MaxFiles > 0 && len(matches) > b.MaxFiles {
		matches = matches[:b.MaxFiles]
	}
	if len(matches) == 0 && !b.AllowEmpty {
		return nil, nil, Errorf(CodeInvalidWorkflow,
			"batch.pattern %q matched no files under %q", b.Pattern, b.Directory)
	}

	paramKey := b.ParamKey
	if paramKey == "" {
		paramKey = DefaultBatchParamKey
	}

	expanded := make([]TaskDoc, 0, len(matches))
	ids := make([]string, 0, len(matches))
	for k, m := range matches {
		td := *d.Template
		td.ID = fmt.Sprintf("%s-%d", d.Template.ID, k)
		td.Params = CloneMap(d.Template.Params)
		if td.Params == nil {
			td.Params = make(map[string]any, 1)
		}
		td.Params[paramKey] = path.Join(b.Directory, m)
		td.Dependencies = append([]string(nil), d.Template.Dependencies...)
		expanded = append(expanded, td)
		ids = append(ids, td.ID)
	}

	return expanded, map[string][]string{d.Template.ID: ids}, nil
}

// rewriteDependencies replaces edges to expanded template ids with edges to
// every task of the expansion. An empty expansion dissolves the edge.
func rewriteDependencies(tasks []TaskDoc, rewrites map[string][]string) []TaskDoc {
	if len(rewrites) == 0 {
		return tasks
	}
	for i := range tasks {
		var deps []string
		changed := false
		for _, dep := range tasks[i].Dependencies {
			if expansion, ok := rewrites[dep]; ok {
				deps = append(deps, expansion...)
				changed = true
				continue
			}
			deps = append(deps, dep)
		}
		if changed {
			tasks[i].Dependencies = deps
		}
	}
	return tasks
}
