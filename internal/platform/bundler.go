package platform

import (
	"context"
	"encoding/json"
	"path"
	"regexp"
	"sort"

	"github.com/evrydayimruslin/ultralight-sub003/internal/blob"
)

// BuildInfo is what a bundler learns from a version's source.
type BuildInfo struct {
	Exports         []string
	RequiredSecrets []string
	OptionalSecrets []string
}

// Bundler inspects source files before they are published. An error is
// reported to the caller as a build failure.
type Bundler interface {
	Build(ctx context.Context, files []blob.File) (*BuildInfo, error)
}

// ManifestFile optionally declares exports and secrets explicitly.
const ManifestFile = "manifest.json"

type manifest struct {
	Functions []string `json:"functions"`
	Secrets   struct {
		Required []string `json:"required"`
		Optional []string `json:"optional"`
	} `json:"secrets"`
}

var (
	exportFuncRe  = regexp.MustCompile(`(?m)^\s*export\s+(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)`)
	exportConstRe = regexp.MustCompile(`(?m)^\s*export\s+const\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?(?:\(|function|[A-Za-z_$][\w$]*\s*=>)`)
)

var sourceExts = map[string]bool{".ts": true, ".js": true, ".mjs": true, ".tsx": true, ".jsx": true}

// SourceScanner finds exported functions by scanning JavaScript and
// TypeScript sources. manifest.json, when present, takes precedence.
type SourceScanner struct{}

func (SourceScanner) Build(_ context.Context, files []blob.File) (*BuildInfo, error) {
	info := &BuildInfo{}
	var m *manifest
	for _, f := range files {
		if path.Base(f.Path) != ManifestFile {
			continue
		}
		m = &manifest{}
		if err := json.Unmarshal(f.Content, m); err != nil {
			return nil, &BuildError{Path: f.Path, Reason: "manifest is not valid JSON: " + err.Error()}
		}
		break
	}

	if m != nil && len(m.Functions) > 0 {
		info.Exports = dedupeSorted(m.Functions)
	} else {
		var found []string
		for _, f := range files {
			if !sourceExts[path.Ext(f.Path)] {
				continue
			}
			if !blob.IsText(f.Content) {
				return nil, &BuildError{Path: f.Path, Reason: "source file is not UTF-8 text"}
			}
			for _, re := range []*regexp.Regexp{exportFuncRe, exportConstRe} {
				for _, match := range re.FindAllSubmatch(f.Content, -1) {
					found = append(found, string(match[1]))
				}
			}
		}
		info.Exports = dedupeSorted(found)
	}
	if len(info.Exports) == 0 {
		return nil, &BuildError{Reason: "no exported functions found"}
	}
	if m != nil {
		info.RequiredSecrets = dedupeSorted(m.Secrets.Required)
		info.OptionalSecrets = dedupeSorted(m.Secrets.Optional)
	}
	return info, nil
}

// BuildError describes why source could not be built.
type BuildError struct {
	Path   string
	Reason string
}

func (e *BuildError) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return e.Path + ": " + e.Reason
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
