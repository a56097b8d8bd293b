package convert

import (
	"path"
	"path/filepath"
	"strings"

	"updatebot/internal/domain"
)

const (
	DerivedExt = ".nc"
	LogExt     = ".nc.log"
)

// Paths are the roots every derived location is built from.
type Paths struct {
	WorkingDir    string
	AccessBaseURL string
}

// Layout is the set of parallel locations for one source artifact.
type Layout struct {
	Key       string
	LogKey    string
	Working   string
	AccessURL string
}

// RelativeKey maps a source locator onto a storage key without extension:
// files/<host>/<dirs...>/<basename>, with streams under streams/. The
// basename is cut at its first dot.
func RelativeKey(art domain.ArtifactRef) string {
	prefix := "files"
	if art.Kind == domain.ArtifactStream {
		prefix = "streams"
	}
	rest := strings.TrimSpace(art.URI)
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	dir, name := "", rest
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		dir, name = rest[:i], rest[i+1:]
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[:i]
	}
	parts := []string{prefix}
	for _, seg := range strings.Split(dir, "/") {
		if seg != "" && seg != "." && seg != ".." {
			parts = append(parts, seg)
		}
	}
	if name == "" {
		name = "output"
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

// For returns the layout of art under p.
func (p Paths) For(art domain.ArtifactRef) Layout {
	rel := RelativeKey(art)
	l := Layout{
		Key:     rel + DerivedExt,
		LogKey:  rel + LogExt,
		Working: filepath.Join(p.WorkingDir, filepath.FromSlash(rel)+DerivedExt),
	}
	if p.AccessBaseURL != "" {
		l.AccessURL = strings.TrimRight(p.AccessBaseURL, "/") + "/" + l.Key
	}
	return l
}
