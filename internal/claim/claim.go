// Package claim predicts which files a task will touch and decides whether
// two tasks' predictions overlap. The prediction is a deliberate
// over-approximation: scope items and plan documents are mined for path
// patterns, and any ambiguity widens the claim rather than narrowing it.
// The scheduler refuses to run two workers with overlapping claims.
package claim

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/gjson"
)

// Set is a collection of doublestar glob patterns claimed by one task.
type Set []string

// pathLike matches scope items and plan tokens that plausibly name a file
// or directory: path separators, dots, or glob characters, and no spaces.
var pathLike = regexp.MustCompile(`^[\w./*\-]+$`)

// backtickToken extracts `quoted` tokens from plan prose.
var backtickToken = regexp.MustCompile("`([^`\n]+)`")

// jsonFence extracts a fenced json block from a plan document.
var jsonFence = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// FromScope builds a claim set from a task's scope items. A path-like item
// claims itself and everything beneath it; free-text items claim nothing.
// A trailing slash marks the item as a directory even when it is a bare
// top-level name like "src/".
func FromScope(scope []string) Set {
	var s Set
	for _, item := range scope {
		item = strings.TrimSpace(item)
		isDir := strings.HasSuffix(item, "/")
		item = strings.TrimSuffix(item, "/")
		if item == "" || !pathLike.MatchString(item) {
			continue
		}
		if !isDir && !strings.ContainsAny(item, "/.*") {
			continue
		}
		s = append(s, item)
		if !strings.Contains(item, "*") && (isDir || !looksLikeFile(item)) {
			s = append(s, item+"/**")
		}
	}
	return s.normalize()
}

// FromPlan widens a claim set with paths found in a plan document. Two
// sources are honored: a fenced ```json block with a top-level "files"
// array, and backtick-quoted path tokens anywhere in the prose.
func FromPlan(planPath string) Set {
	data, err := os.ReadFile(planPath)
	if err != nil {
		return nil
	}
	content := string(data)

	var s Set
	if m := jsonFence.FindStringSubmatch(content); m != nil {
		for _, f := range gjson.Get(m[1], "files").Array() {
			if p := strings.TrimSpace(f.String()); p != "" && pathLike.MatchString(p) {
				s = append(s, p)
			}
		}
	}
	for _, m := range backtickToken.FindAllStringSubmatch(content, -1) {
		tok := strings.TrimSpace(m[1])
		if pathLike.MatchString(tok) && strings.ContainsAny(tok, "/.") {
			s = append(s, tok)
		}
	}
	return s.normalize()
}

// Predict combines scope and plan claims for a task.
func Predict(scope []string, planPath string) Set {
	return append(FromScope(scope), FromPlan(planPath)...).normalize()
}

// looksLikeFile reports whether the final path element has an extension.
func looksLikeFile(p string) bool {
	base := p
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		base = p[idx+1:]
	}
	return strings.Contains(base, ".")
}

// normalize sorts and deduplicates a set.
func (s Set) normalize() Set {
	if len(s) == 0 {
		return nil
	}
	sort.Strings(s)
	out := s[:0]
	var last string
	for _, p := range s {
		if p != last {
			out = append(out, p)
		}
		last = p
	}
	return out
}

// Overlaps reports whether any claim in a collides with any claim in b.
// Each pattern is matched against the other side's pattern taken as a
// literal name; because generated claims are either literal paths or
// "dir/**" shapes, the symmetric match is a sound over-approximation.
func Overlaps(a, b Set) bool {
	for _, pa := range a {
		for _, pb := range b {
			if patternsCollide(pa, pb) {
				return true
			}
		}
	}
	return false
}

func patternsCollide(a, b string) bool {
	if a == b {
		return true
	}
	if ok, err := doublestar.Match(a, b); err == nil && ok {
		return true
	}
	if ok, err := doublestar.Match(b, a); err == nil && ok {
		return true
	}
	return false
}
