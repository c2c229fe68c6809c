package rolesync

import (
	"sort"
	"strconv"
	"strings"
)

// Tag is a group-scoped role, identified by exact name.
type Tag struct {
	ID   string
	Name string
}

// TagSet is a set of tags keyed by name.
type TagSet map[string]Tag

func NewTagSet(tags ...Tag) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[t.Name] = t
	}
	return s
}

func (s TagSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the tags ordered by name.
func (s TagSet) Sorted() []Tag {
	out := make([]Tag, 0, len(s))
	for _, t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Plan is the set of membership writes needed to converge on one target tag.
type Plan struct {
	Remove []Tag
	Add    []Tag
}

// Empty reports whether the member already holds exactly the target.
func (p Plan) Empty() bool { return len(p.Remove) == 0 && len(p.Add) == 0 }

// PlanTags computes remove = held \ {target} and add = {target} \ held.
// Removals are ordered by name.
func PlanTags(held TagSet, target Tag) Plan {
	var p Plan
	for _, t := range held.Sorted() {
		if t.Name != target.Name {
			p.Remove = append(p.Remove, t)
		}
	}
	if !held.Has(target.Name) {
		p.Add = []Tag{target}
	}
	return p
}

// TagName builds the rank tag name for a tier ("FACEIT Level 7").
func TagName(prefix string, tier int) string {
	return prefix + " " + strconv.Itoa(tier)
}

// IsRankTag reports whether name follows the "<prefix> <digits>" pattern.
func IsRankTag(prefix, name string) bool {
	rest, ok := strings.CutPrefix(name, prefix+" ")
	if !ok || rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func tagNames(tags []Tag) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.Name
	}
	return out
}
