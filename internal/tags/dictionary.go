// Package tags provides the prompt-authoring helper: a searchable danbooru
// style tag dictionary loaded from CSV, with a small built-in fallback list.
package tags

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Tag is one dictionary entry. Aliases typically hold localized names.
type Tag struct {
	Name     string   `json:"name"`
	Category int      `json:"category"`
	Count    int      `json:"count"`
	Aliases  []string `json:"aliases,omitempty"`
}

// Dictionary holds tags ordered by usage count, most used first.
type Dictionary struct {
	tags   []Tag
	byName map[string]Tag
}

// Load reads the CSV at path (columns: name, category, count, aliases with
// comma-separated values). An empty path or a read failure falls back to the
// built-in list so the helper never blocks startup.
func Load(path string) (*Dictionary, error) {
	if path == "" {
		return newDictionary(fallbackTags()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return newDictionary(fallbackTags()), fmt.Errorf("open tag csv: %w", err)
	}
	defer f.Close()

	tags, err := parseCSV(f)
	if err != nil {
		return newDictionary(fallbackTags()), fmt.Errorf("parse tag csv: %w", err)
	}
	return newDictionary(tags), nil
}

func parseCSV(r io.Reader) ([]Tag, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var tags []Tag
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) == 0 || strings.TrimSpace(record[0]) == "" {
			continue
		}
		tag := Tag{Name: strings.TrimSpace(record[0])}
		if len(record) > 1 {
			tag.Category, _ = strconv.Atoi(strings.TrimSpace(record[1]))
		}
		if len(record) > 2 {
			tag.Count, _ = strconv.Atoi(strings.TrimSpace(record[2]))
		}
		if len(record) > 3 && strings.TrimSpace(record[3]) != "" {
			for _, alias := range strings.Split(record[3], ",") {
				if alias = strings.TrimSpace(alias); alias != "" {
					tag.Aliases = append(tag.Aliases, alias)
				}
			}
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

func newDictionary(tags []Tag) *Dictionary {
	sort.SliceStable(tags, func(i, j int) bool { return tags[i].Count > tags[j].Count })
	byName := make(map[string]Tag, len(tags))
	for _, t := range tags {
		byName[t.Name] = t
	}
	return &Dictionary{tags: tags, byName: byName}
}

// Search returns up to limit tags whose name or an alias contains every
// query term, skipping tags matching any exclude term. Empty queries return
// the most popular tags.
func (d *Dictionary) Search(queries []string, limit int, exclude []string) []Tag {
	if limit <= 0 {
		limit = 50
	}
	terms := lowerTrimmed(queries)
	excluded := lowerTrimmed(exclude)

	if len(terms) == 0 {
		return d.Popular(limit)
	}

	var results []Tag
	for _, tag := range d.tags {
		name := strings.ToLower(tag.Name)
		aliases := make([]string, len(tag.Aliases))
		for i, a := range tag.Aliases {
			aliases[i] = strings.ToLower(a)
		}

		if matchesAny(name, aliases, excluded) {
			continue
		}
		if !matchesAll(name, aliases, terms) {
			continue
		}
		results = append(results, tag)
		if len(results) >= limit {
			break
		}
	}
	return results
}

// Popular returns the most used tags.
func (d *Dictionary) Popular(limit int) []Tag {
	if limit <= 0 || limit > len(d.tags) {
		limit = len(d.tags)
	}
	out := make([]Tag, limit)
	copy(out, d.tags[:limit])
	return out
}

// Get looks a tag up by exact name.
func (d *Dictionary) Get(name string) (Tag, bool) {
	tag, ok := d.byName[name]
	return tag, ok
}

// Len reports the dictionary size.
func (d *Dictionary) Len() int {
	return len(d.tags)
}

func lowerTrimmed(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func matchesAny(name string, aliases, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(name, term) {
			return true
		}
		for _, alias := range aliases {
			if strings.Contains(alias, term) {
				return true
			}
		}
	}
	return false
}

func matchesAll(name string, aliases, terms []string) bool {
	for _, term := range terms {
		found := strings.Contains(name, term)
		if !found {
			for _, alias := range aliases {
				if strings.Contains(alias, term) {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// fallbackTags is the minimal list served when no CSV is configured.
func fallbackTags() []Tag {
	names := []string{
		"1girl", "solo", "long_hair", "looking_at_viewer", "blush", "smile",
		"open_mouth", "short_hair", "blue_eyes", "skirt", "simple_background",
		"white_background", "black_hair", "brown_hair", "blonde_hair",
		"animal_ears", "thighhighs", "hat", "dress", "holding", "bow",
		"sitting", "standing", "japanese_clothes", "swimsuit",
		"school_uniform", "red_eyes", "green_eyes",
	}
	tags := make([]Tag, len(names))
	for i, name := range names {
		tags[i] = Tag{Name: name}
	}
	return tags
}
