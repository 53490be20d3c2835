package feed

import (
	"fmt"
	"strings"
)

type Filterer struct{}

func NewFilterer() *Filterer {
	return &Filterer{}
}

// Run splits items into those passing every filter and those excluded,
// with the reason of the first filter that rejected them.
func (f *Filterer) Run(items []Item, filters []ConfigFilter) ([]Item, []FilteredItem) {
	if len(filters) == 0 {
		return items, nil
	}

	kept := make([]Item, 0, len(items))
	var excluded []FilteredItem
	for _, item := range items {
		if isFiltered, reason := f.applyFilters(item, filters); isFiltered {
			excluded = append(excluded, FilteredItem{Item: item, Reason: reason})
			continue
		}
		kept = append(kept, item)
	}

	return kept, excluded
}

func (f *Filterer) applyFilters(item Item, filters []ConfigFilter) (bool, string) {
	for _, filter := range filters {
		value := f.getFieldValue(item, filter.Field)

		for _, exclude := range filter.Excludes {
			if f.matchesFilter(value, exclude) {
				return true, fmt.Sprintf("Excluded by %s filter: contains '%s'", filter.Field, exclude)
			}
		}

		if len(filter.Includes) > 0 {
			matched := false
			for _, include := range filter.Includes {
				if f.matchesFilter(value, include) {
					matched = true
					break
				}
			}
			if !matched {
				return true, fmt.Sprintf("Excluded by %s filter: does not contain any of %v", filter.Field, filter.Includes)
			}
		}
	}

	return false, ""
}

func (f *Filterer) matchesFilter(value, pattern string) bool {
	return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
}

func (f *Filterer) getFieldValue(item Item, field string) string {
	switch field {
	case "title":
		return item.Title
	case "content":
		return item.Content
	case "author":
		return item.Author
	case "link":
		return item.Link
	default:
		return ""
	}
}
