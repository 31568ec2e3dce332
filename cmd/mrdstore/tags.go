package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ismrmrd/mrd_storage_sdk_go/pkg/mrdstore"
)

// parseTags turns repeated key=value flags into custom tags. A key given more
// than once becomes a multi-valued tag.
func parseTags(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := make(map[string][]string)
	var order []string
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Errorf("invalid tag %q: expected key=value", pair)
		}
		if _, seen := values[key]; !seen {
			order = append(order, key)
		}
		values[key] = append(values[key], value)
	}
	tags := make(map[string]any, len(values))
	for _, key := range order {
		if v := values[key]; len(v) == 1 {
			tags[key] = v[0]
		} else {
			tags[key] = v
		}
	}
	return tags, nil
}

// queryFlags are the filters shared by the fetch commands.
type queryFlags struct {
	name string
	tags []string
	at   string
}

func (f *queryFlags) query() (*mrdstore.Query, error) {
	tags, err := parseTags(f.tags)
	if err != nil {
		return nil, err
	}
	q := &mrdstore.Query{Name: f.name, CustomTags: tags}
	if f.at != "" {
		at, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return nil, errors.Wrap(err, "parsing --at")
		}
		q.At = at
	}
	return q, nil
}
