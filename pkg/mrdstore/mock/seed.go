package mock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
)

// SeedEntry describes one blob preloaded into the store. Data holds a JSON
// document; DataBase64 holds raw bytes and wins when both are set.
type SeedEntry struct {
	Subject     string          `json:"subject"`
	Name        string          `json:"name,omitempty"`
	Device      string          `json:"device,omitempty"`
	Session     string          `json:"session,omitempty"`
	TTL         string          `json:"ttl,omitempty"`
	Tags        map[string]any  `json:"tags,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	DataBase64  string          `json:"dataBase64,omitempty"`
}

// LoadSeed reads a JSON array of seed entries from path.
func LoadSeed(path string) ([]SeedEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var entries []SeedEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return entries, nil
}

// Seed stores entries in order, so the last entry becomes the latest blob.
func (m *Mock) Seed(entries []SeedEntry) error {
	for i, e := range entries {
		params := url.Values{}
		set := func(key, value string) {
			if value != "" {
				params.Set(key, value)
			}
		}
		set("subject", e.Subject)
		set("name", e.Name)
		set("device", e.Device)
		set("session", e.Session)
		set("_ttl", e.TTL)
		for key, value := range e.Tags {
			values, err := seedTagValues(value)
			if err != nil {
				return fmt.Errorf("seed entry %d: tag %q: %w", i, key, err)
			}
			params[key] = values
		}

		contentType := e.ContentType
		data := []byte(e.Data)
		switch {
		case e.DataBase64 != "":
			decoded, err := base64.StdEncoding.DecodeString(e.DataBase64)
			if err != nil {
				return fmt.Errorf("seed entry %d: dataBase64: %w", i, err)
			}
			data = decoded
			if contentType == "" {
				contentType = "application/octet-stream"
			}
		case contentType == "":
			contentType = "application/json"
		}

		if _, err := m.Create(context.Background(), params, contentType, data); err != nil {
			return fmt.Errorf("seed entry %d: %w", i, err)
		}
	}
	return nil
}

func seedTagValues(value any) ([]string, error) {
	switch v := value.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, err := seedTagValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		s, err := seedTagValue(v)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
}

func seedTagValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("unsupported value %v", value)
	}
}
