package triage

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"mime"
	"strings"

	"gopkg.in/yaml.v3"
)

// ImportFormat names the encoding of a reconcile import.
type ImportFormat string

const (
	FormatXML  ImportFormat = "xml"
	FormatYAML ImportFormat = "yaml"
	FormatJSON ImportFormat = "json"
)

// ListsDocument is the export and list-import document for one partition.
// Import also accepts kept/rejected in place of favorites/deleted.
type ListsDocument struct {
	Partition string `json:"partition,omitempty"`
	Favorites []Item `json:"favorites"`
	Deleted   []Item `json:"deleted"`
}

// DetectFormat picks an import format from a content type, falling back to
// sniffing the body.
func DetectFormat(contentType string, body []byte) (ImportFormat, error) {
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			switch {
			case strings.HasSuffix(mt, "/xml") || strings.HasSuffix(mt, "+xml"):
				return FormatXML, nil
			case strings.HasSuffix(mt, "/yaml") || strings.HasSuffix(mt, "/x-yaml"):
				return FormatYAML, nil
			case strings.HasSuffix(mt, "/json"):
				return FormatJSON, nil
			}
		}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrInvalidImportFormat)
	}
	switch trimmed[0] {
	case '<':
		return FormatXML, nil
	case '[', '{':
		return FormatJSON, nil
	}
	return FormatYAML, nil
}

// ParseFormat resolves a user supplied format name.
func ParseFormat(s string) (ImportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xml", "gamelist":
		return FormatXML, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: unknown format %q", ErrInvalidImportFormat, s)
}

type xmlGameList struct {
	XMLName xml.Name       `xml:"gameList"`
	Games   []ExternalItem `xml:"game"`
}

type yamlGameList struct {
	Games []ExternalItem `yaml:"games"`
}

// ParseExternalItems decodes a reconcile import. Any decode error, or a
// payload with no named entries, rejects the whole import.
func ParseExternalItems(format ImportFormat, body []byte) ([]ExternalItem, error) {
	var items []ExternalItem
	switch format {
	case FormatXML:
		var doc xmlGameList
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("%w: xml: %w", ErrInvalidImportFormat, err)
		}
		items = doc.Games
	case FormatYAML:
		var doc yamlGameList
		if err := yaml.Unmarshal(body, &doc); err != nil {
			// a bare sequence is accepted too
			if err2 := yaml.Unmarshal(body, &items); err2 != nil {
				return nil, fmt.Errorf("%w: yaml: %w", ErrInvalidImportFormat, err)
			}
		} else {
			items = doc.Games
		}
	case FormatJSON:
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			var doc struct {
				Games []ExternalItem `json:"games"`
			}
			if err := json.Unmarshal(trimmed, &doc); err != nil {
				return nil, fmt.Errorf("%w: json: %w", ErrInvalidImportFormat, err)
			}
			items = doc.Games
		} else if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: json: %w", ErrInvalidImportFormat, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidImportFormat, format)
	}

	out := make([]ExternalItem, 0, len(items))
	for _, it := range items {
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" {
			continue
		}
		out = append(out, it)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no named entries", ErrInvalidImportFormat)
	}
	return out, nil
}

// ParseLists decodes a list import document. The document must be a single
// JSON object. Missing lists are empty; items without an id reject the whole
// document.
func ParseLists(body []byte) (kept, rejected []Item, err error) {
	if trimmed := bytes.TrimSpace(body); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, fmt.Errorf("%w: document is not a JSON object", ErrInvalidImportFormat)
	}
	var doc struct {
		Favorites []Item `json:"favorites"`
		Deleted   []Item `json:"deleted"`
		Kept      []Item `json:"kept"`
		Rejected  []Item `json:"rejected"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidImportFormat, err)
	}
	if dec.More() {
		return nil, nil, fmt.Errorf("%w: trailing data after document", ErrInvalidImportFormat)
	}

	kept = append(doc.Favorites, doc.Kept...)
	rejected = append(doc.Deleted, doc.Rejected...)
	for _, list := range [][]Item{kept, rejected} {
		for _, it := range list {
			if it.ID == 0 {
				return nil, nil, fmt.Errorf("%w: item %q has no id", ErrInvalidImportFormat, it.Name)
			}
		}
	}
	if kept == nil {
		kept = []Item{}
	}
	if rejected == nil {
		rejected = []Item{}
	}
	return kept, rejected, nil
}
