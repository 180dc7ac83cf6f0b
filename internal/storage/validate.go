package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"pricewatch/internal/catalog"
)

func firstByte(b []byte) byte {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// decodeCatalog validates and decodes a catalog document: an object whose
// entries are records with a non-empty url.
func decodeCatalog(b []byte, path string) (map[string]catalog.Item, error) {
	out := map[string]catalog.Item{}
	if len(bytes.TrimSpace(b)) == 0 {
		return out, nil
	}
	var raw map[string]json.RawMessage
	if firstByte(b) != '{' || json.Unmarshal(b, &raw) != nil {
		return nil, &DocumentError{Doc: DocCatalog, Path: path, Reason: "document must be a JSON object of items"}
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		it, err := decodeItem(name, raw[name], path)
		if err != nil {
			return nil, err
		}
		if err := addItem(out, it, name, path); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// addItem stores it under its normalised name. Two entries that collapse to
// the same name, or share a url, make the document corrupt.
func addItem(out map[string]catalog.Item, it catalog.Item, rawName, path string) error {
	if _, ok := out[it.Name]; ok {
		return &DocumentError{Doc: DocCatalog, Path: path, Key: rawName, Reason: "duplicate item name " + it.Name}
	}
	for other, prev := range out {
		if prev.URL == it.URL {
			return &DocumentError{Doc: DocCatalog, Path: path, Key: rawName, Reason: "url already used by " + other}
		}
	}
	out[it.Name] = it
	return nil
}

func decodeItem(name string, entry []byte, path string) (catalog.Item, error) {
	if firstByte(entry) != '{' {
		return catalog.Item{}, &DocumentError{Doc: DocCatalog, Path: path, Key: name, Reason: "item must be a record"}
	}
	var it catalog.Item
	if err := json.Unmarshal(entry, &it); err != nil {
		return catalog.Item{}, &DocumentError{Doc: DocCatalog, Path: path, Key: name, Reason: err.Error()}
	}
	if strings.TrimSpace(it.URL) == "" {
		return catalog.Item{}, &DocumentError{Doc: DocCatalog, Path: path, Key: name, Reason: "item has no url"}
	}
	it.Name = catalog.NormalizeName(name)
	it.IntervalSeconds = catalog.NormalizeInterval(it.IntervalSeconds)
	if err := it.Validate(); err != nil {
		return catalog.Item{}, &DocumentError{Doc: DocCatalog, Path: path, Key: name, Reason: err.Error()}
	}
	return it, nil
}

// decodeHistory validates and decodes a history document: an object whose
// entries are lists of observations.
func decodeHistory(b []byte, path string) (map[string][]catalog.Observation, error) {
	out := map[string][]catalog.Observation{}
	if len(bytes.TrimSpace(b)) == 0 {
		return out, nil
	}
	var raw map[string]json.RawMessage
	if firstByte(b) != '{' || json.Unmarshal(b, &raw) != nil {
		return nil, &DocumentError{Doc: DocHistory, Path: path, Reason: "document must be a JSON object of lists"}
	}
	for name, entry := range raw {
		if firstByte(entry) != '[' {
			return nil, &DocumentError{Doc: DocHistory, Path: path, Key: name, Reason: "history entry must be a list"}
		}
		var list []catalog.Observation
		if err := json.Unmarshal(entry, &list); err != nil {
			return nil, &DocumentError{Doc: DocHistory, Path: path, Key: name, Reason: err.Error()}
		}
		key := catalog.NormalizeName(name)
		out[key] = append(out[key], list...)
	}
	return out, nil
}

// decodeRecipients accepts a JSON array of strings or one address per line.
func decodeRecipients(b []byte, path string) ([]string, error) {
	switch firstByte(b) {
	case 0:
		return nil, nil
	case '[':
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, &DocumentError{Doc: DocRecipients, Path: path, Reason: "document must be a list of addresses"}
		}
		return list, nil
	case '{':
		return nil, &DocumentError{Doc: DocRecipients, Path: path, Reason: "document must be a list of addresses"}
	}
	var list []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			list = append(list, line)
		}
	}
	return list, sc.Err()
}
