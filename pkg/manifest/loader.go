package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and defaults the manifest at path.
//
// The format follows the extension: .yaml/.yml for YAML, .json for JSON.
// Unknown extensions are tried as YAML first, then JSON.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, fmt.Errorf("manifest file not found: %s", path)
		case os.IsPermission(err):
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		default:
			return nil, fmt.Errorf("failed to read manifest file: %w", err)
		}
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates manifest bytes. path is only used for
// format detection and messages and may be empty.
//
// Schema validation runs on the raw document, before decoding into the typed
// struct, so unknown fields are rejected instead of silently dropped.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	m, err := parseManifest(data, path)
	if err != nil {
		return nil, err
	}
	if err := validateReferences(m); err != nil {
		return nil, err
	}
	m.ApplyDefaults()
	return m, nil
}

// LoadFromReader reads all of r and behaves like LoadFromBytes.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

func parseManifest(data []byte, path string) (*Manifest, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	}

	m, yamlErr := parseYAML(data)
	if yamlErr == nil {
		return m, nil
	}
	if m, err := parseJSON(data); err == nil {
		return m, nil
	}
	return nil, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", yamlErr)
}

func parseJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
	}
	return &m, nil
}

func parseYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	return &m, nil
}

// toJSON renders the document as JSON for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if !json.Valid(data) {
			var raw any
			err := json.Unmarshal(data, &raw)
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	}

	// YAML is a superset of JSON, so try it first.
	out, err := yamlToJSON(data)
	if err == nil {
		return out, nil
	}
	if json.Valid(data) {
		return data, nil
	}
	return nil, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", err)
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return out, nil
}
