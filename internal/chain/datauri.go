package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const dataURIPrefix = "data:application/json;base64,"

// EncodeDataURI serializes v as an inline JSON data URI, the form agent
// metadata takes in the registry contract's tokenURI.
func EncodeDataURI(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return dataURIPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeDataURI parses a URI produced by EncodeDataURI into v.
func DecodeDataURI(uri string, v any) error {
	if !strings.HasPrefix(uri, dataURIPrefix) {
		return fmt.Errorf("chain: unsupported metadata uri")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, dataURIPrefix))
	if err != nil {
		return fmt.Errorf("chain: decode metadata uri: %w", err)
	}
	return json.Unmarshal(raw, v)
}
