package common

import (
	"encoding/base64"
	"fmt"
)

// EncodeCursor turns an opaque paging state into a URL-safe token.
func EncodeCursor(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor reverses EncodeCursor. An empty token means the first page.
func DecodeCursor(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return data, nil
}
