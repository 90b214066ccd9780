// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package jnl

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"
)

// DefaultDigestMethod is used when no digest allow-list is configured.
const DefaultDigestMethod = "sha256"

// DefaultXMLEncoding is used when no XML encoding allow-list is configured.
const DefaultXMLEncoding = "none"

var digestURIs = map[string]string{
	"http://www.w3.org/2001/04/xmlenc#sha256":       "sha256",
	"http://www.w3.org/2001/04/xmldsig-more#sha384": "sha384",
	"http://www.w3.org/2001/04/xmlenc#sha512":       "sha512",
}

// CanonicalDigestMethod maps XML-DSig URIs to short names. Anything else is
// returned trimmed and lowercased.
func CanonicalDigestMethod(method string) string {
	m := strings.TrimSpace(method)
	if short, ok := digestURIs[m]; ok {
		return short
	}
	return strings.ToLower(m)
}

// NewHash returns a fresh hash for a digest method name or URI.
func NewHash(method string) (hash.Hash, error) {
	switch CanonicalDigestMethod(method) {
	case "sha256":
		return sha256.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, NewConfigError("digestMethod", fmt.Sprintf("unsupported digest method %q", method))
	}
}
