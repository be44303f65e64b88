package bso

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
)

var guidRE = regexp.MustCompile(`(?i)^[-a-z0-9_]{12}$`)

// MakeGUID returns 9 random bytes encoded as 12 characters of base64url.
func MakeGUID() string {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// CheckGUID reports whether guid has the shape produced by MakeGUID.
func CheckGUID(guid string) bool {
	return guid != "" && guidRE.MatchString(guid)
}
