// Package version reports the build version served at /api/version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var raw string

func String() string {
	return strings.TrimSpace(raw)
}
