package cluster

import (
	"strconv"
	"strings"
)

// Version is the protocol version announced in the handshake
var Version = "1.0.0"

// MinimalVersion is the oldest peer version this node accepts
const MinimalVersion = "1.0.0"

// CompareVersions compares two dotted versions numerically. A leading "v" and
// a pre-release suffix ("-rc1") are ignored. Missing parts count as zero.
func CompareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for i := 0; i < max(len(pa), len(pb)); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	var parts []int
	for _, s := range strings.Split(v, ".") {
		n, _ := strconv.Atoi(s)
		parts = append(parts, n)
	}
	return parts
}
