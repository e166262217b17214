package lifecycle

import (
	"fmt"
	"strconv"
	"strings"
)

// InitialVersion is the version of a freshly created resource.
const InitialVersion = "1.0.0"

// ParseVersion splits a MAJOR.MINOR.PATCH string.
func ParseVersion(v string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("version %q is not MAJOR.MINOR.PATCH", v)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, fmt.Errorf("version %q is not MAJOR.MINOR.PATCH", v)
		}
		out[i] = n
	}
	return out, nil
}

// NextPatch returns v with its patch component incremented.
func NextPatch(v string) (string, error) {
	p, err := ParseVersion(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.%d", p[0], p[1], p[2]+1), nil
}
