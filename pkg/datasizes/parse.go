package datasizes

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizeRegex = regexp.MustCompile(`^(\d+)\s*([a-zA-Z]*)$`)

var unitMultipliers = map[string]uint64{
	"":    1,
	"kB":  KiloByte,
	"KiB": KibiByte,
	"MB":  MegaByte,
	"MiB": MebiByte,
	"GB":  GigaByte,
	"GiB": GibiByte,
	"TB":  TeraByte,
	"TiB": TebiByte,
}

// Parse converts a size specified as a string in KB/KiB/MB/etc. to
// a number of bytes represented by uint64.
func Parse(size string) (uint64, error) {
	size = strings.TrimSpace(size)
	match := sizeRegex.FindStringSubmatch(size)
	if match == nil {
		return 0, fmt.Errorf("unknown data size units in string: %s", size)
	}
	multiplier, ok := unitMultipliers[match[2]]
	if !ok {
		return 0, fmt.Errorf("unknown data size units in string: %s", size)
	}
	value, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse size %q: %w", size, err)
	}
	return value * multiplier, nil
}
