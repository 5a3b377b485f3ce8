package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// ParseByteSize parses a byte-size expression such as "512MiB" or "1GiB"
// (spec.md §6: "B/KiB/MiB/GiB"). go-humanize's ParseBytes accepts both the
// binary (KiB/MiB/GiB) and decimal (KB/MB/GB) forms; the binary forms are
// what spec.md documents and what the download-buffer-size default
// ("512MiB") uses.
func ParseByteSize(expr string) (uint64, error) {
	if expr == "" {
		return 0, fmt.Errorf("empty byte size expression")
	}
	n, err := humanize.ParseBytes(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", expr, err)
	}
	return n, nil
}
