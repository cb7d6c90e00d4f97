// Package batchparse parses the #MBATCH resource-request directives
// embedded as comments in a submitted job script.
package batchparse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/melonsched/melon/pkg/model"
)

// Sentinel errors for the closed validation error class rejected at the
// submission boundary.
var (
	ErrMissingCPUCount     = errors.New("batchparse: missing -c cpu count directive")
	ErrMissingMemory       = errors.New("batchparse: missing -m memory directive")
	ErrMissingTime         = errors.New("batchparse: missing -t time directive")
	ErrInvalidMemorySuffix = errors.New("batchparse: memory directive must end in G or M")
	ErrInvalidTimeFormat   = errors.New("batchparse: time directive must be D-HH:MM")
	ErrInvalidNumber       = errors.New("batchparse: invalid numeric value")
)

// Parse reads r line by line and extracts the three required #MBATCH
// directives (-c cpu count, -m memory, -t wall-clock time). Directives
// may appear in any order across any number of #MBATCH lines;
// non-#MBATCH lines are ignored. Missing any of the three is an error.
func Parse(r io.Reader) (model.RequestedResources, error) {
	var req model.RequestedResources
	var hasCPU, hasMem, hasTime bool

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "#MBATCH") {
			continue
		}
		fields := strings.Fields(line)[1:]
		for i := 0; i < len(fields); i++ {
			switch fields[i] {
			case "-c":
				i++
				if i >= len(fields) {
					return model.RequestedResources{}, fmt.Errorf("%w: -c missing value", ErrInvalidNumber)
				}
				n, err := strconv.ParseUint(fields[i], 10, 32)
				if err != nil {
					return model.RequestedResources{}, fmt.Errorf("%w: -c %q", ErrInvalidNumber, fields[i])
				}
				req.CPUCount, hasCPU = uint32(n), true
			case "-m":
				i++
				if i >= len(fields) {
					return model.RequestedResources{}, fmt.Errorf("%w: -m missing value", ErrInvalidNumber)
				}
				bytes, err := parseMemory(fields[i])
				if err != nil {
					return model.RequestedResources{}, err
				}
				req.Memory, hasMem = bytes, true
			case "-t":
				i++
				if i >= len(fields) {
					return model.RequestedResources{}, fmt.Errorf("%w: -t missing value", ErrInvalidNumber)
				}
				minutes, err := parseTime(fields[i])
				if err != nil {
					return model.RequestedResources{}, err
				}
				req.Time, hasTime = minutes, true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return model.RequestedResources{}, fmt.Errorf("batchparse: read script: %w", err)
	}
	if !hasCPU {
		return model.RequestedResources{}, ErrMissingCPUCount
	}
	if !hasMem {
		return model.RequestedResources{}, ErrMissingMemory
	}
	if !hasTime {
		return model.RequestedResources{}, ErrMissingTime
	}
	return req, nil
}

// ParseFile opens path and runs Parse over its contents, the form
// mbatch's CLI uses.
func ParseFile(path string) (model.RequestedResources, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is a CLI argument, the script the user asked to submit
	if err != nil {
		return model.RequestedResources{}, fmt.Errorf("batchparse: open %q: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only, nothing to flush
	return Parse(f)
}

// parseMemory converts a memory directive like "2G" or "512M" to bytes.
func parseMemory(s string) (uint64, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMemorySuffix, s)
	}
	suffix := s[len(s)-1]
	value, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: -m %q", ErrInvalidNumber, s)
	}
	switch suffix {
	case 'G', 'g':
		return value << 30, nil
	case 'M', 'm':
		return value << 20, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMemorySuffix, s)
	}
}

// parseTime converts a "D-HH:MM" directive into total minutes.
func parseTime(s string) (uint32, error) {
	dayPart, rest, ok := strings.Cut(s, "-")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	hhPart, mmPart, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	days, err := strconv.ParseUint(dayPart, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	hours, err := strconv.ParseUint(hhPart, 10, 32)
	if err != nil || hours >= 24 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	minutes, err := strconv.ParseUint(mmPart, 10, 32)
	if err != nil || minutes >= 60 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	return uint32(days*1440 + hours*60 + minutes), nil
}

// ParseExtension converts mextend's "-t D-HH-MM" flag value (fully
// dash-separated, distinct from #MBATCH's "D-HH:MM" grammar above) into
// total minutes.
func ParseExtension(s string) (uint32, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	days, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	hours, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || hours >= 24 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	minutes, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil || minutes >= 60 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	return uint32(days*1440 + hours*60 + minutes), nil
}
