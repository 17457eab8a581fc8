package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/stationd/errors"
)

// Limits on configuration sources. A station layer holds a few sections
// and a BTHome device list, so anything larger or deeper is a mistake.
const (
	maxLayerSize = 64 << 10
	maxNesting   = 8
	maxEnvValue  = 1024
)

// readLayer reads one configuration layer. Layers must be regular .json,
// .yaml or .yml files no larger than maxLayerSize. A layer other users can
// write is refused, since it may carry broker credentials and decides which
// devices are relayed.
func readLayer(path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("%w: %s: layers must be .json, .yaml or .yml", errors.ErrInvalidConfig, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", errors.ErrInvalidConfig, path)
	}
	if info.Mode().Perm()&0o002 != 0 {
		return nil, fmt.Errorf("%w: %s is world-writable (mode %04o)", errors.ErrInvalidConfig, path, info.Mode().Perm())
	}
	if info.Size() > maxLayerSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, path, info.Size(), maxLayerSize)
	}
	return os.ReadFile(path)
}

// checkNesting rejects decoded layers nested deeper than maxNesting.
func checkNesting(v any, depth int) error {
	if depth > maxNesting {
		return fmt.Errorf("%w: layer nested deeper than %d levels", errors.ErrInvalidConfig, maxNesting)
	}
	switch val := v.(type) {
	case map[string]any:
		for _, child := range val {
			if err := checkNesting(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range val {
			if err := checkNesting(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkEnvValue rejects override values that cannot be a hostname, topic or
// credential: oversized values and values with NUL or line breaks.
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, key, len(value), maxEnvValue)
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return fmt.Errorf("%w: %s contains NUL or a line break", errors.ErrInvalidConfig, key)
	}
	return nil
}
