package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	unitKB = 1024
	unitMB = 1024 * 1024
	unitGB = 1024 * 1024 * 1024
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			return outputPath
		}
		index++
	}
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

// FormatBytes renders a byte count as "value unit" with two decimals.
// Anything at or below zero is "0.00 B".
func FormatBytes(bytes int64) string {
	return formatUnits(float64(bytes))
}

// FormatSpeed is FormatBytes for a bytes-per-second rate.
func FormatSpeed(bytesPerSec float64) string {
	return formatUnits(bytesPerSec) + "/s"
}

func formatUnits(value float64) string {
	unit := "B"
	switch {
	case value <= 0:
		value = 0
	case value < unitKB:
	case value < unitMB:
		value /= unitKB
		unit = "KB"
	case value < unitGB:
		value /= unitMB
		unit = "MB"
	default:
		value /= unitGB
		unit = "GB"
	}
	return fmt.Sprintf("%.2f %s", value, unit)
}

var byteSizeRegex = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([kKmMgG]?)[bB]?\s*$`)

// ParseBytes parses sizes like "512", "500KB", "4M" or "2GB" using 1024 steps.
func ParseBytes(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	matches := byteSizeRegex.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size: %s", s)
	}
	val, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, err
	}
	multiplier := int64(1)
	switch strings.ToLower(matches[2]) {
	case "k":
		multiplier = unitKB
	case "m":
		multiplier = unitMB
	case "g":
		multiplier = unitGB
	}
	return int64(val * float64(multiplier)), nil
}
