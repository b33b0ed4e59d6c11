package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Helper to get float64 env with default
func getEnvAsFloat64(key string, fallback float64) float64 {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		log.Printf("Warning: Invalid float64 for config %s=%q, using default %f", key, valueStr, fallback)
		return fallback
	}
	return val
}

func getEnvAsInt(key string, fallback int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	val, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		log.Printf("Warning: Invalid int for config %s=%q, using default %d", key, valueStr, fallback)
		return fallback
	}
	return val
}

// getEnvAsPositiveInt is getEnvAsInt for counts and intervals that must be at least 1.
func getEnvAsPositiveInt(key string, fallback int) int {
	val := getEnvAsInt(key, fallback)
	if val < 1 {
		log.Printf("Warning: %s must be positive, got %d, using default %d", key, val, fallback)
		return fallback
	}
	return val
}

// getEnvAsDuration accepts Go durations ("90s", "5m") or a bare number of
// seconds. Negative values fall back to the default.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return fallback
	}
	d, err := time.ParseDuration(valueStr)
	if secs, aerr := strconv.Atoi(valueStr); aerr == nil {
		d, err = time.Duration(secs)*time.Second, nil
	}
	if err != nil || d < 0 {
		log.Printf("Warning: Invalid duration for config %s=%q, using default %s", key, valueStr, fallback)
		return fallback
	}
	return d
}

// getEnvAsPositiveDuration also rejects zero, for periods fed to tickers and
// windows that must have a length.
func getEnvAsPositiveDuration(key string, fallback time.Duration) time.Duration {
	d := getEnvAsDuration(key, fallback)
	if d == 0 {
		log.Printf("Warning: %s must be positive, using default %s", key, fallback)
		return fallback
	}
	return d
}

// getEnvAsList splits a comma-separated value, dropping empty items.
func getEnvAsList(key string, fallback []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsInts(key string, fallback []int) []int {
	items := getEnvAsList(key, nil)
	if items == nil {
		return fallback
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, err := strconv.Atoi(item)
		if err != nil {
			log.Printf("Warning: Invalid int %q in %s, skipping", item, key)
			continue
		}
		out = append(out, n)
	}
	return out
}
