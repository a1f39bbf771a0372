package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const Version = "0.1.0"

type GetenvParser[T any] func(raw string) (T, error)

var GetenvString GetenvParser[string] = func(raw string) (string, error) {
	return raw, nil
}

var GetenvInt GetenvParser[int] = strconv.Atoi

var GetenvBool GetenvParser[bool] = strconv.ParseBool

var GetenvDuration GetenvParser[time.Duration] = time.ParseDuration

// Getenv reads and parses an environment variable. An unset or empty
// variable yields the fallback, or an error when required is true.
func Getenv[T any](parse GetenvParser[T], key string, required bool, fallback T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return fallback, fmt.Errorf("environment variable %s is required", key)
		}
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		return fallback, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse GetenvParser[T], key string, required bool, fallback T) T {
	v, err := Getenv(parse, key, required, fallback)
	if err != nil {
		panic(err)
	}
	return v
}
