/*
Package util contains functionality that's used across all other modules.
*/
package util

import (
	"log"
	"os"
	"strconv"
)

// GetEnvAsInt gets the environment variable and parses it into an integer
// if the env variable can't be parsed, it logs the error and exits the program
func GetEnvAsInt(env string) int {
	intStr := os.Getenv(env)
	if len(intStr) == 0 {
		log.Fatalf("Given environment variable (%s) is not set", env)
	}
	parsed, err := strconv.ParseInt(intStr, 10, 64)

	if err != nil {
		log.Fatalf("Given environment variable ("+
			"%s) was not a valid int: %s", env, intStr)
	}

	return int(parsed)
}

func GetEnvAsIntOrElse(env string, defaultValue int) int {
	envVar := os.Getenv(env)
	if len(envVar) == 0 {
		return defaultValue
	}

	return GetEnvAsInt(env)
}

// GetEnvAsFloat gets the environment variable and parses it into a float,
// quitting the program if it can't be parsed
func GetEnvAsFloat(env string) float64 {
	floatStr := os.Getenv(env)
	if len(floatStr) == 0 {
		log.Fatalf("Given environment variable (%s) is not set", env)
	}
	parsed, err := strconv.ParseFloat(floatStr, 64)

	if err != nil {
		log.Fatalf("Given environment variable ("+
			"%s) was not a valid float: %s", env, floatStr)
	}

	return parsed
}

func GetEnvAsFloatOrElse(env string, defaultValue float64) float64 {
	envVar := os.Getenv(env)
	if len(envVar) == 0 {
		return defaultValue
	}

	return GetEnvAsFloat(env)
}

// GetEnvOrElse returns the value of the given environment
// variable, or the provided default value if the env variable
// does not exist
func GetEnvOrElse(env string, defaultValue string) string {
	found := os.Getenv(env)
	if len(found) == 0 {
		return defaultValue
	}
	return found
}

// MaskAddress shortens a wallet address for logging, keeping the first
// and last four characters
func MaskAddress(address string) string {
	if len(address) < 8 {
		return "****"
	}
	return address[:4] + "..." + address[len(address)-4:]
}

// MaskAmount hides a payment amount in log lines
func MaskAmount(amount float64) string {
	return "***.**"
}
