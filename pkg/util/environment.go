package util

import (
	"os"
	"strings"
)

// GetEnvironmentVariables returns the process environment as a map.
// All OTAM configuration is read through this.
func GetEnvironmentVariables() map[string]string {
	environmentVariables := map[string]string{}

	for _, variable := range os.Environ() {
		pair := strings.SplitN(variable, "=", 2)

		environmentVariables[pair[0]] = pair[1]
	}

	return environmentVariables
}
