// Package guard switches binaries into test mode when blank-imported from
// their tests, so main returns before dialing Postgres or Redis.
package guard

import (
	"os"
	"sync"
)

// EnvVar is the variable read by app.InTestMode.
const EnvVar = "SPENDLENS_TEST_MODE"

var once sync.Once

func init() {
	Enable()
}

// Enable sets EnvVar unless the environment already chose a value.
func Enable() {
	once.Do(func() {
		if os.Getenv(EnvVar) == "" {
			_ = os.Setenv(EnvVar, "1")
		}
	})
}
