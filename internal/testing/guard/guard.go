// Package guard switches binaries into test mode when imported from tests,
// so calling main never dials Postgres, Redis or the upstream API.
package guard

import (
	"os"
	"sync"
)

// Env is the variable app.InTestMode reads.
const Env = "FINMIRROR_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(Env) == "" {
			_ = os.Setenv(Env, "1")
		}
	})
}
