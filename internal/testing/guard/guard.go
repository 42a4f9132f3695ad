package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("MDA_TEST_MODE") == "" {
			_ = os.Setenv("MDA_TEST_MODE", "1")
		}
	})
}
