package keyring

import (
	"os"

	zkr "github.com/zalando/go-keyring"
)

const serviceName = "pipali"

// Get retrieves a secret from the OS keychain.
func Get(account string) (string, error) {
	return zkr.Get(serviceName, account)
}

// Set stores a secret in the OS keychain.
func Set(account, value string) error {
	return zkr.Set(serviceName, account, value)
}

// Delete removes a secret from the OS keychain.
func Delete(account string) error {
	return zkr.Delete(serviceName, account)
}

// Available returns true if the OS keychain is functional.
// Returns false if PIPALI_KEYRING_DISABLED=1 is set (headless/CI/Docker).
// Otherwise probes the keychain with a test write/delete cycle.
func Available() bool {
	if os.Getenv("PIPALI_KEYRING_DISABLED") == "1" {
		return false
	}
	testService := "pipali-keyring-probe"
	if err := zkr.Set(testService, "probe", "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(testService, "probe")
	return true
}
