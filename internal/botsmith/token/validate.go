// Package token validates Telegram bot credentials syntactically, before any
// network or provisioning call is made. The expensive path (container
// creation) is never attempted with a credential that can't possibly work.
package token

import (
	"fmt"
	"regexp"
)

// tokenPattern is the shape of a Telegram bot token: the numeric bot ID, a
// colon, and a 30+ character secret.
var tokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{30,}$`)

// maxLen guards against pathological inputs reaching the regexp.
const maxLen = 256

// Validate checks that credential is a plausibly well-formed bot token.
// It performs no I/O.
func Validate(credential string) error {
	if credential == "" {
		return fmt.Errorf("credential must not be empty")
	}
	if len(credential) > maxLen {
		return fmt.Errorf("credential exceeds %d characters", maxLen)
	}
	if !tokenPattern.MatchString(credential) {
		return fmt.Errorf("credential does not look like a bot token (expected <bot-id>:<secret>)")
	}
	return nil
}
