package tmux

import (
	"fmt"
	"regexp"
)

var namedKeys = map[string]bool{
	"Enter": true, "Escape": true, "Tab": true, "BTab": true, "Space": true,
	"BSpace": true, "DC": true, "Home": true, "End": true,
	"Up": true, "Down": true, "Left": true, "Right": true,
	"PageUp": true, "PageDown": true, "PPage": true, "NPage": true,
}

var modifiedKey = regexp.MustCompile(`^(C|M|S)-([a-zA-Z0-9\[\]\\]|Up|Down|Left|Right|Enter|Tab|Space)$`)

// ValidateKey rejects anything that is not a single named key or a
// modifier chord such as C-c or M-Left.
func ValidateKey(key string) error {
	if namedKeys[key] || modifiedKey.MatchString(key) {
		return nil
	}
	if len(key) == 2 && key[0] == 'F' && key[1] >= '1' && key[1] <= '9' {
		return nil
	}
	if len(key) == 3 && key[0] == 'F' && key[1] == '1' && key[2] >= '0' && key[2] <= '2' {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownKey, key)
}
