package vault

import (
	"fmt"
	"strings"
)

// ValidateArchiveName rejects names that cannot be used as a single flat
// key by every backend: empty names, "." and "..", and anything containing
// a path separator.
func ValidateArchiveName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid archive name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("archive name must not contain path separators: %q", name)
	}
	return nil
}
