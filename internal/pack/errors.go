package pack

import "errors"

// ErrSourceNotFound marks a configuration error: the directory to package
// does not exist or is not a directory. Nothing is written when it occurs.
var ErrSourceNotFound = errors.New("source directory not found")
