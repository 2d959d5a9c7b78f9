package shiro

import (
	"fmt"
	"strings"
)

// ParseError reports a malformed binary index file. It is fatal to the
// parse call that produced it and never retried automatically.
type ParseError struct {
	Path string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// PackageNotFoundError means a requested or transitively required package
// could not be resolved through the recipe tree or any binary index.
type PackageNotFoundError struct {
	Name       string
	RequiredBy []string
}

func (e *PackageNotFoundError) Error() string {
	source := "command line"
	if len(e.RequiredBy) > 0 {
		source = strings.Join(e.RequiredBy, ", ")
	}
	return fmt.Sprintf("could not find package '%s' in the recipe tree or any binary index (required by '%s')", e.Name, source)
}

// InvalidRecipeError reports a recipe that violates a structural rule:
// folder/pkgname mismatch, invalid version grammar, or a duplicate package
// name across two category folders. Recipe authors must fix these, they are
// never recovered from.
type InvalidRecipeError struct {
	Path string
	Msg  string
}

func (e *InvalidRecipeError) Error() string {
	if e.Path == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}
