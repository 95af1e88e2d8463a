// Package envy automatically exposes environment
// variables for all of your flags.
package envy

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Parse takes a prefix string and exposes environment variables
// for all flags in the default FlagSet (flag.CommandLine) in the
// form of PREFIX_FLAGNAME.
func Parse(p string) error {
	return ParseFlagSet(p, flag.CommandLine)
}

// ParseFlagSet is like Parse, but operates on fs. It returns
// the first error encountered setting a flag from its
// environment variable.
func ParseFlagSet(p string, fs *flag.FlagSet) error {
	return update(p, fs, os.LookupEnv)
}

// EnvVar returns the environment variable name used for the
// flag name with prefix p.
func EnvVar(p, name string) string {
	v := fmt.Sprintf("%s_%s", p, strings.ToUpper(name))
	return strings.ReplaceAll(v, "-", "_")
}

// update takes a prefix string p and *flag.FlagSet. Each flag
// in the FlagSet is exposed as an upper case environment variable
// prefixed with p. Any flag that was not explicitly set by a user
// is updated to the environment variable, if set.
func update(p string, fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	// Build a map of explicitly set flags.
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		envVar := EnvVar(p, f.Name)

		// Update the Flag.Value if the
		// env var is non "" and the flag
		// hasn't already been set.
		if val, ok := lookup(envVar); ok && val != "" && !set[f.Name] {
			if serr := fs.Set(f.Name, val); serr != nil && err == nil {
				err = fmt.Errorf("envy: invalid value %q for %s: %w", val, envVar, serr)
			}
		}

		// Append the env var to the
		// Flag.Usage field.
		f.Usage = fmt.Sprintf("%s [%s]", f.Usage, envVar)
	})
	return err
}
