// Package cmd is the cobra CLI surface hosting the provider (spec §6's CLI
// surface, shown for completeness: the RPC transport is the real interface).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "csharpref",
	Short:   "Structural query provider for C# codebases",
	Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date),
}

// Execute runs the root command, exiting the process with its error's exit
// code on failure (spec §6: 0 success, 2 bind error, 3 config error).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var ce *cliError
	if asCliError(err, &ce) {
		return ce.code
	}
	return 1
}

// cliError pins an exit code to an error without requiring every RunE to
// manage os.Exit directly, keeping cobra's own usage/flag errors on the
// generic path (exit 1).
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func bindError(err error) error   { return &cliError{code: 2, err: err} }
func configError(err error) error { return &cliError{code: 3, err: err} }

func asCliError(err error, target **cliError) bool {
	for err != nil {
		if ce, ok := err.(*cliError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
