// Package cli implements cartctl, a terminal client for the cart store.
// Each invocation restores the guest cart and login from a local SQLite
// file, runs one operation and saves the login back.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the cartctl command tree. open builds the App for
// each subcommand.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cartctl",
		Short: "Shopping cart client",
		Long: `cartctl keeps a guest cart on this machine and syncs it with the cart service.

Signing in merges the guest cart into your server cart exactly once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewShowCommand(opts, open))
	cmd.AddCommand(NewProductsCommand(opts, open))
	cmd.AddCommand(NewAddCommand(opts, open))
	cmd.AddCommand(NewUpdateCommand(opts, open))
	cmd.AddCommand(NewRemoveCommand(opts, open))
	cmd.AddCommand(NewClearCommand(opts, open))
	cmd.AddCommand(NewLoginCommand(opts, open))
	cmd.AddCommand(NewLogoutCommand(opts, open))
	cmd.AddCommand(NewRetryMergeCommand(opts, open))

	return cmd
}

// cartOp runs against an opened App. A nil result renders the cart.
type cartOp func(ctx context.Context, app *App) (any, error)

// runCart opens the App, runs op, renders the result and saves state.
func runCart(cmd *cobra.Command, opts *RootOptions, open Opener, op cartOp) (err error) {
	f := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	ctx := cmd.Context()

	app, err := open(ctx, opts)
	if err != nil {
		err = WrapExitError(ExitCommandError, "opening cart state", err)
		_ = f.Error(err)
		return err
	}
	defer func() {
		if cerr := app.Close(ctx); cerr != nil && err == nil {
			err = WrapExitError(ExitCommandError, "saving cart state", cerr)
			_ = f.Error(err)
		}
	}()

	var result any
	if op != nil {
		if result, err = op(ctx, app); err != nil {
			_ = f.Error(err)
			return WrapExitError(ExitFailure, cmd.Name(), err)
		}
	}
	if result == nil {
		app.Store.Wait()
		f.VerboseLog("phase: %s", app.Store.Phase())
		result = app.View(ctx)
	}
	return f.Success(result)
}
