package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"cartsync/internal/identity"
	"cartsync/internal/model"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCart(cmd, rootOpts, open, nil)
		},
	}
}

// NewProductsCommand creates the products command.
func NewProductsCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCart(cmd, rootOpts, open, func(ctx context.Context, app *App) (any, error) {
				products, err := app.products.Products(ctx)
				if err != nil {
					return nil, err
				}
				return ProductsView(model.ToProductResponses(products)), nil
			})
		},
	}
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "add <product-ref> [quantity]",
		Short: "Add a product, or more of one already in the cart",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			quantity := 1
			if len(args) == 2 {
				q, err := parseQuantity(args[1])
				if err != nil {
					return err
				}
				quantity = q
			}
			return runCart(cmd, rootOpts, open, func(ctx context.Context, app *App) (any, error) {
				product, err := app.Product(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return nil, app.Store.AddItem(ctx, product, quantity)
			})
		},
	}
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "update <product-ref> <quantity>",
		Short: "Set the quantity of a cart line",
		Long:  "Set the quantity of a cart line. A quantity below 1 leaves the cart unchanged; use remove instead.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			quantity, err := strconv.Atoi(args[1])
			if err != nil {
				return model.NewValidationError("quantity", "must be a whole number")
			}
			return runCart(cmd, rootOpts, open, func(ctx context.Context, app *App) (any, error) {
				return nil, app.Store.UpdateQuantity(ctx, args[0], quantity)
			})
		},
	}
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <product-ref>",
		Short: "Remove a cart line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCart(cmd, rootOpts, open, func(ctx context.Context, app *App) (any, error) {
				return nil, app.Store.RemoveItem(ctx, args[0])
			})
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Empty the cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCart(cmd, rootOpts, open, func(ctx context.Context, app *App) (any, error) {
				return nil, app.Store.Clear(ctx)
			})
		},
	}
}

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	Token        string
	IDToken      string
	OIDCIssuer   string
	OIDCClientID string
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	opts := &LoginOptions{}

	cmd := &cobra.Command{
		Use:   "login [user-id]",
		Short: "Sign in and merge the guest cart into your account",
		Long: `Sign in with a bearer token for user-id, or with an OIDC ID token whose
subject becomes the user id. The guest cart is merged into the server cart once.

The credential is saved unencrypted in the state file (CARTCTL_DB, mode 0600)
so later commands stay signed in. Run "cartctl logout" to remove it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCart(cmd, rootOpts, open, func(ctx context.Context, app *App) (any, error) {
				if opts.IDToken != "" {
					return nil, loginOIDC(ctx, app, opts)
				}
				if len(args) != 1 {
					return nil, model.NewValidationError("user id", "required unless --id-token is set")
				}
				return nil, app.Session.LoginWithToken(args[0], opts.Token)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token for the cart service")
	cmd.Flags().StringVar(&opts.IDToken, "id-token", "", "OIDC ID token to sign in with")
	cmd.Flags().StringVar(&opts.OIDCIssuer, "issuer", "", "OIDC issuer URL (with --id-token)")
	cmd.Flags().StringVar(&opts.OIDCClientID, "client-id", "", "OIDC client id (with --id-token)")
	cmd.MarkFlagsMutuallyExclusive("token", "id-token")
	cmd.MarkFlagsRequiredTogether("id-token", "issuer", "client-id")

	return cmd
}

func loginOIDC(ctx context.Context, app *App, opts *LoginOptions) error {
	v, err := identity.NewOIDCVerifier(ctx, opts.OIDCIssuer, opts.OIDCClientID)
	if err != nil {
		return err
	}
	userID, err := identity.LoginWithIDToken(ctx, app.Session, v, opts.IDToken)
	if err != nil {
		return err
	}
	app.logger.Debug("signed in with id token", "user_id", userID)
	return nil
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out; the cart returns to the guest cart on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCart(cmd, rootOpts, open, func(ctx context.Context, app *App) (any, error) {
				app.Session.Logout()
				return nil, nil
			})
		},
	}
}

// NewRetryMergeCommand creates the retry-merge command.
func NewRetryMergeCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-merge",
		Short: "Merge guest lines left behind by a failed merge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCart(cmd, rootOpts, open, func(ctx context.Context, app *App) (any, error) {
				return nil, app.Store.RetryMerge(ctx)
			})
		},
	}
}

func parseQuantity(s string) (int, error) {
	q, err := strconv.Atoi(s)
	if err != nil || q < 1 {
		return 0, model.NewValidationError("quantity", "must be a whole number of at least 1")
	}
	return q, nil
}
