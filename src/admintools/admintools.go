package admintools

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"git.handmade.network/hmn/heapkeeper/src/auth"
	"git.handmade.network/hmn/heapkeeper/src/cli"
	"git.handmade.network/hmn/heapkeeper/src/hkdata"
	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"github.com/spf13/cobra"
)

/*
The operator running these commands has direct database access anyway, so by
default they act with superuser rights. --as runs grant and revoke as a
named user instead, with that user's rights checked.
*/
var operator = &models.User{Username: "(operator)", IsSuperuser: true}

func init() {
	adminCommand := &cobra.Command{
		Use:   "admin",
		Short: "Manage users, heaps and rights",
	}
	cli.RootCommand.AddCommand(adminCommand)

	var (
		email     string
		password  string
		superuser bool
	)
	createUserCommand := &cobra.Command{
		Use:   "createuser <username>",
		Short: "Create a new user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, tx store.Tx) error {
				user, err := auth.RegisterUser(ctx, tx, auth.NewUser{
					Username:    args[0],
					Email:       email,
					Password:    password,
					IsSuperuser: superuser,
				})
				if err != nil {
					return err
				}
				fmt.Printf("New user added!\nID: %d\nUsername: %s\n", user.ID, user.Username)
				if password == "" {
					fmt.Printf("The user has no password and cannot log in until you run:\n")
					fmt.Printf("hk admin setpassword %s <password>\n", user.Username)
				}
				return nil
			})
		},
	}
	createUserCommand.Flags().StringVar(&email, "email", "", "Address the user sends mail from")
	createUserCommand.Flags().StringVar(&password, "password", "", "Initial password")
	createUserCommand.Flags().BoolVar(&superuser, "superuser", false, "Give the user every right on every heap")
	adminCommand.AddCommand(createUserCommand)

	setPasswordCommand := &cobra.Command{
		Use:   "setpassword <username> <new password>",
		Short: "Replace a user's password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, tx store.Tx) error {
				user, err := tx.GetUserByUsername(ctx, args[0])
				if err != nil {
					return err
				}
				if err := auth.SetPassword(ctx, tx, user.ID, args[1]); err != nil {
					return err
				}
				fmt.Printf("Successfully updated password for '%s'\n", user.Username)
				return nil
			})
		},
	}
	adminCommand.AddCommand(setPasswordCommand)

	var (
		longName   string
		visibility string
		heapAdmin  string
	)
	createHeapCommand := &cobra.Command{
		Use:   "createheap <short name>",
		Short: "Create a heap; mail to <short name>@<mail domain> lands in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, tx store.Tx) error {
				heap, err := CreateHeap(ctx, tx, args[0], longName, visibility, heapAdmin)
				if err != nil {
					return err
				}
				fmt.Printf("Created %s heap %q (ID %d)\n", heap.Visibility, heap.ShortName, heap.ID)
				return nil
			})
		},
	}
	createHeapCommand.Flags().StringVar(&longName, "name", "", "Display name of the heap")
	createHeapCommand.Flags().StringVar(&visibility, "visibility", models.HeapVisibilityPrivate.String(), "public, semipublic or private")
	createHeapCommand.Flags().StringVar(&heapAdmin, "admin", "", "User to make heap admin")
	adminCommand.AddCommand(createHeapCommand)

	var actingAs string
	grantCommand := &cobra.Command{
		Use:   "grant <username> <heap> <read|send|alter|heapadmin>",
		Short: "Set a user's right on a heap, replacing their earlier grant",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, tx store.Tx) error {
				grant, err := Grant(ctx, tx, actingAs, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				fmt.Printf("%s now has %s on %s\n", args[0], grant.Right, args[1])
				return nil
			})
		},
	}
	grantCommand.Flags().StringVar(&actingAs, "as", "", "Act as this user instead of the operator")
	adminCommand.AddCommand(grantCommand)

	revokeCommand := &cobra.Command{
		Use:   "revoke <username> <heap>",
		Short: "Remove a user's grants on a heap",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, tx store.Tx) error {
				if err := Revoke(ctx, tx, actingAs, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("%s has no grants on %s any more\n", args[0], args[1])
				return nil
			})
		},
	}
	revokeCommand.Flags().StringVar(&actingAs, "as", "", "Act as this user instead of the operator")
	adminCommand.AddCommand(revokeCommand)

	listHeapsCommand := &cobra.Command{
		Use:   "heaps",
		Short: "List heaps with their grants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, tx store.Tx) error {
				return ListHeaps(ctx, tx, os.Stdout)
			})
		},
	}
	adminCommand.AddCommand(listHeapsCommand)
}

func withStore(f func(ctx context.Context, tx store.Tx) error) error {
	ctx := cli.Context()
	s, pool, err := cli.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	return s.Tx(ctx, func(tx store.Tx) error {
		return f(ctx, tx)
	})
}

func actor(ctx context.Context, tx store.Tx, username string) (*models.User, error) {
	if username == "" {
		return operator, nil
	}
	return tx.GetUserByUsername(ctx, username)
}

func CreateHeap(ctx context.Context, tx store.Tx, shortName, longName, visibility, adminUsername string) (*models.Heap, error) {
	shortName = strings.TrimSpace(shortName)
	if shortName == "" || strings.ContainsAny(shortName, "@ \t") {
		return nil, oops.New(oops.ErrValidation, "%q is not usable as the local part of a mail address", shortName)
	}
	vis, ok := models.ParseHeapVisibility(visibility)
	if !ok {
		return nil, oops.New(oops.ErrValidation, "unknown visibility %q", visibility)
	}

	heap := &models.Heap{ShortName: shortName, LongName: longName, Visibility: vis}
	if err := tx.CreateHeap(ctx, heap); err != nil {
		return nil, oops.New(err, "failed to create heap")
	}

	if adminUsername != "" {
		admin, err := tx.GetUserByUsername(ctx, adminUsername)
		if err != nil {
			return nil, err
		}
		if _, err := hkdata.GrantRight(ctx, tx, operator, admin.ID, heap.ID, models.RightHeapAdmin); err != nil {
			return nil, err
		}
	}
	return heap, nil
}

func Grant(ctx context.Context, tx store.Tx, actingAs, username, heapName, rightName string) (*models.UserRight, error) {
	right, ok := models.ParseRight(rightName)
	if !ok {
		return nil, oops.New(oops.ErrValidation, "unknown right %q", rightName)
	}
	by, err := actor(ctx, tx, actingAs)
	if err != nil {
		return nil, err
	}
	user, err := tx.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	heap, err := tx.GetHeapByShortName(ctx, heapName)
	if err != nil {
		return nil, err
	}
	return hkdata.GrantRight(ctx, tx, by, user.ID, heap.ID, right)
}

func Revoke(ctx context.Context, tx store.Tx, actingAs, username, heapName string) error {
	by, err := actor(ctx, tx, actingAs)
	if err != nil {
		return err
	}
	user, err := tx.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	heap, err := tx.GetHeapByShortName(ctx, heapName)
	if err != nil {
		return err
	}
	return hkdata.RevokeRights(ctx, tx, by, user.ID, heap.ID)
}

func ListHeaps(ctx context.Context, tx store.Tx, out io.Writer) error {
	heaps, err := tx.ListHeaps(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHEAP\tVISIBILITY\tNAME\tGRANTS")
	for _, heap := range heaps {
		rights, err := tx.ListHeapRights(ctx, heap.ID)
		if err != nil {
			return err
		}
		var grants []string
		for _, r := range rights {
			user, err := tx.GetUser(ctx, r.UserID)
			if err != nil {
				return err
			}
			grants = append(grants, fmt.Sprintf("%s=%s", user.Username, r.Right))
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", heap.ID, heap.ShortName, heap.Visibility, heap.LongName, strings.Join(grants, ","))
	}
	return w.Flush()
}
