package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/juanfont/masquerade/database"
	"github.com/juanfont/masquerade/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage local users",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user",
	RunE:  runUsersCreate,
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE:  runUsersList,
}

var usersDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a user; audit entries referring to it are kept",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersDelete,
}

var (
	userEmail string
	userName  string
	userRole  string
)

func init() {
	usersCreateCmd.Flags().StringVar(&userEmail, "email", "", "email address (required)")
	usersCreateCmd.Flags().StringVar(&userName, "name", "", "display name")
	usersCreateCmd.Flags().StringVar(&userRole, "role", string(types.RoleUser), "role: user, support, admin or superadmin")
	_ = usersCreateCmd.MarkFlagRequired("email")

	usersCmd.AddCommand(usersCreateCmd)
	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersDeleteCmd)
}

func runUsersCreate(cmd *cobra.Command, args []string) error {
	role, ok := types.ParseRole(userRole)
	if !ok {
		return fmt.Errorf("unknown role %q", userRole)
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	user := &types.User{Email: userEmail, DisplayName: userName, Role: role}
	if err := database.NewUserStore(db).CreateUser(cmd.Context(), user); err != nil {
		return err
	}

	log.Info().Int64("user_id", user.ID).Str("email", user.Email).Str("role", string(role)).Msg("User created")
	fmt.Fprintln(cmd.OutOrStdout(), user.ID)
	return nil
}

func runUsersList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := database.NewUserStore(db).ListUsers(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE")
	for _, u := range users {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", u.ID, u.Email, u.DisplayName, u.Role)
	}
	return w.Flush()
}

func runUsersDelete(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q", args[0])
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.NewUserStore(db).DeleteUser(cmd.Context(), id); err != nil {
		return err
	}
	log.Info().Int64("user_id", id).Msg("User deleted")
	return nil
}
