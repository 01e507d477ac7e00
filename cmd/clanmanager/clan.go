package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/clanmanager/pkg/api"
	"github.com/cuemby/clanmanager/pkg/client"
	"github.com/cuemby/clanmanager/pkg/events"
)

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("server", "localhost:8080", "Admin API address")
	cmd.PersistentFlags().String("token", os.Getenv("CLANMANAGER_API_TOKEN"), "Admin API token")
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return client.NewClient(server, token)
}

// Clan commands
var clanCmd = &cobra.Command{
	Use:   "clan",
	Short: "Manage clans",
}

var clanRegisterCmd = &cobra.Command{
	Use:   "register ID NAME",
	Short: "Register a clan for synchronization",
	Long: `Register a clan for synchronization.

Without --file the clan gets the default role ladder:
owner, co-owner, leadership, member.

A YAML file may define the clan and its roles instead:

  id: "123"
  name: Wolves
  tag: WLF
  reverify_days: 30
  roles:
    - {id: r-owner, name: owner, rank: 0}
    - {id: r-member, name: member, rank: 3}`,
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		var clan api.Clan
		switch {
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			var spec clanFile
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("failed to parse YAML: %w", err)
			}
			clan = spec.toAPI()
		case len(args) == 2:
			clan.ID, clan.Name = args[0], args[1]
			clan.Tag, _ = cmd.Flags().GetString("tag")
			clan.GuildID, _ = cmd.Flags().GetString("guild")
			clan.ReverifyDays, _ = cmd.Flags().GetInt("reverify-days")
		default:
			return fmt.Errorf("either ID NAME or --file is required")
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		created, err := c.RegisterClan(cmd.Context(), clan)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Registered clan %s (%s)\n", created.ID, created.Name)
		printRoles(created.Roles)
		return nil
	},
}

var clanDeregisterCmd = &cobra.Command{
	Use:   "deregister ID",
	Short: "Stop managing a clan and delete its persisted state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeregisterClan(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Deregistered clan %s\n", args[0])
		return nil
	},
}

var clanReconcileCmd = &cobra.Command{
	Use:   "reconcile ID",
	Short: "Pull the clan from the platform and repair drift now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		res, err := c.Reconcile(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if len(res.Actions) == 0 {
			fmt.Printf("✓ Clan %s in sync (%dms)\n", res.ClanID, res.DurationMS)
			return nil
		}
		fmt.Printf("Clan %s: %d actions, %d applied, %d failed (%dms)\n",
			res.ClanID, len(res.Actions), res.Applied, len(res.Failed), res.DurationMS)
		for _, a := range res.Actions {
			fmt.Printf("  %s\n", a)
		}
		for _, f := range res.Failed {
			fmt.Printf("  ✗ %s: %s\n", f.Action, f.Error)
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("%d actions failed", len(res.Failed))
		}
		return nil
	},
}

var clanListCmd = &cobra.Command{
	Use:   "list",
	Short: "List managed clans",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		clans, err := c.ListClans(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTAG\tROLES\tREVERIFY")
		for _, cl := range clans {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", cl.ID, cl.Name, cl.Tag, len(cl.Roles), reverifyLabel(cl.ReverifyDays))
		}
		return w.Flush()
	},
}

var clanGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a managed clan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		cl, err := c.GetClan(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:        %s\n", cl.ID)
		fmt.Printf("Name:      %s\n", cl.Name)
		if cl.Tag != "" {
			fmt.Printf("Tag:       %s\n", cl.Tag)
		}
		if cl.GuildID != "" {
			fmt.Printf("Guild:     %s\n", cl.GuildID)
		}
		fmt.Printf("Reverify:  %s\n", reverifyLabel(cl.ReverifyDays))
		printRoles(cl.Roles)
		return nil
	},
}

var clanMembersCmd = &cobra.Command{
	Use:   "members ID",
	Short: "List persisted members of a clan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		members, err := c.ListMembers(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tROLES\tJOINED")
		for _, m := range members {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.UserID, strings.Join(m.RoleIDs, ","), m.JoinedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var clanReverifyCmd = &cobra.Command{
	Use:   "reverify ID DAYS",
	Short: "Set the reverification window in days (0 disables)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid days %q", args[1])
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		cl, err := c.SetReverification(cmd.Context(), args[0], days)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Clan %s reverification: %s\n", cl.ID, reverifyLabel(cl.ReverifyDays))
		return nil
	},
}

func init() {
	addClientFlags(clanCmd)
	clanCmd.AddCommand(clanRegisterCmd)
	clanCmd.AddCommand(clanDeregisterCmd)
	clanCmd.AddCommand(clanReconcileCmd)
	clanCmd.AddCommand(clanListCmd)
	clanCmd.AddCommand(clanGetCmd)
	clanCmd.AddCommand(clanMembersCmd)
	clanCmd.AddCommand(clanReverifyCmd)

	clanRegisterCmd.Flags().StringP("file", "f", "", "YAML clan definition")
	clanRegisterCmd.Flags().String("tag", "", "Clan tag")
	clanRegisterCmd.Flags().String("guild", "", "Guild the clan belongs to")
	clanRegisterCmd.Flags().Int("reverify-days", 0, "Reverification window in days (0 disables)")
}

// Token commands
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage admin API tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Mint an admin API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		tok, err := c.CreateToken(cmd.Context(), args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok.Token)
		if !tok.ExpiresAt.IsZero() {
			fmt.Fprintf(os.Stderr, "Expires: %s\n", tok.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	addClientFlags(tokenCmd)
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCreateCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime (0 never expires)")
}

// Event stream
var eventsCmd = &cobra.Command{
	Use:   "events [CLAN_ID]",
	Short: "Stream lifecycle events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var clanID string
		if len(args) == 1 {
			clanID = args[0]
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return c.WatchEvents(ctx, clanID, func(ev *events.Event) {
			fmt.Printf("%s  %-18s %-10s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.ClanID, ev.Message)
		})
	},
}

func init() {
	addClientFlags(eventsCmd)
}

// clanFile is the YAML clan definition accepted by register --file
type clanFile struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Tag          string `yaml:"tag,omitempty"`
	GuildID      string `yaml:"guild_id,omitempty"`
	ReverifyDays int    `yaml:"reverify_days,omitempty"`
	Roles        []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
		Rank int    `yaml:"rank"`
	} `yaml:"roles,omitempty"`
}

func (f clanFile) toAPI() api.Clan {
	out := api.Clan{ID: f.ID, Name: f.Name, Tag: f.Tag, GuildID: f.GuildID, ReverifyDays: f.ReverifyDays}
	for _, r := range f.Roles {
		out.Roles = append(out.Roles, api.Role{ID: r.ID, Name: r.Name, Rank: r.Rank})
	}
	return out
}

func printRoles(roles []api.Role) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  RANK\tROLE\tID")
	for _, r := range roles {
		fmt.Fprintf(w, "  %d\t%s\t%s\n", r.Rank, r.Name, r.ID)
	}
	_ = w.Flush()
}

func reverifyLabel(days int) string {
	if days == 0 {
		return "off"
	}
	return fmt.Sprintf("%dd", days)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
