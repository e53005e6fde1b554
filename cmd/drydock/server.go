package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/store"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage fleet servers",
}

var serverAddCmd = &cobra.Command{
	Use:   "add [fqdn]",
	Short: "Add a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerAdd,
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List servers",
	RunE:  runServerList,
}

var serverShowCmd = &cobra.Command{
	Use:   "show [server-id]",
	Short: "Show a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerShow,
}

var serverDeleteCmd = &cobra.Command{
	Use:   "delete [server-id]",
	Short: "Soft-delete a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerDelete,
}

var serverVersionsCmd = &cobra.Command{
	Use:   "versions [server-id]",
	Short: "Show the version history of a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerVersions,
}

var serverLockedCmd = &cobra.Command{
	Use:   "locked",
	Short: "List locked servers",
	RunE:  runServerLocked,
}

var serverUnlockCmd = &cobra.Command{
	Use:   "unlock [server-id]",
	Short: "Force-release a server lock",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerUnlock,
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage clusters",
}

var clusterAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Add a cluster",
	Args:  cobra.ExactArgs(1),
	RunE:  runClusterAdd,
}

var clusterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clusters",
	RunE:  runClusterList,
}

var (
	serverIP        string
	serverUser      string
	serverClusterID string
	serverFacts     []string
	includeDeleted  bool
	versionsPage    int
	versionsPerPage int
)

func init() {
	serverCmd.AddCommand(serverAddCmd, serverListCmd, serverShowCmd, serverDeleteCmd,
		serverVersionsCmd, serverLockedCmd, serverUnlockCmd)
	clusterCmd.AddCommand(clusterAddCmd, clusterListCmd)
	rootCmd.AddCommand(clusterCmd)

	serverAddCmd.Flags().StringVar(&serverIP, "ip", "", "Management IP address (required)")
	serverAddCmd.Flags().StringVar(&serverUser, "user", "root", "SSH user")
	serverAddCmd.Flags().StringVar(&serverClusterID, "cluster", "", "Cluster the server belongs to")
	serverAddCmd.Flags().StringArrayVar(&serverFacts, "fact", nil, "Fact as key=value (repeatable)")
	_ = serverAddCmd.MarkFlagRequired("ip")

	serverListCmd.Flags().BoolVar(&includeDeleted, "all", false, "Include deleted servers")
	clusterListCmd.Flags().BoolVar(&includeDeleted, "all", false, "Include deleted clusters")

	serverVersionsCmd.Flags().IntVar(&versionsPage, "page", 1, "Page number")
	serverVersionsCmd.Flags().IntVar(&versionsPerPage, "per-page", 20, "Versions per page")
}

func runServerAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if serverClusterID != "" {
		if _, err := a.fleet.Clusters.GetLive(ctx, serverClusterID); err != nil {
			return fmt.Errorf("cluster %s: %w", serverClusterID, err)
		}
	}
	facts := make(map[string]string, len(serverFacts))
	for _, f := range serverFacts {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid fact %q, expected key=value", f)
		}
		facts[k] = v
	}

	srv := &models.Server{
		FQDN:      args[0],
		IP:        serverIP,
		Username:  serverUser,
		ClusterID: serverClusterID,
		Facts:     facts,
	}
	if err := a.fleet.Servers.Create(ctx, srv, initiator); err != nil {
		return err
	}
	fmt.Printf("Added server %s: %s\n", srv.FQDN, srv.ModelID)
	return nil
}

func runServerList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	servers, err := a.fleet.Servers.List(ctx, includeDeleted)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("No servers found")
		return nil
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].FQDN < servers[j].FQDN })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFQDN\tIP\tCLUSTER\tVERSION\tDELETED")
	for _, s := range servers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ModelID, s.FQDN, s.IP, orDash(s.ClusterID), s.Version, formatUnix(s.TimeDeleted))
	}
	return w.Flush()
}

func runServerShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.fleet.Servers.Get(ctx, args[0])
	if err != nil {
		return err
	}
	printServer(s)
	return nil
}

func printServer(s *models.Server) {
	fmt.Printf("ID:         %s\n", s.ModelID)
	fmt.Printf("FQDN:       %s\n", s.FQDN)
	fmt.Printf("IP:         %s\n", s.IP)
	fmt.Printf("User:       %s\n", s.Username)
	fmt.Printf("Cluster:    %s\n", orDash(s.ClusterID))
	fmt.Printf("Version:    %d\n", s.Version)
	fmt.Printf("Changed:    %s by %s\n", formatUnix(s.TimeCreated), orDash(s.InitiatorID))
	if s.Deleted() {
		fmt.Printf("Deleted:    %s\n", formatUnix(s.TimeDeleted))
	}
	if len(s.Facts) > 0 {
		keys := make([]string, 0, len(s.Facts))
		for k := range s.Facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("Facts:")
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", k, s.Facts[k])
		}
	}
}

func runServerDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.fleet.Servers.GetLive(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.fleet.Servers.Delete(ctx, s, initiator); err != nil {
		return err
	}
	fmt.Printf("Deleted server %s (version %d)\n", s.FQDN, s.Version)
	return nil
}

func runServerVersions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	versions, total, err := a.fleet.Servers.Versions(ctx, args[0], store.Pagination{Page: versionsPage, PerPage: versionsPerPage})
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("server %s: %w", args[0], store.ErrNotFound)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tLATEST\tFQDN\tIP\tCHANGED\tBY\tDELETED")
	for _, s := range versions {
		fmt.Fprintf(w, "%d\t%t\t%s\t%s\t%s\t%s\t%s\n",
			s.Version, s.IsLatest, s.FQDN, s.IP, formatUnix(s.TimeCreated), orDash(s.InitiatorID), formatUnix(s.TimeDeleted))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d versions\n", len(versions), total)
	return nil
}

func runServerLocked(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	locks, err := a.service.LockedServers(ctx)
	if err != nil {
		return err
	}
	if len(locks) == 0 {
		fmt.Println("No locked servers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tFQDN\tLOCKED BY\tEXPIRES")
	for _, l := range locks {
		fqdn := "-"
		if s, err := a.fleet.Servers.Get(ctx, l.ServerID); err == nil {
			fqdn = s.FQDN
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.ServerID, fqdn, l.Locker, formatUnix(l.ExpiredAt))
	}
	return w.Flush()
}

func runServerUnlock(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.service.UnlockServer(ctx, args[0], initiator); err != nil {
		return err
	}
	fmt.Printf("Unlocked server %s\n", args[0])
	return nil
}

func runClusterAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c := &models.Cluster{Name: args[0]}
	if err := a.fleet.Clusters.Create(ctx, c, initiator); err != nil {
		return err
	}
	fmt.Printf("Added cluster %s: %s\n", c.Name, c.ModelID)
	return nil
}

func runClusterList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	clusters, err := a.fleet.Clusters.List(ctx, includeDeleted)
	if err != nil {
		return err
	}
	if len(clusters) == 0 {
		fmt.Println("No clusters found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSERVERS\tVERSION")
	for _, c := range clusters {
		servers, err := a.fleet.ClusterServers(ctx, c.ModelID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", c.ModelID, c.Name, len(servers), c.Version)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
