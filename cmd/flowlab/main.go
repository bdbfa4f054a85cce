// Package main provides the flowlab CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flowlab/internal/api"
	"flowlab/internal/diff"
	"flowlab/internal/graph"
	"flowlab/internal/remote"
	"flowlab/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "flowlab",
	Short: "Flowlab - graph editing and sync client",
	Long:  `Flowlab is a client for the flowlabd daemon. It edits node/edge graphs, tracks changes against the last synced baseline, stages them, and syncs staged changes through the code-generation service.`,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the daemon is reachable",
	RunE:  runHealth,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session commands",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	Long: `Create a new editing session on the daemon.

Examples:
  flowlab session create --name sketch
  flowlab session create --graph flow.json`,
	RunE: runSessionCreate,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open sessions",
	RunE:  runSessionList,
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session (permanent)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionClose,
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show pending changes and sync position",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var stageCmd = &cobra.Command{
	Use:   "stage <session-id> [change-id...]",
	Short: "Stage changes for the next sync",
	Long: `Stage pending changes so the next sync includes them.

Examples:
  flowlab stage 4f1c... node:a edge:e1
  flowlab stage 4f1c... --all`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStage,
}

var unstageCmd = &cobra.Command{
	Use:   "unstage <session-id> [change-id...]",
	Short: "Unstage changes",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUnstage,
}

var syncCmd = &cobra.Command{
	Use:   "sync <session-id>",
	Short: "Sync staged changes through the generation service",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

var revertCmd = &cobra.Command{
	Use:   "revert <session-id> <change-id>",
	Short: "Revert one pending change back to the baseline",
	Args:  cobra.ExactArgs(2),
	RunE:  runRevert,
}

var undoCmd = &cobra.Command{
	Use:   "undo <session-id>",
	Short: "Undo the last graph edit",
	Args:  cobra.ExactArgs(1),
	RunE:  runUndo,
}

var redoCmd = &cobra.Command{
	Use:   "redo <session-id>",
	Short: "Redo the last undone edit",
	Args:  cobra.ExactArgs(1),
	RunE:  runRedo,
}

var logCmd = &cobra.Command{
	Use:   "log <session-id>",
	Short: "Show the session's sync history",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

var filesCmd = &cobra.Command{
	Use:   "files <session-id>",
	Short: "List files written by syncs",
	Args:  cobra.ExactArgs(1),
	RunE:  runFiles,
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Node commands",
}

var nodeAddCmd = &cobra.Command{
	Use:   "add <session-id> <node-id>",
	Short: "Add a node",
	Args:  cobra.ExactArgs(2),
	RunE:  runNodeAdd,
}

var nodeRmCmd = &cobra.Command{
	Use:   "rm <session-id> <node-id>",
	Short: "Remove a node and its edges",
	Args:  cobra.ExactArgs(2),
	RunE:  runNodeRm,
}

var nodeMoveCmd = &cobra.Command{
	Use:   "move <session-id> <node-id> <x> <y>",
	Short: "Move a node",
	Args:  cobra.ExactArgs(4),
	RunE:  runNodeMove,
}

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Edge commands",
}

var edgeAddCmd = &cobra.Command{
	Use:   "add <session-id> <edge-id> <source> <target>",
	Short: "Add an edge between two nodes",
	Args:  cobra.ExactArgs(4),
	RunE:  runEdgeAdd,
}

var edgeRmCmd = &cobra.Command{
	Use:   "rm <session-id> <edge-id>",
	Short: "Remove an edge",
	Args:  cobra.ExactArgs(2),
	RunE:  runEdgeRm,
}

var selectCmd = &cobra.Command{
	Use:   "select <session-id> [node-id...]",
	Short: "Set the selection (no ids clears it)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSelect,
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Whole-graph commands",
}

var graphPullCmd = &cobra.Command{
	Use:   "pull <session-id>",
	Short: "Download the session graph as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphPull,
}

var graphPushCmd = &cobra.Command{
	Use:   "push <session-id> <file>",
	Short: "Replace the session graph from a JSON file",
	Args:  cobra.ExactArgs(2),
	RunE:  runGraphPush,
}

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Stream session events until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Token commands",
}

var tokenNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Mint an access token from the daemon's signing secret",
	Long: `Mint a bearer token signed with the daemon's secret.

The token prints to stdout; pass --save to also store it under ~/.flowlab
so later commands pick it up automatically.

Examples:
  flowlab token new --secret $FLOWLAB_AUTH_SECRET --client laptop --save`,
	RunE: runTokenNew,
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for flowlab.

To load completions:

Bash:
  $ source <(flowlab completion bash)
  # To load completions for each session, add to your ~/.bashrc:
  # source <(flowlab completion bash)

Zsh:
  $ source <(flowlab completion zsh)
  # To load completions for each session, add to your ~/.zshrc:
  # source <(flowlab completion zsh)

Fish:
  $ flowlab completion fish | source
  # To load completions for each session:
  # flowlab completion fish > ~/.config/fish/completions/flowlab.fish

PowerShell:
  PS> flowlab completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  runCompletion,
}

var (
	serverFlag string

	// Session flags
	sessionName      string
	sessionGraphFile string

	// Status flags
	statusJSON     bool
	statusNameOnly bool

	// Stage flags
	stageAll   bool
	unstageAll bool

	logLimit     int
	filesVersion int

	// Node/edge flags
	nodeLabel string
	nodeType  string
	nodeX     float64
	nodeY     float64
	edgeLabel string

	graphOut string

	// Token flags
	tokenSecret string
	tokenClient string
	tokenIssuer string
	tokenTTL    time.Duration
	tokenSave   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Daemon base URL (default: $FLOWLAB_SERVER or "+remote.DefaultServer+")")

	sessionCreateCmd.Flags().StringVar(&sessionName, "name", "", "Session name")
	sessionCreateCmd.Flags().StringVar(&sessionGraphFile, "graph", "", "Initial graph JSON file")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	statusCmd.Flags().BoolVar(&statusNameOnly, "name-only", false, "Output just change ids with status prefixes (A/M/D)")

	stageCmd.Flags().BoolVar(&stageAll, "all", false, "Stage every pending change")
	unstageCmd.Flags().BoolVar(&unstageAll, "all", false, "Unstage every staged change")

	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "Number of entries to show")
	filesCmd.Flags().IntVar(&filesVersion, "version", 0, "Only files from this sync version")

	nodeAddCmd.Flags().StringVar(&nodeLabel, "label", "", "Node label (default: the node id)")
	nodeAddCmd.Flags().StringVar(&nodeType, "type", "", "Node type (default: \"default\")")
	nodeAddCmd.Flags().Float64Var(&nodeX, "x", 0, "X coordinate")
	nodeAddCmd.Flags().Float64Var(&nodeY, "y", 0, "Y coordinate")
	edgeAddCmd.Flags().StringVar(&edgeLabel, "label", "", "Edge label")

	graphPullCmd.Flags().StringVarP(&graphOut, "out", "o", "", "Write graph JSON to this file instead of stdout")

	tokenNewCmd.Flags().StringVar(&tokenSecret, "secret", "", "Signing secret shared with the daemon (required)")
	tokenNewCmd.Flags().StringVar(&tokenClient, "client", "", "Client name stamped into the token")
	tokenNewCmd.Flags().StringVar(&tokenIssuer, "issuer", "flowlabd", "Issuer claim")
	tokenNewCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (0 = never expires)")
	tokenNewCmd.Flags().BoolVar(&tokenSave, "save", false, "Also save the token for later commands")
	tokenNewCmd.MarkFlagRequired("secret")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionCloseCmd)

	nodeCmd.AddCommand(nodeAddCmd)
	nodeCmd.AddCommand(nodeRmCmd)
	nodeCmd.AddCommand(nodeMoveCmd)

	edgeCmd.AddCommand(edgeAddCmd)
	edgeCmd.AddCommand(edgeRmCmd)

	graphCmd.AddCommand(graphPullCmd)
	graphCmd.AddCommand(graphPushCmd)

	tokenCmd.AddCommand(tokenNewCmd)

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(unstageCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(redoCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(edgeCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(completionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() *remote.Client {
	return remote.NewClient(serverFlag)
}

// shortDigest safely truncates a digest string to 12 characters.
func shortDigest(s string) string {
	if len(s) >= 12 {
		return s[:12]
	}
	return s
}

// formatMs renders a millisecond timestamp, or "-" when unset.
func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func runHealth(cmd *cobra.Command, args []string) error {
	c := newClient()
	if err := c.Health(); err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.BaseURL, err)
	}
	fmt.Printf("Daemon healthy at %s\n", c.BaseURL)
	return nil
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	c := newClient()

	var snap *graph.Snapshot
	if sessionGraphFile != "" {
		data, err := os.ReadFile(sessionGraphFile)
		if err != nil {
			return fmt.Errorf("reading graph file: %w", err)
		}
		var g graph.Snapshot
		if err := json.Unmarshal(data, &g); err != nil {
			return fmt.Errorf("parsing graph file: %w", err)
		}
		snap = &g
	}

	st, err := c.CreateSession(sessionName, snap)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	fmt.Printf("Created session: %s\n", st.SessionID)
	if st.Name != "" {
		fmt.Printf("Name: %s\n", st.Name)
	}
	fmt.Printf("Pending changes: %d\n", len(st.Changes))
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	c := newClient()
	sessions, err := c.ListSessions()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %-19s  %s\n", "ID", "NAME", "CREATED", "UPDATED")
	fmt.Println(strings.Repeat("-", 100))
	for _, s := range sessions {
		name := s.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Printf("%-36s  %-20s  %-19s  %s\n", s.ID, name, formatMs(s.CreatedAt), formatMs(s.UpdatedAt))
	}
	return nil
}

func runSessionClose(cmd *cobra.Command, args []string) error {
	c := newClient()
	if err := c.CloseSession(args[0]); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	fmt.Printf("Closed session %s\n", args[0])
	return nil
}

// statusOutput is the JSON structure for status results.
type statusOutput struct {
	SessionID    string        `json:"sessionId"`
	Name         string        `json:"name,omitempty"`
	Version      int           `json:"version"`
	SyncedAt     int64         `json:"syncedAt,omitempty"`
	SyncInFlight bool          `json:"syncInFlight"`
	Added        []string      `json:"added"`
	Modified     []string      `json:"modified"`
	Removed      []string      `json:"removed"`
	Staged       []string      `json:"staged"`
	Summary      statusSummary `json:"summary"`
}

// statusSummary contains counts for the JSON output.
type statusSummary struct {
	TotalChanges  int `json:"totalChanges"`
	AddedCount    int `json:"addedCount"`
	ModifiedCount int `json:"modifiedCount"`
	RemovedCount  int `json:"removedCount"`
	StagedCount   int `json:"stagedCount"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := newClient()
	st, err := c.GetStatus(args[0])
	if err != nil {
		return err
	}

	var added, modified, removed []string
	for _, ch := range st.Changes {
		switch ch.Op {
		case diff.OpAdded:
			added = append(added, ch.ID)
		case diff.OpModified:
			modified = append(modified, ch.ID)
		case diff.OpRemoved:
			removed = append(removed, ch.ID)
		}
	}

	if statusNameOnly {
		for _, id := range added {
			fmt.Printf("A %s\n", id)
		}
		for _, id := range modified {
			fmt.Printf("M %s\n", id)
		}
		for _, id := range removed {
			fmt.Printf("D %s\n", id)
		}
		return nil
	}

	if statusJSON {
		out := statusOutput{
			SessionID:    st.SessionID,
			Name:         st.Name,
			Version:      st.Version,
			SyncedAt:     st.SyncedAt,
			SyncInFlight: st.InFlight,
			Added:        added,
			Modified:     modified,
			Removed:      removed,
			Staged:       st.Staged,
			Summary: statusSummary{
				TotalChanges:  len(st.Changes),
				AddedCount:    len(added),
				ModifiedCount: len(modified),
				RemovedCount:  len(removed),
				StagedCount:   len(st.Staged),
			},
		}
		// Handle nil slices for cleaner JSON
		if out.Added == nil {
			out.Added = []string{}
		}
		if out.Modified == nil {
			out.Modified = []string{}
		}
		if out.Removed == nil {
			out.Removed = []string{}
		}
		if out.Staged == nil {
			out.Staged = []string{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Session: %s", st.SessionID)
	if st.Name != "" {
		fmt.Printf(" (%s)", st.Name)
	}
	fmt.Println()
	fmt.Printf("Version: %d", st.Version)
	if st.SyncedAt > 0 {
		fmt.Printf("  (synced %s)", formatMs(st.SyncedAt))
	}
	fmt.Println()
	if st.InFlight {
		fmt.Println("Sync in flight.")
	}

	if len(st.Changes) == 0 {
		fmt.Println()
		fmt.Printf("No changes since version %d\n", st.Version)
		return nil
	}

	staged := make(map[string]bool, len(st.Staged))
	for _, id := range st.Staged {
		staged[id] = true
	}
	mark := func(id string) string {
		if staged[id] {
			return " [staged]"
		}
		return ""
	}

	fmt.Println()
	fmt.Printf("Changes since version %d:\n", st.Version)
	fmt.Println()
	if len(added) > 0 {
		fmt.Printf("  Added (%d):\n", len(added))
		for _, id := range added {
			fmt.Printf("    + %s%s\n", id, mark(id))
		}
	}
	if len(modified) > 0 {
		fmt.Printf("  Modified (%d):\n", len(modified))
		for _, id := range modified {
			fmt.Printf("    ~ %s%s\n", id, mark(id))
		}
	}
	if len(removed) > 0 {
		fmt.Printf("  Removed (%d):\n", len(removed))
		for _, id := range removed {
			fmt.Printf("    - %s%s\n", id, mark(id))
		}
	}

	fmt.Println()
	fmt.Printf("%d of %d staged.", len(st.Staged), len(st.Changes))
	if len(st.Staged) > 0 {
		fmt.Printf(" Run 'flowlab sync %s' to sync them.", st.SessionID)
	}
	fmt.Println()
	return nil
}

func runStage(cmd *cobra.Command, args []string) error {
	c := newClient()
	id := args[0]

	if stageAll {
		st, err := c.StageAll(id)
		if err != nil {
			return fmt.Errorf("staging all: %w", err)
		}
		fmt.Printf("Staged all changes (%d).\n", len(st.Staged))
		return nil
	}

	if len(args) < 2 {
		return fmt.Errorf("change ids required (or use --all)")
	}

	st, err := c.GetStatus(id)
	if err != nil {
		return err
	}
	staged := make(map[string]bool, len(st.Staged))
	for _, s := range st.Staged {
		staged[s] = true
	}

	count := 0
	for _, changeID := range args[1:] {
		if staged[changeID] {
			continue
		}
		if _, err := c.Toggle(id, changeID); err != nil {
			return fmt.Errorf("staging %s: %w", changeID, err)
		}
		count++
	}
	fmt.Printf("Staged %d change(s).\n", count)
	return nil
}

func runUnstage(cmd *cobra.Command, args []string) error {
	c := newClient()
	id := args[0]

	if unstageAll {
		if _, err := c.UnstageAll(id); err != nil {
			return fmt.Errorf("unstaging all: %w", err)
		}
		fmt.Println("Unstaged all changes.")
		return nil
	}

	if len(args) < 2 {
		return fmt.Errorf("change ids required (or use --all)")
	}

	st, err := c.GetStatus(id)
	if err != nil {
		return err
	}
	staged := make(map[string]bool, len(st.Staged))
	for _, s := range st.Staged {
		staged[s] = true
	}

	count := 0
	for _, changeID := range args[1:] {
		if !staged[changeID] {
			continue
		}
		if _, err := c.Toggle(id, changeID); err != nil {
			return fmt.Errorf("unstaging %s: %w", changeID, err)
		}
		count++
	}
	fmt.Printf("Unstaged %d change(s).\n", count)
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	c := newClient()
	outcome, err := c.Sync(args[0])
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Printf("Synced version %d\n", outcome.Version)
	fmt.Printf("  Changes: %d synced\n", len(outcome.Synced))
	fmt.Printf("  Files:   %d written\n", len(outcome.Files))
	if outcome.Digest != "" {
		fmt.Printf("  Digest:  %s\n", shortDigest(outcome.Digest))
	}
	if len(outcome.Skipped) > 0 {
		fmt.Printf("  Skipped: %d unsafe path(s)\n", len(outcome.Skipped))
		for _, p := range outcome.Skipped {
			fmt.Printf("    ! %s\n", p)
		}
	}
	return nil
}

func runRevert(cmd *cobra.Command, args []string) error {
	c := newClient()
	st, err := c.Revert(args[0], args[1])
	if err != nil {
		return fmt.Errorf("reverting %s: %w", args[1], err)
	}
	fmt.Printf("Reverted %s. %d change(s) pending.\n", args[1], len(st.Changes))
	return nil
}

func runUndo(cmd *cobra.Command, args []string) error {
	c := newClient()
	ok, err := c.Undo(args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("Nothing to undo.")
		return nil
	}
	fmt.Println("Undid last edit.")
	return nil
}

func runRedo(cmd *cobra.Command, args []string) error {
	c := newClient()
	ok, err := c.Redo(args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("Nothing to redo.")
		return nil
	}
	fmt.Println("Redid last edit.")
	return nil
}

func runLog(cmd *cobra.Command, args []string) error {
	c := newClient()
	entries, err := c.Log(args[0], logLimit)
	if err != nil {
		return fmt.Errorf("getting log: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No syncs yet.")
		return nil
	}

	fmt.Printf("%-8s  %-19s  %-8s  %-6s  %s\n", "VERSION", "SYNCED", "CHANGES", "FILES", "DIGEST")
	fmt.Println(strings.Repeat("-", 64))
	for _, e := range entries {
		fmt.Printf("%-8d  %-19s  %-8d  %-6d  %s\n",
			e.Version, formatMs(e.SyncedAt), len(e.ChangeIDs), e.FileCount, shortDigest(e.Digest))
	}
	return nil
}

func runFiles(cmd *cobra.Command, args []string) error {
	c := newClient()
	files, err := c.Files(args[0], filesVersion)
	if err != nil {
		return fmt.Errorf("listing files: %w", err)
	}

	if len(files) == 0 {
		fmt.Println("No files recorded.")
		return nil
	}

	fmt.Printf("%-8s  %-10s  %s\n", "VERSION", "SIZE", "PATH")
	fmt.Println(strings.Repeat("-", 60))
	for _, f := range files {
		fmt.Printf("%-8d  %-10d  %s\n", f.Version, f.Size, f.Path)
	}
	return nil
}

func runNodeAdd(cmd *cobra.Command, args []string) error {
	c := newClient()

	n := graph.Node{
		ID:       args[1],
		Type:     nodeType,
		Position: graph.Position{X: nodeX, Y: nodeY},
	}
	if nodeLabel != "" {
		n.Data = map[string]interface{}{"label": nodeLabel}
	}

	added, err := c.AddNode(args[0], n)
	if err != nil {
		return fmt.Errorf("adding node: %w", err)
	}
	fmt.Printf("Added node %s (type %s)\n", added.ID, added.Type)
	return nil
}

func runNodeRm(cmd *cobra.Command, args []string) error {
	c := newClient()
	if err := c.RemoveNode(args[0], args[1]); err != nil {
		return fmt.Errorf("removing node: %w", err)
	}
	fmt.Printf("Removed node %s\n", args[1])
	return nil
}

func runNodeMove(cmd *cobra.Command, args []string) error {
	c := newClient()

	x, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("parsing x: %w", err)
	}
	y, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return fmt.Errorf("parsing y: %w", err)
	}

	if err := c.MoveNode(args[0], args[1], x, y); err != nil {
		return fmt.Errorf("moving node: %w", err)
	}
	fmt.Printf("Moved node %s to (%g, %g)\n", args[1], x, y)
	return nil
}

func runEdgeAdd(cmd *cobra.Command, args []string) error {
	c := newClient()

	e := graph.Edge{
		ID:     args[1],
		Source: args[2],
		Target: args[3],
		Label:  edgeLabel,
	}
	if err := c.AddEdge(args[0], e); err != nil {
		return fmt.Errorf("adding edge: %w", err)
	}
	fmt.Printf("Added edge %s (%s -> %s)\n", args[1], args[2], args[3])
	return nil
}

func runEdgeRm(cmd *cobra.Command, args []string) error {
	c := newClient()
	if err := c.RemoveEdge(args[0], args[1]); err != nil {
		return fmt.Errorf("removing edge: %w", err)
	}
	fmt.Printf("Removed edge %s\n", args[1])
	return nil
}

func runSelect(cmd *cobra.Command, args []string) error {
	c := newClient()
	st, err := c.Select(args[0], args[1:])
	if err != nil {
		return fmt.Errorf("selecting: %w", err)
	}
	if len(st.Selected) == 0 {
		fmt.Println("Selection cleared.")
		return nil
	}
	fmt.Printf("Selected %d node(s): %s\n", len(st.Selected), strings.Join(st.Selected, ", "))
	return nil
}

func runGraphPull(cmd *cobra.Command, args []string) error {
	c := newClient()
	resp, err := c.GetGraph(args[0])
	if err != nil {
		return fmt.Errorf("getting graph: %w", err)
	}

	data, err := json.MarshalIndent(resp.Graph, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling graph: %w", err)
	}

	if graphOut == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(graphOut, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", graphOut, err)
	}
	fmt.Printf("Wrote graph (version %d) to %s\n", resp.Version, graphOut)
	return nil
}

func runGraphPush(cmd *cobra.Command, args []string) error {
	c := newClient()

	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading graph file: %w", err)
	}
	var snap graph.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing graph file: %w", err)
	}

	st, err := c.PutGraph(args[0], snap)
	if err != nil {
		return fmt.Errorf("pushing graph: %w", err)
	}
	fmt.Printf("Pushed graph. %d change(s) pending.\n", len(st.Changes))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	c := newClient()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "Watching session %s (Ctrl-C to stop)\n", args[0])

	err := c.Watch(ctx, args[0], func(evt session.Event) {
		fmt.Printf("%s  %-16s  %s\n", time.UnixMilli(evt.At).Format("15:04:05"), evt.Type, evt.SessionID)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runTokenNew(cmd *cobra.Command, args []string) error {
	ts := api.NewTokenService([]byte(tokenSecret), tokenIssuer, tokenTTL)
	token, err := ts.Generate(tokenClient)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)

	if tokenSave {
		if err := remote.SaveToken(token); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Saved to %s\n", remote.TokenPath())
	}
	return nil
}

func runCompletion(cmd *cobra.Command, args []string) error {
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletion(os.Stdout)
	case "zsh":
		return cmd.Root().GenZshCompletion(os.Stdout)
	case "fish":
		return cmd.Root().GenFishCompletion(os.Stdout, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
	default:
		return fmt.Errorf("unknown shell: %s", args[0])
	}
}
