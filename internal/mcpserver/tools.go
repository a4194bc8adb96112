// Package mcpserver registers MCP tools that expose sync roots, conflicts
// and history. It adapts the service package to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/service"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultHistoryLimit applies when list_history is called without a limit.
const defaultHistoryLimit = 50

// Syncer is the part of the sync service the tools call.
type Syncer interface {
	ListRoots() ([]models.SyncRoot, error)
	ResumeRoot(id uint64) (models.SyncRoot, error)
	StartSync(ctx context.Context, rootID uint64) (models.Summary, error)
	ListConflicts(rootID uint64) ([]models.ResourceSyncRecord, error)
	ResolveConflict(recordID uint64, resolution models.Resolution) (models.ResourceSyncRecord, error)
	ConflictDiff(ctx context.Context, recordID uint64) (service.ConflictDiff, error)
	FileStatus(rootID uint64, localPath string) (*models.ResourceSyncRecord, error)
	ListHistory(limit int) ([]models.SyncHistoryEntry, error)
	ClearHistory() error
}

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, s Syncer) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_roots",
		Description: "List every enrolled sync root with its remote path, local folder, run state and last successful sync time.",
	}, listRootsHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_sync",
		Description: "Run one reconciliation of a sync root now and return the number of changes, conflicts and errors. Fails if the root is already running or suspended.",
	}, startSyncHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resume_root",
		Description: "Clear the suspension of a root whose local folder went missing. Restore the folder first.",
	}, resumeRootHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_conflicts",
		Description: "List files in conflict. Pass root_id to restrict to one root.",
	}, listConflictsHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflict_diff",
		Description: "Show a text patch from the remote copy to the local copy of a conflicted file. Binary or very large files cannot be diffed.",
	}, conflictDiffHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resolve_conflict",
		Description: "Choose which side wins a conflict: \"local\" or \"remote\". The choice is applied on the root's next run.",
	}, resolveConflictHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "file_status",
		Description: "Show the sync record of a file by its path relative to the root's local folder.",
	}, fileStatusHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_history",
		Description: "List recent sync outcomes, newest first.",
	}, listHistoryHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "clear_history",
		Description: "Delete all sync history entries.",
	}, clearHistoryHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// NoInput has no parameters.
type NoInput struct{}

// RootInput identifies a root.
type RootInput struct {
	RootID uint64 `json:"root_id" jsonschema:"required,id of the sync root"`
}

// ListConflictsInput holds parameters for list_conflicts.
type ListConflictsInput struct {
	RootID uint64 `json:"root_id,omitempty" jsonschema:"id of the sync root, omit for all roots"`
}

// RecordInput identifies a sync record.
type RecordInput struct {
	RecordID uint64 `json:"record_id" jsonschema:"required,id of the conflicted record"`
}

// ResolveInput holds parameters for resolve_conflict.
type ResolveInput struct {
	RecordID   uint64 `json:"record_id" jsonschema:"required,id of the conflicted record"`
	Resolution string `json:"resolution" jsonschema:"required,local or remote"`
}

// FileStatusInput holds parameters for file_status.
type FileStatusInput struct {
	RootID uint64 `json:"root_id" jsonschema:"required,id of the sync root"`
	Path   string `json:"path" jsonschema:"required,file path relative to the root's local folder"`
}

// HistoryInput holds parameters for list_history.
type HistoryInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of entries, defaults to 50"`
}

// --- Output types ---
// Enums and times are flattened to strings so the inferred output schema
// matches what the JSON encoders produce.

// Root describes a sync root.
type Root struct {
	ID            uint64 `json:"id"`
	RemotePath    string `json:"remote_path"`
	LocalDir      string `json:"local_dir"`
	Running       bool   `json:"running"`
	Suspended     bool   `json:"suspended"`
	SuspendReason string `json:"suspend_reason,omitempty"`
	LastSyncAt    string `json:"last_sync_at,omitempty"`
}

// RootsResult is the output of list_roots.
type RootsResult struct {
	Roots []Root `json:"roots"`
}

// SyncResult is the output of start_sync.
type SyncResult struct {
	RootID    uint64 `json:"root_id"`
	Changes   int    `json:"changes"`
	Conflicts int    `json:"conflicts"`
	Errors    int    `json:"errors"`
}

// Record describes a sync record.
type Record struct {
	ID         uint64 `json:"id"`
	RootID     uint64 `json:"root_id"`
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`
	IsDir      bool   `json:"is_dir,omitempty"`
	ETag       string `json:"etag,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
	Conflict   string `json:"conflict,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// ConflictsResult is the output of list_conflicts.
type ConflictsResult struct {
	Conflicts []Record `json:"conflicts"`
}

// FileStatusResult is the output of file_status.
type FileStatusResult struct {
	Tracked bool    `json:"tracked"`
	Record  *Record `json:"record,omitempty"`
}

// HistoryEntry describes one history entry.
type HistoryEntry struct {
	ID         uint64 `json:"id"`
	RootID     uint64 `json:"root_id"`
	RemotePath string `json:"remote_path"`
	Action     string `json:"action"`
	Conflict   string `json:"conflict,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// HistoryResult is the output of list_history.
type HistoryResult struct {
	Entries []HistoryEntry `json:"entries"`
}

// ClearResult is the output of clear_history.
type ClearResult struct {
	Cleared bool `json:"cleared"`
}

// --- Handlers ---

func listRootsHandler(s Syncer) mcp.ToolHandlerFor[NoInput, *RootsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *RootsResult, error) {
		roots, err := s.ListRoots()
		if err != nil {
			return nil, nil, err
		}

		result := &RootsResult{Roots: make([]Root, 0, len(roots))}
		for _, r := range roots {
			result.Roots = append(result.Roots, rootView(r))
		}

		return textResult(result), result, nil
	}
}

func startSyncHandler(s Syncer) mcp.ToolHandlerFor[RootInput, *SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RootInput) (*mcp.CallToolResult, *SyncResult, error) {
		summary, err := s.StartSync(ctx, input.RootID)
		if err != nil {
			return nil, nil, err
		}

		result := &SyncResult{
			RootID:    input.RootID,
			Changes:   summary.Changes,
			Conflicts: summary.Conflicts,
			Errors:    summary.Errors,
		}

		return textResult(result), result, nil
	}
}

func resumeRootHandler(s Syncer) mcp.ToolHandlerFor[RootInput, *Root] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input RootInput) (*mcp.CallToolResult, *Root, error) {
		root, err := s.ResumeRoot(input.RootID)
		if err != nil {
			return nil, nil, err
		}

		result := rootView(root)

		return textResult(result), &result, nil
	}
}

func listConflictsHandler(s Syncer) mcp.ToolHandlerFor[ListConflictsInput, *ConflictsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListConflictsInput) (*mcp.CallToolResult, *ConflictsResult, error) {
		recs, err := s.ListConflicts(input.RootID)
		if err != nil {
			return nil, nil, err
		}

		result := &ConflictsResult{Conflicts: make([]Record, 0, len(recs))}
		for _, r := range recs {
			result.Conflicts = append(result.Conflicts, recordView(r))
		}

		return textResult(result), result, nil
	}
}

func conflictDiffHandler(s Syncer) mcp.ToolHandlerFor[RecordInput, *service.ConflictDiff] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RecordInput) (*mcp.CallToolResult, *service.ConflictDiff, error) {
		diff, err := s.ConflictDiff(ctx, input.RecordID)
		if err != nil {
			return nil, nil, err
		}

		return textResult(diff), &diff, nil
	}
}

func resolveConflictHandler(s Syncer) mcp.ToolHandlerFor[ResolveInput, *Record] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ResolveInput) (*mcp.CallToolResult, *Record, error) {
		resolution, err := models.ParseResolution(input.Resolution)
		if err != nil {
			return nil, nil, err
		}

		rec, err := s.ResolveConflict(input.RecordID, resolution)
		if err != nil {
			return nil, nil, err
		}

		result := recordView(rec)

		return textResult(result), &result, nil
	}
}

func fileStatusHandler(s Syncer) mcp.ToolHandlerFor[FileStatusInput, *FileStatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input FileStatusInput) (*mcp.CallToolResult, *FileStatusResult, error) {
		rec, err := s.FileStatus(input.RootID, input.Path)
		if err != nil {
			return nil, nil, err
		}

		result := &FileStatusResult{}
		if rec != nil {
			view := recordView(*rec)
			result.Tracked = true
			result.Record = &view
		}

		return textResult(result), result, nil
	}
}

func listHistoryHandler(s Syncer) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, *HistoryResult, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}

		entries, err := s.ListHistory(limit)
		if err != nil {
			return nil, nil, err
		}

		result := &HistoryResult{Entries: make([]HistoryEntry, 0, len(entries))}
		for _, e := range entries {
			result.Entries = append(result.Entries, historyView(e))
		}

		return textResult(result), result, nil
	}
}

func clearHistoryHandler(s Syncer) mcp.ToolHandlerFor[NoInput, *ClearResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *ClearResult, error) {
		if err := s.ClearHistory(); err != nil {
			return nil, nil, err
		}

		result := &ClearResult{Cleared: true}

		return textResult(result), result, nil
	}
}

// --- Views ---

func rootView(r models.SyncRoot) Root {
	return Root{
		ID:            r.ID,
		RemotePath:    r.RemotePath,
		LocalDir:      r.LocalDir,
		Running:       r.Locked,
		Suspended:     r.Suspended,
		SuspendReason: r.SuspendReason,
		LastSyncAt:    formatTime(r.LastSyncAt),
	}
}

func recordView(r models.ResourceSyncRecord) Record {
	v := Record{
		ID:         r.ID,
		RootID:     r.RootID,
		RemotePath: r.RemotePath,
		LocalPath:  r.LocalPath,
		IsDir:      r.IsDir,
		ETag:       r.ETag,
		ModifiedAt: formatTime(r.ModifiedAt),
		LastError:  r.LastError,
	}

	if r.InConflict() {
		v.Conflict = r.ConflictType.String()
		v.Resolution = r.ConflictResolution.String()
	}

	return v
}

func historyView(e models.SyncHistoryEntry) HistoryEntry {
	v := HistoryEntry{
		ID:         e.ID,
		RootID:     e.RootID,
		RemotePath: e.RemotePath,
		Action:     e.Action.String(),
		Error:      e.Error,
		Timestamp:  formatTime(e.Timestamp),
	}

	if e.ConflictType != models.ConflictNone {
		v.Conflict = e.ConflictType.String()
	}

	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
