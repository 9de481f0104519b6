package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListFilesTool lists a directory's entries.
type ListFilesTool struct {
	// Root confines listings when non-empty.
	Root string
}

// NewListFilesTool creates a list_files tool rooted at the process cwd.
func NewListFilesTool() *ListFilesTool {
	return &ListFilesTool{}
}

func (t *ListFilesTool) Name() string {
	return "list_files"
}

func (t *ListFilesTool) Description() string {
	return "List the files in a directory. Returns the entry count and names."
}

func (t *ListFilesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory to list, relative to the workspace root"}
		},
		"required": ["path"]
	}`)
}

func (t *ListFilesTool) RequiresApproval() bool {
	return false
}

func (t *ListFilesTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if args.Path == "" {
		args.Path = "."
	}

	dir := args.Path
	if t.Root != "" {
		dir = filepath.Join(t.Root, filepath.Clean("/"+args.Path))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%d items", len(names))
	for _, name := range names {
		b.WriteString("\n")
		b.WriteString(name)
	}
	return b.String(), nil
}
