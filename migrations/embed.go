// SPDX-License-Identifier: Apache-2.0

// Package migrations holds the SQL each Postgres backend needs, one
// directory per owning backend.
package migrations

import (
	"embed"
	"fmt"
	"path"
	"slices"
	"strings"
)

//go:embed queue/*.sql store/*.sql
var sqlFS embed.FS

// Owners of a migration directory.
const (
	Queue = "queue"
	Store = "store"
)

// Owners lists every migration directory.
var Owners = []string{Queue, Store}

type File struct {
	Owner string
	Name  string
	SQL   string
}

// Version is the ledger key for the file, for example "store/0001_workflows.sql".
func (f File) Version() string { return path.Join(f.Owner, f.Name) }

// For returns the owner's migrations in the order they must run.
func For(owner string) ([]File, error) {
	if !slices.Contains(Owners, owner) {
		return nil, fmt.Errorf("no migrations for %q", owner)
	}
	entries, err := sqlFS.ReadDir(owner)
	if err != nil {
		return nil, fmt.Errorf("read %s migrations: %w", owner, err)
	}

	var out []File
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		body, err := sqlFS.ReadFile(path.Join(owner, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s/%s: %w", owner, e.Name(), err)
		}
		out = append(out, File{Owner: owner, Name: e.Name(), SQL: string(body)})
	}
	slices.SortFunc(out, func(a, b File) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}
