// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/storer"
)

// History records config revisions in a local git repository under the data
// directory, so management-API edits stay auditable and revertable.
type History struct {
	dir string
}

// NewHistory opens (or initializes) the history repository at dir.
func NewHistory(dir string) (*History, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config history: %w", err)
	}
	if _, err := git.PlainOpen(dir); err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("config history: %w", err)
		}
		if _, err := git.PlainInit(dir, false); err != nil {
			return nil, fmt.Errorf("config history: %w", err)
		}
	}
	return &History{dir: dir}, nil
}

// Record copies the config file into the history repository and commits it.
// An unchanged config produces no new commit.
func (h *History) Record(configFile, message string) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("config history: %w", err)
	}
	name := filepath.Base(configFile)
	if err := os.WriteFile(filepath.Join(h.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("config history: %w", err)
	}

	repo, err := git.PlainOpen(h.dir)
	if err != nil {
		return fmt.Errorf("config history: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("config history: %w", err)
	}
	if _, err := wt.Add(name); err != nil {
		return fmt.Errorf("config history: %w", err)
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "aibridge",
			Email: "gateway@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("config history: %w", err)
	}
	return nil
}

// Revision is one recorded config change.
type Revision struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
}

// Log returns the most recent revisions, newest first.
func (h *History) Log(limit int) ([]Revision, error) {
	repo, err := git.PlainOpen(h.dir)
	if err != nil {
		return nil, fmt.Errorf("config history: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("config history: %w", err)
	}
	defer iter.Close()

	var revs []Revision
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(revs) >= limit {
			return storer.ErrStop
		}
		revs = append(revs, Revision{
			Hash:    c.Hash.String(),
			Message: c.Message,
			When:    c.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config history: %w", err)
	}
	return revs, nil
}
