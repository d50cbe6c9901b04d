// Package tracker notifies the external issue tracker when a change request
// completes.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Bridge closes the issue linked to a change request
type Bridge interface {
	// Name identifies the tracker in logs and metrics
	Name() string

	// NotifyClosed closes the referenced issue
	NotifyClosed(ctx context.Context, issueRef string) error
}

// ErrInvalidReference is returned for issue references that cannot be parsed
var ErrInvalidReference = errors.New("invalid issue reference")

// IssueRef is a parsed issue reference
type IssueRef struct {
	Owner  string
	Repo   string
	Number int
}

func (r IssueRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// ParseIssueRef accepts "owner/repo#N", "#N" or "N". The short forms resolve
// against defaultRepo ("owner/repo").
func ParseIssueRef(ref, defaultRepo string) (IssueRef, error) {
	ref = strings.TrimSpace(ref)
	repoPart, numPart, found := strings.Cut(ref, "#")
	if !found {
		repoPart, numPart = "", ref
	}
	if repoPart == "" {
		repoPart = defaultRepo
	}

	number, err := strconv.Atoi(numPart)
	if err != nil || number <= 0 {
		return IssueRef{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}

	owner, repo, ok := strings.Cut(repoPart, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return IssueRef{}, fmt.Errorf("%w: %q has no repository", ErrInvalidReference, ref)
	}

	return IssueRef{Owner: owner, Repo: repo, Number: number}, nil
}

// LogBridge only logs notifications. Used when no tracker is configured.
type LogBridge struct {
	logger *zap.Logger
}

// NewLogBridge creates a new log-only bridge
func NewLogBridge(logger *zap.Logger) *LogBridge {
	return &LogBridge{logger: logger}
}

// Name returns the bridge name
func (b *LogBridge) Name() string {
	return "log"
}

// NotifyClosed logs the reference
func (b *LogBridge) NotifyClosed(ctx context.Context, issueRef string) error {
	b.logger.Info("issue tracker not configured, skipping close", zap.String("issue_reference", issueRef))
	return nil
}
