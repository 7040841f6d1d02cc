// Package github implements the outbound channel for GitHub threads.
// Comments, reviews, and new pull requests are posted with per-repo
// installation tokens.
package github

import (
	"context"
	"fmt"
	"strings"

	gogh "github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"github.com/nadahlberg/codeclaw/channel"
	"github.com/nadahlberg/codeclaw/logger"
	"github.com/nadahlberg/codeclaw/model"
)

// ClientSource supplies authenticated API clients per repository.
type ClientSource interface {
	ClientForRepo(ctx context.Context, owner, repo string) (*gogh.Client, error)
}

// Channel posts agent output back to GitHub threads.
type Channel struct {
	clients ClientSource
	log     *logger.Logger
}

// New creates the GitHub channel.
func New(clients ClientSource, log *logger.Logger) *Channel {
	return &Channel{clients: clients, log: log.Named("github")}
}

// Name returns the channel name.
func (c *Channel) Name() string { return "github" }

// Owns reports whether tid is a GitHub thread identifier.
func (c *Channel) Owns(tid string) bool { return strings.HasPrefix(tid, "gh:") }

// SendMessage posts text as a comment on the thread. Issues and pull
// requests share the issues comment API.
func (c *Channel) SendMessage(ctx context.Context, tid, text string) error {
	owner, repo, _, number, err := model.ParseTID(tid)
	if err != nil {
		return err
	}
	client, err := c.clients.ClientForRepo(ctx, owner, repo)
	if err != nil {
		return err
	}
	_, _, err = client.Issues.CreateComment(ctx, owner, repo, number, &gogh.IssueComment{
		Body: gogh.Ptr(text),
	})
	if err != nil {
		return fmt.Errorf("posting comment on %s: %w", tid, err)
	}
	c.log.Info("posted comment", zap.String("tid", tid), zap.Int("length", len(text)))
	return nil
}

// SendStructured posts a structured response: a targeted comment, a review,
// or a new pull request.
func (c *Channel) SendStructured(ctx context.Context, tid, text string, target channel.ResponseTarget) error {
	owner, repo, _, number, err := model.ParseTID(tid)
	if err != nil {
		return err
	}
	client, err := c.clients.ClientForRepo(ctx, owner, repo)
	if err != nil {
		return err
	}

	switch target.Type {
	case channel.TargetIssueComment, channel.TargetPRComment:
		n := target.IssueNumber
		if target.Type == channel.TargetPRComment {
			n = target.PRNumber
		}
		if n == 0 {
			n = number
		}
		_, _, err = client.Issues.CreateComment(ctx, owner, repo, n, &gogh.IssueComment{
			Body: gogh.Ptr(text),
		})

	case channel.TargetPRReview:
		n := target.PRNumber
		if n == 0 {
			n = number
		}
		action := target.ReviewAction
		if action == "" {
			action = "COMMENT"
		}
		req := &gogh.PullRequestReviewRequest{
			Body:  gogh.Ptr(text),
			Event: gogh.Ptr(action),
		}
		for _, rc := range target.ReviewComments {
			req.Comments = append(req.Comments, &gogh.DraftReviewComment{
				Path: gogh.Ptr(rc.Path),
				Line: gogh.Ptr(rc.Line),
				Body: gogh.Ptr(rc.Body),
			})
		}
		_, _, err = client.PullRequests.CreateReview(ctx, owner, repo, n, req)

	case channel.TargetNewPR:
		title := target.Title
		if title == "" {
			title = "New PR"
		}
		base := target.Base
		if base == "" {
			base = "main"
		}
		_, _, err = client.PullRequests.Create(ctx, owner, repo, &gogh.NewPullRequest{
			Title: gogh.Ptr(title),
			Body:  gogh.Ptr(text),
			Head:  gogh.Ptr(target.Head),
			Base:  gogh.Ptr(base),
		})

	default:
		return fmt.Errorf("unknown response target %q", target.Type)
	}

	if err != nil {
		return fmt.Errorf("sending %s on %s: %w", target.Type, tid, err)
	}
	c.log.Info("structured message sent", zap.String("tid", tid), zap.String("target", string(target.Type)))
	return nil
}
