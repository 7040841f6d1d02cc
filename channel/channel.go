// Package channel defines the outbound channel interface. Channels pair
// thread identifiers with a source-control platform and carry agent output
// back to the originating thread.
package channel

import "context"

// TargetType selects which structured send a ResponseTarget describes.
type TargetType string

const (
	TargetIssueComment TargetType = "issue_comment"
	TargetPRComment    TargetType = "pr_comment"
	TargetPRReview     TargetType = "pr_review"
	TargetNewPR        TargetType = "new_pr"
)

// ReviewComment is an inline review comment on a pull request file.
type ReviewComment struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Body string `json:"body"`
}

// ResponseTarget describes a structured response: a comment on a specific
// thread, a review with an action, or a new pull request.
type ResponseTarget struct {
	Type           TargetType
	IssueNumber    int
	PRNumber       int
	ReviewAction   string // APPROVE, REQUEST_CHANGES, COMMENT
	ReviewComments []ReviewComment
	Head           string
	Base           string
	Title          string
}

// Channel is one outbound adapter. Owns reports whether the channel handles
// the given thread identifier.
type Channel interface {
	Name() string
	Owns(tid string) bool
	SendMessage(ctx context.Context, tid, text string) error
	SendStructured(ctx context.Context, tid, text string, target ResponseTarget) error
}
