// Package events normalizes GitHub webhook payloads into canonical events
// for the CodeClaw message pipeline. Bot-origin and uninteresting events are
// dropped here so nothing downstream has to re-check them.
package events

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/nadahlberg/codeclaw/model"
	"github.com/nadahlberg/codeclaw/router"
)

// Metadata carries platform identifiers forward separately from the prompt
// payload so outbound actions can target the exact comment or review.
type Metadata struct {
	IssueNumber     int    `json:"issue_number,omitempty"`
	PRNumber        int    `json:"pr_number,omitempty"`
	CommentID       int64  `json:"comment_id,omitempty"`
	ReviewID        int64  `json:"review_id,omitempty"`
	IsReviewComment bool   `json:"is_review_comment,omitempty"`
	Path            string `json:"path,omitempty"`
	Line            int    `json:"line,omitempty"`
	SHA             string `json:"sha,omitempty"`
}

// Event is one accepted webhook delivery, normalized.
type Event struct {
	Type           string
	Action         string
	InstallationID int64
	RepoFullName   string
	RepoPrefix     string
	ThreadTID      string
	Sender         string
	Mentioned      bool
	Content        string
	Metadata       Metadata
}

type payload struct {
	Action       string `json:"action"`
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender *struct {
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"sender"`
	Issue *struct {
		Number      int             `json:"number"`
		Title       string          `json:"title"`
		Body        string          `json:"body"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	Comment *struct {
		ID          int64  `json:"id"`
		Body        string `json:"body"`
		Path        string `json:"path"`
		Line        int    `json:"line"`
		InReplyToID int64  `json:"in_reply_to_id"`
	} `json:"comment"`
	PullRequest *struct {
		Number       int    `json:"number"`
		Title        string `json:"title"`
		Body         string `json:"body"`
		Additions    int    `json:"additions"`
		Deletions    int    `json:"deletions"`
		ChangedFiles int    `json:"changed_files"`
		Head         struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Review *struct {
		ID    int64  `json:"id"`
		Body  string `json:"body"`
		State string `json:"state"`
	} `json:"review"`
}

func mentionRe(appSlug string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(appSlug) + `\b`)
}

// Map converts a webhook delivery into an Event, or nil when the event is
// not one CodeClaw reacts to. Malformed JSON is an error; a well-formed but
// uninteresting payload is a silent nil.
func Map(eventName string, raw []byte, appSlug string) (*Event, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", eventName, err)
	}

	if p.Installation == nil || p.Repository == nil || p.Sender == nil {
		return nil, nil
	}
	// Bot loop prevention.
	if p.Sender.Type == "Bot" || p.Sender.Login == appSlug+"[bot]" {
		return nil, nil
	}

	base := Event{
		Action:         p.Action,
		InstallationID: p.Installation.ID,
		RepoFullName:   p.Repository.FullName,
		RepoPrefix:     "gh:" + p.Repository.FullName,
		Sender:         p.Sender.Login,
	}

	switch eventName {
	case "issues":
		return mapIssue(&p, base)
	case "issue_comment":
		return mapIssueComment(&p, base, appSlug)
	case "pull_request":
		return mapPullRequest(&p, base)
	case "pull_request_review":
		return mapPRReview(&p, base, appSlug)
	case "pull_request_review_comment":
		return mapPRReviewComment(&p, base, appSlug)
	default:
		return nil, nil
	}
}

func mapIssue(p *payload, e Event) (*Event, error) {
	if p.Action != "opened" && p.Action != "assigned" {
		return nil, nil
	}
	if p.Issue == nil {
		return nil, nil
	}
	e.Type = "issues"
	e.ThreadTID = fmt.Sprintf("%s#%s:%d", e.RepoPrefix, model.ThreadIssue, p.Issue.Number)
	e.Content = fmt.Sprintf(
		"<github_event type=\"issue_%s\" repo=\"%s\" issue=\"#%d\" sender=\"%s\">\n"+
			"  <issue_title>%s</issue_title>\n"+
			"  <issue_body>%s</issue_body>\n"+
			"</github_event>",
		p.Action, router.EscapeXML(e.RepoFullName), p.Issue.Number, router.EscapeXML(e.Sender),
		router.EscapeXML(p.Issue.Title), router.EscapeXML(p.Issue.Body),
	)
	e.Metadata = Metadata{IssueNumber: p.Issue.Number}
	return &e, nil
}

func mapIssueComment(p *payload, e Event, appSlug string) (*Event, error) {
	if p.Action != "created" || p.Issue == nil || p.Comment == nil {
		return nil, nil
	}
	// GitHub sends issue_comment for PR conversation comments too.
	isPR := len(p.Issue.PullRequest) > 0 && string(p.Issue.PullRequest) != "null"

	kind := model.ThreadIssue
	eventType := "issue_comment"
	if isPR {
		kind = model.ThreadPR
		eventType = "pr_comment"
	}
	e.Type = "issue_comment"
	e.ThreadTID = fmt.Sprintf("%s#%s:%d", e.RepoPrefix, kind, p.Issue.Number)
	e.Mentioned = mentionRe(appSlug).MatchString(p.Comment.Body)
	e.Content = fmt.Sprintf(
		"<github_event type=\"%s\" repo=\"%s\" issue=\"#%d\" sender=\"%s\" mentioned=\"%t\">\n"+
			"  <issue_title>%s</issue_title>\n"+
			"  <comment>%s</comment>\n"+
			"</github_event>",
		eventType, router.EscapeXML(e.RepoFullName), p.Issue.Number, router.EscapeXML(e.Sender),
		e.Mentioned, router.EscapeXML(p.Issue.Title), router.EscapeXML(p.Comment.Body),
	)
	e.Metadata = Metadata{CommentID: p.Comment.ID}
	if isPR {
		e.Metadata.PRNumber = p.Issue.Number
	} else {
		e.Metadata.IssueNumber = p.Issue.Number
	}
	return &e, nil
}

func mapPullRequest(p *payload, e Event) (*Event, error) {
	if p.Action != "opened" && p.Action != "synchronize" {
		return nil, nil
	}
	if p.PullRequest == nil {
		return nil, nil
	}
	pr := p.PullRequest
	e.Type = "pull_request"
	e.ThreadTID = fmt.Sprintf("%s#%s:%d", e.RepoPrefix, model.ThreadPR, pr.Number)
	e.Content = fmt.Sprintf(
		"<github_event type=\"pull_request_%s\" repo=\"%s\" pr=\"#%d\" sender=\"%s\">\n"+
			"  <pr_title>%s</pr_title>\n"+
			"  <pr_body>%s</pr_body>\n"+
			"  <stats additions=\"%d\" deletions=\"%d\" changed_files=\"%d\" />\n"+
			"  <head_sha>%s</head_sha>\n"+
			"</github_event>",
		p.Action, router.EscapeXML(e.RepoFullName), pr.Number, router.EscapeXML(e.Sender),
		router.EscapeXML(pr.Title), router.EscapeXML(pr.Body),
		pr.Additions, pr.Deletions, pr.ChangedFiles, pr.Head.SHA,
	)
	e.Metadata = Metadata{PRNumber: pr.Number, SHA: pr.Head.SHA}
	return &e, nil
}

func mapPRReview(p *payload, e Event, appSlug string) (*Event, error) {
	if p.Action != "submitted" || p.PullRequest == nil || p.Review == nil {
		return nil, nil
	}
	// Reviews only reach the agent when it is explicitly mentioned.
	if !mentionRe(appSlug).MatchString(p.Review.Body) {
		return nil, nil
	}
	e.Type = "pull_request_review"
	e.Mentioned = true
	e.ThreadTID = fmt.Sprintf("%s#%s:%d", e.RepoPrefix, model.ThreadPR, p.PullRequest.Number)
	e.Content = fmt.Sprintf(
		"<github_event type=\"pull_request_review\" repo=\"%s\" pr=\"#%d\" sender=\"%s\" review_state=\"%s\">\n"+
			"  <pr_title>%s</pr_title>\n"+
			"  <review_body>%s</review_body>\n"+
			"</github_event>",
		router.EscapeXML(e.RepoFullName), p.PullRequest.Number, router.EscapeXML(e.Sender),
		router.EscapeXML(p.Review.State),
		router.EscapeXML(p.PullRequest.Title), router.EscapeXML(p.Review.Body),
	)
	e.Metadata = Metadata{PRNumber: p.PullRequest.Number, ReviewID: p.Review.ID}
	return &e, nil
}

func mapPRReviewComment(p *payload, e Event, appSlug string) (*Event, error) {
	if p.Action != "created" || p.PullRequest == nil || p.Comment == nil {
		return nil, nil
	}
	mentioned := mentionRe(appSlug).MatchString(p.Comment.Body)
	// Accept mentions and replies in threads the agent is part of.
	if !mentioned && p.Comment.InReplyToID == 0 {
		return nil, nil
	}
	e.Type = "pull_request_review_comment"
	e.Mentioned = mentioned
	e.ThreadTID = fmt.Sprintf("%s#%s:%d", e.RepoPrefix, model.ThreadPR, p.PullRequest.Number)
	e.Content = fmt.Sprintf(
		"<github_event type=\"pull_request_review_comment\" repo=\"%s\" pr=\"#%d\" sender=\"%s\" path=\"%s\">\n"+
			"  <pr_title>%s</pr_title>\n"+
			"  <comment line=\"%d\">%s</comment>\n"+
			"</github_event>",
		router.EscapeXML(e.RepoFullName), p.PullRequest.Number, router.EscapeXML(e.Sender),
		router.EscapeXML(p.Comment.Path),
		router.EscapeXML(p.PullRequest.Title), p.Comment.Line, router.EscapeXML(p.Comment.Body),
	)
	e.Metadata = Metadata{
		PRNumber:        p.PullRequest.Number,
		CommentID:       p.Comment.ID,
		IsReviewComment: true,
		Path:            p.Comment.Path,
		Line:            p.Comment.Line,
	}
	return &e, nil
}
