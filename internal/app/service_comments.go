package app

import (
	"context"
	"io"

	"abode/collab/internal/comments"
	"abode/collab/internal/errs"
	"abode/collab/internal/events"
	"abode/collab/internal/rbac"
	"abode/collab/internal/search"
)

func (s *Service) CreateComment(ctx context.Context, in comments.CreateInput) (comments.Comment, error) {
	if err := s.authorize("create comment", in.ProjectID, in.UserID, rbac.CanComment); err != nil {
		return comments.Comment{}, err
	}
	unlock := s.lockProject(in.ProjectID)
	defer unlock()

	comment, err := s.comments.Create(in)
	if err != nil {
		return comments.Comment{}, err
	}
	s.publish(events.CommentCreated, comment.ProjectID, comment.UserID, events.CommentPayload{
		CommentID: comment.ID,
		ThreadID:  comment.ThreadID,
		Content:   comment.Content,
		Mentions:  comment.Mentions,
	})
	s.saveComment(comment)
	return comment, nil
}

// ReplyToComment answers any comment in a thread. A missing parent is an
// invalid reply rather than a lookup miss.
func (s *Service) ReplyToComment(ctx context.Context, in comments.ReplyInput) (comments.Comment, error) {
	const op = "reply to comment"
	parent, err := s.comments.Get(in.CommentID)
	if err != nil {
		return comments.Comment{}, errs.InvalidState(op, "parent comment %s does not exist", in.CommentID)
	}
	if err := s.authorize(op, parent.ProjectID, in.UserID, rbac.CanComment); err != nil {
		return comments.Comment{}, err
	}
	unlock := s.lockProject(parent.ProjectID)
	defer unlock()

	reply, err := s.comments.Reply(in)
	if err != nil {
		return comments.Comment{}, err
	}
	s.publish(events.CommentReplied, reply.ProjectID, reply.UserID, events.CommentPayload{
		CommentID:    reply.ID,
		ThreadID:     reply.ThreadID,
		ParentID:     parent.ID,
		ParentAuthor: parent.UserID,
		Content:      reply.Content,
		Mentions:     reply.Mentions,
	})
	s.saveComment(reply)
	return reply, nil
}

func (s *Service) ResolveComment(ctx context.Context, commentID, userID string) (comments.Comment, error) {
	const op = "resolve comment"
	existing, err := s.comments.Get(commentID)
	if err != nil {
		return comments.Comment{}, err
	}
	if err := s.authorize(op, existing.ProjectID, userID, rbac.CanComment); err != nil {
		return comments.Comment{}, err
	}
	unlock := s.lockProject(existing.ProjectID)
	defer unlock()

	comment, changed, err := s.comments.Resolve(commentID, userID)
	if err != nil {
		return comments.Comment{}, err
	}
	if changed {
		s.publish(events.CommentResolved, comment.ProjectID, userID, events.CommentPayload{
			CommentID: comment.ID,
			ThreadID:  comment.ThreadID,
			ParentID:  comment.ParentID,
		})
		s.saveComment(comment)
	}
	return comment, nil
}

func (s *Service) GetComment(ctx context.Context, commentID string) (comments.Comment, error) {
	return s.comments.Get(commentID)
}

func (s *Service) GetProjectComments(ctx context.Context, projectID string, filter comments.Filter) []comments.Comment {
	return s.comments.List(projectID, filter)
}

func (s *Service) GetThread(ctx context.Context, threadID string) ([]comments.Comment, error) {
	return s.comments.Thread(threadID)
}

func (s *Service) SearchComments(ctx context.Context, projectID, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{ProjectID: projectID, Text: text, Limit: limit, Offset: offset})
}

// UploadAttachment stores a blob and attaches it to an existing comment.
func (s *Service) UploadAttachment(ctx context.Context, commentID, userID, name, contentType string, body io.Reader, size int64) (comments.Comment, error) {
	const op = "upload attachment"
	existing, err := s.comments.Get(commentID)
	if err != nil {
		return comments.Comment{}, err
	}
	if err := s.authorize(op, existing.ProjectID, userID, rbac.CanComment); err != nil {
		return comments.Comment{}, err
	}
	if s.attachments == nil {
		return comments.Comment{}, errs.InvalidState(op, "attachment storage is not configured")
	}
	att, err := s.attachments.Upload(ctx, existing.ProjectID, name, contentType, body, size)
	if err != nil {
		return comments.Comment{}, err
	}
	unlock := s.lockProject(existing.ProjectID)
	defer unlock()

	comment, err := s.comments.AttachFiles(commentID, att)
	if err != nil {
		return comments.Comment{}, err
	}
	s.saveComment(comment)
	return comment, nil
}

func (s *Service) saveComment(comment comments.Comment) {
	s.persistWith(comment.ProjectID, "upsert comment", func(ctx context.Context, st dataStore) error {
		return st.UpsertComment(ctx, comment)
	})
	if s.search != nil {
		s.search.IndexComment(comment)
	}
}
