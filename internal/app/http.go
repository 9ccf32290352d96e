package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"abode/collab/internal/activity"
	"abode/collab/internal/auth"
	"abode/collab/internal/changes"
	"abode/collab/internal/comments"
	"abode/collab/internal/rbac"
	"abode/collab/internal/state"
)

type HTTPServer struct {
	service    *Service
	secret     []byte
	corsOrigin string
	logger     zerolog.Logger
}

func NewHTTPServer(service *Service, secret []byte, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, secret: secret, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.requireIdentity)

	authed.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	authed.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	authed.HandleFunc("/notifications/{notificationID}/delivered", s.handleMarkDelivered).Methods(http.MethodPost)

	p := authed.PathPrefix("/projects/{projectID}").Subrouter()

	p.HandleFunc("/presence", s.handleActiveUsers).Methods(http.MethodGet)
	p.HandleFunc("/presence", s.handleJoin).Methods(http.MethodPost)
	p.HandleFunc("/presence", s.handleLeave).Methods(http.MethodDelete)
	p.HandleFunc("/presence/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	p.HandleFunc("/presence/{userID}", s.handleGetPresence).Methods(http.MethodGet)

	p.HandleFunc("/comments", s.handleListComments).Methods(http.MethodGet)
	p.HandleFunc("/comments", s.handleCreateComment).Methods(http.MethodPost)
	p.HandleFunc("/comments/search", s.handleSearchComments).Methods(http.MethodGet)
	p.HandleFunc("/comments/{commentID}", s.handleGetComment).Methods(http.MethodGet)
	p.HandleFunc("/comments/{commentID}/thread", s.handleGetThread).Methods(http.MethodGet)
	p.HandleFunc("/comments/{commentID}/replies", s.handleReply).Methods(http.MethodPost)
	p.HandleFunc("/comments/{commentID}/resolve", s.handleResolveComment).Methods(http.MethodPost)
	p.HandleFunc("/comments/{commentID}/attachments", s.handleUploadAttachment).Methods(http.MethodPost)

	p.HandleFunc("/versions", s.handleVersionHistory).Methods(http.MethodGet)
	p.HandleFunc("/versions", s.handleCreateVersion).Methods(http.MethodPost)
	p.HandleFunc("/versions/current", s.handleCurrentVersion).Methods(http.MethodGet)
	p.HandleFunc("/versions/compare", s.handleCompareVersions).Methods(http.MethodGet)
	p.HandleFunc("/versions/archive", s.handleArchiveHistory).Methods(http.MethodGet)
	p.HandleFunc("/versions/{versionID}", s.handleGetVersion).Methods(http.MethodGet)
	p.HandleFunc("/versions/{versionID}/restore", s.handleRestoreVersion).Methods(http.MethodPost)

	p.HandleFunc("/collaborators", s.handleListCollaborators).Methods(http.MethodGet)
	p.HandleFunc("/collaborators", s.handleAddCollaborator).Methods(http.MethodPost)
	p.HandleFunc("/collaborators/{userID}", s.handleUpdateCollaborator).Methods(http.MethodPatch)
	p.HandleFunc("/collaborators/{userID}", s.handleRemoveCollaborator).Methods(http.MethodDelete)
	p.HandleFunc("/permissions/{capability}", s.handleCheckPermission).Methods(http.MethodGet)

	p.HandleFunc("/changes", s.handleProjectChanges).Methods(http.MethodGet)
	p.HandleFunc("/changes", s.handleTrackChange).Methods(http.MethodPost)
	p.HandleFunc("/changes/{changeID}/conflict", s.handleChangeConflict).Methods(http.MethodGet)
	p.HandleFunc("/objects/{objectID}/history", s.handleObjectHistory).Methods(http.MethodGet)
	p.HandleFunc("/conflicts", s.handleOpenConflicts).Methods(http.MethodGet)
	p.HandleFunc("/conflicts", s.handleResolveConflict).Methods(http.MethodPost)
	p.HandleFunc("/conflicts/resolutions", s.handleResolutions).Methods(http.MethodGet)

	p.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			writeJSON(w, http.StatusNoContent, nil)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	return s.withMiddleware(router)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"persist":  map[string]any{"failures": s.service.PersistFailures()},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body struct {
		ProjectID string `json:"projectId"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.ProjectID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "projectId is required", nil)
		return
	}
	owner, err := s.service.CreateProject(r.Context(), strings.TrimSpace(body.ProjectID), id.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, owner)
}

// Presence

func (s *HTTPServer) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("scope") == "cluster" {
		users, err := s.service.GetClusterActiveUsers(r.Context(), projectID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": users})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.service.GetActiveUsers(r.Context(), projectID)})
}

func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body struct {
		DisplayName string `json:"displayName"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	name := strings.TrimSpace(body.DisplayName)
	if name == "" {
		name = id.DisplayName
	}
	session, err := s.service.JoinProject(r.Context(), mux.Vars(r)["projectID"], id.UserID, name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	left := s.service.LeaveProject(r.Context(), mux.Vars(r)["projectID"], id.UserID)
	writeJSON(w, http.StatusOK, map[string]any{"left": left})
}

func (s *HTTPServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	session, err := s.service.Heartbeat(r.Context(), mux.Vars(r)["projectID"], id.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	session, err := s.service.GetPresence(r.Context(), projectID, mux.Vars(r)["userID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Comments

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	var filter comments.Filter
	if raw := strings.TrimSpace(r.URL.Query().Get("resolved")); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resolved must be true or false", nil)
			return
		}
		filter.Resolved = &resolved
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.service.GetProjectComments(r.Context(), projectID, filter)})
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body struct {
		Content     string                `json:"content"`
		Position    *comments.Position    `json:"position"`
		Attachments []comments.Attachment `json:"attachments"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	comment, err := s.service.CreateComment(r.Context(), comments.CreateInput{
		ProjectID:   mux.Vars(r)["projectID"],
		UserID:      id.UserID,
		Content:     body.Content,
		Position:    body.Position,
		Attachments: body.Attachments,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleSearchComments(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.service.SearchComments(r.Context(), projectID, r.URL.Query().Get("q"), limit, offset))
}

func (s *HTTPServer) handleGetComment(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	comment, err := s.service.GetComment(r.Context(), mux.Vars(r)["commentID"])
	if err == nil && comment.ProjectID != projectID {
		err = notFound("comment")
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *HTTPServer) handleGetThread(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	root, err := s.service.GetComment(r.Context(), mux.Vars(r)["commentID"])
	if err == nil && root.ProjectID != projectID {
		err = notFound("comment")
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	thread, err := s.service.GetThread(r.Context(), root.ThreadID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threadId": root.ThreadID, "items": thread})
}

// commentElsewhere answers 404 when the comment exists under a project other
// than the one in the route. Unknown ids fall through to the service.
func (s *HTTPServer) commentElsewhere(w http.ResponseWriter, r *http.Request, projectID, commentID string) bool {
	comment, err := s.service.GetComment(r.Context(), commentID)
	if err != nil || comment.ProjectID == projectID {
		return false
	}
	s.fail(w, r, notFound("comment"))
	return true
}

func (s *HTTPServer) handleReply(w http.ResponseWriter, r *http.Request) {
	projectID, id, ok := s.viewer(w, r)
	if !ok {
		return
	}
	commentID := mux.Vars(r)["commentID"]
	if s.commentElsewhere(w, r, projectID, commentID) {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	reply, err := s.service.ReplyToComment(r.Context(), comments.ReplyInput{
		CommentID: commentID,
		UserID:    id.UserID,
		Content:   body.Content,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

func (s *HTTPServer) handleResolveComment(w http.ResponseWriter, r *http.Request) {
	projectID, id, ok := s.viewer(w, r)
	if !ok {
		return
	}
	commentID := mux.Vars(r)["commentID"]
	if s.commentElsewhere(w, r, projectID, commentID) {
		return
	}
	comment, err := s.service.ResolveComment(r.Context(), commentID, id.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *HTTPServer) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	projectID, id, ok := s.viewer(w, r)
	if !ok {
		return
	}
	commentID := mux.Vars(r)["commentID"]
	if s.commentElsewhere(w, r, projectID, commentID) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form with a file field", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
		return
	}
	defer file.Close()

	comment, err := s.service.UploadAttachment(r.Context(),
		commentID,
		id.UserID,
		header.Filename,
		header.Header.Get("Content-Type"),
		file,
		header.Size,
	)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

// Versions

func (s *HTTPServer) handleVersionHistory(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.service.GetVersionHistory(r.Context(), projectID)})
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body struct {
		Message  string      `json:"message"`
		Snapshot state.Value `json:"snapshot"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	version, err := s.service.CreateVersion(r.Context(), mux.Vars(r)["projectID"], id.UserID, body.Message, body.Snapshot)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *HTTPServer) handleCurrentVersion(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	current, err := s.service.GetCurrentVersion(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *HTTPServer) handleCompareVersions(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	a := strings.TrimSpace(r.URL.Query().Get("a"))
	b := strings.TrimSpace(r.URL.Query().Get("b"))
	if a == "" || b == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "query parameters a and b are required", nil)
		return
	}
	diff, err := s.service.CompareVersions(r.Context(), projectID, a, b)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *HTTPServer) handleArchiveHistory(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	entries, err := s.service.GetArchiveHistory(r.Context(), projectID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	version, err := s.service.GetVersion(r.Context(), mux.Vars(r)["versionID"])
	if err == nil && version.ProjectID != projectID {
		err = notFound("version")
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *HTTPServer) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	vars := mux.Vars(r)
	current, err := s.service.RestoreVersion(r.Context(), vars["projectID"], vars["versionID"], id.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

// Collaborators

func (s *HTTPServer) handleListCollaborators(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.service.GetCollaborators(r.Context(), projectID)})
}

func (s *HTTPServer) handleAddCollaborator(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	role, ok := parseRoleOrFail(w, body.Role)
	if !ok {
		return
	}
	collaborator, err := s.service.AddCollaborator(r.Context(), mux.Vars(r)["projectID"], id.UserID, strings.TrimSpace(body.UserID), role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, collaborator)
}

func (s *HTTPServer) handleUpdateCollaborator(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body struct {
		Role string `json:"role"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	role, ok := parseRoleOrFail(w, body.Role)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	collaborator, err := s.service.UpdateCollaboratorRole(r.Context(), vars["projectID"], id.UserID, vars["userID"], role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collaborator)
}

func (s *HTTPServer) handleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	vars := mux.Vars(r)
	if err := s.service.RemoveCollaborator(r.Context(), vars["projectID"], id.UserID, vars["userID"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	projectID, id, ok := s.viewer(w, r)
	if !ok {
		return
	}
	capability, ok := rbac.ParseCapability(mux.Vars(r)["capability"])
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown capability", nil)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		userID = id.UserID
	}
	allowed := s.service.CheckPermission(r.Context(), projectID, userID, capability)
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":     userID,
		"capability": capability,
		"allowed":    allowed,
	})
}

// Changes and conflicts

func (s *HTTPServer) handleProjectChanges(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.service.GetProjectChanges(r.Context(), projectID)})
}

func (s *HTTPServer) handleTrackChange(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body struct {
		Action     string      `json:"action"`
		ObjectType string      `json:"objectType"`
		ObjectID   string      `json:"objectId"`
		Before     state.Value `json:"before"`
		After      state.Value `json:"after"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	action, ok := changes.ParseAction(body.Action)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "action must be create, modify or delete", nil)
		return
	}
	result, err := s.service.TrackChange(r.Context(), changes.Input{
		ProjectID:  mux.Vars(r)["projectID"],
		UserID:     id.UserID,
		Action:     action,
		ObjectType: body.ObjectType,
		ObjectID:   body.ObjectID,
		Before:     body.Before,
		After:      body.After,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleChangeConflict(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	changeID := mux.Vars(r)["changeID"]
	conflict, err := s.service.ChangeConflict(r.Context(), projectID, changeID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changeId": changeID, "conflict": conflict})
}

func (s *HTTPServer) handleObjectHistory(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	items := make([]changes.Change, 0)
	for _, c := range s.service.GetObjectHistory(r.Context(), mux.Vars(r)["objectID"]) {
		if c.ProjectID == projectID {
			items = append(items, c)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleOpenConflicts(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.service.GetOpenConflicts(r.Context(), projectID)})
}

func (s *HTTPServer) handleResolutions(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.service.GetResolutions(r.Context(), projectID)})
}

func (s *HTTPServer) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body struct {
		ObjectID    string      `json:"objectId"`
		Strategy    string      `json:"strategy"`
		Winner      string      `json:"winner"`
		MergedState state.Value `json:"mergedState"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	var strategy changes.Strategy
	switch strings.ToLower(strings.TrimSpace(body.Strategy)) {
	case changes.LastWriteWins{}.Name(), "lww", "":
		strategy = changes.LastWriteWins{Winner: strings.TrimSpace(body.Winner)}
	case changes.Manual{}.Name():
		strategy = changes.Manual{MergedState: body.MergedState}
	default:
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "strategy must be last-write-wins or manual", nil)
		return
	}
	resolution, err := s.service.ResolveConflict(r.Context(), changes.ResolveInput{
		ProjectID:  mux.Vars(r)["projectID"],
		ObjectID:   body.ObjectID,
		ResolvedBy: id.UserID,
		Strategy:   strategy,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

func (s *HTTPServer) handleActivity(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := s.viewer(w, r)
	if !ok {
		return
	}
	var filter activity.Filter
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		kind, ok := activity.ParseType(raw)
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be change, comment or version", nil)
			return
		}
		filter.Type = kind
	}
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("userId"))
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	filter.Limit = limit
	writeJSON(w, http.StatusOK, map[string]any{"items": s.service.GetActivityFeed(r.Context(), projectID, filter)})
}

// Notifications

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"items": s.service.ListNotifications(r.Context(), id.UserID)})
}

func (s *HTTPServer) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	n, err := s.service.MarkNotificationDelivered(r.Context(), id.UserID, mux.Vars(r)["notificationID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// Plumbing

const maxUploadBytes = 26 << 20

type identityKey struct{}

type requestIDKey struct{}

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey{}).(auth.Identity)
	return id
}

func (s *HTTPServer) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.authenticate(w, r, bearerToken(r))
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func (s *HTTPServer) authenticate(w http.ResponseWriter, r *http.Request, token string) (auth.Identity, bool) {
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Identity{}, false
	}
	id, err := auth.ParseToken(s.secret, token)
	if err != nil {
		s.fail(w, r, err)
		return auth.Identity{}, false
	}
	return id, true
}

// viewer resolves the project and checks the caller may read it.
func (s *HTTPServer) viewer(w http.ResponseWriter, r *http.Request) (string, auth.Identity, bool) {
	id := identityFrom(r.Context())
	projectID := mux.Vars(r)["projectID"]
	if !s.service.CheckPermission(r.Context(), projectID, id.UserID, rbac.CanView) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return "", auth.Identity{}, false
	}
	return projectID, id, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("request_id", requestIDFrom(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("http request")
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	if payload == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeOrFail(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", key+" must be a non-negative integer", nil)
		return 0, false
	}
	return parsed, true
}

func parseRoleOrFail(w http.ResponseWriter, raw string) (rbac.Role, bool) {
	role, ok := rbac.ParseRole(raw)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be viewer, editor or admin", nil)
		return "", false
	}
	return role, true
}

func notFound(what string) error {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}
