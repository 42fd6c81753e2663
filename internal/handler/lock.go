package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/postlock/internal/lock"
	"github.com/jun/postlock/internal/model"
)

// LockHandler serves /locks/{resourceId} for the post editor.
type LockHandler struct {
	locker     lock.Locker
	jwtSecret  string
	forceRoles map[string]bool
	logger     *slog.Logger
	now        func() time.Time
}

// NewLockHandler creates a new LockHandler. Callers whose role is in
// forceRoles may force-release another editor's lock.
func NewLockHandler(locker lock.Locker, jwtSecret string, forceRoles []string, logger *slog.Logger) *LockHandler {
	roles := make(map[string]bool, len(forceRoles))
	for _, r := range forceRoles {
		roles[r] = true
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LockHandler{
		locker:     locker,
		jwtSecret:  jwtSecret,
		forceRoles: roles,
		logger:     logger.With("component", "lock_handler"),
		now:        time.Now,
	}
}

type statusResponse struct {
	IsLocked bool        `json:"isLocked"`
	Lock     *model.Lock `json:"lock"`
}

type lockResponse struct {
	Success      bool        `json:"success"`
	Message      string      `json:"message,omitempty"`
	Lock         *model.Lock `json:"lock,omitempty"`
	ExistingLock *model.Lock `json:"existingLock,omitempty"`
}

// GetStatus
func (h *LockHandler) GetStatus(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, resourceID, resp, ok := h.authorize(req)
	if !ok {
		return resp, nil
	}

	status, err := h.locker.Status(ctx, resourceID)
	if err != nil {
		return h.storeError("status", resourceID, err), nil
	}
	return jsonResponse(http.StatusOK, statusResponse{IsLocked: status.Locked, Lock: status.Lock}), nil
}

// Acquire
func (h *LockHandler) Acquire(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	id, resourceID, resp, ok := h.authorize(req)
	if !ok {
		return resp, nil
	}

	res, err := h.locker.Acquire(ctx, resourceID, model.Holder{
		ID:    id.UserID,
		Email: id.Email,
		Name:  id.DisplayName(),
	})
	if err != nil {
		return h.storeError("acquire", resourceID, err), nil
	}

	if res.Outcome == lock.Conflict {
		return jsonResponse(http.StatusConflict, lockResponse{
			Success:      false,
			Message:      conflictMessage(res.Lock, h.now()),
			ExistingLock: res.Lock,
		}), nil
	}
	return jsonResponse(http.StatusOK, lockResponse{Success: true, Lock: res.Lock}), nil
}

// Heartbeat
func (h *LockHandler) Heartbeat(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	id, resourceID, resp, ok := h.authorize(req)
	if !ok {
		return resp, nil
	}

	res, err := h.locker.Heartbeat(ctx, resourceID, id.UserID)
	if err != nil {
		return h.storeError("heartbeat", resourceID, err), nil
	}
	if res.Outcome != lock.OK {
		return jsonResponse(http.StatusNotFound, lockResponse{
			Success: false,
			Message: "Lock not found or held by another user",
		}), nil
	}
	return jsonResponse(http.StatusOK, lockResponse{Success: true, Lock: res.Lock}), nil
}

// Release handles both the owner's release and, with ?force=true, the
// privileged override.
func (h *LockHandler) Release(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	id, resourceID, resp, ok := h.authorize(req)
	if !ok {
		return resp, nil
	}

	if req.QueryStringParameters["force"] == "true" {
		if !h.forceRoles[id.Role] {
			return jsonResponse(http.StatusForbidden, lockResponse{
				Success: false,
				Message: "Insufficient privileges to force release a lock",
			}), nil
		}
		res, err := h.locker.ForceRelease(ctx, resourceID)
		if err != nil {
			return h.storeError("force_release", resourceID, err), nil
		}
		attrs := []any{"resource_id", resourceID, "actor_id", id.UserID}
		if res.Lock != nil {
			attrs = append(attrs, "previous_holder_id", res.Lock.HolderID)
		}
		h.logger.Info("lock taken over", attrs...)
		return jsonResponse(http.StatusOK, lockResponse{Success: true}), nil
	}

	res, err := h.locker.Release(ctx, resourceID, id.UserID)
	if err != nil {
		return h.storeError("release", resourceID, err), nil
	}
	if res.Outcome != lock.OK {
		return jsonResponse(http.StatusNotFound, lockResponse{
			Success: false,
			Message: "Lock not found or held by another user",
		}), nil
	}
	return jsonResponse(http.StatusOK, lockResponse{Success: true}), nil
}

// authorize resolves the caller and the resource id. When ok is false, resp
// is the response to return.
func (h *LockHandler) authorize(req events.APIGatewayProxyRequest) (Identity, string, events.APIGatewayProxyResponse, bool) {
	id, err := GetIdentity(req, h.jwtSecret)
	if err != nil {
		return Identity{}, "", jsonResponse(http.StatusUnauthorized, lockResponse{Message: "Unauthorized"}), false
	}

	resourceID := req.PathParameters["resourceId"]
	if resourceID == "" {
		return Identity{}, "", jsonResponse(http.StatusBadRequest, lockResponse{Message: "Missing post ID"}), false
	}
	return id, resourceID, events.APIGatewayProxyResponse{}, true
}

func (h *LockHandler) storeError(op, resourceID string, err error) events.APIGatewayProxyResponse {
	h.logger.Error("lock store failure", "op", op, "resource_id", resourceID, "error", err)
	return jsonResponse(http.StatusInternalServerError, lockResponse{
		Success: false,
		Message: "Failed to update post lock",
	})
}

// conflictMessage tells the editor who holds the post and for how long.
func conflictMessage(l *model.Lock, now time.Time) string {
	if l == nil {
		return "This post is being edited by another user"
	}
	holder := l.HolderName
	if holder == "" {
		holder = l.HolderEmail
	}
	if holder == "" {
		holder = "another user"
	}

	started := "just now"
	switch mins := int(now.Sub(l.AcquiredAt).Minutes()); {
	case mins == 1:
		started = "1 minute ago"
	case mins > 1:
		started = fmt.Sprintf("%d minutes ago", mins)
	}
	return fmt.Sprintf("This post is being edited by %s, started %s", holder, started)
}
