package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jun/postlock/internal/handler"
	"github.com/jun/postlock/internal/lock"
	"github.com/jun/postlock/internal/model"
)

const (
	testJWTSecret = "test-secret"
	testUserID    = "editor-123"
	otherUserID   = "editor-456"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func makeToken(userID, role string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": userID + "@newsroom.test",
		"name":  "Editor " + userID,
		"role":  role,
		"exp":   time.Now().Add(1 * time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte(testJWTSecret))
	return signed
}

func makeRequest(method, resourceID, userID, role string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       "/locks/" + resourceID,
		Headers: map[string]string{
			"Authorization": "Bearer " + makeToken(userID, role),
		},
		PathParameters:        map[string]string{"resourceId": resourceID},
		QueryStringParameters: map[string]string{},
	}
}

func newHandler() (*handler.LockHandler, *lock.Manager) {
	m := lock.NewManager(lock.WithLogger(discard))
	return handler.NewLockHandler(m, testJWTSecret, []string{"admin"}, discard), m
}

type lockBody struct {
	Success      bool        `json:"success"`
	Message      string      `json:"message"`
	Lock         *model.Lock `json:"lock"`
	ExistingLock *model.Lock `json:"existingLock"`
}

func decode(t *testing.T, resp events.APIGatewayProxyResponse, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(resp.Body), v); err != nil {
		t.Fatalf("invalid JSON body %q: %v", resp.Body, err)
	}
}

func TestLockHandler_Acquire_Success(t *testing.T) {
	h, _ := newHandler()
	ctx := context.Background()

	resp, err := h.Acquire(ctx, makeRequest("POST", "post-1", testUserID, "editor"))
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}

	var body lockBody
	decode(t, resp, &body)
	if !body.Success || body.Lock == nil {
		t.Fatalf("Expected success with lock, got %+v", body)
	}
	if body.Lock.ResourceID != "post-1" || body.Lock.HolderID != testUserID {
		t.Errorf("Lock mismatch: %+v", body.Lock)
	}
	if body.Lock.HolderName != "Editor "+testUserID {
		t.Errorf("Expected holder name from token, got %q", body.Lock.HolderName)
	}
	if body.Lock.HolderEmail != testUserID+"@newsroom.test" {
		t.Errorf("Expected holder email from token, got %q", body.Lock.HolderEmail)
	}
}

func TestLockHandler_Acquire_Conflict(t *testing.T) {
	h, _ := newHandler()
	ctx := context.Background()

	h.Acquire(ctx, makeRequest("POST", "post-1", testUserID, "editor"))
	resp, _ := h.Acquire(ctx, makeRequest("POST", "post-1", otherUserID, "editor"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", resp.StatusCode, resp.Body)
	}

	var body lockBody
	decode(t, resp, &body)
	if body.Success {
		t.Error("Expected success=false on conflict")
	}
	if body.ExistingLock == nil || body.ExistingLock.HolderID != testUserID {
		t.Fatalf("Expected existing lock held by %s, got %+v", testUserID, body.ExistingLock)
	}
	if !strings.Contains(body.Message, "Editor "+testUserID) || !strings.Contains(body.Message, "just now") {
		t.Errorf("Conflict message should name the holder and start time, got %q", body.Message)
	}
}

func TestLockHandler_Acquire_Unauthorized(t *testing.T) {
	h, m := newHandler()
	ctx := context.Background()

	req := events.APIGatewayProxyRequest{
		Headers:        map[string]string{},
		PathParameters: map[string]string{"resourceId": "post-1"},
	}
	resp, _ := h.Acquire(ctx, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}
	if m.Len() != 0 {
		t.Error("Unauthenticated request must not reach the lock manager")
	}
}

func TestLockHandler_Acquire_MissingResourceID(t *testing.T) {
	h, _ := newHandler()
	ctx := context.Background()

	req := makeRequest("POST", "", testUserID, "editor")
	req.PathParameters = map[string]string{}
	resp, _ := h.Acquire(ctx, req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestLockHandler_GetStatus(t *testing.T) {
	h, _ := newHandler()
	ctx := context.Background()

	resp, _ := h.GetStatus(ctx, makeRequest("GET", "post-1", otherUserID, "editor"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.Body != `{"isLocked":false,"lock":null}` {
		t.Errorf("Unexpected body for free post: %s", resp.Body)
	}

	h.Acquire(ctx, makeRequest("POST", "post-1", testUserID, "editor"))
	resp, _ = h.GetStatus(ctx, makeRequest("GET", "post-1", otherUserID, "editor"))

	var body struct {
		IsLocked bool        `json:"isLocked"`
		Lock     *model.Lock `json:"lock"`
	}
	decode(t, resp, &body)
	if !body.IsLocked || body.Lock == nil || body.Lock.HolderID != testUserID {
		t.Errorf("Expected post locked by %s, got %+v", testUserID, body)
	}
}

func TestLockHandler_Heartbeat(t *testing.T) {
	h, _ := newHandler()
	ctx := context.Background()

	h.Acquire(ctx, makeRequest("POST", "post-1", testUserID, "editor"))

	resp, err := h.Heartbeat(ctx, makeRequest("PUT", "post-1", testUserID, "editor"))
	if err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}

	resp, _ = h.Heartbeat(ctx, makeRequest("PUT", "post-1", otherUserID, "editor"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for non-holder heartbeat, got %d", resp.StatusCode)
	}

	resp, _ = h.Heartbeat(ctx, makeRequest("PUT", "nonexistent", testUserID, "editor"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for missing lock, got %d", resp.StatusCode)
	}
}

func TestLockHandler_Release(t *testing.T) {
	h, m := newHandler()
	ctx := context.Background()

	h.Acquire(ctx, makeRequest("POST", "post-1", testUserID, "editor"))

	resp, _ := h.Release(ctx, makeRequest("DELETE", "post-1", otherUserID, "editor"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for non-holder release, got %d", resp.StatusCode)
	}
	if m.Len() != 1 {
		t.Fatal("Non-holder release must not remove the lock")
	}

	resp, err := h.Release(ctx, makeRequest("DELETE", "post-1", testUserID, "editor"))
	if err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if m.Len() != 0 {
		t.Error("Expected lock removed after release")
	}
}

func TestLockHandler_ForceRelease(t *testing.T) {
	h, m := newHandler()
	ctx := context.Background()

	h.Acquire(ctx, makeRequest("POST", "post-1", testUserID, "editor"))

	req := makeRequest("DELETE", "post-1", otherUserID, "editor")
	req.QueryStringParameters["force"] = "true"
	resp, _ := h.Release(ctx, req)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("Expected 403 for unprivileged force release, got %d", resp.StatusCode)
	}
	if m.Len() != 1 {
		t.Fatal("Forbidden force release must not remove the lock")
	}

	req = makeRequest("DELETE", "post-1", otherUserID, "admin")
	req.QueryStringParameters["force"] = "true"
	resp, _ = h.Release(ctx, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for admin force release, got %d: %s", resp.StatusCode, resp.Body)
	}

	resp, _ = h.Acquire(ctx, makeRequest("POST", "post-1", otherUserID, "admin"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected takeover after force release, got %d", resp.StatusCode)
	}
}

type failingLocker struct{}

var errStore = errors.New("store unavailable")

func (failingLocker) Acquire(context.Context, string, model.Holder) (lock.Result, error) {
	return lock.Result{}, errStore
}
func (failingLocker) Heartbeat(context.Context, string, string) (lock.Result, error) {
	return lock.Result{}, errStore
}
func (failingLocker) Release(context.Context, string, string) (lock.Result, error) {
	return lock.Result{}, errStore
}
func (failingLocker) Status(context.Context, string) (lock.Status, error) {
	return lock.Status{}, errStore
}
func (failingLocker) ForceRelease(context.Context, string) (lock.Result, error) {
	return lock.Result{}, errStore
}

func TestLockHandler_StoreFailure(t *testing.T) {
	h := handler.NewLockHandler(failingLocker{}, testJWTSecret, nil, discard)
	ctx := context.Background()

	calls := map[string]func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error){
		"GET":    h.GetStatus,
		"POST":   h.Acquire,
		"PUT":    h.Heartbeat,
		"DELETE": h.Release,
	}
	for method, call := range calls {
		resp, err := call(ctx, makeRequest(method, "post-1", testUserID, "editor"))
		if err != nil {
			t.Fatalf("%s returned error: %v", method, err)
		}
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", method, resp.StatusCode)
		}
	}
}
