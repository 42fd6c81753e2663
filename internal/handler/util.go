package handler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller, as asserted by the session token.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Role   string
}

// DisplayName returns the best human-readable label for the caller.
func (i Identity) DisplayName() string {
	switch {
	case i.Name != "":
		return i.Name
	case i.Email != "":
		return i.Email
	default:
		return i.UserID
	}
}

// sessionClaims is the JWT payload issued by the CMS login flow.
type sessionClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// GetIdentity extracts the caller from the Authorization header or session cookie.
func GetIdentity(req events.APIGatewayProxyRequest, jwtSecret string) (Identity, error) {
	tokenString := bearerToken(header(req, "Authorization"))
	if tokenString == "" {
		tokenString = cookieValue(header(req, "Cookie"), "session_token")
	}
	if tokenString == "" {
		return Identity{}, fmt.Errorf("no authorization token found")
	}

	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("invalid token claims")
	}

	return Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
		Role:   claims.Role,
	}, nil
}

// header is a case-insensitive header lookup; API Gateway preserves client casing.
func header(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func bearerToken(authHeader string) string {
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// cookieValue finds name in a "k=v; k2=v2" cookie header.
func cookieValue(cookies, name string) string {
	for _, part := range strings.Split(cookies, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, name+"=") {
			return strings.TrimPrefix(part, name+"=")
		}
	}
	return ""
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(v)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
