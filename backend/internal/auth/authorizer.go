package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"codeCollab/backend/internal/store"
)

var (
	ErrUnauthenticated = errors.New("UNAUTHENTICATED")
	ErrForbidden       = errors.New("PERMISSION_DENIED")
)

// Identity 通过校验的参与者
type Identity struct {
	UserID   uint64
	Username string
	Role     store.Role
}

func (id Identity) CanEdit() bool { return id.Role.CanEdit() }

type Authorizer interface {
	// Authorize 校验令牌并查询项目角色；不是项目成员返回 ErrForbidden
	Authorize(ctx context.Context, token, projectID string) (Identity, error)
}

type JWTAuthorizer struct {
	tokens *Tokens
	roles  store.RoleStore
}

func NewJWTAuthorizer(tokens *Tokens, roles store.RoleStore) *JWTAuthorizer {
	return &JWTAuthorizer{tokens: tokens, roles: roles}
}

// Authenticate 只校验令牌
func (a *JWTAuthorizer) Authenticate(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	claims, err := a.tokens.ParseToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Type != "" && claims.Type != "access" {
		return nil, fmt.Errorf("%w: access token required", ErrUnauthenticated)
	}
	return claims, nil
}

func (a *JWTAuthorizer) Authorize(ctx context.Context, token, projectID string) (Identity, error) {
	claims, err := a.Authenticate(token)
	if err != nil {
		return Identity{}, err
	}
	role, err := a.roles.Role(ctx, projectID, strconv.FormatUint(claims.UserID, 10))
	if err != nil {
		return Identity{}, err
	}
	if role == "" {
		return Identity{}, fmt.Errorf("%w: user %d is not a member of project %s", ErrForbidden, claims.UserID, projectID)
	}
	return Identity{UserID: claims.UserID, Username: claims.Username, Role: role}, nil
}
