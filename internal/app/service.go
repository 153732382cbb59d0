package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pressroom/api/internal/auth"
	"pressroom/api/internal/authpw"
	"pressroom/api/internal/config"
	"pressroom/api/internal/rbac"
	"pressroom/api/internal/realtime"
	"pressroom/api/internal/search"
	"pressroom/api/internal/store"
	"pressroom/api/internal/util"
)

// Feed table names. Clients subscribe to these over the realtime socket.
const (
	tablePosts      = "posts"
	tableCategories = "categories"
	tableUsers      = "users"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type PostInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	CountUsers(context.Context) (int, error)
	UpdateUserRole(context.Context, string, string) (store.User, error)
	DeleteUser(context.Context, string) (bool, error)
	ListCategories(context.Context) ([]store.Category, error)
	EnsureCategory(context.Context, string, string) (store.Category, bool, error)
	ListPosts(context.Context) ([]store.Post, error)
	ListPostsByOwner(context.Context, string) ([]store.Post, error)
	GetPost(context.Context, string) (store.Post, error)
	InsertPost(context.Context, store.Post) (store.Post, error)
	UpdatePost(context.Context, string, string, string, string, string) (store.Post, error)
	DeletePost(context.Context, string, string) (bool, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// refreshSessionStore holds refresh tokens. Postgres by default, Redis
// when configured.
type refreshSessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshSessionStore
	authpw   *authpw.Service
	feed     realtime.Publisher
	search   *search.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, authService *authpw.Service, feed realtime.Publisher, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		authpw:   authService,
		feed:     feed,
		search:   searchService,
	}
}

// WithSessionStore swaps the refresh-token backend, used when Redis is
// configured.
func (s *Service) WithSessionStore(sessions refreshSessionStore) *Service {
	s.sessions = sessions
	return s
}

// AuthPasswordService exposes the email/password service to the HTTP layer.
func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

// Bootstrap seeds the first admin account when the user table is empty
// and pushes existing posts into the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count == 0 && s.cfg.AdminEmail != "" && s.cfg.AdminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(s.cfg.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		if err := s.store.CreateUser(ctx, store.User{
			ID:           util.NewID("usr"),
			Email:        strings.ToLower(s.cfg.AdminEmail),
			PasswordHash: string(hash),
			Role:         string(rbac.RoleAdmin),
		}); err != nil {
			return err
		}
	}

	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// CreateSession issues an access/refresh token pair for a user that has
// already been authenticated.
func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}

	// The Redis backend returns the user as captured at issue time, so
	// re-resolve before rotating: the new session carries the current
	// role and email, and a deleted user cannot refresh.
	user, err = s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Email, user.Role, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token and re-resolves the user
// from the store, so role changes and deletions take effect on the very
// next request rather than at token expiry.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) isAdmin(session Session) bool {
	return rbac.Normalize(session.Role) == rbac.RoleAdmin
}

// ownerScope returns the owner filter for post mutations. Admins operate
// unscoped; everyone else only reaches their own rows.
func (s *Service) ownerScope(session Session) string {
	if s.isAdmin(session) {
		return ""
	}
	return session.UserID
}

// ListPosts returns the caller's posts, or every post when scope is
// "all" and the caller is an admin.
func (s *Service) ListPosts(ctx context.Context, session Session, scope string) ([]store.Post, error) {
	switch scope {
	case "", "mine":
		return s.store.ListPostsByOwner(ctx, session.UserID)
	case "all":
		if !s.isAdmin(session) {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		return s.store.ListPosts(ctx)
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "scope must be mine or all", nil)
	}
}

// GetPost returns one post. Ownership hides other users' rows entirely,
// so a non-admin asking for someone else's post gets a 404, not a 403.
func (s *Service) GetPost(ctx context.Context, session Session, postID string) (store.Post, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return store.Post{}, err
	}
	if !s.isAdmin(session) && post.OwnerID != session.UserID {
		return store.Post{}, domainError(http.StatusNotFound, "NOT_FOUND", "Post not found", nil)
	}
	return post, nil
}

func (s *Service) CreatePost(ctx context.Context, session Session, input PostInput) (store.Post, error) {
	title, description, categoryName, err := validatePostInput(input)
	if err != nil {
		return store.Post{}, err
	}

	category, created, err := s.store.EnsureCategory(ctx, util.NewID("cat"), categoryName)
	if err != nil {
		return store.Post{}, err
	}

	post, err := s.store.InsertPost(ctx, store.Post{
		ID:          util.NewID("post"),
		Title:       title,
		Description: description,
		CategoryID:  category.ID,
		OwnerID:     session.UserID,
	})
	if err != nil {
		return store.Post{}, err
	}

	if created {
		s.publish(tableCategories, realtime.KindInsert, category.ID, session.UserID, category)
	}
	s.publish(tablePosts, realtime.KindInsert, post.ID, session.UserID, post)
	s.indexPost(post)

	return post, nil
}

func (s *Service) UpdatePost(ctx context.Context, session Session, postID string, input PostInput) (store.Post, error) {
	title, description, categoryName, err := validatePostInput(input)
	if err != nil {
		return store.Post{}, err
	}

	category, created, err := s.store.EnsureCategory(ctx, util.NewID("cat"), categoryName)
	if err != nil {
		return store.Post{}, err
	}

	post, err := s.store.UpdatePost(ctx, postID, s.ownerScope(session), title, description, category.ID)
	if err != nil {
		return store.Post{}, err
	}

	if created {
		s.publish(tableCategories, realtime.KindInsert, category.ID, session.UserID, category)
	}
	s.publish(tablePosts, realtime.KindUpdate, post.ID, session.UserID, post)
	s.indexPost(post)

	return post, nil
}

func (s *Service) DeletePost(ctx context.Context, session Session, postID string) error {
	deleted, err := s.store.DeletePost(ctx, postID, s.ownerScope(session))
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Post not found", nil)
	}

	s.publish(tablePosts, realtime.KindDelete, postID, session.UserID, nil)
	if s.search != nil {
		s.search.DeletePost(postID)
	}
	return nil
}

func (s *Service) ListCategories(ctx context.Context) ([]store.Category, error) {
	return s.store.ListCategories(ctx)
}

// SearchPosts runs a full-text query, scoped to the caller's own posts
// unless they are an admin.
func (s *Service) SearchPosts(ctx context.Context, session Session, text, categoryID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(search.Query{
		Text:             text,
		FilterCategoryID: categoryID,
		FilterOwnerID:    s.ownerScope(session),
		Limit:            limit,
		Offset:           offset,
	}), nil
}

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	return s.store.ListUsers(ctx)
}

func (s *Service) UpdateUserRole(ctx context.Context, session Session, userID, role string) (store.User, error) {
	if !rbac.Valid(role) {
		return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be admin or user", nil)
	}

	user, err := s.store.UpdateUserRole(ctx, userID, role)
	if err != nil {
		return store.User{}, err
	}

	s.publish(tableUsers, realtime.KindUpdate, user.ID, session.UserID, user)
	return user, nil
}

// DeleteUser removes an account and all of its posts. Post deletions
// are published individually so every subscribed view drops the rows.
func (s *Service) DeleteUser(ctx context.Context, session Session, userID string) error {
	if userID == session.UserID {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Cannot delete your own account", nil)
	}

	posts, err := s.store.ListPostsByOwner(ctx, userID)
	if err != nil {
		return err
	}
	for _, post := range posts {
		deleted, err := s.store.DeletePost(ctx, post.ID, "")
		if err != nil {
			return err
		}
		if !deleted {
			continue
		}
		s.publish(tablePosts, realtime.KindDelete, post.ID, session.UserID, nil)
		if s.search != nil {
			s.search.DeletePost(post.ID)
		}
	}

	deleted, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
	}

	s.publish(tableUsers, realtime.KindDelete, userID, session.UserID, nil)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) publish(table string, kind realtime.Kind, rowID, actor string, row any) {
	if s.feed == nil {
		return
	}
	s.feed.Broadcast(realtime.NewEvent(table, kind, rowID, actor, row))
}

func (s *Service) indexPost(post store.Post) {
	if s.search == nil {
		return
	}
	s.search.IndexPost(search.PostRecord{
		ID:          post.ID,
		Title:       post.Title,
		Description: post.Description,
		CategoryID:  post.CategoryID,
		OwnerID:     post.OwnerID,
	})
}

func validatePostInput(input PostInput) (title, description, category string, err error) {
	title = strings.TrimSpace(input.Title)
	description = strings.TrimSpace(input.Description)
	category = strings.TrimSpace(input.Category)
	if title == "" || description == "" || category == "" {
		return "", "", "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Please provide title, description, and category", nil)
	}
	return title, description, category, nil
}
