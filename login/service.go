package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"recipegen/common"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Config for service parameters
type Config struct {
	JWTSecret          []byte
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	BcryptCost         int
}

const defaultBcryptCost = 12

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

// CustomerCreator registers new users with the payment processor. Optional;
// registration succeeds without one.
type CustomerCreator interface {
	CreateCustomer(ctx context.Context, email, name string) (string, error)
}

// Service holds DB and config
type Service struct {
	db        *pgxpool.Pool
	config    Config
	customers CustomerCreator
}

// MyClaims extends JWT claims with user info
type MyClaims struct {
	UserID int `json:"user_id"`
	jwt.RegisteredClaims
}

func NewService(db *pgxpool.Pool, config Config, customers CustomerCreator) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = defaultBcryptCost
	}
	return &Service{db: db, config: config, customers: customers}
}

// AuthMiddleware checks the Authorization header for a valid token.
func (s *Service) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := common.GetLogger(r.Context())

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			logger.Printf("Auth failed: missing Authorization header")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			logger.Printf("Auth failed: invalid Authorization header format")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &MyClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.config.JWTSecret, nil
		})
		if err != nil || !token.Valid {
			logger.Printf("Auth failed: token parse error: %v", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(*MyClaims)
		if !ok {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		var exists bool
		err = s.db.QueryRow(r.Context(), `
			SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)
		`, claims.UserID).Scan(&exists)
		if err != nil {
			logger.Printf("Auth failed: database error: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if !exists {
			logger.Printf("Auth failed: user %d not found", claims.UserID)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), common.UserIDCtxKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// Register creates a new user and, when a payment processor is configured,
// its customer profile.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (int, error) {
	logger := common.GetLogger(ctx)

	// Shape constraints (email format, password length) are enforced by the
	// handler's validator tags before the request reaches here.
	email = strings.ToLower(strings.TrimSpace(email))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}

	var userID int
	err = s.db.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, display_name)
		VALUES ($1, $2, $3)
		RETURNING id
	`, email, string(hash), displayName).Scan(&userID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrEmailTaken
		}
		return 0, fmt.Errorf("failed to create user: %w", err)
	}

	if s.customers != nil {
		customerID, err := s.customers.CreateCustomer(ctx, email, displayName)
		if err != nil {
			// The user can still use the app; customer creation is retried on
			// first restart attempt.
			logger.Printf("Failed to create payment customer for user %d: %v", userID, err)
		} else if _, err := s.db.Exec(ctx, `
			UPDATE users SET stripe_customer_id = $1 WHERE id = $2
		`, customerID, userID); err != nil {
			logger.Printf("Failed to store payment customer for user %d: %v", userID, err)
		}
	}

	logger.Printf("Registered user %d", userID)
	return userID, nil
}

// Login verifies credentials and returns access and refresh tokens.
func (s *Service) Login(ctx context.Context, email, password string) (string, string, error) {
	logger := common.GetLogger(ctx)

	email = strings.ToLower(strings.TrimSpace(email))

	var userID int
	var passwordHash string
	err := s.db.QueryRow(ctx, `
		SELECT id, password_hash FROM users WHERE email = $1
	`, email).Scan(&userID, &passwordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrInvalidCredentials
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		logger.Printf("Failed login attempt for user %d", userID)
		return "", "", ErrInvalidCredentials
	}

	if _, err := s.db.Exec(ctx, `UPDATE users SET last_login = NOW() WHERE id = $1`, userID); err != nil {
		logger.Printf("Failed to update last login for user %d: %v", userID, err)
	}

	return s.GenerateTokens(ctx, userID)
}

// GenerateTokens creates an access token and a refresh token for the given user.
func (s *Service) GenerateTokens(ctx context.Context, userID int) (string, string, error) {
	accessToken, err := s.generateJWT(userID, s.config.AccessTokenExpiry)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := s.generateJWT(userID, s.config.RefreshTokenExpiry)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	if err := s.storeRefreshToken(ctx, refreshToken, userID, time.Now().Add(s.config.RefreshTokenExpiry)); err != nil {
		return "", "", fmt.Errorf("failed to store refresh token: %w", err)
	}

	return accessToken, refreshToken, nil
}

// RefreshTokens takes an existing refresh token, invalidates it, and returns new tokens.
func (s *Service) RefreshTokens(ctx context.Context, refreshTokenStr string) (string, string, error) {
	logger := common.GetLogger(ctx)

	claims, err := s.validateRefreshToken(ctx, refreshTokenStr)
	if err != nil {
		logger.Printf("Refresh token validation failed: %v", err)
		return "", "", err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.invalidateRefreshTokenTx(ctx, tx, refreshTokenStr); err != nil {
		return "", "", fmt.Errorf("failed to invalidate refresh token: %w", err)
	}

	newAccessToken, err := s.generateJWT(claims.UserID, s.config.AccessTokenExpiry)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign access token: %w", err)
	}
	newRefreshToken, err := s.generateJWT(claims.UserID, s.config.RefreshTokenExpiry)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign refresh token: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, newRefreshToken, claims.UserID, time.Now().Add(s.config.RefreshTokenExpiry)); err != nil {
		return "", "", fmt.Errorf("failed to store refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Printf("Tokens refreshed for user %d", claims.UserID)
	return newAccessToken, newRefreshToken, nil
}

// Logout invalidates the provided refresh token in the DB.
func (s *Service) Logout(ctx context.Context, refreshTokenStr string) error {
	logger := common.GetLogger(ctx)

	if _, err := s.validateRefreshToken(ctx, refreshTokenStr); err != nil {
		return fmt.Errorf("invalid refresh token: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.invalidateRefreshTokenTx(ctx, tx, refreshTokenStr); err != nil {
		return fmt.Errorf("failed to invalidate refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Printf("User logged out successfully")
	return nil
}

// --- Helper functions ---

func (s *Service) storeRefreshToken(ctx context.Context, token string, userID int, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	return err
}

// validateRefreshToken checks if the given token is valid, unexpired, and still exists in the DB.
func (s *Service) validateRefreshToken(ctx context.Context, tokenStr string) (*MyClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &MyClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.config.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}

	claims, ok := token.Claims.(*MyClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	var exists bool
	err = s.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM refresh_tokens
			WHERE token = $1 AND expires_at > NOW()
		)
	`, tokenStr).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}
	if !exists {
		return nil, errors.New("invalid or expired refresh token")
	}

	return claims, nil
}

func (s *Service) invalidateRefreshTokenTx(ctx context.Context, tx pgx.Tx, token string) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM refresh_tokens
		WHERE token = $1
	`, token)
	return err
}

// generateJWT generates a signed JWT for a given userID and expiry.
func (s *Service) generateJWT(userID int, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := MyClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			Issuer:    "recipegen",
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.config.JWTSecret)
}
