package ingredient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var (
	ErrNotFound  = errors.New("ingredient not found")
	ErrDuplicate = errors.New("ingredient already exists")
)

// Ingredient is one pantry item a user can cook from.
type Ingredient struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

type Service struct {
	db *pgxpool.Pool
}

func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

func (s *Service) List(ctx context.Context, userID int) ([]Ingredient, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, category
		FROM ingredients
		WHERE user_id = $1
		ORDER BY category, name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingredients: %w", err)
	}
	defer rows.Close()

	var ingredients []Ingredient
	for rows.Next() {
		var ing Ingredient
		if err := rows.Scan(&ing.ID, &ing.Name, &ing.Category); err != nil {
			return nil, fmt.Errorf("failed to scan ingredient: %w", err)
		}
		ingredients = append(ingredients, ing)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ingredient rows: %w", err)
	}
	return ingredients, nil
}

// Names returns just the ingredient names, the shape the recipe prompt needs.
func (s *Service) Names(ctx context.Context, userID int) ([]string, error) {
	ingredients, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ingredients))
	for _, ing := range ingredients {
		names = append(names, ing.Name)
	}
	return names, nil
}

func (s *Service) Add(ctx context.Context, userID int, name, category string) (*Ingredient, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("ingredient name is required")
	}
	if category = strings.TrimSpace(category); category == "" {
		category = "other"
	}

	var ing Ingredient
	err := s.db.QueryRow(ctx, `
		INSERT INTO ingredients (user_id, name, category)
		VALUES ($1, $2, $3)
		RETURNING id, name, category
	`, userID, name, category).Scan(&ing.ID, &ing.Name, &ing.Category)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to insert ingredient: %w", err)
	}
	return &ing, nil
}

func (s *Service) Update(ctx context.Context, userID, id int, name, category string) (*Ingredient, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("ingredient name is required")
	}

	var ing Ingredient
	err := s.db.QueryRow(ctx, `
		UPDATE ingredients
		SET name = $1, category = $2
		WHERE id = $3 AND user_id = $4
		RETURNING id, name, category
	`, name, category, id, userID).Scan(&ing.ID, &ing.Name, &ing.Category)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update ingredient: %w", err)
	}
	return &ing, nil
}

func (s *Service) Delete(ctx context.Context, userID, id int) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM ingredients
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete ingredient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
