package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"recipegen/common"
	"recipegen/postgres"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var (
	ErrNotFound             = errors.New("recipe not found")
	ErrSubscriptionRequired = errors.New("active subscription required")
	ErrNoIngredients        = errors.New("no ingredients to cook from")
)

const maxGeneratedRecipes = 3

// EntitlementChecker answers whether a user currently has feature access.
// Satisfied by the subscription reconciler.
type EntitlementChecker interface {
	Entitled(ctx context.Context, userID int) (bool, error)
}

// IngredientSource supplies the names the generation prompt is built from.
type IngredientSource interface {
	Names(ctx context.Context, userID int) ([]string, error)
}

// RecipeIngredient is one line of a recipe's ingredient list.
type RecipeIngredient struct {
	IngredientName string `json:"ingredient_name"`
	Quantity       string `json:"quantity"`
	Unit           string `json:"unit"`
}

type Recipe struct {
	ID           int                `json:"id"`
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Instructions string             `json:"instructions"`
	Ingredients  []RecipeIngredient `json:"ingredients"`
}

type Service struct {
	db           *pgxpool.Pool
	entitlements EntitlementChecker
	ingredients  IngredientSource
}

func NewService(db *pgxpool.Pool, entitlements EntitlementChecker, ingredients IngredientSource) *Service {
	return &Service{db: db, entitlements: entitlements, ingredients: ingredients}
}

func (s *Service) List(ctx context.Context, userID int) ([]Recipe, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, instructions
		FROM recipes
		WHERE user_id = $1
		ORDER BY id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipes: %w", err)
	}
	defer rows.Close()

	var recipes []Recipe
	for rows.Next() {
		var rec Recipe
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Instructions); err != nil {
			return nil, fmt.Errorf("failed to scan recipe: %w", err)
		}
		recipes = append(recipes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recipe rows: %w", err)
	}

	for i := range recipes {
		if recipes[i].Ingredients, err = s.loadIngredients(ctx, recipes[i].ID); err != nil {
			return nil, err
		}
	}
	return recipes, nil
}

func (s *Service) Get(ctx context.Context, userID, id int) (*Recipe, error) {
	var rec Recipe
	err := s.db.QueryRow(ctx, `
		SELECT id, name, description, instructions
		FROM recipes
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Instructions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recipe: %w", err)
	}

	if rec.Ingredients, err = s.loadIngredients(ctx, rec.ID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Service) Delete(ctx context.Context, userID, id int) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM recipes
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete recipe: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Generate produces recipes from the user's ingredients. Generation is a paid
// feature: callers without an entitled subscription are rejected before any
// model call.
func (s *Service) Generate(ctx context.Context, userID int) ([]Recipe, error) {
	logger := common.GetLogger(ctx)

	entitled, err := s.entitlements.Entitled(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription: %w", err)
	}
	if !entitled {
		return nil, ErrSubscriptionRequired
	}

	names, err := s.ingredients.Names(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNoIngredients
	}

	raw, err := common.GenerateRecipes(ctx, names, maxGeneratedRecipes)
	if err != nil {
		return nil, fmt.Errorf("recipe generation failed: %w", err)
	}

	generated, err := parseGeneratedRecipes(raw)
	if err != nil {
		logger.Printf("Model returned unparseable recipes for user %d: %v", userID, err)
		return nil, err
	}

	if err := s.persistRecipes(ctx, userID, generated); err != nil {
		return nil, err
	}

	logger.Printf("Generated %d recipes for user %d", len(generated), userID)
	return generated, nil
}

// parseGeneratedRecipes decodes the model's JSON array and drops entries
// missing required fields rather than failing the whole batch.
func parseGeneratedRecipes(raw string) ([]Recipe, error) {
	var decoded []struct {
		Name         string             `json:"name"`
		Description  string             `json:"description"`
		Instructions string             `json:"instructions"`
		Ingredients  []RecipeIngredient `json:"ingredients"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse generated recipes: %w", err)
	}

	var recipes []Recipe
	for _, d := range decoded {
		if strings.TrimSpace(d.Name) == "" || strings.TrimSpace(d.Instructions) == "" {
			continue
		}
		recipes = append(recipes, Recipe{
			Name:         d.Name,
			Description:  d.Description,
			Instructions: d.Instructions,
			Ingredients:  d.Ingredients,
		})
	}
	if len(recipes) == 0 {
		return nil, errors.New("model produced no usable recipes")
	}
	return recipes, nil
}

func (s *Service) persistRecipes(ctx context.Context, userID int, recipes []Recipe) error {
	return postgres.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for i := range recipes {
			rec := &recipes[i]
			err := tx.QueryRow(ctx, `
				INSERT INTO recipes (user_id, name, description, instructions)
				VALUES ($1, $2, $3, $4)
				RETURNING id
			`, userID, rec.Name, rec.Description, rec.Instructions).Scan(&rec.ID)
			if err != nil {
				return fmt.Errorf("failed to insert recipe: %w", err)
			}

			for _, ing := range rec.Ingredients {
				if _, err := tx.Exec(ctx, `
					INSERT INTO recipe_ingredient (recipe_id, ingredient_name, quantity, unit)
					VALUES ($1, $2, $3, $4)
				`, rec.ID, ing.IngredientName, ing.Quantity, ing.Unit); err != nil {
					return fmt.Errorf("failed to insert recipe ingredient: %w", err)
				}
			}
		}
		return nil
	})
}

func (s *Service) loadIngredients(ctx context.Context, recipeID int) ([]RecipeIngredient, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ingredient_name, COALESCE(quantity, ''), COALESCE(unit, '')
		FROM recipe_ingredient
		WHERE recipe_id = $1
		ORDER BY id
	`, recipeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipe ingredients: %w", err)
	}
	defer rows.Close()

	var ingredients []RecipeIngredient
	for rows.Next() {
		var ing RecipeIngredient
		if err := rows.Scan(&ing.IngredientName, &ing.Quantity, &ing.Unit); err != nil {
			return nil, fmt.Errorf("failed to scan recipe ingredient: %w", err)
		}
		ingredients = append(ingredients, ing)
	}
	return ingredients, rows.Err()
}
