package recipe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseGeneratedRecipes(t *testing.T) {
	raw := `[
		{
			"name": "Tomato Pasta",
			"description": "Quick weeknight pasta.",
			"instructions": "Boil pasta. Simmer tomatoes. Combine.",
			"ingredients": [
				{"ingredient_name": "pasta", "quantity": "200", "unit": "grams"},
				{"ingredient_name": "tomato", "quantity": "3", "unit": ""}
			]
		},
		{
			"name": "",
			"description": "model hallucinated an empty entry",
			"instructions": "n/a"
		},
		{
			"name": "Tomato Soup",
			"description": "",
			"instructions": "Simmer and blend."
		}
	]`

	recipes, err := parseGeneratedRecipes(raw)
	require.NoError(t, err)
	require.Len(t, recipes, 2, "entries without a name are dropped")

	require.Equal(t, "Tomato Pasta", recipes[0].Name)
	require.Len(t, recipes[0].Ingredients, 2)
	require.Equal(t, "pasta", recipes[0].Ingredients[0].IngredientName)
	require.Equal(t, "grams", recipes[0].Ingredients[0].Unit)
	require.Empty(t, recipes[1].Ingredients)
}

func TestParseGeneratedRecipesRejectsGarbage(t *testing.T) {
	_, err := parseGeneratedRecipes("not json at all")
	require.Error(t, err)

	_, err = parseGeneratedRecipes(`[]`)
	require.Error(t, err, "empty array means nothing usable")

	_, err = parseGeneratedRecipes(`[{"name": "", "instructions": ""}]`)
	require.Error(t, err)
}
