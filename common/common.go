package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Context keys
type contextKey string

const (
	UserIDCtxKey    contextKey = "user_id"
	RequestIDCtxKey contextKey = "request_id"
	LoggerCtxKey    contextKey = "logger"

	GENERATE_RECIPES = `Given these ingredients: %s.
Return a valid JSON array with up to %d recipe objects, each containing:
"name", "description", "instructions", and an "ingredients" array.
Each "ingredients" entry must have "ingredient_name", "quantity" (decimal as string) and "unit" (cups, grams, etc.).
Only use ingredients from the provided list plus pantry staples (water, salt, pepper, oil).
No code fences or additional text are allowed. Only the JSON array should be returned.`
)

// Standard format for all timestamps in the API
const TimestampFormat = time.RFC3339

// FormatTimestamp converts a time.Time to our standard string format
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a timestamp string in our standard format
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampFormat, s)
}

// GetLogger pulls the request logger out of the context, falling back to a
// default logger so callers never have to nil-check.
func GetLogger(ctx context.Context) *log.Logger {
	if logger, ok := ctx.Value(LoggerCtxKey).(*log.Logger); ok && logger != nil {
		return logger
	}
	return log.New(os.Stdout, "[recipegen] ", log.LstdFlags)
}

// Middleware to set request timeout
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)
		})
	}
}

// Middleware to add request ID to context
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}

		ctx := context.WithValue(r.Context(), RequestIDCtxKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Middleware to recover from panics
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestID, _ := r.Context().Value(RequestIDCtxKey).(string)
				logger := GetLogger(r.Context())
				logger.Printf("Panic occurred in request %s: %v\n", requestID, err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

const recipeModel = "gemini-2.0-flash"

// GeminiClient provides a thread-safe, rate-limited client for Gemini API access
type GeminiClient struct {
	client  *genai.Client
	mutex   sync.RWMutex
	limiter *rate.Limiter
}

var (
	geminiSingleton *GeminiClient
	once            sync.Once
)

// GetGeminiClient returns a singleton instance of GeminiClient
func GetGeminiClient(ctx context.Context) (*GeminiClient, error) {
	once.Do(func() {
		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			log.Println("GEMINI_API_KEY not set in environment")
			return
		}

		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			log.Printf("Error initializing Gemini client: %v", err)
			return
		}

		geminiSingleton = &GeminiClient{
			client: client,
			// Allow 10 requests per minute (adjust as needed)
			limiter: rate.NewLimiter(rate.Limit(10.0/60.0), 2),
		}
	})

	if geminiSingleton == nil || geminiSingleton.client == nil {
		return nil, fmt.Errorf("failed to initialize Gemini client")
	}

	return geminiSingleton, nil
}

// GenerateRecipes asks the model for recipe suggestions built from the given
// ingredient list and returns the raw JSON array it produced.
func GenerateRecipes(ctx context.Context, ingredients []string, maxRecipes int) (string, error) {
	client, err := GetGeminiClient(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get Gemini client: %w", err)
	}

	return client.GenerateRecipes(ctx, ingredients, maxRecipes)
}

// GenerateRecipes generates recipes using Gemini with retry logic
func (gc *GeminiClient) GenerateRecipes(ctx context.Context, ingredients []string, maxRecipes int) (string, error) {
	// Wait for rate limiter
	if err := gc.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait failed: %w", err)
	}

	prompt := fmt.Sprintf(GENERATE_RECIPES, strings.Join(ingredients, ", "), maxRecipes)

	var result *genai.GenerateContentResponse
	var err error

	gc.mutex.RLock()
	defer gc.mutex.RUnlock()

	// Retry up to 3 times with exponential backoff
	backoff := 1 * time.Second
	for attempts := 0; attempts < 3; attempts++ {
		config := &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
		}

		result, err = gc.client.Models.GenerateContent(ctx, recipeModel, genai.Text(prompt), config)
		if err == nil && len(result.Candidates) > 0 {
			break
		}

		// If context deadline exceeded or canceled, don't retry
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", err
		}

		log.Printf("Recipe generation attempt %d failed: %v, retrying in %v",
			attempts+1, err, backoff)

		select {
		case <-time.After(backoff):
			backoff *= 2 // Exponential backoff
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if err != nil {
		return "", fmt.Errorf("recipe generation failed after retries: %w", err)
	}

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", fmt.Errorf("no recipes generated")
	}

	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	text := strings.TrimSpace(sb.String())

	// Some models wrap JSON in fences despite instructions; strip them.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if text == "" {
		return "", fmt.Errorf("empty model response")
	}

	if !json.Valid([]byte(text)) {
		return "", fmt.Errorf("model returned invalid JSON")
	}

	return text, nil
}
