package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recipegen/common"
	"recipegen/ingredient"
	"recipegen/login"
	"recipegen/postgres"
	"recipegen/recipe"
	"recipegen/subscription"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// LoggerMiddleware injects the logger into the context
func LoggerMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contextLogger := logger
			if contextLogger == nil {
				contextLogger = log.New(os.Stdout, "[recipegen] ", log.LstdFlags)
			}
			ctx := context.WithValue(r.Context(), common.LoggerCtxKey, contextLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Fatal("Error loading .env file")
	}

	logger := log.New(os.Stdout, "[recipegen] ", log.LstdFlags)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = context.WithValue(ctx, common.LoggerCtxKey, logger)

	if err := postgres.InitDB(ctx); err != nil {
		logger.Fatalf("Database initialization failed: %v", err)
	}
	defer postgres.CloseDB(ctx)
	logger.Println("Database connection established")

	// Apple root certs anchor all notification verification; refusing to start
	// without them beats silently accepting unverifiable payloads.
	certCache := subscription.NewCertCache()
	if err := certCache.Refresh(ctx); err != nil {
		logger.Fatalf("Failed to load Apple root certificates: %v", err)
	}

	store := subscription.NewPGStore(postgres.DB)
	reconciler := subscription.NewReconciler(store)
	decoder := subscription.NewDecoder(certCache)
	appleVerifier := subscription.NewReceiptVerifier(os.Getenv("APPLE_SHARED_SECRET"))

	var playVerifier *subscription.PlayVerifier
	if os.Getenv("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON") != "" {
		var err error
		playVerifier, err = subscription.NewPlayVerifier(ctx,
			os.Getenv("GOOGLE_PLAY_PACKAGE_NAME"),
			os.Getenv("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON"))
		if err != nil {
			logger.Fatalf("Play verifier initialization failed: %v", err)
		}
	} else {
		logger.Println("Play store verification disabled: no service account configured")
	}

	var stripeGW *subscription.StripeGateway
	if os.Getenv("STRIPE_API_KEY") != "" {
		stripeGW = subscription.NewStripeGateway(postgres.DB, reconciler, store,
			os.Getenv("STRIPE_API_KEY"),
			os.Getenv("STRIPE_WEBHOOK_SECRET"),
			os.Getenv("STRIPE_PRICE_ID"))
	} else {
		logger.Println("Stripe disabled: no API key configured")
	}

	loginSvc := login.NewService(postgres.DB, login.Config{
		JWTSecret:          []byte(os.Getenv("JWT_SECRET")),
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 30 * 24 * time.Hour,
	}, stripeCustomers(stripeGW))
	ingredientSvc := ingredient.NewService(postgres.DB)
	recipeSvc := recipe.NewService(postgres.DB, reconciler, ingredientSvc)

	loginHandler := login.NewHTTPHandler(loginSvc)
	ingredientHandler := ingredient.NewHandler(ingredientSvc)
	recipeHandler := recipe.NewHandler(recipeSvc)
	subscriptionHandler := subscription.NewHandler(postgres.DB, reconciler,
		appleVerifier, playVerifier, decoder, stripeGW, os.Getenv("APPLE_BUNDLE_ID"))

	// Hourly full-history re-sync catches notifications that never arrived.
	if os.Getenv("APPLE_PRIVATE_KEY") != "" {
		syncer := subscription.NewHistorySyncer(store, reconciler, decoder,
			[]byte(os.Getenv("APPLE_PRIVATE_KEY")),
			os.Getenv("APPLE_KEY_ID"),
			os.Getenv("APPLE_ISSUER_ID"),
			os.Getenv("APPLE_BUNDLE_ID"))
		go syncer.Run(ctx)
	} else {
		logger.Println("History sync disabled: no App Store API key configured")
	}

	mux := http.NewServeMux()

	// Auth routes
	mux.HandleFunc("POST /auth/register", loginHandler.HandleRegister)
	mux.HandleFunc("POST /auth/login", loginHandler.HandleLogin)
	mux.HandleFunc("POST /auth/refresh", loginHandler.HandleRefresh)
	mux.HandleFunc("POST /auth/logout", loginHandler.HandleLogout)

	// Ingredient routes
	mux.HandleFunc("GET /ingredients", loginSvc.AuthMiddleware(ingredientHandler.HandleList))
	mux.HandleFunc("POST /ingredients", loginSvc.AuthMiddleware(ingredientHandler.HandleAdd))
	mux.HandleFunc("PUT /ingredients/{id}", loginSvc.AuthMiddleware(ingredientHandler.HandleUpdate))
	mux.HandleFunc("DELETE /ingredients/{id}", loginSvc.AuthMiddleware(ingredientHandler.HandleDelete))

	// Recipe routes
	mux.HandleFunc("GET /recipes", loginSvc.AuthMiddleware(recipeHandler.HandleList))
	mux.HandleFunc("GET /recipes/{id}", loginSvc.AuthMiddleware(recipeHandler.HandleGet))
	mux.HandleFunc("DELETE /recipes/{id}", loginSvc.AuthMiddleware(recipeHandler.HandleDelete))
	mux.HandleFunc("POST /recipes/generate", loginSvc.AuthMiddleware(recipeHandler.HandleGenerate))

	// Subscription routes
	mux.HandleFunc("POST /subscription/verify", loginSvc.AuthMiddleware(subscriptionHandler.HandleVerifyPurchase))
	mux.HandleFunc("GET /subscription/status", loginSvc.AuthMiddleware(subscriptionHandler.HandleGetStatus))
	mux.HandleFunc("POST /subscription/cancel", loginSvc.AuthMiddleware(subscriptionHandler.HandleCancel))
	mux.HandleFunc("POST /subscription/restart", loginSvc.AuthMiddleware(subscriptionHandler.HandleRestart))

	// Provider webhooks - not protected by auth middleware
	mux.HandleFunc("POST /webhook/apple/subscription", subscriptionHandler.HandleAppleNotification)
	mux.HandleFunc("POST /webhook/stripe", subscriptionHandler.HandleStripeWebhook)

	server := &http.Server{
		Addr: ":8080",
		Handler: LoggerMiddleware(logger)(
			common.RequestIDMiddleware(
				common.RecoveryMiddleware(
					common.TimeoutMiddleware(240 * time.Second)(mux),
				),
			),
		),
		ReadTimeout:  240 * time.Second,
		WriteTimeout: 240 * time.Second,
		IdleTimeout:  240 * time.Second,
	}

	go func() {
		logger.Printf("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Println("Initiating server shutdown...")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Error during server shutdown: %v", err)
	}

	logger.Println("Server shutdown complete")
}

// stripeCustomers adapts the optional gateway to the login service without
// passing a typed nil through an interface value.
func stripeCustomers(gw *subscription.StripeGateway) login.CustomerCreator {
	if gw == nil {
		return nil
	}
	return gw
}
