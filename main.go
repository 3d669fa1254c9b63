package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/inboxops/mailsync/internal/auth"
	"github.com/inboxops/mailsync/internal/classify"
	"github.com/inboxops/mailsync/internal/natsjs"
	"github.com/inboxops/mailsync/internal/providers/gmail"
	"github.com/inboxops/mailsync/internal/providers/outlook"
	"github.com/inboxops/mailsync/internal/sync"
	"github.com/inboxops/mailsync/internal/threadstore"
)

type SyncRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Days      int    `json:"days"`
	ForceFull bool   `json:"forceFull"`
	Polling   bool   `json:"polling"`
}

type PollRequest struct {
	Email string `json:"email" binding:"required,email"`
}

func main() {
	dataDir := envOr("DATA_DIR", "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatal(err)
	}

	store, err := threadstore.Open(filepath.Join(dataDir, "threads.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	registry := sync.NewRegistry()
	registry.Register(sync.ProviderGmail, func(ctx context.Context, tok *auth.Token, userEmail string) (sync.MailProvider, error) {
		return gmail.New(ctx, tok, userEmail)
	})
	registry.Register(sync.ProviderOutlook, func(ctx context.Context, tok *auth.Token, userEmail string) (sync.MailProvider, error) {
		return outlook.New(ctx, tok, userEmail)
	})

	tokens := auth.NewTokenClient(envOr("AUTH_URL", "http://localhost:3000"))
	runner := sync.NewRunner(store, tokens, registry, classify.NewKeywordClassifier())
	manager := sync.NewManager(runner, 0)
	defer manager.StopAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event publishing is optional; without NATS the outbox just accrues.
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		publisher, err := natsjs.NewPublisher(natsURL)
		if err != nil {
			log.Fatal(err)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatal(err)
		}
		go sync.DispatchOutbox(ctx, store, publisher)
	}

	r := gin.Default()

	api := r.Group("/")
	if jwksURL := os.Getenv("JWKS_URL"); jwksURL != "" {
		verifier, err := auth.NewJWTVerifier(jwksURL)
		if err != nil {
			log.Fatal(err)
		}
		api.Use(authMiddleware(verifier))
	}

	api.POST("/sync/:provider", func(c *gin.Context) {
		provider, ok := parseProvider(c, registry)
		if !ok {
			return
		}

		var req SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		opts := sync.Options{Days: req.Days, ForceFull: req.ForceFull, Polling: req.Polling}
		res, err := runner.SyncEmails(c.Request.Context(), req.Email, provider, opts)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case sync.IsAuth(err):
				status = http.StatusUnauthorized
			case sync.IsTransient(err):
				status = http.StatusBadGateway
			}
			c.JSON(status, gin.H{"error": err.Error(), "partial": res})
			return
		}

		c.JSON(http.StatusOK, res)
	})

	api.GET("/sync/:provider/status", func(c *gin.Context) {
		provider, ok := parseProvider(c, registry)
		if !ok {
			return
		}
		email, ok := requireEmail(c)
		if !ok {
			return
		}

		cursor, err := store.GetCursor(c.Request.Context(), email, string(provider))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if cursor == nil {
			c.JSON(http.StatusOK, gin.H{
				"status":  threadstore.StatusIdle,
				"polling": manager.IsRunning(email, provider),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":       cursor.Status,
			"lastSyncTime": cursor.LastSyncTime,
			"isValid":      cursor.IsValid,
			"lastError":    cursor.LastError,
			"polling":      manager.IsRunning(email, provider),
		})
	})

	api.POST("/sync/:provider/start", func(c *gin.Context) {
		provider, ok := parseProvider(c, registry)
		if !ok {
			return
		}
		var req PollRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := manager.StartPolling(ctx, strings.ToLower(req.Email), provider); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"polling": true})
	})

	api.POST("/sync/:provider/stop", func(c *gin.Context) {
		provider, ok := parseProvider(c, registry)
		if !ok {
			return
		}
		var req PollRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := manager.StopPolling(strings.ToLower(req.Email), provider); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"polling": false})
	})

	api.GET("/threads", func(c *gin.Context) {
		provider, email, ok := threadScope(c, registry)
		if !ok {
			return
		}

		threads, err := store.ListThreads(c.Request.Context(), email, string(provider))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, threads)
	})

	api.GET("/threads/:threadId", func(c *gin.Context) {
		provider, email, ok := threadScope(c, registry)
		if !ok {
			return
		}

		thread, err := store.GetThread(c.Request.Context(), email, string(provider), c.Param("threadId"))
		if err != nil {
			if errors.Is(err, threadstore.ErrThreadNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, thread)
	})

	api.POST("/threads/:threadId/archive", func(c *gin.Context) {
		provider, email, ok := threadScope(c, registry)
		if !ok {
			return
		}

		err := store.SetArchived(c.Request.Context(), email, string(provider), c.Param("threadId"), true)
		if err != nil {
			if errors.Is(err, threadstore.ErrThreadNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"archived": true})
	})

	api.POST("/threads/:threadId/read", func(c *gin.Context) {
		provider, email, ok := threadScope(c, registry)
		if !ok {
			return
		}

		err := store.MarkThreadRead(c.Request.Context(), email, string(provider), c.Param("threadId"))
		if err != nil {
			if errors.Is(err, threadstore.ErrThreadNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"read": true})
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	log.Fatal(r.Run(":" + envOr("PORT", "8080")))
}

// parseProvider validates the :provider path segment against the registry.
func parseProvider(c *gin.Context, registry *sync.Registry) (sync.ProviderName, bool) {
	provider := sync.ProviderName(c.Param("provider"))
	for _, name := range registry.Names() {
		if name == string(provider) {
			return provider, true
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider: " + string(provider)})
	return "", false
}

func requireEmail(c *gin.Context) (string, bool) {
	email := strings.ToLower(c.Query("email"))
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email query parameter is required"})
		return "", false
	}
	return email, true
}

// threadScope resolves the provider and email query parameters shared by
// the thread endpoints.
func threadScope(c *gin.Context, registry *sync.Registry) (sync.ProviderName, string, bool) {
	provider := sync.ProviderName(c.Query("provider"))
	valid := false
	for _, name := range registry.Names() {
		if name == string(provider) {
			valid = true
		}
	}
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider: " + string(provider)})
		return "", "", false
	}

	email, ok := requireEmail(c)
	if !ok {
		return "", "", false
	}
	return provider, email, true
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
