package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"meow.tf/websubsub"
	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store"
	asynqworker "meow.tf/websubsub/worker/asynq"
)

// sweepTimeout bounds one run of a periodic trigger.
const sweepTimeout = 5 * time.Minute

func (a *app) serve(ctx context.Context) error {
	if a.cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:    a.cfg.Listen,
		Handler: a.router(),
	}

	c := cron.New()

	if _, err := c.AddFunc(a.cfg.RefreshSchedule, a.sweep("refresh", func(ctx context.Context) (interface{}, error) {
		return a.subscriber.Refresh(ctx)
	})); err != nil {
		return errors.Wrap(err, "refresh schedule")
	}

	if _, err := c.AddFunc(a.cfg.RetrySchedule, a.sweep("retry", func(ctx context.Context) (interface{}, error) {
		return a.subscriber.RetryFailed(ctx)
	})); err != nil {
		return errors.Wrap(err, "retry schedule")
	}

	c.Start()
	defer c.Stop()

	if a.cfg.Queue == "asynq" {
		worker := asynq.NewServer(a.asynqOpt, asynq.Config{
			Concurrency:    a.cfg.Workers,
			RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		})

		if err := worker.Start(asynqworker.NewServeMux(a.subscriber)); err != nil {
			return errors.Wrap(err, "start asynq server")
		}

		defer worker.Shutdown()
	}

	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("Starting server", zap.String("listen", a.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// sweep wraps a periodic trigger for cron.
func (a *app) sweep(name string, fn func(ctx context.Context) (interface{}, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		res, err := fn(ctx)

		if err != nil {
			a.logger.Error("Sweep failed", zap.String("sweep", name), zap.Error(err))
			return
		}

		a.logger.Debug("Sweep finished", zap.String("sweep", name), zap.Any("result", res))
	}
}

func (a *app) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(a.logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	for _, path := range callbackPaths(a.static.Routes) {
		r.Match([]string{http.MethodGet, http.MethodPost}, path, a.callback)
	}

	if a.cfg.AdminToken == "" {
		return r
	}

	admin := r.Group("/admin", bearerAuth(a.cfg.AdminToken))

	admin.GET("/subscriptions", a.listSubscriptions)
	admin.POST("/subscriptions", a.createSubscription)
	admin.GET("/subscriptions/:id", a.getSubscription)
	admin.POST("/subscriptions/:id/subscribe", a.requestSubscribe)
	admin.POST("/subscriptions/:id/unsubscribe", a.requestUnsubscribe)
	admin.POST("/reset-counters", a.resetCounters)

	return r
}

// callbackPaths turns route templates into gin paths, once per distinct path.
func callbackPaths(routes map[string]string) []string {
	seen := make(map[string]bool, len(routes))
	paths := make([]string, 0, len(routes))

	for _, template := range routes {
		path := strings.Replace(template, websubsub.IDPlaceholder, ":id", 1)

		if seen[path] {
			continue
		}

		seen[path] = true
		paths = append(paths, path)
	}

	return paths
}

func (a *app) callback(c *gin.Context) {
	a.subscriber.HandleCallback(c.Request.Context(), c.Param("id"), c.Request).Write(c.Writer)
}

func (a *app) listSubscriptions(c *gin.Context) {
	subs, err := a.store.Find(c.Request.Context(), nil)

	if err != nil {
		a.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, subs)
}

func (a *app) createSubscription(c *gin.Context) {
	var req model.CreateRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := a.subscriber.Create(c.Request.Context(), req)

	if err != nil {
		a.abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, sub)
}

func (a *app) getSubscription(c *gin.Context) {
	sub, err := a.subscriber.Get(c.Request.Context(), c.Param("id"))

	if err != nil {
		a.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (a *app) requestSubscribe(c *gin.Context) {
	sub, err := a.subscriber.RequestSubscribe(c.Request.Context(), c.Param("id"))

	if err != nil {
		a.abort(c, err)
		return
	}

	c.JSON(http.StatusAccepted, sub)
}

func (a *app) requestUnsubscribe(c *gin.Context) {
	sub, err := a.subscriber.RequestUnsubscribe(c.Request.Context(), c.Param("id"))

	if err != nil {
		a.abort(c, err)
		return
	}

	c.JSON(http.StatusAccepted, sub)
}

func (a *app) resetCounters(c *gin.Context) {
	n, err := a.subscriber.ResetCounters(c.Request.Context())

	if err != nil {
		a.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscriptions": n})
}

// abort maps err onto an HTTP status.
func (a *app) abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var validationErrs validator.ValidationErrors

	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, websubsub.ErrNoHub), errors.As(err, &validationErrs):
		status = http.StatusBadRequest
	default:
		a.logger.Error("Admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}

	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")

		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
